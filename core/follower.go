package core

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Pindano/chamagov/core/journal"
	"github.com/Pindano/chamagov/core/ledger"
	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/core/types"
	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

const LogChanMaxSize = 1000

// LogApplier reconciles a single observed governor log.
type LogApplier interface {
	ApplyLog(ctx context.Context, l ethtypes.Log) error
}

type FollowerConfig struct {
	// first block to scan when no cursor is stored yet
	FromBlock uint64
	// how often published governors are reloaded
	RefreshInterval time.Duration
	// blocks per history query
	PageSize uint64
}

// Follower keeps the mirror in step with governor events raised by anyone,
// not only the transactions this engine submitted. It replays history from
// the journal cursor, then follows new logs over a subscription.
type Follower struct {
	Client  Client
	Logger  logrus.FieldLogger
	LogChan chan ethtypes.Log
	LogSub  ethereum.Subscription

	dial    Dialer
	store   *mirror.Store
	applier LogApplier
	cursor  *journal.Journal
	cfg     FollowerConfig

	mu        sync.Mutex
	addresses []common.Address
	topics    [][]common.Hash

	// lowest block holding a log that could not be applied; the cursor
	// does not move past it until history is replayed
	held uint64

	// ReconnectBackoff is the first delay between reconnect attempts.
	ReconnectBackoff time.Duration
	// ApplyBackoff is the first delay between attempts to apply a log.
	ApplyBackoff time.Duration

	wg sync.WaitGroup
}

func NewFollower(client Client, dial Dialer, store *mirror.Store, applier LogApplier, cursor *journal.Journal, cfg FollowerConfig, logger logrus.FieldLogger) *Follower {
	if cfg.PageSize == 0 {
		cfg.PageSize = 5000
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	return &Follower{
		Client:  client,
		Logger:  logger,
		LogChan: make(chan ethtypes.Log, LogChanMaxSize),
		dial:    dial,
		store:   store,
		applier: applier,
		cursor:  cursor,
		cfg:     cfg,
		topics: [][]common.Hash{{
			ledger.EventTopic(ledger.EventProposalCreated),
			ledger.EventTopic(ledger.EventVoteCast),
			ledger.EventTopic(ledger.EventProposalExecuted),
			ledger.EventTopic(ledger.EventProposalCanceled),
		}},
		ReconnectBackoff: 5 * time.Second,
		ApplyBackoff:     200 * time.Millisecond,
	}
}

// Start subscribes before replaying history so no log falls between the
// two; logs seen twice are reconciled idempotently.
func (f *Follower) Start(ctx context.Context) error {
	if _, err := f.refreshAddresses(ctx); err != nil {
		return err
	}
	if err := f.subscribeLog(ctx); err != nil {
		return err
	}
	if err := f.fetchHistoryLog(ctx); err != nil {
		f.LogSub.Unsubscribe()
		return err
	}

	f.wg.Add(1)
	go f.listenEvents(ctx)
	return nil
}

// Stop waits for the listener to exit; cancel the Start context first.
func (f *Follower) Stop() {
	f.wg.Wait()
}

// refreshAddresses reloads the published governors and returns the ones
// not followed before.
func (f *Follower) refreshAddresses(ctx context.Context) ([]common.Address, error) {
	chamas, err := f.store.PublishedChamas(ctx)
	if err != nil {
		return nil, err
	}
	addresses := make([]common.Address, 0, len(chamas))
	for _, c := range chamas {
		addresses = append(addresses, common.HexToAddress(c.GovernorAddress))
	}

	f.mu.Lock()
	known := make(map[common.Address]bool, len(f.addresses))
	for _, a := range f.addresses {
		known[a] = true
	}
	var added []common.Address
	for _, a := range addresses {
		if !known[a] {
			added = append(added, a)
		}
	}
	f.addresses = addresses
	f.mu.Unlock()

	if len(added) > 0 {
		f.Logger.Debugf("following %d governors, %d new", len(addresses), len(added))
	}
	return added, nil
}

// query filters on addresses, or on every followed governor when
// addresses is nil.
func (f *Follower) query(from, to uint64, addresses []common.Address) ethereum.FilterQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addresses == nil {
		addresses = f.addresses
	}
	q := ethereum.FilterQuery{
		Addresses: addresses,
		Topics:    f.topics,
	}
	if from != 0 {
		q.FromBlock = new(big.Int).SetUint64(from)
	}
	if to != 0 {
		q.ToBlock = new(big.Int).SetUint64(to)
	}
	return q
}

func (f *Follower) getNewestFromBlock() uint64 {
	next := f.cursor.NextFromBlock()
	if next > f.cfg.FromBlock {
		return next
	}
	return f.cfg.FromBlock
}

// fetchHistoryLog replays every followed governor from the cursor. Logs
// that failed before are applied again.
func (f *Follower) fetchHistoryLog(ctx context.Context) error {
	f.held = 0
	return f.fetchHistory(ctx, f.getNewestFromBlock(), nil)
}

func (f *Follower) fetchHistory(ctx context.Context, from uint64, addresses []common.Address) error {
	head, err := f.Client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	count := 0
	for start := from; start <= head; start += f.cfg.PageSize {
		end := start + f.cfg.PageSize - 1
		if end > head {
			end = head
		}
		logs, err := f.Client.FilterLogs(ctx, f.query(start, end, addresses))
		if err != nil {
			return fmt.Errorf("filter logs %d-%d: %w", start, end, err)
		}
		for _, l := range logs {
			f.handleLog(ctx, l)
		}
		count += len(logs)
	}
	f.Logger.Infof("replayed %d logs from block %d to %d", count, from, head)
	return nil
}

func (f *Follower) subscribeLog(ctx context.Context) error {
	var err error
	f.LogSub, err = f.Client.SubscribeFilterLogs(ctx, f.query(f.getNewestFromBlock(), 0, nil), f.LogChan)
	return err
}

func (f *Follower) handleLog(ctx context.Context, l ethtypes.Log) {
	logger := f.Logger.WithFields(logrus.Fields{
		"governor": l.Address.Hex(),
		"tx":       l.TxHash.Hex(),
		"block":    l.BlockNumber,
	})
	err := f.apply(ctx, l)
	switch {
	case err == nil:
	case types.KindOf(err) == types.KindNotFound:
		logger.Debugf("skip log: %s", err)
	case ctx.Err() != nil:
		return
	default:
		logger.Errorf("apply log: %s", err)
		f.recordFailure(ctx, l, err)
		if f.held == 0 || l.BlockNumber < f.held {
			f.held = l.BlockNumber
		}
	}

	// the cursor block is replayed on restart; applying a log twice is a no-op
	next := l.BlockNumber
	if f.held != 0 && next > f.held {
		next = f.held
	}
	if next > f.cursor.NextFromBlock() {
		f.cursor.SetNextFromBlock(next)
	}
}

func (f *Follower) apply(ctx context.Context, l ethtypes.Log) error {
	last := ctx.Err()
	action := func(attempt uint) error {
		last = f.applier.ApplyLog(ctx, l)
		if last != nil && types.KindOf(last) == types.KindNotFound {
			return nil
		}
		return last
	}
	_ = retry.Retry(action,
		strategy.Limit(3),
		func(uint) bool { return ctx.Err() == nil },
		strategy.Backoff(backoff.Fibonacci(f.ApplyBackoff)),
	)
	return last
}

func (f *Follower) recordFailure(ctx context.Context, l ethtypes.Log, cause error) {
	err := f.store.RecordIssue(ctx, &mirror.ReconcileIssue{
		Kind:   mirror.IssueApplyFailed,
		TxHash: l.TxHash.Hex(),
		Detail: fmt.Sprintf("%s log %d in block %d from %s: %s",
			ledger.EventName(&l), l.Index, l.BlockNumber, l.Address.Hex(), cause),
	})
	if err != nil {
		f.Logger.Errorf("record reconcile issue: %s", err)
	}
}

func (f *Follower) listenEvents(ctx context.Context) {
	defer f.wg.Done()
	f.Logger.Info("listen events")

	refresh := time.NewTicker(f.cfg.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			f.LogSub.Unsubscribe()
			f.Logger.Info("context done")
			return
		case l := <-f.LogChan:
			f.handleLog(ctx, l)
		case <-refresh.C:
			if err := f.followNewGovernors(ctx); err != nil && ctx.Err() == nil {
				f.Logger.Warnf("follow new governors: %s", err)
			}
		case err := <-f.LogSub.Err():
			if ctx.Err() != nil {
				continue
			}
			f.Logger.Warnf("log subscription dropped: %v", err)
			if err := f.reconnect(ctx); err != nil {
				if ctx.Err() == nil {
					f.Logger.Errorf("reconnect failed, follower stopped: %s", err)
				}
				return
			}
			f.Logger.Info("log subscription restored")
		}
	}
}

// followNewGovernors widens the subscription to chamas published since the
// last refresh and replays their history from the configured first block.
func (f *Follower) followNewGovernors(ctx context.Context) error {
	added, err := f.refreshAddresses(ctx)
	if err != nil || len(added) == 0 {
		return err
	}
	old := f.LogSub
	if err := f.subscribeLog(ctx); err != nil {
		f.LogSub = old
		return err
	}
	old.Unsubscribe()
	return f.fetchHistory(ctx, f.cfg.FromBlock, added)
}

// reconnect dials a fresh connection, resubscribes, and replays the logs
// missed while disconnected.
func (f *Follower) reconnect(ctx context.Context) error {
	action := func(attempt uint) error {
		client, err := f.dial(ctx)
		if err != nil {
			return err
		}
		f.Client = client
		if _, err := f.refreshAddresses(ctx); err != nil {
			return err
		}
		if err := f.subscribeLog(ctx); err != nil {
			return err
		}
		if err := f.fetchHistoryLog(ctx); err != nil {
			f.LogSub.Unsubscribe()
			return err
		}
		return nil
	}

	err := retry.Retry(action,
		strategy.Limit(5),
		func(uint) bool { return ctx.Err() == nil },
		strategy.Backoff(backoff.Fibonacci(f.ReconnectBackoff)),
	)
	if err == nil {
		err = ctx.Err()
	}
	return err
}
