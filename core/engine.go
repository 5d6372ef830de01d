package core

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"time"

	"github.com/Pindano/chamagov/core/blobstore"
	"github.com/Pindano/chamagov/core/effects"
	"github.com/Pindano/chamagov/core/intake"
	"github.com/Pindano/chamagov/core/journal"
	"github.com/Pindano/chamagov/core/ledger"
	"github.com/Pindano/chamagov/core/lifecycle"
	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/core/reconciler"
	"github.com/Pindano/chamagov/core/types"
	"github.com/Pindano/chamagov/core/voting"
	"github.com/Pindano/chamagov/repo"
	"github.com/axiomesh/axiom-kit/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Engine wires the proposal pipeline together: intake, ledger submission,
// receipt watching, reconciliation into the mirror, lifecycle resolution and
// effect dispatch.
type Engine struct {
	Ctx      context.Context
	Client   Client
	Logger   *logrus.Logger
	Config   *repo.Config
	Registry *prometheus.Registry

	Mirror  *mirror.Store
	Blobs   blobstore.Store
	Journal *journal.Journal

	gateway    *ledger.Gateway
	submitter  *ledger.Submitter
	watcher    *ledger.Watcher
	intake     *intake.Validator
	reconciler *reconciler.Reconciler
	votes      *voting.Coordinator
	resolver   *lifecycle.Resolver
	effects    *effects.Dispatcher
	follower   *Follower

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

type options struct {
	mirror   *mirror.Store
	blobs    blobstore.Store
	signer   ledger.Signer
	registry *prometheus.Registry
	dialer   Dialer
}

type Option func(*options)

// WithMirror uses an already opened mirror instead of the configured one.
func WithMirror(s *mirror.Store) Option {
	return func(o *options) { o.mirror = s }
}

func WithBlobStore(b blobstore.Store) Option {
	return func(o *options) { o.blobs = b }
}

func WithSigner(s ledger.Signer) Option {
	return func(o *options) { o.signer = s }
}

func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithDialer sets how the follower reconnects; by default it dials
// config.DialUrl.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func NewEngine(ctx context.Context, config *repo.Config, client Client, opts ...Option) (*Engine, error) {
	logger := log.New()
	logger.SetLevel(log.ParseLevel(config.Log.Level))

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if o.dialer == nil {
		o.dialer = Dial(config.DialUrl)
	}
	chainID := new(big.Int).SetUint64(config.ChainID)
	if o.signer == nil {
		keys, err := ledger.NewKeySigner(chainID, config.Signer.PrivateKeys)
		if err != nil {
			return nil, fmt.Errorf("load signer keys: %w", err)
		}
		o.signer = ledger.MultiSigner{
			ledger.NewKeystoreSigner(chainID, config.Path(config.Signer.KeystoreDir), config.Signer.Passwords),
			keys,
		}
	}
	if o.blobs == nil {
		o.blobs = blobstore.NewHTTPStore(blobstore.Config{
			APIURL:     config.Blob.APIURL,
			GatewayURL: config.Blob.GatewayURL,
			Timeout:    config.Blob.Timeout,
		}, logger.WithField("module", "blobstore"))
	}
	if o.mirror == nil {
		dsn := config.Mirror.DSN
		if config.Mirror.Driver != mirror.DriverPostgres {
			dsn = config.Path(dsn)
		}
		store, err := mirror.Open(mirror.Config{Driver: config.Mirror.Driver, DSN: dsn}, logger.WithField("module", "mirror"))
		if err != nil {
			return nil, err
		}
		o.mirror = store
	}

	j, err := journal.Open(filepath.Join(config.RepoRoot, repo.JournalDirName))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Ctx:      ctx,
		Client:   client,
		Logger:   logger,
		Config:   config,
		Registry: o.registry,
		Mirror:   o.mirror,
		Blobs:    o.blobs,
		Journal:  j,
	}

	e.gateway = ledger.NewGateway(client)
	e.submitter = ledger.NewSubmitter(client, o.signer, logger.WithField("module", "submitter"))
	e.watcher = ledger.NewWatcher(client, ledger.WatcherConfig{
		PollInterval: config.Watcher.PollInterval,
		Timeout:      config.Watcher.Timeout,
		RPCRate:      config.Watcher.RPCRate,
		RPCBurst:     config.Watcher.RPCBurst,
	}, logger.WithField("module", "watcher"), o.registry)
	e.intake = intake.New(o.blobs, logger.WithField("module", "intake"))
	e.reconciler = reconciler.New(o.mirror, e.gateway, logger.WithField("module", "reconciler"), o.registry)

	e.effects, err = effects.New(o.mirror, o.blobs, effects.DefaultHandlers(), effects.Config{
		Workers:       config.Effects.Workers,
		RetryInterval: config.Effects.RetryInterval,
		MaxAttempts:   config.Effects.MaxAttempts,
	}, logger.WithField("module", "effects"), o.registry)
	if err != nil {
		_ = j.Close()
		return nil, err
	}
	e.reconciler.OnExecuted(e.effects.Enqueue)

	e.votes = voting.New(o.mirror, e.gateway, e.submitter, e.watcher, e.reconciler, j, logger.WithField("module", "voting"))
	e.resolver = lifecycle.New(o.mirror, e.gateway, e.reconciler, logger.WithField("module", "lifecycle"))

	if config.Follow.Enabled {
		e.follower = NewFollower(client, o.dialer, o.mirror, e.reconciler, j, FollowerConfig{
			FromBlock:       config.Follow.FromBlock,
			RefreshInterval: config.Follow.RefreshInterval,
			PageSize:        config.Follow.PageSize,
		}, logger.WithField("module", "follower"))
	}

	return e, nil
}

// Start launches the effect workers, the journal re-poll loop and, when
// enabled, the event follower.
func (e *Engine) Start() error {
	ctx, cancel := context.WithCancel(e.Ctx)
	e.cancel = cancel

	if e.follower != nil {
		if err := e.follower.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("start follower: %w", err)
		}
	}

	e.effects.Start(ctx)

	e.wg.Add(1)
	go e.repoll(ctx)

	return nil
}

// repoll settles journaled transactions right away and then every
// RepollInterval, so a submission that timed out is picked up once mined.
func (e *Engine) repoll(ctx context.Context) {
	defer e.wg.Done()
	interval := e.Config.Watcher.RepollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := e.Resume(ctx)
		if err != nil && ctx.Err() == nil && types.KindOf(err) != types.KindConfirmationTimeout {
			e.Logger.Warnf("resume pending transactions: %s", err)
		}
		if n > 0 {
			e.Logger.Infof("settled %d pending transactions", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) Stop() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.cancel != nil {
		e.cancel()
	}
	if e.follower != nil {
		e.follower.Stop()
	}
	e.effects.Wait()
	e.wg.Wait()

	if err := e.Journal.Close(); err != nil {
		return err
	}
	return e.Mirror.Close()
}

// ProposalResult is the outcome of a submitted proposal or execution. A
// ConfirmationTimeout error comes with the pending TxHash and a confirming
// status.
type ProposalResult struct {
	ProposalID string       `json:"proposal_id"`
	Status     types.Status `json:"status"`
	TxHash     string       `json:"tx_hash,omitempty"`
	OnChainID  string       `json:"on_chain_id,omitempty"`
	ContentID  string       `json:"content_id,omitempty"`
}

// proposer returns the member acting for chamaID, checked the same way the
// vote pre-flight checks voters.
func (e *Engine) proposer(ctx context.Context, op, chamaID, memberID string) (*mirror.Member, error) {
	m, err := e.Mirror.GetMember(ctx, memberID)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return nil, types.NewValidationError(op, map[string]string{"member_id": "unknown member"})
		}
		return nil, err
	}
	switch {
	case m.ChamaID != chamaID:
		return nil, types.NewValidationError(op, map[string]string{"member_id": "not a member of this chama"})
	case !m.Active:
		return nil, types.NewValidationError(op, map[string]string{"member_id": "member is inactive"})
	case !common.IsHexAddress(m.WalletAddress):
		return nil, types.NewValidationError(op, map[string]string{"wallet_address": "member has no wallet address"})
	}
	return m, nil
}

// SubmitProposal validates t, stores its payload, records the proposal in the
// mirror and proposes it on the chama's governor. It returns once the
// creation is reconciled, or with ConfirmationTimeout while it is still
// confirming.
func (e *Engine) SubmitProposal(ctx context.Context, chamaID, creatorID string, t intake.Template) (*ProposalResult, error) {
	const op = "submit proposal"
	chama, err := e.Mirror.GetChama(ctx, chamaID)
	if err != nil {
		return nil, err
	}
	if chama.GovernorAddress == "" {
		return nil, types.NewValidationError(op, map[string]string{"chama_id": "chama has no governor yet"})
	}
	creator, err := e.proposer(ctx, op, chamaID, creatorID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	payload, cid, err := e.intake.Intake(ctx, id, chamaID, creatorID, t)
	if err != nil {
		return nil, err
	}

	governor := common.HexToAddress(chama.GovernorAddress)
	actions := ledger.DefaultActions(governor)
	encoded, err := actions.Encode()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p := &mirror.Proposal{
		ID:          id,
		ChamaID:     chamaID,
		CreatorID:   creatorID,
		Type:        payload.Type,
		Title:       payload.Title,
		Description: intake.LedgerDescription(payload.Title, cid),
		ContentID:   cid,
		Actions:     encoded,
		VotingStart: now,
		VotingEnd:   now.Add(e.Config.Proposal.VotingWindow),
	}
	if err := e.Mirror.CreateProposal(ctx, p); err != nil {
		return nil, err
	}
	res := &ProposalResult{ProposalID: id, Status: types.StatusSubmitting, ContentID: cid}
	logger := e.Logger.WithFields(logrus.Fields{"proposal": id, "chama": chamaID, "type": p.Type})

	wallet := common.HexToAddress(creator.WalletAddress)
	pending, err := e.submitter.Propose(ctx, governor, wallet, actions, p.Description)
	if err != nil {
		if ferr := e.Mirror.MarkProposalFailed(ctx, id); ferr != nil {
			logger.Errorf("mark proposal failed: %s", ferr)
		}
		res.Status = types.StatusFailed
		return res, err
	}
	res.TxHash = pending.Hash.Hex()
	logger = logger.WithField("tx", res.TxHash)
	if err := e.Mirror.SetProposalTx(ctx, id, res.TxHash); err != nil {
		return res, err
	}
	res.Status = types.StatusConfirming
	e.track(logger, journal.Entry{
		Hash:        pending.Hash,
		Kind:        types.CallCreate,
		Governor:    governor,
		From:        wallet,
		ProposalID:  id,
		MemberID:    creatorID,
		SubmittedAt: pending.SubmittedAt,
	})
	logger.Info("proposal submitted")

	receipt, err := e.watcher.Wait(ctx, pending.Hash)
	if err != nil {
		if types.KindOf(err) == types.KindTransactionReverted {
			if rerr := e.reconciler.MarkReverted(ctx, id, res.TxHash); rerr != nil {
				logger.Errorf("mark proposal reverted: %s", rerr)
			}
			e.forget(logger, pending.Hash)
			res.Status = types.StatusFailed
		}
		return res, err
	}

	reconciled, err := e.reconciler.ReconcileCreated(ctx, governor, id, receipt)
	if err != nil && !reconciler.NonFatal(err) {
		return res, err
	}
	e.forget(logger, pending.Hash)
	if err != nil {
		logger.Warnf("proposal mined but not reconciled: %s", err)
		return res, nil
	}
	res.Status = reconciled.Status
	if reconciled.OnChainID != nil {
		res.OnChainID = *reconciled.OnChainID
	}
	return res, nil
}

func (e *Engine) CastVote(ctx context.Context, req voting.Request) (*voting.Result, error) {
	return e.votes.CastVote(ctx, req)
}

// ExecuteProposal executes a succeeded (or queued) proposal on its governor
// with the actions and description it was proposed with.
func (e *Engine) ExecuteProposal(ctx context.Context, proposalID, memberID string) (*ProposalResult, error) {
	const op = "execute proposal"
	p, err := e.Mirror.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	res := &ProposalResult{ProposalID: p.ID, Status: p.Status, ContentID: p.ContentID}
	if p.Status == types.StatusExecuted {
		return res, types.NewError(types.KindWrongState, op,
			&types.WrongStateError{State: types.LedgerExecuted, Reason: types.Ended})
	}
	if p.OnChainID == nil {
		return res, types.NewError(types.KindNotYetConfirmed, op,
			fmt.Errorf("proposal %s is %s", p.ID, p.Status))
	}
	res.OnChainID = *p.OnChainID
	member, err := e.proposer(ctx, op, p.ChamaID, memberID)
	if err != nil {
		return res, err
	}
	chama, err := e.Mirror.GetChama(ctx, p.ChamaID)
	if err != nil {
		return res, err
	}
	governor := common.HexToAddress(chama.GovernorAddress)
	id, err := ledger.ParseProposalID(*p.OnChainID)
	if err != nil {
		return res, err
	}

	state, err := e.gateway.State(ctx, governor, id)
	if err != nil {
		return res, fmt.Errorf("read state: %w", err)
	}
	if state != types.LedgerSucceeded && state != types.LedgerQueued {
		ws := &types.WrongStateError{State: state, Reason: types.Ended}
		if state == types.LedgerPending || state == types.LedgerActive {
			ws.Reason = types.NotStarted
		}
		return res, types.NewError(types.KindWrongState, op, ws)
	}

	actions, err := ledger.DecodeActions(p.Actions)
	if err != nil {
		return res, err
	}
	wallet := common.HexToAddress(member.WalletAddress)
	pending, err := e.submitter.Execute(ctx, governor, wallet, actions, p.Description)
	if err != nil {
		return res, err
	}
	res.TxHash = pending.Hash.Hex()
	logger := e.Logger.WithFields(logrus.Fields{"proposal": p.ID, "tx": res.TxHash})
	e.track(logger, journal.Entry{
		Hash:        pending.Hash,
		Kind:        types.CallExecute,
		Governor:    governor,
		From:        wallet,
		ProposalID:  p.ID,
		MemberID:    member.ID,
		SubmittedAt: pending.SubmittedAt,
	})
	logger.Info("execution submitted")

	receipt, err := e.watcher.Wait(ctx, pending.Hash)
	if err != nil {
		if types.KindOf(err) == types.KindTransactionReverted {
			e.forget(logger, pending.Hash)
		}
		return res, err
	}
	err = e.reconciler.ReconcileExecuted(ctx, governor, p, receipt)
	if err != nil && !reconciler.NonFatal(err) {
		return res, err
	}
	e.forget(logger, pending.Hash)
	if err != nil {
		logger.Warnf("execution mined but not reconciled: %s", err)
		return res, nil
	}
	res.Status = types.StatusExecuted
	return res, nil
}

func (e *Engine) ProposalStatus(ctx context.Context, proposalID string) (*lifecycle.Result, error) {
	return e.resolver.Resolve(ctx, proposalID)
}

// Backlog lists the effect runs not yet done and the reconciliation issues
// awaiting manual follow-up.
type Backlog struct {
	Effects []mirror.EffectRun      `json:"effects"`
	Issues  []mirror.ReconcileIssue `json:"issues"`
}

func (e *Engine) Backlog(ctx context.Context) (*Backlog, error) {
	runs, err := e.Mirror.Backlog(ctx, 0)
	if err != nil {
		return nil, err
	}
	issues, err := e.Mirror.OpenIssues(ctx)
	if err != nil {
		return nil, err
	}
	return &Backlog{Effects: runs, Issues: issues}, nil
}

// RetryBacklog dispatches every pending effect now, regardless of how many
// attempts it has had, and returns how many completed.
func (e *Engine) RetryBacklog(ctx context.Context) (int, error) {
	return e.effects.RetryBacklog(ctx)
}

func (e *Engine) track(logger logrus.FieldLogger, entry journal.Entry) {
	if err := e.Journal.Add(entry); err != nil {
		logger.Errorf("journal %s transaction: %s", entry.Kind, err)
	}
}

func (e *Engine) forget(logger logrus.FieldLogger, hash common.Hash) {
	if err := e.Journal.Remove(hash); err != nil {
		logger.Errorf("remove journal entry: %s", err)
	}
}

// Resume polls every journaled transaction once, RepollWorkers at a time,
// and reconciles the ones that were mined. Entries still unconfirmed stay in
// the journal. It returns the number of entries settled.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	entries, err := e.Journal.Pending()
	if err != nil {
		return 0, err
	}
	workers := e.Config.Watcher.RepollWorkers
	if workers <= 0 {
		workers = 1
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		settled  int
		firstErr error
	)
	g.SetLimit(workers)
	for _, entry := range entries {
		g.Go(func() error {
			err := e.resume(ctx, entry)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger := e.Logger.WithFields(logrus.Fields{
					"tx":       entry.Hash.Hex(),
					"kind":     entry.Kind,
					"proposal": entry.ProposalID,
				})
				if types.KindOf(err) == types.KindConfirmationTimeout {
					logger.Debug("pending transaction not mined yet")
				} else {
					logger.Warnf("pending transaction not settled: %s", err)
				}
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			settled++
			return nil
		})
	}
	_ = g.Wait()
	return settled, firstErr
}

func (e *Engine) resume(ctx context.Context, entry journal.Entry) error {
	logger := e.Logger.WithFields(logrus.Fields{"tx": entry.Hash.Hex(), "proposal": entry.ProposalID})
	receipt, err := e.watcher.Check(ctx, entry.Hash)
	if err != nil {
		if types.KindOf(err) != types.KindTransactionReverted {
			return err
		}
		if entry.Kind == types.CallCreate {
			if err := e.reconciler.MarkReverted(ctx, entry.ProposalID, entry.Hash.Hex()); err != nil {
				return err
			}
		}
		return e.Journal.Remove(entry.Hash)
	}

	switch entry.Kind {
	case types.CallCreate:
		_, err = e.reconciler.ReconcileCreated(ctx, entry.Governor, entry.ProposalID, receipt)
	case types.CallVote:
		err = e.votes.Resume(ctx, entry, receipt)
	case types.CallExecute:
		var p *mirror.Proposal
		p, err = e.Mirror.GetProposal(ctx, entry.ProposalID)
		if err == nil {
			err = e.reconciler.ReconcileExecuted(ctx, entry.Governor, p, receipt)
		}
	default:
		err = fmt.Errorf("unknown journal entry kind %q", entry.Kind)
	}
	if err != nil && !reconciler.NonFatal(err) {
		return err
	}
	if err != nil {
		logger.Warnf("resumed transaction not reconciled: %s", err)
	}
	return e.Journal.Remove(entry.Hash)
}
