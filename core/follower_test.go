package core

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Pindano/chamagov/core/journal"
	"github.com/Pindano/chamagov/core/ledger"
	"github.com/Pindano/chamagov/core/ledger/ledgertest"
	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/core/mirror/mirrortest"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	mu      sync.Mutex
	failing map[common.Hash]bool
	calls   map[common.Hash]int
	applied map[common.Hash]bool
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{
		failing: make(map[common.Hash]bool),
		calls:   make(map[common.Hash]int),
		applied: make(map[common.Hash]bool),
	}
}

func (a *recordingApplier) ApplyLog(ctx context.Context, l ethtypes.Log) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[l.TxHash]++
	if a.failing[l.TxHash] {
		return errors.New("database is locked")
	}
	a.applied[l.TxHash] = true
	return nil
}

func (a *recordingApplier) fail(h common.Hash, v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failing[h] = v
}

func (a *recordingApplier) seen(h common.Hash) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied[h]
}

func (a *recordingApplier) attempts(h common.Hash) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[h]
}

type followerEnv struct {
	follower *Follower
	chain    *ledgertest.Chain
	applier  *recordingApplier
	cursor   *journal.Journal
	store    *mirror.Store
	txs      int64
}

func newFollowerEnv(t *testing.T) *followerEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	chain := ledgertest.New()
	store := mirrortest.NewStore(t)
	mirrortest.Seed(t, store)
	cursor, err := journal.Open(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cursor.Close() })

	applier := newRecordingApplier()
	f := NewFollower(chain, func(context.Context) (Client, error) { return chain, nil }, store, applier, cursor,
		FollowerConfig{FromBlock: 100, RefreshInterval: 10 * time.Millisecond, PageSize: 2}, logger)
	f.ReconnectBackoff = time.Millisecond
	f.ApplyBackoff = time.Millisecond

	return &followerEnv{follower: f, chain: chain, applier: applier, cursor: cursor, store: store}
}

func (e *followerEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.follower.Start(ctx))
	t.Cleanup(func() {
		cancel()
		e.follower.Stop()
	})
}

// emit mines a VoteCast-topic log from governor and returns its tx hash and
// block.
func (e *followerEnv) emit(governor common.Address) (common.Hash, uint64) {
	e.txs++
	tx := common.BigToHash(big.NewInt(e.txs))
	e.chain.Emit(ethtypes.Log{
		Address: governor,
		Topics:  []common.Hash{ledger.EventTopic(ledger.EventVoteCast)},
		TxHash:  tx,
	})
	block, _ := e.chain.BlockNumber(context.Background())
	return tx, block
}

func TestFollowerHoldsCursorAtFailedLog(t *testing.T) {
	e := newFollowerEnv(t)
	governor := common.HexToAddress(mirrortest.Governor)

	var txs []common.Hash
	var blocks []uint64
	for i := 0; i < 5; i++ {
		tx, block := e.emit(governor)
		txs = append(txs, tx)
		blocks = append(blocks, block)
	}
	e.applier.fail(txs[2], true)

	// history spans several pages of two blocks
	e.start(t)
	for i, tx := range txs {
		if i == 2 {
			continue
		}
		assert.True(t, e.applier.seen(tx), "log %d not applied", i)
	}
	assert.False(t, e.applier.seen(txs[2]))
	assert.Equal(t, 3, e.applier.attempts(txs[2]))
	assert.Equal(t, blocks[2], e.cursor.NextFromBlock())

	issues, err := e.store.OpenIssues(context.Background())
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, mirror.IssueApplyFailed, issues[0].Kind)
	assert.Equal(t, txs[2].Hex(), issues[0].TxHash)

	// the replay after a reconnect starts at the held block
	e.applier.fail(txs[2], false)
	e.chain.DropSubscriptions()
	require.Eventually(t, func() bool {
		return e.applier.seen(txs[2]) && e.cursor.NextFromBlock() == blocks[4]
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFollowerPicksUpNewlyPublishedGovernor(t *testing.T) {
	e := newFollowerEnv(t)
	ctx := context.Background()
	second := common.HexToAddress("0x00000000000000000000000000000000000000a2")

	early, _ := e.emit(second)
	e.start(t)
	assert.False(t, e.applier.seen(early))

	c := &mirror.Chama{ID: uuid.NewString(), Name: "Harambee", TreasuryTotal: decimal.Zero}
	require.NoError(t, e.store.CreateChama(ctx, c))
	require.NoError(t, e.store.PublishChama(ctx, c.ID, second.Hex(), "0x00000000000000000000000000000000000000b3"))

	require.Eventually(t, func() bool {
		return e.applier.seen(early) && e.chain.Subscriptions() == 1
	}, 2*time.Second, 5*time.Millisecond)

	live, _ := e.emit(second)
	require.Eventually(t, func() bool { return e.applier.seen(live) }, 2*time.Second, 5*time.Millisecond)
}
