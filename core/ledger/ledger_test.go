package ledger_test

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Pindano/chamagov/core/ledger"
	"github.com/Pindano/chamagov/core/ledger/ledgertest"
	"github.com/Pindano/chamagov/core/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var governor = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func newSubmitter(t *testing.T, chain *ledgertest.Chain) (*ledger.Submitter, common.Address) {
	t.Helper()
	key, addr := chain.NewAccount(10)
	signer, err := ledger.NewKeySigner(ledgertest.ChainID, nil)
	require.NoError(t, err)
	signer.Add(key)
	return ledger.NewSubmitter(chain, signer, testLogger()), addr
}

func TestProposeAndDecodeCreated(t *testing.T) {
	chain := ledgertest.New()
	sub, from := newSubmitter(t, chain)
	ctx := context.Background()

	actions := ledger.DefaultActions(governor)
	pending, err := sub.Propose(ctx, governor, from, actions, "# Loan\nipfs://bafy1")
	require.NoError(t, err)
	assert.Equal(t, types.CallCreate, pending.Kind)

	receipt := chain.Receipt(pending.Hash)
	require.NotNil(t, receipt)
	l := ledger.FindEvent(receipt.Logs, governor, ledger.EventProposalCreated)
	require.NotNil(t, l)

	ev, err := ledger.DecodeProposalCreated(l)
	require.NoError(t, err)
	want := ledgertest.HashProposal(actions.Targets, actions.Values, [][]byte{{}}, ledger.DescriptionHash("# Loan\nipfs://bafy1"))
	assert.Equal(t, 0, want.Cmp(ev.ProposalId))
	assert.Equal(t, from, ev.Proposer)
	assert.Equal(t, "# Loan\nipfs://bafy1", ev.Description)
	assert.True(t, ev.VoteEnd.Cmp(ev.VoteStart) > 0)

	// the created event is not mistaken for another kind
	assert.Nil(t, ledger.FindEvent(receipt.Logs, governor, ledger.EventVoteCast))
	assert.Nil(t, ledger.FindEvent(receipt.Logs, common.HexToAddress("0x01"), ledger.EventProposalCreated))
}

func TestCastVoteAndDecode(t *testing.T) {
	chain := ledgertest.New()
	sub, from := newSubmitter(t, chain)
	ctx := context.Background()
	id := big.NewInt(42)

	pending, err := sub.CastVote(ctx, governor, from, id, types.VoteAbstain)
	require.NoError(t, err)

	l := ledger.FindEvent(chain.Receipt(pending.Hash).Logs, governor, ledger.EventVoteCast)
	require.NotNil(t, l)
	ev, err := ledger.DecodeVoteCast(l)
	require.NoError(t, err)
	assert.Equal(t, from, ev.Voter)
	assert.Equal(t, uint8(2), ev.Support)
	assert.Equal(t, int64(10), ev.Weight.Int64())
	assert.Equal(t, int64(42), ev.ProposalId.Int64())

	_, err = ledger.DecodeProposalExecuted(l)
	assert.Error(t, err)
}

func TestSubmitterRejectsUnknownSigner(t *testing.T) {
	chain := ledgertest.New()
	signer, err := ledger.NewKeySigner(ledgertest.ChainID, nil)
	require.NoError(t, err)
	sub := ledger.NewSubmitter(chain, signer, testLogger())

	_, err = sub.CastVote(context.Background(), governor, common.HexToAddress("0x99"), big.NewInt(1), types.VoteFor)
	require.Error(t, err)
	assert.Equal(t, types.KindSubmissionRejected, types.KindOf(err))
	assert.True(t, errors.Is(err, ledger.ErrSignerDeclined))
}

func TestExecuteUsesDescriptionHash(t *testing.T) {
	chain := ledgertest.New()
	sub, from := newSubmitter(t, chain)
	ctx := context.Background()
	actions := ledger.DefaultActions(governor)

	created, err := sub.Propose(ctx, governor, from, actions, "desc")
	require.NoError(t, err)
	ev, err := ledger.DecodeProposalCreated(ledger.FindEvent(chain.Receipt(created.Hash).Logs, governor, ledger.EventProposalCreated))
	require.NoError(t, err)

	executed, err := sub.Execute(ctx, governor, from, actions, "desc")
	require.NoError(t, err)
	exec, err := ledger.DecodeProposalExecuted(ledger.FindEvent(chain.Receipt(executed.Hash).Logs, governor, ledger.EventProposalExecuted))
	require.NoError(t, err)
	assert.Equal(t, 0, ev.ProposalId.Cmp(exec.ProposalId))
	assert.Equal(t, types.LedgerExecuted, chain.State(ev.ProposalId))
}

func TestGatewayReads(t *testing.T) {
	chain := ledgertest.New()
	sub, from := newSubmitter(t, chain)
	gw := ledger.NewGateway(chain)
	ctx := context.Background()
	id := big.NewInt(7)

	_, err := sub.CastVote(ctx, governor, from, id, types.VoteFor)
	require.NoError(t, err)

	state, err := gw.State(ctx, governor, id)
	require.NoError(t, err)
	assert.Equal(t, types.LedgerActive, state)

	voted, err := gw.HasVoted(ctx, governor, id, from)
	require.NoError(t, err)
	assert.True(t, voted)

	tally, err := gw.ProposalVotes(ctx, governor, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), tally.For.Int64())
	assert.Equal(t, int64(0), tally.Against.Int64())

	power, err := gw.GetVotes(ctx, governor, from, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(10), power.Int64())

	delay, err := gw.VotingDelay(ctx, governor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delay.Int64())
}

func TestActionsRoundTrip(t *testing.T) {
	a := ledger.DefaultActions(governor)
	raw, err := a.Encode()
	require.NoError(t, err)
	got, err := ledger.DecodeActions(raw)
	require.NoError(t, err)
	require.NoError(t, got.Validate())
	assert.Equal(t, a.Targets, got.Targets)
	assert.Equal(t, int64(0), got.Values[0].Int64())

	assert.Error(t, ledger.Actions{}.Validate())
}

type flakyReceipts struct {
	misses  int32
	calls   atomic.Int32
	receipt *ethtypes.Receipt
}

func (f *flakyReceipts) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	if f.calls.Add(1) <= f.misses {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func watcherConfig() ledger.WatcherConfig {
	return ledger.WatcherConfig{PollInterval: time.Millisecond, Timeout: time.Second}
}

func TestWatcherWaitsForReceipt(t *testing.T) {
	src := &flakyReceipts{misses: 3, receipt: &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(5)}}
	w := ledger.NewWatcher(src, watcherConfig(), testLogger(), nil)

	receipt, err := w.Wait(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), receipt.BlockNumber.Int64())
	assert.Equal(t, int32(4), src.calls.Load())
}

func TestWatcherReverted(t *testing.T) {
	src := &flakyReceipts{receipt: &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(5)}}
	w := ledger.NewWatcher(src, watcherConfig(), testLogger(), nil)

	_, err := w.Wait(context.Background(), common.HexToHash("0x01"))
	require.Error(t, err)
	assert.Equal(t, types.KindTransactionReverted, types.KindOf(err))
	assert.False(t, types.Retryable(err))
}

func TestWatcherTimeout(t *testing.T) {
	src := &flakyReceipts{misses: 1 << 30}
	cfg := watcherConfig()
	cfg.Timeout = 20 * time.Millisecond
	w := ledger.NewWatcher(src, cfg, testLogger(), nil)

	_, err := w.Wait(context.Background(), common.HexToHash("0x01"))
	require.Error(t, err)
	assert.Equal(t, types.KindConfirmationTimeout, types.KindOf(err))
	assert.True(t, types.Retryable(err))
}

func TestWatcherCallerAbandons(t *testing.T) {
	src := &flakyReceipts{misses: 1 << 30}
	w := ledger.NewWatcher(src, watcherConfig(), testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := w.Wait(ctx, common.HexToHash("0x01"))
	require.Error(t, err)
	assert.Equal(t, types.KindConfirmationTimeout, types.KindOf(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWatcherCheckPollsOnce(t *testing.T) {
	src := &flakyReceipts{misses: 1, receipt: &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(9)}}
	w := ledger.NewWatcher(src, watcherConfig(), testLogger(), nil)

	_, err := w.Check(context.Background(), common.HexToHash("0x01"))
	require.Error(t, err)
	assert.Equal(t, types.KindConfirmationTimeout, types.KindOf(err))
	assert.Equal(t, int32(1), src.calls.Load())

	receipt, err := w.Check(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), receipt.BlockNumber.Int64())

	src = &flakyReceipts{receipt: &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(9)}}
	w = ledger.NewWatcher(src, watcherConfig(), testLogger(), nil)
	_, err = w.Check(context.Background(), common.HexToHash("0x02"))
	assert.Equal(t, types.KindTransactionReverted, types.KindOf(err))
}

func TestParseProposalID(t *testing.T) {
	id, err := ledger.ParseProposalID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.Int64())

	_, err = ledger.ParseProposalID("0x2a")
	assert.Error(t, err)
	_, err = ledger.ParseProposalID("-1")
	assert.Error(t, err)
}
