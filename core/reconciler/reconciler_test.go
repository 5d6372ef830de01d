package reconciler

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/Pindano/chamagov/core/ledger"
	"github.com/Pindano/chamagov/core/ledger/ledgertest"
	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/core/mirror/mirrortest"
	"github.com/Pindano/chamagov/core/types"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var governor = common.HexToAddress(mirrortest.Governor)

type testEnv struct {
	store    *mirror.Store
	fix      mirrortest.Fixture
	chain    *ledgertest.Chain
	sub      *ledger.Submitter
	from     common.Address
	rec      *Reconciler
	mu       sync.Mutex
	executed []string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store := mirrortest.NewStore(t)
	chain := ledgertest.New()
	key, from := chain.NewAccount(7)
	signer, err := ledger.NewKeySigner(ledgertest.ChainID, nil)
	require.NoError(t, err)
	signer.Add(key)

	e := &testEnv{
		store: store,
		fix:   mirrortest.Seed(t, store),
		chain: chain,
		sub:   ledger.NewSubmitter(chain, signer, logger),
		from:  from,
		rec:   New(store, ledger.NewGateway(chain), logger, prometheus.NewRegistry()),
	}
	e.rec.OnExecuted(func(id string) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.executed = append(e.executed, id)
	})
	return e
}

func (e *testEnv) propose(t *testing.T, description string) *ethtypes.Receipt {
	t.Helper()
	pending, err := e.sub.Propose(context.Background(), governor, e.from, ledger.DefaultActions(governor), description)
	require.NoError(t, err)
	receipt := e.chain.Receipt(pending.Hash)
	require.NotNil(t, receipt)
	return receipt
}

func voteReceipt(t *testing.T, voter common.Address, id *big.Int, support uint8, weight int64, tx common.Hash) *ethtypes.Receipt {
	t.Helper()
	data, err := ledger.ABI().Events[ledger.EventVoteCast].Inputs.NonIndexed().Pack(id, support, big.NewInt(weight), "")
	require.NoError(t, err)
	l := &ethtypes.Log{
		Address: governor,
		Topics:  []common.Hash{ledger.EventTopic(ledger.EventVoteCast), common.BytesToHash(voter.Bytes())},
		Data:    data,
		TxHash:  tx,
	}
	return &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful, TxHash: tx, Logs: []*ethtypes.Log{l}}
}

func executedLog(t *testing.T, id *big.Int, tx common.Hash) *ethtypes.Log {
	t.Helper()
	data, err := ledger.ABI().Events[ledger.EventProposalExecuted].Inputs.NonIndexed().Pack(id)
	require.NoError(t, err)
	return &ethtypes.Log{
		Address: governor,
		Topics:  []common.Hash{ledger.EventTopic(ledger.EventProposalExecuted)},
		Data:    data,
		TxHash:  tx,
	}
}

// confirmed returns a proposal whose on-chain id is already assigned.
func (e *testEnv) confirmed(t *testing.T, typ types.ProposalType, onChainID int64) *mirror.Proposal {
	t.Helper()
	ctx := context.Background()
	p := mirrortest.NewProposal(t, e.store, e.fix, typ)
	_, _, err := e.store.AssignOnChainID(ctx, p.ID, big.NewInt(onChainID).String(), 10, 60)
	require.NoError(t, err)
	p, err = e.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	return p
}

func TestReconcileCreated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := mirrortest.NewProposal(t, e.store, e.fix, types.Generic)
	receipt := e.propose(t, "# Buy chairs\n\nipfs://bafychairs")

	got, err := e.rec.ReconcileCreated(ctx, governor, p.ID, receipt)
	require.NoError(t, err)
	require.NotNil(t, got.OnChainID)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, receipt.TxHash.Hex(), got.TxHash)
	assert.Equal(t, uint64(50), got.VoteEndBlock-got.VoteStartBlock)

	again, err := e.rec.ReconcileCreated(ctx, governor, p.ID, receipt)
	require.NoError(t, err)
	assert.Equal(t, *got.OnChainID, *again.OnChainID)

	// a different create tx for the same mirror row never replaces the id
	other := e.propose(t, "# Buy tents\n\nipfs://bafytents")
	_, err = e.rec.ReconcileCreated(ctx, governor, p.ID, other)
	require.Error(t, err)
	assert.Equal(t, types.KindConflictingWrite, types.KindOf(err))
	assert.True(t, NonFatal(err))

	stored, err := e.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, *got.OnChainID, *stored.OnChainID)

	issues, err := e.store.OpenIssues(ctx)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, mirror.IssueConflictingWrite, issues[0].Kind)
}

func TestReconcileCreatedConcurrent(t *testing.T) {
	e := newEnv(t)
	p := mirrortest.NewProposal(t, e.store, e.fix, types.Generic)
	receipt := e.propose(t, "# Harambee\n\nipfs://bafyharambee")

	var wg sync.WaitGroup
	ids := make([]string, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := e.rec.ReconcileCreated(context.Background(), governor, p.ID, receipt)
			errs[i] = err
			if err == nil {
				ids[i] = *got.OnChainID
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, ids[0], ids[1])
}

func TestReconcileCreatedEventNotFound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.chain.OmitEvents = true
	p := mirrortest.NewProposal(t, e.store, e.fix, types.Generic)
	receipt := e.propose(t, "no events")

	_, err := e.rec.ReconcileCreated(ctx, governor, p.ID, receipt)
	require.Error(t, err)
	assert.Equal(t, types.KindEventNotFound, types.KindOf(err))
	assert.True(t, NonFatal(err))
	assert.False(t, types.Retryable(err))

	_, _ = e.rec.ReconcileCreated(ctx, governor, p.ID, receipt)
	issues, err := e.store.OpenIssues(ctx)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, mirror.IssueEventNotFound, issues[0].Kind)
	assert.Equal(t, p.ID, issues[0].ProposalID)
}

func TestReconcileVoteIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	voter := common.HexToAddress(mirrortest.Wallet)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	var next int64 = 1000
	properties.Property("re-applying VoteCast keeps one row with the first choice", prop.ForAll(
		func(support uint8, weight int64, repeats int) bool {
			next++
			p := e.confirmed(t, types.Generic, next)
			receipt := voteReceipt(t, voter, big.NewInt(next), support, weight, common.BigToHash(big.NewInt(next)))
			for range repeats {
				if _, err := e.rec.ReconcileVote(ctx, governor, p, e.fix.Member.ID, receipt); err != nil {
					return false
				}
			}
			votes, err := e.store.VotesFor(ctx, p.ID)
			if err != nil || len(votes) != 1 {
				return false
			}
			want, _ := types.ChoiceFromSupport(support)
			return votes[0].Choice == want && votes[0].VotingPower == big.NewInt(weight).String()
		},
		gen.UInt8Range(0, 2),
		gen.Int64Range(1, 1_000_000),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}

func TestReconcileVoteConflict(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	voter := common.HexToAddress(mirrortest.Wallet)
	p := e.confirmed(t, types.Generic, 42)

	_, err := e.rec.ReconcileVote(ctx, governor, p, e.fix.Member.ID, voteReceipt(t, voter, big.NewInt(42), 1, 3, common.HexToHash("0x01")))
	require.NoError(t, err)

	stored, err := e.rec.ReconcileVote(ctx, governor, p, e.fix.Member.ID, voteReceipt(t, voter, big.NewInt(42), 0, 3, common.HexToHash("0x02")))
	require.Error(t, err)
	assert.Equal(t, types.KindConflictingWrite, types.KindOf(err))
	assert.Equal(t, types.VoteFor, stored.Choice)

	issues, err := e.store.OpenIssues(ctx)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, mirror.IssueConflictingWrite, issues[0].Kind)
}

func TestReconcileVoteForOtherProposal(t *testing.T) {
	e := newEnv(t)
	p := e.confirmed(t, types.Generic, 42)
	voter := common.HexToAddress(mirrortest.Wallet)

	_, err := e.rec.ReconcileVote(context.Background(), governor, p, e.fix.Member.ID,
		voteReceipt(t, voter, big.NewInt(43), 1, 3, common.HexToHash("0x01")))
	assert.Equal(t, types.KindEventNotFound, types.KindOf(err))
}

func TestReconcileVoteSyncsTally(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	receipt := e.propose(t, "# Tally\n\nipfs://bafytally")
	p := mirrortest.NewProposal(t, e.store, e.fix, types.Generic)
	p, err := e.rec.ReconcileCreated(ctx, governor, p.ID, receipt)
	require.NoError(t, err)

	id, err := ledger.ParseProposalID(*p.OnChainID)
	require.NoError(t, err)
	pending, err := e.sub.CastVote(ctx, governor, e.from, id, types.VoteFor)
	require.NoError(t, err)

	_, err = e.rec.ReconcileVote(ctx, governor, p, e.fix.Member.ID, e.chain.Receipt(pending.Hash))
	require.NoError(t, err)

	got, err := e.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "7", got.VotesFor)
	assert.Equal(t, "0", got.VotesAgainst)
}

func TestReconcileExecutedOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.confirmed(t, types.LoanRequest, 42)
	tx := common.HexToHash("0xe1")
	receipt := &ethtypes.Receipt{TxHash: tx, Logs: []*ethtypes.Log{executedLog(t, big.NewInt(42), tx)}}

	require.NoError(t, e.rec.ReconcileExecuted(ctx, governor, p, receipt))
	require.NoError(t, e.rec.ReconcileExecuted(ctx, governor, p, receipt))
	assert.Equal(t, []string{p.ID}, e.executed)

	got, err := e.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, got.Status)
	assert.Equal(t, tx.Hex(), got.ExecutedTxHash)

	run, err := e.store.GetEffectRun(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, mirror.EffectPending, run.Status)
}

func TestObserveStateKeepsExecuted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.confirmed(t, types.Generic, 42)

	require.NoError(t, e.rec.ObserveState(ctx, p, types.LedgerDefeated))
	got, err := e.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDefeated, got.Status)

	require.NoError(t, e.rec.ObserveState(ctx, got, types.LedgerExecuted))
	got, err = e.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, got.Status)
	assert.Len(t, e.executed, 1)

	// a stale node reporting Active does not regress the status
	require.NoError(t, e.rec.ObserveState(ctx, got, types.LedgerActive))
	got, err = e.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, got.Status)
}

func TestApplyLog(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// created by another operator: matched through the content id
	p := mirrortest.NewProposal(t, e.store, e.fix, types.Generic)
	receipt := e.propose(t, "# Welfare\n\nipfs://"+p.ContentID)
	require.NoError(t, e.rec.ApplyLog(ctx, *receipt.Logs[0]))
	p, err := e.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, p.OnChainID)
	id, err := ledger.ParseProposalID(*p.OnChainID)
	require.NoError(t, err)

	// vote mapped to a member by wallet
	voterID := uuid.NewString()
	require.NoError(t, e.store.AddMember(ctx, &mirror.Member{
		ID: voterID, ChamaID: e.fix.Chama.ID, Name: "Otieno", WalletAddress: e.from.Hex(), Active: true,
	}))
	pending, err := e.sub.CastVote(ctx, governor, e.from, id, types.VoteAgainst)
	require.NoError(t, err)
	require.NoError(t, e.rec.ApplyLog(ctx, *e.chain.Receipt(pending.Hash).Logs[0]))
	votes, err := e.store.VotesFor(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, voterID, votes[0].MemberID)
	assert.Equal(t, types.VoteAgainst, votes[0].Choice)

	// cancellation
	data, err := ledger.ABI().Events[ledger.EventProposalCanceled].Inputs.NonIndexed().Pack(id)
	require.NoError(t, err)
	canceled := ethtypes.Log{
		Address: governor,
		Topics:  []common.Hash{ledger.EventTopic(ledger.EventProposalCanceled)},
		Data:    data,
		TxHash:  common.HexToHash("0xc1"),
	}
	require.NoError(t, e.rec.ApplyLog(ctx, canceled))
	p, err = e.store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCanceled, p.Status)

	// unknown proposal becomes an issue, not an error
	require.NoError(t, e.rec.ApplyLog(ctx, *executedLog(t, big.NewInt(999), common.HexToHash("0xe9"))))
	issues, err := e.store.OpenIssues(ctx)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, mirror.IssueUnknownProposal, issues[0].Kind)

	// removed logs are ignored
	removed := *executedLog(t, id, common.HexToHash("0xe2"))
	removed.Removed = true
	require.NoError(t, e.rec.ApplyLog(ctx, removed))
	assert.Empty(t, e.executed)
}

func TestContentIDFromDescription(t *testing.T) {
	assert.Equal(t, "bafy1", ContentIDFromDescription("# Title\n\nipfs://bafy1"))
	assert.Equal(t, "bafy2", ContentIDFromDescription("ipfs://bafy2 trailing"))
	assert.Equal(t, "", ContentIDFromDescription("plain"))
}
