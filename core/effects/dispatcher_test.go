package effects

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Pindano/chamagov/core/blobstore"
	"github.com/Pindano/chamagov/core/intake"
	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/core/mirror/mirrortest"
	"github.com/Pindano/chamagov/core/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store     *mirror.Store
	fix       mirrortest.Fixture
	blobs     *blobstore.MemoryStore
	validator *intake.Validator
	d         *Dispatcher
	onChain   atomic.Int64
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store := mirrortest.NewStore(t)
	blobs := blobstore.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.Backoff = time.Millisecond
	d, err := New(store, blobs, DefaultHandlers(), cfg, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	return &testEnv{
		store:     store,
		fix:       mirrortest.Seed(t, store),
		blobs:     blobs,
		validator: intake.New(blobs, logger),
		d:         d,
	}
}

// executed stores a proposal of typ with the given fields and reconciles its
// execution, leaving a pending effect marker.
func (e *testEnv) executed(t *testing.T, typ types.ProposalType, fields map[string]string) *mirror.Proposal {
	t.Helper()
	ctx := context.Background()
	p := &mirror.Proposal{
		ID:          uuid.NewString(),
		ChamaID:     e.fix.Chama.ID,
		CreatorID:   e.fix.Member.ID,
		Type:        typ,
		Title:       "proposal",
		Description: "proposal",
		Actions:     "{}",
		VotingStart: time.Now(),
		VotingEnd:   time.Now().Add(time.Hour),
	}
	payload, err := e.validator.Build(p.ID, p.ChamaID, p.CreatorID, intake.Template{
		Type: typ, Title: p.Title, Description: p.Description, Fields: fields,
	})
	require.NoError(t, err)
	p.ContentID, err = e.validator.Store(ctx, payload)
	require.NoError(t, err)
	require.NoError(t, e.store.CreateProposal(ctx, p))

	_, _, err = e.store.AssignOnChainID(ctx, p.ID, strconv.FormatInt(e.onChain.Add(1), 10), 1, 2)
	require.NoError(t, err)
	first, err := e.store.MarkExecuted(ctx, p.ID, "0xe1")
	require.NoError(t, err)
	require.True(t, first)
	return p
}

func (e *testEnv) run(t *testing.T, proposalID string) *mirror.EffectRun {
	t.Helper()
	run, err := e.store.GetEffectRun(context.Background(), proposalID)
	require.NoError(t, err)
	return run
}

func TestLoanTerms(t *testing.T) {
	monthly, outstanding, err := LoanTerms(decimal.NewFromInt(150000), decimal.NewFromInt(5), 6)
	require.NoError(t, err)
	assert.Equal(t, "26250", monthly.String())
	assert.Equal(t, "157500", outstanding.String())

	monthly, _, err = LoanTerms(decimal.NewFromInt(1000), decimal.NewFromInt(10), 3)
	require.NoError(t, err)
	assert.Equal(t, "366.6666666666666667", monthly.String())
	assert.Equal(t, "366.67", monthly.StringFixed(2))

	_, _, err = LoanTerms(decimal.NewFromInt(1000), decimal.Zero, 0)
	assert.Error(t, err)
}

func TestNewRequiresEveryType(t *testing.T) {
	handlers := DefaultHandlers()
	delete(handlers, types.Generic)
	_, err := New(mirrortest.NewStore(t), blobstore.NewMemoryStore(), handlers, DefaultConfig(), logrus.New(), nil)
	assert.Error(t, err)
}

func TestLoanRequestOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.executed(t, types.LoanRequest, map[string]string{
		"amount": "150000", "interest_rate": "5", "term_months": "6", "purpose": "dairy cows",
	})

	require.NoError(t, e.d.Dispatch(ctx, p.ID))
	require.NoError(t, e.d.Dispatch(ctx, p.ID))

	loan, err := e.store.LoanByProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "26250", loan.MonthlyPayment.String())
	assert.Equal(t, "157500", loan.OutstandingBalance.String())
	assert.Equal(t, mirror.LoanActive, loan.Status)
	assert.Equal(t, e.fix.Member.ID, loan.BorrowerID)

	var count int64
	require.NoError(t, e.store.DB().Model(&mirror.Loan{}).Where("proposal_id = ?", p.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	run := e.run(t, p.ID)
	assert.Equal(t, mirror.EffectDone, run.Status)
	assert.Equal(t, 1, run.Attempts)
}

func TestContributionReconciliationOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.executed(t, types.ContributionReconciliation, map[string]string{
		"period_start": "2024-01-01",
		"period_end":   "2024-01-31",
		"entries":      `[{"contribution_id":"c1","member_id":"m1","amount":"2500"},{"contribution_id":"c2","member_id":"m2","amount":"1500"}]`,
	})
	require.NoError(t, e.store.RecordContribution(ctx, &mirror.Contribution{
		ID: "c1", ChamaID: e.fix.Chama.ID, MemberID: "m1", Amount: decimal.NewFromInt(2500),
	}))

	require.NoError(t, e.d.Dispatch(ctx, p.ID))
	require.NoError(t, e.d.Dispatch(ctx, p.ID))

	chama, err := e.store.GetChama(ctx, e.fix.Chama.ID)
	require.NoError(t, err)
	assert.Equal(t, "4000", chama.TreasuryTotal.String())

	for _, id := range []string{"c1", "c2"} {
		c, err := e.store.GetContribution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, mirror.ContributionVerified, c.Status)
		require.NotNil(t, c.ProposalID)
		assert.Equal(t, p.ID, *c.ProposalID)
	}
}

func reconciliation(entries string) map[string]string {
	return map[string]string{
		"period_start": "2024-02-01",
		"period_end":   "2024-02-29",
		"entries":      entries,
	}
}

func TestContributionCreditedOncePerContribution(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.RecordContribution(ctx, &mirror.Contribution{
		ID: "c1", ChamaID: e.fix.Chama.ID, MemberID: "m1", Amount: decimal.NewFromInt(100),
	}))
	treasury := func() string {
		chama, err := e.store.GetChama(ctx, e.fix.Chama.ID)
		require.NoError(t, err)
		return chama.TreasuryTotal.String()
	}

	// the declared amount disagrees: nothing is verified or credited
	wrong := e.executed(t, types.ContributionReconciliation,
		reconciliation(`[{"contribution_id":"c1","member_id":"m1","amount":"5000"}]`))
	err := e.d.Dispatch(ctx, wrong.ID)
	require.Error(t, err)
	assert.Equal(t, types.KindEffectHandler, types.KindOf(err))
	assert.ErrorIs(t, err, types.ErrConflictingWrite)
	assert.Equal(t, mirror.EffectFailed, e.run(t, wrong.ID).Status)
	assert.Equal(t, "0", treasury())
	c1, err := e.store.GetContribution(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, mirror.ContributionPending, c1.Status)
	assert.Equal(t, "100", c1.Amount.String())

	first := e.executed(t, types.ContributionReconciliation,
		reconciliation(`[{"contribution_id":"c1","member_id":"m1","amount":"100"},{"contribution_id":"c2","member_id":"m2","amount":"400"}]`))
	require.NoError(t, e.d.Dispatch(ctx, first.ID))
	assert.Equal(t, "500", treasury())

	// a second reconciliation naming the same contributions credits nothing
	second := e.executed(t, types.ContributionReconciliation,
		reconciliation(`[{"contribution_id":"c1","member_id":"m1","amount":"100"},{"contribution_id":"c2","member_id":"m2","amount":"400"}]`))
	require.NoError(t, e.d.Dispatch(ctx, second.ID))
	assert.Equal(t, "500", treasury())
	assert.Equal(t, mirror.EffectDone, e.run(t, second.ID).Status)

	for _, id := range []string{"c1", "c2"} {
		c, err := e.store.GetContribution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, mirror.ContributionVerified, c.Status)
		require.NotNil(t, c.ProposalID)
		assert.Equal(t, first.ID, *c.ProposalID)
	}
}

func (e *testEnv) loan(t *testing.T, outstanding int64) *mirror.Loan {
	t.Helper()
	l := &mirror.Loan{
		ID:                 uuid.NewString(),
		ChamaID:            e.fix.Chama.ID,
		BorrowerID:         e.fix.Member.ID,
		ProposalID:         uuid.NewString(),
		Principal:          decimal.NewFromInt(outstanding),
		InterestRate:       decimal.Zero,
		TermMonths:         1,
		MonthlyPayment:     decimal.NewFromInt(outstanding),
		OutstandingBalance: decimal.NewFromInt(outstanding),
		Status:             mirror.LoanActive,
	}
	require.NoError(t, e.store.CreateLoan(context.Background(), l))
	return l
}

func TestRepaymentToZero(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.loan(t, 5000)
	p := e.executed(t, types.LoanRepayment, map[string]string{"loan_id": l.ID, "amount": "5000"})

	require.NoError(t, e.d.Dispatch(ctx, p.ID))
	require.NoError(t, e.d.Dispatch(ctx, p.ID))

	got, err := e.store.GetLoan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, mirror.LoanRepaid, got.Status)
	assert.True(t, got.OutstandingBalance.IsZero())
}

func TestOverpaymentStaysInBacklog(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.loan(t, 5000)
	p := e.executed(t, types.LoanRepayment, map[string]string{"loan_id": l.ID, "amount": "6000"})

	err := e.d.Dispatch(ctx, p.ID)
	require.Error(t, err)
	assert.Equal(t, types.KindEffectHandler, types.KindOf(err))
	assert.True(t, types.Retryable(err))

	run := e.run(t, p.ID)
	assert.Equal(t, mirror.EffectFailed, run.Status)
	assert.Equal(t, 1, run.Attempts)
	assert.Contains(t, run.LastError, "exceeds outstanding balance")

	got, err := e.store.GetLoan(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "5000", got.OutstandingBalance.String())

	backlog, err := e.store.Backlog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, backlog, 1)

	done, err := e.d.RetryBacklog(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, done)
	assert.Equal(t, 2, e.run(t, p.ID).Attempts)
}

func TestMissingBlobIsRetried(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.executed(t, types.Generic, nil)
	require.NoError(t, e.store.DB().Model(&mirror.Proposal{}).
		Where("proposal_id = ?", p.ID).Update("ipfs_hash", "kmissing").Error)

	err := e.d.Dispatch(ctx, p.ID)
	assert.Equal(t, types.KindEffectHandler, types.KindOf(err))
	assert.Equal(t, mirror.EffectFailed, e.run(t, p.ID).Status)
}

func TestMembershipAndConstitutionEffects(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	add := e.executed(t, types.AddMember, map[string]string{
		"member_name": "Chebet", "wallet_address": "0x2200000000000000000000000000000000000022",
	})
	require.NoError(t, e.d.Dispatch(ctx, add.ID))
	m, err := e.store.MemberByWallet(ctx, e.fix.Chama.ID, "0x2200000000000000000000000000000000000022")
	require.NoError(t, err)
	assert.Equal(t, "Chebet", m.Name)
	assert.Equal(t, types.RoleMember, m.Role)
	assert.True(t, m.Active)

	remove := e.executed(t, types.RemoveMember, map[string]string{"member_id": m.ID, "reason": "relocated"})
	require.NoError(t, e.d.Dispatch(ctx, remove.ID))
	m, err = e.store.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, m.Active)

	edit := e.executed(t, types.ConstitutionEdit, map[string]string{"constitution_cid": "bafyconst2", "summary": "quorum 60%"})
	require.NoError(t, e.d.Dispatch(ctx, edit.ID))
	chama, err := e.store.GetChama(ctx, e.fix.Chama.ID)
	require.NoError(t, err)
	assert.Equal(t, "bafyconst2", chama.ConstitutionCID)
}

func TestWorkersDrainQueueAndBacklog(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		e.d.Wait()
	}()

	queued := e.executed(t, types.Generic, nil)
	// never enqueued: found by the backlog scan
	scanned := e.executed(t, types.Generic, nil)

	e.d.Start(ctx)
	e.d.Enqueue(queued.ID)

	done := func(id string) bool {
		run, err := e.store.GetEffectRun(context.Background(), id)
		return err == nil && run.Status == mirror.EffectDone
	}
	require.Eventually(t, func() bool {
		return done(queued.ID) && done(scanned.ID)
	}, 5*time.Second, 10*time.Millisecond)
}
