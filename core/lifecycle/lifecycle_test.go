package lifecycle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/core/mirror/mirrortest"
	"github.com/Pindano/chamagov/core/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	state types.LedgerState
	err   error
	reads int
}

func (f *fakeLedger) State(ctx context.Context, governor common.Address, id *big.Int) (types.LedgerState, error) {
	f.reads++
	return f.state, f.err
}

type fakeObserver struct {
	seen []types.LedgerState
}

func (f *fakeObserver) ObserveState(ctx context.Context, p *mirror.Proposal, state types.LedgerState) error {
	f.seen = append(f.seen, state)
	return nil
}

func newResolver(t *testing.T, l *fakeLedger) (*Resolver, *mirror.Store, mirrortest.Fixture, *fakeObserver) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store := mirrortest.NewStore(t)
	obs := &fakeObserver{}
	return New(store, l, obs, logger), store, mirrortest.Seed(t, store), obs
}

func TestDeriveBeforeConfirmation(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(time.Hour)
	tests := []struct {
		name string
		p    mirror.Proposal
		want types.Status
	}{
		{"not submitted", mirror.Proposal{Status: types.StatusSubmitting, VotingEnd: end}, types.StatusSubmitting},
		{"submitted", mirror.Proposal{Status: types.StatusConfirming, TxHash: "0xab", VotingEnd: end}, types.StatusConfirming},
		{"reverted", mirror.Proposal{Status: types.StatusReverted, TxHash: "0xab", VotingEnd: end}, types.StatusFailed},
		{"window passed", mirror.Proposal{Status: types.StatusConfirming, TxHash: "0xab", VotingEnd: now}, types.StatusFailed},
		{"never submitted, window passed", mirror.Proposal{Status: types.StatusSubmitting, VotingEnd: now.Add(-time.Minute)}, types.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(&tt.p, nil, now))
		})
	}
}

func TestDeriveLedgerMapping(t *testing.T) {
	id := "42"
	p := &mirror.Proposal{OnChainID: &id, Status: types.StatusPending}
	want := []types.Status{
		types.StatusPending,
		types.StatusActive,
		types.StatusCanceled,
		types.StatusDefeated,
		types.StatusSucceeded,
		types.StatusQueued,
		types.StatusExpired,
		types.StatusExecuted,
	}
	for code, status := range want {
		state := types.LedgerState(code)
		assert.Equal(t, status, Derive(p, &state, time.Now()), "code %d", code)
	}

	unknown := types.LedgerState(9)
	assert.Equal(t, types.StatusPending, Derive(p, &unknown, time.Now()))
}

func TestExecutedIsSticky(t *testing.T) {
	l := &fakeLedger{state: types.LedgerActive}
	r, store, f, _ := newResolver(t, l)
	ctx := context.Background()
	p := mirrortest.NewProposal(t, store, f, types.Generic)
	_, _, err := store.AssignOnChainID(ctx, p.ID, "42", 1, 2)
	require.NoError(t, err)
	_, err = store.MarkExecuted(ctx, p.ID, "0xe1")
	require.NoError(t, err)

	res, err := r.Resolve(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, res.Status)
	assert.Equal(t, 0, l.reads)

	state := types.LedgerActive
	p, err = store.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, Derive(p, &state, time.Now()))
}

func TestResolveReadsLedger(t *testing.T) {
	l := &fakeLedger{state: types.LedgerSucceeded}
	r, store, f, obs := newResolver(t, l)
	ctx := context.Background()
	p := mirrortest.NewProposal(t, store, f, types.Generic)
	_, _, err := store.AssignOnChainID(ctx, p.ID, "42", 1, 2)
	require.NoError(t, err)
	require.NoError(t, store.UpdateTally(ctx, p.ID, "5", "1", "0"))

	res, err := r.Resolve(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, res.Status)
	assert.False(t, res.Stale)
	assert.Equal(t, "42", res.OnChainID)
	assert.Equal(t, Tally{For: "5", Against: "1", Abstain: "0"}, res.Tally)
	assert.Equal(t, []types.LedgerState{types.LedgerSucceeded}, obs.seen)
}

func TestResolveStaleOnReadFailure(t *testing.T) {
	l := &fakeLedger{err: errors.New("connection refused")}
	r, store, f, obs := newResolver(t, l)
	ctx := context.Background()
	p := mirrortest.NewProposal(t, store, f, types.Generic)
	_, _, err := store.AssignOnChainID(ctx, p.ID, "42", 1, 2)
	require.NoError(t, err)
	require.NoError(t, store.UpdateLedgerStatus(ctx, p.ID, types.StatusActive))

	res, err := r.Resolve(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, res.Status)
	assert.True(t, res.Stale)
	assert.Nil(t, res.LedgerState)
	assert.Empty(t, obs.seen)
}

func TestResolveUnknownProposal(t *testing.T) {
	r, _, _, _ := newResolver(t, &fakeLedger{})
	_, err := r.Resolve(context.Background(), "missing")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}
