package lifecycle

import (
	"context"
	"math/big"
	"time"

	"github.com/Pindano/chamagov/core/ledger"
	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/core/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

type StateReader interface {
	State(ctx context.Context, governor common.Address, id *big.Int) (types.LedgerState, error)
}

// StateObserver persists ledger state reads into the mirror.
type StateObserver interface {
	ObserveState(ctx context.Context, p *mirror.Proposal, state types.LedgerState) error
}

type Tally struct {
	For     string `json:"for"`
	Against string `json:"against"`
	Abstain string `json:"abstain"`
}

type Result struct {
	ProposalID string       `json:"proposal_id"`
	Status     types.Status `json:"status"`
	// LedgerState is set when the status came from a live ledger read.
	LedgerState *types.LedgerState `json:"ledger_state,omitempty"`
	// Stale means the ledger could not be read and Status is the last
	// reconciled one.
	Stale       bool      `json:"stale"`
	OnChainID   string    `json:"on_chain_id,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	VotingStart time.Time `json:"voting_start"`
	VotingEnd   time.Time `json:"voting_end"`
	Tally       Tally     `json:"tally"`
}

type Resolver struct {
	store    *mirror.Store
	ledger   StateReader
	observer StateObserver
	logger   logrus.FieldLogger
	now      func() time.Time
}

func New(store *mirror.Store, ledger StateReader, observer StateObserver, logger logrus.FieldLogger) *Resolver {
	return &Resolver{
		store:    store,
		ledger:   ledger,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Resolver) Resolve(ctx context.Context, proposalID string) (*Result, error) {
	p, err := r.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	chama, err := r.store.GetChama(ctx, p.ChamaID)
	if err != nil {
		return nil, err
	}
	return r.ResolveProposal(ctx, common.HexToAddress(chama.GovernorAddress), p), nil
}

// ResolveProposal derives the unified status of p. The ledger is read only
// for confirmed proposals not yet executed in the mirror.
func (r *Resolver) ResolveProposal(ctx context.Context, governor common.Address, p *mirror.Proposal) *Result {
	res := &Result{
		ProposalID:  p.ID,
		TxHash:      p.TxHash,
		VotingStart: p.VotingStart,
		VotingEnd:   p.VotingEnd,
		Tally:       Tally{For: p.VotesFor, Against: p.VotesAgainst, Abstain: p.VotesAbstain},
	}
	if p.OnChainID != nil {
		res.OnChainID = *p.OnChainID
	}
	if p.OnChainID == nil || p.Status == types.StatusExecuted {
		res.Status = Derive(p, nil, r.now())
		return res
	}

	logger := r.logger.WithFields(logrus.Fields{"proposal": p.ID, "on_chain": *p.OnChainID})
	id, err := ledger.ParseProposalID(*p.OnChainID)
	if err != nil {
		logger.Errorf("parse on-chain id: %s", err)
		res.Status, res.Stale = p.Status, true
		return res
	}
	state, err := r.ledger.State(ctx, governor, id)
	if err != nil {
		logger.Warnf("read ledger state: %s", err)
		res.Status, res.Stale = p.Status, true
		return res
	}
	res.LedgerState = &state
	res.Status = Derive(p, &state, r.now())
	if r.observer != nil {
		if err := r.observer.ObserveState(ctx, p, state); err != nil {
			logger.Warnf("store ledger state: %s", err)
		}
	}
	return res
}

// Derive merges the mirror record with an optional ledger state read.
//
// Before an on-chain id exists the mirror's voting window decides between
// submitting, confirming and failed. Afterwards the ledger state is
// authoritative, except that a mirror-side executed status never regresses.
func Derive(p *mirror.Proposal, state *types.LedgerState, now time.Time) types.Status {
	if p.Status == types.StatusExecuted {
		return types.StatusExecuted
	}
	if p.OnChainID == nil {
		switch {
		case p.Status == types.StatusReverted || p.Status == types.StatusFailed:
			return types.StatusFailed
		case !now.Before(p.VotingEnd):
			return types.StatusFailed
		case p.TxHash == "":
			return types.StatusSubmitting
		default:
			return types.StatusConfirming
		}
	}
	if state == nil {
		return p.Status
	}
	status, err := types.StatusFromLedger(uint8(*state))
	if err != nil {
		return p.Status
	}
	return status
}
