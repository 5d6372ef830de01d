// Package reconciler applies decoded governor events to the mirror. It is
// the only writer of ledger-derived proposal fields, and every write it makes
// is idempotent: re-applying an event leaves the mirror unchanged.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/Pindano/chamagov/core/ledger"
	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/core/types"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// TallyReader is the ledger read the reconciler needs to refresh tallies.
type TallyReader interface {
	ProposalVotes(ctx context.Context, governor common.Address, id *big.Int) (ledger.Tally, error)
}

// ExecutedFunc is called once per proposal, when its effect marker is first
// inserted.
type ExecutedFunc func(proposalID string)

type Reconciler struct {
	store      *mirror.Store
	tallies    TallyReader
	onExecuted ExecutedFunc
	logger     logrus.FieldLogger
	outcomes   *prometheus.CounterVec
}

func New(store *mirror.Store, tallies TallyReader, logger logrus.FieldLogger, reg prometheus.Registerer) *Reconciler {
	r := &Reconciler{
		store:      store,
		tallies:    tallies,
		onExecuted: func(string) {},
		logger:     logger,
	}
	if reg != nil {
		r.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chamagov_reconcile_total",
			Help: "Reconciled governor events by event and outcome",
		}, []string{"event", "outcome"})
		reg.MustRegister(r.outcomes)
	}
	return r
}

// OnExecuted sets the hook that enqueues execution effects.
func (r *Reconciler) OnExecuted(fn ExecutedFunc) {
	r.onExecuted = fn
}

func (r *Reconciler) observe(event string, err error) {
	if r.outcomes == nil {
		return
	}
	outcome := "applied"
	if err != nil {
		outcome = strings.ReplaceAll(types.KindOf(err).String(), " ", "_")
	}
	r.outcomes.WithLabelValues(event, outcome).Inc()
}

// ReconcileCreated assigns the on-chain id carried by the ProposalCreated
// event in receipt. The id is written only while the mirror's is null; a
// different id already stored wins and is reported as a conflicting write.
func (r *Reconciler) ReconcileCreated(ctx context.Context, governor common.Address, proposalID string, receipt *ethtypes.Receipt) (p *mirror.Proposal, err error) {
	defer func() { r.observe(ledger.EventProposalCreated, err) }()

	txHash := receipt.TxHash.Hex()
	l := ledger.FindEvent(receipt.Logs, governor, ledger.EventProposalCreated)
	if l == nil {
		return nil, r.missing(ctx, proposalID, txHash, ledger.EventProposalCreated)
	}
	ev, err := ledger.DecodeProposalCreated(l)
	if err != nil {
		return nil, fmt.Errorf("decode proposal created: %w", err)
	}
	return r.applyCreated(ctx, proposalID, txHash, ev)
}

func (r *Reconciler) applyCreated(ctx context.Context, proposalID, txHash string, ev *ledger.ProposalCreated) (*mirror.Proposal, error) {
	if err := r.store.SetProposalTx(ctx, proposalID, txHash); err != nil {
		if types.KindOf(err) == types.KindConflictingWrite {
			r.conflict(ctx, proposalID, txHash, err)
		}
		return nil, err
	}

	onChainID := ev.ProposalId.String()
	stored, applied, err := r.store.AssignOnChainID(ctx, proposalID, onChainID, ev.VoteStart.Uint64(), ev.VoteEnd.Uint64())
	if err != nil {
		return nil, err
	}
	logger := r.logger.WithFields(logrus.Fields{
		"proposal": proposalID,
		"on_chain": stored,
		"tx":       txHash,
	})
	if stored != onChainID {
		err := types.NewTxError(types.KindConflictingWrite, "reconcile created", txHash,
			fmt.Errorf("proposal %s has on-chain id %s, event carries %s", proposalID, stored, onChainID))
		r.conflict(ctx, proposalID, txHash, err)
		return nil, err
	}
	if applied {
		logger.Info("proposal confirmed on ledger")
	} else {
		logger.Debug("proposal already confirmed")
	}
	return r.store.GetProposal(ctx, proposalID)
}

// ReconcileVote records the member's vote from the VoteCast event in receipt
// and refreshes the proposal's tallies.
func (r *Reconciler) ReconcileVote(ctx context.Context, governor common.Address, p *mirror.Proposal, memberID string, receipt *ethtypes.Receipt) (v *mirror.Vote, err error) {
	defer func() { r.observe(ledger.EventVoteCast, err) }()

	txHash := receipt.TxHash.Hex()
	var ev *ledger.VoteCast
	for _, l := range receipt.Logs {
		if l.Address != governor || ledger.EventName(l) != ledger.EventVoteCast {
			continue
		}
		decoded, err := ledger.DecodeVoteCast(l)
		if err != nil {
			return nil, fmt.Errorf("decode vote cast: %w", err)
		}
		if p.OnChainID != nil && decoded.ProposalId.String() == *p.OnChainID {
			ev = decoded
			break
		}
	}
	if ev == nil {
		return nil, r.missing(ctx, p.ID, txHash, ledger.EventVoteCast)
	}
	return r.applyVote(ctx, governor, p, memberID, txHash, ev)
}

func (r *Reconciler) applyVote(ctx context.Context, governor common.Address, p *mirror.Proposal, memberID, txHash string, ev *ledger.VoteCast) (*mirror.Vote, error) {
	choice, err := types.ChoiceFromSupport(ev.Support)
	if err != nil {
		return nil, err
	}
	outcome, stored, err := r.store.RecordVote(ctx, &mirror.Vote{
		ProposalID:  p.ID,
		MemberID:    memberID,
		Choice:      choice,
		VotingPower: ev.Weight.String(),
		TxHash:      txHash,
	})
	if outcome == mirror.VoteConflict {
		r.conflict(ctx, p.ID, txHash, err)
		return stored, err
	}
	if err != nil {
		return nil, err
	}
	r.logger.WithFields(logrus.Fields{
		"proposal": p.ID,
		"member":   memberID,
		"choice":   choice,
		"outcome":  outcome,
	}).Info("vote reconciled")

	if err := r.SyncTally(ctx, governor, p); err != nil {
		r.logger.WithField("proposal", p.ID).Warnf("refresh tally: %s", err)
	}
	return stored, nil
}

// ReconcileExecuted marks the proposal executed and, the first time only,
// hands it to the effects dispatcher.
func (r *Reconciler) ReconcileExecuted(ctx context.Context, governor common.Address, p *mirror.Proposal, receipt *ethtypes.Receipt) (err error) {
	defer func() { r.observe(ledger.EventProposalExecuted, err) }()

	txHash := receipt.TxHash.Hex()
	for _, l := range receipt.Logs {
		if l.Address != governor || ledger.EventName(l) != ledger.EventProposalExecuted {
			continue
		}
		ev, err := ledger.DecodeProposalExecuted(l)
		if err != nil {
			return fmt.Errorf("decode proposal executed: %w", err)
		}
		if p.OnChainID != nil && ev.ProposalId.String() == *p.OnChainID {
			return r.applyExecuted(ctx, p.ID, txHash)
		}
	}
	return r.missing(ctx, p.ID, txHash, ledger.EventProposalExecuted)
}

func (r *Reconciler) applyExecuted(ctx context.Context, proposalID, txHash string) error {
	first, err := r.store.MarkExecuted(ctx, proposalID, txHash)
	if err != nil {
		return err
	}
	logger := r.logger.WithFields(logrus.Fields{"proposal": proposalID, "tx": txHash})
	if !first {
		logger.Debug("execution already reconciled")
		return nil
	}
	logger.Info("proposal executed")
	r.onExecuted(proposalID)
	return nil
}

// ObserveState stores a ledger state read for a confirmed proposal. An
// Executed read is reconciled like the event, without a transaction hash.
func (r *Reconciler) ObserveState(ctx context.Context, p *mirror.Proposal, state types.LedgerState) error {
	if p.OnChainID == nil || p.Status == types.StatusExecuted {
		return nil
	}
	if state == types.LedgerExecuted {
		return r.applyExecuted(ctx, p.ID, "")
	}
	status, err := types.StatusFromLedger(uint8(state))
	if err != nil {
		return err
	}
	if status == p.Status {
		return nil
	}
	return r.store.UpdateLedgerStatus(ctx, p.ID, status)
}

// SyncTally copies proposalVotes into the mirror.
func (r *Reconciler) SyncTally(ctx context.Context, governor common.Address, p *mirror.Proposal) error {
	if p.OnChainID == nil {
		return nil
	}
	id, err := ledger.ParseProposalID(*p.OnChainID)
	if err != nil {
		return err
	}
	t, err := r.tallies.ProposalVotes(ctx, governor, id)
	if err != nil {
		return err
	}
	return r.store.UpdateTally(ctx, p.ID, t.For.String(), t.Against.String(), t.Abstain.String())
}

// MarkReverted records that a submitted create transaction reverted.
func (r *Reconciler) MarkReverted(ctx context.Context, proposalID, txHash string) error {
	r.logger.WithFields(logrus.Fields{"proposal": proposalID, "tx": txHash}).Warn("proposal creation reverted")
	return r.store.MarkProposalReverted(ctx, proposalID)
}

func (r *Reconciler) missing(ctx context.Context, proposalID, txHash, event string) error {
	err := types.NewTxError(types.KindEventNotFound, "reconcile", txHash,
		fmt.Errorf("no %s event for proposal %s", event, proposalID))
	r.issue(ctx, mirror.IssueEventNotFound, proposalID, txHash, err.Error())
	return err
}

func (r *Reconciler) conflict(ctx context.Context, proposalID, txHash string, err error) {
	r.issue(ctx, mirror.IssueConflictingWrite, proposalID, txHash, err.Error())
}

func (r *Reconciler) issue(ctx context.Context, kind, proposalID, txHash, detail string) {
	r.logger.WithFields(logrus.Fields{
		"issue":    kind,
		"proposal": proposalID,
		"tx":       txHash,
	}).Warn(detail)
	err := r.store.RecordIssue(ctx, &mirror.ReconcileIssue{
		Kind:       kind,
		ProposalID: proposalID,
		TxHash:     txHash,
		Detail:     detail,
	})
	if err != nil {
		r.logger.Errorf("record reconcile issue: %s", err)
	}
}

// NonFatal reports whether err is a reconciliation ambiguity that was queued
// for manual follow-up and must not fail the user's action.
func NonFatal(err error) bool {
	return errors.Is(err, types.ErrEventNotFound) || errors.Is(err, types.ErrConflictingWrite)
}
