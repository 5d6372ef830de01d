package voting

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Pindano/chamagov/core/journal"
	"github.com/Pindano/chamagov/core/ledger"
	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/core/reconciler"
	"github.com/Pindano/chamagov/core/types"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// Ledger is the set of governor reads the pre-flight checks use.
type Ledger interface {
	State(ctx context.Context, governor common.Address, id *big.Int) (types.LedgerState, error)
	ProposalSnapshot(ctx context.Context, governor common.Address, id *big.Int) (*big.Int, error)
	VotingDelay(ctx context.Context, governor common.Address) (*big.Int, error)
	HasVoted(ctx context.Context, governor common.Address, id *big.Int, account common.Address) (bool, error)
	GetVotes(ctx context.Context, governor, account common.Address, timepoint *big.Int) (*big.Int, error)
}

type Submitter interface {
	CastVote(ctx context.Context, governor, from common.Address, id *big.Int, choice types.VoteChoice) (*ledger.PendingTx, error)
}

type Watcher interface {
	Wait(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
}

type Reconciler interface {
	ReconcileVote(ctx context.Context, governor common.Address, p *mirror.Proposal, memberID string, receipt *ethtypes.Receipt) (*mirror.Vote, error)
}

type Journal interface {
	Add(e journal.Entry) error
	Remove(hash common.Hash) error
}

// Stage is the step of a vote that produced its outcome.
type Stage string

const (
	StagePreflight Stage = "preflight"
	StageSubmit    Stage = "submit"
	StageConfirm   Stage = "confirm"
	StageReconcile Stage = "reconcile"
	StageDone      Stage = "done"
)

type Request struct {
	ProposalID string           `json:"proposal_id"`
	MemberID   string           `json:"member_id"`
	Choice     types.VoteChoice `json:"choice"`
}

type Result struct {
	Stage       Stage        `json:"stage"`
	TxHash      string       `json:"tx_hash,omitempty"`
	VotingPower string       `json:"voting_power,omitempty"`
	Vote        *mirror.Vote `json:"vote,omitempty"`
}

type Coordinator struct {
	store      *mirror.Store
	ledger     Ledger
	submitter  Submitter
	watcher    Watcher
	reconciler Reconciler
	journal    Journal
	logger     logrus.FieldLogger
}

func New(store *mirror.Store, l Ledger, submitter Submitter, watcher Watcher, rec Reconciler, j Journal, logger logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		store:      store,
		ledger:     l,
		submitter:  submitter,
		watcher:    watcher,
		reconciler: rec,
		journal:    j,
		logger:     logger,
	}
}

// ballot is everything the pre-flight checks establish.
type ballot struct {
	proposal *mirror.Proposal
	member   *mirror.Member
	governor common.Address
	wallet   common.Address
	id       *big.Int
	power    *big.Int
}

// CastVote runs the pre-flight checks, submits the vote, waits for it to be
// mined and reconciles it. The returned Result is never nil; its Stage names
// the step that failed. A ConfirmationTimeout still carries the transaction
// hash: the vote is confirming and will be reconciled later.
func (c *Coordinator) CastVote(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Stage: StagePreflight}
	b, err := c.preflight(ctx, req)
	if err != nil {
		return res, err
	}
	res.VotingPower = b.power.String()
	logger := c.logger.WithFields(logrus.Fields{
		"proposal": b.proposal.ID,
		"member":   b.member.ID,
		"choice":   req.Choice,
	})

	res.Stage = StageSubmit
	pending, err := c.submitter.CastVote(ctx, b.governor, b.wallet, b.id, req.Choice)
	if err != nil {
		return res, err
	}
	res.TxHash = pending.Hash.Hex()
	logger = logger.WithField("tx", res.TxHash)
	if err := c.journal.Add(journal.Entry{
		Hash:        pending.Hash,
		Kind:        types.CallVote,
		Governor:    b.governor,
		From:        b.wallet,
		ProposalID:  b.proposal.ID,
		MemberID:    b.member.ID,
		Choice:      req.Choice,
		SubmittedAt: pending.SubmittedAt,
	}); err != nil {
		logger.Errorf("journal vote: %s", err)
	}
	logger.Info("vote submitted")

	res.Stage = StageConfirm
	receipt, err := c.watcher.Wait(ctx, pending.Hash)
	if err != nil {
		if types.KindOf(err) == types.KindTransactionReverted {
			c.forget(logger, pending.Hash)
		}
		return res, err
	}

	res.Stage = StageReconcile
	vote, err := c.reconciler.ReconcileVote(ctx, b.governor, b.proposal, b.member.ID, receipt)
	if err != nil && !reconciler.NonFatal(err) {
		return res, err
	}
	if err != nil {
		logger.Warnf("vote mined but not reconciled: %s", err)
	}
	c.forget(logger, pending.Hash)
	res.Stage = StageDone
	res.Vote = vote
	return res, nil
}

func (c *Coordinator) forget(logger logrus.FieldLogger, hash common.Hash) {
	if err := c.journal.Remove(hash); err != nil {
		logger.Errorf("remove journal entry: %s", err)
	}
}

// preflight checks, in order: the proposal is confirmed on the ledger, the
// member may vote, the ledger state is Active, the wallet has not voted, and
// the wallet has voting power at the snapshot. No ledger call is made for an
// unconfirmed proposal.
func (c *Coordinator) preflight(ctx context.Context, req Request) (*ballot, error) {
	const op = "cast vote"
	if _, err := req.Choice.Support(); err != nil {
		return nil, types.NewValidationError(op, map[string]string{"choice": err.Error()})
	}

	p, err := c.store.GetProposal(ctx, req.ProposalID)
	if err != nil {
		return nil, err
	}
	if p.OnChainID == nil {
		return nil, types.NewError(types.KindNotYetConfirmed, op,
			fmt.Errorf("proposal %s is %s", p.ID, p.Status))
	}
	id, err := ledger.ParseProposalID(*p.OnChainID)
	if err != nil {
		return nil, err
	}

	member, err := c.store.GetMember(ctx, req.MemberID)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			return nil, types.NewValidationError(op, map[string]string{"member_id": "unknown member"})
		}
		return nil, err
	}
	switch {
	case member.ChamaID != p.ChamaID:
		return nil, types.NewValidationError(op, map[string]string{"member_id": "not a member of this chama"})
	case !member.Active:
		return nil, types.NewValidationError(op, map[string]string{"member_id": "member is inactive"})
	case !common.IsHexAddress(member.WalletAddress):
		return nil, types.NewValidationError(op, map[string]string{"wallet_address": "member has no wallet address"})
	}
	chama, err := c.store.GetChama(ctx, p.ChamaID)
	if err != nil {
		return nil, err
	}
	b := &ballot{
		proposal: p,
		member:   member,
		governor: common.HexToAddress(chama.GovernorAddress),
		wallet:   common.HexToAddress(member.WalletAddress),
		id:       id,
	}

	state, err := c.ledger.State(ctx, b.governor, id)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	snapshot, err := c.ledger.ProposalSnapshot(ctx, b.governor, id)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if state != types.LedgerActive {
		ws := &types.WrongStateError{State: state, Reason: types.Ended}
		if state == types.LedgerPending {
			delay, err := c.ledger.VotingDelay(ctx, b.governor)
			if err != nil {
				return nil, fmt.Errorf("read voting delay: %w", err)
			}
			ws.Reason = types.NotStarted
			ws.OpensAtBlock = new(big.Int).Add(snapshot, delay).Uint64()
		}
		return nil, types.NewError(types.KindWrongState, op, ws)
	}

	voted, err := c.ledger.HasVoted(ctx, b.governor, id, b.wallet)
	if err != nil {
		return nil, fmt.Errorf("read hasVoted: %w", err)
	}
	if voted {
		return nil, types.NewError(types.KindAlreadyVoted, op,
			fmt.Errorf("%s already voted on proposal %s", b.wallet.Hex(), p.ID))
	}

	power, err := c.ledger.GetVotes(ctx, b.governor, b.wallet, snapshot)
	if err != nil {
		return nil, fmt.Errorf("read votes: %w", err)
	}
	if power.Sign() <= 0 {
		return nil, types.NewError(types.KindNoVotingPower, op,
			fmt.Errorf("%s has no voting power at block %s", b.wallet.Hex(), snapshot))
	}
	b.power = power
	return b, nil
}

// WrongState returns the ledger detail of a WrongState error.
func WrongState(err error) (*types.WrongStateError, bool) {
	var ws *types.WrongStateError
	if errors.As(err, &ws) {
		return ws, true
	}
	return nil, false
}

// Resume reconciles a journaled vote once its receipt turns up.
func (c *Coordinator) Resume(ctx context.Context, e journal.Entry, receipt *ethtypes.Receipt) error {
	p, err := c.store.GetProposal(ctx, e.ProposalID)
	if err != nil {
		return err
	}
	_, err = c.reconciler.ReconcileVote(ctx, e.Governor, p, e.MemberID, receipt)
	if err != nil && !reconciler.NonFatal(err) {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"proposal": e.ProposalID,
		"member":   e.MemberID,
		"tx":       e.Hash.Hex(),
		"age":      time.Since(e.SubmittedAt).Round(time.Second),
	}).Info("resumed vote reconciled")
	return nil
}
