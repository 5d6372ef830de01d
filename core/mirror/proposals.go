package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/Pindano/chamagov/core/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) CreateProposal(ctx context.Context, p *Proposal) error {
	if p.Status == "" {
		p.Status = types.StatusSubmitting
	}
	if p.VotesFor == "" {
		p.VotesFor, p.VotesAgainst, p.VotesAbstain = "0", "0", "0"
	}
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	var p Proposal
	if err := s.db.WithContext(ctx).First(&p, "proposal_id = ?", id).Error; err != nil {
		return nil, notFound("get proposal", err)
	}
	return &p, nil
}

func (s *Store) ProposalByOnChainID(ctx context.Context, chamaID, onChainID string) (*Proposal, error) {
	var p Proposal
	err := s.db.WithContext(ctx).
		Where("chama_id = ? AND on_chain_proposal_id = ?", chamaID, onChainID).
		First(&p).Error
	if err != nil {
		return nil, notFound("proposal by on-chain id", err)
	}
	return &p, nil
}

func (s *Store) ProposalByTx(ctx context.Context, txHash string) (*Proposal, error) {
	var p Proposal
	if err := s.db.WithContext(ctx).First(&p, "blockchain_tx_hash = ?", txHash).Error; err != nil {
		return nil, notFound("proposal by tx", err)
	}
	return &p, nil
}

func (s *Store) ProposalByContentID(ctx context.Context, chamaID, cid string) (*Proposal, error) {
	var p Proposal
	err := s.db.WithContext(ctx).
		Where("chama_id = ? AND ipfs_hash = ?", chamaID, cid).
		First(&p).Error
	if err != nil {
		return nil, notFound("proposal by content id", err)
	}
	return &p, nil
}

// ListProposals returns a chama's proposals, newest first.
func (s *Store) ListProposals(ctx context.Context, chamaID string) ([]Proposal, error) {
	var ps []Proposal
	err := s.db.WithContext(ctx).Where("chama_id = ?", chamaID).Order("created_at desc").Find(&ps).Error
	return ps, err
}

// SetProposalTx records the create transaction hash. The hash is written once;
// a different hash for the same proposal is a conflicting write.
func (s *Store) SetProposalTx(ctx context.Context, id, txHash string) error {
	res := s.db.WithContext(ctx).Model(&Proposal{}).
		Where("proposal_id = ? AND blockchain_tx_hash = ''", id).
		Updates(map[string]any{
			"blockchain_tx_hash": txHash,
			"status":             types.StatusConfirming,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	p, err := s.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	if p.TxHash == txHash {
		return nil
	}
	return types.NewTxError(types.KindConflictingWrite, "set proposal tx", txHash,
		fmt.Errorf("proposal %s already submitted in %s", id, p.TxHash))
}

// MarkProposalReverted flags a proposal whose create transaction reverted.
// Confirmed proposals are never touched.
func (s *Store) MarkProposalReverted(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Proposal{}).
		Where("proposal_id = ? AND on_chain_proposal_id IS NULL", id).
		Update("status", types.StatusReverted).Error
}

// MarkProposalFailed flags a proposal whose create transaction was never
// accepted by the ledger.
func (s *Store) MarkProposalFailed(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Proposal{}).
		Where("proposal_id = ? AND blockchain_tx_hash = '' AND on_chain_proposal_id IS NULL", id).
		Update("status", types.StatusFailed).Error
}

// AssignOnChainID sets the on-chain id only while it is null. It returns the
// id stored after the call and whether this call wrote it.
func (s *Store) AssignOnChainID(ctx context.Context, id, onChainID string, startBlock, endBlock uint64) (string, bool, error) {
	res := s.db.WithContext(ctx).Model(&Proposal{}).
		Where("proposal_id = ? AND on_chain_proposal_id IS NULL", id).
		Updates(map[string]any{
			"on_chain_proposal_id": onChainID,
			"vote_start_block":     startBlock,
			"vote_end_block":       endBlock,
			"status":               types.StatusPending,
		})
	if res.Error != nil {
		return "", false, res.Error
	}
	p, err := s.GetProposal(ctx, id)
	if err != nil {
		return "", false, err
	}
	if p.OnChainID == nil {
		return "", false, fmt.Errorf("assign on-chain id: proposal %s still unassigned", id)
	}
	return *p.OnChainID, res.RowsAffected == 1, nil
}

func (s *Store) UpdateTally(ctx context.Context, id, forVotes, against, abstain string) error {
	return s.db.WithContext(ctx).Model(&Proposal{}).
		Where("proposal_id = ?", id).
		Updates(map[string]any{
			"votes_for":     forVotes,
			"votes_against": against,
			"votes_abstain": abstain,
		}).Error
}

// UpdateLedgerStatus stores a ledger-derived status. Executed is sticky and
// is only set through MarkExecuted.
func (s *Store) UpdateLedgerStatus(ctx context.Context, id string, status types.Status) error {
	if status == types.StatusExecuted {
		return errors.New("executed status must be set with MarkExecuted")
	}
	return s.db.WithContext(ctx).Model(&Proposal{}).
		Where("proposal_id = ? AND status <> ?", id, types.StatusExecuted).
		Update("status", status).Error
}

// MarkExecuted sets the proposal executed and inserts its effect marker. first
// is true only for the call that inserted the marker.
func (s *Store) MarkExecuted(ctx context.Context, id, txHash string) (bool, error) {
	var first bool
	err := s.Transaction(ctx, func(tx *Store) error {
		res := tx.db.Model(&Proposal{}).
			Where("proposal_id = ?", id).
			Updates(map[string]any{
				"status":           types.StatusExecuted,
				"executed_tx_hash": gorm.Expr("CASE WHEN executed_tx_hash = '' THEN ? ELSE executed_tx_hash END", txHash),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.NewError(types.KindNotFound, "mark executed", fmt.Errorf("proposal %s", id))
		}
		run := &EffectRun{ProposalID: id, Status: EffectPending}
		res = tx.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "proposal_id"}},
			DoNothing: true,
		}).Create(run)
		if res.Error != nil {
			return res.Error
		}
		first = res.RowsAffected == 1
		return nil
	})
	return first, err
}
