package mirror

import (
	"context"
	"fmt"

	"github.com/Pindano/chamagov/core/types"
	"gorm.io/gorm/clause"
)

type VoteOutcome int

const (
	VoteInserted VoteOutcome = iota
	// VoteDuplicate means an identical vote was already recorded.
	VoteDuplicate
	// VoteConflict means a vote with a different choice was already recorded;
	// the existing row is kept.
	VoteConflict
)

func (o VoteOutcome) String() string {
	switch o {
	case VoteInserted:
		return "inserted"
	case VoteDuplicate:
		return "duplicate"
	case VoteConflict:
		return "conflict"
	}
	return "unknown"
}

// RecordVote inserts v unless (proposal, member) already has a vote. It
// returns the stored row, which is v itself on insert.
func (s *Store) RecordVote(ctx context.Context, v *Vote) (VoteOutcome, *Vote, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "proposal_id"}, {Name: "user_id"}},
		DoNothing: true,
	}).Create(v)
	if res.Error != nil {
		return 0, nil, res.Error
	}
	if res.RowsAffected == 1 {
		return VoteInserted, v, nil
	}

	var existing Vote
	err := s.db.WithContext(ctx).
		Where("proposal_id = ? AND user_id = ?", v.ProposalID, v.MemberID).
		First(&existing).Error
	if err != nil {
		return 0, nil, notFound("load recorded vote", err)
	}
	if existing.Choice == v.Choice {
		return VoteDuplicate, &existing, nil
	}
	return VoteConflict, &existing, types.NewTxError(types.KindConflictingWrite, "record vote", v.TxHash,
		fmt.Errorf("member %s already voted %s on proposal %s, got %s",
			v.MemberID, existing.Choice, v.ProposalID, v.Choice))
}

func (s *Store) VotesFor(ctx context.Context, proposalID string) ([]Vote, error) {
	var votes []Vote
	err := s.db.WithContext(ctx).Where("proposal_id = ?", proposalID).Order("id").Find(&votes).Error
	return votes, err
}
