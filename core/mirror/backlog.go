package mirror

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) GetEffectRun(ctx context.Context, proposalID string) (*EffectRun, error) {
	var run EffectRun
	if err := s.db.WithContext(ctx).First(&run, "proposal_id = ?", proposalID).Error; err != nil {
		return nil, notFound("get effect run", err)
	}
	return &run, nil
}

// LockEffectRun loads the marker row for update inside a transaction.
func (s *Store) LockEffectRun(ctx context.Context, proposalID string) (*EffectRun, error) {
	var run EffectRun
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&run, "proposal_id = ?", proposalID).Error
	if err != nil {
		return nil, notFound("lock effect run", err)
	}
	return &run, nil
}

func (s *Store) CompleteEffectRun(ctx context.Context, proposalID string) error {
	return s.db.WithContext(ctx).Model(&EffectRun{}).
		Where("proposal_id = ?", proposalID).
		Updates(map[string]any{
			"status":     EffectDone,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": "",
		}).Error
}

func (s *Store) FailEffectRun(ctx context.Context, proposalID string, cause error) error {
	return s.db.WithContext(ctx).Model(&EffectRun{}).
		Where("proposal_id = ? AND status <> ?", proposalID, EffectDone).
		Updates(map[string]any{
			"status":     EffectFailed,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
		}).Error
}

// Backlog returns effect runs not yet done with fewer than maxAttempts
// attempts. maxAttempts <= 0 means no limit.
func (s *Store) Backlog(ctx context.Context, maxAttempts int) ([]EffectRun, error) {
	q := s.db.WithContext(ctx).Where("status <> ?", EffectDone)
	if maxAttempts > 0 {
		q = q.Where("attempts < ?", maxAttempts)
	}
	var runs []EffectRun
	err := q.Order("created_at").Find(&runs).Error
	return runs, err
}

// RecordIssue stores a reconciliation issue once per (kind, proposal, tx).
func (s *Store) RecordIssue(ctx context.Context, issue *ReconcileIssue) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "proposal_id"}, {Name: "tx_hash"}},
		DoNothing: true,
	}).Create(issue).Error
}

func (s *Store) OpenIssues(ctx context.Context) ([]ReconcileIssue, error) {
	var issues []ReconcileIssue
	err := s.db.WithContext(ctx).Where("resolved = ?", false).Order("id").Find(&issues).Error
	return issues, err
}
