package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Pindano/chamagov/core/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// The methods below are the financial writes. They are meant to be called
// on a transaction-bound Store from the effects dispatcher only.

func (s *Store) CreateLoan(ctx context.Context, l *Loan) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "proposal_id"}},
		DoNothing: true,
	}).Create(l).Error
}

func (s *Store) GetLoan(ctx context.Context, id string) (*Loan, error) {
	var l Loan
	if err := s.db.WithContext(ctx).First(&l, "loan_id = ?", id).Error; err != nil {
		return nil, notFound("get loan", err)
	}
	return &l, nil
}

func (s *Store) LoanByProposal(ctx context.Context, proposalID string) (*Loan, error) {
	var l Loan
	if err := s.db.WithContext(ctx).First(&l, "proposal_id = ?", proposalID).Error; err != nil {
		return nil, notFound("loan by proposal", err)
	}
	return &l, nil
}

// ApplyRepayment decrements the loan's outstanding balance by r.Amount and
// records r. The loan becomes repaid when the balance reaches zero.
func (s *Store) ApplyRepayment(ctx context.Context, r *LoanRepayment) (*Loan, error) {
	var l Loan
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&l, "loan_id = ?", r.LoanID).Error
	if err != nil {
		return nil, notFound("load loan", err)
	}
	if l.Status != LoanActive {
		return nil, fmt.Errorf("loan %s is %s", l.ID, l.Status)
	}
	if !r.Amount.IsPositive() {
		return nil, fmt.Errorf("repayment amount %s is not positive", r.Amount)
	}
	if r.Amount.GreaterThan(l.OutstandingBalance) {
		return nil, fmt.Errorf("repayment %s exceeds outstanding balance %s", r.Amount, l.OutstandingBalance)
	}

	l.OutstandingBalance = l.OutstandingBalance.Sub(r.Amount)
	if l.OutstandingBalance.IsZero() {
		l.Status = LoanRepaid
	}
	r.BalanceAfter = l.OutstandingBalance

	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Model(&Loan{}).
		Where("loan_id = ?", l.ID).
		Updates(map[string]any{
			"outstanding_balance": l.OutstandingBalance,
			"status":              l.Status,
		}).Error
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) IncrementTreasury(ctx context.Context, chamaID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var c Chama
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&c, "chama_id = ?", chamaID).Error
	if err != nil {
		return decimal.Zero, notFound("load chama", err)
	}
	total := c.TreasuryTotal.Add(amount)
	err = s.db.WithContext(ctx).Model(&Chama{}).
		Where("chama_id = ?", chamaID).
		Update("treasury_total", total).Error
	return total, err
}

// VerifyContribution marks contribution c.ID verified by *c.ProposalID,
// inserting it when nobody declared it beforehand. It reports whether this
// call did the verifying: a contribution verified earlier is left as is. An
// existing row that disagrees with c on chama, member or amount is a
// ConflictingWrite.
func (s *Store) VerifyContribution(ctx context.Context, c *Contribution) (bool, error) {
	now := time.Now()
	var existing Contribution
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&existing, "contribution_id = ?", c.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.Status = ContributionVerified
		c.VerifiedAt = &now
		if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if existing.ChamaID != c.ChamaID || existing.MemberID != c.MemberID || !existing.Amount.Equal(c.Amount) {
		return false, types.NewError(types.KindConflictingWrite, "verify contribution",
			fmt.Errorf("contribution %s is recorded as %s from member %s in chama %s",
				c.ID, existing.Amount, existing.MemberID, existing.ChamaID))
	}
	res := s.db.WithContext(ctx).Model(&Contribution{}).
		Where("contribution_id = ? AND status <> ?", c.ID, ContributionVerified).
		Updates(map[string]any{
			"status":      ContributionVerified,
			"proposal_id": c.ProposalID,
			"verified_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) GetContribution(ctx context.Context, id string) (*Contribution, error) {
	var c Contribution
	if err := s.db.WithContext(ctx).First(&c, "contribution_id = ?", id).Error; err != nil {
		return nil, notFound("get contribution", err)
	}
	return &c, nil
}

// RecordContribution stores a member-declared contribution awaiting
// verification by a reconciliation proposal.
func (s *Store) RecordContribution(ctx context.Context, c *Contribution) error {
	if c.Status == "" {
		c.Status = ContributionPending
	}
	return s.db.WithContext(ctx).Create(c).Error
}

// AdmitMember inserts the member admitted by an add-member proposal; the
// unique proposal id makes re-admission a no-op.
func (s *Store) AdmitMember(ctx context.Context, m *Member) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "proposal_id"}},
		DoNothing: true,
	}).Create(m).Error
}

func (s *Store) DeactivateMember(ctx context.Context, chamaID, memberID string) error {
	res := s.db.WithContext(ctx).Model(&Member{}).
		Where("user_id = ? AND chama_id = ?", memberID, chamaID).
		Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.KindNotFound, "deactivate member", fmt.Errorf("member %s", memberID))
	}
	return nil
}

func (s *Store) SetConstitution(ctx context.Context, chamaID, cid string) error {
	return s.db.WithContext(ctx).Model(&Chama{}).
		Where("chama_id = ?", chamaID).
		Update("constitution_cid", cid).Error
}
