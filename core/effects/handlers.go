package effects

import (
	"context"
	"fmt"

	"github.com/Pindano/chamagov/core/intake"
	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Handler applies the financial effect of an executed proposal. It runs
// inside the mirror transaction that also completes the proposal's effect
// marker, so it must only write through tx.
type Handler func(ctx context.Context, tx *mirror.Store, p *mirror.Proposal, payload *intake.Payload) error

// Handlers is the dispatch table. It must have an arm for every
// types.ProposalType.
type Handlers map[types.ProposalType]Handler

func DefaultHandlers() Handlers {
	return Handlers{
		types.ContributionReconciliation: reconcileContributions,
		types.LoanRequest:                createLoan,
		types.LoanRepayment:              repayLoan,
		types.AddMember:                  admitMember,
		types.RemoveMember:               removeMember,
		types.ConstitutionEdit:           editConstitution,
		types.Generic:                    noEffect,
	}
}

func (h Handlers) check() error {
	for _, t := range types.ProposalTypes {
		if h[t] == nil {
			return fmt.Errorf("no effect handler for proposal type %s", t)
		}
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

// LoanTerms computes simple-interest terms: the total owed is
// principal*(1+rate/100), paid in equal monthly installments. The installment
// is kept at full precision; rounding is left to whoever displays it.
func LoanTerms(principal, ratePercent decimal.Decimal, termMonths int) (monthly, outstanding decimal.Decimal, err error) {
	if termMonths <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("term %d is not positive", termMonths)
	}
	outstanding = principal.Mul(decimal.NewFromInt(1).Add(ratePercent.Div(hundred)))
	monthly = outstanding.Div(decimal.NewFromInt(int64(termMonths)))
	return monthly, outstanding, nil
}

// reconcileContributions verifies each entry and credits the treasury with
// the entries this proposal verified. Entries another reconciliation already
// verified add nothing.
func reconcileContributions(ctx context.Context, tx *mirror.Store, p *mirror.Proposal, payload *intake.Payload) error {
	if len(payload.Entries) == 0 {
		return fmt.Errorf("reconciliation has no entries")
	}
	credited := decimal.Zero
	for _, e := range payload.Entries {
		verified, err := tx.VerifyContribution(ctx, &mirror.Contribution{
			ID:         e.ContributionID,
			ChamaID:    p.ChamaID,
			MemberID:   e.MemberID,
			Amount:     e.Amount,
			ProposalID: &p.ID,
		})
		if err != nil {
			return fmt.Errorf("verify contribution %s: %w", e.ContributionID, err)
		}
		if verified {
			credited = credited.Add(e.Amount)
		}
	}
	if credited.IsZero() {
		return nil
	}
	_, err := tx.IncrementTreasury(ctx, p.ChamaID, credited)
	return err
}

func createLoan(ctx context.Context, tx *mirror.Store, p *mirror.Proposal, payload *intake.Payload) error {
	principal, err := payload.Decimal("amount")
	if err != nil {
		return err
	}
	rate, err := payload.Decimal("interest_rate")
	if err != nil {
		return err
	}
	term, err := payload.Int("term_months")
	if err != nil {
		return err
	}
	monthly, outstanding, err := LoanTerms(principal, rate, term)
	if err != nil {
		return err
	}
	return tx.CreateLoan(ctx, &mirror.Loan{
		ID:                 uuid.NewString(),
		ChamaID:            p.ChamaID,
		BorrowerID:         p.CreatorID,
		ProposalID:         p.ID,
		Principal:          principal,
		InterestRate:       rate,
		TermMonths:         term,
		MonthlyPayment:     monthly,
		OutstandingBalance: outstanding,
		Status:             mirror.LoanActive,
	})
}

func repayLoan(ctx context.Context, tx *mirror.Store, p *mirror.Proposal, payload *intake.Payload) error {
	amount, err := payload.Decimal("amount")
	if err != nil {
		return err
	}
	loanID := payload.Fields["loan_id"]
	loan, err := tx.GetLoan(ctx, loanID)
	if err != nil {
		return err
	}
	if loan.ChamaID != p.ChamaID {
		return fmt.Errorf("loan %s belongs to another chama", loanID)
	}
	_, err = tx.ApplyRepayment(ctx, &mirror.LoanRepayment{
		ID:         uuid.NewString(),
		LoanID:     loanID,
		ProposalID: p.ID,
		PayerID:    p.CreatorID,
		Amount:     amount,
	})
	return err
}

func admitMember(ctx context.Context, tx *mirror.Store, p *mirror.Proposal, payload *intake.Payload) error {
	role := types.MemberRole(payload.Fields["role"])
	if role == "" {
		role = types.RoleMember
	}
	return tx.AdmitMember(ctx, &mirror.Member{
		ID:            uuid.NewString(),
		ChamaID:       p.ChamaID,
		Name:          payload.Fields["member_name"],
		Role:          role,
		VotingWeight:  1,
		WalletAddress: payload.Fields["wallet_address"],
		Active:        true,
		ProposalID:    &p.ID,
	})
}

func removeMember(ctx context.Context, tx *mirror.Store, p *mirror.Proposal, payload *intake.Payload) error {
	return tx.DeactivateMember(ctx, p.ChamaID, payload.Fields["member_id"])
}

func editConstitution(ctx context.Context, tx *mirror.Store, p *mirror.Proposal, payload *intake.Payload) error {
	return tx.SetConstitution(ctx, p.ChamaID, payload.Fields["constitution_cid"])
}

func noEffect(context.Context, *mirror.Store, *mirror.Proposal, *intake.Payload) error {
	return nil
}
