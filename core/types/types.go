package types

import "fmt"

type ProposalType string

const (
	AddMember                  ProposalType = "add-member"
	RemoveMember               ProposalType = "remove-member"
	LoanRequest                ProposalType = "loan-request"
	ConstitutionEdit           ProposalType = "constitution-edit"
	ContributionReconciliation ProposalType = "contribution-reconciliation"
	LoanRepayment              ProposalType = "loan-repayment"
	Generic                    ProposalType = "generic"
)

// ProposalTypes lists every proposal type. Dispatch tables keyed by
// ProposalType are checked against it for exhaustiveness.
var ProposalTypes = []ProposalType{
	AddMember,
	RemoveMember,
	LoanRequest,
	ConstitutionEdit,
	ContributionReconciliation,
	LoanRepayment,
	Generic,
}

func ParseProposalType(s string) (ProposalType, error) {
	for _, t := range ProposalTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown proposal type %q", s)
}

type VoteChoice string

const (
	VoteFor     VoteChoice = "for"
	VoteAgainst VoteChoice = "against"
	VoteAbstain VoteChoice = "abstain"
)

// Support returns the governor support code: 0 against, 1 for, 2 abstain.
func (c VoteChoice) Support() (uint8, error) {
	switch c {
	case VoteAgainst:
		return 0, nil
	case VoteFor:
		return 1, nil
	case VoteAbstain:
		return 2, nil
	}
	return 0, fmt.Errorf("unknown vote choice %q", string(c))
}

func ChoiceFromSupport(support uint8) (VoteChoice, error) {
	switch support {
	case 0:
		return VoteAgainst, nil
	case 1:
		return VoteFor, nil
	case 2:
		return VoteAbstain, nil
	}
	return "", fmt.Errorf("unknown support code %d", support)
}

// LedgerState is the governor's enumerated proposal state.
type LedgerState uint8

const (
	LedgerPending LedgerState = iota
	LedgerActive
	LedgerCanceled
	LedgerDefeated
	LedgerSucceeded
	LedgerQueued
	LedgerExpired
	LedgerExecuted
)

func (s LedgerState) String() string {
	if st, ok := ledgerStatus[s]; ok {
		return string(st)
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Status is the unified lifecycle status served by read paths and stored
// in the mirror's proposals.status column.
type Status string

const (
	// Mirror-only statuses, used before an on-chain id exists.
	StatusSubmitting Status = "submitting"
	StatusConfirming Status = "confirming"
	StatusFailed     Status = "failed"
	StatusReverted   Status = "reverted"

	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCanceled  Status = "canceled"
	StatusDefeated  Status = "defeated"
	StatusSucceeded Status = "succeeded"
	StatusQueued    Status = "queued"
	StatusExpired   Status = "expired"
	StatusExecuted  Status = "executed"
)

var ledgerStatus = map[LedgerState]Status{
	LedgerPending:   StatusPending,
	LedgerActive:    StatusActive,
	LedgerCanceled:  StatusCanceled,
	LedgerDefeated:  StatusDefeated,
	LedgerSucceeded: StatusSucceeded,
	LedgerQueued:    StatusQueued,
	LedgerExpired:   StatusExpired,
	LedgerExecuted:  StatusExecuted,
}

// StatusFromLedger maps a governor state code to the unified status.
func StatusFromLedger(code uint8) (Status, error) {
	st, ok := ledgerStatus[LedgerState(code)]
	if !ok {
		return "", fmt.Errorf("unknown ledger state %d", code)
	}
	return st, nil
}

// Terminal reports whether no further ledger transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCanceled, StatusDefeated, StatusExpired, StatusExecuted, StatusFailed, StatusReverted:
		return true
	}
	return false
}

type ChamaStatus string

const (
	ChamaDraft     ChamaStatus = "draft"
	ChamaPublished ChamaStatus = "published"
)

type MemberRole string

const (
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// CallKind identifies which governor write a pending transaction carries.
type CallKind string

const (
	CallCreate  CallKind = "create"
	CallVote    CallKind = "vote"
	CallExecute CallKind = "execute"
)
