package mirror

import (
	"time"

	"github.com/Pindano/chamagov/core/types"
	"github.com/shopspring/decimal"
)

type Chama struct {
	ID              string            `gorm:"column:chama_id;primaryKey;size:36"`
	Name            string            `gorm:"size:128;not null"`
	GovernorAddress string            `gorm:"size:42;index"`
	TokenAddress    string            `gorm:"size:42"`
	ConstitutionCID string            `gorm:"column:constitution_cid;size:128"`
	Status          types.ChamaStatus `gorm:"size:16;not null"`
	TreasuryTotal   decimal.Decimal   `gorm:"type:varchar(40);not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Chama) TableName() string {
	return "chamas"
}

type Member struct {
	ID            string           `gorm:"column:user_id;primaryKey;size:36"`
	ChamaID       string           `gorm:"size:36;not null;index"`
	Name          string           `gorm:"size:128"`
	Role          types.MemberRole `gorm:"size:16;not null"`
	VotingWeight  int64            `gorm:"not null;default:1"`
	WalletAddress string           `gorm:"size:42;index"`
	Active        bool             `gorm:"not null;default:true"`
	// ProposalID is the add-member proposal that admitted the member, if any.
	ProposalID *string `gorm:"size:36;uniqueIndex"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Member) TableName() string {
	return "members"
}

type Proposal struct {
	ID          string             `gorm:"column:proposal_id;primaryKey;size:36"`
	ChamaID     string             `gorm:"size:36;not null;index;uniqueIndex:idx_proposal_onchain,priority:1"`
	CreatorID   string             `gorm:"size:36;not null"`
	Type        types.ProposalType `gorm:"column:proposal_type;size:40;not null"`
	Title       string             `gorm:"size:256;not null"`
	// Description is the exact string passed to propose(); its keccak256 is
	// the descriptionHash execute() needs.
	Description string `gorm:"type:text;not null"`
	ContentID   string `gorm:"column:ipfs_hash;size:128"`
	// Actions is the JSON encoding of ledger.Actions.
	Actions        string    `gorm:"type:text;not null"`
	VotingStart    time.Time `gorm:"not null"`
	VotingEnd      time.Time `gorm:"not null"`
	TxHash         string    `gorm:"column:blockchain_tx_hash;size:66;index"`
	OnChainID      *string   `gorm:"column:on_chain_proposal_id;size:80;uniqueIndex:idx_proposal_onchain,priority:2"`
	VoteStartBlock uint64
	VoteEndBlock   uint64
	VotesFor       string       `gorm:"size:80;not null;default:'0'"`
	VotesAgainst   string       `gorm:"size:80;not null;default:'0'"`
	VotesAbstain   string       `gorm:"size:80;not null;default:'0'"`
	Status         types.Status `gorm:"size:16;not null;index"`
	ExecutedTxHash string       `gorm:"size:66"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Proposal) TableName() string {
	return "proposals"
}

type Vote struct {
	ID          uint             `gorm:"primaryKey" json:"-"`
	ProposalID  string           `gorm:"size:36;not null;uniqueIndex:idx_vote_unique,priority:1" json:"proposal_id"`
	MemberID    string           `gorm:"column:user_id;size:36;not null;uniqueIndex:idx_vote_unique,priority:2" json:"member_id"`
	Choice      types.VoteChoice `gorm:"column:vote_choice;size:8;not null" json:"choice"`
	VotingPower string           `gorm:"size:80;not null" json:"voting_power"`
	TxHash      string           `gorm:"column:on_chain_tx_hash;size:66" json:"tx_hash"`
	CreatedAt   time.Time        `json:"created_at"`
}

func (Vote) TableName() string {
	return "votes"
}

const (
	LoanActive = "active"
	LoanRepaid = "repaid"
)

type Loan struct {
	ID                 string          `gorm:"column:loan_id;primaryKey;size:36"`
	ChamaID            string          `gorm:"size:36;not null;index"`
	BorrowerID         string          `gorm:"size:36;not null;index"`
	ProposalID         string          `gorm:"size:36;not null;uniqueIndex"`
	Principal          decimal.Decimal `gorm:"type:varchar(40);not null"`
	InterestRate       decimal.Decimal `gorm:"type:varchar(40);not null"`
	TermMonths         int             `gorm:"not null"`
	MonthlyPayment     decimal.Decimal `gorm:"type:varchar(40);not null"`
	OutstandingBalance decimal.Decimal `gorm:"type:varchar(40);not null"`
	Status             string          `gorm:"size:16;not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Loan) TableName() string {
	return "loans"
}

type LoanRepayment struct {
	ID           string          `gorm:"column:repayment_id;primaryKey;size:36"`
	LoanID       string          `gorm:"size:36;not null;index"`
	ProposalID   string          `gorm:"size:36;not null;uniqueIndex"`
	PayerID      string          `gorm:"size:36;not null"`
	Amount       decimal.Decimal `gorm:"type:varchar(40);not null"`
	BalanceAfter decimal.Decimal `gorm:"type:varchar(40);not null"`
	CreatedAt    time.Time
}

func (LoanRepayment) TableName() string {
	return "loan_repayments"
}

const (
	ContributionPending  = "pending"
	ContributionVerified = "verified"
)

type Contribution struct {
	ID         string          `gorm:"column:contribution_id;primaryKey;size:64"`
	ChamaID    string          `gorm:"size:36;not null;index"`
	MemberID   string          `gorm:"size:36;not null;index"`
	Amount     decimal.Decimal `gorm:"type:varchar(40);not null"`
	Status     string          `gorm:"size:16;not null"`
	ProposalID *string         `gorm:"size:36;index"`
	VerifiedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Contribution) TableName() string {
	return "contributions"
}

const (
	EffectPending = "pending"
	EffectDone    = "done"
	EffectFailed  = "failed"
)

// EffectRun is the processed marker for a proposal's execution effects. Its
// primary key makes the "executed" transition insert-once.
type EffectRun struct {
	ProposalID string    `gorm:"primaryKey;size:36" json:"proposal_id"`
	Status     string    `gorm:"size:16;not null;index" json:"status"`
	Attempts   int       `gorm:"not null;default:0" json:"attempts"`
	LastError  string    `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (EffectRun) TableName() string {
	return "effect_runs"
}

const (
	IssueEventNotFound    = "event-not-found"
	IssueConflictingWrite = "conflicting-write"
	IssueUnknownProposal  = "unknown-proposal"
	IssueApplyFailed      = "apply-failed"
)

// ReconcileIssue is an entry awaiting manual reconciliation.
type ReconcileIssue struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Kind       string    `gorm:"size:32;not null;uniqueIndex:idx_issue_unique,priority:1" json:"kind"`
	ProposalID string    `gorm:"size:36;uniqueIndex:idx_issue_unique,priority:2" json:"proposal_id,omitempty"`
	TxHash     string    `gorm:"size:66;uniqueIndex:idx_issue_unique,priority:3" json:"tx_hash,omitempty"`
	Detail     string    `gorm:"type:text" json:"detail"`
	Resolved   bool      `gorm:"not null;default:false" json:"resolved"`
	CreatedAt  time.Time `json:"created_at"`
}

func (ReconcileIssue) TableName() string {
	return "reconcile_issues"
}

// MigrateModels is the list of tables created on Open.
var MigrateModels = []any{
	&Chama{},
	&Member{},
	&Proposal{},
	&Vote{},
	&Loan{},
	&LoanRepayment{},
	&Contribution{},
	&EffectRun{},
	&ReconcileIssue{},
}
