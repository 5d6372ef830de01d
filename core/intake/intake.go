package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Pindano/chamagov/core/blobstore"
	"github.com/Pindano/chamagov/core/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	DateLayout     = "2006-01-02"
	PayloadVersion = 1
)

// Template is a proposal as submitted by a member: a type plus the raw form
// fields that type requires.
type Template struct {
	Type        types.ProposalType `json:"type"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Fields      map[string]string  `json:"fields"`
}

// Entry is one contribution confirmed by a contribution-reconciliation.
type Entry struct {
	ContributionID string          `json:"contribution_id"`
	MemberID       string          `json:"member_id"`
	Amount         decimal.Decimal `json:"amount"`
}

// Payload is the metadata blob stored for a proposal. Field values are
// normalized, so equal proposals canonicalize to equal blobs.
type Payload struct {
	Version     int                `json:"version"`
	ProposalID  string             `json:"proposal_id"`
	ChamaID     string             `json:"chama_id"`
	CreatorID   string             `json:"creator_id"`
	Type        types.ProposalType `json:"type"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Fields      map[string]string  `json:"fields,omitempty"`
	Entries     []Entry            `json:"entries,omitempty"`
}

// Decimal parses a normalized decimal field.
func (p *Payload) Decimal(name string) (decimal.Decimal, error) {
	raw, ok := p.Fields[name]
	if !ok {
		return decimal.Zero, fmt.Errorf("payload has no %s", name)
	}
	return decimal.NewFromString(raw)
}

func (p *Payload) Int(name string) (int, error) {
	raw, ok := p.Fields[name]
	if !ok {
		return 0, fmt.Errorf("payload has no %s", name)
	}
	return strconv.Atoi(raw)
}

// LedgerDescription is the description string passed to propose(). It binds
// the on-chain proposal to its metadata blob.
func LedgerDescription(title, cid string) string {
	return fmt.Sprintf("# %s\n\nipfs://%s", title, cid)
}

type Validator struct {
	blobs  blobstore.Store
	logger logrus.FieldLogger
}

func New(blobs blobstore.Store, logger logrus.FieldLogger) *Validator {
	return &Validator{blobs: blobs, logger: logger}
}

// Build validates t and assembles its payload. It does no IO.
func (v *Validator) Build(proposalID, chamaID, creatorID string, t Template) (*Payload, error) {
	errs := fieldErrors{}

	title := strings.TrimSpace(t.Title)
	description := strings.TrimSpace(t.Description)
	if title == "" {
		errs.add("title", "is required")
	}
	if description == "" {
		errs.add("description", "is required")
	}

	rules, ok := rulesByType[t.Type]
	if !ok {
		errs.add("type", fmt.Sprintf("unknown proposal type %q", t.Type))
		return nil, errs.err()
	}

	p := &Payload{
		Version:     PayloadVersion,
		ProposalID:  proposalID,
		ChamaID:     chamaID,
		CreatorID:   creatorID,
		Type:        t.Type,
		Title:       title,
		Description: description,
		Fields:      map[string]string{},
	}
	for _, r := range rules {
		raw := strings.TrimSpace(t.Fields[r.name])
		if raw == "" {
			if !r.optional {
				errs.add(r.name, "is required")
			}
			continue
		}
		if err := r.check(raw, p); err != nil {
			errs.add(r.name, err.Error())
		}
	}
	if check, ok := crossChecks[t.Type]; ok && len(errs) == 0 {
		for field, msg := range check(p) {
			errs.add(field, msg)
		}
	}

	if err := errs.err(); err != nil {
		return nil, err
	}
	if len(p.Fields) == 0 {
		p.Fields = nil
	}
	return p, nil
}

// Store puts p into the blob store and returns its content id.
func (v *Validator) Store(ctx context.Context, p *Payload) (string, error) {
	cid, err := v.blobs.Put(ctx, p)
	if err != nil {
		return "", err
	}
	v.logger.WithFields(logrus.Fields{
		"proposal": p.ProposalID,
		"type":     p.Type,
		"cid":      cid,
	}).Info("stored proposal metadata")
	return cid, nil
}

// Intake validates t and stores its payload.
func (v *Validator) Intake(ctx context.Context, proposalID, chamaID, creatorID string, t Template) (*Payload, string, error) {
	p, err := v.Build(proposalID, chamaID, creatorID, t)
	if err != nil {
		return nil, "", err
	}
	cid, err := v.Store(ctx, p)
	if err != nil {
		return nil, "", err
	}
	return p, cid, nil
}

// Load fetches the payload stored under cid.
func Load(ctx context.Context, blobs blobstore.Store, cid string) (*Payload, error) {
	var p Payload
	if err := blobs.Get(ctx, cid, &p); err != nil {
		return nil, err
	}
	if p.Version != PayloadVersion {
		return nil, fmt.Errorf("payload %s has version %d", cid, p.Version)
	}
	return &p, nil
}

type fieldErrors map[string]string

func (e fieldErrors) add(field, msg string) {
	if _, ok := e[field]; !ok {
		e[field] = msg
	}
}

func (e fieldErrors) err() error {
	if len(e) == 0 {
		return nil
	}
	return types.NewValidationError("intake", e)
}

type rule struct {
	name     string
	optional bool
	// check validates raw and stores its normalized form in p.
	check func(raw string, p *Payload) error
}

func field(name string, check func(name, raw string, p *Payload) error) rule {
	return rule{name: name, check: func(raw string, p *Payload) error { return check(name, raw, p) }}
}

func optional(r rule) rule {
	r.optional = true
	return r
}

func text(name, raw string, p *Payload) error {
	p.Fields[name] = raw
	return nil
}

func address(name, raw string, p *Payload) error {
	if !common.IsHexAddress(raw) {
		return fmt.Errorf("%q is not a hex address", raw)
	}
	p.Fields[name] = common.HexToAddress(raw).Hex()
	return nil
}

func positiveAmount(name, raw string, p *Payload) error {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%q is not a number", raw)
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be greater than 0")
	}
	p.Fields[name] = d.String()
	return nil
}

func nonNegativeRate(name, raw string, p *Payload) error {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%q is not a number", raw)
	}
	if d.IsNegative() {
		return fmt.Errorf("must not be negative")
	}
	p.Fields[name] = d.String()
	return nil
}

func positiveInt(name, raw string, p *Payload) error {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%q is not a whole number", raw)
	}
	if n <= 0 {
		return fmt.Errorf("must be greater than 0")
	}
	p.Fields[name] = strconv.Itoa(n)
	return nil
}

func date(name, raw string, p *Payload) error {
	d, err := time.Parse(DateLayout, raw)
	if err != nil {
		return fmt.Errorf("%q is not a date (YYYY-MM-DD)", raw)
	}
	p.Fields[name] = d.Format(DateLayout)
	return nil
}

func role(name, raw string, p *Payload) error {
	switch types.MemberRole(raw) {
	case types.RoleAdmin, types.RoleMember:
		p.Fields[name] = raw
		return nil
	}
	return fmt.Errorf("%q is not a member role", raw)
}

func entries(name, raw string, p *Payload) error {
	var in []struct {
		ContributionID string          `json:"contribution_id"`
		MemberID       string          `json:"member_id"`
		Amount         decimal.Decimal `json:"amount"`
	}
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return fmt.Errorf("must be a JSON array of entries: %v", err)
	}
	if len(in) == 0 {
		return fmt.Errorf("must contain at least one entry")
	}
	seen := make(map[string]bool, len(in))
	for i, e := range in {
		if strings.TrimSpace(e.ContributionID) == "" || strings.TrimSpace(e.MemberID) == "" {
			return fmt.Errorf("entry %d needs contribution_id and member_id", i)
		}
		if !e.Amount.IsPositive() {
			return fmt.Errorf("entry %d amount must be greater than 0", i)
		}
		if seen[e.ContributionID] {
			return fmt.Errorf("entry %d repeats contribution %s", i, e.ContributionID)
		}
		seen[e.ContributionID] = true
		p.Entries = append(p.Entries, Entry{
			ContributionID: e.ContributionID,
			MemberID:       e.MemberID,
			Amount:         e.Amount,
		})
	}
	return nil
}

var rulesByType = map[types.ProposalType][]rule{
	types.AddMember: {
		field("member_name", text),
		field("wallet_address", address),
		optional(field("role", role)),
	},
	types.RemoveMember: {
		field("member_id", text),
		field("reason", text),
	},
	types.LoanRequest: {
		field("amount", positiveAmount),
		field("interest_rate", nonNegativeRate),
		field("term_months", positiveInt),
		field("purpose", text),
	},
	types.ConstitutionEdit: {
		field("constitution_cid", text),
		field("summary", text),
	},
	types.ContributionReconciliation: {
		field("period_start", date),
		field("period_end", date),
		field("entries", entries),
	},
	types.LoanRepayment: {
		field("loan_id", text),
		field("amount", positiveAmount),
	},
	types.Generic: {},
}

var crossChecks = map[types.ProposalType]func(p *Payload) map[string]string{
	types.ContributionReconciliation: func(p *Payload) map[string]string {
		if p.Fields["period_start"] > p.Fields["period_end"] {
			return map[string]string{"period_end": "must not be before period_start"}
		}
		return nil
	},
}

func init() {
	for _, t := range types.ProposalTypes {
		if _, ok := rulesByType[t]; !ok {
			panic(fmt.Sprintf("intake: no field rules for proposal type %s", t))
		}
	}
}
