package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/Pindano/chamagov/core/types"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Actions are the on-chain calls a proposal executes.
type Actions struct {
	Targets   []common.Address `json:"targets"`
	Values    []*big.Int       `json:"values"`
	Calldatas []hexutil.Bytes  `json:"calldatas"`
}

// DefaultActions is a single zero-value empty call to the governor itself,
// used by proposals whose effects live entirely in the mirror.
func DefaultActions(governor common.Address) Actions {
	return Actions{
		Targets:   []common.Address{governor},
		Values:    []*big.Int{big.NewInt(0)},
		Calldatas: []hexutil.Bytes{{}},
	}
}

func (a Actions) Validate() error {
	if len(a.Targets) == 0 {
		return errors.New("no targets")
	}
	if len(a.Values) != len(a.Targets) || len(a.Calldatas) != len(a.Targets) {
		return fmt.Errorf("targets/values/calldatas length mismatch: %d/%d/%d",
			len(a.Targets), len(a.Values), len(a.Calldatas))
	}
	return nil
}

func (a Actions) calldatas() [][]byte {
	out := make([][]byte, len(a.Calldatas))
	for i, c := range a.Calldatas {
		out[i] = c
	}
	return out
}

func (a Actions) Encode() (string, error) {
	raw, err := json.Marshal(a)
	return string(raw), err
}

func DecodeActions(s string) (Actions, error) {
	var a Actions
	err := json.Unmarshal([]byte(s), &a)
	return a, err
}

// DescriptionHash is the descriptionHash argument execute() expects.
func DescriptionHash(description string) common.Hash {
	return crypto.Keccak256Hash([]byte(description))
}

// PendingTx is the handle of a submitted, unconfirmed transaction.
type PendingTx struct {
	Hash        common.Hash
	Kind        types.CallKind
	Governor    common.Address
	From        common.Address
	SubmittedAt time.Time
}

// Submitter encodes governor writes and submits them without waiting for
// confirmation.
type Submitter struct {
	transactor bind.ContractTransactor
	signer     Signer
	logger     logrus.FieldLogger
}

func NewSubmitter(transactor bind.ContractTransactor, signer Signer, logger logrus.FieldLogger) *Submitter {
	return &Submitter{transactor: transactor, signer: signer, logger: logger}
}

func (s *Submitter) Propose(ctx context.Context, governor, from common.Address, actions Actions, description string) (*PendingTx, error) {
	if err := actions.Validate(); err != nil {
		return nil, types.NewError(types.KindValidation, "propose", err)
	}
	return s.transact(ctx, types.CallCreate, governor, from, "propose",
		actions.Targets, actions.Values, actions.calldatas(), description)
}

func (s *Submitter) CastVote(ctx context.Context, governor, from common.Address, id *big.Int, choice types.VoteChoice) (*PendingTx, error) {
	support, err := choice.Support()
	if err != nil {
		return nil, types.NewError(types.KindValidation, "cast vote", err)
	}
	return s.transact(ctx, types.CallVote, governor, from, "castVote", id, support)
}

func (s *Submitter) Execute(ctx context.Context, governor, from common.Address, actions Actions, description string) (*PendingTx, error) {
	if err := actions.Validate(); err != nil {
		return nil, types.NewError(types.KindValidation, "execute", err)
	}
	return s.transact(ctx, types.CallExecute, governor, from, "execute",
		actions.Targets, actions.Values, actions.calldatas(), DescriptionHash(description))
}

func (s *Submitter) transact(ctx context.Context, kind types.CallKind, governor, from common.Address, method string, args ...any) (*PendingTx, error) {
	op := "submit " + method
	opts, err := s.signer.TransactOpts(ctx, from)
	if err != nil {
		return nil, types.NewError(types.KindSubmissionRejected, op, err)
	}

	contract := bind.NewBoundContract(governor, governorABI, nil, s.transactor, nil)
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		if isRevert(err) {
			return nil, types.NewError(types.KindTransactionReverted, op, err)
		}
		return nil, types.NewError(types.KindSubmissionRejected, op, err)
	}

	pending := &PendingTx{
		Hash:        tx.Hash(),
		Kind:        kind,
		Governor:    governor,
		From:        from,
		SubmittedAt: time.Now(),
	}
	s.logger.WithFields(logrus.Fields{
		"kind":     kind,
		"governor": governor.Hex(),
		"from":     from.Hex(),
		"tx":       pending.Hash.Hex(),
	}).Info("submitted governor transaction")
	return pending, nil
}

// isRevert reports whether a submission failed because the call itself
// reverts, as surfaced by gas estimation.
func isRevert(err error) bool {
	return strings.Contains(err.Error(), "execution reverted")
}
