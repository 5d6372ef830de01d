package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindBlobStore
	KindSubmissionRejected
	KindTransactionReverted
	KindConfirmationTimeout
	KindEventNotFound
	KindConflictingWrite
	KindEffectHandler
	KindNotYetConfirmed
	KindWrongState
	KindAlreadyVoted
	KindNoVotingPower
	KindNotFound
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindValidation:          "validation",
	KindBlobStore:           "blob store",
	KindSubmissionRejected:  "submission rejected",
	KindTransactionReverted: "transaction reverted",
	KindConfirmationTimeout: "confirmation timeout",
	KindEventNotFound:       "event not found",
	KindConflictingWrite:    "conflicting write",
	KindEffectHandler:       "effect handler",
	KindNotYetConfirmed:     "not yet confirmed",
	KindWrongState:          "wrong state",
	KindAlreadyVoted:        "already voted",
	KindNoVotingPower:       "no voting power",
	KindNotFound:            "not found",
}

func (k Kind) String() string {
	return kindNames[k]
}

// Error is the engine's typed error. Kind decides how callers react: which
// errors reach the user and which are retried or queued.
type Error struct {
	Kind Kind
	Op   string
	// TxHash is set for errors tied to a submitted transaction.
	TxHash string
	// Fields holds field-level messages for validation errors.
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.TxHash != "" {
		fmt.Fprintf(&b, " (tx %s)", e.TxHash)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+e.Fields[k])
		}
		b.WriteString(" [" + strings.Join(parts, "; ") + "]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrAlreadyVoted)
// works on wrapped instances carrying extra context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrBlobStore           = &Error{Kind: KindBlobStore}
	ErrSubmissionRejected  = &Error{Kind: KindSubmissionRejected}
	ErrTransactionReverted = &Error{Kind: KindTransactionReverted}
	ErrConfirmationTimeout = &Error{Kind: KindConfirmationTimeout}
	ErrEventNotFound       = &Error{Kind: KindEventNotFound}
	ErrConflictingWrite    = &Error{Kind: KindConflictingWrite}
	ErrEffectHandler       = &Error{Kind: KindEffectHandler}
	ErrNotYetConfirmed     = &Error{Kind: KindNotYetConfirmed}
	ErrWrongState          = &Error{Kind: KindWrongState}
	ErrAlreadyVoted        = &Error{Kind: KindAlreadyVoted}
	ErrNoVotingPower       = &Error{Kind: KindNoVotingPower}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NewValidationError(op string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Op: op, Fields: fields}
}

func NewTxError(kind Kind, op, txHash string, err error) *Error {
	return &Error{Kind: kind, Op: op, TxHash: txHash, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the engine retries err itself instead of
// surfacing it to the initiating caller.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConfirmationTimeout, KindBlobStore, KindEffectHandler:
		return true
	}
	return false
}

// WrongStateReason distinguishes the sub-cases of a vote against a proposal
// that is not Active.
type WrongStateReason string

const (
	NotStarted WrongStateReason = "not-started"
	Ended      WrongStateReason = "ended"
)

// WrongStateError carries the ledger state a vote was rejected in.
type WrongStateError struct {
	State  LedgerState
	Reason WrongStateReason
	// OpensAtBlock is set when Reason is NotStarted.
	OpensAtBlock uint64
}

func (e *WrongStateError) Error() string {
	if e.Reason == NotStarted {
		return fmt.Sprintf("voting not started yet, opens at block %d", e.OpensAtBlock)
	}
	return fmt.Sprintf("voting already ended, proposal is %s", e.State)
}
