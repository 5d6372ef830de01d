package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

type ProposalCreated struct {
	ProposalId  *big.Int
	Proposer    common.Address
	Targets     []common.Address
	Values      []*big.Int
	Signatures  []string
	Calldatas   [][]byte
	VoteStart   *big.Int
	VoteEnd     *big.Int
	Description string
	Raw         ethtypes.Log
}

type VoteCast struct {
	Voter      common.Address
	ProposalId *big.Int
	Support    uint8
	Weight     *big.Int
	Reason     string
	Raw        ethtypes.Log
}

type ProposalExecuted struct {
	ProposalId *big.Int
	Raw        ethtypes.Log
}

type ProposalCanceled struct {
	ProposalId *big.Int
	Raw        ethtypes.Log
}

// decoder unpacks logs only; it never performs calls.
var decoder = bind.NewBoundContract(common.Address{}, governorABI, nil, nil, nil)

// EventTopic returns the topic0 hash of a governor event.
func EventTopic(name string) common.Hash {
	return governorABI.Events[name].ID
}

// EventName returns the governor event name of l, or "" if l is not one.
func EventName(l *ethtypes.Log) string {
	if len(l.Topics) == 0 {
		return ""
	}
	ev, err := governorABI.EventByID(l.Topics[0])
	if err != nil {
		return ""
	}
	return ev.Name
}

// FindEvent returns the first log emitted by governor carrying the named
// event, or nil.
func FindEvent(logs []*ethtypes.Log, governor common.Address, name string) *ethtypes.Log {
	topic := EventTopic(name)
	for _, l := range logs {
		if l.Address != governor || len(l.Topics) == 0 {
			continue
		}
		if l.Topics[0] == topic {
			return l
		}
	}
	return nil
}

func unpack(out any, name string, l *ethtypes.Log) error {
	if EventName(l) != name {
		return fmt.Errorf("log %s:%d is not %s", l.TxHash.Hex(), l.Index, name)
	}
	if err := decoder.UnpackLog(out, name, *l); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func DecodeProposalCreated(l *ethtypes.Log) (*ProposalCreated, error) {
	ev := &ProposalCreated{Raw: *l}
	if err := unpack(ev, EventProposalCreated, l); err != nil {
		return nil, err
	}
	return ev, nil
}

func DecodeVoteCast(l *ethtypes.Log) (*VoteCast, error) {
	ev := &VoteCast{Raw: *l}
	if err := unpack(ev, EventVoteCast, l); err != nil {
		return nil, err
	}
	return ev, nil
}

func DecodeProposalExecuted(l *ethtypes.Log) (*ProposalExecuted, error) {
	ev := &ProposalExecuted{Raw: *l}
	if err := unpack(ev, EventProposalExecuted, l); err != nil {
		return nil, err
	}
	return ev, nil
}

func DecodeProposalCanceled(l *ethtypes.Log) (*ProposalCanceled, error) {
	ev := &ProposalCanceled{Raw: *l}
	if err := unpack(ev, EventProposalCanceled, l); err != nil {
		return nil, err
	}
	return ev, nil
}
