// Package ledgertest provides an in-memory governor that answers the
// engine's reads, accepts signed writes and mines them into receipts with
// the events a real governor emits.
package ledgertest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Pindano/chamagov/core/ledger"
	"github.com/Pindano/chamagov/core/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ChainID = big.NewInt(1337)

type proposal struct {
	state    types.LedgerState
	snapshot *big.Int
	deadline *big.Int
	voted    map[common.Address]bool
	tally    ledger.Tally
}

// Chain is safe for concurrent use.
type Chain struct {
	mu sync.Mutex

	block     uint64
	nonces    map[common.Address]uint64
	receipts  map[common.Hash]*ethtypes.Receipt
	held      map[common.Hash]*ethtypes.Receipt
	proposals map[string]*proposal
	power     map[common.Address]*big.Int
	reads     []string
	logs      []ethtypes.Log
	subs      []*subscription

	// Hold keeps newly sent transactions pending until Release.
	Hold bool
	// Revert mines the next sent transaction with failure status.
	Revert bool
	// OmitEvents mines transactions without logs.
	OmitEvents bool
	// InitialState is the state of newly created proposals.
	InitialState types.LedgerState
	VotingDelay  *big.Int
	VotingPeriod *big.Int
}

func New() *Chain {
	return &Chain{
		block:        100,
		nonces:       make(map[common.Address]uint64),
		receipts:     make(map[common.Hash]*ethtypes.Receipt),
		held:         make(map[common.Hash]*ethtypes.Receipt),
		proposals:    make(map[string]*proposal),
		power:        make(map[common.Address]*big.Int),
		InitialState: types.LedgerActive,
		VotingDelay:  big.NewInt(1),
		VotingPeriod: big.NewInt(50),
	}
}

// NewAccount creates a key and gives its address voting power.
func (c *Chain) NewAccount(power int64) (*ecdsa.PrivateKey, common.Address) {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	c.SetPower(addr, big.NewInt(power))
	return key, addr
}

func (c *Chain) SetPower(account common.Address, power *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.power[account] = power
}

func (c *Chain) SetState(id *big.Int, state types.LedgerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proposal(id).state = state
}

func (c *Chain) State(id *big.Int) types.LedgerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proposal(id).state
}

// Reads returns the governor read methods called so far.
func (c *Chain) Reads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reads...)
}

// Release mines every held transaction.
func (c *Chain) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h, r := range c.held {
		c.mine(r)
		delete(c.held, h)
	}
}

// mine makes r visible and publishes its logs to filters and subscribers.
func (c *Chain) mine(r *ethtypes.Receipt) {
	c.receipts[r.TxHash] = r
	for _, l := range r.Logs {
		c.publish(*l)
	}
}

func (c *Chain) publish(l ethtypes.Log) {
	c.logs = append(c.logs, l)
	live := c.subs[:0]
	for _, sub := range c.subs {
		if sub.closed() {
			continue
		}
		if matches(sub.q, l) {
			sub.ch <- l
		}
		live = append(live, sub)
	}
	c.subs = live
}

// Emit publishes a log as if another party's transaction had been mined.
func (c *Chain) Emit(l ethtypes.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block++
	l.BlockNumber = c.block
	c.publish(l)
}

// DropSubscriptions fails every live log subscription.
func (c *Chain) DropSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		sub.fail(errors.New("connection lost"))
	}
	c.subs = nil
}

// Subscriptions returns the number of live log subscriptions.
func (c *Chain) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sub := range c.subs {
		if !sub.closed() {
			n++
		}
	}
	return n
}

func matches(q ethereum.FilterQuery, l ethtypes.Log) bool {
	if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
		return false
	}
	if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
		return false
	}
	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, options := range q.Topics {
		if len(options) == 0 {
			continue
		}
		if i >= len(l.Topics) {
			return false
		}
		found := false
		for _, t := range options {
			if t == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FilterLogs implements ethereum.LogFilterer over mined logs.
func (c *Chain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ethtypes.Log
	for _, l := range c.logs {
		if matches(q, l) {
			out = append(out, l)
		}
	}
	return out, nil
}

// SubscribeFilterLogs implements ethereum.LogFilterer. Logs are delivered
// synchronously, so ch needs room for every log a test mines.
func (c *Chain) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &subscription{q: q, ch: ch, errc: make(chan error, 1), done: make(chan struct{})}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// BlockNumber returns the current head.
func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block, nil
}

type subscription struct {
	q    ethereum.FilterQuery
	ch   chan<- ethtypes.Log
	errc chan error
	once sync.Once
	done chan struct{}
}

func (s *subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) fail(err error) {
	s.once.Do(func() {
		s.errc <- err
		close(s.done)
	})
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		close(s.errc)
	})
}

func (s *subscription) Err() <-chan error {
	return s.errc
}

// Receipt returns the mined receipt of hash, if any.
func (c *Chain) Receipt(hash common.Hash) *ethtypes.Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[hash]
}

func (c *Chain) proposal(id *big.Int) *proposal {
	p, ok := c.proposals[id.String()]
	if !ok {
		p = &proposal{
			state:    c.InitialState,
			snapshot: big.NewInt(0),
			deadline: big.NewInt(0),
			voted:    make(map[common.Address]bool),
			tally:    ledger.Tally{Against: big.NewInt(0), For: big.NewInt(0), Abstain: big.NewInt(0)},
		}
		c.proposals[id.String()] = p
	}
	return p
}

// HashProposal mirrors the governor's proposal id derivation.
func HashProposal(targets []common.Address, values []*big.Int, calldatas [][]byte, descriptionHash common.Hash) *big.Int {
	addrs, _ := abi.NewType("address[]", "", nil)
	uints, _ := abi.NewType("uint256[]", "", nil)
	bytesArr, _ := abi.NewType("bytes[]", "", nil)
	b32, _ := abi.NewType("bytes32", "", nil)
	args := abi.Arguments{{Type: addrs}, {Type: uints}, {Type: bytesArr}, {Type: b32}}
	packed, err := args.Pack(targets, values, calldatas, [32]byte(descriptionHash))
	if err != nil {
		panic(err)
	}
	return new(big.Int).SetBytes(crypto.Keccak256(packed))
}

// CodeAt implements bind.ContractCaller.
func (c *Chain) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

// CallContract implements bind.ContractCaller for the governor reads.
func (c *Chain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	gov := ledger.ABI()
	if len(call.Data) < 4 {
		return nil, errors.New("short calldata")
	}
	method, err := gov.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, method.Name)

	switch method.Name {
	case "state":
		return method.Outputs.Pack(uint8(c.proposal(args[0].(*big.Int)).state))
	case "proposalVotes":
		t := c.proposal(args[0].(*big.Int)).tally
		return method.Outputs.Pack(t.Against, t.For, t.Abstain)
	case "hasVoted":
		return method.Outputs.Pack(c.proposal(args[0].(*big.Int)).voted[args[1].(common.Address)])
	case "getVotes":
		p, ok := c.power[args[0].(common.Address)]
		if !ok {
			p = big.NewInt(0)
		}
		return method.Outputs.Pack(p)
	case "proposalSnapshot":
		return method.Outputs.Pack(c.proposal(args[0].(*big.Int)).snapshot)
	case "proposalDeadline":
		return method.Outputs.Pack(c.proposal(args[0].(*big.Int)).deadline)
	case "votingDelay":
		return method.Outputs.Pack(c.VotingDelay)
	}
	return nil, fmt.Errorf("unsupported read %s", method.Name)
}

func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ethtypes.Header{Number: new(big.Int).SetUint64(c.block), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (c *Chain) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (c *Chain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *Chain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (c *Chain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *Chain) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 200_000, nil
}

// SendTransaction implements bind.ContractTransactor. The transaction is
// applied immediately and its receipt is available unless Hold is set.
func (c *Chain) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return err
	}
	gov := ledger.ABI()
	method, err := gov.MethodById(tx.Data()[:4])
	if err != nil {
		return err
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[from]++
	c.block++

	receipt := &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(c.block),
	}
	if c.Revert {
		c.Revert = false
		receipt.Status = ethtypes.ReceiptStatusFailed
	} else {
		l, err := c.apply(*tx.To(), from, method.Name, args)
		if err != nil {
			return err
		}
		if !c.OmitEvents {
			l.TxHash = tx.Hash()
			l.BlockNumber = c.block
			receipt.Logs = []*ethtypes.Log{l}
		}
	}

	if c.Hold {
		c.held[tx.Hash()] = receipt
	} else {
		c.mine(receipt)
	}
	return nil
}

func (c *Chain) apply(governor, from common.Address, method string, args []any) (*ethtypes.Log, error) {
	gov := ledger.ABI()
	switch method {
	case "propose":
		targets := args[0].([]common.Address)
		values := args[1].([]*big.Int)
		calldatas := args[2].([][]byte)
		description := args[3].(string)
		id := HashProposal(targets, values, calldatas, ledger.DescriptionHash(description))
		p := c.proposal(id)
		p.snapshot = new(big.Int).Add(new(big.Int).SetUint64(c.block), c.VotingDelay)
		p.deadline = new(big.Int).Add(p.snapshot, c.VotingPeriod)
		data, err := gov.Events[ledger.EventProposalCreated].Inputs.NonIndexed().Pack(
			id, from, targets, values, make([]string, len(targets)), calldatas,
			p.snapshot, p.deadline, description)
		if err != nil {
			return nil, err
		}
		return &ethtypes.Log{
			Address: governor,
			Topics:  []common.Hash{ledger.EventTopic(ledger.EventProposalCreated)},
			Data:    data,
		}, nil
	case "castVote":
		id := args[0].(*big.Int)
		support := args[1].(uint8)
		p := c.proposal(id)
		weight, ok := c.power[from]
		if !ok {
			weight = big.NewInt(0)
		}
		p.voted[from] = true
		switch support {
		case 0:
			p.tally.Against = new(big.Int).Add(p.tally.Against, weight)
		case 1:
			p.tally.For = new(big.Int).Add(p.tally.For, weight)
		default:
			p.tally.Abstain = new(big.Int).Add(p.tally.Abstain, weight)
		}
		data, err := gov.Events[ledger.EventVoteCast].Inputs.NonIndexed().Pack(id, support, weight, "")
		if err != nil {
			return nil, err
		}
		return &ethtypes.Log{
			Address: governor,
			Topics:  []common.Hash{ledger.EventTopic(ledger.EventVoteCast), common.BytesToHash(from.Bytes())},
			Data:    data,
		}, nil
	case "execute":
		id := HashProposal(args[0].([]common.Address), args[1].([]*big.Int), args[2].([][]byte), common.Hash(args[3].([32]byte)))
		c.proposal(id).state = types.LedgerExecuted
		data, err := gov.Events[ledger.EventProposalExecuted].Inputs.NonIndexed().Pack(id)
		if err != nil {
			return nil, err
		}
		return &ethtypes.Log{
			Address: governor,
			Topics:  []common.Hash{ledger.EventTopic(ledger.EventProposalExecuted)},
			Data:    data,
		}, nil
	}
	return nil, fmt.Errorf("unsupported write %s", method)
}

// TransactionReceipt implements ledger.ReceiptReader.
func (c *Chain) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}
