package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/Pindano/chamagov/core/types"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Tally is a proposal's vote totals as reported by proposalVotes.
type Tally struct {
	Against *big.Int
	For     *big.Int
	Abstain *big.Int
}

// Gateway wraps the governor's read calls. One gateway serves every chama;
// bound contracts are cached per governor address.
type Gateway struct {
	caller bind.ContractCaller

	mu        sync.Mutex
	contracts map[common.Address]*bind.BoundContract
}

func NewGateway(caller bind.ContractCaller) *Gateway {
	return &Gateway{
		caller:    caller,
		contracts: make(map[common.Address]*bind.BoundContract),
	}
}

func (g *Gateway) bound(governor common.Address) *bind.BoundContract {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.contracts[governor]
	if !ok {
		c = bind.NewBoundContract(governor, governorABI, g.caller, nil, nil)
		g.contracts[governor] = c
	}
	return c
}

func (g *Gateway) call(ctx context.Context, governor common.Address, method string, args ...any) ([]any, error) {
	var out []any
	if err := g.bound(governor).Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("governor %s %s: %w", governor.Hex(), method, err)
	}
	return out, nil
}

func (g *Gateway) bigResult(ctx context.Context, governor common.Address, method string, args ...any) (*big.Int, error) {
	out, err := g.call(ctx, governor, method, args...)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (g *Gateway) State(ctx context.Context, governor common.Address, id *big.Int) (types.LedgerState, error) {
	out, err := g.call(ctx, governor, "state", id)
	if err != nil {
		return 0, err
	}
	code := *abi.ConvertType(out[0], new(uint8)).(*uint8)
	if code > uint8(types.LedgerExecuted) {
		return 0, fmt.Errorf("governor %s returned unknown state %d", governor.Hex(), code)
	}
	return types.LedgerState(code), nil
}

func (g *Gateway) ProposalVotes(ctx context.Context, governor common.Address, id *big.Int) (Tally, error) {
	out, err := g.call(ctx, governor, "proposalVotes", id)
	if err != nil {
		return Tally{}, err
	}
	return Tally{
		Against: *abi.ConvertType(out[0], new(*big.Int)).(**big.Int),
		For:     *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		Abstain: *abi.ConvertType(out[2], new(*big.Int)).(**big.Int),
	}, nil
}

func (g *Gateway) HasVoted(ctx context.Context, governor common.Address, id *big.Int, account common.Address) (bool, error) {
	out, err := g.call(ctx, governor, "hasVoted", id, account)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// GetVotes returns account's voting power at timepoint (the proposal snapshot).
func (g *Gateway) GetVotes(ctx context.Context, governor, account common.Address, timepoint *big.Int) (*big.Int, error) {
	return g.bigResult(ctx, governor, "getVotes", account, timepoint)
}

func (g *Gateway) ProposalSnapshot(ctx context.Context, governor common.Address, id *big.Int) (*big.Int, error) {
	return g.bigResult(ctx, governor, "proposalSnapshot", id)
}

func (g *Gateway) ProposalDeadline(ctx context.Context, governor common.Address, id *big.Int) (*big.Int, error) {
	return g.bigResult(ctx, governor, "proposalDeadline", id)
}

func (g *Gateway) VotingDelay(ctx context.Context, governor common.Address) (*big.Int, error) {
	return g.bigResult(ctx, governor, "votingDelay")
}

// ParseProposalID parses the decimal on-chain id stored in the mirror.
func ParseProposalID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid on-chain proposal id %q", s)
	}
	return id, nil
}
