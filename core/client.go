package core

import (
	"context"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is the node connection the engine needs: governor reads and writes,
// receipts, and log queries. *ethclient.Client satisfies it.
type Client interface {
	bind.ContractCaller
	bind.ContractTransactor

	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	BlockNumber(ctx context.Context) (uint64, error)

	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error)
}

var _ Client = (*ethclient.Client)(nil)

// Dialer opens a fresh node connection for the event follower after its
// subscription drops.
type Dialer func(ctx context.Context) (Client, error)

// Dial returns a Dialer for url.
func Dial(url string) Dialer {
	return func(ctx context.Context) (Client, error) {
		return ethclient.DialContext(ctx, url)
	}
}
