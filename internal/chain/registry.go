// Package chain reads balances and transaction status from EVM chains over
// JSON-RPC.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

// EthClient is the subset of *ethclient.Client the service uses.
type EthClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var _ EthClient = (*ethclient.Client)(nil)

// Endpoint names one chain's RPC.
type Endpoint struct {
	ChainID int64
	Name    string
	RPCURL  string
}

// Registry maps chain ids to RPC clients.
type Registry struct {
	clients map[int64]EthClient
	closers []func()
}

// NewRegistry wraps already-built clients.
func NewRegistry(clients map[int64]EthClient) *Registry {
	return &Registry{clients: clients}
}

// Dial connects to every endpoint and checks that each RPC serves the chain
// it is configured for.
func Dial(ctx context.Context, endpoints []Endpoint) (*Registry, error) {
	r := &Registry{clients: make(map[int64]EthClient, len(endpoints))}
	for _, ep := range endpoints {
		c, err := ethclient.DialContext(ctx, ep.RPCURL)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("chain: dial %s: %w", ep.Name, err)
		}
		r.closers = append(r.closers, c.Close)

		id, err := c.ChainID(ctx)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("chain: %s chain id: %w", ep.Name, err)
		}
		if id.Int64() != ep.ChainID {
			r.Close()
			return nil, fmt.Errorf("chain: %s serves chain %s, configured as %d", ep.Name, id, ep.ChainID)
		}
		r.clients[ep.ChainID] = c
	}
	return r, nil
}

// Client returns the RPC client for chainID.
func (r *Registry) Client(chainID int64) (EthClient, error) {
	c, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("chain: %d: %w", chainID, domain.ErrInvalidRequest)
	}
	return c, nil
}

// Close releases dialled connections.
func (r *Registry) Close() {
	for _, c := range r.closers {
		c()
	}
	r.closers = nil
}
