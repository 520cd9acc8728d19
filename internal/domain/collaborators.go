package domain

import (
	"context"
	"math/big"
)

// BalanceService reports a wallet's balance of a token.
type BalanceService interface {
	GetBalance(ctx context.Context, wallet, token string, chainID int64) (*big.Int, error)
}

// Broadcaster signs an unsigned transaction and submits it to the chain.
type Broadcaster interface {
	SignAndBroadcast(ctx context.Context, tx UnsignedTransaction) (txHash string, err error)
}

// ChainRPC reports the on-chain status of a transaction.
type ChainRPC interface {
	GetTransactionStatus(ctx context.Context, txHash string, chainID int64) (ChainTxStatus, error)
}
