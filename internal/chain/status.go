package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

// StatusReader implements domain.ChainRPC.
type StatusReader struct {
	chains *Registry
}

var _ domain.ChainRPC = (*StatusReader)(nil)

// NewStatusReader creates a StatusReader.
func NewStatusReader(chains *Registry) *StatusReader {
	return &StatusReader{chains: chains}
}

// GetTransactionStatus maps the receipt of txHash onto ChainTxStatus. A
// transaction known to the node without a receipt is pending.
func (s *StatusReader) GetTransactionStatus(ctx context.Context, txHash string, chainID int64) (domain.ChainTxStatus, error) {
	c, err := s.chains.Client(chainID)
	if err != nil {
		return "", err
	}
	hash := common.HexToHash(txHash)

	receipt, err := c.TransactionReceipt(ctx, hash)
	if err == nil {
		if receipt.Status == types.ReceiptStatusSuccessful {
			return domain.ChainTxConfirmed, nil
		}
		return domain.ChainTxReverted, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return "", fmt.Errorf("chain: receipt %s: %w", txHash, err)
	}

	_, _, err = c.TransactionByHash(ctx, hash)
	switch {
	case err == nil:
		return domain.ChainTxPending, nil
	case errors.Is(err, ethereum.NotFound):
		return domain.ChainTxNotFound, nil
	}
	return "", fmt.Errorf("chain: transaction %s: %w", txHash, err)
}
