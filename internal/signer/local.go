package signer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/dexswap/internal/chain"
	"github.com/alanyoungcy/dexswap/internal/crypto"
	"github.com/alanyoungcy/dexswap/internal/domain"
)

// Local signs with a key held in process memory and submits through the
// chain registry. It only signs for its own address.
type Local struct {
	chains *chain.Registry
	signer *crypto.TxSigner
	logger *slog.Logger
}

var _ domain.Broadcaster = (*Local)(nil)

// NewLocal creates a Local signer.
func NewLocal(chains *chain.Registry, signer *crypto.TxSigner, logger *slog.Logger) *Local {
	return &Local{
		chains: chains,
		signer: signer,
		logger: logger.With(slog.String("component", "signer_local")),
	}
}

// SignAndBroadcast fills nonce, gas and gas price when the aggregator left
// them empty, signs, and submits. Everything up to SendTransaction wraps
// domain.ErrNotBroadcast.
func (l *Local) SignAndBroadcast(ctx context.Context, utx domain.UnsignedTransaction) (string, error) {
	notSent := func(op string, err error) error {
		return fmt.Errorf("signer: %s: %w: %w", op, domain.ErrNotBroadcast, err)
	}

	from := l.signer.Address()
	if !strings.EqualFold(utx.From, from.Hex()) {
		return "", notSent("sender", fmt.Errorf("transaction from %s, signer holds %s", utx.From, from.Hex()))
	}
	c, err := l.chains.Client(utx.ChainID)
	if err != nil {
		return "", notSent("chain", err)
	}
	data, err := hexutil.Decode(normalizeHex(utx.Data))
	if err != nil {
		return "", notSent("calldata", err)
	}
	to := common.HexToAddress(utx.To)
	value := utx.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := c.PendingNonceAt(ctx, from)
	if err != nil {
		return "", notSent("nonce", err)
	}
	gasPrice := utx.GasPrice
	if gasPrice == nil {
		if gasPrice, err = c.SuggestGasPrice(ctx); err != nil {
			return "", notSent("gas price", err)
		}
	}
	gas := utx.Gas
	if gas == 0 {
		gas, err = c.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
		if err != nil {
			return "", notSent("estimate gas", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := l.signer.SignTx(tx, big.NewInt(utx.ChainID))
	if err != nil {
		return "", notSent("sign", err)
	}
	if err := c.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("signer: send: %w: %w", domain.ErrBroadcastFailed, err)
	}

	hash := signed.Hash().Hex()
	l.logger.InfoContext(ctx, "transaction broadcast",
		slog.String("tx_hash", hash),
		slog.Uint64("nonce", nonce),
		slog.Int64("chain_id", utx.ChainID),
	)
	return hash, nil
}

func normalizeHex(s string) string {
	if s == "" {
		return "0x"
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return "0x" + s
	}
	return s
}
