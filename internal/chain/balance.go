package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

const erc20BalanceABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc20 = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20BalanceABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// BalanceReader implements domain.BalanceService against chain RPCs.
type BalanceReader struct {
	chains *Registry
}

var _ domain.BalanceService = (*BalanceReader)(nil)

// NewBalanceReader creates a BalanceReader.
func NewBalanceReader(chains *Registry) *BalanceReader {
	return &BalanceReader{chains: chains}
}

// GetBalance returns wallet's latest balance of token. The native
// placeholder address reads the account balance.
func (b *BalanceReader) GetBalance(ctx context.Context, wallet, token string, chainID int64) (*big.Int, error) {
	c, err := b.chains.Client(chainID)
	if err != nil {
		return nil, err
	}
	owner := common.HexToAddress(wallet)

	if strings.EqualFold(token, domain.NativeToken) {
		bal, err := c.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, fmt.Errorf("chain: native balance of %s: %w", owner.Hex(), err)
		}
		return bal, nil
	}

	data, err := erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("chain: pack balanceOf: %w", err)
	}
	contract := common.HexToAddress(token)
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balanceOf %s on %s: %w", owner.Hex(), contract.Hex(), err)
	}
	vals, err := erc20.Unpack("balanceOf", out)
	if err != nil || len(vals) != 1 {
		return nil, fmt.Errorf("chain: decode balanceOf from %s: %w", contract.Hex(), err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: balanceOf from %s returned %T", contract.Hex(), vals[0])
	}
	return bal, nil
}
