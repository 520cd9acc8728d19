package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Side indicates which amount of a swap is fixed by the caller.
type Side string

const (
	SideSell Side = "sell" // exact input: SellAmount is fixed
	SideBuy  Side = "buy"  // exact output: BuyAmount is fixed
)

// NativeToken is the conventional placeholder address for a chain's native asset.
const NativeToken = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"

// MaxSlippageTolerancePercent bounds what a caller may request at all.
const MaxSlippageTolerancePercent = 50.0

// QuoteRequest describes a swap the caller wants priced. Exactly one of
// SellAmount and BuyAmount is set. Values are treated as immutable once
// Normalize has been called.
type QuoteRequest struct {
	SellToken                string   `json:"sellToken"`
	BuyToken                 string   `json:"buyToken"`
	SellAmount               *big.Int `json:"sellAmount,omitempty"`
	BuyAmount                *big.Int `json:"buyAmount,omitempty"`
	ChainID                  int64    `json:"chainId"`
	SlippageTolerancePercent float64  `json:"slippageTolerancePercent"`
}

// Side reports which amount is fixed.
func (r QuoteRequest) Side() Side {
	if r.BuyAmount != nil && r.SellAmount == nil {
		return SideBuy
	}
	return SideSell
}

// Amount returns the fixed amount for the request's side.
func (r QuoteRequest) Amount() *big.Int {
	if r.Side() == SideBuy {
		return r.BuyAmount
	}
	return r.SellAmount
}

// Validate reports the first structural problem with the request.
func (r QuoteRequest) Validate() error {
	if !common.IsHexAddress(r.SellToken) {
		return fmt.Errorf("%w: sellToken %q is not an address", ErrInvalidRequest, r.SellToken)
	}
	if !common.IsHexAddress(r.BuyToken) {
		return fmt.Errorf("%w: buyToken %q is not an address", ErrInvalidRequest, r.BuyToken)
	}
	if strings.EqualFold(r.SellToken, r.BuyToken) {
		return fmt.Errorf("%w: sellToken and buyToken must differ", ErrInvalidRequest)
	}
	if (r.SellAmount == nil) == (r.BuyAmount == nil) {
		return fmt.Errorf("%w: exactly one of sellAmount and buyAmount must be set", ErrInvalidRequest)
	}
	if r.Amount().Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if r.ChainID <= 0 {
		return fmt.Errorf("%w: chainId must be positive", ErrInvalidRequest)
	}
	if r.SlippageTolerancePercent < 0 || r.SlippageTolerancePercent > MaxSlippageTolerancePercent {
		return fmt.Errorf("%w: slippageTolerancePercent must be within [0, %g]", ErrInvalidRequest, MaxSlippageTolerancePercent)
	}
	return nil
}

// Normalize returns a copy with checksummed token addresses and private
// copies of the amounts, so later mutation of the caller's values cannot leak in.
func (r QuoteRequest) Normalize() QuoteRequest {
	out := r
	if common.IsHexAddress(r.SellToken) {
		out.SellToken = common.HexToAddress(r.SellToken).Hex()
	}
	if common.IsHexAddress(r.BuyToken) {
		out.BuyToken = common.HexToAddress(r.BuyToken).Hex()
	}
	if r.SellAmount != nil {
		out.SellAmount = new(big.Int).Set(r.SellAmount)
	}
	if r.BuyAmount != nil {
		out.BuyAmount = new(big.Int).Set(r.BuyAmount)
	}
	return out
}

// CacheKey derives the deterministic quote-cache key. Slippage tolerance is
// not part of the key: it does not change what an aggregator returns.
func (r QuoteRequest) CacheKey() string {
	amount := "0"
	if a := r.Amount(); a != nil {
		amount = a.String()
	}
	raw := fmt.Sprintf("%d|%s|%s|%s|%s",
		r.ChainID,
		strings.ToLower(r.SellToken),
		strings.ToLower(r.BuyToken),
		r.Side(),
		amount,
	)
	return "quote:" + ethcrypto.Keccak256Hash([]byte(raw)).Hex()
}

// Quote is a normalized price offer from one aggregator.
type Quote struct {
	ID                 string          `json:"id"`
	AggregatorID       string          `json:"aggregatorId"`
	Request            QuoteRequest    `json:"request"`
	SellAmount         *big.Int        `json:"sellAmount"`
	BuyAmount          *big.Int        `json:"buyAmount"`
	PriceImpactPercent float64         `json:"priceImpactPercent"`
	Route              json.RawMessage `json:"route,omitempty"`
	EstimatedGas       uint64          `json:"estimatedGas"`
	FetchedAt          time.Time       `json:"fetchedAt"`
	ExpiresAt          time.Time       `json:"expiresAt"`
}

// Expired reports whether the quote may no longer be used at now.
func (q Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// TTL returns the validity window the quote was created with.
func (q Quote) TTL() time.Duration {
	return q.ExpiresAt.Sub(q.FetchedAt)
}

// AggregatorOutcome is the result of one aggregator call in a fan-out round.
type AggregatorOutcome struct {
	AggregatorID string
	Quote        *Quote
	Err          error
	Latency      time.Duration
}

// OK reports whether the outcome carries a usable quote.
func (o AggregatorOutcome) OK() bool {
	return o.Err == nil && o.Quote != nil
}

// TxParams carries the caller-specific inputs an aggregator needs to build
// calldata for a quote.
type TxParams struct {
	Taker                    string
	SlippageTolerancePercent float64
}

// UnsignedTransaction is a ready-to-sign EVM transaction produced by an
// aggregator's build step.
type UnsignedTransaction struct {
	ChainID      int64    `json:"chainId"`
	From         string   `json:"from"`
	To           string   `json:"to"`
	Data         string   `json:"data"`
	Value        *big.Int `json:"value"`
	Gas          uint64   `json:"gas"`
	GasPrice     *big.Int `json:"gasPrice,omitempty"`
	AggregatorID string   `json:"aggregatorId"`
	QuoteID      string   `json:"quoteId"`
}
