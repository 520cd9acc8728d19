package aggregator

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/validator"
)

// DefaultQuoteTTL applies when a client is configured without one.
const DefaultQuoteTTL = 15 * time.Second

// QuoteParams collects the normalized fields of a provider response.
type QuoteParams struct {
	Request      domain.QuoteRequest
	SellAmount   *big.Int
	BuyAmount    *big.Int
	PriceImpact  float64
	Route        json.RawMessage
	EstimatedGas uint64
	FetchedAt    time.Time
	TTL          time.Duration
}

// NewQuote stamps a quote with a fresh id and its expiry.
func NewQuote(aggregatorID string, p QuoteParams) domain.Quote {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	impact := QuantizeImpact(p.PriceImpact)
	if impact < 0 {
		// Providers report favourable impact as negative; treat it as none.
		impact = 0
	}
	return domain.Quote{
		ID:                 uuid.NewString(),
		AggregatorID:       aggregatorID,
		Request:            p.Request,
		SellAmount:         p.SellAmount,
		BuyAmount:          p.BuyAmount,
		PriceImpactPercent: impact,
		Route:              p.Route,
		EstimatedGas:       p.EstimatedGas,
		FetchedAt:          p.FetchedAt,
		ExpiresAt:          p.FetchedAt.Add(ttl),
	}
}

// ParseAmount parses a base-10 integer amount as returned by providers.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// ParseHexOrDecimal parses "0x…" or decimal strings, returning zero for "".
func ParseHexOrDecimal(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return nil, fmt.Errorf("invalid hex amount %q", s)
		}
		return v, nil
	}
	return ParseAmount(s)
}

// ParseGas parses a gas figure that may be encoded as a string or number.
func ParseGas(s string) uint64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return uint64(f)
	}
	return 0
}

// ParsePercent parses strings like "0.12", "-0.12%" into a float percent.
// ok is false when the provider sent nothing usable.
func ParsePercent(s string) (v float64, ok bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// QuantizeImpact rounds a percentage to 1e-6 so equal impacts compare equal.
func QuantizeImpact(p float64) float64 {
	return math.Round(p*1e6) / 1e6
}

// CheckFirm compares the amounts of a firm build response with the quote that
// was validated. The worst case the firm transaction allows must be no worse
// than the quote's: minimum received for exact input, maximum sold for exact
// output.
func CheckFirm(q domain.Quote, firmSell, firmBuy *big.Int, tolerancePercent float64) error {
	if q.Request.Side() == domain.SideBuy {
		quoted := validator.MaxSold(q.SellAmount, tolerancePercent)
		firm := validator.MaxSold(firmSell, tolerancePercent)
		if quoted == nil || firm == nil || firm.Cmp(quoted) > 0 {
			return domain.Reject(domain.ErrSlippageBound, "firm sell amount %s exceeds quoted %s", firmSell, q.SellAmount)
		}
		return nil
	}
	quoted := validator.MinReceived(q.BuyAmount, tolerancePercent)
	firm := validator.MinReceived(firmBuy, tolerancePercent)
	if quoted == nil || firm == nil || firm.Cmp(quoted) < 0 {
		return domain.Reject(domain.ErrSlippageBound, "firm buy amount %s below quoted %s", firmBuy, q.BuyAmount)
	}
	return nil
}
