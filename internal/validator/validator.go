// Package validator decides whether a quote is still acceptable at the moment
// it is about to be executed.
package validator

import (
	"math"
	"math/big"
	"time"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

// percentScale is 100% expressed in micro-percent, the resolution tolerances
// are rounded to.
var percentScale = big.NewInt(100_000_000)

// Config holds the service-wide ceilings.
type Config struct {
	MaxPriceImpactPercent float64
	MaxSlippagePercent    float64
}

// Validator applies Config to quotes. It holds no mutable state.
type Validator struct {
	cfg Config
}

// New creates a Validator.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate returns nil when q may be executed at now with the given slippage
// tolerance and caller bounds. Every rejection is a *domain.RejectedError.
func (v *Validator) Validate(q domain.Quote, tolerancePercent float64, bounds domain.Bounds, now time.Time) error {
	if q.Expired(now) {
		return domain.Reject(domain.ErrQuoteExpired, "quote %s expired at %s", q.ID, q.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if tolerancePercent < 0 || tolerancePercent > v.cfg.MaxSlippagePercent {
		return domain.Reject(domain.ErrSlippageBound, "slippage tolerance %g%% outside [0, %g%%]", tolerancePercent, v.cfg.MaxSlippagePercent)
	}
	if q.PriceImpactPercent > v.cfg.MaxPriceImpactPercent {
		return domain.Reject(domain.ErrPriceImpactTooHigh, "price impact %.4f%% exceeds ceiling %g%%", q.PriceImpactPercent, v.cfg.MaxPriceImpactPercent)
	}

	if q.Request.Side() == domain.SideBuy {
		if bounds.MaxSellAmount == nil {
			return nil
		}
		maxSold := MaxSold(q.SellAmount, tolerancePercent)
		if maxSold == nil || maxSold.Cmp(bounds.MaxSellAmount) > 0 {
			return domain.Reject(domain.ErrSlippageBound, "worst-case sell amount %s above declared maximum %s", amountString(maxSold), bounds.MaxSellAmount)
		}
		return nil
	}

	if bounds.MinBuyAmount == nil {
		return nil
	}
	minReceived := MinReceived(q.BuyAmount, tolerancePercent)
	if minReceived == nil || minReceived.Cmp(bounds.MinBuyAmount) < 0 {
		return domain.Reject(domain.ErrSlippageBound, "minimum received %s below declared minimum %s", amountString(minReceived), bounds.MinBuyAmount)
	}
	return nil
}

// MinReceived is buyAmount reduced by tolerancePercent, rounded down.
func MinReceived(buyAmount *big.Int, tolerancePercent float64) *big.Int {
	if buyAmount == nil {
		return nil
	}
	factor := new(big.Int).Sub(percentScale, microPercent(tolerancePercent))
	if factor.Sign() < 0 {
		factor.SetInt64(0)
	}
	out := new(big.Int).Mul(buyAmount, factor)
	return out.Quo(out, percentScale)
}

// MaxSold is sellAmount increased by tolerancePercent, rounded up.
func MaxSold(sellAmount *big.Int, tolerancePercent float64) *big.Int {
	if sellAmount == nil {
		return nil
	}
	factor := new(big.Int).Add(percentScale, microPercent(tolerancePercent))
	out := new(big.Int).Mul(sellAmount, factor)
	out.Add(out, new(big.Int).Sub(percentScale, big.NewInt(1)))
	return out.Quo(out, percentScale)
}

func microPercent(p float64) *big.Int {
	return big.NewInt(int64(math.Round(p * 1e6)))
}

func amountString(a *big.Int) string {
	if a == nil {
		return "<none>"
	}
	return a.String()
}
