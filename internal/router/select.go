package router

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/dexswap/internal/aggregator"
	"github.com/alanyoungcy/dexswap/internal/domain"
)

// TieBreak names a comparison applied when two quotes have equal price impact.
type TieBreak string

const (
	// TieBreakAmount prefers the larger buyAmount for exact-input requests
	// and the smaller sellAmount for exact-output requests.
	TieBreakAmount TieBreak = "amount"
	// TieBreakGas prefers the lower estimated gas.
	TieBreakGas TieBreak = "gas"
)

// DefaultTieBreaks is the order used when none is configured.
var DefaultTieBreaks = []TieBreak{TieBreakAmount, TieBreakGas}

// ParseTieBreaks converts configuration strings into tie-breaks.
func ParseTieBreaks(names []string) ([]TieBreak, error) {
	if len(names) == 0 {
		return DefaultTieBreaks, nil
	}
	out := make([]TieBreak, 0, len(names))
	for _, n := range names {
		switch tb := TieBreak(n); tb {
		case TieBreakAmount, TieBreakGas:
			out = append(out, tb)
		default:
			return nil, fmt.Errorf("router: unknown tie break %q", n)
		}
	}
	return out, nil
}

// Select picks the best successful outcome: minimum price impact, then the
// configured tie-breaks, then aggregator id and quote id so the result never
// depends on the order outcomes arrived in.
func Select(outcomes []domain.AggregatorOutcome, side domain.Side, tieBreaks []TieBreak) (domain.Quote, bool) {
	var best *domain.Quote
	for i := range outcomes {
		if !outcomes[i].OK() {
			continue
		}
		q := outcomes[i].Quote
		if best == nil || better(q, best, side, tieBreaks) {
			best = q
		}
	}
	if best == nil {
		return domain.Quote{}, false
	}
	return *best, true
}

// better reports whether a should be preferred over b.
func better(a, b *domain.Quote, side domain.Side, tieBreaks []TieBreak) bool {
	// Impacts compare at 1e-6 percent resolution.
	if ia, ib := aggregator.QuantizeImpact(a.PriceImpactPercent), aggregator.QuantizeImpact(b.PriceImpactPercent); ia != ib {
		return ia < ib
	}
	for _, tb := range tieBreaks {
		if c := compare(a, b, side, tb); c != 0 {
			return c < 0
		}
	}
	if a.AggregatorID != b.AggregatorID {
		return a.AggregatorID < b.AggregatorID
	}
	return a.ID < b.ID
}

// compare returns -1 when a wins under tb, 1 when b wins, 0 on a tie.
func compare(a, b *domain.Quote, side domain.Side, tb TieBreak) int {
	switch tb {
	case TieBreakAmount:
		if side == domain.SideBuy {
			return preferAmount(a.SellAmount, b.SellAmount, false)
		}
		return preferAmount(a.BuyAmount, b.BuyAmount, true)
	case TieBreakGas:
		switch {
		case a.EstimatedGas < b.EstimatedGas:
			return -1
		case a.EstimatedGas > b.EstimatedGas:
			return 1
		}
	}
	return 0
}

// preferAmount returns -1 when a is preferred (larger when larger is set,
// smaller otherwise). A missing amount always loses.
func preferAmount(a, b *big.Int, larger bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	c := a.Cmp(b)
	if larger {
		return -c
	}
	return c
}
