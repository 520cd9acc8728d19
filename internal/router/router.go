// Package router fans quote requests out to every configured aggregator,
// keeps whatever answers arrive in time and picks the best one.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dexswap/internal/aggregator"
	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/metrics"
)

// Config bounds one routing round.
type Config struct {
	PerCallTimeout time.Duration
	OverallTimeout time.Duration
	TieBreaks      []TieBreak
}

// Router implements quote routing over a fixed set of aggregator clients.
type Router struct {
	clients []aggregator.Client
	cache   domain.QuoteCache
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Router. Clients are queried in the given order but selection
// does not depend on it.
func New(clients []aggregator.Client, cache domain.QuoteCache, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Router {
	if len(cfg.TieBreaks) == 0 {
		cfg.TieBreaks = DefaultTieBreaks
	}
	return &Router{
		clients: clients,
		cache:   cache,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "router")),
	}
}

// Route returns the best fresh quote for req, from the cache when possible.
// It returns *domain.AllAggregatorsFailedError when no aggregator produced a
// quote in time.
func (r *Router) Route(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	if err := req.Validate(); err != nil {
		r.metrics.QuoteRequests.WithLabelValues("invalid").Inc()
		return domain.Quote{}, fmt.Errorf("router: route: %w", err)
	}
	req = req.Normalize()
	key := req.CacheKey()

	if q, ok := r.cache.Get(ctx, key); ok {
		r.metrics.QuoteRequests.WithLabelValues("cache_hit").Inc()
		return q, nil
	}

	start := time.Now()
	outcomes := r.FanOut(ctx, req)
	r.metrics.RouteDuration.Observe(time.Since(start).Seconds())

	if err := ctx.Err(); err != nil {
		return domain.Quote{}, fmt.Errorf("router: route: %w", err)
	}

	best, ok := Select(outcomes, req.Side(), r.cfg.TieBreaks)
	if !ok {
		failed := &domain.AllAggregatorsFailedError{Outcomes: outcomes}
		label := "all_failed"
		if failed.NoRoute() {
			label = "no_route"
		}
		r.metrics.QuoteRequests.WithLabelValues(label).Inc()
		r.logger.WarnContext(ctx, "no aggregator produced a quote",
			slog.String("sell_token", req.SellToken),
			slog.String("buy_token", req.BuyToken),
			slog.Int64("chain_id", req.ChainID),
			slog.String("error", failed.Error()),
		)
		return domain.Quote{}, fmt.Errorf("router: route: %w", failed)
	}

	// Quotes carry the request as the caller asked it, including tolerance.
	best.Request = req
	r.cache.Put(ctx, key, best)
	r.metrics.QuoteRequests.WithLabelValues("ok").Inc()

	r.logger.DebugContext(ctx, "quote selected",
		slog.String("aggregator", best.AggregatorID),
		slog.String("quote_id", best.ID),
		slog.Float64("price_impact_percent", best.PriceImpactPercent),
		slog.Int("responses", countOK(outcomes)),
		slog.Int("participants", len(outcomes)),
	)
	return best, nil
}

// FanOut queries every client concurrently. Each call gets PerCallTimeout and
// the whole round OverallTimeout; FanOut returns only after every call has
// finished, so nothing it started outlives it. Outcomes are indexed like the
// client list.
func (r *Router) FanOut(ctx context.Context, req domain.QuoteRequest) []domain.AggregatorOutcome {
	roundCtx, cancel := context.WithTimeout(ctx, r.cfg.OverallTimeout)
	defer cancel()

	outcomes := make([]domain.AggregatorOutcome, len(r.clients))
	g, gctx := errgroup.WithContext(roundCtx)
	for i, c := range r.clients {
		g.Go(func() error {
			start := time.Now()
			q, err := c.FetchQuote(gctx, req, r.cfg.PerCallTimeout)
			elapsed := time.Since(start)

			// A reply that lands after the round closed is not used.
			if err == nil && gctx.Err() != nil {
				err = domain.NewAggregatorError(c.ID(), domain.ErrAggregatorTimeout, errors.New("arrived after overall timeout"))
			}

			o := domain.AggregatorOutcome{AggregatorID: c.ID(), Latency: elapsed, Err: err}
			if err == nil {
				o.Quote = &q
			}
			outcomes[i] = o

			r.metrics.AggregatorLatency.WithLabelValues(c.ID()).Observe(elapsed.Seconds())
			r.metrics.AggregatorOutcomes.WithLabelValues(c.ID(), aggregator.KindLabel(err)).Inc()
			if err != nil {
				r.logger.DebugContext(ctx, "aggregator dropped",
					slog.String("aggregator", c.ID()),
					slog.Duration("latency", elapsed),
					slog.String("error", err.Error()),
				)
			}
			// Failures are data here, never a reason to cancel the others.
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func countOK(outcomes []domain.AggregatorOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}
