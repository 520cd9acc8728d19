// Package quotecache implements the in-process quote cache and the tiered
// composition with a distributed backend.
package quotecache

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/metrics"
)

// Compile-time interface check.
var _ domain.QuoteCache = (*Memory)(nil)

// Memory is a size-bounded quote cache with per-entry expiry. Entries past
// their ExpiresAt are reported as misses immediately and physically removed
// by Run's sweeper.
type Memory struct {
	byKey   *lru.Cache[string, domain.Quote]
	byID    *lru.Cache[string, domain.Quote]
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option customises a Memory cache.
type Option func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates a cache holding at most maxEntries quotes.
func NewMemory(maxEntries int, m *metrics.Metrics, logger *slog.Logger, opts ...Option) (*Memory, error) {
	byKey, err := lru.New[string, domain.Quote](maxEntries)
	if err != nil {
		return nil, err
	}
	byID, err := lru.New[string, domain.Quote](maxEntries)
	if err != nil {
		return nil, err
	}
	c := &Memory{
		byKey:   byKey,
		byID:    byID,
		now:     time.Now,
		metrics: m,
		logger:  logger.With(slog.String("component", "quote_cache")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the quote stored under key if it has not expired.
func (c *Memory) Get(_ context.Context, key string) (domain.Quote, bool) {
	q, ok := c.byKey.Get(key)
	if !ok || q.Expired(c.now()) {
		c.metrics.CacheLookups.WithLabelValues("miss").Inc()
		return domain.Quote{}, false
	}
	c.metrics.CacheLookups.WithLabelValues("hit").Inc()
	return q, true
}

// GetByID returns a still-fresh quote by its quote id.
func (c *Memory) GetByID(_ context.Context, quoteID string) (domain.Quote, bool) {
	q, ok := c.byID.Get(quoteID)
	if !ok || q.Expired(c.now()) {
		return domain.Quote{}, false
	}
	return q, true
}

// Put stores quote under key and under its own id. Already-expired quotes are
// not stored.
func (c *Memory) Put(_ context.Context, key string, quote domain.Quote) {
	if quote.Expired(c.now()) {
		return
	}
	c.byKey.Add(key, quote)
	if quote.ID != "" {
		c.byID.Add(quote.ID, quote)
	}
}

// Invalidate removes the entry stored under key.
func (c *Memory) Invalidate(_ context.Context, key string) {
	if q, ok := c.byKey.Peek(key); ok && q.ID != "" {
		c.byID.Remove(q.ID)
	}
	c.byKey.Remove(key)
}

// Len reports the number of physically stored entries, expired or not.
func (c *Memory) Len() int {
	return c.byKey.Len()
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Memory) Sweep() int {
	now := c.now()
	removed := 0
	for _, k := range c.byKey.Keys() {
		if q, ok := c.byKey.Peek(k); ok && q.Expired(now) {
			if c.byKey.Remove(k) {
				removed++
			}
		}
	}
	for _, id := range c.byID.Keys() {
		if q, ok := c.byID.Peek(id); ok && q.Expired(now) {
			c.byID.Remove(id)
		}
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is cancelled.
func (c *Memory) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.byKey.Purge()
			c.byID.Purge()
			return nil
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("swept expired quotes", slog.Int("removed", n))
			}
		}
	}
}
