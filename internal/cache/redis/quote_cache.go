package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)

// QuoteCache implements domain.QuoteCache on Redis string keys with native
// expiry derived from each quote's ExpiresAt. Every Redis failure is logged
// and reported as a miss.
type QuoteCache struct {
	rdb    *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client, logger *slog.Logger) *QuoteCache {
	return &QuoteCache{
		rdb:    c.Underlying(),
		logger: logger.With(slog.String("component", "redis_quote_cache")),
		now:    time.Now,
	}
}

func quoteIDKey(id string) string {
	return "quote:id:" + id
}

func (qc *QuoteCache) Get(ctx context.Context, key string) (domain.Quote, bool) {
	return qc.load(ctx, key)
}

func (qc *QuoteCache) GetByID(ctx context.Context, quoteID string) (domain.Quote, bool) {
	return qc.load(ctx, quoteIDKey(quoteID))
}

func (qc *QuoteCache) load(ctx context.Context, key string) (domain.Quote, bool) {
	raw, err := qc.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			qc.logger.Debug("quote cache get failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return domain.Quote{}, false
	}
	var q domain.Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		qc.logger.Debug("quote cache decode failed", slog.String("key", key), slog.String("error", err.Error()))
		return domain.Quote{}, false
	}
	// Redis expiry has millisecond resolution; the quote's own bound wins.
	if q.Expired(qc.now()) {
		return domain.Quote{}, false
	}
	return q, true
}

func (qc *QuoteCache) Put(ctx context.Context, key string, quote domain.Quote) {
	ttl := quote.ExpiresAt.Sub(qc.now())
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(quote)
	if err != nil {
		qc.logger.Debug("quote cache encode failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}

	pipe := qc.rdb.TxPipeline()
	pipe.Set(ctx, key, raw, ttl)
	if quote.ID != "" {
		pipe.Set(ctx, quoteIDKey(quote.ID), raw, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		qc.logger.Debug("quote cache put failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (qc *QuoteCache) Invalidate(ctx context.Context, key string) {
	if q, ok := qc.load(ctx, key); ok && q.ID != "" {
		_ = qc.rdb.Del(ctx, quoteIDKey(q.ID)).Err()
	}
	if err := qc.rdb.Del(ctx, key).Err(); err != nil {
		qc.logger.Debug("quote cache invalidate failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}
