package domain

import (
	"context"
	"time"
)

// QuoteCache holds recently selected quotes. Implementations never fail:
// backend trouble degrades to a miss.
type QuoteCache interface {
	Get(ctx context.Context, key string) (Quote, bool)
	GetByID(ctx context.Context, quoteID string) (Quote, bool)
	Put(ctx context.Context, key string, quote Quote)
	Invalidate(ctx context.Context, key string)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus provides pub/sub for execution events.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(ctx context.Context, pattern string) (<-chan []byte, error)
}
