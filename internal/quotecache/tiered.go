package quotecache

import (
	"context"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

var _ domain.QuoteCache = (*Tiered)(nil)

// Tiered reads through a local cache to a shared one and writes to both.
// The shared tier lets replicas reuse each other's quotes.
type Tiered struct {
	local  domain.QuoteCache
	shared domain.QuoteCache
}

// NewTiered composes local in front of shared.
func NewTiered(local, shared domain.QuoteCache) *Tiered {
	return &Tiered{local: local, shared: shared}
}

func (t *Tiered) Get(ctx context.Context, key string) (domain.Quote, bool) {
	if q, ok := t.local.Get(ctx, key); ok {
		return q, true
	}
	q, ok := t.shared.Get(ctx, key)
	if ok {
		t.local.Put(ctx, key, q)
	}
	return q, ok
}

func (t *Tiered) GetByID(ctx context.Context, quoteID string) (domain.Quote, bool) {
	if q, ok := t.local.GetByID(ctx, quoteID); ok {
		return q, true
	}
	return t.shared.GetByID(ctx, quoteID)
}

func (t *Tiered) Put(ctx context.Context, key string, quote domain.Quote) {
	t.local.Put(ctx, key, quote)
	t.shared.Put(ctx, key, quote)
}

func (t *Tiered) Invalidate(ctx context.Context, key string) {
	t.local.Invalidate(ctx, key)
	t.shared.Invalidate(ctx, key)
}
