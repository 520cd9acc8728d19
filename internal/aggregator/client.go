// Package aggregator defines the adapter contract every liquidity aggregator
// client implements, plus the shared HTTP transport that maps provider
// failures onto the domain error taxonomy.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

// Client adapts one aggregator API to normalized quotes and transactions.
// Implementations return errors wrapping *domain.AggregatorError and never
// panic across the interface.
type Client interface {
	ID() string
	FetchQuote(ctx context.Context, req domain.QuoteRequest, timeout time.Duration) (domain.Quote, error)
	BuildTransaction(ctx context.Context, q domain.Quote, p domain.TxParams) (domain.UnsignedTransaction, error)
}

// Registry holds the configured clients in a stable order.
type Registry struct {
	clients []Client
	byID    map[string]Client
}

// NewRegistry guards every client and indexes it by ID. Duplicate IDs are
// rejected.
func NewRegistry(clients ...Client) (*Registry, error) {
	r := &Registry{byID: make(map[string]Client, len(clients))}
	for _, c := range clients {
		if _, dup := r.byID[c.ID()]; dup {
			return nil, fmt.Errorf("aggregator: duplicate client id %q", c.ID())
		}
		g := Guard(c)
		r.byID[c.ID()] = g
		r.clients = append(r.clients, g)
	}
	sort.Slice(r.clients, func(i, j int) bool { return r.clients[i].ID() < r.clients[j].ID() })
	return r, nil
}

// All returns the clients sorted by ID.
func (r *Registry) All() []Client {
	out := make([]Client, len(r.clients))
	copy(out, r.clients)
	return out
}

// Get returns the client with the given ID.
func (r *Registry) Get(id string) (Client, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("aggregator: client %q: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// Guard wraps c so a panic inside it surfaces as ErrAggregatorUnknown and
// any untyped error is tagged with the taxonomy.
func Guard(c Client) Client {
	if g, ok := c.(*guarded); ok {
		return g
	}
	return &guarded{inner: c}
}

type guarded struct {
	inner Client
}

func (g *guarded) ID() string { return g.inner.ID() }

func (g *guarded) FetchQuote(ctx context.Context, req domain.QuoteRequest, timeout time.Duration) (q domain.Quote, err error) {
	defer g.recover(&err)
	q, err = g.inner.FetchQuote(ctx, req, timeout)
	return q, g.tag(ctx, err)
}

func (g *guarded) BuildTransaction(ctx context.Context, q domain.Quote, p domain.TxParams) (tx domain.UnsignedTransaction, err error) {
	defer g.recover(&err)
	tx, err = g.inner.BuildTransaction(ctx, q, p)
	return tx, g.tag(ctx, err)
}

func (g *guarded) recover(err *error) {
	if r := recover(); r != nil {
		*err = domain.NewAggregatorError(g.inner.ID(), domain.ErrAggregatorUnknown, fmt.Errorf("panic: %v", r))
	}
}

// tag makes sure the error carries one of the taxonomy kinds.
func (g *guarded) tag(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return err
	}
	if ctx.Err() != nil {
		return domain.NewAggregatorError(g.inner.ID(), domain.ErrAggregatorTimeout, err)
	}
	return domain.NewAggregatorError(g.inner.ID(), domain.ErrAggregatorUnknown, err)
}

var kinds = []error{
	domain.ErrAggregatorTimeout,
	domain.ErrAggregatorRateLimited,
	domain.ErrNoLiquidity,
	domain.ErrInvalidRequest,
	domain.ErrAggregatorUnknown,
}

// Kind returns the taxonomy sentinel err matches, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindLabel is a short metrics label for err's taxonomy kind.
func KindLabel(err error) string {
	switch Kind(err) {
	case nil:
		if err == nil {
			return "ok"
		}
		return "unknown"
	case domain.ErrAggregatorTimeout:
		return "timeout"
	case domain.ErrAggregatorRateLimited:
		return "rate_limited"
	case domain.ErrNoLiquidity:
		return "no_liquidity"
	case domain.ErrInvalidRequest:
		return "invalid_request"
	}
	return "unknown"
}
