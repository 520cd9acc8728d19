package quotecache

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/metrics"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, size int) (*Memory, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewMemory(size, metrics.NewNop(), logger, WithClock(clk.Now))
	require.NoError(t, err)
	return c, clk
}

func quoteAt(id string, fetched time.Time, ttl time.Duration) domain.Quote {
	return domain.Quote{
		ID:           id,
		AggregatorID: "zeroex",
		SellAmount:   big.NewInt(1),
		BuyAmount:    big.NewInt(3000),
		FetchedAt:    fetched,
		ExpiresAt:    fetched.Add(ttl),
	}
}

func TestMemoryHitUntilExpiry(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, 10)
	c.Put(ctx, "k", quoteAt("q1", clk.Now(), 10*time.Second))

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "q1", got.ID)

	byID, ok := c.GetByID(ctx, "q1")
	require.True(t, ok)
	assert.Equal(t, got.ID, byID.ID)

	clk.Advance(10 * time.Second)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "entry at ExpiresAt is a miss")
	_, ok = c.GetByID(ctx, "q1")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "lazy expiry leaves the entry in place until swept")

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())
}

func TestMemoryRejectsExpiredPut(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, 10)
	c.Put(ctx, "k", quoteAt("q1", clk.Now().Add(-time.Minute), time.Second))
	assert.Equal(t, 0, c.Len())
}

func TestMemoryInvalidate(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, 10)
	c.Put(ctx, "k", quoteAt("q1", clk.Now(), time.Minute))
	c.Invalidate(ctx, "k")

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	_, ok = c.GetByID(ctx, "q1")
	assert.False(t, ok)
}

func TestMemoryBounded(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, 2)
	c.Put(ctx, "a", quoteAt("qa", clk.Now(), time.Minute))
	c.Put(ctx, "b", quoteAt("qb", clk.Now(), time.Minute))
	c.Put(ctx, "c", quoteAt("qc", clk.Now(), time.Minute))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok, "least recently used entry evicted")
}

func TestMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, 64)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Put(ctx, "shared", quoteAt("q", clk.Now(), time.Minute))
				c.Get(ctx, "shared")
				c.Sweep()
			}
		}()
	}
	wg.Wait()
	_, ok := c.Get(ctx, "shared")
	assert.True(t, ok)
}

func TestMemoryRunStopsOnCancel(t *testing.T) {
	c, clk := newTestCache(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	c.Put(ctx, "k", quoteAt("q1", clk.Now(), time.Minute))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.Equal(t, 0, c.Len(), "shutdown releases entries")
}

func TestTieredReadThrough(t *testing.T) {
	ctx := context.Background()
	local, clk := newTestCache(t, 10)
	shared, _ := newTestCache(t, 10)
	shared.now = clk.Now
	tiered := NewTiered(local, shared)

	shared.Put(ctx, "k", quoteAt("q1", clk.Now(), time.Minute))
	got, ok := tiered.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "q1", got.ID)

	_, ok = local.Get(ctx, "k")
	assert.True(t, ok, "shared hit is promoted to the local tier")

	tiered.Put(ctx, "k2", quoteAt("q2", clk.Now(), time.Minute))
	_, ok = shared.GetByID(ctx, "q2")
	assert.True(t, ok)

	tiered.Invalidate(ctx, "k")
	_, ok = tiered.Get(ctx, "k")
	assert.False(t, ok)
}
