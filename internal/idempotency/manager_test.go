package idempotency

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/store/memory"
)

func newManager() *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(memory.NewExecutionStore(), 10*time.Minute, logger)
}

func TestKeyFor(t *testing.T) {
	m := newManager()
	at := time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC)
	req := domain.SwapRequest{
		UserID:      "u1",
		SubmittedAt: at,
		QuoteRequest: domain.QuoteRequest{
			SellToken:  "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
			BuyToken:   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			SellAmount: big.NewInt(100),
		},
	}

	k1 := m.KeyFor(req, "")
	later := req
	later.SubmittedAt = at.Add(5 * time.Minute)
	assert.Equal(t, k1, m.KeyFor(later, ""), "same bucket")

	nextBucket := req
	nextBucket.SubmittedAt = at.Add(10 * time.Minute)
	assert.NotEqual(t, k1, m.KeyFor(nextBucket, ""))

	assert.NotEqual(t, k1, m.KeyFor(req, "client-nonce"))

	explicit := req
	explicit.IdempotencyKey = "given"
	assert.Equal(t, "given", m.KeyFor(explicit, "ignored"))
}

func TestReserveLookupRelease(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	_, ok, err := m.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := m.Reserve(ctx, domain.SwapExecution{ID: "e1", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, domain.Reserved, res.Outcome)

	res, err = m.Reserve(ctx, domain.SwapExecution{ID: "e2", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, domain.AlreadyInProgress, res.Outcome)
	assert.Equal(t, "e1", res.ExecutionID)

	require.NoError(t, m.Release(ctx, "k", "e1"))
	require.NoError(t, m.Release(ctx, "k", "e1"))

	res, ok, err = m.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.AlreadyCompleted, res.Outcome)
}
