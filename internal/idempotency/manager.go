// Package idempotency guarantees that one logical swap intent produces at
// most one execution.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

// Manager reserves idempotency keys on top of an ExecutionStore. The store
// does the atomic work; Manager adds key derivation and the retention window.
type Manager struct {
	store  domain.ExecutionStore
	window time.Duration
	logger *slog.Logger
}

// NewManager creates a Manager. window is both the default dedup bucket for
// derived keys and how long a completed reservation keeps answering.
func NewManager(store domain.ExecutionStore, window time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		window: window,
		logger: logger.With(slog.String("component", "idempotency")),
	}
}

// Window returns the retention window.
func (m *Manager) Window() time.Duration { return m.window }

// KeyFor returns req.IdempotencyKey when set, otherwise a key derived from the
// request fields and nonce. An empty nonce falls back to the time bucket of
// req.SubmittedAt.
func (m *Manager) KeyFor(req domain.SwapRequest, nonce string) string {
	if req.IdempotencyKey != "" {
		return req.IdempotencyKey
	}
	if nonce == "" {
		nonce = domain.TimeBucketNonce(req.SubmittedAt, m.window)
	}
	return domain.DeriveIdempotencyKey(
		req.UserID,
		req.QuoteRequest.SellToken,
		req.QuoteRequest.BuyToken,
		req.QuoteRequest.Amount(),
		nonce,
	)
}

// Reserve atomically claims exec.IdempotencyKey and records exec as pending.
// When another execution already holds the key, exec is discarded and the
// holder is returned.
func (m *Manager) Reserve(ctx context.Context, exec domain.SwapExecution) (domain.Reservation, error) {
	res, err := m.store.ReserveAndCreate(ctx, exec)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("idempotency: reserve %s: %w", exec.IdempotencyKey, err)
	}
	if res.Outcome != domain.Reserved {
		m.logger.InfoContext(ctx, "duplicate swap intent",
			slog.String("key", exec.IdempotencyKey),
			slog.String("outcome", res.Outcome.String()),
			slog.String("execution_id", res.ExecutionID),
		)
	}
	return res, nil
}

// Lookup reports the holder of key. ok is false when the key is free.
func (m *Manager) Lookup(ctx context.Context, key string) (res domain.Reservation, ok bool, err error) {
	res, err = m.store.LookupReservation(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Reservation{}, false, nil
	}
	if err != nil {
		return domain.Reservation{}, false, fmt.Errorf("idempotency: lookup %s: %w", key, err)
	}
	return res, true, nil
}

// Release marks the reservation completed. Terminal transitions normally
// release through ExecutionStore.Finish; the executor calls Release when it
// finds its execution already closed by another path. Releasing twice is a
// no-op.
func (m *Manager) Release(ctx context.Context, key, executionID string) error {
	released, err := m.store.ReleaseReservation(ctx, key, executionID, m.window)
	if err != nil {
		return fmt.Errorf("idempotency: release %s: %w", key, err)
	}
	if !released {
		m.logger.DebugContext(ctx, "reservation already released",
			slog.String("key", key),
			slog.String("execution_id", executionID),
		)
	}
	return nil
}
