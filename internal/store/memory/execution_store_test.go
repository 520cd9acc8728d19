package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexswap/internal/domain"
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

func newStore() (*ExecutionStore, *clock) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewExecutionStore(WithClock(clk.Now)), clk
}

func TestReserveAndCreate(t *testing.T) {
	ctx := context.Background()
	s, clk := newStore()

	res, err := s.ReserveAndCreate(ctx, domain.SwapExecution{ID: "e1", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, domain.Reserved, res.Outcome)

	res, err = s.ReserveAndCreate(ctx, domain.SwapExecution{ID: "e2", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, domain.AlreadyInProgress, res.Outcome)
	assert.Equal(t, "e1", res.ExecutionID)
	_, err = s.GetByID(ctx, "e2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	e, err := s.Finish(ctx, "e1", domain.ExecutionFailed, "boom", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, e.Status)

	res, err = s.LookupReservation(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, domain.AlreadyCompleted, res.Outcome)

	clk.Advance(time.Minute)
	_, err = s.LookupReservation(ctx, "k")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	res, err = s.ReserveAndCreate(ctx, domain.SwapExecution{ID: "e3", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, domain.Reserved, res.Outcome)
}

func TestConcurrentReserveHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()

	var wg sync.WaitGroup
	results := make([]domain.Reservation, 20)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ReserveAndCreate(ctx, domain.SwapExecution{
				ID:             "e" + string(rune('a'+i)),
				IdempotencyKey: "same",
			})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	winners := 0
	holder := ""
	for _, r := range results {
		if r.Outcome == domain.Reserved {
			winners++
			holder = r.ExecutionID
		}
	}
	require.Equal(t, 1, winners)
	for _, r := range results {
		assert.Equal(t, holder, r.ExecutionID)
	}
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	_, err := s.ReserveAndCreate(ctx, domain.SwapExecution{ID: "e1", IdempotencyKey: "k"})
	require.NoError(t, err)

	n, err := s.RecordAttempt(ctx, "e1", "signer unavailable")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	at := time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)
	e, err := s.MarkSubmitted(ctx, "e1", "0xabc", at)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSubmitted, e.Status)
	require.NotNil(t, e.SubmittedAt)

	_, err = s.RecordAttempt(ctx, "e1", "late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = s.Finish(ctx, "e1", domain.ExecutionConfirmed, "", time.Minute)
	require.NoError(t, err)
	_, err = s.Finish(ctx, "e1", domain.ExecutionExpired, "", time.Minute)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	released, err := s.ReleaseReservation(ctx, "k", "e1", time.Minute)
	require.NoError(t, err)
	assert.False(t, released, "already released by Finish")
}

func TestMarkSubmittedKeepsHashAfterCancel(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore()
	_, err := s.ReserveAndCreate(ctx, domain.SwapExecution{ID: "e1", IdempotencyKey: "k"})
	require.NoError(t, err)
	_, err = s.Finish(ctx, "e1", domain.ExecutionFailed, domain.ReasonCancelled, time.Minute)
	require.NoError(t, err)

	e, err := s.MarkSubmitted(ctx, "e1", "0xdef", time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, "0xdef", e.TxHash)
	assert.Equal(t, domain.ExecutionFailed, e.Status)

	stored, err := s.GetByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "0xdef", stored.TxHash)
}

func TestListTerminalBeforeAndDelete(t *testing.T) {
	ctx := context.Background()
	s, clk := newStore()
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.ReserveAndCreate(ctx, domain.SwapExecution{ID: id, IdempotencyKey: "k-" + id})
		require.NoError(t, err)
	}
	_, err := s.Finish(ctx, "a", domain.ExecutionFailed, "x", 0)
	require.NoError(t, err)
	_, err = s.Finish(ctx, "b", domain.ExecutionExpired, "x", 0)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	old, err := s.ListTerminalBefore(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, old, 2)

	pending, err := s.ListByStatus(ctx, domain.ExecutionPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c", pending[0].ID)

	n, err := s.DeleteByIDs(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDeletePrunesRetiredReservations(t *testing.T) {
	ctx := context.Background()
	s, clk := newStore()
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.ReserveAndCreate(ctx, domain.SwapExecution{ID: id, IdempotencyKey: "k-" + id})
		require.NoError(t, err)
	}
	_, err := s.Finish(ctx, "a", domain.ExecutionConfirmed, "", time.Minute)
	require.NoError(t, err)
	_, err = s.Finish(ctx, "b", domain.ExecutionConfirmed, "", 2*time.Hour)
	require.NoError(t, err)
	clk.Advance(time.Hour)

	_, err = s.DeleteByIDs(ctx, []string{"a", "b"})
	require.NoError(t, err)

	s.mu.Lock()
	_, retired := s.reservations["k-a"]
	_, retained := s.reservations["k-b"]
	_, live := s.reservations["k-c"]
	s.mu.Unlock()
	assert.False(t, retired)
	assert.True(t, retained, "still inside its retention window")
	assert.True(t, live)
}
