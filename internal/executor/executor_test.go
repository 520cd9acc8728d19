package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexswap/internal/aggregator"
	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/idempotency"
	"github.com/alanyoungcy/dexswap/internal/metrics"
	"github.com/alanyoungcy/dexswap/internal/quotecache"
	"github.com/alanyoungcy/dexswap/internal/store/memory"
	"github.com/alanyoungcy/dexswap/internal/validator"
)

const (
	weth   = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	usdc   = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	wallet = "0x00000000000000000000000000000000000000aa"
)

type buildClient struct{ id string }

func (c buildClient) ID() string { return c.id }

func (c buildClient) FetchQuote(context.Context, domain.QuoteRequest, time.Duration) (domain.Quote, error) {
	return domain.Quote{}, errors.New("not used")
}

func (c buildClient) BuildTransaction(_ context.Context, q domain.Quote, p domain.TxParams) (domain.UnsignedTransaction, error) {
	return domain.UnsignedTransaction{
		ChainID:      q.Request.ChainID,
		From:         p.Taker,
		To:           "0xdef1c0ded9bec7f1a1670819833240f027b25eff",
		Data:         "0x",
		Value:        big.NewInt(0),
		AggregatorID: c.id,
		QuoteID:      q.ID,
	}, nil
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls int
	fail  func(call int) error
	gate  chan struct{}
}

func (b *fakeBroadcaster) SignAndBroadcast(ctx context.Context, _ domain.UnsignedTransaction) (string, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.mu.Unlock()
	if b.gate != nil {
		<-b.gate
	}
	time.Sleep(5 * time.Millisecond)
	if b.fail != nil {
		if err := b.fail(call); err != nil {
			return "", err
		}
	}
	return "0xtxhash", nil
}

func (b *fakeBroadcaster) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fixedBalance struct{ amount *big.Int }

func (f fixedBalance) GetBalance(context.Context, string, string, int64) (*big.Int, error) {
	return f.amount, nil
}

type recordingTracker struct {
	mu      sync.Mutex
	tracked []string
}

func (r *recordingTracker) Track(exec domain.SwapExecution) {
	r.mu.Lock()
	r.tracked = append(r.tracked, exec.ID)
	r.mu.Unlock()
}

func (r *recordingTracker) Cancel(context.Context, string) (domain.SwapExecution, error) {
	return domain.SwapExecution{}, errors.New("not used")
}

type noRouter struct{}

func (noRouter) Route(context.Context, domain.QuoteRequest) (domain.Quote, error) {
	return domain.Quote{}, &domain.AllAggregatorsFailedError{}
}

type countingAlerter struct{ n atomic.Int32 }

func (a *countingAlerter) Notify(context.Context, string, string, string) error {
	a.n.Add(1)
	return nil
}

type harness struct {
	exec        *Executor
	store       *memory.ExecutionStore
	cache       *quotecache.Memory
	broadcaster *fakeBroadcaster
	tracker     *recordingTracker
	alerter     *countingAlerter
}

func newHarness(t *testing.T, b *fakeBroadcaster, balance int64) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache, err := quotecache.NewMemory(100, metrics.NewNop(), logger)
	require.NoError(t, err)
	reg, err := aggregator.NewRegistry(buildClient{id: "zeroex"})
	require.NoError(t, err)
	store := memory.NewExecutionStore()
	h := &harness{
		store:       store,
		cache:       cache,
		broadcaster: b,
		tracker:     &recordingTracker{},
		alerter:     &countingAlerter{},
	}
	h.exec = New(Config{MaxAttempts: 3, RetryBackoff: time.Millisecond, SubmitTimeout: 5 * time.Second}, Deps{
		Router:      noRouter{},
		Quotes:      cache,
		Aggregators: reg,
		Validator:   validator.New(validator.Config{MaxPriceImpactPercent: 5, MaxSlippagePercent: 5}),
		Idempotency: idempotency.NewManager(store, 10*time.Minute, logger),
		Store:       store,
		Balances:    fixedBalance{amount: big.NewInt(balance)},
		Broadcaster: b,
		Tracker:     h.tracker,
		Alerter:     h.alerter,
	}, metrics.NewNop(), logger)
	return h
}

func (h *harness) putQuote(t *testing.T, id string, impact float64) domain.Quote {
	t.Helper()
	now := time.Now()
	q := domain.Quote{
		ID:           id,
		AggregatorID: "zeroex",
		Request: domain.QuoteRequest{
			SellToken:                weth,
			BuyToken:                 usdc,
			SellAmount:               big.NewInt(1000),
			ChainID:                  1,
			SlippageTolerancePercent: 1,
		},
		SellAmount:         big.NewInt(1000),
		BuyAmount:          big.NewInt(3_000_000),
		PriceImpactPercent: impact,
		FetchedAt:          now,
		ExpiresAt:          now.Add(time.Minute),
	}
	h.cache.Put(context.Background(), q.Request.CacheKey(), q)
	return q
}

func swapFor(quoteID, key string) domain.SwapRequest {
	return domain.SwapRequest{
		UserID:         "user-1",
		Wallet:         wallet,
		QuoteID:        quoteID,
		IdempotencyKey: key,
		MinBuyAmount:   big.NewInt(2_900_000),
	}
}

func TestExecuteSubmitsAndHandsOff(t *testing.T) {
	h := newHarness(t, &fakeBroadcaster{}, 10_000)
	h.putQuote(t, "q1", 0.1)

	exec, err := h.exec.Execute(context.Background(), swapFor("q1", "k1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionSubmitted, exec.Status)
	assert.Equal(t, "0xtxhash", exec.TxHash)
	assert.Equal(t, 1, exec.Attempts)
	assert.Equal(t, "k1", exec.IdempotencyKey)
	require.NotNil(t, exec.SubmittedAt)
	assert.Equal(t, []string{exec.ID}, h.tracker.tracked)
}

func TestConcurrentDuplicatesBroadcastOnce(t *testing.T) {
	h := newHarness(t, &fakeBroadcaster{}, 10_000)
	h.putQuote(t, "q1", 0.1)

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec, err := h.exec.Execute(context.Background(), swapFor("q1", "k-dup"))
			assert.NoError(t, err)
			ids[i] = exec.ID
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.broadcaster.Calls())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestDuplicateAfterCompletionReturnsSameExecution(t *testing.T) {
	h := newHarness(t, &fakeBroadcaster{}, 10_000)
	h.putQuote(t, "q1", 0.1)
	ctx := context.Background()

	first, err := h.exec.Execute(ctx, swapFor("q1", "k1"))
	require.NoError(t, err)
	_, err = h.store.Finish(ctx, first.ID, domain.ExecutionConfirmed, "", time.Minute)
	require.NoError(t, err)

	req := swapFor("q1", "k1")
	req.ID = "another-request"
	again, err := h.exec.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, domain.ExecutionConfirmed, again.Status)
	assert.True(t, IsDuplicate(req, again))
	assert.Equal(t, 1, h.broadcaster.Calls())
}

func TestRejectionsCreateNoExecution(t *testing.T) {
	tests := []struct {
		name    string
		impact  float64
		balance int64
		quoteID string
		want    error
	}{
		{"price impact above ceiling", 6, 10_000, "q1", domain.ErrPriceImpactTooHigh},
		{"insufficient balance", 0.1, 999, "q1", domain.ErrInsufficientBalance},
		{"unknown quote", 0.1, 10_000, "missing", domain.ErrQuoteExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeBroadcaster{}, tt.balance)
			h.putQuote(t, "q1", tt.impact)

			_, err := h.exec.Execute(context.Background(), swapFor(tt.quoteID, "k1"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			pending, err := h.store.ListByStatus(context.Background(), domain.ExecutionPending, 0)
			require.NoError(t, err)
			assert.Empty(t, pending)
			assert.Zero(t, h.broadcaster.Calls())
		})
	}
}

func TestRetriesOnlyBeforeBroadcast(t *testing.T) {
	t.Run("recovers after not-broadcast failures", func(t *testing.T) {
		b := &fakeBroadcaster{fail: func(call int) error {
			if call < 3 {
				return domain.ErrNotBroadcast
			}
			return nil
		}}
		h := newHarness(t, b, 10_000)
		h.putQuote(t, "q1", 0.1)

		exec, err := h.exec.Execute(context.Background(), swapFor("q1", "k1"))
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionSubmitted, exec.Status)
		assert.Equal(t, 3, exec.Attempts)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		b := &fakeBroadcaster{fail: func(int) error { return domain.ErrNotBroadcast }}
		h := newHarness(t, b, 10_000)
		h.putQuote(t, "q1", 0.1)

		exec, err := h.exec.Execute(context.Background(), swapFor("q1", "k1"))
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionFailed, exec.Status)
		assert.True(t, strings.HasPrefix(exec.LastError, domain.ReasonAttemptsExceeded), exec.LastError)
		assert.Equal(t, 3, b.Calls())
		assert.Equal(t, int32(1), h.alerter.n.Load())
	})

	t.Run("never retries after broadcast", func(t *testing.T) {
		b := &fakeBroadcaster{fail: func(int) error { return errors.New("nonce too low") }}
		h := newHarness(t, b, 10_000)
		h.putQuote(t, "q1", 0.1)

		exec, err := h.exec.Execute(context.Background(), swapFor("q1", "k1"))
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionFailed, exec.Status)
		assert.Contains(t, exec.LastError, "nonce too low")
		assert.Equal(t, 1, b.Calls())
	})
}

func TestCancelRacingBroadcastKeepsHash(t *testing.T) {
	b := &fakeBroadcaster{gate: make(chan struct{})}
	h := newHarness(t, b, 10_000)
	h.putQuote(t, "q1", 0.1)
	ctx := context.Background()

	done := make(chan domain.SwapExecution, 1)
	go func() {
		exec, err := h.exec.Execute(ctx, swapFor("q1", "k1"))
		assert.NoError(t, err)
		done <- exec
	}()
	require.Eventually(t, func() bool { return b.Calls() == 1 }, time.Second, time.Millisecond)

	pending, err := h.store.ListByStatus(ctx, domain.ExecutionPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	cancelled, err := h.exec.Cancel(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, cancelled.Status)
	assert.Equal(t, domain.ReasonCancelled, cancelled.LastError)

	close(b.gate)
	exec := <-done
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Equal(t, "0xtxhash", exec.TxHash)
	assert.Empty(t, h.tracker.tracked)

	_, err = h.exec.Cancel(ctx, exec.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestExecuteRequiresAQuote(t *testing.T) {
	h := newHarness(t, &fakeBroadcaster{}, 10_000)
	_, err := h.exec.Execute(context.Background(), domain.SwapRequest{UserID: "u", Wallet: wallet, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestRetryStopsOnceQuoteExpires(t *testing.T) {
	var skew atomic.Int64
	b := &fakeBroadcaster{fail: func(call int) error {
		if call == 1 {
			skew.Store(int64(2 * time.Minute))
			return domain.ErrNotBroadcast
		}
		return nil
	}}
	h := newHarness(t, b, 10_000)
	h.exec.now = func() time.Time { return time.Now().UTC().Add(time.Duration(skew.Load())) }
	h.putQuote(t, "q1", 0.1)

	exec, err := h.exec.Execute(context.Background(), swapFor("q1", "k1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.LastError, "expired")
	assert.Empty(t, exec.TxHash)
	assert.Equal(t, 1, b.Calls())
	assert.Empty(t, h.tracker.tracked)
	assert.Zero(t, h.alerter.n.Load())
}

func TestFailReleasesKeyOfExecutionClosedElsewhere(t *testing.T) {
	h := newHarness(t, &fakeBroadcaster{}, 10_000)
	ctx := context.Background()
	closed := domain.SwapExecution{ID: "e1", IdempotencyKey: "k1", Status: domain.ExecutionFailed}
	_, err := h.store.ReserveAndCreate(ctx, closed)
	require.NoError(t, err)

	out, err := h.exec.fail(ctx, h.exec.logger, closed, "late failure")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, out.Status)

	res, err := h.store.LookupReservation(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.AlreadyCompleted, res.Outcome)
}
