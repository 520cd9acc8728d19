package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/server/handler"
)

const (
	weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

type fakeRouter struct {
	quote domain.Quote
	err   error
	got   domain.QuoteRequest
}

func (f *fakeRouter) Route(_ context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	f.got = req
	if f.err != nil {
		return domain.Quote{}, f.err
	}
	q := f.quote
	q.Request = req
	return q, nil
}

type fakeExecutor struct {
	execute func(domain.SwapRequest) (domain.SwapExecution, error)
	cancel  func(string) (domain.SwapExecution, error)
}

func (f *fakeExecutor) Execute(_ context.Context, req domain.SwapRequest) (domain.SwapExecution, error) {
	return f.execute(req)
}

func (f *fakeExecutor) Cancel(_ context.Context, id string) (domain.SwapExecution, error) {
	return f.cancel(id)
}

type fakeStore map[string]domain.SwapExecution

func (f fakeStore) GetByID(_ context.Context, id string) (domain.SwapExecution, error) {
	e, ok := f[id]
	if !ok {
		return domain.SwapExecution{}, domain.ErrNotFound
	}
	return e, nil
}

type denyLimiter struct{ err error }

func (d denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, d.err
}

type apiFixture struct {
	router *fakeRouter
	exec   *fakeExecutor
	store  fakeStore
	checks map[string]handler.Check
}

func newFixture() *apiFixture {
	return &apiFixture{
		router: &fakeRouter{quote: domain.Quote{
			ID:           "q-1",
			AggregatorID: "paraswap",
			SellAmount:   big.NewInt(1_000_000),
			BuyAmount:    big.NewInt(2_000_000),
			EstimatedGas: 150_000,
			ExpiresAt:    time.Now().Add(time.Minute),
		}},
		exec:   &fakeExecutor{},
		store:  fakeStore{},
		checks: map[string]handler.Check{},
	}
}

func (f *apiFixture) handler(cfg Config, limiter domain.RateLimiter) http.Handler {
	logger := slog.New(slog.DiscardHandler)
	return Routes(cfg, Handlers{
		Health:     handler.NewHealthHandler(f.checks, logger),
		Quotes:     handler.NewQuoteHandler(f.router, logger),
		Swaps:      handler.NewSwapHandler(f.exec, logger),
		Executions: handler.NewExecutionHandler(f.store, f.exec, logger),
	}, nil, limiter, logger)
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func quoteBody(side string) string {
	return fmt.Sprintf(`{"sellToken":%q,"buyToken":%q,"amount":"1000000","side":%q,"chainId":1,"slippageTolerancePercent":1}`,
		weth, usdc, side)
}

func TestQuoteEndpoint(t *testing.T) {
	t.Run("sell side reports min received", func(t *testing.T) {
		f := newFixture()
		rec, body := do(t, f.handler(Config{}, nil), http.MethodPost, "/api/v1/quote", quoteBody("sell"))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "q-1", body["quoteId"])
		assert.Equal(t, "paraswap", body["aggregator"])
		assert.Equal(t, "1980000", body["minReceived"])
		assert.NotContains(t, body, "maxSold")
		assert.Equal(t, big.NewInt(1_000_000), f.router.got.SellAmount)
		assert.Nil(t, f.router.got.BuyAmount)
	})

	t.Run("buy side reports max sold", func(t *testing.T) {
		f := newFixture()
		rec, body := do(t, f.handler(Config{}, nil), http.MethodPost, "/api/v1/quote", quoteBody("buy"))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1010000", body["maxSold"])
		assert.Equal(t, big.NewInt(1_000_000), f.router.got.BuyAmount)
	})

	t.Run("malformed bodies are rejected", func(t *testing.T) {
		f := newFixture()
		h := f.handler(Config{}, nil)
		for name, payload := range map[string]string{
			"unknown field": `{"sellToken":"x","bogus":1}`,
			"bad amount":    `{"sellToken":"x","amount":"1.5"}`,
			"bad side":      `{"sellToken":"x","amount":"1","side":"both"}`,
			"not json":      `{`,
		} {
			rec, _ := do(t, h, http.MethodPost, "/api/v1/quote", payload)
			assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		}
	})

	t.Run("routing failures map to statuses", func(t *testing.T) {
		noRoute := &domain.AllAggregatorsFailedError{Outcomes: []domain.AggregatorOutcome{
			{AggregatorID: "zeroex", Err: domain.NewAggregatorError("zeroex", domain.ErrNoLiquidity, nil)},
		}}
		failed := &domain.AllAggregatorsFailedError{Outcomes: []domain.AggregatorOutcome{
			{AggregatorID: "zeroex", Err: domain.NewAggregatorError("zeroex", domain.ErrAggregatorTimeout, nil)},
		}}
		cases := []struct {
			err  error
			want int
		}{
			{noRoute, http.StatusUnprocessableEntity},
			{failed, http.StatusServiceUnavailable},
			{fmt.Errorf("router: %w", domain.ErrInvalidRequest), http.StatusBadRequest},
			{errors.New("boom"), http.StatusInternalServerError},
		}
		for _, tc := range cases {
			f := newFixture()
			f.router.err = tc.err
			rec, body := do(t, f.handler(Config{}, nil), http.MethodPost, "/api/v1/quote", quoteBody("sell"))
			assert.Equal(t, tc.want, rec.Code, tc.err.Error())
			assert.NotEmpty(t, body["error"])
		}
	})
}

func TestSwapEndpoint(t *testing.T) {
	const swapBody = `{"quoteId":"q-1","userId":"u1","wallet":"0xabc","minBuyAmount":"1900000"}`

	t.Run("new execution is accepted", func(t *testing.T) {
		f := newFixture()
		var seen domain.SwapRequest
		f.exec.execute = func(req domain.SwapRequest) (domain.SwapExecution, error) {
			seen = req
			return domain.SwapExecution{ID: "e1", SwapRequestID: req.ID, Status: domain.ExecutionSubmitted, TxHash: "0xdead"}, nil
		}
		rec, body := do(t, f.handler(Config{}, nil), http.MethodPost, "/api/v1/swap", swapBody)

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "e1", body["executionId"])
		assert.Equal(t, "submitted", body["status"])
		assert.Equal(t, false, body["duplicate"])
		assert.NotEmpty(t, seen.ID)
		assert.Equal(t, big.NewInt(1_900_000), seen.MinBuyAmount)
		assert.Nil(t, seen.MaxSellAmount)
	})

	t.Run("duplicate returns the existing execution", func(t *testing.T) {
		f := newFixture()
		f.exec.execute = func(domain.SwapRequest) (domain.SwapExecution, error) {
			return domain.SwapExecution{ID: "e0", SwapRequestID: "earlier", Status: domain.ExecutionConfirmed}, nil
		}
		rec, body := do(t, f.handler(Config{}, nil), http.MethodPost, "/api/v1/swap", swapBody)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "e0", body["executionId"])
		assert.Equal(t, true, body["duplicate"])
	})

	t.Run("missing identity is rejected before executing", func(t *testing.T) {
		f := newFixture()
		f.exec.execute = func(domain.SwapRequest) (domain.SwapExecution, error) {
			t.Fatal("executor must not be called")
			return domain.SwapExecution{}, nil
		}
		rec, _ := do(t, f.handler(Config{}, nil), http.MethodPost, "/api/v1/swap", `{"quoteId":"q-1"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejections carry the reason", func(t *testing.T) {
		f := newFixture()
		f.exec.execute = func(domain.SwapRequest) (domain.SwapExecution, error) {
			return domain.SwapExecution{}, domain.Reject(domain.ErrPriceImpactTooHigh, "price impact 7.50%% exceeds 5.00%%")
		}
		rec, body := do(t, f.handler(Config{}, nil), http.MethodPost, "/api/v1/swap", swapBody)

		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, body["error"], "price impact 7.50% exceeds 5.00%")
	})

	t.Run("insufficient balance", func(t *testing.T) {
		f := newFixture()
		f.exec.execute = func(domain.SwapRequest) (domain.SwapExecution, error) {
			return domain.SwapExecution{}, fmt.Errorf("executor: %w", domain.ErrInsufficientBalance)
		}
		rec, _ := do(t, f.handler(Config{}, nil), http.MethodPost, "/api/v1/swap", swapBody)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestExecutionEndpoints(t *testing.T) {
	f := newFixture()
	f.store["e1"] = domain.SwapExecution{
		ID:          "e1",
		Status:      domain.ExecutionExpired,
		TxHash:      "0xfeed",
		LastError:   domain.ReasonTrackingTimeout,
		ChosenQuote: domain.Quote{AggregatorID: "zeroex"},
	}
	f.exec.cancel = func(id string) (domain.SwapExecution, error) {
		if id == "e1" {
			return domain.SwapExecution{}, fmt.Errorf("executor: cancel: %w", domain.ErrInvalidTransition)
		}
		return domain.SwapExecution{ID: id, Status: domain.ExecutionFailed, LastError: domain.ReasonCancelled}, nil
	}
	h := f.handler(Config{}, nil)

	rec, body := do(t, h, http.MethodGet, "/api/v1/executions/e1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "expired", body["status"])
	assert.Equal(t, "zeroex", body["aggregator"])
	assert.Equal(t, domain.ReasonTrackingTimeout, body["hint"])

	rec, _ = do(t, h, http.MethodGet, "/api/v1/executions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/v1/executions/e1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = do(t, h, http.MethodPost, "/api/v1/executions/e2/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, domain.ReasonCancelled, body["lastError"])
}

func TestMiddlewareChain(t *testing.T) {
	t.Run("api key required except on health", func(t *testing.T) {
		f := newFixture()
		h := f.handler(Config{APIKey: "secret"}, nil)

		rec, _ := do(t, h, http.MethodPost, "/api/v1/quote", quoteBody("sell"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec, _ = do(t, h, http.MethodPost, "/api/v1/quote", quoteBody("sell"), "Authorization", "Bearer wrong")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec, _ = do(t, h, http.MethodPost, "/api/v1/quote", quoteBody("sell"), "Authorization", "Bearer secret")
		assert.Equal(t, http.StatusOK, rec.Code)

		rec, _ = do(t, h, http.MethodPost, "/api/v1/quote", quoteBody("sell"), "X-API-Key", "secret")
		assert.Equal(t, http.StatusOK, rec.Code)

		rec, _ = do(t, h, http.MethodGet, "/api/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rate limited requests get 429", func(t *testing.T) {
		f := newFixture()
		rec, _ := do(t, f.handler(Config{RateLimit: 5, RateWindow: time.Second}, denyLimiter{}), http.MethodPost, "/api/v1/quote", quoteBody("sell"))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	})

	t.Run("limiter outage fails open", func(t *testing.T) {
		f := newFixture()
		limiter := denyLimiter{err: errors.New("redis down")}
		rec, _ := do(t, f.handler(Config{RateLimit: 5, RateWindow: time.Second}, limiter), http.MethodPost, "/api/v1/quote", quoteBody("sell"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("request id is echoed", func(t *testing.T) {
		f := newFixture()
		rec, _ := do(t, f.handler(Config{}, nil), http.MethodGet, "/api/health", "", "X-Request-ID", "req-42")
		assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

		rec, _ = do(t, f.handler(Config{}, nil), http.MethodGet, "/api/health", "")
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("cors preflight", func(t *testing.T) {
		f := newFixture()
		h := f.handler(Config{CORSOrigins: []string{"http://localhost:3000"}, APIKey: "secret"}, nil)
		rec, _ := do(t, h, http.MethodOptions, "/api/v1/swap", "", "Origin", "http://localhost:3000")
		assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Less(t, rec.Code, 300)
	})
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture()
	f.checks["postgres"] = func(context.Context) error { return nil }
	f.checks["redis"] = func(context.Context) error { return errors.New("connection refused") }

	rec, body := do(t, f.handler(Config{}, nil), http.MethodGet, "/api/health", "")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "ok", deps["postgres"])
	assert.Equal(t, "connection refused", deps["redis"])
}

type fakeHistory [][]byte

func (f fakeHistory) Recent(_ context.Context, count int64) ([][]byte, error) {
	if int64(len(f)) > count {
		return f[:count], nil
	}
	return f, nil
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture()
	logger := slog.New(slog.DiscardHandler)
	history := fakeHistory{
		[]byte(`{"executionId":"e2","status":"confirmed"}`),
		[]byte(`not json`),
		[]byte(`{"executionId":"e1","status":"submitted"}`),
	}
	h := Routes(Config{}, Handlers{
		Health:     handler.NewHealthHandler(nil, logger),
		Quotes:     handler.NewQuoteHandler(f.router, logger),
		Swaps:      handler.NewSwapHandler(f.exec, logger),
		Executions: handler.NewExecutionHandler(f.store, f.exec, logger),
		Events:     handler.NewEventsHandler(history, logger),
	}, nil, nil, logger)

	rec, body := do(t, h, http.MethodGet, "/api/v1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := body["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[0].(map[string]any)["executionId"])

	rec, _ = do(t, h, http.MethodGet, "/api/v1/events?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, f.handler(Config{}, nil), http.MethodGet, "/api/v1/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
