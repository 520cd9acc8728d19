package openocean

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

func request() domain.QuoteRequest {
	return domain.QuoteRequest{
		SellToken:  "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		BuyToken:   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		SellAmount: big.NewInt(1_000_000_000_000_000_000),
		ChainID:    1,
	}
}

func newServer(t *testing.T, firmOut string) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v4/1/quote", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1000000000000000000", r.URL.Query().Get("amountDecimals"))
		_, _ = w.Write([]byte(`{"code":200,"data":{"inAmount":"1000000000000000000","outAmount":"2990000000","estimatedGas":"210000","price_impact":"-0.25%"}}`))
	})
	mux.HandleFunc("GET /v4/1/swap", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0.5", r.URL.Query().Get("slippage"))
		_, _ = w.Write([]byte(`{"code":200,"data":{"to":"0x6352a56caadc4f1e25cd6c75970fa768a3304e64","data":"0x90411a32","value":"0x0","estimatedGas":230000,"outAmount":"` + firmOut + `"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchQuoteAndBuild(t *testing.T) {
	srv := newServer(t, "2995000000")
	c := New(Config{BaseURL: srv.URL})
	q, err := c.FetchQuote(context.Background(), request(), time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, q.PriceImpactPercent, 1e-9)
	assert.Equal(t, uint64(210000), q.EstimatedGas)

	tx, err := c.BuildTransaction(context.Background(), q, domain.TxParams{Taker: "0x1111111111111111111111111111111111111111", SlippageTolerancePercent: 0.5})
	require.NoError(t, err)
	assert.Equal(t, uint64(230000), tx.Gas)
	assert.Equal(t, "0x90411a32", tx.Data)
}

func TestEnvelopeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":429,"error":"too many requests"}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).FetchQuote(context.Background(), request(), time.Second)
	assert.ErrorIs(t, err, domain.ErrAggregatorRateLimited)
}

func TestBuySideUnsupported(t *testing.T) {
	req := request()
	req.SellAmount = nil
	req.BuyAmount = big.NewInt(5)
	_, err := New(Config{BaseURL: "http://unused"}).FetchQuote(context.Background(), req, time.Second)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestBuildRejectsWorseFirmQuote(t *testing.T) {
	srv := newServer(t, "2900000000")
	c := New(Config{BaseURL: srv.URL})
	q, err := c.FetchQuote(context.Background(), request(), time.Second)
	require.NoError(t, err)

	_, err = c.BuildTransaction(context.Background(), q, domain.TxParams{Taker: "0x1111111111111111111111111111111111111111", SlippageTolerancePercent: 0.5})
	assert.ErrorIs(t, err, domain.ErrSlippageBound)
}
