package paraswap

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

const route = `{"srcAmount":"1000000000000000000","destAmount":"2995000000","gasCost":"180000","srcUSD":"3000.00","destUSD":"2997.00","side":"SELL"}`

func request() domain.QuoteRequest {
	return domain.QuoteRequest{
		SellToken:                "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		BuyToken:                 "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		SellAmount:               big.NewInt(1_000_000_000_000_000_000),
		ChainID:                  1,
		SlippageTolerancePercent: 1,
	}
}

func TestFetchQuoteAndBuild(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /prices", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SELL", r.URL.Query().Get("side"))
		assert.Equal(t, "1", r.URL.Query().Get("network"))
		_, _ = w.Write([]byte(`{"priceRoute":` + route + `}`))
	})
	mux.HandleFunc("POST /transactions/1", func(w http.ResponseWriter, r *http.Request) {
		var body buildRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 100, body.Slippage)
		assert.Equal(t, "1000000000000000000", body.SrcAmount)
		assert.Empty(t, body.DestAmount)
		assert.JSONEq(t, route, string(body.PriceRoute))
		_, _ = w.Write([]byte(`{"from":"0x1111111111111111111111111111111111111111","to":"0xdef171fe48cf0115b1d80b88dc8eab59176fee57","value":"0","data":"0x54e3f31b","gasPrice":"20000000000","chainId":1}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	q, err := c.FetchQuote(context.Background(), request(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2995000000", q.BuyAmount.String())
	assert.InDelta(t, 0.1, q.PriceImpactPercent, 1e-9)
	assert.Equal(t, uint64(180000), q.EstimatedGas)

	tx, err := c.BuildTransaction(context.Background(), q, domain.TxParams{
		Taker:                    "0x1111111111111111111111111111111111111111",
		SlippageTolerancePercent: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "0x54e3f31b", tx.Data)
	assert.Equal(t, uint64(180000), tx.Gas, "falls back to the quoted gas")
	assert.Zero(t, tx.Value.Sign())
}

func TestFetchQuoteNoRoutes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"No routes found with enough liquidity"}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).FetchQuote(context.Background(), request(), time.Second)
	assert.ErrorIs(t, err, domain.ErrNoLiquidity)
}

func TestUSDImpact(t *testing.T) {
	v, ok := usdImpact("100", "99")
	assert.True(t, ok)
	assert.InDelta(t, 1.0, v, 1e-9)

	_, ok = usdImpact("", "1")
	assert.False(t, ok)

	v, ok = usdImpact("100", "101")
	assert.True(t, ok)
	assert.InDelta(t, -1.0, v, 1e-9)
}
