// Package openocean implements the aggregator client for the OpenOcean v4 API.
// OpenOcean only prices exact-input swaps.
package openocean

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/dexswap/internal/aggregator"
	"github.com/alanyoungcy/dexswap/internal/domain"
)

// ID is the aggregator identifier used in quotes and metrics.
const ID = "openocean"

// Config configures the client.
type Config struct {
	BaseURL  string
	APIKey   string
	QuoteTTL time.Duration
}

// Client talks to OpenOcean's /v4/{chain}/quote and /swap endpoints.
type Client struct {
	t   *aggregator.Transport
	ttl time.Duration
	now func() time.Time
}

var _ aggregator.Client = (*Client)(nil)

// New creates an OpenOcean client.
func New(cfg Config, opts ...aggregator.TransportOption) *Client {
	topts := append([]aggregator.TransportOption{
		aggregator.WithHeader("apikey", cfg.APIKey),
	}, opts...)
	return &Client{
		t:   aggregator.NewTransport(ID, cfg.BaseURL, topts...),
		ttl: cfg.QuoteTTL,
		now: time.Now,
	}
}

func (c *Client) ID() string { return ID }

// envelope is OpenOcean's wrapper; failures come back as HTTP 200 with a
// non-200 code.
type envelope struct {
	Code  int             `json:"code"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

type quoteData struct {
	InAmount     string          `json:"inAmount"`
	OutAmount    string          `json:"outAmount"`
	EstimatedGas json.Number     `json:"estimatedGas"`
	PriceImpact  string          `json:"price_impact"`
	Path         json.RawMessage `json:"path"`
}

type swapData struct {
	From         string      `json:"from"`
	To           string      `json:"to"`
	Data         string      `json:"data"`
	Value        string      `json:"value"`
	GasPrice     string      `json:"gasPrice"`
	EstimatedGas json.Number `json:"estimatedGas"`
	OutAmount    string      `json:"outAmount"`
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	var env envelope
	if err := c.t.GetJSON(ctx, path, params, &env); err != nil {
		return err
	}
	if env.Code != 200 {
		kind := domain.ErrAggregatorUnknown
		switch {
		case env.Code == 429:
			kind = domain.ErrAggregatorRateLimited
		case env.Code >= 400 && env.Code < 500:
			kind = domain.ErrInvalidRequest
		}
		return c.t.Fail(kind, fmt.Errorf("code %d: %s", env.Code, env.Error))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return c.t.Fail(domain.ErrAggregatorUnknown, fmt.Errorf("decode data: %w", err))
	}
	return nil
}

func baseParams(req domain.QuoteRequest) url.Values {
	params := url.Values{}
	params.Set("inTokenAddress", req.SellToken)
	params.Set("outTokenAddress", req.BuyToken)
	params.Set("amountDecimals", req.SellAmount.String())
	return params
}

// FetchQuote prices an exact-input request via /v4/{chain}/quote.
func (c *Client) FetchQuote(ctx context.Context, req domain.QuoteRequest, timeout time.Duration) (domain.Quote, error) {
	if req.Side() == domain.SideBuy {
		return domain.Quote{}, c.t.Fail(domain.ErrInvalidRequest, fmt.Errorf("exact-output swaps are not supported"))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var data quoteData
	path := fmt.Sprintf("/v4/%d/quote", req.ChainID)
	if err := c.get(ctx, path, baseParams(req), &data); err != nil {
		return domain.Quote{}, fmt.Errorf("openocean: fetch quote: %w", err)
	}

	sell, err := aggregator.ParseAmount(data.InAmount)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("openocean: fetch quote: %w", c.t.Fail(domain.ErrAggregatorUnknown, err))
	}
	buy, err := aggregator.ParseAmount(data.OutAmount)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("openocean: fetch quote: %w", c.t.Fail(domain.ErrAggregatorUnknown, err))
	}
	if buy.Sign() == 0 {
		return domain.Quote{}, fmt.Errorf("openocean: fetch quote: %w", c.t.Fail(domain.ErrNoLiquidity, nil))
	}

	impact, ok := aggregator.ParsePercent(data.PriceImpact)
	if !ok {
		return domain.Quote{}, fmt.Errorf("openocean: fetch quote: %w",
			c.t.Fail(domain.ErrAggregatorUnknown, fmt.Errorf("price impact unavailable")))
	}

	return aggregator.NewQuote(ID, aggregator.QuoteParams{
		Request:    req,
		SellAmount: sell,
		BuyAmount:  buy,
		// OpenOcean reports adverse impact as a negative percentage.
		PriceImpact:  math.Abs(impact),
		Route:        data.Path,
		EstimatedGas: aggregator.ParseGas(data.EstimatedGas.String()),
		FetchedAt:    c.now(),
		TTL:          c.ttl,
	}), nil
}

// BuildTransaction requests calldata via /v4/{chain}/swap.
func (c *Client) BuildTransaction(ctx context.Context, q domain.Quote, p domain.TxParams) (domain.UnsignedTransaction, error) {
	if q.Request.Side() == domain.SideBuy {
		return domain.UnsignedTransaction{}, c.t.Fail(domain.ErrInvalidRequest, fmt.Errorf("exact-output swaps are not supported"))
	}
	params := baseParams(q.Request)
	params.Set("account", p.Taker)
	params.Set("slippage", strconv.FormatFloat(p.SlippageTolerancePercent, 'f', -1, 64))

	var data swapData
	path := fmt.Sprintf("/v4/%d/swap", q.Request.ChainID)
	if err := c.get(ctx, path, params, &data); err != nil {
		return domain.UnsignedTransaction{}, fmt.Errorf("openocean: build transaction: %w", err)
	}
	if data.To == "" || data.Data == "" {
		return domain.UnsignedTransaction{}, fmt.Errorf("openocean: build transaction: %w",
			c.t.Fail(domain.ErrAggregatorUnknown, fmt.Errorf("response missing calldata")))
	}
	firmBuy, err := aggregator.ParseAmount(data.OutAmount)
	if err != nil {
		return domain.UnsignedTransaction{}, fmt.Errorf("openocean: build transaction: %w", c.t.Fail(domain.ErrAggregatorUnknown, err))
	}
	if err := aggregator.CheckFirm(q, q.SellAmount, firmBuy, p.SlippageTolerancePercent); err != nil {
		return domain.UnsignedTransaction{}, fmt.Errorf("openocean: build transaction: %w", err)
	}
	value, err := aggregator.ParseHexOrDecimal(data.Value)
	if err != nil {
		return domain.UnsignedTransaction{}, fmt.Errorf("openocean: build transaction: %w", c.t.Fail(domain.ErrAggregatorUnknown, err))
	}
	gasPrice, _ := aggregator.ParseHexOrDecimal(data.GasPrice)

	return domain.UnsignedTransaction{
		ChainID:      q.Request.ChainID,
		From:         p.Taker,
		To:           data.To,
		Data:         data.Data,
		Value:        value,
		Gas:          aggregator.ParseGas(data.EstimatedGas.String()),
		GasPrice:     gasPrice,
		AggregatorID: ID,
		QuoteID:      q.ID,
	}, nil
}
