// Package zeroex implements the aggregator client for the 0x Swap API.
package zeroex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/dexswap/internal/aggregator"
	"github.com/alanyoungcy/dexswap/internal/domain"
)

// ID is the aggregator identifier used in quotes and metrics.
const ID = "zeroex"

// DefaultHosts maps chain ids to the 0x API host serving them.
var DefaultHosts = map[int64]string{
	1:     "https://api.0x.org",
	10:    "https://optimism.api.0x.org",
	56:    "https://bsc.api.0x.org",
	137:   "https://polygon.api.0x.org",
	8453:  "https://base.api.0x.org",
	42161: "https://arbitrum.api.0x.org",
}

// Config configures the client.
type Config struct {
	// Hosts overrides DefaultHosts per chain.
	Hosts    map[int64]string
	APIKey   string
	QuoteTTL time.Duration
}

// Client talks to 0x's /swap/v1 price and quote endpoints.
type Client struct {
	transports map[int64]*aggregator.Transport
	ttl        time.Duration
	now        func() time.Time
}

var _ aggregator.Client = (*Client)(nil)

// New creates a 0x client.
func New(cfg Config, opts ...aggregator.TransportOption) *Client {
	hosts := make(map[int64]string, len(DefaultHosts))
	for k, v := range DefaultHosts {
		hosts[k] = v
	}
	for k, v := range cfg.Hosts {
		hosts[k] = v
	}

	topts := append([]aggregator.TransportOption{
		aggregator.WithHeader("0x-api-key", cfg.APIKey),
		aggregator.WithLiquidityProbe(noLiquidity),
	}, opts...)

	c := &Client{
		transports: make(map[int64]*aggregator.Transport, len(hosts)),
		ttl:        cfg.QuoteTTL,
		now:        time.Now,
	}
	for chain, host := range hosts {
		c.transports[chain] = aggregator.NewTransport(ID, host, topts...)
	}
	return c
}

func (c *Client) ID() string { return ID }

// priceResponse covers the fields shared by /price and /quote.
type priceResponse struct {
	ChainID              int64           `json:"chainId"`
	Price                string          `json:"price"`
	GuaranteedPrice      string          `json:"guaranteedPrice"`
	EstimatedPriceImpact string          `json:"estimatedPriceImpact"`
	To                   string          `json:"to"`
	Data                 string          `json:"data"`
	Value                string          `json:"value"`
	Gas                  string          `json:"gas"`
	EstimatedGas         string          `json:"estimatedGas"`
	GasPrice             string          `json:"gasPrice"`
	BuyAmount            string          `json:"buyAmount"`
	SellAmount           string          `json:"sellAmount"`
	AllowanceTarget      string          `json:"allowanceTarget"`
	Sources              json.RawMessage `json:"sources"`
}

func (c *Client) transport(chainID int64) (*aggregator.Transport, error) {
	t, ok := c.transports[chainID]
	if !ok {
		return nil, domain.NewAggregatorError(ID, domain.ErrInvalidRequest, fmt.Errorf("chain %d not supported", chainID))
	}
	return t, nil
}

func amountParams(req domain.QuoteRequest) url.Values {
	params := url.Values{}
	params.Set("sellToken", req.SellToken)
	params.Set("buyToken", req.BuyToken)
	if req.Side() == domain.SideBuy {
		params.Set("buyAmount", req.BuyAmount.String())
	} else {
		params.Set("sellAmount", req.SellAmount.String())
	}
	return params
}

// FetchQuote prices the request via /swap/v1/price.
func (c *Client) FetchQuote(ctx context.Context, req domain.QuoteRequest, timeout time.Duration) (domain.Quote, error) {
	t, err := c.transport(req.ChainID)
	if err != nil {
		return domain.Quote{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp priceResponse
	if err := t.GetJSON(ctx, "/swap/v1/price", amountParams(req), &resp); err != nil {
		return domain.Quote{}, fmt.Errorf("zeroex: fetch quote: %w", err)
	}

	sell, err := aggregator.ParseAmount(resp.SellAmount)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("zeroex: fetch quote: %w", t.Fail(domain.ErrAggregatorUnknown, err))
	}
	buy, err := aggregator.ParseAmount(resp.BuyAmount)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("zeroex: fetch quote: %w", t.Fail(domain.ErrAggregatorUnknown, err))
	}
	if buy.Sign() == 0 || sell.Sign() == 0 {
		return domain.Quote{}, fmt.Errorf("zeroex: fetch quote: %w", t.Fail(domain.ErrNoLiquidity, nil))
	}

	impact, ok := aggregator.ParsePercent(resp.EstimatedPriceImpact)
	if !ok {
		return domain.Quote{}, fmt.Errorf("zeroex: fetch quote: %w",
			t.Fail(domain.ErrAggregatorUnknown, fmt.Errorf("price impact unavailable")))
	}

	gas := aggregator.ParseGas(resp.EstimatedGas)
	if gas == 0 {
		gas = aggregator.ParseGas(resp.Gas)
	}
	route, _ := json.Marshal(map[string]any{"price": resp.Price, "sources": resp.Sources})

	return aggregator.NewQuote(ID, aggregator.QuoteParams{
		Request:      req,
		SellAmount:   sell,
		BuyAmount:    buy,
		PriceImpact:  impact,
		Route:        route,
		EstimatedGas: gas,
		FetchedAt:    c.now(),
		TTL:          c.ttl,
	}), nil
}

// BuildTransaction requests firm calldata via /swap/v1/quote for the
// quote's fixed amount and the taker's slippage tolerance.
func (c *Client) BuildTransaction(ctx context.Context, q domain.Quote, p domain.TxParams) (domain.UnsignedTransaction, error) {
	t, err := c.transport(q.Request.ChainID)
	if err != nil {
		return domain.UnsignedTransaction{}, err
	}

	params := amountParams(q.Request)
	params.Set("takerAddress", p.Taker)
	params.Set("slippagePercentage", strconv.FormatFloat(p.SlippageTolerancePercent/100, 'f', -1, 64))

	var resp priceResponse
	if err := t.GetJSON(ctx, "/swap/v1/quote", params, &resp); err != nil {
		return domain.UnsignedTransaction{}, fmt.Errorf("zeroex: build transaction: %w", err)
	}
	if resp.To == "" || resp.Data == "" {
		return domain.UnsignedTransaction{}, fmt.Errorf("zeroex: build transaction: %w",
			t.Fail(domain.ErrAggregatorUnknown, fmt.Errorf("response missing calldata")))
	}

	firmSell, err := aggregator.ParseAmount(resp.SellAmount)
	if err != nil {
		return domain.UnsignedTransaction{}, fmt.Errorf("zeroex: build transaction: %w", t.Fail(domain.ErrAggregatorUnknown, err))
	}
	firmBuy, err := aggregator.ParseAmount(resp.BuyAmount)
	if err != nil {
		return domain.UnsignedTransaction{}, fmt.Errorf("zeroex: build transaction: %w", t.Fail(domain.ErrAggregatorUnknown, err))
	}
	if err := aggregator.CheckFirm(q, firmSell, firmBuy, p.SlippageTolerancePercent); err != nil {
		return domain.UnsignedTransaction{}, fmt.Errorf("zeroex: build transaction: %w", err)
	}

	value, err := aggregator.ParseHexOrDecimal(resp.Value)
	if err != nil {
		return domain.UnsignedTransaction{}, fmt.Errorf("zeroex: build transaction: %w", t.Fail(domain.ErrAggregatorUnknown, err))
	}
	gasPrice, _ := aggregator.ParseHexOrDecimal(resp.GasPrice)

	return domain.UnsignedTransaction{
		ChainID:      q.Request.ChainID,
		From:         p.Taker,
		To:           resp.To,
		Data:         resp.Data,
		Value:        value,
		Gas:          aggregator.ParseGas(resp.Gas),
		GasPrice:     gasPrice,
		AggregatorID: ID,
		QuoteID:      q.ID,
	}, nil
}

// noLiquidity recognises 0x's validation error for unroutable amounts.
func noLiquidity(status int, body []byte) bool {
	return status == 400 && bytes.Contains(body, []byte("INSUFFICIENT_ASSET_LIQUIDITY"))
}
