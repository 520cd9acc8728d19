// Package paraswap implements the aggregator client for the ParaSwap v5 API.
package paraswap

import (
	"bytes"
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
const ID = "paraswap"

// Config configures the client.
type Config struct {
	BaseURL  string
	APIKey   string
	Partner  string
	QuoteTTL time.Duration
}

// Client talks to ParaSwap's /prices and /transactions endpoints.
type Client struct {
	t       *aggregator.Transport
	partner string
	ttl     time.Duration
	now     func() time.Time
}

var _ aggregator.Client = (*Client)(nil)

// New creates a ParaSwap client.
func New(cfg Config, opts ...aggregator.TransportOption) *Client {
	topts := append([]aggregator.TransportOption{
		aggregator.WithHeader("X-API-KEY", cfg.APIKey),
		aggregator.WithLiquidityProbe(noLiquidity),
	}, opts...)
	partner := cfg.Partner
	if partner == "" {
		partner = "dexswap"
	}
	return &Client{
		t:       aggregator.NewTransport(ID, cfg.BaseURL, topts...),
		partner: partner,
		ttl:     cfg.QuoteTTL,
		now:     time.Now,
	}
}

func (c *Client) ID() string { return ID }

type priceRoute struct {
	SrcAmount  string `json:"srcAmount"`
	DestAmount string `json:"destAmount"`
	GasCost    string `json:"gasCost"`
	SrcUSD     string `json:"srcUSD"`
	DestUSD    string `json:"destUSD"`
	Side       string `json:"side"`
}

type pricesResponse struct {
	PriceRoute json.RawMessage `json:"priceRoute"`
}

func side(req domain.QuoteRequest) string {
	if req.Side() == domain.SideBuy {
		return "BUY"
	}
	return "SELL"
}

// FetchQuote prices the request via GET /prices.
func (c *Client) FetchQuote(ctx context.Context, req domain.QuoteRequest, timeout time.Duration) (domain.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := url.Values{}
	params.Set("srcToken", req.SellToken)
	params.Set("destToken", req.BuyToken)
	params.Set("amount", req.Amount().String())
	params.Set("side", side(req))
	params.Set("network", strconv.FormatInt(req.ChainID, 10))
	params.Set("partner", c.partner)

	var resp pricesResponse
	if err := c.t.GetJSON(ctx, "/prices", params, &resp); err != nil {
		return domain.Quote{}, fmt.Errorf("paraswap: fetch quote: %w", err)
	}
	var pr priceRoute
	if len(resp.PriceRoute) == 0 || json.Unmarshal(resp.PriceRoute, &pr) != nil {
		return domain.Quote{}, fmt.Errorf("paraswap: fetch quote: %w",
			c.t.Fail(domain.ErrAggregatorUnknown, fmt.Errorf("missing priceRoute")))
	}

	sell, err := aggregator.ParseAmount(pr.SrcAmount)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("paraswap: fetch quote: %w", c.t.Fail(domain.ErrAggregatorUnknown, err))
	}
	buy, err := aggregator.ParseAmount(pr.DestAmount)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("paraswap: fetch quote: %w", c.t.Fail(domain.ErrAggregatorUnknown, err))
	}
	if sell.Sign() == 0 || buy.Sign() == 0 {
		return domain.Quote{}, fmt.Errorf("paraswap: fetch quote: %w", c.t.Fail(domain.ErrNoLiquidity, nil))
	}

	impact, ok := usdImpact(pr.SrcUSD, pr.DestUSD)
	if !ok {
		return domain.Quote{}, fmt.Errorf("paraswap: fetch quote: %w",
			c.t.Fail(domain.ErrAggregatorUnknown, fmt.Errorf("price impact unavailable")))
	}

	return aggregator.NewQuote(ID, aggregator.QuoteParams{
		Request:      req,
		SellAmount:   sell,
		BuyAmount:    buy,
		PriceImpact:  impact,
		Route:        resp.PriceRoute,
		EstimatedGas: aggregator.ParseGas(pr.GasCost),
		FetchedAt:    c.now(),
		TTL:          c.ttl,
	}), nil
}

// usdImpact derives price impact from the USD value lost across the trade.
// ok is false when either side has no USD valuation.
func usdImpact(srcUSD, destUSD string) (float64, bool) {
	src, err1 := strconv.ParseFloat(srcUSD, 64)
	dst, err2 := strconv.ParseFloat(destUSD, 64)
	if err1 != nil || err2 != nil || src <= 0 {
		return 0, false
	}
	return aggregator.QuantizeImpact((src - dst) / src * 100), true
}

type buildRequest struct {
	SrcToken    string          `json:"srcToken"`
	DestToken   string          `json:"destToken"`
	SrcAmount   string          `json:"srcAmount,omitempty"`
	DestAmount  string          `json:"destAmount,omitempty"`
	Slippage    int             `json:"slippage"`
	PriceRoute  json.RawMessage `json:"priceRoute"`
	UserAddress string          `json:"userAddress"`
	Partner     string          `json:"partner"`
}

type buildResponse struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Value    string `json:"value"`
	Data     string `json:"data"`
	GasPrice string `json:"gasPrice"`
	Gas      string `json:"gas"`
	ChainID  int64  `json:"chainId"`
}

// BuildTransaction posts the stored price route to /transactions/{network}.
// Slippage is expressed in basis points; the fixed side's amount is sent and
// the other side is left for ParaSwap to bound.
func (c *Client) BuildTransaction(ctx context.Context, q domain.Quote, p domain.TxParams) (domain.UnsignedTransaction, error) {
	body := buildRequest{
		SrcToken:    q.Request.SellToken,
		DestToken:   q.Request.BuyToken,
		Slippage:    int(math.Round(p.SlippageTolerancePercent * 100)),
		PriceRoute:  q.Route,
		UserAddress: p.Taker,
		Partner:     c.partner,
	}
	if q.Request.Side() == domain.SideBuy {
		body.DestAmount = q.BuyAmount.String()
	} else {
		body.SrcAmount = q.SellAmount.String()
	}

	params := url.Values{}
	params.Set("ignoreChecks", "true")
	path := "/transactions/" + strconv.FormatInt(q.Request.ChainID, 10)

	var resp buildResponse
	if err := c.t.PostJSON(ctx, path, params, body, &resp); err != nil {
		return domain.UnsignedTransaction{}, fmt.Errorf("paraswap: build transaction: %w", err)
	}
	if resp.To == "" || resp.Data == "" {
		return domain.UnsignedTransaction{}, fmt.Errorf("paraswap: build transaction: %w",
			c.t.Fail(domain.ErrAggregatorUnknown, fmt.Errorf("response missing calldata")))
	}
	value, err := aggregator.ParseHexOrDecimal(resp.Value)
	if err != nil {
		return domain.UnsignedTransaction{}, fmt.Errorf("paraswap: build transaction: %w", c.t.Fail(domain.ErrAggregatorUnknown, err))
	}
	gasPrice, _ := aggregator.ParseHexOrDecimal(resp.GasPrice)

	gas := aggregator.ParseGas(resp.Gas)
	if gas == 0 {
		gas = q.EstimatedGas
	}
	return domain.UnsignedTransaction{
		ChainID:      q.Request.ChainID,
		From:         p.Taker,
		To:           resp.To,
		Data:         resp.Data,
		Value:        value,
		Gas:          gas,
		GasPrice:     gasPrice,
		AggregatorID: ID,
		QuoteID:      q.ID,
	}, nil
}

func noLiquidity(status int, body []byte) bool {
	if status != 400 && status != 404 {
		return false
	}
	return bytes.Contains(body, []byte("No routes found")) ||
		bytes.Contains(body, []byte("ESTIMATED_LOSS_GREATER_THAN_MAX_IMPACT"))
}
