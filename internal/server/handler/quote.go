package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/validator"
)

// QuoteRouter returns the best quote for a request.
type QuoteRouter interface {
	Route(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error)
}

// QuoteHandler serves quote requests.
type QuoteHandler struct {
	router QuoteRouter
	logger *slog.Logger
}

func NewQuoteHandler(router QuoteRouter, logger *slog.Logger) *QuoteHandler {
	return &QuoteHandler{router: router, logger: logger.With(slog.String("handler", "quote"))}
}

// quoteRequestBody is the wire form of a quote request. Amount applies to
// the side being fixed.
type quoteRequestBody struct {
	SellToken                string  `json:"sellToken"`
	BuyToken                 string  `json:"buyToken"`
	Amount                   string  `json:"amount"`
	Side                     string  `json:"side"`
	ChainID                  int64   `json:"chainId"`
	SlippageTolerancePercent float64 `json:"slippageTolerancePercent"`
}

func (b quoteRequestBody) toDomain() (domain.QuoteRequest, error) {
	amount, err := parseAmount("amount", b.Amount)
	if err != nil {
		return domain.QuoteRequest{}, err
	}
	req := domain.QuoteRequest{
		SellToken:                b.SellToken,
		BuyToken:                 b.BuyToken,
		ChainID:                  b.ChainID,
		SlippageTolerancePercent: b.SlippageTolerancePercent,
	}
	switch domain.Side(strings.ToLower(b.Side)) {
	case domain.SideSell, "":
		req.SellAmount = amount
	case domain.SideBuy:
		req.BuyAmount = amount
	default:
		return domain.QuoteRequest{}, fmt.Errorf("%w: side must be sell or buy", domain.ErrInvalidRequest)
	}
	return req, nil
}

type quoteResponse struct {
	QuoteID            string    `json:"quoteId"`
	Aggregator         string    `json:"aggregator"`
	SellAmount         string    `json:"sellAmount"`
	BuyAmount          string    `json:"buyAmount"`
	PriceImpactPercent float64   `json:"priceImpactPercent"`
	EstimatedGas       uint64    `json:"estimatedGas"`
	MinReceived        string    `json:"minReceived,omitempty"`
	MaxSold            string    `json:"maxSold,omitempty"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

func newQuoteResponse(q domain.Quote, tolerance float64) quoteResponse {
	resp := quoteResponse{
		QuoteID:            q.ID,
		Aggregator:         q.AggregatorID,
		SellAmount:         amountString(q.SellAmount),
		BuyAmount:          amountString(q.BuyAmount),
		PriceImpactPercent: q.PriceImpactPercent,
		EstimatedGas:       q.EstimatedGas,
		ExpiresAt:          q.ExpiresAt,
	}
	if q.Request.Side() == domain.SideBuy {
		resp.MaxSold = amountString(validator.MaxSold(q.SellAmount, tolerance))
	} else {
		resp.MinReceived = amountString(validator.MinReceived(q.BuyAmount, tolerance))
	}
	return resp
}

// GetQuote returns the best quote across aggregators.
// POST /api/v1/quote
func (h *QuoteHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	var body quoteRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	req, err := body.toDomain()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	q, err := h.router.Route(r.Context(), req)
	if err != nil {
		h.logger.WarnContext(r.Context(), "quote failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newQuoteResponse(q, req.SlippageTolerancePercent))
}
