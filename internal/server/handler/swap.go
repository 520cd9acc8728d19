package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/executor"
)

// SwapExecutor runs and cancels swaps.
type SwapExecutor interface {
	Execute(ctx context.Context, req domain.SwapRequest) (domain.SwapExecution, error)
	Cancel(ctx context.Context, id string) (domain.SwapExecution, error)
}

// SwapHandler accepts swap requests.
type SwapHandler struct {
	exec   SwapExecutor
	logger *slog.Logger
}

func NewSwapHandler(exec SwapExecutor, logger *slog.Logger) *SwapHandler {
	return &SwapHandler{exec: exec, logger: logger.With(slog.String("handler", "swap"))}
}

type swapRequestBody struct {
	QuoteID        string            `json:"quoteId"`
	QuoteRequest   *quoteRequestBody `json:"quoteRequest"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Nonce          string            `json:"nonce"`
	UserID         string            `json:"userId"`
	Wallet         string            `json:"wallet"`
	MinBuyAmount   string            `json:"minBuyAmount"`
	MaxSellAmount  string            `json:"maxSellAmount"`
}

func (b swapRequestBody) toDomain() (domain.SwapRequest, error) {
	if b.UserID == "" || b.Wallet == "" {
		return domain.SwapRequest{}, fmt.Errorf("%w: userId and wallet are required", domain.ErrInvalidRequest)
	}
	if b.QuoteID == "" && b.QuoteRequest == nil {
		return domain.SwapRequest{}, fmt.Errorf("%w: one of quoteId and quoteRequest is required", domain.ErrInvalidRequest)
	}
	req := domain.SwapRequest{
		ID:             uuid.New().String(),
		UserID:         b.UserID,
		Wallet:         b.Wallet,
		QuoteID:        b.QuoteID,
		IdempotencyKey: b.IdempotencyKey,
		Nonce:          b.Nonce,
	}
	if b.QuoteRequest != nil {
		qr, err := b.QuoteRequest.toDomain()
		if err != nil {
			return domain.SwapRequest{}, err
		}
		req.QuoteRequest = qr
	}
	var err error
	if req.MinBuyAmount, err = parseAmount("minBuyAmount", b.MinBuyAmount); err != nil {
		return domain.SwapRequest{}, err
	}
	if req.MaxSellAmount, err = parseAmount("maxSellAmount", b.MaxSellAmount); err != nil {
		return domain.SwapRequest{}, err
	}
	return req, nil
}

type swapResponse struct {
	ExecutionID string                 `json:"executionId"`
	Status      domain.ExecutionStatus `json:"status"`
	TxHash      string                 `json:"txHash,omitempty"`
	LastError   string                 `json:"lastError,omitempty"`
	Duplicate   bool                   `json:"duplicate"`
}

// Swap executes a swap. A new execution answers 202, a duplicate of an
// earlier request answers 200 with the existing execution.
// POST /api/v1/swap
func (h *SwapHandler) Swap(w http.ResponseWriter, r *http.Request) {
	var body swapRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	req, err := body.toDomain()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	exec, err := h.exec.Execute(r.Context(), req)
	if err != nil {
		h.logger.WarnContext(r.Context(), "swap rejected",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	dup := executor.IsDuplicate(req, exec)
	status := http.StatusAccepted
	if dup {
		status = http.StatusOK
	}
	writeJSON(w, status, swapResponse{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		TxHash:      exec.TxHash,
		LastError:   exec.LastError,
		Duplicate:   dup,
	})
}
