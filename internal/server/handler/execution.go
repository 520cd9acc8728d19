package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

// ExecutionReader loads executions by id.
type ExecutionReader interface {
	GetByID(ctx context.Context, id string) (domain.SwapExecution, error)
}

// ExecutionHandler serves execution status and cancellation.
type ExecutionHandler struct {
	store  ExecutionReader
	exec   SwapExecutor
	logger *slog.Logger
}

func NewExecutionHandler(store ExecutionReader, exec SwapExecutor, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{store: store, exec: exec, logger: logger.With(slog.String("handler", "execution"))}
}

type executionResponse struct {
	ExecutionID string                 `json:"executionId"`
	Status      domain.ExecutionStatus `json:"status"`
	TxHash      string                 `json:"txHash,omitempty"`
	LastError   string                 `json:"lastError,omitempty"`
	Attempts    int                    `json:"attempts"`
	Aggregator  string                 `json:"aggregator"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	Hint        string                 `json:"hint,omitempty"`
}

func newExecutionResponse(e domain.SwapExecution) executionResponse {
	resp := executionResponse{
		ExecutionID: e.ID,
		Status:      e.Status,
		TxHash:      e.TxHash,
		LastError:   e.LastError,
		Attempts:    e.Attempts,
		Aggregator:  e.ChosenQuote.AggregatorID,
		UpdatedAt:   e.UpdatedAt,
	}
	if e.Status == domain.ExecutionExpired {
		resp.Hint = domain.ReasonTrackingTimeout
	}
	return resp
}

// GetExecution returns the current state of an execution.
// GET /api/v1/executions/{id}
func (h *ExecutionHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := h.store.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newExecutionResponse(e))
}

// CancelExecution stops a pending or submitted execution.
// POST /api/v1/executions/{id}/cancel
func (h *ExecutionHandler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, err := h.exec.Cancel(r.Context(), id)
	if err != nil {
		h.logger.WarnContext(r.Context(), "cancel failed",
			slog.String("execution_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newExecutionResponse(e))
}
