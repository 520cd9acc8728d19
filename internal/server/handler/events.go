package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// EventHistory returns the newest published execution events.
type EventHistory interface {
	Recent(ctx context.Context, count int64) ([][]byte, error)
}

// EventsHandler serves the recent execution event feed.
type EventsHandler struct {
	history EventHistory
	logger  *slog.Logger
}

func NewEventsHandler(history EventHistory, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{history: history, logger: logger.With(slog.String("handler", "events"))}
}

// ListRecent returns up to limit events, newest first.
// GET /api/v1/events?limit=N
func (h *EventsHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxEventLimit {
			writeDomainError(w, fmt.Errorf("%w: limit must be within [1, %d]", domain.ErrInvalidRequest, maxEventLimit))
			return
		}
		limit = n
	}

	raw, err := h.history.Recent(r.Context(), int64(limit))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "recent events failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	events := make([]json.RawMessage, 0, len(raw))
	for _, b := range raw {
		if json.Valid(b) {
			events = append(events, b)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
