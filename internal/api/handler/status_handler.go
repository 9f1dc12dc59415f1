package handler

import (
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/taskhub/reminder-worker/internal/api/middleware"
)

// StatusHandler serves a human-readable JSON snapshot of the worker.
// Raw Prometheus metrics are available at /metrics and are separate from
// this endpoint.
type StatusHandler struct {
	lifecycle Lifecycle
	broker    Connectivity
	ledger    DedupeStore
}

func NewStatusHandler(lifecycle Lifecycle, broker Connectivity, ledger DedupeStore) *StatusHandler {
	return &StatusHandler{lifecycle: lifecycle, broker: broker, ledger: ledger}
}

// GetStatus handles GET /api/v1/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	size, err := h.ledger.Size(r.Context())
	if err != nil {
		apimw.Logger(r.Context()).Error("failed to read dedupe ledger size", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "dedupe ledger unavailable")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"state":            h.lifecycle.State().String(),
		"broker_connected": h.broker.Connected(),
		"dedupe_entries":   size,
	})
}
