package handler

import (
	"context"
	"net/http"

	"github.com/taskhub/reminder-worker/internal/worker"
)

// Lifecycle reports the worker state. *worker.Supervisor satisfies it.
type Lifecycle interface {
	State() worker.State
}

// Connectivity reports broker reachability. *broker.Manager satisfies it.
type Connectivity interface {
	Connected() bool
}

// DedupeStore reports the number of dedupe records. ledger.Ledger satisfies it.
type DedupeStore interface {
	Size(ctx context.Context) (int, error)
}

// HealthHandler serves the liveness and readiness checks.
type HealthHandler struct {
	lifecycle Lifecycle
	broker    Connectivity
}

func NewHealthHandler(lifecycle Lifecycle, broker Connectivity) *HealthHandler {
	return &HealthHandler{lifecycle: lifecycle, broker: broker}
}

// Health handles GET /health. The process is alive if it can answer.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready: 200 only while the worker is running with a
// live broker connection, 503 otherwise.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	state := h.lifecycle.State()
	connected := h.broker.Connected()

	status := http.StatusOK
	if state != worker.StateRunning || !connected {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{
		"state":            state.String(),
		"broker_connected": connected,
	})
}
