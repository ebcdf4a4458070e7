package api

import (
	"log/slog"
	"net/http"

	"github.com/Priya8975/integration-hub/internal/engine"
	"github.com/Priya8975/integration-hub/internal/ledger"
	"github.com/Priya8975/integration-hub/internal/webhook"
	ws "github.com/Priya8975/integration-hub/internal/websocket"
)

type DashboardHandler struct {
	ledger   *ledger.Ledger
	queue    *engine.Queue
	webhooks *WebhookHandler
	registry *webhook.Registry
	hub      *ws.Hub
	logger   *slog.Logger
}

func NewDashboardHandler(l *ledger.Ledger, q *engine.Queue, registry *webhook.Registry, webhooks *WebhookHandler, hub *ws.Hub, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{ledger: l, queue: q, registry: registry, webhooks: webhooks, hub: hub, logger: logger}
}

// Status serves the aggregate counters and latest attempts.
func (h *DashboardHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.ledger.Counts(r.Context())
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

type runtimeStats struct {
	QueueDepth       int64 `json:"queue_depth"`
	WebSocketClients int   `json:"websocket_clients"`
}

// Runtime reports the delivery queue backlog and live feed listeners.
func (h *DashboardHandler) Runtime(w http.ResponseWriter, r *http.Request) {
	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		h.logger.Warn("failed to read queue depth", "error", err)
		depth = -1
	}

	stats := runtimeStats{QueueDepth: depth}
	if h.hub != nil {
		stats.WebSocketClients = h.hub.ClientCount()
	}
	respondJSON(w, http.StatusOK, stats)
}

// WebhookHealth returns circuit breaker state for every webhook.
func (h *DashboardHandler) WebhookHealth(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.registry.List(r.Context())
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}

	result := make([]webhookHealth, 0, len(hooks))
	for i := range hooks {
		result = append(result, h.webhooks.health(r, &hooks[i]))
	}
	respondJSON(w, http.StatusOK, result)
}
