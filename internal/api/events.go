package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Priya8975/integration-hub/internal/domain"
	"github.com/Priya8975/integration-hub/internal/events"
)

type EventHandler struct {
	bus    *events.Bus
	logger *slog.Logger
}

func NewEventHandler(bus *events.Bus, logger *slog.Logger) *EventHandler {
	return &EventHandler{bus: bus, logger: logger}
}

type publishEventRequest struct {
	EventID    string          `json:"event_id,omitempty"`
	EventType  string          `json:"event_type"`
	SubjectID  string          `json:"subject_id"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// Publish accepts a domain event from the inventory write path. The 202 is
// sent only after every matching delivery has been persisted.
func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	eventType, err := domain.ParseEventType(req.EventType)
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}

	ev := domain.Event{
		ID:        req.EventID,
		Type:      eventType,
		SubjectID: req.SubjectID,
		Data:      req.Data,
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = *req.OccurredAt
	}

	receipt, err := h.bus.Publish(r.Context(), ev)
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, receipt)
}
