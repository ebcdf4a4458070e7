package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Priya8975/integration-hub/internal/domain"
	"github.com/Priya8975/integration-hub/internal/ledger"
)

type DeliveryHandler struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

func NewDeliveryHandler(l *ledger.Ledger, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{ledger: l, logger: logger}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := deliveryFilter(r)
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	h.list(w, r, f)
}

// ListForWebhook serves GET /webhooks/{id}/deliveries.
func (h *DeliveryHandler) ListForWebhook(w http.ResponseWriter, r *http.Request) {
	f, err := deliveryFilter(r)
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	f.WebhookID = chi.URLParam(r, "id")
	h.list(w, r, f)
}

func (h *DeliveryHandler) list(w http.ResponseWriter, r *http.Request, f ledger.DeliveryFilter) {
	deliveries, err := h.ledger.Deliveries(r.Context(), f)
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, deliveries)
}

type deliveryDetail struct {
	domain.Delivery
	AttemptLog []domain.DeliveryAttempt `json:"attempt_log"`
}

// Get returns a delivery with its full attempt chain.
func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	del, err := h.ledger.Delivery(r.Context(), id)
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	attempts, err := h.ledger.Attempts(r.Context(), id)
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}

	respondJSON(w, http.StatusOK, deliveryDetail{Delivery: *del, AttemptLog: attempts})
}

func deliveryFilter(r *http.Request) (ledger.DeliveryFilter, error) {
	q := r.URL.Query()
	f := ledger.DeliveryFilter{WebhookID: q.Get("webhook_id")}

	if s := q.Get("state"); s != "" {
		f.State = domain.DeliveryState(s)
		switch f.State {
		case domain.DeliveryPending, domain.DeliveryInFlight, domain.DeliveryRetryScheduled,
			domain.DeliverySucceeded, domain.DeliveryFailedPermanent, domain.DeliveryExhausted, domain.DeliveryCancelled:
		default:
			return f, &domain.ValidationError{Field: "state", Message: "unknown delivery state " + strconv.Quote(s)}
		}
	}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return f, &domain.ValidationError{Field: "limit", Message: "must be a positive integer"}
		}
		f.Limit = n
	}
	return f, nil
}
