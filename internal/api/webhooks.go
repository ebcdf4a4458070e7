package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Priya8975/integration-hub/internal/domain"
	"github.com/Priya8975/integration-hub/internal/engine"
	"github.com/Priya8975/integration-hub/internal/webhook"
)

type WebhookHandler struct {
	registry       *webhook.Registry
	circuitBreaker *engine.CircuitBreaker
	logger         *slog.Logger
}

func NewWebhookHandler(registry *webhook.Registry, cb *engine.CircuitBreaker, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{registry: registry, circuitBreaker: cb, logger: logger}
}

// webhookResponse never carries the secret, only whether one is set.
type webhookResponse struct {
	*domain.Webhook
	HasSecret bool `json:"has_secret"`
}

func newWebhookResponse(w *domain.Webhook) webhookResponse {
	return webhookResponse{Webhook: w, HasSecret: w.HasSecret()}
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateWebhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hook, err := h.registry.Create(r.Context(), req)
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newWebhookResponse(hook))
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.registry.List(r.Context())
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}

	resp := make([]webhookResponse, len(hooks))
	for i := range hooks {
		resp[i] = newWebhookResponse(&hooks[i])
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	hook, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newWebhookResponse(hook))
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateWebhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hook, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newWebhookResponse(hook))
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Delete(r.Context(), id); err != nil {
		respondErr(w, h.logger, r, err)
		return
	}

	if h.circuitBreaker != nil {
		if err := h.circuitBreaker.Reset(r.Context(), id); err != nil {
			h.logger.Warn("failed to clear circuit breaker state", "error", err, "webhook_id", id)
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "message": "webhook deleted"})
}

// Health reports the webhook's circuit breaker state.
func (h *WebhookHandler) Health(w http.ResponseWriter, r *http.Request) {
	hook, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.health(r, hook))
}

type webhookHealth struct {
	WebhookID      string                      `json:"webhook_id"`
	Name           string                      `json:"name"`
	URL            string                      `json:"url"`
	IsActive       bool                        `json:"is_active"`
	CircuitBreaker *engine.CircuitBreakerState `json:"circuit_breaker,omitempty"`
}

func (h *WebhookHandler) health(r *http.Request, hook *domain.Webhook) webhookHealth {
	out := webhookHealth{
		WebhookID: hook.ID,
		Name:      hook.Name,
		URL:       hook.URL,
		IsActive:  hook.IsActive,
	}
	if h.circuitBreaker != nil {
		st := h.circuitBreaker.GetState(r.Context(), hook.ID)
		out.CircuitBreaker = &st
	}
	return out
}
