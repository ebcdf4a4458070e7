package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Priya8975/integration-hub/internal/credential"
	"github.com/Priya8975/integration-hub/internal/domain"
)

type APIKeyHandler struct {
	keys   *credential.Service
	logger *slog.Logger
	now    func() time.Time
}

func NewAPIKeyHandler(keys *credential.Service, logger *slog.Logger) *APIKeyHandler {
	return &APIKeyHandler{keys: keys, logger: logger, now: time.Now}
}

type createAPIKeyRequest struct {
	Name          string `json:"name"`
	ExpiresInDays *int   `json:"expires_in_days,omitempty"`
}

// issuedKeyResponse is the only shape that ever carries a plaintext key.
type issuedKeyResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	APIKey    string     `json:"api_key"`
	KeyPrefix string     `json:"key_prefix"`
	ExpiresAt *time.Time `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

func newIssuedKeyResponse(k *domain.IssuedKey) issuedKeyResponse {
	return issuedKeyResponse{
		ID:        k.Key.ID,
		Name:      k.Key.Name,
		APIKey:    k.Secret,
		KeyPrefix: k.Key.KeyPrefix,
		ExpiresAt: k.Key.ExpiresAt,
		CreatedAt: k.Key.CreatedAt,
	}
}

func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresInDays != nil {
		if *req.ExpiresInDays < 1 {
			respondErr(w, h.logger, r, &domain.ValidationError{Field: "expires_in_days", Message: "must be at least 1"})
			return
		}
		t := h.now().UTC().AddDate(0, 0, *req.ExpiresInDays)
		expiresAt = &t
	}

	issued, err := h.keys.Issue(r.Context(), req.Name, expiresAt)
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, newIssuedKeyResponse(issued))
}

func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context())
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, keys)
}

func (h *APIKeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, key)
}

func (h *APIKeyHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	issued, err := h.keys.Regenerate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newIssuedKeyResponse(issued))
}

func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.keys.Revoke(r.Context(), id); err != nil {
		respondErr(w, h.logger, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "message": "API key revoked"})
}
