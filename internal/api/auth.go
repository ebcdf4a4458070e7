package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Priya8975/integration-hub/internal/credential"
	"github.com/Priya8975/integration-hub/internal/domain"
)

// APIKeyHeader carries the integration credential.
const APIKeyHeader = "X-API-Key"

type ctxKey int

const apiKeyCtxKey ctxKey = iota

// RequireAPIKey rejects requests without a valid, active, unexpired key.
func RequireAPIKey(keys *credential.Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(APIKeyHeader)
			if presented == "" {
				respondErr(w, logger, r, domain.ErrAuth)
				return
			}

			key, err := keys.Verify(r.Context(), presented)
			if err != nil {
				respondErr(w, logger, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyCtxKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKeyFromContext returns the key authenticated by RequireAPIKey.
func APIKeyFromContext(ctx context.Context) (*domain.APIKey, bool) {
	key, ok := ctx.Value(apiKeyCtxKey).(*domain.APIKey)
	return key, ok
}

// WhoAmI echoes the metadata of the calling key.
func WhoAmI(w http.ResponseWriter, r *http.Request) {
	key, ok := APIKeyFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid or missing API key")
		return
	}
	respondJSON(w, http.StatusOK, key)
}

// EventTypes lists the recognized event types.
func EventTypes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"event_types": domain.KnownEventTypes()})
}
