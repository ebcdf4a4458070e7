package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/Priya8975/integration-hub/internal/credential"
	"github.com/Priya8975/integration-hub/internal/engine"
	"github.com/Priya8975/integration-hub/internal/events"
	"github.com/Priya8975/integration-hub/internal/ledger"
	"github.com/Priya8975/integration-hub/internal/observability"
	"github.com/Priya8975/integration-hub/internal/webhook"
	ws "github.com/Priya8975/integration-hub/internal/websocket"
)

// Deps is everything the router serves. CircuitBreaker, Hub and Metrics are optional.
type Deps struct {
	Keys           *credential.Service
	Webhooks       *webhook.Registry
	Bus            *events.Bus
	Ledger         *ledger.Ledger
	Queue          *engine.Queue
	CircuitBreaker *engine.CircuitBreaker
	Hub            *ws.Hub
	Metrics        *observability.Metrics
	Ready          map[string]Pinger
	Production     bool
	RateLimit      int // requests per minute per client IP; 0 disables
	Logger         *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        d.Production,
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(d.Metrics.Middleware)
	r.Use(secureMiddleware.Handler)
	r.Use(middleware.Heartbeat("/ping"))

	keyHandler := NewAPIKeyHandler(d.Keys, d.Logger)
	webhookHandler := NewWebhookHandler(d.Webhooks, d.CircuitBreaker, d.Logger)
	eventHandler := NewEventHandler(d.Bus, d.Logger)
	deliveryHandler := NewDeliveryHandler(d.Ledger, d.Logger)
	dashHandler := NewDashboardHandler(d.Ledger, d.Queue, d.Webhooks, webhookHandler, d.Hub, d.Logger)

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/integration", func(r chi.Router) {
		if d.RateLimit > 0 {
			r.Use(httprate.LimitByIP(d.RateLimit, time.Minute))
		}

		r.Get("/health", HealthHandler())
		r.Get("/ready", ReadyHandler(d.Ready))

		if d.Hub != nil {
			r.Get("/ws", d.Hub.HandleWebSocket)
		}

		r.Route("/api-keys", func(r chi.Router) {
			r.Post("/", keyHandler.Create)
			r.Get("/", keyHandler.List)
			r.Get("/{id}", keyHandler.Get)
			r.Post("/{id}/regenerate", keyHandler.Regenerate)
			r.Delete("/{id}", keyHandler.Revoke)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", webhookHandler.Create)
			r.Get("/", webhookHandler.List)
			r.Get("/{id}", webhookHandler.Get)
			r.Put("/{id}", webhookHandler.Update)
			r.Delete("/{id}", webhookHandler.Delete)
			r.Get("/{id}/health", webhookHandler.Health)
			r.Get("/{id}/deliveries", deliveryHandler.ListForWebhook)
		})

		r.Post("/events", eventHandler.Publish)

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/{id}", deliveryHandler.Get)
		})

		r.Get("/status", dashHandler.Status)
		r.Get("/runtime", dashHandler.Runtime)
		r.Get("/webhooks-health", dashHandler.WebhookHealth)

		r.Route("/public", func(r chi.Router) {
			r.Use(RequireAPIKey(d.Keys, d.Logger))
			r.Get("/whoami", WhoAmI)
			r.Get("/event-types", EventTypes)
		})
	})

	return r
}
