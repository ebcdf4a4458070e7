// Command mock-endpoints runs a local webhook receiver for exercising the hub by hand.
package main

import (
	"crypto/hmac"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Priya8975/integration-hub/internal/engine"
)

type receiver struct {
	secret   string
	requests atomic.Int64
	verified atomic.Int64
	rejected atomic.Int64
	flaky    atomic.Int64
	logger   *slog.Logger
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	rc := &receiver{secret: os.Getenv("WEBHOOK_SECRET"), logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/webhook/success", rc.respond(http.StatusOK, 0))
	r.Post("/webhook/slow", rc.respond(http.StatusOK, 3*time.Second))
	r.Post("/webhook/fail", rc.respond(http.StatusInternalServerError, 0))
	r.Post("/webhook/reject", rc.respond(http.StatusBadRequest, 0))
	r.Post("/webhook/throttle", rc.respond(http.StatusTooManyRequests, 0))
	r.Post("/webhook/flaky", rc.flakyHandler)
	r.Get("/stats", rc.stats)

	logger.Info("mock endpoint server starting", "port", port, "verify_signatures", rc.secret != "")
	if err := http.ListenAndServe(":"+port, r); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// respond answers every request with status after delay.
func (rc *receiver) respond(status int, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		rc.handle(w, r, status)
	}
}

// flakyHandler fails the first two of every three requests.
func (rc *receiver) flakyHandler(w http.ResponseWriter, r *http.Request) {
	status := http.StatusServiceUnavailable
	if rc.flaky.Add(1)%3 == 0 {
		status = http.StatusOK
	}
	rc.handle(w, r, status)
}

func (rc *receiver) handle(w http.ResponseWriter, r *http.Request, status int) {
	count := rc.requests.Add(1)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("X-Webhook-Signature")
	if rc.secret != "" {
		if !hmac.Equal([]byte(sig), []byte(engine.Sign(body, rc.secret))) {
			rc.rejected.Add(1)
			rc.logger.Warn("signature mismatch", "request", count, "path", r.URL.Path)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		rc.verified.Add(1)
	}

	rc.logger.Info("webhook received",
		"request", count,
		"path", r.URL.Path,
		"status", status,
		"event", r.Header.Get("X-Webhook-Event"),
		"delivery_id", r.Header.Get("X-Webhook-ID"),
		"event_id", r.Header.Get("X-Webhook-Event-ID"),
		"attempt", r.Header.Get("X-Webhook-Attempt"),
		"signed", sig != "",
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"status": http.StatusText(status)})
}

func (rc *receiver) stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{
		"total_requests":      rc.requests.Load(),
		"verified_signatures": rc.verified.Load(),
		"rejected_signatures": rc.rejected.Load(),
	})
}
