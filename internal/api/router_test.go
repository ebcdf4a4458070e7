package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Priya8975/integration-hub/internal/credential"
	"github.com/Priya8975/integration-hub/internal/engine"
	"github.com/Priya8975/integration-hub/internal/events"
	"github.com/Priya8975/integration-hub/internal/ledger"
	"github.com/Priya8975/integration-hub/internal/observability"
	"github.com/Priya8975/integration-hub/internal/store/memory"
	"github.com/Priya8975/integration-hub/internal/webhook"
	ws "github.com/Priya8975/integration-hub/internal/websocket"
)

type testServer struct {
	handler http.Handler
	queue   *engine.Queue
	breaker *engine.CircuitBreaker
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := memory.New()
	keys := credential.NewService(store, logger)
	registry := webhook.NewRegistry(store, true, logger)
	led := ledger.New(store, keys, registry, ledger.Options{}, logger)
	queue := engine.NewQueue(client)
	bus := events.NewBus(logger)
	bus.Subscribe(engine.NewDispatcher(registry, led, queue, nil, logger))
	breaker := engine.NewCircuitBreaker(client, 5, time.Minute, logger)

	handler := NewRouter(Deps{
		Keys:           keys,
		Webhooks:       registry,
		Bus:            bus,
		Ledger:         led,
		Queue:          queue,
		CircuitBreaker: breaker,
		Hub:            ws.NewHub(logger),
		Metrics:        observability.NewMetrics(),
		Ready: map[string]Pinger{
			"redis": PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() }),
		},
		Logger: logger,
	})
	return &testServer{handler: handler, queue: queue, breaker: breaker}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAPIKeys_Lifecycle(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, "/integration/api-keys", map[string]any{"name": "erp", "expires_in_days": 30})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]any](t, rec)
	id := created["id"].(string)
	rawKey := created["api_key"].(string)
	assert.True(t, strings.HasPrefix(rawKey, credential.KeyPrefix))
	assert.Equal(t, "erp", created["name"])
	assert.NotNil(t, created["expires_at"])
	assert.NotEmpty(t, created["created_at"])

	// Reads never include the secret.
	rec = s.do(t, http.MethodGet, "/integration/api-keys/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), rawKey)
	assert.NotContains(t, rec.Body.String(), "api_key\"")
	rec = s.do(t, http.MethodGet, "/integration/api-keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), rawKey)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/integration/public/whoami", nil, APIKeyHeader, rawKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode[map[string]any](t, rec)["id"])

	rec = s.do(t, http.MethodPost, "/integration/api-keys/"+id+"/regenerate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	newKey := decode[map[string]any](t, rec)["api_key"].(string)
	assert.NotEqual(t, rawKey, newKey)

	rec = s.do(t, http.MethodGet, "/integration/public/whoami", nil, APIKeyHeader, rawKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "old key must stop working after regenerate")
	rec = s.do(t, http.MethodGet, "/integration/public/event-types", nil, APIKeyHeader, newKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sale.completed")

	for i := 0; i < 2; i++ {
		rec = s.do(t, http.MethodDelete, "/integration/api-keys/"+id, nil)
		assert.Equal(t, http.StatusOK, rec.Code, "revoke is idempotent")
	}
	rec = s.do(t, http.MethodGet, "/integration/public/whoami", nil, APIKeyHeader, newKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeys_Errors(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, "/integration/api-keys", map[string]any{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "name", body["field"])
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])
	assert.NotEmpty(t, body["error"])

	rec = s.do(t, http.MethodPost, "/integration/api-keys", map[string]any{"name": "x", "expires_in_days": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/integration/api-keys/missing/regenerate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodDelete, "/integration/api-keys/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/integration/public/whoami", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = s.do(t, http.MethodGet, "/integration/public/whoami", nil, APIKeyHeader, "invk_not-a-real-key")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhooks_CRUD(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, "/integration/webhooks", map[string]any{
		"name":   "Shop",
		"url":    "https://shop.example.com/hooks",
		"secret": "abc",
		"events": []string{"sale.completed", "stock.low"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "\"secret\"")
	created := decode[map[string]any](t, rec)
	id := created["id"].(string)
	assert.Equal(t, true, created["has_secret"])
	assert.Equal(t, true, created["is_active"])

	rec = s.do(t, http.MethodPut, "/integration/webhooks/"+id, map[string]any{"is_active": false, "secret": ""})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[map[string]any](t, rec)
	assert.Equal(t, false, updated["is_active"])
	assert.Equal(t, false, updated["has_secret"])

	rec = s.do(t, http.MethodGet, "/integration/webhooks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/integration/webhooks/"+id+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "closed")

	rec = s.do(t, http.MethodDelete, "/integration/webhooks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/integration/webhooks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhooks_Validation(t *testing.T) {
	s := setupServer(t)

	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{"unknown event", map[string]any{"name": "a", "url": "https://x.example.com", "events": []string{"order.shipped"}}, "events[0]"},
		{"no events", map[string]any{"name": "a", "url": "https://x.example.com", "events": []string{}}, "events"},
		{"bad url", map[string]any{"name": "a", "url": "not a url", "events": []string{"stock.low"}}, "url"},
		{"missing name", map[string]any{"url": "https://x.example.com", "events": []string{"stock.low"}}, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/integration/webhooks", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.field, decode[map[string]any](t, rec)["field"])
		})
	}

	rec := s.do(t, http.MethodPost, "/integration/webhooks", map[string]any{"name": "a", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvents_PublishFansOut(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, "/integration/webhooks", map[string]any{
		"name": "Shop", "url": "https://shop.example.com/hooks", "events": []string{"sale.completed"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	hookID := decode[map[string]any](t, rec)["id"].(string)

	rec = s.do(t, http.MethodPost, "/integration/events", map[string]any{
		"event_type": "sale.completed",
		"subject_id": "sale-42",
		"data":       map[string]any{"total": 19.99},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	receipt := decode[events.Receipt](t, rec)
	assert.NotEmpty(t, receipt.EventID)
	assert.Equal(t, 1, receipt.DeliveriesQueued)

	depth, err := s.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	rec = s.do(t, http.MethodPost, "/integration/events", map[string]any{"event_type": "stock.low", "subject_id": "p-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 0, decode[events.Receipt](t, rec).DeliveriesQueued)

	rec = s.do(t, http.MethodGet, "/integration/webhooks/"+hookID+"/deliveries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	deliveries := decode[[]map[string]any](t, rec)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "PENDING", deliveries[0]["state"])
	assert.Equal(t, receipt.EventID, deliveries[0]["event_id"])

	rec = s.do(t, http.MethodGet, "/integration/deliveries/"+deliveries[0]["id"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[map[string]any](t, rec)
	assert.Empty(t, detail["attempt_log"])

	rec = s.do(t, http.MethodGet, "/integration/deliveries?state=SUCCEEDED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]map[string]any](t, rec))

	rec = s.do(t, http.MethodGet, "/integration/deliveries?state=NOPE", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodGet, "/integration/deliveries/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents_RepublishSameIDReturnsOriginalReceipt(t *testing.T) {
	s := setupServer(t)
	ctx := context.Background()

	rec := s.do(t, http.MethodPost, "/integration/webhooks", map[string]any{
		"name": "Shop", "url": "https://shop.example.com/hooks", "events": []string{"sale.completed"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	hookID := decode[map[string]any](t, rec)["id"].(string)

	event := map[string]any{"event_id": "evt-1", "event_type": "sale.completed", "subject_id": "sale-42"}

	rec = s.do(t, http.MethodPost, "/integration/events", event)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decode[events.Receipt](t, rec)
	assert.Equal(t, "evt-1", first.EventID)
	assert.Equal(t, 1, first.DeliveriesQueued)

	rec = s.do(t, http.MethodPost, "/integration/events", event)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, first, decode[events.Receipt](t, rec))

	depth, err := s.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "republishing must not queue a second job")

	rec = s.do(t, http.MethodGet, "/integration/webhooks/"+hookID+"/deliveries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	// A job lost between persistence and enqueue is restored by the retry.
	claimed, err := s.queue.ClaimDue(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	rec = s.do(t, http.MethodPost, "/integration/events", event)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[events.Receipt](t, rec).DeliveriesQueued)

	requeued, err := s.queue.ClaimDue(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, claimed[0], requeued[0])
}

func TestEvents_Validation(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodPost, "/integration/events", map[string]any{"event_type": "order.shipped", "subject_id": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "event_type", decode[map[string]any](t, rec)["field"])

	rec = s.do(t, http.MethodPost, "/integration/events", map[string]any{"event_type": "stock.low"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "subject_id", decode[map[string]any](t, rec)["field"])
}

func TestStatus(t *testing.T) {
	s := setupServer(t)

	s.do(t, http.MethodPost, "/integration/api-keys", map[string]any{"name": "a"})
	s.do(t, http.MethodPost, "/integration/webhooks", map[string]any{
		"name": "Shop", "url": "https://shop.example.com/hooks", "events": []string{"stock.low"}, "is_active": false,
	})

	rec := s.do(t, http.MethodGet, "/integration/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[ledger.Status](t, rec)
	assert.Equal(t, 1, st.TotalAPIKeys)
	assert.Equal(t, 1, st.ActiveAPIKeys)
	assert.Equal(t, 1, st.TotalWebhooks)
	assert.Equal(t, 0, st.ActiveWebhooks)
	assert.Empty(t, st.RecentDeliveries)
	assert.Contains(t, rec.Body.String(), `"recent_deliveries":[]`)
}

func TestHealthAndMiddleware(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodGet, "/integration/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = s.do(t, http.MethodGet, "/integration/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)

	rec = s.do(t, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "integration_http_requests_total")

	rec = s.do(t, http.MethodGet, "/integration/runtime", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queue_depth":0`)
}

func TestWebhooksHealth(t *testing.T) {
	s := setupServer(t)

	rec := s.do(t, http.MethodGet, "/integration/webhooks-health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/integration/webhooks", map[string]any{
		"name": "Shop", "url": "https://shop.example.com/hooks", "events": []string{"sale.completed"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	shopID := decode[map[string]any](t, rec)["id"].(string)

	rec = s.do(t, http.MethodPost, "/integration/webhooks", map[string]any{
		"name": "ERP", "url": "https://erp.example.com/hooks", "events": []string{"stock.low"}, "is_active": false,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	erpID := decode[map[string]any](t, rec)["id"].(string)

	for i := 0; i < 5; i++ {
		s.breaker.RecordFailure(context.Background(), shopID)
	}

	rec = s.do(t, http.MethodGet, "/integration/webhooks-health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[[]webhookHealth](t, rec)
	require.Len(t, health, 2)

	byID := map[string]webhookHealth{}
	for _, h := range health {
		byID[h.WebhookID] = h
	}
	require.Contains(t, byID, shopID)
	require.Contains(t, byID, erpID)

	shop := byID[shopID]
	assert.True(t, shop.IsActive)
	require.NotNil(t, shop.CircuitBreaker)
	assert.Equal(t, engine.StateOpen, shop.CircuitBreaker.State)
	assert.Equal(t, 5, shop.CircuitBreaker.Failures)

	erp := byID[erpID]
	assert.False(t, erp.IsActive)
	require.NotNil(t, erp.CircuitBreaker)
	assert.Equal(t, engine.StateClosed, erp.CircuitBreaker.State)
}

func TestReadyReportsFailingDependency(t *testing.T) {
	h := ReadyHandler(map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return errors.New("down") }),
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/integration/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"postgres":"unavailable"`)
}
