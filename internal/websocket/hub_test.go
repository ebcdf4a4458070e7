package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Priya8975/integration-hub/internal/domain"
)

func setupTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func connectWS(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}

	return conn, func() {
		conn.Close()
		server.Close()
	}
}

func TestHub_ClientConnects(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub)
	defer cleanup()

	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 1 {
		t.Errorf("expected 1 client, got %d", count)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients after disconnect, got %d", count)
	}
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub)
	defer cleanup()

	time.Sleep(50 * time.Millisecond)

	code := 200
	hub.Broadcast(DeliveryUpdate{
		Type:        UpdateType(domain.DeliverySucceeded),
		DeliveryID:  "del-123",
		EventID:     "evt-123",
		WebhookID:   "wh-456",
		WebhookName: "ERP",
		EventType:   domain.EventSaleCompleted,
		State:       domain.DeliverySucceeded,
		Attempt:     1,
		StatusCode:  &code,
		DurationMs:  42,
		Timestamp:   time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	var got DeliveryUpdate
	if err := json.Unmarshal(message, &got); err != nil {
		t.Fatalf("invalid message %s: %v", message, err)
	}
	if got.Type != "delivery_succeeded" || got.DeliveryID != "del-123" || got.EventType != domain.EventSaleCompleted {
		t.Errorf("unexpected update: %+v", got)
	}
}

func TestHub_MultipleClients(t *testing.T) {
	hub := setupTestHub(t)

	conn1, cleanup1 := connectWS(t, hub)
	defer cleanup1()
	conn2, cleanup2 := connectWS(t, hub)
	defer cleanup2()

	time.Sleep(50 * time.Millisecond)

	if count := hub.ClientCount(); count != 2 {
		t.Errorf("expected 2 clients, got %d", count)
	}

	hub.Broadcast(DeliveryUpdate{Type: "delivery_retrying", DeliveryID: "del-multi"})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %d failed to read: %v", i+1, err)
		}
		if !strings.Contains(string(message), "del-multi") {
			t.Errorf("client %d didn't receive broadcast", i+1)
		}
	}
}

func TestHub_ClientCountStartsAtZero(t *testing.T) {
	hub := setupTestHub(t)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients initially, got %d", count)
	}
}

func TestUpdateType(t *testing.T) {
	tests := map[domain.DeliveryState]string{
		domain.DeliverySucceeded:       "delivery_succeeded",
		domain.DeliveryRetryScheduled:  "delivery_retrying",
		domain.DeliveryExhausted:       "delivery_exhausted",
		domain.DeliveryCancelled:       "delivery_cancelled",
		domain.DeliveryFailedPermanent: "delivery_failed",
	}
	for state, want := range tests {
		if got := UpdateType(state); got != want {
			t.Errorf("UpdateType(%s) = %q, want %q", state, got, want)
		}
	}
}

func TestHub_WebhookFilter(t *testing.T) {
	hub := setupTestHub(t)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?webhook_id=wh-2"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	hub.Broadcast(DeliveryUpdate{DeliveryID: "del-other", WebhookID: "wh-1"})
	hub.Broadcast(DeliveryUpdate{DeliveryID: "del-mine", WebhookID: "wh-2"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	if !strings.Contains(string(message), "del-mine") {
		t.Errorf("expected only wh-2 updates, got %s", message)
	}
}

func TestHub_StopClosesClients(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	conn, cleanup := connectWS(t, hub)
	defer cleanup()
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-stopped

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed after the hub stopped")
	}
	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients after stop, got %d", count)
	}
}
