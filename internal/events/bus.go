// Package events is the single publication point for inventory domain events.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/integration-hub/internal/domain"
	"github.com/Priya8975/integration-hub/internal/lockmap"
)

// Handler consumes a published event and reports how many units of
// downstream work it durably created.
type Handler interface {
	HandleEvent(ctx context.Context, ev *domain.Event) (int, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *domain.Event) (int, error)

func (f HandlerFunc) HandleEvent(ctx context.Context, ev *domain.Event) (int, error) {
	return f(ctx, ev)
}

// Receipt acknowledges a published event.
type Receipt struct {
	EventID          string `json:"event_id"`
	DeliveriesQueued int    `json:"deliveries_queued"`
}

// Bus hands each event to every subscribed handler before Publish returns.
// Events for the same subject are handled one at a time in publication order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	subjects *lockmap.Map
	logger   *slog.Logger
	now      func() time.Time
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subjects: lockmap.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// Subscribe registers h for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish validates ev, fills in a missing id or timestamp and runs every
// handler. An error means the event may not have been durably accepted and
// the caller should publish again with the same id; a repeated id is answered
// with the original receipt.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) (*Receipt, error) {
	if !ev.Type.Valid() {
		return nil, &domain.ValidationError{Field: "event_type", Message: fmt.Sprintf("unknown event type %q", ev.Type)}
	}
	if ev.SubjectID == "" {
		return nil, &domain.ValidationError{Field: "subject_id", Message: "is required"}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	unlock := b.subjects.Lock(ev.SubjectID)
	defer unlock()

	receipt := &Receipt{EventID: ev.ID}
	for _, h := range handlers {
		n, err := h.HandleEvent(ctx, &ev)
		if err != nil {
			b.logger.Error("event handler failed", "error", err, "event_id", ev.ID, "event_type", ev.Type)
			return nil, fmt.Errorf("handling event %s: %w", ev.ID, err)
		}
		receipt.DeliveriesQueued += n
	}

	b.logger.Debug("event published",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"subject_id", ev.SubjectID,
		"deliveries_queued", receipt.DeliveriesQueued,
	)
	return receipt, nil
}
