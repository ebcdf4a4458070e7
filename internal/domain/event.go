package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// EventType is one of the inventory domain mutations external systems can subscribe to.
type EventType string

const (
	EventProductCreated       EventType = "product.created"
	EventProductUpdated       EventType = "product.updated"
	EventStockMovementCreated EventType = "stock.movement.created"
	EventStockLow             EventType = "stock.low"
	EventSaleCompleted        EventType = "sale.completed"
)

var knownEventTypes = map[EventType]struct{}{
	EventProductCreated:       {},
	EventProductUpdated:       {},
	EventStockMovementCreated: {},
	EventStockLow:             {},
	EventSaleCompleted:        {},
}

// Valid reports whether t belongs to the closed enumeration.
func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// ParseEventType converts a raw name into an EventType, rejecting unknown names.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", &ValidationError{Field: "event_type", Message: fmt.Sprintf("unknown event type %q", s)}
	}
	return t, nil
}

// KnownEventTypes returns the enumeration in a stable order.
func KnownEventTypes() []EventType {
	out := make([]EventType, 0, len(knownEventTypes))
	for t := range knownEventTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Event is a domain mutation raised by the inventory write path.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"event_type"`
	SubjectID  string          `json:"subject_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}
