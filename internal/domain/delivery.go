package domain

import (
	"time"
)

// DeliveryState is the position of a Delivery in its attempt chain.
//
//	PENDING -> IN_FLIGHT -> SUCCEEDED
//	                     -> FAILED_PERMANENT
//	                     -> RETRY_SCHEDULED -> IN_FLIGHT ...
//	                     -> EXHAUSTED
//	PENDING | RETRY_SCHEDULED -> CANCELLED (subscription inactive or deleted)
type DeliveryState string

const (
	DeliveryPending         DeliveryState = "PENDING"
	DeliveryInFlight        DeliveryState = "IN_FLIGHT"
	DeliveryRetryScheduled  DeliveryState = "RETRY_SCHEDULED"
	DeliverySucceeded       DeliveryState = "SUCCEEDED"
	DeliveryFailedPermanent DeliveryState = "FAILED_PERMANENT"
	DeliveryExhausted       DeliveryState = "EXHAUSTED"
	DeliveryCancelled       DeliveryState = "CANCELLED"
)

// Terminal reports whether no further attempt can follow this state.
func (s DeliveryState) Terminal() bool {
	switch s {
	case DeliverySucceeded, DeliveryFailedPermanent, DeliveryExhausted, DeliveryCancelled:
		return true
	}
	return false
}

// Delivery groups the attempt chain for one (subscription, event occurrence) pair.
type Delivery struct {
	ID            string        `json:"id"`
	EventID       string        `json:"event_id"`
	WebhookID     string        `json:"webhook_id"`
	WebhookName   string        `json:"webhook_name"`
	EventType     EventType     `json:"event_type"`
	SubjectID     string        `json:"subject_id"`
	Payload       []byte        `json:"-"`
	Signature     string        `json:"-"`
	State         DeliveryState `json:"state"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Attempt outcomes recorded on each DeliveryAttempt.
const (
	OutcomeSuccess   = "success"
	OutcomePermanent = "permanent_failure"
	OutcomeTransient = "transient_failure"
	OutcomeExhausted = "exhausted"
	OutcomeCancelled = "cancelled"
)

// DeliveryAttempt is one immutable try within a Delivery.
type DeliveryAttempt struct {
	ID             string     `json:"id"`
	DeliveryID     string     `json:"delivery_id"`
	WebhookID      string     `json:"webhook_id"`
	WebhookName    string     `json:"webhook_name"`
	EventType      EventType  `json:"event"`
	Seq            int        `json:"attempt"`
	AttemptedAt    time.Time  `json:"attempted_at"`
	ResponseStatus *int       `json:"response_status,omitempty"`
	Success        bool       `json:"success"`
	Outcome        string     `json:"outcome"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
}

// Cancelled reports whether the attempt was discarded before any network call.
func (a DeliveryAttempt) Cancelled() bool {
	return a.Outcome == OutcomeCancelled
}

// DeliveryTally counts attempt results inside a recency window.
type DeliveryTally struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
