package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/integration-hub/internal/domain"
	"github.com/Priya8975/integration-hub/internal/observability"
)

// WebhookLister supplies the subscriptions eligible for fan-out.
type WebhookLister interface {
	ListActive(ctx context.Context) ([]domain.Webhook, error)
}

// DeliveryRecorder persists an event together with its deliveries.
// CreateDeliveries returns domain.ErrDuplicateEvent when the event id was
// already recorded.
type DeliveryRecorder interface {
	CreateDeliveries(ctx context.Context, ev *domain.Event, deliveries []domain.Delivery) error
	ListEventDeliveries(ctx context.Context, eventID string) ([]domain.Delivery, error)
}

// Dispatcher fans a domain event out to every active webhook subscribed to
// its type: one signed Delivery per match, persisted first, then queued.
type Dispatcher struct {
	webhooks WebhookLister
	ledger   DeliveryRecorder
	queue    *Queue
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(webhooks WebhookLister, ledger DeliveryRecorder, queue *Queue, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		webhooks: webhooks,
		ledger:   ledger,
		queue:    queue,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleEvent makes Dispatcher an EventBus handler.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev *domain.Event) (int, error) {
	return d.FanOut(ctx, ev)
}

// FanOut returns the number of deliveries created. The event and its
// deliveries are durable once FanOut returns without error; a failure to
// reach Redis afterwards is left to stalled-delivery recovery.
func (d *Dispatcher) FanOut(ctx context.Context, ev *domain.Event) (int, error) {
	payload, err := CanonicalPayload(ev)
	if err != nil {
		return 0, err
	}

	webhooks, err := d.webhooks.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("finding matching webhooks: %w", err)
	}

	now := d.now().UTC()
	deliveries := make([]domain.Delivery, 0, len(webhooks))
	for _, w := range webhooks {
		if !w.IsActive || !w.Subscribes(ev.Type) {
			continue
		}
		deliveries = append(deliveries, domain.Delivery{
			ID:            uuid.NewString(),
			EventID:       ev.ID,
			WebhookID:     w.ID,
			WebhookName:   w.Name,
			EventType:     ev.Type,
			SubjectID:     ev.SubjectID,
			Payload:       payload,
			Signature:     Sign(payload, w.Secret),
			State:         domain.DeliveryPending,
			NextAttemptAt: &now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := d.ledger.CreateDeliveries(ctx, ev, deliveries); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			return d.replay(ctx, ev)
		}
		return 0, err
	}
	d.metrics.EventPublished(string(ev.Type), len(deliveries))

	if len(deliveries) == 0 {
		d.logger.Info("no matching webhooks", "event_id", ev.ID, "event_type", ev.Type)
		return 0, nil
	}

	jobs := make([]DeliveryJob, len(deliveries))
	for i, del := range deliveries {
		jobs[i] = DeliveryJob{DeliveryID: del.ID, WebhookID: del.WebhookID, EventType: del.EventType, Attempt: 1}
	}
	if err := d.queue.EnqueueBatch(ctx, jobs, now); err != nil {
		d.logger.Error("deliveries persisted but not queued; recovery will pick them up",
			"error", err,
			"event_id", ev.ID,
			"deliveries", len(deliveries),
		)
	}

	d.logger.Info("fan-out complete",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"deliveries_queued", len(deliveries),
	)
	return len(deliveries), nil
}

// replay answers a republished event id with the deliveries created the first
// time. Pending and retry-scheduled ones are queued again if their job is
// missing, which covers a publisher retrying after the enqueue was lost.
// In-flight deliveries are left to stalled-delivery recovery.
func (d *Dispatcher) replay(ctx context.Context, ev *domain.Event) (int, error) {
	existing, err := d.ledger.ListEventDeliveries(ctx, ev.ID)
	if err != nil {
		return 0, fmt.Errorf("loading deliveries of event %s: %w", ev.ID, err)
	}

	now := d.now().UTC()
	requeued := 0
	for _, del := range existing {
		if del.State.Terminal() || del.State == domain.DeliveryInFlight {
			continue
		}
		due := now
		if del.NextAttemptAt != nil {
			due = *del.NextAttemptAt
		}
		job := DeliveryJob{DeliveryID: del.ID, WebhookID: del.WebhookID, EventType: del.EventType, Attempt: del.Attempts + 1}
		added, err := d.queue.EnqueueIfAbsent(ctx, job, due)
		if err != nil {
			d.logger.Error("failed to requeue replayed delivery; recovery will pick it up",
				"error", err,
				"delivery_id", del.ID,
			)
			continue
		}
		if added {
			requeued++
		}
	}

	d.logger.Info("event already published; replaying receipt",
		"event_id", ev.ID,
		"deliveries", len(existing),
		"requeued", requeued,
	)
	return len(existing), nil
}

// CanonicalPayload serializes ev deterministically: object keys are sorted
// at every level and numbers keep their original text.
func CanonicalPayload(ev *domain.Event) ([]byte, error) {
	var data any = map[string]any{}
	if len(bytes.TrimSpace(ev.Data)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(ev.Data))
		dec.UseNumber()
		if err := dec.Decode(&data); err != nil {
			return nil, &domain.ValidationError{Field: "data", Message: "must be valid JSON"}
		}
		if dec.More() {
			return nil, &domain.ValidationError{Field: "data", Message: "must be a single JSON value"}
		}
	}

	body := map[string]any{
		"event_id":    ev.ID,
		"event_type":  ev.Type,
		"subject_id":  ev.SubjectID,
		"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		"data":        data,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling payload: %w", err)
	}
	return b, nil
}

// Sign returns the hex HMAC-SHA256 of payload keyed by secret, or "" without a secret.
func Sign(payload []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
