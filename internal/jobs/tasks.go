// Package jobs runs scheduled ledger housekeeping on asynq.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/Priya8975/integration-hub/internal/domain"
	"github.com/Priya8975/integration-hub/internal/engine"
	"github.com/Priya8975/integration-hub/internal/observability"
)

const (
	// QueueHousekeeping is the asynq queue used by every task here.
	QueueHousekeeping = "housekeeping"

	// TaskPruneLedger deletes old terminal deliveries.
	TaskPruneLedger = "ledger:prune"
	// TaskRecoverDeliveries re-enqueues deliveries whose queue entry was lost.
	TaskRecoverDeliveries = "deliveries:recover"
)

// recoverBatch bounds how many stalled deliveries one run re-enqueues.
const recoverBatch = 500

// SchedulePayload carries scheduling metadata.
type SchedulePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

func newTask(taskType string, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SchedulePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueHousekeeping), asynq.MaxRetry(1)), nil
}

// NewPruneTask constructs the ledger retention task.
func NewPruneTask(at time.Time) (*asynq.Task, error) {
	return newTask(TaskPruneLedger, at)
}

// NewRecoverTask constructs the stalled-delivery recovery task.
func NewRecoverTask(at time.Time) (*asynq.Task, error) {
	return newTask(TaskRecoverDeliveries, at)
}

// Ledger is the slice of the delivery ledger housekeeping needs.
type Ledger interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Stalled(ctx context.Context, threshold time.Duration, limit int) ([]domain.Delivery, error)
}

// Requeuer adds a job unless an identical one is already queued.
type Requeuer interface {
	EnqueueIfAbsent(ctx context.Context, job engine.DeliveryJob, due time.Time) (bool, error)
}

// Housekeeper holds the task handlers.
type Housekeeper struct {
	ledger         Ledger
	queue          Requeuer
	metrics        *observability.Metrics
	retention      time.Duration
	stallThreshold time.Duration
	logger         *slog.Logger
}

func NewHousekeeper(l Ledger, q Requeuer, metrics *observability.Metrics, retention, stallThreshold time.Duration, logger *slog.Logger) *Housekeeper {
	return &Housekeeper{
		ledger:         l,
		queue:          q,
		metrics:        metrics,
		retention:      retention,
		stallThreshold: stallThreshold,
		logger:         logger,
	}
}

// HandlePrune deletes terminal deliveries older than the retention period.
func (h *Housekeeper) HandlePrune(ctx context.Context, t *asynq.Task) error {
	var payload SchedulePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}

	n, err := h.ledger.Prune(ctx, h.retention)
	if err != nil {
		return err
	}
	h.metrics.Pruned(n)
	return nil
}

// HandleRecover re-enqueues the next attempt of every stalled delivery.
// Queue members are deterministic, so jobs still queued are not duplicated.
func (h *Housekeeper) HandleRecover(ctx context.Context, t *asynq.Task) error {
	var payload SchedulePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}

	stalled, err := h.ledger.Stalled(ctx, h.stallThreshold, recoverBatch)
	if err != nil {
		return fmt.Errorf("listing stalled deliveries: %w", err)
	}

	now := time.Now()
	recovered := 0
	for _, d := range stalled {
		job := engine.DeliveryJob{
			DeliveryID: d.ID,
			WebhookID:  d.WebhookID,
			EventType:  d.EventType,
			Attempt:    d.Attempts + 1,
		}
		added, err := h.queue.EnqueueIfAbsent(ctx, job, now)
		if err != nil {
			return fmt.Errorf("re-enqueueing delivery %s: %w", d.ID, err)
		}
		if added {
			recovered++
		}
	}

	if recovered > 0 {
		h.logger.Warn("recovered stalled deliveries", "count", recovered, "stalled", len(stalled))
	}
	h.metrics.Recovered(recovered)
	return nil
}
