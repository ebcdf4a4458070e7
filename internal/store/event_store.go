package store

import (
	"context"
	"fmt"

	"github.com/Priya8975/integration-hub/internal/domain"
)

// CreateDeliveries stores the event and every delivery it produced in one
// transaction, so an event is never recorded without its deliveries.
func (s *PostgresStore) CreateDeliveries(ctx context.Context, ev *domain.Event, deliveries []domain.Delivery) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	data := []byte(ev.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO events (id, event_type, subject_id, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID, string(ev.Type), ev.SubjectID, data, ev.OccurredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s: %w", ev.ID, domain.ErrDuplicateEvent)
		}
		return fmt.Errorf("inserting event: %w", err)
	}

	for _, d := range deliveries {
		_, err = tx.Exec(ctx, `
			INSERT INTO deliveries (id, event_id, webhook_id, webhook_name, event_type, subject_id,
				payload, signature, state, attempts, next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, d.ID, d.EventID, d.WebhookID, d.WebhookName, string(d.EventType), d.SubjectID,
			d.Payload, d.Signature, string(d.State), d.Attempts, d.NextAttemptAt, d.CreatedAt, d.UpdatedAt)
		if err != nil {
			return fmt.Errorf("inserting delivery for webhook %s: %w", d.WebhookID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
