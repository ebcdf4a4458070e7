package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Priya8975/integration-hub/internal/domain"
)

// RecentAttempts returns the newest attempts across all deliveries.
func (s *PostgresStore) RecentAttempts(ctx context.Context, limit int) ([]domain.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		ORDER BY attempted_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent attempts: %w", err)
	}
	return collectAttempts(rows)
}

// TallyAttempts counts successful and failed attempts since the given instant.
func (s *PostgresStore) TallyAttempts(ctx context.Context, since time.Time) (domain.DeliveryTally, error) {
	var t domain.DeliveryTally
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE success) AS succeeded,
			COUNT(*) FILTER (WHERE NOT success) AS failed
		FROM delivery_attempts
		WHERE attempted_at >= $1
	`, since).Scan(&t.Succeeded, &t.Failed)
	if err != nil {
		return t, fmt.Errorf("tallying attempts: %w", err)
	}
	return t, nil
}

// PruneDeliveries deletes terminal deliveries untouched since before. Their
// attempts go with them, and events left without deliveries are dropped.
func (s *PostgresStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM deliveries WHERE state = ANY($1) AND updated_at < $2
	`, terminalStates, before)
	if err != nil {
		return 0, fmt.Errorf("deleting deliveries: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM events e
		WHERE e.occurred_at < $1
		  AND NOT EXISTS (SELECT 1 FROM deliveries d WHERE d.event_id = e.id)
	`, before)
	if err != nil {
		return 0, fmt.Errorf("deleting orphaned events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StalledDeliveries lists non-terminal deliveries whose next attempt is
// overdue and which have not been updated since before.
func (s *PostgresStore) StalledDeliveries(ctx context.Context, before time.Time, limit int) ([]domain.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE NOT (state = ANY($1))
		  AND next_attempt_at IS NOT NULL
		  AND next_attempt_at <= $2
		  AND updated_at <= $2
		ORDER BY next_attempt_at
		LIMIT $3
	`, terminalStates, before, limit)
	if err != nil {
		return nil, fmt.Errorf("querying stalled deliveries: %w", err)
	}
	return collectDeliveries(rows)
}
