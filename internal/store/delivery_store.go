package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Priya8975/integration-hub/internal/domain"
	"github.com/Priya8975/integration-hub/internal/ledger"
)

const deliveryColumns = `id, event_id, webhook_id, webhook_name, event_type, subject_id,
	payload, signature, state, attempts, next_attempt_at, created_at, updated_at`

const attemptColumns = `id, delivery_id, webhook_id, webhook_name, event_type, seq, attempted_at,
	response_status, success, outcome, error_message, duration_ms, next_retry_at`

func scanDelivery(row pgx.Row) (*domain.Delivery, error) {
	var (
		d         domain.Delivery
		eventType string
		state     string
	)
	err := row.Scan(
		&d.ID, &d.EventID, &d.WebhookID, &d.WebhookName, &eventType, &d.SubjectID,
		&d.Payload, &d.Signature, &state, &d.Attempts, &d.NextAttemptAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.EventType = domain.EventType(eventType)
	d.State = domain.DeliveryState(state)
	return &d, nil
}

func scanAttempt(row pgx.Row) (*domain.DeliveryAttempt, error) {
	var (
		a         domain.DeliveryAttempt
		eventType string
	)
	err := row.Scan(
		&a.ID, &a.DeliveryID, &a.WebhookID, &a.WebhookName, &eventType, &a.Seq, &a.AttemptedAt,
		&a.ResponseStatus, &a.Success, &a.Outcome, &a.ErrorMessage, &a.DurationMs, &a.NextRetryAt,
	)
	if err != nil {
		return nil, err
	}
	a.EventType = domain.EventType(eventType)
	return &a, nil
}

func collectAttempts(rows pgx.Rows) ([]domain.DeliveryAttempt, error) {
	defer rows.Close()
	attempts := []domain.DeliveryAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

func collectDeliveries(rows pgx.Rows) ([]domain.Delivery, error) {
	defer rows.Close()
	deliveries := []domain.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	if !validID(id) {
		return nil, domain.ErrNotFound
	}
	d, err := scanDelivery(s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, f ledger.DeliveryFilter) ([]domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries`
	where := []string{}
	args := []any{}
	argIdx := 1

	if f.WebhookID != "" {
		if !validID(f.WebhookID) {
			return []domain.Delivery{}, nil
		}
		where = append(where, fmt.Sprintf("webhook_id = $%d", argIdx))
		args = append(args, f.WebhookID)
		argIdx++
	}
	if f.State != "" {
		where = append(where, fmt.Sprintf("state = $%d", argIdx))
		args = append(args, string(f.State))
		argIdx++
	}

	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (s *PostgresStore) ListEventDeliveries(ctx context.Context, eventID string) ([]domain.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE event_id = $1
		ORDER BY webhook_id
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying event deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

func (s *PostgresStore) MarkInFlight(ctx context.Context, id string, at time.Time) error {
	if !validID(id) {
		return domain.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE deliveries SET state = $2, updated_at = $3
		WHERE id = $1 AND NOT (state = ANY($4))
	`, id, string(domain.DeliveryInFlight), at, terminalStates)
	if err != nil {
		return fmt.Errorf("marking delivery in flight: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrStale(ctx, id)
	}
	return nil
}

// RecordAttempt advances the delivery only if a.Seq directly follows its
// recorded attempts, then appends the attempt row in the same transaction.
func (s *PostgresStore) RecordAttempt(ctx context.Context, a *domain.DeliveryAttempt, state domain.DeliveryState) error {
	if !validID(a.DeliveryID) {
		return domain.ErrNotFound
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE deliveries SET attempts = $2, state = $3, next_attempt_at = $4, updated_at = $5
		WHERE id = $1 AND attempts = $2 - 1 AND NOT (state = ANY($6))
	`, a.DeliveryID, a.Seq, string(state), a.NextRetryAt, a.AttemptedAt, terminalStates)
	if err != nil {
		return fmt.Errorf("advancing delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrStale(ctx, a.DeliveryID)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO delivery_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.ID, a.DeliveryID, a.WebhookID, a.WebhookName, string(a.EventType), a.Seq, a.AttemptedAt,
		a.ResponseStatus, a.Success, a.Outcome, a.ErrorMessage, a.DurationMs, a.NextRetryAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrStaleAttempt
		}
		return fmt.Errorf("inserting attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Reschedule moves the next attempt of a non-terminal delivery.
func (s *PostgresStore) Reschedule(ctx context.Context, id string, next time.Time) error {
	if !validID(id) {
		return domain.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET next_attempt_at = $2,
			state = CASE WHEN attempts > 0 THEN $3 ELSE $4 END,
			updated_at = NOW()
		WHERE id = $1 AND NOT (state = ANY($5))
	`, id, next, string(domain.DeliveryRetryScheduled), string(domain.DeliveryPending), terminalStates)
	if err != nil {
		return fmt.Errorf("rescheduling delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetDelivery(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error) {
	if !validID(deliveryID) {
		return []domain.DeliveryAttempt{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+attemptColumns+` FROM delivery_attempts
		WHERE delivery_id = $1
		ORDER BY seq
	`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	return collectAttempts(rows)
}

// missingOrStale explains a conditional update that matched no row.
func (s *PostgresStore) missingOrStale(ctx context.Context, id string) error {
	_, err := s.GetDelivery(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return ledger.ErrStaleAttempt
}
