package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Priya8975/integration-hub/internal/domain"
)

const webhookColumns = `id, name, url, secret, events, is_active, created_at, updated_at`

func scanWebhook(row pgx.Row) (*domain.Webhook, error) {
	var (
		w      domain.Webhook
		events []string
	)
	err := row.Scan(&w.ID, &w.Name, &w.URL, &w.Secret, &events, &w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Events = make([]domain.EventType, len(events))
	for i, e := range events {
		w.Events[i] = domain.EventType(e)
	}
	return &w, nil
}

func eventNames(types []domain.EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func (s *PostgresStore) CreateWebhook(ctx context.Context, w *domain.Webhook) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhooks (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, w.ID, w.Name, w.URL, w.Secret, eventNames(w.Events), w.IsActive, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	if !validID(id) {
		return nil, domain.ErrNotFound
	}
	w, err := scanWebhook(s.pool.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return w, nil
}

func (s *PostgresStore) ListWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	return s.listWebhooks(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListActiveWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	return s.listWebhooks(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE is_active ORDER BY created_at DESC`)
}

func (s *PostgresStore) listWebhooks(ctx context.Context, query string) ([]domain.Webhook, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying webhooks: %w", err)
	}
	defer rows.Close()

	hooks := []domain.Webhook{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning webhook: %w", err)
		}
		hooks = append(hooks, *w)
	}
	return hooks, rows.Err()
}

func (s *PostgresStore) UpdateWebhook(ctx context.Context, w *domain.Webhook) error {
	if !validID(w.ID) {
		return domain.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhooks SET name = $2, url = $3, secret = $4, events = $5, is_active = $6, updated_at = $7
		WHERE id = $1
	`, w.ID, w.Name, w.URL, w.Secret, eventNames(w.Events), w.IsActive, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteWebhook removes the subscription. Its deliveries stay in the ledger.
func (s *PostgresStore) DeleteWebhook(ctx context.Context, id string) error {
	if !validID(id) {
		return domain.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountWebhooks(ctx context.Context) (total, active int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active) FROM webhooks
	`).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("counting webhooks: %w", err)
	}
	return total, active, nil
}
