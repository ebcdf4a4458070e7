package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Priya8975/integration-hub/internal/domain"
)

const apiKeyColumns = `id, name, key_hash, key_prefix, is_active, expires_at, last_used_at, created_at, updated_at`

func scanAPIKey(row pgx.Row) (*domain.APIKey, error) {
	var k domain.APIKey
	err := row.Scan(
		&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix,
		&k.IsActive, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (`+apiKeyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, key.ID, key.Name, key.KeyHash, key.KeyPrefix,
		key.IsActive, key.ExpiresAt, key.LastUsedAt, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, id string) (*domain.APIKey, error) {
	if !validID(id) {
		return nil, domain.ErrNotFound
	}
	k, err := scanAPIKey(s.pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return k, nil
}

func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	k, err := scanAPIKey(s.pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
	if err != nil {
		return nil, notFound(err)
	}
	return k, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	keys := []domain.APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RotateAPIKey(ctx context.Context, id, hash, prefix string, at time.Time) error {
	if !validID(id) {
		return domain.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET key_hash = $2, key_prefix = $3, last_used_at = NULL, updated_at = $4
		WHERE id = $1
	`, id, hash, prefix, at)
	if err != nil {
		return fmt.Errorf("rotating api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetAPIKeyActive(ctx context.Context, id string, active bool, at time.Time) error {
	if !validID(id) {
		return domain.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET is_active = $2, updated_at = $3 WHERE id = $1`, id, active, at)
	if err != nil {
		return fmt.Errorf("updating api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TouchAPIKey stamps last use only if the key still has this hash and is active,
// so a verify racing a regenerate or revoke fails.
func (s *PostgresStore) TouchAPIKey(ctx context.Context, id, hash string, at time.Time) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET last_used_at = $3
		WHERE id = $1 AND key_hash = $2 AND is_active
	`, id, hash, at)
	if err != nil {
		return false, fmt.Errorf("touching api key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CountAPIKeys(ctx context.Context) (total, active int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active) FROM api_keys
	`).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("counting api keys: %w", err)
	}
	return total, active, nil
}
