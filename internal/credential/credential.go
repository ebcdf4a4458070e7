// Package credential issues, verifies, rotates and revokes integration API keys.
// Only a SHA-256 hash of each secret is persisted; the plaintext leaves this
// package exactly once, in the IssuedKey returned by Issue or Regenerate.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Priya8975/integration-hub/internal/domain"
	"github.com/Priya8975/integration-hub/internal/lockmap"
	"github.com/Priya8975/integration-hub/internal/validation"
)

const (
	// KeyPrefix marks every issued secret so leaked keys are easy to grep for.
	KeyPrefix     = "invk_"
	secretBytes   = 32
	displayLength = len(KeyPrefix) + 8
)

// Repository persists API keys. Implementations return domain.ErrNotFound for unknown ids.
type Repository interface {
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*domain.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]domain.APIKey, error)
	// RotateAPIKey replaces hash and prefix in one statement and clears last_used_at.
	RotateAPIKey(ctx context.Context, id, hash, prefix string, at time.Time) error
	SetAPIKeyActive(ctx context.Context, id string, active bool, at time.Time) error
	// TouchAPIKey sets last_used_at only while the row still carries hash and is active.
	TouchAPIKey(ctx context.Context, id, hash string, at time.Time) (bool, error)
	CountAPIKeys(ctx context.Context) (total, active int, err error)
}

// Service is the CredentialStore.
type Service struct {
	repo     Repository
	locks    *lockmap.Map
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		locks:    lockmap.New(),
		validate: validation.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// Issue creates a new active key. expiresAt may be nil for a key that never expires.
func (s *Service) Issue(ctx context.Context, name string, expiresAt *time.Time) (*domain.IssuedKey, error) {
	name = strings.TrimSpace(name)
	if err := s.validate.Var(name, "required,max=255"); err != nil {
		return nil, validation.TranslateVar("name", err)
	}
	now := s.now().UTC()
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, &domain.ValidationError{Field: "expires_at", Message: "must be in the future"}
	}

	secret, hash, err := generateSecret()
	if err != nil {
		return nil, err
	}

	key := domain.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: displayPrefix(secret),
		IsActive:  true,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateAPIKey(ctx, &key); err != nil {
		return nil, fmt.Errorf("creating api key: %w", err)
	}

	s.logger.Info("api key issued", "key_id", key.ID, "key_prefix", key.KeyPrefix)
	return &domain.IssuedKey{Key: key, Secret: secret}, nil
}

// Regenerate swaps the key's secret for a fresh one. The old secret stops
// verifying as soon as the rotation commits.
func (s *Service) Regenerate(ctx context.Context, id string) (*domain.IssuedKey, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	key, err := s.repo.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}

	secret, hash, err := generateSecret()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	prefix := displayPrefix(secret)
	if err := s.repo.RotateAPIKey(ctx, id, hash, prefix, now); err != nil {
		return nil, fmt.Errorf("rotating api key: %w", err)
	}

	key.KeyHash = hash
	key.KeyPrefix = prefix
	key.LastUsedAt = nil
	key.UpdatedAt = now

	s.logger.Info("api key regenerated", "key_id", id, "key_prefix", prefix)
	return &domain.IssuedKey{Key: *key, Secret: secret}, nil
}

// Revoke deactivates the key. Revoking an already revoked key is a no-op.
func (s *Service) Revoke(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	key, err := s.repo.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	if !key.IsActive {
		return nil
	}
	if err := s.repo.SetAPIKeyActive(ctx, id, false, s.now().UTC()); err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}

	s.logger.Info("api key revoked", "key_id", id)
	return nil
}

// Verify authenticates a presented secret and records its use.
func (s *Service) Verify(ctx context.Context, presented string) (*domain.APIKey, error) {
	if !strings.HasPrefix(presented, KeyPrefix) {
		return nil, domain.ErrAuth
	}
	hash := hashSecret(presented)

	key, err := s.repo.GetAPIKeyByHash(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrAuth
	}
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}

	now := s.now().UTC()
	if !key.IsActive || key.Expired(now) {
		return nil, domain.ErrAuth
	}

	// A concurrent regenerate or revoke makes the touch miss; treat that as a failed verify.
	touched, err := s.repo.TouchAPIKey(ctx, key.ID, hash, now)
	if err != nil {
		return nil, fmt.Errorf("touching api key: %w", err)
	}
	if !touched {
		return nil, domain.ErrAuth
	}
	key.LastUsedAt = &now
	return key, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.APIKey, error) {
	return s.repo.GetAPIKey(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]domain.APIKey, error) {
	return s.repo.ListAPIKeys(ctx)
}

// Counts returns the total and active number of keys.
func (s *Service) Counts(ctx context.Context) (total, active int, err error) {
	return s.repo.CountAPIKeys(ctx)
}

func generateSecret() (secret, hash string, err error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating api key: %w", err)
	}
	secret = KeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	return secret, hashSecret(secret), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func displayPrefix(secret string) string {
	if len(secret) <= displayLength {
		return secret
	}
	return secret[:displayLength]
}
