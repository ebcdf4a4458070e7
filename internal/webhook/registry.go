// Package webhook is the registry of external subscriptions.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Priya8975/integration-hub/internal/domain"
	"github.com/Priya8975/integration-hub/internal/lockmap"
	"github.com/Priya8975/integration-hub/internal/validation"
)

// Repository persists webhooks. Implementations return domain.ErrNotFound for unknown ids.
type Repository interface {
	CreateWebhook(ctx context.Context, w *domain.Webhook) error
	GetWebhook(ctx context.Context, id string) (*domain.Webhook, error)
	ListWebhooks(ctx context.Context) ([]domain.Webhook, error)
	ListActiveWebhooks(ctx context.Context) ([]domain.Webhook, error)
	UpdateWebhook(ctx context.Context, w *domain.Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	CountWebhooks(ctx context.Context) (total, active int, err error)
}

// Registry validates and stores webhook subscriptions. Updates and deletes
// of the same webhook are serialized so a partial update never overwrites a
// concurrent one with stale fields.
type Registry struct {
	repo          Repository
	locks         *lockmap.Map
	validate      *validator.Validate
	allowInsecure bool
	logger        *slog.Logger
	now           func() time.Time
}

// NewRegistry creates a registry. allowInsecureURLs permits plain-HTTP
// endpoints and is only set outside production.
func NewRegistry(repo Repository, allowInsecureURLs bool, logger *slog.Logger) *Registry {
	return &Registry{
		repo:          repo,
		locks:         lockmap.New(),
		validate:      validation.New(),
		allowInsecure: allowInsecureURLs,
		logger:        logger,
		now:           time.Now,
	}
}

func (r *Registry) Create(ctx context.Context, req domain.CreateWebhookRequest) (*domain.Webhook, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.URL = strings.TrimSpace(req.URL)
	if err := r.validate.Struct(req); err != nil {
		return nil, validation.Translate(err)
	}
	if err := r.checkURL(req.URL); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	w := domain.Webhook{
		ID:        uuid.NewString(),
		Name:      req.Name,
		URL:       req.URL,
		Secret:    req.Secret,
		Events:    normalizeEvents(req.Events),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.IsActive != nil {
		w.IsActive = *req.IsActive
	}

	if err := r.repo.CreateWebhook(ctx, &w); err != nil {
		return nil, fmt.Errorf("creating webhook: %w", err)
	}
	r.logger.Info("webhook registered", "webhook_id", w.ID, "events", w.Events, "is_active", w.IsActive)
	return &w, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*domain.Webhook, error) {
	return r.repo.GetWebhook(ctx, id)
}

// List returns every webhook regardless of its active flag.
func (r *Registry) List(ctx context.Context) ([]domain.Webhook, error) {
	return r.repo.ListWebhooks(ctx)
}

// ListActive returns the webhooks eligible for fan-out.
func (r *Registry) ListActive(ctx context.Context) ([]domain.Webhook, error) {
	return r.repo.ListActiveWebhooks(ctx)
}

// Update applies a partial update. Deactivation takes effect for every
// attempt that has not started yet.
func (r *Registry) Update(ctx context.Context, id string, req domain.UpdateWebhookRequest) (*domain.Webhook, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, validation.Translate(err)
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	w, err := r.repo.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, &domain.ValidationError{Field: "name", Message: "is required"}
		}
		w.Name = name
	}
	if req.URL != nil {
		u := strings.TrimSpace(*req.URL)
		if err := r.checkURL(u); err != nil {
			return nil, err
		}
		w.URL = u
	}
	if req.Secret != nil {
		w.Secret = *req.Secret
	}
	if req.Events != nil {
		if err := r.validate.Var(*req.Events, "min=1,dive,eventtype"); err != nil {
			return nil, validation.TranslateVar("events", err)
		}
		w.Events = normalizeEvents(*req.Events)
	}
	if req.IsActive != nil {
		w.IsActive = *req.IsActive
	}
	w.UpdatedAt = r.now().UTC()

	if err := r.repo.UpdateWebhook(ctx, w); err != nil {
		return nil, fmt.Errorf("updating webhook: %w", err)
	}
	r.logger.Info("webhook updated", "webhook_id", w.ID, "is_active", w.IsActive)
	return w, nil
}

// Delete removes the webhook. Queued attempts for it are cancelled when a worker picks them up.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	if err := r.repo.DeleteWebhook(ctx, id); err != nil {
		return err
	}
	r.logger.Info("webhook deleted", "webhook_id", id)
	return nil
}

// Counts returns the total and active number of webhooks.
func (r *Registry) Counts(ctx context.Context) (total, active int, err error) {
	return r.repo.CountWebhooks(ctx)
}

func (r *Registry) checkURL(raw string) error {
	if err := r.validate.Var(raw, "required,url,max=2048"); err != nil {
		return validation.TranslateVar("url", err)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return &domain.ValidationError{Field: "url", Message: "must be a well-formed absolute URL"}
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if r.allowInsecure {
			return nil
		}
		return &domain.ValidationError{Field: "url", Message: "must use https"}
	}
	return &domain.ValidationError{Field: "url", Message: "scheme must be https"}
}

// normalizeEvents dedupes and sorts already-validated event names.
func normalizeEvents(names []string) []domain.EventType {
	seen := make(map[domain.EventType]struct{}, len(names))
	out := make([]domain.EventType, 0, len(names))
	for _, n := range names {
		t := domain.EventType(n)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
