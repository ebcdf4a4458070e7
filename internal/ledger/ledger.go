// Package ledger records deliveries and their attempt chains and serves
// the aggregate status view.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Priya8975/integration-hub/internal/domain"
)

// ErrStaleAttempt is returned when an attempt's sequence number does not
// directly follow the last recorded attempt of its delivery.
var ErrStaleAttempt = errors.New("attempt sequence is stale")

// DeliveryFilter narrows ListDeliveries. Zero values mean no restriction.
type DeliveryFilter struct {
	WebhookID string
	State     domain.DeliveryState
	Limit     int
}

// Repository persists deliveries and attempts.
type Repository interface {
	// CreateDeliveries stores the event and its deliveries in one transaction.
	CreateDeliveries(ctx context.Context, ev *domain.Event, deliveries []domain.Delivery) error
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]domain.Delivery, error)
	ListEventDeliveries(ctx context.Context, eventID string) ([]domain.Delivery, error)
	MarkInFlight(ctx context.Context, id string, at time.Time) error
	// RecordAttempt appends a and moves its delivery to state. It returns
	// ErrStaleAttempt unless a.Seq == delivery.Attempts+1.
	RecordAttempt(ctx context.Context, a *domain.DeliveryAttempt, state domain.DeliveryState) error
	Reschedule(ctx context.Context, id string, next time.Time) error
	ListAttempts(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error)
	RecentAttempts(ctx context.Context, limit int) ([]domain.DeliveryAttempt, error)
	TallyAttempts(ctx context.Context, since time.Time) (domain.DeliveryTally, error)
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)
	StalledDeliveries(ctx context.Context, before time.Time, limit int) ([]domain.Delivery, error)
}

// Counter reports total and active counts of a record kind.
type Counter interface {
	Counts(ctx context.Context) (total, active int, err error)
}

// Options tunes the status view.
type Options struct {
	Window      time.Duration
	RecentLimit int
}

// Status is the aggregate served by GET /integration/status.
type Status struct {
	TotalAPIKeys     int                      `json:"total_api_keys"`
	ActiveAPIKeys    int                      `json:"active_api_keys"`
	TotalWebhooks    int                      `json:"total_webhooks"`
	ActiveWebhooks   int                      `json:"active_webhooks"`
	Window           string                   `json:"window"`
	Deliveries       domain.DeliveryTally     `json:"deliveries"`
	RecentDeliveries []domain.DeliveryAttempt `json:"recent_deliveries"`
}

// Ledger is the DeliveryLedger.
type Ledger struct {
	repo     Repository
	keys     Counter
	webhooks Counter
	opts     Options
	group    singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
}

func New(repo Repository, keys, webhooks Counter, opts Options, logger *slog.Logger) *Ledger {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 10
	}
	return &Ledger{
		repo:     repo,
		keys:     keys,
		webhooks: webhooks,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

func (l *Ledger) CreateDeliveries(ctx context.Context, ev *domain.Event, deliveries []domain.Delivery) error {
	if err := l.repo.CreateDeliveries(ctx, ev, deliveries); err != nil {
		return fmt.Errorf("persisting deliveries for event %s: %w", ev.ID, err)
	}
	return nil
}

func (l *Ledger) Delivery(ctx context.Context, id string) (*domain.Delivery, error) {
	return l.repo.GetDelivery(ctx, id)
}

func (l *Ledger) Deliveries(ctx context.Context, f DeliveryFilter) ([]domain.Delivery, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	return l.repo.ListDeliveries(ctx, f)
}

// ListEventDeliveries returns every delivery fanned out for eventID.
func (l *Ledger) ListEventDeliveries(ctx context.Context, eventID string) ([]domain.Delivery, error) {
	return l.repo.ListEventDeliveries(ctx, eventID)
}

func (l *Ledger) MarkInFlight(ctx context.Context, id string) error {
	return l.repo.MarkInFlight(ctx, id, l.now().UTC())
}

// RecordAttempt appends an attempt and transitions its delivery. Recorded
// attempts are never modified afterwards.
func (l *Ledger) RecordAttempt(ctx context.Context, a *domain.DeliveryAttempt, state domain.DeliveryState) error {
	if a.Seq < 1 {
		return fmt.Errorf("attempt sequence must start at 1, got %d", a.Seq)
	}
	if state.Terminal() != (a.NextRetryAt == nil) {
		return fmt.Errorf("state %s inconsistent with next retry %v", state, a.NextRetryAt)
	}
	return l.repo.RecordAttempt(ctx, a, state)
}

// Reschedule moves a delivery's next attempt without consuming a sequence number.
func (l *Ledger) Reschedule(ctx context.Context, id string, next time.Time) error {
	return l.repo.Reschedule(ctx, id, next)
}

// Attempts returns the attempt chain of a delivery in sequence order.
func (l *Ledger) Attempts(ctx context.Context, deliveryID string) ([]domain.DeliveryAttempt, error) {
	if _, err := l.repo.GetDelivery(ctx, deliveryID); err != nil {
		return nil, err
	}
	return l.repo.ListAttempts(ctx, deliveryID)
}

// RecentDeliveries returns the newest attempts, most recent first.
func (l *Ledger) RecentDeliveries(ctx context.Context, limit int) ([]domain.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = l.opts.RecentLimit
	}
	return l.repo.RecentAttempts(ctx, limit)
}

// statusTimeout bounds the shared status computation, which no single
// caller's context controls.
const statusTimeout = 10 * time.Second

// Counts assembles the status view. Concurrent callers share one computation;
// a caller that gives up stops waiting without cancelling it for the others.
func (l *Ledger) Counts(ctx context.Context) (*Status, error) {
	ch := l.group.DoChan("status", func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusTimeout)
		defer cancel()
		return l.counts(shared)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		st := *res.Val.(*Status)
		st.RecentDeliveries = append(make([]domain.DeliveryAttempt, 0, len(st.RecentDeliveries)), st.RecentDeliveries...)
		return &st, nil
	}
}

func (l *Ledger) counts(ctx context.Context) (*Status, error) {
	st := &Status{Window: l.opts.Window.String()}

	var err error
	if st.TotalAPIKeys, st.ActiveAPIKeys, err = l.keys.Counts(ctx); err != nil {
		return nil, fmt.Errorf("counting api keys: %w", err)
	}
	if st.TotalWebhooks, st.ActiveWebhooks, err = l.webhooks.Counts(ctx); err != nil {
		return nil, fmt.Errorf("counting webhooks: %w", err)
	}
	if st.Deliveries, err = l.repo.TallyAttempts(ctx, l.now().Add(-l.opts.Window)); err != nil {
		return nil, fmt.Errorf("tallying attempts: %w", err)
	}
	if st.RecentDeliveries, err = l.repo.RecentAttempts(ctx, l.opts.RecentLimit); err != nil {
		return nil, fmt.Errorf("loading recent attempts: %w", err)
	}
	if st.RecentDeliveries == nil {
		st.RecentDeliveries = []domain.DeliveryAttempt{}
	}
	return st, nil
}

// Prune deletes terminal deliveries, with their attempts, last updated before now-olderThan.
func (l *Ledger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := l.repo.PruneDeliveries(ctx, l.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("pruning ledger: %w", err)
	}
	if n > 0 {
		l.logger.Info("ledger pruned", "deliveries", n, "older_than", olderThan.String())
	}
	return n, nil
}

// Stalled lists non-terminal deliveries whose next attempt was due, and
// which have not moved, for longer than threshold.
func (l *Ledger) Stalled(ctx context.Context, threshold time.Duration, limit int) ([]domain.Delivery, error) {
	return l.repo.StalledDeliveries(ctx, l.now().Add(-threshold), limit)
}
