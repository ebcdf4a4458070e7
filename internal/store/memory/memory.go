// Package memory is an in-process implementation of the repositories,
// used by tests and by STORE_DRIVER=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/integration-hub/internal/domain"
	"github.com/Priya8975/integration-hub/internal/ledger"
)

// Store holds every record behind a single RWMutex.
type Store struct {
	mu         sync.RWMutex
	keys       map[string]domain.APIKey
	webhooks   map[string]domain.Webhook
	events     map[string]domain.Event
	deliveries map[string]domain.Delivery
	attempts   map[string][]domain.DeliveryAttempt
}

func New() *Store {
	return &Store{
		keys:       make(map[string]domain.APIKey),
		webhooks:   make(map[string]domain.Webhook),
		events:     make(map[string]domain.Event),
		deliveries: make(map[string]domain.Delivery),
		attempts:   make(map[string][]domain.DeliveryAttempt),
	}
}

// --- API keys ---

func (s *Store) CreateAPIKey(_ context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return fmt.Errorf("api key %s already exists", key.ID)
	}
	s.keys[key.ID] = copyKey(*key)
	return nil
}

func (s *Store) GetAPIKey(_ context.Context, id string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	k = copyKey(k)
	return &k, nil
}

func (s *Store) GetAPIKeyByHash(_ context.Context, hash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			k = copyKey(k)
			return &k, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListAPIKeys(_ context.Context) ([]domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, copyKey(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RotateAPIKey(_ context.Context, id, hash, prefix string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return domain.ErrNotFound
	}
	k.KeyHash = hash
	k.KeyPrefix = prefix
	k.LastUsedAt = nil
	k.UpdatedAt = at
	s.keys[id] = k
	return nil
}

func (s *Store) SetAPIKeyActive(_ context.Context, id string, active bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return domain.ErrNotFound
	}
	k.IsActive = active
	k.UpdatedAt = at
	s.keys[id] = k
	return nil
}

func (s *Store) TouchAPIKey(_ context.Context, id, hash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.KeyHash != hash || !k.IsActive {
		return false, nil
	}
	k.LastUsedAt = &at
	s.keys[id] = k
	return true, nil
}

func (s *Store) CountAPIKeys(_ context.Context) (total, active int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		total++
		if k.IsActive {
			active++
		}
	}
	return total, active, nil
}

// --- Webhooks ---

func (s *Store) CreateWebhook(_ context.Context, w *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[w.ID]; ok {
		return fmt.Errorf("webhook %s already exists", w.ID)
	}
	s.webhooks[w.ID] = copyWebhook(*w)
	return nil
}

func (s *Store) GetWebhook(_ context.Context, id string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	w = copyWebhook(w)
	return &w, nil
}

func (s *Store) ListWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	return s.listWebhooks(false), nil
}

func (s *Store) ListActiveWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	return s.listWebhooks(true), nil
}

func (s *Store) listWebhooks(activeOnly bool) []domain.Webhook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Webhook, 0, len(s.webhooks))
	for _, w := range s.webhooks {
		if activeOnly && !w.IsActive {
			continue
		}
		out = append(out, copyWebhook(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Store) UpdateWebhook(_ context.Context, w *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[w.ID]; !ok {
		return domain.ErrNotFound
	}
	s.webhooks[w.ID] = copyWebhook(*w)
	return nil
}

func (s *Store) DeleteWebhook(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.webhooks, id)
	return nil
}

func (s *Store) CountWebhooks(_ context.Context) (total, active int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.webhooks {
		total++
		if w.IsActive {
			active++
		}
	}
	return total, active, nil
}

// --- Ledger ---

func (s *Store) CreateDeliveries(_ context.Context, ev *domain.Event, deliveries []domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return fmt.Errorf("event %s: %w", ev.ID, domain.ErrDuplicateEvent)
	}
	for _, d := range deliveries {
		if _, ok := s.deliveries[d.ID]; ok {
			return fmt.Errorf("delivery %s already exists", d.ID)
		}
	}
	s.events[ev.ID] = *ev
	for _, d := range deliveries {
		s.deliveries[d.ID] = copyDelivery(d)
	}
	return nil
}

func (s *Store) ListEventDeliveries(_ context.Context, eventID string) ([]domain.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Delivery, 0)
	for _, d := range s.deliveries {
		if d.EventID == eventID {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WebhookID < out[j].WebhookID })
	return out, nil
}

func (s *Store) GetDelivery(_ context.Context, id string) (*domain.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	d = copyDelivery(d)
	return &d, nil
}

func (s *Store) ListDeliveries(_ context.Context, f ledger.DeliveryFilter) ([]domain.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Delivery, 0)
	for _, d := range s.deliveries {
		if f.WebhookID != "" && d.WebhookID != f.WebhookID {
			continue
		}
		if f.State != "" && d.State != f.State {
			continue
		}
		out = append(out, copyDelivery(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) MarkInFlight(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return domain.ErrNotFound
	}
	if d.State.Terminal() {
		return fmt.Errorf("delivery %s is %s: %w", id, d.State, ledger.ErrStaleAttempt)
	}
	d.State = domain.DeliveryInFlight
	d.UpdatedAt = at
	s.deliveries[id] = d
	return nil
}

func (s *Store) RecordAttempt(_ context.Context, a *domain.DeliveryAttempt, state domain.DeliveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[a.DeliveryID]
	if !ok {
		return domain.ErrNotFound
	}
	if d.State.Terminal() || a.Seq != d.Attempts+1 {
		return ledger.ErrStaleAttempt
	}
	s.attempts[a.DeliveryID] = append(s.attempts[a.DeliveryID], copyAttempt(*a))
	d.Attempts = a.Seq
	d.State = state
	d.NextAttemptAt = copyTime(a.NextRetryAt)
	d.UpdatedAt = a.AttemptedAt
	s.deliveries[a.DeliveryID] = d
	return nil
}

func (s *Store) Reschedule(_ context.Context, id string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return domain.ErrNotFound
	}
	if d.State.Terminal() {
		return nil
	}
	if d.Attempts > 0 {
		d.State = domain.DeliveryRetryScheduled
	} else {
		d.State = domain.DeliveryPending
	}
	d.NextAttemptAt = &next
	d.UpdatedAt = time.Now().UTC()
	s.deliveries[id] = d
	return nil
}

func (s *Store) ListAttempts(_ context.Context, deliveryID string) ([]domain.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.attempts[deliveryID]
	out := make([]domain.DeliveryAttempt, len(src))
	for i, a := range src {
		out[i] = copyAttempt(a)
	}
	return out, nil
}

func (s *Store) RecentAttempts(_ context.Context, limit int) ([]domain.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DeliveryAttempt, 0)
	for _, chain := range s.attempts {
		for _, a := range chain {
			out = append(out, copyAttempt(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttemptedAt.After(out[j].AttemptedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TallyAttempts(_ context.Context, since time.Time) (domain.DeliveryTally, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t domain.DeliveryTally
	for _, chain := range s.attempts {
		for _, a := range chain {
			if a.AttemptedAt.Before(since) {
				continue
			}
			if a.Success {
				t.Succeeded++
			} else {
				t.Failed++
			}
		}
	}
	return t, nil
}

func (s *Store) PruneDeliveries(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.deliveries {
		if d.State.Terminal() && d.UpdatedAt.Before(before) {
			delete(s.deliveries, id)
			delete(s.attempts, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) StalledDeliveries(_ context.Context, before time.Time, limit int) ([]domain.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Delivery, 0)
	for _, d := range s.deliveries {
		if d.State.Terminal() || d.NextAttemptAt == nil {
			continue
		}
		if d.NextAttemptAt.After(before) || d.UpdatedAt.After(before) {
			continue
		}
		out = append(out, copyDelivery(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(*out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Event returns a stored event, for tests.
func (s *Store) Event(id string) (domain.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	return ev, ok
}

func copyKey(k domain.APIKey) domain.APIKey {
	k.ExpiresAt = copyTime(k.ExpiresAt)
	k.LastUsedAt = copyTime(k.LastUsedAt)
	return k
}

func copyWebhook(w domain.Webhook) domain.Webhook {
	w.Events = append([]domain.EventType(nil), w.Events...)
	return w
}

func copyDelivery(d domain.Delivery) domain.Delivery {
	d.Payload = append([]byte(nil), d.Payload...)
	d.NextAttemptAt = copyTime(d.NextAttemptAt)
	return d
}

func copyAttempt(a domain.DeliveryAttempt) domain.DeliveryAttempt {
	if a.ResponseStatus != nil {
		code := *a.ResponseStatus
		a.ResponseStatus = &code
	}
	a.NextRetryAt = copyTime(a.NextRetryAt)
	return a
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
