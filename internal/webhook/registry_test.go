package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Priya8975/integration-hub/internal/domain"
	"github.com/Priya8975/integration-hub/internal/store/memory"
)

func setupRegistry(t *testing.T, allowInsecure bool) *Registry {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewRegistry(memory.New(), allowInsecure, logger)
}

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string { return &s }

func eventsPtr(e ...string) *[]string { return &e }

func TestCreate(t *testing.T) {
	reg := setupRegistry(t, false)

	w, err := reg.Create(context.Background(), domain.CreateWebhookRequest{
		Name:   "ERP",
		URL:    "https://erp.example.com/hooks",
		Secret: "abc",
		Events: []string{"stock.low", "sale.completed", "stock.low"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, w.ID)
	assert.True(t, w.IsActive)
	assert.Equal(t, []domain.EventType{domain.EventSaleCompleted, domain.EventStockLow}, w.Events)
	assert.True(t, w.HasSecret())

	b, err := json.Marshal(w)
	require.NoError(t, err)
	assert.NotContains(t, string(b), `"abc"`)
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name          string
		allowInsecure bool
		req           domain.CreateWebhookRequest
		field         string
	}{
		{
			name:  "missing name",
			req:   domain.CreateWebhookRequest{URL: "https://a.example.com", Events: []string{"stock.low"}},
			field: "name",
		},
		{
			name:  "plain http in production",
			req:   domain.CreateWebhookRequest{Name: "a", URL: "http://a.example.com", Events: []string{"stock.low"}},
			field: "url",
		},
		{
			name:  "non-http scheme",
			req:   domain.CreateWebhookRequest{Name: "a", URL: "ftp://a.example.com", Events: []string{"stock.low"}},
			field: "url",
		},
		{
			name:  "no events",
			req:   domain.CreateWebhookRequest{Name: "a", URL: "https://a.example.com", Events: nil},
			field: "events",
		},
		{
			name:  "unknown event",
			req:   domain.CreateWebhookRequest{Name: "a", URL: "https://a.example.com", Events: []string{"order.created"}},
			field: "events[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := setupRegistry(t, tt.allowInsecure)
			_, err := reg.Create(context.Background(), tt.req)

			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCreate_AllowsHTTPOutsideProduction(t *testing.T) {
	reg := setupRegistry(t, true)

	w, err := reg.Create(context.Background(), domain.CreateWebhookRequest{
		Name:     "local",
		URL:      "http://localhost:9090/hook",
		Events:   []string{"product.created"},
		IsActive: boolPtr(false),
	})
	require.NoError(t, err)
	assert.False(t, w.IsActive)
}

func TestUpdate(t *testing.T) {
	reg := setupRegistry(t, false)
	ctx := context.Background()

	w, err := reg.Create(ctx, domain.CreateWebhookRequest{
		Name: "ERP", URL: "https://erp.example.com", Secret: "abc", Events: []string{"stock.low"},
	})
	require.NoError(t, err)

	updated, err := reg.Update(ctx, w.ID, domain.UpdateWebhookRequest{
		Name:     strPtr("ERP v2"),
		Events:   eventsPtr("sale.completed"),
		Secret:   strPtr(""),
		IsActive: boolPtr(false),
	})
	require.NoError(t, err)

	assert.Equal(t, "ERP v2", updated.Name)
	assert.Equal(t, "https://erp.example.com", updated.URL)
	assert.Equal(t, []domain.EventType{domain.EventSaleCompleted}, updated.Events)
	assert.False(t, updated.HasSecret())
	assert.False(t, updated.IsActive)

	active, err := reg.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpdate_Validation(t *testing.T) {
	reg := setupRegistry(t, false)
	ctx := context.Background()

	w, err := reg.Create(ctx, domain.CreateWebhookRequest{
		Name: "ERP", URL: "https://erp.example.com", Events: []string{"stock.low"},
	})
	require.NoError(t, err)

	_, err = reg.Update(ctx, w.ID, domain.UpdateWebhookRequest{Events: eventsPtr()})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = reg.Update(ctx, w.ID, domain.UpdateWebhookRequest{Events: eventsPtr("stock.low", "nope")})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = reg.Update(ctx, w.ID, domain.UpdateWebhookRequest{URL: strPtr("http://erp.example.com")})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = reg.Update(ctx, "missing", domain.UpdateWebhookRequest{Name: strPtr("x")})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestDeleteAndCounts(t *testing.T) {
	reg := setupRegistry(t, false)
	ctx := context.Background()

	a, err := reg.Create(ctx, domain.CreateWebhookRequest{Name: "a", URL: "https://a.example.com", Events: []string{"stock.low"}})
	require.NoError(t, err)
	_, err = reg.Create(ctx, domain.CreateWebhookRequest{Name: "b", URL: "https://b.example.com", Events: []string{"stock.low"}, IsActive: boolPtr(false)})
	require.NoError(t, err)

	total, active, err := reg.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, active)

	require.NoError(t, reg.Delete(ctx, a.ID))
	_, err = reg.Get(ctx, a.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.True(t, errors.Is(reg.Delete(ctx, a.ID), domain.ErrNotFound))
}

// slowReads widens the window between reading and writing a webhook.
type slowReads struct {
	*memory.Store
}

func (s slowReads) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	w, err := s.Store.GetWebhook(ctx, id)
	time.Sleep(20 * time.Millisecond)
	return w, err
}

func TestUpdate_ConcurrentPartialUpdatesDoNotLoseFields(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := NewRegistry(slowReads{memory.New()}, false, logger)
	ctx := context.Background()

	w, err := reg.Create(ctx, domain.CreateWebhookRequest{
		Name:   "ERP",
		URL:    "https://erp.example.com/hooks",
		Events: []string{"sale.completed"},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = reg.Update(ctx, w.ID, domain.UpdateWebhookRequest{IsActive: boolPtr(false)})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = reg.Update(ctx, w.ID, domain.UpdateWebhookRequest{URL: strPtr("https://erp.example.com/v2")})
	}()
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	got, err := reg.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive, "deactivation must survive a concurrent update")
	assert.Equal(t, "https://erp.example.com/v2", got.URL)
}
