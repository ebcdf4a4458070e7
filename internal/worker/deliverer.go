package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/integration-hub/internal/domain"
	"github.com/Priya8975/integration-hub/internal/engine"
	"github.com/Priya8975/integration-hub/internal/lockmap"
	"github.com/Priya8975/integration-hub/internal/observability"
	ws "github.com/Priya8975/integration-hub/internal/websocket"
)

// Ledger is the slice of the delivery ledger a worker writes to.
type Ledger interface {
	Delivery(ctx context.Context, id string) (*domain.Delivery, error)
	MarkInFlight(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, a *domain.DeliveryAttempt, state domain.DeliveryState) error
	Reschedule(ctx context.Context, id string, next time.Time) error
}

// WebhookSource resolves the current state of a subscription.
type WebhookSource interface {
	Get(ctx context.Context, id string) (*domain.Webhook, error)
}

// JobQueue schedules follow-up attempts.
type JobQueue interface {
	Enqueue(ctx context.Context, job engine.DeliveryJob, due time.Time) error
}

// Broadcaster receives every recorded attempt.
type Broadcaster interface {
	Broadcast(update ws.DeliveryUpdate)
}

// Config wires a Deliverer. CircuitBreaker, RateLimiter, Hub and Metrics are optional.
type Config struct {
	Ledger         Ledger
	Webhooks       WebhookSource
	Queue          JobQueue
	CircuitBreaker *engine.CircuitBreaker
	RateLimiter    *engine.RateLimiter
	RateLimit      int
	Hub            Broadcaster
	Metrics        *observability.Metrics
	Policy         RetryPolicy
	Timeout        time.Duration
	Logger         *slog.Logger
}

// Deliverer executes one attempt of a delivery: it posts the signed payload,
// classifies the result and records it before returning.
type Deliverer struct {
	httpClient     *http.Client
	ledger         Ledger
	webhooks       WebhookSource
	queue          JobQueue
	circuitBreaker *engine.CircuitBreaker
	rateLimiter    *engine.RateLimiter
	rateLimit      int
	hub            Broadcaster
	metrics        *observability.Metrics
	policy         RetryPolicy
	locks          *lockmap.Map
	logger         *slog.Logger
}

// retryPause delays a job whose delivery or webhook could not be loaded.
const retryPause = time.Second

func NewDeliverer(cfg Config) *Deliverer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Deliverer{
		httpClient:     &http.Client{Timeout: timeout},
		ledger:         cfg.Ledger,
		webhooks:       cfg.Webhooks,
		queue:          cfg.Queue,
		circuitBreaker: cfg.CircuitBreaker,
		rateLimiter:    cfg.RateLimiter,
		rateLimit:      cfg.RateLimit,
		hub:            cfg.Hub,
		metrics:        cfg.Metrics,
		policy:         cfg.Policy.normalized(),
		locks:          lockmap.New(),
		logger:         cfg.Logger,
	}
}

// Deliver runs one job. Failures to reach the ledger or queue are logged;
// the stalled-delivery recovery job re-drives anything left behind.
func (d *Deliverer) Deliver(ctx context.Context, job engine.DeliveryJob) {
	if err := d.deliver(ctx, job); err != nil {
		d.logger.Error("delivery job failed",
			"error", err,
			"delivery_id", job.DeliveryID,
			"webhook_id", job.WebhookID,
			"attempt", job.Attempt,
		)
	}
}

func (d *Deliverer) deliver(ctx context.Context, job engine.DeliveryJob) error {
	// Shutting down: hand the job back untouched.
	if ctx.Err() != nil {
		return d.requeue(ctx, job, time.Now())
	}

	unlock := d.locks.Lock(job.DeliveryID)
	defer unlock()

	del, err := d.ledger.Delivery(ctx, job.DeliveryID)
	if errors.Is(err, domain.ErrNotFound) {
		d.logger.Warn("dropping job for unknown delivery", "delivery_id", job.DeliveryID)
		return nil
	}
	if err != nil {
		return errors.Join(fmt.Errorf("loading delivery: %w", err), d.requeue(ctx, job, time.Now().Add(retryPause)))
	}
	if del.State.Terminal() || job.Attempt != del.Attempts+1 {
		d.logger.Debug("dropping stale job",
			"delivery_id", del.ID,
			"state", del.State,
			"attempt", job.Attempt,
			"recorded_attempts", del.Attempts,
		)
		return nil
	}

	hook, err := d.webhooks.Get(ctx, del.WebhookID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return d.cancel(ctx, del, job, "webhook deleted")
	case err != nil:
		return errors.Join(fmt.Errorf("loading webhook: %w", err), d.requeue(ctx, job, time.Now().Add(retryPause)))
	case !hook.IsActive:
		return d.cancel(ctx, del, job, "webhook inactive")
	}

	if reason, wait, ok := d.admit(ctx, hook.ID); !ok {
		return d.postpone(ctx, del, job, reason, wait)
	}

	if err := d.ledger.MarkInFlight(ctx, del.ID); err != nil {
		return fmt.Errorf("marking delivery in flight: %w", err)
	}

	start := time.Now()
	status, callErr := d.post(ctx, del, hook, job.Attempt)
	took := time.Since(start)

	// The attempt happened; record it even if the caller's context is gone.
	rctx := context.WithoutCancel(ctx)

	attempt := &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		DeliveryID:     del.ID,
		WebhookID:      hook.ID,
		WebhookName:    hook.Name,
		EventType:      del.EventType,
		Seq:            job.Attempt,
		AttemptedAt:    start.UTC(),
		ResponseStatus: status,
		DurationMs:     took.Milliseconds(),
	}

	var state domain.DeliveryState
	switch {
	case callErr == nil:
		attempt.Success = true
		attempt.Outcome = domain.OutcomeSuccess
		state = domain.DeliverySucceeded
	case errors.Is(callErr, domain.ErrPermanentDelivery):
		attempt.Outcome = domain.OutcomePermanent
		attempt.ErrorMessage = callErr.Error()
		state = domain.DeliveryFailedPermanent
	case !d.policy.ShouldRetry(job.Attempt):
		attempt.Outcome = domain.OutcomeExhausted
		attempt.ErrorMessage = fmt.Sprintf("%v: %v", domain.ErrExhausted, callErr)
		state = domain.DeliveryExhausted
	case !d.stillActive(rctx, hook.ID):
		attempt.Outcome = domain.OutcomeTransient
		attempt.ErrorMessage = callErr.Error() + " (webhook no longer active, retry cancelled)"
		state = domain.DeliveryCancelled
	default:
		next := start.Add(d.policy.NextDelay(job.Attempt)).UTC()
		attempt.Outcome = domain.OutcomeTransient
		attempt.ErrorMessage = callErr.Error()
		attempt.NextRetryAt = &next
		state = domain.DeliveryRetryScheduled
	}

	if err := d.ledger.RecordAttempt(rctx, attempt, state); err != nil {
		return fmt.Errorf("recording attempt %d: %w", attempt.Seq, err)
	}

	if state == domain.DeliveryRetryScheduled {
		next := job
		next.Attempt++
		if err := d.queue.Enqueue(rctx, next, *attempt.NextRetryAt); err != nil {
			d.logger.Error("retry recorded but not queued; recovery will pick it up",
				"error", err,
				"delivery_id", del.ID,
				"attempt", next.Attempt,
			)
		}
	}

	if d.circuitBreaker != nil {
		switch {
		case callErr == nil:
			d.circuitBreaker.RecordSuccess(rctx, hook.ID)
		case errors.Is(callErr, domain.ErrTransientDelivery):
			d.circuitBreaker.RecordFailure(rctx, hook.ID)
		}
	}

	d.report(del, attempt, state, took)
	return nil
}

// post sends the payload and classifies the response:
// 2xx succeeds, 429 and 5xx and network errors are transient, everything else is permanent.
func (d *Deliverer) post(ctx context.Context, del *domain.Delivery, hook *domain.Webhook, attempt int) (*int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(del.Payload))
	if err != nil {
		return nil, &domain.DeliveryError{Kind: domain.ErrPermanentDelivery, Err: fmt.Errorf("building request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "integration-hub-webhooks/1.0")
	req.Header.Set("X-Webhook-Event", string(del.EventType))
	req.Header.Set("X-Webhook-ID", del.ID)
	req.Header.Set("X-Webhook-Event-ID", del.EventID)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(attempt))
	if sig := engine.Sign(del.Payload, hook.Secret); sig != "" {
		req.Header.Set("X-Webhook-Signature", sig)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &domain.DeliveryError{Kind: domain.ErrTransientDelivery, Err: err}
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	code := resp.StatusCode
	return &code, classify(code)
}

func classify(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return &domain.DeliveryError{StatusCode: &code, Kind: domain.ErrTransientDelivery}
	default:
		return &domain.DeliveryError{StatusCode: &code, Kind: domain.ErrPermanentDelivery}
	}
}

// admit applies the circuit breaker and rate limiter.
func (d *Deliverer) admit(ctx context.Context, webhookID string) (reason string, wait time.Duration, ok bool) {
	if d.circuitBreaker != nil {
		if _, allowed := d.circuitBreaker.AllowRequest(ctx, webhookID); !allowed {
			return "circuit_open", d.circuitBreaker.Cooldown(), false
		}
	}
	if d.rateLimiter != nil && !d.rateLimiter.Allow(ctx, webhookID, d.rateLimit) {
		return "rate_limited", d.rateLimiter.Window(), false
	}
	return "", 0, true
}

// postpone pushes a job back without executing it or consuming its sequence number.
func (d *Deliverer) postpone(ctx context.Context, del *domain.Delivery, job engine.DeliveryJob, reason string, wait time.Duration) error {
	next := time.Now().Add(wait).UTC()
	if err := d.ledger.Reschedule(ctx, del.ID, next); err != nil {
		return fmt.Errorf("rescheduling delivery: %w", err)
	}
	if err := d.queue.Enqueue(ctx, job, next); err != nil {
		return fmt.Errorf("requeuing postponed job: %w", err)
	}
	d.metrics.AttemptDeferred(reason)
	d.logger.Debug("attempt postponed",
		"delivery_id", del.ID,
		"webhook_id", del.WebhookID,
		"attempt", job.Attempt,
		"reason", reason,
		"until", next,
	)
	return nil
}

// cancel records the attempt as discarded without any network call.
func (d *Deliverer) cancel(ctx context.Context, del *domain.Delivery, job engine.DeliveryJob, reason string) error {
	attempt := &domain.DeliveryAttempt{
		ID:           uuid.NewString(),
		DeliveryID:   del.ID,
		WebhookID:    del.WebhookID,
		WebhookName:  del.WebhookName,
		EventType:    del.EventType,
		Seq:          job.Attempt,
		AttemptedAt:  time.Now().UTC(),
		Outcome:      domain.OutcomeCancelled,
		ErrorMessage: reason,
	}
	if err := d.ledger.RecordAttempt(ctx, attempt, domain.DeliveryCancelled); err != nil {
		return fmt.Errorf("recording cancelled attempt: %w", err)
	}
	d.report(del, attempt, domain.DeliveryCancelled, 0)
	return nil
}

func (d *Deliverer) requeue(ctx context.Context, job engine.DeliveryJob, due time.Time) error {
	if err := d.queue.Enqueue(context.WithoutCancel(ctx), job, due); err != nil {
		return fmt.Errorf("requeuing job: %w", err)
	}
	return nil
}

func (d *Deliverer) stillActive(ctx context.Context, webhookID string) bool {
	hook, err := d.webhooks.Get(ctx, webhookID)
	if err != nil {
		// Unknown: keep retrying; the next attempt re-checks before sending.
		return !errors.Is(err, domain.ErrNotFound)
	}
	return hook.IsActive
}

func (d *Deliverer) report(del *domain.Delivery, a *domain.DeliveryAttempt, state domain.DeliveryState, took time.Duration) {
	d.metrics.AttemptRecorded(a.Outcome, took)

	if d.hub != nil {
		d.hub.Broadcast(ws.DeliveryUpdate{
			Type:        ws.UpdateType(state),
			DeliveryID:  del.ID,
			EventID:     del.EventID,
			WebhookID:   a.WebhookID,
			WebhookName: a.WebhookName,
			EventType:   a.EventType,
			State:       state,
			Attempt:     a.Seq,
			StatusCode:  a.ResponseStatus,
			DurationMs:  a.DurationMs,
			Error:       a.ErrorMessage,
			NextRetryAt: a.NextRetryAt,
			Timestamp:   a.AttemptedAt,
		})
	}

	attrs := []any{
		"delivery_id", del.ID,
		"webhook_id", a.WebhookID,
		"event_type", a.EventType,
		"attempt", a.Seq,
		"state", state,
		"duration_ms", a.DurationMs,
	}
	if a.ResponseStatus != nil {
		attrs = append(attrs, "status_code", *a.ResponseStatus)
	}
	switch state {
	case domain.DeliverySucceeded:
		d.logger.Info("delivery successful", attrs...)
	case domain.DeliveryRetryScheduled:
		d.logger.Warn("delivery failed, retry scheduled", append(attrs, "error", a.ErrorMessage, "next_retry_at", a.NextRetryAt)...)
	default:
		d.logger.Warn("delivery terminated", append(attrs, "error", a.ErrorMessage)...)
	}
}
