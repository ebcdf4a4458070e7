package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker tracks consecutive transient failures per webhook in a Redis hash.
// State transitions: closed → open → half-open → closed
//
// - Closed: attempts proceed and transient failures are counted.
// - Open: attempts are deferred until the cooldown elapses.
// - Half-Open: attempts proceed; success closes the circuit, failure re-opens it.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
}

// CircuitBreakerState represents the current state of a webhook's circuit.
type CircuitBreakerState struct {
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

func NewCircuitBreaker(redisClient *redis.Client, failureThreshold int, cooldown time.Duration, logger *slog.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: failureThreshold,
		cooldownPeriod:   cooldown,
	}
}

func cbKey(webhookID string) string {
	return fmt.Sprintf("cb:%s", webhookID)
}

// Cooldown is how long an open circuit blocks attempts.
func (cb *CircuitBreaker) Cooldown() time.Duration {
	return cb.cooldownPeriod
}

// AllowRequest reports the current state and whether an attempt to this webhook may run now.
// Redis errors fail open.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, webhookID string) (string, bool) {
	key := cbKey(webhookID)

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil || len(data) == 0 {
		return StateClosed, true
	}

	switch data["state"] {
	case StateOpen:
		lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
		if cb.cooledDown(lastFailedAt) {
			cb.redisClient.HSet(ctx, key, "state", StateHalfOpen)
			cb.logger.Info("circuit breaker half-open", "webhook_id", webhookID)
			return StateHalfOpen, true
		}
		return StateOpen, false

	case StateHalfOpen:
		return StateHalfOpen, true

	default:
		return StateClosed, true
	}
}

// RecordSuccess resets the circuit to closed.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, webhookID string) {
	key := cbKey(webhookID)

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()
	if state == "" {
		return
	}

	cb.redisClient.HSet(ctx, key,
		"state", StateClosed,
		"failures", 0,
	)

	if state != StateClosed {
		cb.logger.Info("circuit breaker closed (recovered)", "webhook_id", webhookID)
	}
}

// RecordFailure counts a transient failure and opens the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, webhookID string) {
	key := cbKey(webhookID)

	failures, err := cb.redisClient.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		cb.logger.Error("failed to record circuit breaker failure", "error", err, "webhook_id", webhookID)
		return
	}

	cb.redisClient.HSet(ctx, key, "last_failed_at", time.Now().UnixMilli())

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	switch {
	case state == StateHalfOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker re-opened (half-open test failed)", "webhook_id", webhookID)
	case failures >= int64(cb.failureThreshold):
		if state != StateOpen {
			cb.redisClient.HSet(ctx, key, "state", StateOpen)
			cb.logger.Warn("circuit breaker opened",
				"webhook_id", webhookID,
				"failures", failures,
				"threshold", cb.failureThreshold,
			)
		}
	case state == "":
		cb.redisClient.HSet(ctx, key, "state", StateClosed)
	}
}

// Reset forgets all state for a webhook, used when it is deleted.
func (cb *CircuitBreaker) Reset(ctx context.Context, webhookID string) error {
	return cb.redisClient.Del(ctx, cbKey(webhookID)).Err()
}

// GetState returns the current circuit breaker state for a webhook.
func (cb *CircuitBreaker) GetState(ctx context.Context, webhookID string) CircuitBreakerState {
	data, err := cb.redisClient.HGetAll(ctx, cbKey(webhookID)).Result()
	if err != nil || len(data) == 0 {
		return CircuitBreakerState{State: StateClosed}
	}

	failures, _ := strconv.Atoi(data["failures"])
	lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
	state := data["state"]
	if state == "" {
		state = StateClosed
	}
	if state == StateOpen && cb.cooledDown(lastFailedAt) {
		state = StateHalfOpen
	}

	result := CircuitBreakerState{State: state, Failures: failures}
	if lastFailedAt > 0 {
		result.LastFailedAt = time.UnixMilli(lastFailedAt).UTC().Format(time.RFC3339)
	}
	return result
}

func (cb *CircuitBreaker) cooledDown(lastFailedAtMs int64) bool {
	return time.Since(time.UnixMilli(lastFailedAtMs)) >= cb.cooldownPeriod
}
