package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Priya8975/integration-hub/internal/domain"
)

const DeliveryQueueKey = "delivery_queue"

// DeliveryJob is one scheduled attempt of a delivery. It carries no
// timestamps so the same (delivery, attempt) always encodes to the same
// queue member and cannot be queued twice.
type DeliveryJob struct {
	DeliveryID string           `json:"delivery_id"`
	WebhookID  string           `json:"webhook_id"`
	EventType  domain.EventType `json:"event_type"`
	Attempt    int              `json:"attempt"`
}

func (j DeliveryJob) member() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshalling job: %w", err)
	}
	return string(b), nil
}

// Queue is a Redis sorted set of delivery jobs scored by due time in microseconds.
type Queue struct {
	client *redis.Client
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// claimScript pops up to ARGV[2] members with score <= ARGV[1] in one step,
// so two pollers never receive the same job.
var claimScript = redis.NewScript(`
local jobs = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #jobs > 0 then
    redis.call('ZREM', KEYS[1], unpack(jobs))
end
return jobs
`)

// Enqueue schedules job at due, moving it if it is already queued.
func (q *Queue) Enqueue(ctx context.Context, job DeliveryJob, due time.Time) error {
	m, err := job.member()
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, DeliveryQueueKey, redis.Z{Score: score(due), Member: m}).Err()
}

// EnqueueIfAbsent schedules job unless it is already queued. It reports whether it was added.
func (q *Queue) EnqueueIfAbsent(ctx context.Context, job DeliveryJob, due time.Time) (bool, error) {
	m, err := job.member()
	if err != nil {
		return false, err
	}
	n, err := q.client.ZAddNX(ctx, DeliveryQueueKey, redis.Z{Score: score(due), Member: m}).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// EnqueueBatch schedules all jobs at due in one pipeline.
func (q *Queue) EnqueueBatch(ctx context.Context, jobs []DeliveryJob, due time.Time) error {
	if len(jobs) == 0 {
		return nil
	}
	pipe := q.client.Pipeline()
	for _, job := range jobs {
		m, err := job.member()
		if err != nil {
			return err
		}
		pipe.ZAdd(ctx, DeliveryQueueKey, redis.Z{Score: score(due), Member: m})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queuing deliveries to redis: %w", err)
	}
	return nil
}

// ClaimDue removes and returns up to n jobs due at or before now, earliest first.
func (q *Queue) ClaimDue(ctx context.Context, now time.Time, n int64) ([]DeliveryJob, error) {
	res, err := claimScript.Run(ctx, q.client, []string{DeliveryQueueKey}, score(now), n).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claiming due jobs: %w", err)
	}
	// A malformed member is dropped; the rest of the batch is still returned.
	var firstErr error
	jobs := make([]DeliveryJob, 0, len(res))
	for _, m := range res {
		var job DeliveryJob
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("unmarshalling job %q: %w", m, err)
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, firstErr
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, DeliveryQueueKey).Result()
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}
