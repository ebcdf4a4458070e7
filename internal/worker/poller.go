package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/Priya8975/integration-hub/internal/engine"
)

// Poller moves due jobs from the Redis delivery queue into the worker pool.
type Poller struct {
	queue        *engine.Queue
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

func NewPoller(queue *engine.Queue, pool *Pool, pollInterval time.Duration, batchSize int64, logger *slog.Logger) *Poller {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Poller{
		queue:        queue,
		pool:         pool,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Start polls until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("poller started", "interval", p.pollInterval.String(), "batch_size", p.batchSize)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping")
			return
		case <-ticker.C:
			// Keep draining while full batches come back.
			for {
				if n := p.poll(ctx); n < int(p.batchSize) || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// poll claims one batch and returns how many jobs it claimed.
func (p *Poller) poll(ctx context.Context) int {
	jobs, err := p.queue.ClaimDue(ctx, time.Now(), p.batchSize)
	if err != nil {
		p.logger.Error("failed to poll delivery queue", "error", err)
	}

	for i, job := range jobs {
		if err := p.pool.Submit(ctx, job); err != nil {
			// Shutting down: return the unsubmitted jobs to the queue.
			p.giveBack(jobs[i:])
			return len(jobs)
		}
	}
	return len(jobs)
}

func (p *Poller) giveBack(jobs []engine.DeliveryJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, job := range jobs {
		if err := p.queue.Enqueue(ctx, job, time.Now()); err != nil {
			p.logger.Error("failed to return job to queue", "error", err, "delivery_id", job.DeliveryID)
		}
	}
}
