package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Priya8975/integration-hub/internal/engine"
)

// JobHandler executes one delivery job.
type JobHandler interface {
	Deliver(ctx context.Context, job engine.DeliveryJob)
}

// Pool runs a fixed number of worker goroutines fed from one channel.
type Pool struct {
	numWorkers int
	jobs       chan engine.DeliveryJob
	handler    JobHandler
	logger     *slog.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

func NewPool(numWorkers int, handler JobHandler, logger *slog.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan engine.DeliveryJob, numWorkers*2),
		handler:    handler,
		logger:     logger,
	}
}

// Start launches the workers. They run until Stop closes the channel.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit blocks until a worker slot accepts job or ctx is done.
func (p *Pool) Submit(ctx context.Context, job engine.DeliveryJob) error {
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the jobs channel and waits for queued jobs to finish.
// No Submit may be in progress or follow.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
		p.logger.Info("worker pool stopped")
	})
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		p.handler.Deliver(ctx, job)
	}
	p.logger.Debug("worker exited", "worker_id", id)
}
