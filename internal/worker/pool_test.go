package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Priya8975/integration-hub/internal/engine"
)

type countingHandler struct {
	mu   sync.Mutex
	seen map[string]int
	n    atomic.Int32
}

func (c *countingHandler) Deliver(_ context.Context, job engine.DeliveryJob) {
	c.mu.Lock()
	if c.seen == nil {
		c.seen = map[string]int{}
	}
	c.seen[job.DeliveryID]++
	c.mu.Unlock()
	c.n.Add(1)
}

func TestWorkerPool_ProcessesJobs(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	handler := &countingHandler{}

	pool := NewPool(3, handler, logger)
	pool.Start(context.Background())

	for i := 0; i < 5; i++ {
		if err := pool.Submit(context.Background(), engine.DeliveryJob{DeliveryID: string(rune('a' + i)), Attempt: 1}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	pool.Stop()

	if handler.n.Load() != 5 {
		t.Errorf("expected 5 jobs processed, got %d", handler.n.Load())
	}
}

func TestWorkerPool_SubmitHonoursContext(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	pool := NewPool(1, &countingHandler{}, logger)

	// Not started: the buffer (2) fills and the third submit must give up.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = pool.Submit(ctx, engine.DeliveryJob{DeliveryID: "x"})
	}
	if err == nil {
		t.Fatal("expected submit to fail once the buffer is full and the context expires")
	}
}

func TestPoller_FeedsDueJobsToPool(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	queue := engine.NewQueue(client)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		job := engine.DeliveryJob{DeliveryID: string(rune('a' + i)), Attempt: 1}
		if err := queue.Enqueue(ctx, job, time.Now().Add(-time.Second)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := queue.Enqueue(ctx, engine.DeliveryJob{DeliveryID: "future", Attempt: 1}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	handler := &countingHandler{}
	pool := NewPool(2, handler, logger)
	pool.Start(ctx)

	pollCtx, cancel := context.WithCancel(ctx)
	poller := NewPoller(queue, pool, 10*time.Millisecond, 3, logger)
	done := make(chan struct{})
	go func() {
		poller.Start(pollCtx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for handler.n.Load() < 7 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	pool.Stop()

	if got := handler.n.Load(); got != 7 {
		t.Fatalf("expected 7 due jobs processed, got %d", got)
	}
	for id, n := range handler.seen {
		if n != 1 {
			t.Errorf("job %s processed %d times", id, n)
		}
	}
	if depth, _ := queue.Depth(ctx); depth != 1 {
		t.Errorf("future job should remain queued, depth=%d", depth)
	}
}
