package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Executor runs async plugin work on a bounded queue. When the queue is full
// the task is dropped and counted; request latency never waits on this path.
type Executor struct {
	queue   chan func(ctx context.Context)
	timeout time.Duration
	logger  zerolog.Logger
	dropped prometheus.Counter

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewExecutor starts `workers` goroutines draining a queue of `depth` tasks.
// Each task gets a detached context bounded by `timeout`.
func NewExecutor(workers, depth int, timeout time.Duration, dropped prometheus.Counter, logger zerolog.Logger) *Executor {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	e := &Executor{
		queue:    make(chan func(ctx context.Context), depth),
		timeout:  timeout,
		logger:   logger.With().Str("component", "async-executor").Logger(),
		dropped:  dropped,
		shutdown: make(chan struct{}),
	}

	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for task := range e.queue {
		ctx := context.Background()
		cancel := func() {}
		if e.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, e.timeout)
		}
		task(ctx)
		cancel()
	}
}

// Submit enqueues a task, dropping it when the queue is full.
func (e *Executor) Submit(task func(ctx context.Context)) bool {
	select {
	case <-e.shutdown:
		return false
	default:
	}

	select {
	case e.queue <- task:
		return true
	default:
		if e.dropped != nil {
			e.dropped.Inc()
		}
		e.logger.Warn().Msg("async queue full, task dropped")
		return false
	}
}

// Close stops accepting tasks and waits for queued work to finish.
func (e *Executor) Close() {
	e.once.Do(func() {
		close(e.shutdown)
		close(e.queue)
	})
	e.wg.Wait()
}
