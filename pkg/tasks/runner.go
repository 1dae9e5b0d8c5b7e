// Package tasks runs detached side effects off the request path.
//
// The mirror hands two kinds of work to a Runner: cache writes after a
// response has been streamed, and early-hint pre-connects. Submit never
// blocks; when the queue is full the task is dropped and counted.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for detached tasks.
var (
	tasksSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_tasks_submitted_total",
		Help: "Total detached tasks accepted by kind",
	}, []string{"kind"})

	tasksDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_tasks_dropped_total",
		Help: "Total detached tasks dropped because the queue was full or closed",
	}, []string{"kind"})

	tasksFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_tasks_failed_total",
		Help: "Total detached tasks that returned an error or panicked",
	}, []string{"kind"})
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("runner closed")

// Task is a unit of detached work. ctx belongs to the runner, not to the
// request that submitted the task.
type Task func(ctx context.Context) error

// Config holds runner configuration.
type Config struct {
	// Workers is the number of goroutines executing tasks.
	Workers int

	// QueueSize bounds the number of pending tasks.
	QueueSize int

	// Timeout bounds each task.
	Timeout time.Duration
}

// DefaultConfig returns 4 workers, a queue of 256 and a 30s task timeout.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 256,
		Timeout:   30 * time.Second,
	}
}

type job struct {
	kind string
	fn   Task
}

// Runner executes submitted tasks on a fixed worker pool.
type Runner struct {
	config Config
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a Runner. Non-positive config values fall back to defaults.
func New(cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		config: cfg,
		logger: log.With().Str("component", "tasks").Logger(),
		queue:  make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	return r
}

// Submit queues fn without blocking. It reports whether the task was
// accepted.
func (r *Runner) Submit(kind string, fn Task) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		tasksDroppedTotal.WithLabelValues(kind).Inc()
		return false
	}

	select {
	case r.queue <- job{kind: kind, fn: fn}:
		tasksSubmittedTotal.WithLabelValues(kind).Inc()
		return true
	default:
		tasksDroppedTotal.WithLabelValues(kind).Inc()
		r.logger.Warn().Str("kind", kind).Msg("Task queue full, dropping task")
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish. When ctx
// ends first, running tasks are cancelled and ctx's error is returned.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) worker(id int) {
	defer r.wg.Done()
	processed := 0

	for j := range r.queue {
		r.run(j)
		processed++
	}

	if processed > 0 {
		r.logger.Debug().
			Int("worker_id", id).
			Int("tasks_processed", processed).
			Msg("Worker completed")
	}
}

func (r *Runner) run(j job) {
	ctx, cancel := context.WithTimeout(r.ctx, r.config.Timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task panicked: %v", p)
			}
		}()
		return j.fn(ctx)
	}()

	if err != nil {
		tasksFailedTotal.WithLabelValues(j.kind).Inc()
		r.logger.Debug().Err(err).Str("kind", j.kind).Msg("Detached task failed")
	}
}
