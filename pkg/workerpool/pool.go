// Package workerpool provides a bounded worker pool for controlled concurrency.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("worker pool is closed")

// Task represents a unit of work to be processed
type Task[T any] struct {
	ID      string
	Payload T
}

// Result represents the outcome of task processing
type Result[T, R any] struct {
	TaskID   string
	Payload  T
	Value    R
	Err      error
	Attempts int
}

// WorkerFunc processes one payload.
type WorkerFunc[T, R any] func(ctx context.Context, payload T) (R, error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the number of retries after the first failed attempt
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay time.Duration
}

// DefaultConfig returns defaults for batch jobs.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueSize:  256,
		MaxRetries: 0,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Pool runs WorkerFunc over submitted tasks on a fixed set of goroutines.
type Pool[T, R any] struct {
	config     Config
	workerFunc WorkerFunc[T, R]
	logger     *zap.Logger

	taskChan   chan Task[T]
	resultChan chan Result[T, R]
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closed     atomic.Bool

	tasksSubmitted atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksRetried   atomic.Int64
}

// New creates a new worker pool
func New[T, R any](cfg Config, fn WorkerFunc[T, R], logger *zap.Logger) (*Pool[T, R], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Pool[T, R]{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan Task[T], cfg.QueueSize),
		resultChan: make(chan Result[T, R], cfg.QueueSize),
	}, nil
}

// Start launches all workers. Workers stop when ctx is canceled or the pool
// is closed and drained.
func (p *Pool[T, R]) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	go func() {
		p.wg.Wait()
		close(p.resultChan)
	}()
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full. It must not be
// called concurrently with Close.
func (p *Pool[T, R]) Submit(ctx context.Context, task Task[T]) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.taskChan <- task:
		p.tasksSubmitted.Add(1)
		return nil
	}
}

// Close stops accepting tasks. Results is closed once queued tasks finish.
func (p *Pool[T, R]) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.taskChan)
	})
}

// Results returns the result channel. It must be drained.
func (p *Pool[T, R]) Results() <-chan Result[T, R] {
	return p.resultChan
}

func (p *Pool[T, R]) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for task := range p.taskChan {
		result := p.process(ctx, task)
		if result.Err != nil {
			p.tasksFailed.Add(1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", result.Attempts),
				zap.Error(result.Err))
		} else {
			p.tasksCompleted.Add(1)
		}
		p.resultChan <- result
	}
}

func (p *Pool[T, R]) process(ctx context.Context, task Task[T]) Result[T, R] {
	result := Result[T, R]{TaskID: task.ID, Payload: task.Payload}

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}

		result.Attempts = attempt + 1
		result.Value, result.Err = p.workerFunc(ctx, task.Payload)
		if result.Err == nil {
			return result
		}

		if attempt < p.config.MaxRetries {
			p.tasksRetried.Add(1)
			select {
			case <-ctx.Done():
				result.Err = ctx.Err()
				return result
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}
	return result
}

// Stats holds pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool[T, R]) Stats() Stats {
	return Stats{
		TasksSubmitted: p.tasksSubmitted.Load(),
		TasksCompleted: p.tasksCompleted.Load(),
		TasksFailed:    p.tasksFailed.Load(),
		TasksRetried:   p.tasksRetried.Load(),
		Workers:        p.config.Workers,
	}
}

// Run processes every item with fn on a fresh pool and returns the results
// in completion order.
func Run[T, R any](ctx context.Context, cfg Config, items []T, id func(T) string, fn WorkerFunc[T, R], logger *zap.Logger) ([]Result[T, R], error) {
	pool, err := New(cfg, fn, logger)
	if err != nil {
		return nil, err
	}
	pool.Start(ctx)

	submitErr := make(chan error, 1)
	go func() {
		defer pool.Close()
		for _, item := range items {
			if err := pool.Submit(ctx, Task[T]{ID: id(item), Payload: item}); err != nil {
				submitErr <- err
				return
			}
		}
		submitErr <- nil
	}()

	results := make([]Result[T, R], 0, len(items))
	for r := range pool.Results() {
		results = append(results, r)
	}
	return results, <-submitErr
}
