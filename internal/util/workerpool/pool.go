// Package workerpool provides the bounded goroutine pools the engine runs
// its background work on: disk fetches, the flusher, compaction sweeps.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work.
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// WorkerPool executes tasks on a fixed set of goroutines with a bounded
// queue. Submission never blocks the caller unless it asks to.
type WorkerPool struct {
	name      string
	taskQueue chan Task
	logger    *zap.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopChan  chan struct{}

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// NewWorkerPool creates and starts a pool.
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &WorkerPool{
		name:      cfg.Name,
		taskQueue: make(chan Task, cfg.QueueSize),
		logger:    cfg.Logger,
		stopChan:  make(chan struct{}),
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.taskQueue:
			p.run(id, task)
		}
	}
}

func (p *WorkerPool) run(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeExecute(task)

	if err != nil {
		p.failed.Add(1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// safeExecute runs the task with panic recovery so one bad fetch cannot take
// down a worker.
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	if task.Context == nil {
		task.Context = context.Background()
	}
	return task.Fn(task.Context)
}

// Submit enqueues a task, failing fast when the pool is stopped or full.
func (p *WorkerPool) Submit(task Task) error {
	select {
	case <-p.stopChan:
		p.rejected.Add(1)
		return fmt.Errorf("worker pool %q is stopped", p.name)
	default:
	}

	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("worker pool %q queue is full", p.name)
	}
}

// SubmitWithContext enqueues a task, blocking until accepted, the pool
// stops, or ctx is done.
func (p *WorkerPool) SubmitWithContext(ctx context.Context, task Task) error {
	select {
	case <-p.stopChan:
		p.rejected.Add(1)
		return fmt.Errorf("worker pool %q is stopped", p.name)
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	}
}

// Stop drains no further work and waits for in-flight tasks.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()
	p.logger.Info("Worker pool stopped", zap.String("name", p.name))
}

// Stats is a point-in-time pool counter snapshot.
type Stats struct {
	Active    int32
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
	Queued    int
}

// StatsSnapshot returns current counters.
func (p *WorkerPool) StatsSnapshot() Stats {
	return Stats{
		Active:    p.active.Load(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Queued:    len(p.taskQueue),
	}
}
