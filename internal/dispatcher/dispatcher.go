// Package dispatcher fans directory attempts out to a fixed pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-submitter/internal/worker"
)

// ErrStopped is returned by Submit once the pool has shut down.
var ErrStopped = errors.New("dispatcher stopped")

// Processor runs one attempt.
type Processor interface {
	Process(ctx context.Context, task worker.Task) worker.Outcome
}

// Handle tracks one submitted task.
type Handle struct {
	Task worker.Task
	done chan struct{}
	out  worker.Outcome
}

// Done is closed once the outcome is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (worker.Outcome, error) {
	select {
	case <-h.done:
		return h.out, nil
	case <-ctx.Done():
		return worker.Outcome{}, fmt.Errorf("wait %s/%s: %w", h.Task.JobID, h.Task.DirectoryID, ctx.Err())
	}
}

// Dispatcher owns the worker goroutines.
type Dispatcher struct {
	proc    Processor
	workers int
	tasks   chan *Handle
	stopped chan struct{}
	logger  *zap.Logger

	once sync.Once
}

// New creates a Dispatcher with the given worker count (at least one).
func New(proc Processor, workers int, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		proc:    proc,
		workers: workers,
		tasks:   make(chan *Handle),
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// Workers returns the pool size.
func (d *Dispatcher) Workers() int {
	return d.workers
}

// Run starts all workers and blocks until ctx finishes and every in-flight
// attempt has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.loop(ctx, id)
		}(i)
	}
	<-ctx.Done()
	d.once.Do(func() { close(d.stopped) })
	wg.Wait()
	d.logger.Info("dispatcher stopped", zap.Int("workers", d.workers))
}

// Submit blocks until a worker accepts the task. Tasks are handed over in
// call order, so a caller submitting sequentially keeps its ordering.
func (d *Dispatcher) Submit(ctx context.Context, task worker.Task) (*Handle, error) {
	h := &Handle{Task: task, done: make(chan struct{})}
	select {
	case d.tasks <- h:
		return h, nil
	case <-d.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, fmt.Errorf("dispatch %s/%s: %w", task.JobID, task.DirectoryID, ctx.Err())
	}
}

func (d *Dispatcher) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-d.tasks:
			h.out = d.proc.Process(ctx, h.Task)
			close(h.done)
			if h.out.Err != nil {
				d.logger.Debug("attempt returned without result",
					zap.Int("worker", id),
					zap.String("job_id", h.Task.JobID),
					zap.String("directory_id", h.Task.DirectoryID),
					zap.Error(h.out.Err),
				)
			}
		}
	}
}
