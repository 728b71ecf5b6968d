package pipeline

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned when no worker slot or queue capacity is left.
var ErrQueueFull = errors.New("deployment queue full")

type task func(ctx context.Context)

// Workers runs deployment tasks on a fixed number of goroutines, detached
// from the request that submitted them.
type Workers struct {
	size  int
	tasks chan task

	mu      sync.Mutex
	g       *errgroup.Group
	cancel  context.CancelFunc
	stop    chan struct{}
	stopped bool
}

func NewWorkers(size, queue int) *Workers {
	if size < 1 {
		size = 1
	}
	if queue < 0 {
		queue = 0
	}
	return &Workers{
		size:  size,
		tasks: make(chan task, queue),
		stop:  make(chan struct{}),
	}
}

// Start launches the workers. Tasks observe ctx, so cancelling it kills
// running terraform processes.
func (w *Workers) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.g != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.g, ctx = errgroup.WithContext(ctx)
	for range w.size {
		w.g.Go(func() error {
			for {
				select {
				case <-w.stop:
					return nil
				default:
				}
				select {
				case <-w.stop:
					return nil
				case <-ctx.Done():
					return nil
				case t := <-w.tasks:
					t(ctx)
				}
			}
		})
	}
}

// Enqueue hands t to a worker without blocking.
func (w *Workers) Enqueue(t task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrQueueFull
	}
	select {
	case w.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop lets running tasks finish until ctx expires, then cancels them.
// Queued tasks that never started stay pending in the ledger and are
// recovered on the next start.
func (w *Workers) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped || w.g == nil {
		w.stopped = true
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stop)
	g, cancel := w.g, w.cancel
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}
