// Package dispatch runs best-effort background tasks for request handlers.
// Tasks are fire-and-forget: no retry, no backpressure, and a full queue
// drops the task. Webhook fan-out, audit records and metrics all ride on
// this contract so a slow collaborator can never stall a purchase request.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work.
type Task func(ctx context.Context)

// Dispatcher fans tasks out to a fixed pool of workers.
type Dispatcher struct {
	queue  chan Task
	wg     sync.WaitGroup
	logger *zap.Logger

	mu      sync.Mutex
	pending int
	idle    *sync.Cond
	closed  bool
}

// New starts a dispatcher with the given worker count and queue capacity.
func New(workers, queueSize int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		queue:  make(chan Task, queueSize),
		logger: logger,
	}
	d.idle = sync.NewCond(&d.mu)

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for task := range d.queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("background task panicked", zap.Any("panic", r))
				}
				d.done()
			}()
			task(context.Background())
		}()
	}
}

func (d *Dispatcher) done() {
	d.mu.Lock()
	d.pending--
	if d.pending == 0 {
		d.idle.Broadcast()
	}
	d.mu.Unlock()
}

// Submit enqueues a task. If the queue is full or the dispatcher is closed
// the task is dropped with a log line; callers never block here.
func (d *Dispatcher) Submit(task Task) {
	if task == nil {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("task submitted after dispatcher close, dropping")
		return
	}
	d.pending++
	d.mu.Unlock()

	select {
	case d.queue <- task:
	default:
		d.done()
		d.logger.Warn("dispatcher queue full, dropping task")
	}
}

// Flush waits until all submitted tasks have finished, or until the grace
// window expires. Lambda handlers call this before returning so in-flight
// deliveries get a bounded chance to complete; the best-effort contract is
// unchanged.
func (d *Dispatcher) Flush(grace time.Duration) {
	deadline := time.Now().Add(grace)
	drained := make(chan struct{})

	go func() {
		d.mu.Lock()
		for d.pending > 0 {
			d.idle.Wait()
		}
		d.mu.Unlock()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(time.Until(deadline)):
		d.logger.Warn("dispatcher flush timed out with tasks still pending")
	}
}

// Close stops accepting tasks and waits for the workers to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.queue)
	d.wg.Wait()
}
