package websocket

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/webmesh"
)

// DefaultQueueSize is the task queue capacity used when none is configured.
const DefaultQueueSize = 256

var errPoolClosed = errors.New("worker pool closed")

// Pool runs tasks on a fixed set of worker goroutines fed from a bounded queue.
type Pool struct {
	tasks  chan func()
	group  errgroup.Group
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines sharing a queue of queueSize tasks.
func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = webmesh.DefaultWorkers
	}
	if queueSize < 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		tasks:  make(chan func(), queueSize),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	return p
}

func (p *Pool) work() error {
	for task := range p.tasks {
		p.run(task)
	}
	return nil
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", "error", webmesh.ErrHandler, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}

// Submit queues task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits until the queued ones have run or ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
