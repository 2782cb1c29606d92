package notify

import (
	"context"
	"log/slog"
	"sync"

	"workspaces/internal/log"
)

// Sender delivers an event over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Dispatcher manages a pool of workers fanning events out to senders.
// Delivery failures are logged and never reach the emitter.
type Dispatcher struct {
	size    int
	jobs    chan Event
	senders []Sender
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	started bool

	// done is closed first on Close so a blocked Emit gives up the lock.
	done     chan struct{}
	doneOnce sync.Once
}

// NewDispatcher creates a dispatcher with size workers.
func NewDispatcher(size int, senders ...Sender) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{
		size:    size,
		jobs:    make(chan Event, size*16),
		senders: senders,
		logger:  log.WithComponent("notify"),
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutines. Workers run until Close; cancelling
// ctx does not drop events that are already queued.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for i := 0; i < d.size; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	d.logger.Debug("worker started", "worker", id)
	ctx = context.WithoutCancel(ctx)
	for e := range d.jobs {
		d.deliver(ctx, e)
	}
	d.logger.Debug("worker shutting down", "worker", id)
}

// Emit queues an event for delivery. It blocks while the queue is full.
// Events emitted after Close are dropped.
func (d *Dispatcher) Emit(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || len(d.senders) == 0 {
		if d.closed {
			d.logger.Warn("dropping event after close", "event", e.ID, "kind", e.Kind)
		}
		return
	}
	select {
	case d.jobs <- e:
	case <-d.done:
		d.logger.Warn("dropping event after close", "event", e.ID, "kind", e.Kind)
	}
}

// Close stops accepting events and waits until queued ones are delivered.
func (d *Dispatcher) Close() {
	d.doneOnce.Do(func() { close(d.done) })
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}

// Jobs returns the jobs channel for testing.
func (d *Dispatcher) Jobs() chan Event {
	return d.jobs
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	for _, s := range d.senders {
		if err := s.Send(ctx, e); err != nil {
			d.logger.Error("delivery failed",
				"sender", s.Name(),
				"event", e.ID,
				"kind", e.Kind,
				"pool", e.Pool,
				"workspace", e.Workspace,
				"owner", e.Owner,
				"error", err)
			continue
		}
		d.logger.Debug("event delivered", "sender", s.Name(), "event", e.ID, "kind", e.Kind)
	}
}
