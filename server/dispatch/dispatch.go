// Package dispatch runs deferred upstream calls on a bounded worker pool.
//
// Accepted tasks wait in a FIFO backlog and are picked up by a fixed number
// of workers. Tasks run with the dispatcher's context, never the context of
// the request that submitted them, so a finished webhook call does not cancel
// its background work. Shutdown stops intake, lets the workers drain the
// backlog and cancels whatever is still running when its context expires.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/eapache/queue/v2"
	"github.com/google/uuid"
	"github.com/medora-ai/medora/config"
	"github.com/medora-ai/medora/server/metrics"
	"github.com/medora-ai/medora/server/upstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned by Submit when the backlog is at capacity.
	ErrQueueFull = errors.New("dispatch: backlog is full")

	// ErrClosed is returned by Submit once Shutdown has been called.
	ErrClosed = errors.New("dispatch: dispatcher is shut down")
)

// Completer performs the upstream call for a task.
type Completer interface {
	Complete(ctx context.Context, message, imageURL string) upstream.Result
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, message, imageURL string) upstream.Result

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, message, imageURL string) upstream.Result {
	return f(ctx, message, imageURL)
}

// Task is one deferred upstream call.
type Task struct {
	ID        string
	SessionID string
	Message   string
	ImageURL  string

	accepted time.Time
}

// Outcome is what a finished task produced.
type Outcome struct {
	Task     Task
	Result   upstream.Result
	Duration time.Duration // time spent calling the upstream
	Waited   time.Duration // time spent in the backlog
}

// Sink receives every outcome. Deliver is called from worker goroutines and
// must be safe for concurrent use.
type Sink interface {
	Deliver(Outcome)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Outcome)

// Deliver calls f.
func (f SinkFunc) Deliver(o Outcome) { f(o) }

// Dispatcher is a bounded worker pool with a bounded FIFO backlog.
type Dispatcher struct {
	completer Completer
	sink      Sink
	logger    *zap.Logger
	metrics   *metrics.Metrics
	capacity  int

	mu       sync.Mutex
	cond     *sync.Cond
	backlog  *queue.Queue[Task]
	inFlight int
	closed   bool

	ctx     context.Context
	cancel  context.CancelFunc
	drained chan struct{}
}

// New starts cfg.Workers workers. m may be nil.
func New(cfg config.DispatchConfig, completer Completer, sink Sink, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		completer: completer,
		sink:      sink,
		logger:    logger.Named("dispatch"),
		metrics:   m,
		capacity:  cfg.QueueSize,
		backlog:   queue.New[Task](),
		ctx:       ctx,
		cancel:    cancel,
		drained:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	var g errgroup.Group
	for i := 0; i < cfg.Workers; i++ {
		g.Go(d.work)
	}
	go func() {
		_ = g.Wait()
		cancel()
		close(d.drained)
	}()

	d.logger.Info("Dispatcher started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize),
	)
	return d
}

// Submit enqueues t without blocking. A missing task ID is filled in.
func (d *Dispatcher) Submit(t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.accepted = time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.countOutcome("rejected")
		return ErrClosed
	}
	if d.backlog.Length() >= d.capacity {
		d.countOutcome("rejected")
		return ErrQueueFull
	}

	d.backlog.Add(t)
	d.updateGauges()
	d.cond.Signal()
	return nil
}

// Pending returns the number of accepted tasks not yet started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backlog.Length()
}

// InFlight returns the number of tasks currently running.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// Shutdown stops accepting tasks and waits for the backlog to drain. If ctx
// expires first, queued tasks are dropped, running tasks are cancelled and
// ctx's error is returned. Shutdown may be called more than once.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.logger.Info("Dispatcher draining",
			zap.Int("pending", d.backlog.Length()),
			zap.Int("in_flight", d.inFlight),
		)
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	select {
	case <-d.drained:
		return nil
	case <-ctx.Done():
	}

	d.mu.Lock()
	dropped := d.backlog.Length()
	for d.backlog.Length() > 0 {
		d.backlog.Remove()
		d.countOutcome("dropped")
	}
	d.updateGauges()
	d.mu.Unlock()

	d.cancel()
	d.logger.Warn("Dispatcher shutdown forced",
		zap.Int("dropped", dropped),
		zap.Error(ctx.Err()),
	)
	return ctx.Err()
}

// Done is closed once every worker has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.drained
}

func (d *Dispatcher) work() error {
	for {
		d.mu.Lock()
		for d.backlog.Length() == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.backlog.Length() == 0 {
			d.mu.Unlock()
			return nil
		}
		t := d.backlog.Remove()
		d.inFlight++
		d.updateGauges()
		d.mu.Unlock()

		d.run(t)

		d.mu.Lock()
		d.inFlight--
		d.updateGauges()
		d.mu.Unlock()
	}
}

func (d *Dispatcher) run(t Task) {
	start := time.Now()
	out := Outcome{Task: t, Waited: start.Sub(t.accepted)}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Deferred task panicked",
				zap.String("task_id", t.ID),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			out.Result = upstream.Failure(upstream.KindUnexpected, upstream.UnexpectedText, fmt.Sprintf("panic: %v", r))
		}
		out.Duration = time.Since(start)
		d.sink.Deliver(out)
	}()

	out.Result = d.completer.Complete(d.ctx, t.Message, t.ImageURL)
}

// updateGauges must be called with d.mu held.
func (d *Dispatcher) updateGauges() {
	if d.metrics == nil {
		return
	}
	d.metrics.DispatchQueued.Set(float64(d.backlog.Length()))
	d.metrics.DispatchActive.Set(float64(d.inFlight))
}

func (d *Dispatcher) countOutcome(outcome string) {
	if d.metrics != nil {
		d.metrics.DeferredTasks.WithLabelValues(outcome).Inc()
	}
}
