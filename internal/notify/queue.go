package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/harlowe/matterflow/pkg/schema"
)

const defaultQueueBuffer = 256

// FailureCounter is notified for every event a dispatcher failed to
// deliver. Satisfied by the metrics Observer.
type FailureCounter interface {
	DispatchFailed(ctx context.Context)
}

// Queue is the post-commit event queue. The runtime enqueues events
// after a successful transaction; a single consumer goroutine delivers
// them through the Dispatcher. Enqueue never blocks: when the buffer is
// full the event is dropped with a log line, trading delivery for
// runtime latency.
type Queue struct {
	dispatcher Dispatcher
	logger     *slog.Logger
	failures   FailureCounter

	ch   chan *schema.Event
	done chan struct{}

	mu      sync.Mutex
	started bool
}

// NewQueue creates a Queue delivering through the given dispatcher.
// failures may be nil.
func NewQueue(dispatcher Dispatcher, logger *slog.Logger, failures FailureCounter) *Queue {
	return &Queue{
		dispatcher: dispatcher,
		logger:     logger,
		failures:   failures,
		ch:         make(chan *schema.Event, defaultQueueBuffer),
		done:       make(chan struct{}),
	}
}

// Start launches the consumer goroutine.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.consume(ctx)
}

// Publish enqueues events for asynchronous delivery. Safe to call from
// any goroutine; never blocks.
func (q *Queue) Publish(ctx context.Context, events ...*schema.Event) {
	for _, event := range events {
		select {
		case q.ch <- event:
		default:
			q.logger.WarnContext(ctx, "notification queue full, dropping event",
				slog.String("type", event.Type),
				slog.String("instance_id", event.InstanceID),
			)
		}
	}
}

func (q *Queue) consume(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-q.ch:
			if err := q.dispatcher.Dispatch(ctx, event); err != nil {
				q.logger.ErrorContext(ctx, "notification dispatch failed",
					slog.String("type", event.Type),
					slog.String("instance_id", event.InstanceID),
					slog.String("step_id", event.StepID),
					slog.String("error", err.Error()),
				)
				if q.failures != nil {
					q.failures.DispatchFailed(ctx)
				}
			}
		}
	}
}

// Drain stops accepting work and waits for the consumer to exit. Call
// after cancelling the context passed to Start.
func (q *Queue) Drain() {
	<-q.done
}
