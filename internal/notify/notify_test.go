package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harlowe/matterflow/pkg/schema"
)

func event(eventType, instanceID string) *schema.Event {
	return &schema.Event{
		ID:         "evt-" + eventType,
		Type:       eventType,
		InstanceID: instanceID,
		OccurredAt: time.Now().UTC(),
	}
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []*schema.Event
	err    error
}

func (d *captureDispatcher) Dispatch(_ context.Context, e *schema.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return d.err
}

func (d *captureDispatcher) seen() []*schema.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*schema.Event(nil), d.events...)
}

type countingFailures struct {
	n atomic.Int64
}

func (c *countingFailures) DispatchFailed(context.Context) { c.n.Add(1) }

func TestHub_PublishRoutesByFilter(t *testing.T) {
	hub := NewHub()

	all, cancelAll := hub.Subscribe(Filter{})
	defer cancelAll()
	byType, cancelType := hub.Subscribe(Filter{EventTypes: []string{schema.EventStepReady}})
	defer cancelType()
	byInstance, cancelInstance := hub.Subscribe(Filter{InstanceID: "inst-2"})
	defer cancelInstance()

	require.NoError(t, hub.Publish(context.Background(), event(schema.EventStepReady, "inst-1")))
	require.NoError(t, hub.Publish(context.Background(), event(schema.EventStepCompleted, "inst-2")))

	assert.Len(t, drain(all), 2)

	got := drain(byType)
	require.Len(t, got, 1)
	assert.Equal(t, schema.EventStepReady, got[0].Type)

	got = drain(byInstance)
	require.Len(t, got, 1)
	assert.Equal(t, "inst-2", got[0].InstanceID)
}

func TestHub_CancelStopsDelivery(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.Subscribe(Filter{})
	cancel()

	require.NoError(t, hub.Publish(context.Background(), event(schema.EventStepReady, "inst-1")))
	assert.Empty(t, drain(ch))
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.Subscribe(Filter{})
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultChannelBuffer+10; i++ {
			_ = hub.Publish(context.Background(), event(schema.EventStepReady, "inst-1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
	assert.Len(t, drain(ch), defaultChannelBuffer)
}

func TestHub_PublishRespectsContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, event(schema.EventStepReady, "inst-1"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMulti_AttemptsAllAndReturnsFirstError(t *testing.T) {
	failing := &captureDispatcher{err: errors.New("smtp down")}
	tail := &captureDispatcher{}

	err := Multi{failing, tail}.Dispatch(context.Background(), event(schema.EventStepReady, "inst-1"))
	require.EqualError(t, err, "smtp down")
	assert.Len(t, tail.seen(), 1)
}

func TestQueue_DeliversInOrder(t *testing.T) {
	sink := &captureDispatcher{}
	q := NewQueue(sink, slog.New(slog.DiscardHandler), nil)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	q.Publish(ctx,
		event(schema.EventInstanceCreated, "inst-1"),
		event(schema.EventStepReady, "inst-1"),
		event(schema.EventStepCompleted, "inst-1"),
	)

	require.Eventually(t, func() bool {
		return len(sink.seen()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	got := sink.seen()
	assert.Equal(t, schema.EventInstanceCreated, got[0].Type)
	assert.Equal(t, schema.EventStepReady, got[1].Type)
	assert.Equal(t, schema.EventStepCompleted, got[2].Type)

	cancel()
	q.Drain()
}

func TestQueue_DispatchFailureIsCountedNotFatal(t *testing.T) {
	sink := &captureDispatcher{err: errors.New("webhook 500")}
	failures := &countingFailures{}
	q := NewQueue(sink, slog.New(slog.DiscardHandler), failures)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	q.Publish(ctx, event(schema.EventStepReady, "inst-1"), event(schema.EventStepReady, "inst-1"))

	require.Eventually(t, func() bool {
		return failures.n.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	q.Drain()
}

func TestQueue_PublishNeverBlocksWhenFull(t *testing.T) {
	// Consumer never started, so the buffer fills and overflow drops.
	sink := &captureDispatcher{}
	q := NewQueue(sink, slog.New(slog.DiscardHandler), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultQueueBuffer+50; i++ {
			q.Publish(context.Background(), event(schema.EventStepReady, "inst-1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full queue")
	}
}

func drain(ch <-chan *schema.Event) []*schema.Event {
	var out []*schema.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
