// Package notify carries committed runtime events to interested
// parties. Dispatch is strictly post-commit and best-effort: a failing
// dispatcher is logged and counted, never allowed to roll back or block
// the transaction that produced the event.
package notify

import (
	"context"
	"log/slog"

	"github.com/harlowe/matterflow/pkg/schema"
)

// Dispatcher delivers a single notification event to its destination
// (email gateway, webhook fan-out, in-app feed).
type Dispatcher interface {
	Dispatch(ctx context.Context, event *schema.Event) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, event *schema.Event) error

func (f DispatcherFunc) Dispatch(ctx context.Context, event *schema.Event) error {
	return f(ctx, event)
}

// LogDispatcher writes every event to the logger. Used as the default
// sink and as a tail behind real dispatchers.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d *LogDispatcher) Dispatch(ctx context.Context, event *schema.Event) error {
	d.Logger.InfoContext(ctx, "notification",
		slog.String("type", event.Type),
		slog.String("instance_id", event.InstanceID),
		slog.String("step_id", event.StepID),
	)
	return nil
}

// Multi fans one event out to several dispatchers. The first error is
// returned after all dispatchers have been attempted.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, event *schema.Event) error {
	var first error
	for _, d := range m {
		if err := d.Dispatch(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
