// Package metrics defines the injected observability interface the
// runtime records through, keeping the core testable without a
// process-global counter table.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/harlowe/matterflow/pkg/schema"
)

// Observer receives runtime measurements. Implementations must be safe
// for concurrent use.
type Observer interface {
	InstanceCreated(ctx context.Context)
	InstanceFinished(ctx context.Context, status schema.InstanceStatus)
	StepStarted(ctx context.Context, actionType schema.ActionType)
	StepCompleted(ctx context.Context, actionType schema.ActionType, duration time.Duration)
	StepFailed(ctx context.Context, actionType schema.ActionType)
	StepSkipped(ctx context.Context, actionType schema.ActionType)
	StepsPromoted(ctx context.Context, count int)
	DispatchFailed(ctx context.Context)
}

// Nop is an Observer that records nothing.
type Nop struct{}

func (Nop) InstanceCreated(context.Context) {}

func (Nop) InstanceFinished(context.Context, schema.InstanceStatus) {}

func (Nop) StepStarted(context.Context, schema.ActionType) {}

func (Nop) StepCompleted(context.Context, schema.ActionType, time.Duration) {}

func (Nop) StepFailed(context.Context, schema.ActionType) {}

func (Nop) StepSkipped(context.Context, schema.ActionType) {}

func (Nop) StepsPromoted(context.Context, int) {}

func (Nop) DispatchFailed(context.Context) {}

// OTel records measurements through an OpenTelemetry meter.
type OTel struct {
	instancesCreated  metric.Int64Counter
	instancesFinished metric.Int64Counter
	stepsStarted      metric.Int64Counter
	stepsCompleted    metric.Int64Counter
	stepsFailed       metric.Int64Counter
	stepsSkipped      metric.Int64Counter
	stepsPromoted     metric.Int64Counter
	dispatchFailures  metric.Int64Counter
	stepDuration      metric.Float64Histogram
}

// NewOTel creates an Observer backed by the given meter.
func NewOTel(meter metric.Meter) (*OTel, error) {
	o := &OTel{}
	var err error

	if o.instancesCreated, err = meter.Int64Counter("matterflow.instances.created"); err != nil {
		return nil, err
	}
	if o.instancesFinished, err = meter.Int64Counter("matterflow.instances.finished"); err != nil {
		return nil, err
	}
	if o.stepsStarted, err = meter.Int64Counter("matterflow.steps.started"); err != nil {
		return nil, err
	}
	if o.stepsCompleted, err = meter.Int64Counter("matterflow.steps.completed"); err != nil {
		return nil, err
	}
	if o.stepsFailed, err = meter.Int64Counter("matterflow.steps.failed"); err != nil {
		return nil, err
	}
	if o.stepsSkipped, err = meter.Int64Counter("matterflow.steps.skipped"); err != nil {
		return nil, err
	}
	if o.stepsPromoted, err = meter.Int64Counter("matterflow.steps.promoted"); err != nil {
		return nil, err
	}
	if o.dispatchFailures, err = meter.Int64Counter("matterflow.notifications.dispatch_failures"); err != nil {
		return nil, err
	}
	if o.stepDuration, err = meter.Float64Histogram("matterflow.steps.duration_seconds"); err != nil {
		return nil, err
	}
	return o, nil
}

func actionAttr(actionType schema.ActionType) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("action_type", string(actionType)))
}

func (o *OTel) InstanceCreated(ctx context.Context) {
	o.instancesCreated.Add(ctx, 1)
}

func (o *OTel) InstanceFinished(ctx context.Context, status schema.InstanceStatus) {
	o.instancesFinished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", string(status))))
}

func (o *OTel) StepStarted(ctx context.Context, actionType schema.ActionType) {
	o.stepsStarted.Add(ctx, 1, actionAttr(actionType))
}

func (o *OTel) StepCompleted(ctx context.Context, actionType schema.ActionType, duration time.Duration) {
	o.stepsCompleted.Add(ctx, 1, actionAttr(actionType))
	o.stepDuration.Record(ctx, duration.Seconds(), actionAttr(actionType))
}

func (o *OTel) StepFailed(ctx context.Context, actionType schema.ActionType) {
	o.stepsFailed.Add(ctx, 1, actionAttr(actionType))
}

func (o *OTel) StepSkipped(ctx context.Context, actionType schema.ActionType) {
	o.stepsSkipped.Add(ctx, 1, actionAttr(actionType))
}

func (o *OTel) StepsPromoted(ctx context.Context, count int) {
	o.stepsPromoted.Add(ctx, int64(count))
}

func (o *OTel) DispatchFailed(ctx context.Context) {
	o.dispatchFailures.Add(ctx, 1)
}
