package engine

import (
	"context"
	"time"

	"github.com/harlowe/matterflow/internal/logging"
	"github.com/harlowe/matterflow/pkg/schema"
)

// Claim records the actor as the step's assignee. Claiming an
// unassigned step requires a matching role scope; re-claiming one's own
// step is a no-op and someone else's claim is rejected.
func (r *Runtime) Claim(ctx context.Context, instanceID, stepID string, actor schema.Actor) (*schema.Instance, error) {
	ctx = logging.WithActorID(logging.WithStepID(ctx, stepID), actor.ID)

	return r.mutate(ctx, instanceID, func(in *schema.Instance, tx *txState) error {
		step, ferr := r.step(in, stepID)
		if ferr != nil {
			return ferr
		}
		if step.ActionState.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"cannot claim step in terminal state %s", step.ActionState).WithStep(stepID)
		}
		if step.AssignedToID == actor.ID {
			return nil
		}
		if step.AssignedToID != "" {
			return schema.NewErrorf(schema.ErrCodeAlreadyClaimed,
				"step %s is already assigned to %s", stepID, step.AssignedToID).WithStep(stepID)
		}
		if !actor.IsAdmin() && !r.authz.ActorCanAct(actor, step) {
			return schema.NewErrorf(schema.ErrCodePermissionDenied,
				"actor %s (%s) cannot claim step scoped to %s", actor.ID, actor.Role, step.RoleScope).
				WithStep(stepID)
		}

		step.AssignedToID = actor.ID
		tx.event(schema.EventStepClaimed, in, stepID, actor, nil)
		return nil
	})
}

// Start moves a READY step to IN_PROGRESS and makes the actor its
// assignee. Starting a SKIPPED step is the restart path: it returns the
// step to READY instead, requires an admin, and requires that the skip
// recorded a cancellation reason.
func (r *Runtime) Start(ctx context.Context, instanceID, stepID string, actor schema.Actor) (*schema.Instance, error) {
	ctx = logging.WithActorID(logging.WithStepID(ctx, stepID), actor.ID)

	return r.mutate(ctx, instanceID, func(in *schema.Instance, tx *txState) error {
		step, ferr := r.step(in, stepID)
		if ferr != nil {
			return ferr
		}

		if step.ActionState == schema.StateSkipped {
			return r.restart(in, step, actor, tx)
		}

		if step.AssignedToID == "" {
			// Claim-on-start. Authorization below still checks the
			// role scope before the claim is kept.
			step.AssignedToID = actor.ID
		}
		if err := r.applyTransition(in, step, schema.StateInProgress, actor, "", tx); err != nil {
			return err
		}
		if step.StartedAt == nil {
			now := time.Now().UTC()
			step.StartedAt = &now
		}
		tx.record(func(ctx context.Context) { r.observer.StepStarted(ctx, step.ActionType) })
		return nil
	})
}

// restart reverses a skip. The step re-enters READY, not IN_PROGRESS,
// so the normal claim and start flow applies from there.
func (r *Runtime) restart(in *schema.Instance, step *schema.Step, actor schema.Actor, tx *txState) error {
	if _, ok := step.ActionData.Get(schema.DataKeyCancellationReason); !ok {
		return schema.NewError(schema.ErrCodeInvalidTransition,
			"skipped step has no recorded cancellation reason; restart refused").WithStep(step.ID)
	}
	if err := r.applyTransition(in, step, schema.StateReady, actor, "restarted", tx); err != nil {
		return err
	}
	step.ActionData.Set(schema.DataKeyRestartedAt, time.Now().UTC().Format(time.RFC3339))
	step.AssignedToID = ""
	return nil
}

// Complete finishes an IN_PROGRESS step, merges the completion output
// into the step's data, and cascades promotions to dependents.
func (r *Runtime) Complete(ctx context.Context, instanceID, stepID string, actor schema.Actor, output map[string]any) (*schema.Instance, error) {
	ctx = logging.WithActorID(logging.WithStepID(ctx, stepID), actor.ID)

	return r.mutate(ctx, instanceID, func(in *schema.Instance, tx *txState) error {
		step, ferr := r.step(in, stepID)
		if ferr != nil {
			return ferr
		}
		if r.catalog != nil {
			if err := r.catalog.ValidateOutput(step.ActionType, output); err != nil {
				return err
			}
		}
		if err := r.applyTransition(in, step, schema.StateCompleted, actor, "", tx); err != nil {
			return err
		}
		for k, v := range output {
			step.ActionData.Set(k, v)
		}
		now := time.Now().UTC()
		step.CompletedAt = &now

		duration := time.Duration(0)
		if step.StartedAt != nil {
			duration = now.Sub(*step.StartedAt)
		}
		tx.record(func(ctx context.Context) { r.observer.StepCompleted(ctx, step.ActionType, duration) })

		return r.cascade(ctx, in, tx)
	})
}

// Fail marks an IN_PROGRESS step FAILED with the given reason. Failure
// never satisfies a dependent's join, so no promotions cascade; the
// instance may still finalize if nothing else can advance.
func (r *Runtime) Fail(ctx context.Context, instanceID, stepID string, actor schema.Actor, reason string) (*schema.Instance, error) {
	ctx = logging.WithActorID(logging.WithStepID(ctx, stepID), actor.ID)

	return r.mutate(ctx, instanceID, func(in *schema.Instance, tx *txState) error {
		step, ferr := r.step(in, stepID)
		if ferr != nil {
			return ferr
		}
		if err := r.applyTransition(in, step, schema.StateFailed, actor, reason, tx); err != nil {
			return err
		}
		if reason != "" {
			step.ActionData.Set(schema.DataKeyFailureReason, reason)
		}
		tx.record(func(ctx context.Context) { r.observer.StepFailed(ctx, step.ActionType) })

		r.finalizeIfDone(ctx, in, tx)
		return nil
	})
}

// Skip retires a PENDING or READY step without doing its work. Admin
// only; the reason is recorded and later required for a restart. A skip
// counts as satisfied for unconditional dependents, so promotions
// cascade.
func (r *Runtime) Skip(ctx context.Context, instanceID, stepID string, actor schema.Actor, reason string) (*schema.Instance, error) {
	ctx = logging.WithActorID(logging.WithStepID(ctx, stepID), actor.ID)

	return r.mutate(ctx, instanceID, func(in *schema.Instance, tx *txState) error {
		step, ferr := r.step(in, stepID)
		if ferr != nil {
			return ferr
		}
		if reason == "" {
			return schema.NewError(schema.ErrCodeValidation,
				"skip requires a cancellation reason").WithStep(stepID)
		}
		if err := r.applyTransition(in, step, schema.StateSkipped, actor, reason, tx); err != nil {
			return err
		}
		step.ActionData.Set(schema.DataKeyCancellationReason, reason)
		tx.record(func(ctx context.Context) { r.observer.StepSkipped(ctx, step.ActionType) })

		return r.cascade(ctx, in, tx)
	})
}

// Block parks an IN_PROGRESS step on an external obstacle.
func (r *Runtime) Block(ctx context.Context, instanceID, stepID string, actor schema.Actor, reason string) (*schema.Instance, error) {
	ctx = logging.WithActorID(logging.WithStepID(ctx, stepID), actor.ID)

	return r.mutate(ctx, instanceID, func(in *schema.Instance, tx *txState) error {
		step, ferr := r.step(in, stepID)
		if ferr != nil {
			return ferr
		}
		return r.applyTransition(in, step, schema.StateBlocked, actor, reason, tx)
	})
}

// Unblock resumes a BLOCKED step. Resuming straight to IN_PROGRESS
// keeps the assignee; returning to READY clears it so the step can be
// re-claimed.
func (r *Runtime) Unblock(ctx context.Context, instanceID, stepID string, actor schema.Actor, resume bool) (*schema.Instance, error) {
	ctx = logging.WithActorID(logging.WithStepID(ctx, stepID), actor.ID)

	return r.mutate(ctx, instanceID, func(in *schema.Instance, tx *txState) error {
		step, ferr := r.step(in, stepID)
		if ferr != nil {
			return ferr
		}
		to := schema.StateReady
		if resume {
			to = schema.StateInProgress
		}
		if err := r.applyTransition(in, step, to, actor, "", tx); err != nil {
			return err
		}
		if to == schema.StateReady {
			step.AssignedToID = ""
		}
		return nil
	})
}
