package engine

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/harlowe/matterflow/internal/graph"
	"github.com/harlowe/matterflow/pkg/schema"
)

// NewStep describes an ad-hoc step added to a live instance.
type NewStep struct {
	Title        string            `json:"title"`
	ActionType   schema.ActionType `json:"action_type"`
	ActionConfig json.RawMessage   `json:"action_config,omitempty"`
	RoleScope    schema.Role       `json:"role_scope"`
	Required     bool              `json:"required"`
	DueDate      *time.Time        `json:"due_date,omitempty"`
	Priority     schema.Priority   `json:"priority,omitempty"`
	Dependencies []EdgeSpec        `json:"dependencies,omitempty"`
}

// EdgeSpec declares an incoming edge for an ad-hoc step.
type EdgeSpec struct {
	SourceStepID    string                 `json:"source_step_id"`
	DependencyType  schema.DependencyType  `json:"dependency_type"`
	DependencyLogic schema.DependencyLogic `json:"dependency_logic"`
	ConditionType   schema.ConditionType   `json:"condition_type"`
	ConditionConfig json.RawMessage        `json:"condition_config,omitempty"`
}

// editAllowed gates structural edits. DRAFT instances are open to any
// staff actor; ACTIVE instances require an admin. Terminal instances
// are frozen.
func editAllowed(in *schema.Instance, actor schema.Actor) *schema.FlowError {
	switch in.Status {
	case schema.InstanceDraft:
		if actor.Role == schema.RoleClient {
			return schema.NewError(schema.ErrCodePermissionDenied,
				"clients cannot edit the step graph")
		}
		return nil
	case schema.InstanceActive:
		if !actor.IsAdmin() && !actor.IsSystem() {
			return schema.NewError(schema.ErrCodePermissionDenied,
				"editing an active instance requires an admin")
		}
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"instance is %s and cannot be edited", in.Status)
	}
}

// AddStep inserts an ad-hoc step into an instance, wiring its incoming
// edges and re-validating the whole graph before committing. The new
// step enters PENDING and the cascade promotes it immediately when its
// joins are already satisfied.
func (r *Runtime) AddStep(ctx context.Context, instanceID string, req NewStep, actor schema.Actor) (*schema.Instance, error) {
	return r.mutate(ctx, instanceID, func(in *schema.Instance, tx *txState) error {
		if err := editAllowed(in, actor); err != nil {
			return err
		}
		if req.Title == "" {
			return schema.NewError(schema.ErrCodeValidation, "step title is required")
		}
		if !validActionType(req.ActionType) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"unknown action type: %s", req.ActionType)
		}
		if r.catalog != nil {
			if err := r.catalog.ValidateConfig(req.ActionType, req.ActionConfig); err != nil {
				return err
			}
		}

		maxOrder := -1
		for _, s := range in.Steps {
			if s.Order > maxOrder {
				maxOrder = s.Order
			}
		}

		step := &schema.Step{
			ID:          uuid.New().String(),
			InstanceID:  in.ID,
			Title:       req.Title,
			ActionType:  req.ActionType,
			ActionState: schema.StatePending,
			ActionData:  schema.ActionData{Config: req.ActionConfig},
			RoleScope:   req.RoleScope,
			Required:    req.Required,
			Order:       maxOrder + 1,
			DueDate:     req.DueDate,
			Priority:    req.Priority,
		}
		in.Steps = append(in.Steps, step)

		for _, e := range req.Dependencies {
			in.Dependencies = append(in.Dependencies, &schema.Dependency{
				ID:              uuid.New().String(),
				InstanceID:      in.ID,
				SourceStepID:    e.SourceStepID,
				TargetStepID:    step.ID,
				DependencyType:  e.DependencyType,
				DependencyLogic: e.DependencyLogic,
				ConditionType:   e.ConditionType,
				ConditionConfig: e.ConditionConfig,
			})
		}

		if err := r.revalidate(in); err != nil {
			return err
		}

		tx.event(schema.EventStepAdded, in, step.ID, actor, map[string]any{"title": step.Title})
		return r.cascade(ctx, in, tx)
	})
}

// RemoveStep deletes an un-started step and every edge touching it.
// Steps that have recorded work keep their history; skip them instead.
func (r *Runtime) RemoveStep(ctx context.Context, instanceID, stepID string, actor schema.Actor) (*schema.Instance, error) {
	return r.mutate(ctx, instanceID, func(in *schema.Instance, tx *txState) error {
		if err := editAllowed(in, actor); err != nil {
			return err
		}
		step, ferr := r.step(in, stepID)
		if ferr != nil {
			return ferr
		}
		if step.ActionState != schema.StatePending && step.ActionState != schema.StateReady {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"cannot remove step in state %s; only un-started steps may be removed",
				step.ActionState).WithStep(stepID)
		}

		steps := in.Steps[:0]
		for _, s := range in.Steps {
			if s.ID != stepID {
				steps = append(steps, s)
			}
		}
		in.Steps = steps

		deps := in.Dependencies[:0]
		for _, d := range in.Dependencies {
			if d.SourceStepID != stepID && d.TargetStepID != stepID {
				deps = append(deps, d)
			}
		}
		in.Dependencies = deps

		renumber(in)

		tx.event(schema.EventStepRemoved, in, stepID, actor, map[string]any{"title": step.Title})

		// Removing a blocking source can release its dependents.
		return r.cascade(ctx, in, tx)
	})
}

// Reorder rewrites the display order of all steps. orderedIDs must be a
// permutation of the instance's step IDs.
func (r *Runtime) Reorder(ctx context.Context, instanceID string, orderedIDs []string, actor schema.Actor) (*schema.Instance, error) {
	return r.mutate(ctx, instanceID, func(in *schema.Instance, tx *txState) error {
		if err := editAllowed(in, actor); err != nil {
			return err
		}
		if len(orderedIDs) != len(in.Steps) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"reorder lists %d steps, instance has %d", len(orderedIDs), len(in.Steps))
		}
		seen := make(map[string]bool, len(orderedIDs))
		for pos, id := range orderedIDs {
			step := in.StepByID(id)
			if step == nil {
				return schema.NewErrorf(schema.ErrCodeInvalidReference,
					"reorder references unknown step: %s", id).WithStep(id)
			}
			if seen[id] {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"reorder lists step %s twice", id).WithStep(id)
			}
			seen[id] = true
			step.Order = pos
		}

		if err := r.revalidate(in); err != nil {
			return err
		}

		tx.event(schema.EventReordered, in, "", actor, nil)
		return r.cascade(ctx, in, tx)
	})
}

// Cancel terminates an instance. Un-started steps are skipped with the
// cancellation reason so their records show why they never ran.
func (r *Runtime) Cancel(ctx context.Context, instanceID string, actor schema.Actor, reason string) (*schema.Instance, error) {
	return r.mutate(ctx, instanceID, func(in *schema.Instance, tx *txState) error {
		if !actor.IsAdmin() && !actor.IsSystem() {
			return schema.NewError(schema.ErrCodePermissionDenied,
				"canceling an instance requires an admin")
		}
		if in.Status != schema.InstanceDraft && in.Status != schema.InstanceActive {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"instance is already %s", in.Status)
		}

		for _, s := range in.Steps {
			if s.ActionState != schema.StatePending && s.ActionState != schema.StateReady {
				continue
			}
			if err := r.applyTransition(in, s, schema.StateSkipped, actor, reason, tx); err != nil {
				return err
			}
			s.ActionData.Set(schema.DataKeyCancellationReason, reason)
		}

		now := time.Now().UTC()
		in.Status = schema.InstanceCanceled
		in.CompletedAt = &now
		tx.event(schema.EventInstanceCanceled, in, "", actor, map[string]any{"reason": reason})
		tx.record(func(ctx context.Context) { r.observer.InstanceFinished(ctx, schema.InstanceCanceled) })
		return nil
	})
}

// revalidate re-runs the graph validator after a structural edit and
// surfaces the first violation.
func (r *Runtime) revalidate(in *schema.Instance) error {
	result, err := graph.ValidateInstance(in)
	if err != nil {
		return err
	}
	if !result.Valid {
		return result.Errors[0]
	}
	return nil
}

// renumber restores dense, gap-free step orders after a removal.
func renumber(in *schema.Instance) {
	sorted := make([]*schema.Step, len(in.Steps))
	copy(sorted, in.Steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	for pos, s := range sorted {
		s.Order = pos
	}
}

func validActionType(t schema.ActionType) bool {
	for _, known := range schema.ActionTypes {
		if known == t {
			return true
		}
	}
	return false
}
