package engine

import (
	"github.com/harlowe/matterflow/pkg/schema"
)

// validTransitions is the authoritative step transition table. Any pair
// not listed here is illegal regardless of who asks.
var validTransitions = map[schema.ActionState][]schema.ActionState{
	schema.StatePending:    {schema.StateReady, schema.StateSkipped},
	schema.StateReady:      {schema.StateInProgress, schema.StateSkipped},
	schema.StateInProgress: {schema.StateCompleted, schema.StateFailed, schema.StateBlocked},
	schema.StateBlocked:    {schema.StateReady, schema.StateInProgress},
	schema.StateSkipped:    {schema.StateReady}, // admin restart only
	schema.StateCompleted:  {},
	schema.StateFailed:     {},
}

// AssertTransition checks legality of a state change independent of the
// actor. Returns an INVALID_TRANSITION error naming the attempted pair.
func AssertTransition(from, to schema.ActionState) *schema.FlowError {
	allowed, ok := validTransitions[from]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"unknown step state %q", from)
	}
	for _, a := range allowed {
		if a == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"illegal step transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// Authorizer is the external RBAC collaborator. It is the second
// permission layer: the transition table decides what is legal, the
// authorizer decides whether this actor's role may touch this step.
type Authorizer interface {
	ActorCanAct(actor schema.Actor, step *schema.Step) bool
}

// RoleAuthorizer is the default Authorizer: admins and the system actor
// may act on any step; everyone else needs a role equal to the step's
// role scope.
type RoleAuthorizer struct{}

func (RoleAuthorizer) ActorCanAct(actor schema.Actor, step *schema.Step) bool {
	if actor.IsAdmin() || actor.IsSystem() {
		return true
	}
	return actor.Role == step.RoleScope
}

// Authorize checks whether the actor may invoke the given legal
// transition on the step. Callers must have already passed
// AssertTransition for the same pair.
func Authorize(authz Authorizer, actor schema.Actor, step *schema.Step, from, to schema.ActionState) *schema.FlowError {
	switch {
	case from == schema.StatePending && to == schema.StateReady:
		// Promotion is reserved for the dependency resolver.
		if !actor.IsSystem() {
			return permissionErr(actor, step, from, to, "only the system may promote steps to READY")
		}
		return nil

	case to == schema.StateSkipped:
		if !actor.IsAdmin() && !actor.IsSystem() {
			return permissionErr(actor, step, from, to, "only an admin may skip a step")
		}
		return nil

	case from == schema.StateSkipped && to == schema.StateReady:
		if !actor.IsAdmin() {
			return permissionErr(actor, step, from, to, "only an admin may restart a skipped step")
		}
		return nil

	case from == schema.StateInProgress && to == schema.StateBlocked:
		if !actor.IsSystem() && !actor.IsAdmin() {
			return permissionErr(actor, step, from, to, "only the system may block a step")
		}
		return nil

	case from == schema.StateBlocked:
		// System, admin, or the current assignee may unblock.
		if actor.IsSystem() || actor.IsAdmin() || step.AssignedToID == actor.ID {
			return nil
		}
		return permissionErr(actor, step, from, to, "step is blocked; only its assignee may resume it")
	}

	// START / COMPLETE / FAIL: admin override, otherwise role scope must
	// match and the step must be unassigned or assigned to the actor.
	if actor.IsAdmin() {
		return nil
	}
	if !authz.ActorCanAct(actor, step) {
		return permissionErr(actor, step, from, to, "actor role does not match step scope")
	}
	if step.AssignedToID != "" && step.AssignedToID != actor.ID {
		return schema.NewErrorf(schema.ErrCodeAlreadyClaimed,
			"step is assigned to %s", step.AssignedToID).
			WithStep(step.ID).
			WithDetails(map[string]any{"assigned_to": step.AssignedToID, "actor": actor.ID})
	}
	return nil
}

func permissionErr(actor schema.Actor, step *schema.Step, from, to schema.ActionState, reason string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodePermissionDenied, "%s", reason).
		WithStep(step.ID).
		WithDetails(map[string]any{
			"actor":      actor.ID,
			"actor_role": string(actor.Role),
			"role_scope": string(step.RoleScope),
			"from":       string(from),
			"to":         string(to),
		})
}

// eventForTransition maps a committed transition to its notification
// event type, or "" when no notification is emitted.
func eventForTransition(from, to schema.ActionState) string {
	switch to {
	case schema.StateReady:
		if from == schema.StateSkipped {
			return schema.EventStepRestarted
		}
		return schema.EventStepReady
	case schema.StateInProgress:
		return schema.EventStepStarted
	case schema.StateCompleted:
		return schema.EventStepCompleted
	case schema.StateFailed:
		return schema.EventStepFailed
	case schema.StateSkipped:
		return schema.EventStepSkipped
	case schema.StateBlocked:
		return schema.EventStepBlocked
	default:
		return ""
	}
}
