package schema

import "time"

// Event type constants for the notification pipeline and event log.
const (
	EventStepReady     = "step_ready"
	EventStepClaimed   = "step_claimed"
	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepBlocked   = "step_blocked"
	EventStepRestarted = "step_restarted"
	EventStepDueSoon   = "step_due_soon"

	EventInstanceCreated   = "instance_created"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"
	EventInstanceCanceled  = "instance_canceled"

	EventStepAdded   = "step_added"
	EventStepRemoved = "step_removed"
	EventReordered   = "steps_reordered"
)

// Event is a notification emitted after a committed runtime mutation.
// Dispatch is best-effort: failures are logged and counted, never
// propagated back into the transaction that produced the event.
type Event struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq,omitempty"` // per-instance log cursor, assigned on append
	Type       string         `json:"type"`
	InstanceID string         `json:"instance_id"`
	StepID     string         `json:"step_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}
