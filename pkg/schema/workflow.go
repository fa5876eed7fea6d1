package schema

import (
	"encoding/json"
	"time"
)

// ActionType identifies the kind of work a step represents. The engine
// treats action payloads opaquely; handlers own validation of the
// config/data envelope per type.
type ActionType string

const (
	ActionApproval      ActionType = "APPROVAL"
	ActionSignature     ActionType = "SIGNATURE"
	ActionRequestDoc    ActionType = "REQUEST_DOC"
	ActionPayment       ActionType = "PAYMENT"
	ActionChecklist     ActionType = "CHECKLIST"
	ActionWriteText     ActionType = "WRITE_TEXT"
	ActionQuestionnaire ActionType = "POPULATE_QUESTIONNAIRE"
	ActionEmail         ActionType = "AUTOMATION_EMAIL"
	ActionWebhook       ActionType = "AUTOMATION_WEBHOOK"
)

// ActionTypes lists every recognized action type.
var ActionTypes = []ActionType{
	ActionApproval, ActionSignature, ActionRequestDoc, ActionPayment,
	ActionChecklist, ActionWriteText, ActionQuestionnaire,
	ActionEmail, ActionWebhook,
}

// ActionState is the lifecycle state of a step.
type ActionState string

const (
	StatePending    ActionState = "PENDING"
	StateReady      ActionState = "READY"
	StateInProgress ActionState = "IN_PROGRESS"
	StateBlocked    ActionState = "BLOCKED"
	StateCompleted  ActionState = "COMPLETED"
	StateFailed     ActionState = "FAILED"
	StateSkipped    ActionState = "SKIPPED"
)

// IsTerminal reports whether the state ends a step's normal lifecycle.
// SKIPPED is terminal but restartable by an admin.
func (s ActionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSkipped
}

// Satisfies reports whether a source step in this state counts toward
// a dependent's join logic. FAILED never satisfies any join.
func (s ActionState) Satisfies() bool {
	return s == StateCompleted || s == StateSkipped
}

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceDraft     InstanceStatus = "DRAFT"
	InstanceActive    InstanceStatus = "ACTIVE"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceFailed    InstanceStatus = "FAILED"
	InstanceCanceled  InstanceStatus = "CANCELED"
)

// DependencyType classifies a directed edge between two steps.
type DependencyType string

const (
	DepDependsOn     DependencyType = "DEPENDS_ON"
	DepTriggers      DependencyType = "TRIGGERS"
	DepIfTrueBranch  DependencyType = "IF_TRUE_BRANCH"
	DepIfFalseBranch DependencyType = "IF_FALSE_BRANCH"
)

// DependencyLogic is the join rule applied over a target step's
// incoming edges.
type DependencyLogic string

const (
	LogicAll    DependencyLogic = "ALL"
	LogicAny    DependencyLogic = "ANY"
	LogicCustom DependencyLogic = "CUSTOM" // reserved; evaluated as ALL
)

// ConditionType controls when a single edge counts as satisfied.
type ConditionType string

const (
	CondAlways  ConditionType = "ALWAYS"
	CondIfTrue  ConditionType = "IF_TRUE"
	CondIfFalse ConditionType = "IF_FALSE"
	CondSwitch  ConditionType = "SWITCH"
)

// ConditionConfig selects the branch value an edge condition evaluates.
// Exactly one of Expression (CEL over {"output": ...}) or OutputPath
// (jq query against the recorded output) should be set; when both are
// empty the well-known "branch" key of the source output is used.
// Match is the value a SWITCH edge requires.
type ConditionConfig struct {
	Expression string `json:"expression,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
	Match      any    `json:"match,omitempty"`
}

// Priority is advisory step urgency metadata.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Template is a reusable, versioned workflow blueprint. Once published
// (IsActive) it is read-only; edits require a new version.
type Template struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Version      int                  `json:"version"`
	IsActive     bool                 `json:"is_active"`
	Description  string               `json:"description,omitempty"`
	Steps        []TemplateStep       `json:"steps"`
	Dependencies []TemplateDependency `json:"dependencies,omitempty"`
	ReminderCron string               `json:"reminder_cron,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// TemplateStep is a blueprint step; instantiation copies it into a Step.
type TemplateStep struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	ActionType   ActionType      `json:"action_type"`
	ActionConfig json.RawMessage `json:"action_config,omitempty"`
	RoleScope    Role            `json:"role_scope"`
	Required     bool            `json:"required"`
	Order        int             `json:"order"`
	DueInDays    int             `json:"due_in_days,omitempty"`
	Priority     Priority        `json:"priority,omitempty"`
	PositionX    float64         `json:"position_x,omitempty"`
	PositionY    float64         `json:"position_y,omitempty"`
}

// TemplateDependency is a blueprint edge between two template steps.
type TemplateDependency struct {
	SourceStepID    string          `json:"source_step_id"`
	TargetStepID    string          `json:"target_step_id"`
	DependencyType  DependencyType  `json:"dependency_type"`
	DependencyLogic DependencyLogic `json:"dependency_logic"`
	ConditionType   ConditionType   `json:"condition_type"`
	ConditionConfig json.RawMessage `json:"condition_config,omitempty"`
}

// Instance is one execution of a template bound to a matter or contact.
// Template steps are copied at instantiation, not referenced live.
type Instance struct {
	ID              string         `json:"id"`
	TemplateID      string         `json:"template_id"`
	TemplateVersion int            `json:"template_version"`
	MatterID        string         `json:"matter_id,omitempty"`
	ContactID       string         `json:"contact_id,omitempty"`
	Status          InstanceStatus `json:"status"`
	Steps           []*Step        `json:"steps"`
	Dependencies    []*Dependency  `json:"dependencies,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Step is the mutable unit of work within an instance.
type Step struct {
	ID             string      `json:"id"`
	InstanceID     string      `json:"instance_id"`
	TemplateStepID string      `json:"template_step_id,omitempty"` // empty for ad-hoc steps
	Title          string      `json:"title"`
	ActionType     ActionType  `json:"action_type"`
	ActionState    ActionState `json:"action_state"`
	ActionData     ActionData  `json:"action_data"`
	RoleScope      Role        `json:"role_scope"`
	Required       bool        `json:"required"`
	Order          int         `json:"order"`
	AssignedToID   string      `json:"assigned_to_id,omitempty"`
	DueDate        *time.Time  `json:"due_date,omitempty"`
	Priority       Priority    `json:"priority,omitempty"`
	PositionX      float64     `json:"position_x,omitempty"`
	PositionY      float64     `json:"position_y,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Dependency is a directed edge between two steps of one instance.
type Dependency struct {
	ID              string          `json:"id"`
	InstanceID      string          `json:"instance_id"`
	SourceStepID    string          `json:"source_step_id"`
	TargetStepID    string          `json:"target_step_id"`
	DependencyType  DependencyType  `json:"dependency_type"`
	DependencyLogic DependencyLogic `json:"dependency_logic"`
	ConditionType   ConditionType   `json:"condition_type"`
	ConditionConfig json.RawMessage `json:"condition_config,omitempty"`
}

// Conditional reports whether the edge gates on the source's output.
func (d *Dependency) Conditional() bool {
	return d.ConditionType == CondIfTrue || d.ConditionType == CondIfFalse || d.ConditionType == CondSwitch
}

// ActionData is the uniform payload envelope carried by every step:
// the type-specific config copied from the template, runtime data
// written by the action handler and completion payloads, and the
// transition history.
type ActionData struct {
	Config  json.RawMessage `json:"config,omitempty"`
	Data    map[string]any  `json:"data,omitempty"`
	History []HistoryEntry  `json:"history,omitempty"`
}

// Well-known keys within ActionData.Data.
const (
	DataKeyBranch             = "branch"              // recorded branch output for conditional edges
	DataKeyCancellationReason = "cancellation_reason" // set on Skip; required for restart
	DataKeyRestartedAt        = "restarted_at"        // provenance of a SKIPPED->READY restart
	DataKeyFailureReason      = "failure_reason"      // set on Fail
)

// HistoryEntry records a single applied state transition.
type HistoryEntry struct {
	From    ActionState `json:"from"`
	To      ActionState `json:"to"`
	ActorID string      `json:"actor_id"`
	At      time.Time   `json:"at"`
	Note    string      `json:"note,omitempty"`
}

// Get returns a value from the runtime data map.
func (a *ActionData) Get(key string) (any, bool) {
	if a.Data == nil {
		return nil, false
	}
	v, ok := a.Data[key]
	return v, ok
}

// Set writes a value into the runtime data map, allocating it if needed.
func (a *ActionData) Set(key string, value any) {
	if a.Data == nil {
		a.Data = make(map[string]any)
	}
	a.Data[key] = value
}

// StepByID returns the step with the given ID, or nil.
func (in *Instance) StepByID(id string) *Step {
	for _, s := range in.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}
