// Package engine contains the orchestration core: the step state
// machine, the dependency resolver, and the runtime that executes
// actor-initiated transitions as atomic store round-trips.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/harlowe/matterflow/internal/expressions"
	"github.com/harlowe/matterflow/internal/graph"
	"github.com/harlowe/matterflow/internal/logging"
	"github.com/harlowe/matterflow/internal/metrics"
	"github.com/harlowe/matterflow/internal/store"
	"github.com/harlowe/matterflow/pkg/schema"
)

// Notifier receives events after a successful commit. Implemented by
// the notify.Queue; delivery is asynchronous and best-effort.
type Notifier interface {
	Publish(ctx context.Context, events ...*schema.Event)
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, ...*schema.Event) {}

// Catalog validates action configs and completion payloads against the
// per-type schemas of the action registry. A nil catalog skips both.
type Catalog interface {
	ValidateConfig(t schema.ActionType, config json.RawMessage) error
	ValidateOutput(t schema.ActionType, output map[string]any) error
}

// Runtime orchestrates actor-initiated transitions. Every public
// operation is one atomic unit: load the instance snapshot, validate
// and apply the change in memory, write back with the snapshot's
// revision, then publish events post-commit. A stale revision surfaces
// as a retryable CONFLICT from the store.
type Runtime struct {
	store    store.Store
	authz    Authorizer
	notifier Notifier
	observer metrics.Observer
	catalog  Catalog
	eval     *expressions.ConditionEvaluator
	logger   *slog.Logger
}

// Options configures optional Runtime collaborators.
type Options struct {
	Authorizer Authorizer
	Notifier   Notifier
	Observer   metrics.Observer
	Catalog    Catalog
	Logger     *slog.Logger
}

// NewRuntime creates a Runtime over the given store. Absent options
// fall back to the role authorizer, a no-op notifier, and no metrics.
func NewRuntime(s store.Store, opts Options) (*Runtime, error) {
	eval, err := expressions.NewConditionEvaluator()
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		store:    s,
		authz:    opts.Authorizer,
		notifier: opts.Notifier,
		observer: opts.Observer,
		catalog:  opts.Catalog,
		eval:     eval,
		logger:   opts.Logger,
	}
	if r.authz == nil {
		r.authz = RoleAuthorizer{}
	}
	if r.notifier == nil {
		r.notifier = nopNotifier{}
	}
	if r.observer == nil {
		r.observer = metrics.Nop{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Target binds an instance to a matter or a contact. Exactly one of
// the two must be set.
type Target struct {
	MatterID  string `json:"matter_id,omitempty"`
	ContactID string `json:"contact_id,omitempty"`
}

// txState accumulates the side effects of one runtime operation.
// Events and metric recordings are held back until the store write has
// committed.
type txState struct {
	events  []*schema.Event
	metrics []func(ctx context.Context)
}

func (tx *txState) event(eventType string, in *schema.Instance, stepID string, actor schema.Actor, payload map[string]any) {
	tx.events = append(tx.events, &schema.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		InstanceID: in.ID,
		StepID:     stepID,
		ActorID:    actor.ID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	})
}

func (tx *txState) record(fn func(ctx context.Context)) {
	tx.metrics = append(tx.metrics, fn)
}

// afterCommit publishes events and flushes metrics. Only called once
// the store write has succeeded.
func (r *Runtime) afterCommit(ctx context.Context, tx *txState) {
	r.notifier.Publish(ctx, tx.events...)
	for _, fn := range tx.metrics {
		fn(ctx)
	}
}

// Instantiate copies a published template into a new ACTIVE instance,
// sets every step PENDING, runs the promotion cascade, and persists the
// whole snapshot in one write.
func (r *Runtime) Instantiate(ctx context.Context, templateID string, target Target, actor schema.Actor) (*schema.Instance, error) {
	if target.MatterID == "" && target.ContactID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "instance target requires a matter or contact")
	}

	tpl, err := r.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tpl.IsActive {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateNotPublished,
			"template %s (v%d) is not published", tpl.ID, tpl.Version)
	}
	if len(tpl.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeEmptyTemplate,
			"template %s has no steps", tpl.ID)
	}

	// The template graph was validated at publish time; re-check so a
	// corrupted record cannot seed an undecidable instance.
	result, err := graph.ValidateTemplate(tpl)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, result.Errors[0]
	}

	now := time.Now().UTC()
	in := &schema.Instance{
		ID:              uuid.New().String(),
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		MatterID:        target.MatterID,
		ContactID:       target.ContactID,
		Status:          schema.InstanceActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ctx = logging.WithInstanceID(ctx, in.ID)

	// Copy steps, re-keying template step IDs to fresh instance step IDs.
	idMap := make(map[string]string, len(tpl.Steps))
	ordered := make([]schema.TemplateStep, len(tpl.Steps))
	copy(ordered, tpl.Steps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	for i, ts := range ordered {
		step := &schema.Step{
			ID:             uuid.New().String(),
			InstanceID:     in.ID,
			TemplateStepID: ts.ID,
			Title:          ts.Title,
			ActionType:     ts.ActionType,
			ActionState:    schema.StatePending,
			ActionData:     schema.ActionData{Config: ts.ActionConfig},
			RoleScope:      ts.RoleScope,
			Required:       ts.Required,
			Order:          i,
			Priority:       ts.Priority,
			PositionX:      ts.PositionX,
			PositionY:      ts.PositionY,
		}
		if ts.DueInDays > 0 {
			due := now.AddDate(0, 0, ts.DueInDays)
			step.DueDate = &due
		}
		idMap[ts.ID] = step.ID
		in.Steps = append(in.Steps, step)
	}

	for _, td := range tpl.Dependencies {
		in.Dependencies = append(in.Dependencies, &schema.Dependency{
			ID:              uuid.New().String(),
			InstanceID:      in.ID,
			SourceStepID:    idMap[td.SourceStepID],
			TargetStepID:    idMap[td.TargetStepID],
			DependencyType:  td.DependencyType,
			DependencyLogic: td.DependencyLogic,
			ConditionType:   td.ConditionType,
			ConditionConfig: td.ConditionConfig,
		})
	}

	tx := &txState{}
	tx.event(schema.EventInstanceCreated, in, "", actor, map[string]any{
		"template_id":      tpl.ID,
		"template_version": tpl.Version,
	})
	tx.record(func(ctx context.Context) { r.observer.InstanceCreated(ctx) })

	if err := r.cascade(ctx, in, tx); err != nil {
		return nil, err
	}

	if err := r.store.CreateInstance(ctx, in, tx.events); err != nil {
		return nil, err
	}
	r.afterCommit(ctx, tx)
	return in, nil
}

// GetInstance returns a read-only snapshot of an instance.
func (r *Runtime) GetInstance(ctx context.Context, instanceID string) (*schema.Instance, error) {
	in, _, err := r.store.GetInstance(ctx, instanceID)
	return in, err
}

// ListInstances passes the filter through to the store.
func (r *Runtime) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*schema.Instance, error) {
	return r.store.ListInstances(ctx, filter)
}

// ValidateGraph exposes the pure graph validator through the runtime
// API surface.
func (r *Runtime) ValidateGraph(nodes []graph.Node, edges []graph.Edge) (*graph.Result, error) {
	return graph.Validate(nodes, edges)
}

// mutate is the shared load/apply/save skeleton for operations on an
// existing instance.
func (r *Runtime) mutate(ctx context.Context, instanceID string, apply func(in *schema.Instance, tx *txState) error) (*schema.Instance, error) {
	ctx = logging.WithInstanceID(ctx, instanceID)

	in, revision, err := r.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	tx := &txState{}
	if err := apply(in, tx); err != nil {
		return nil, err
	}

	in.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateInstance(ctx, in, revision, tx.events); err != nil {
		return nil, err
	}
	r.afterCommit(ctx, tx)
	return in, nil
}

// step resolves a step within an instance or returns NOT_FOUND.
func (r *Runtime) step(in *schema.Instance, stepID string) (*schema.Step, *schema.FlowError) {
	s := in.StepByID(stepID)
	if s == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"step not found: %s", stepID).WithStep(stepID)
	}
	return s, nil
}

// applyTransition performs one validated, authorized state change and
// records its history entry and notification event.
func (r *Runtime) applyTransition(in *schema.Instance, step *schema.Step, to schema.ActionState, actor schema.Actor, note string, tx *txState) *schema.FlowError {
	from := step.ActionState
	if err := AssertTransition(from, to); err != nil {
		return err.WithStep(step.ID)
	}
	if err := Authorize(r.authz, actor, step, from, to); err != nil {
		return err
	}

	step.ActionState = to
	step.ActionData.History = append(step.ActionData.History, schema.HistoryEntry{
		From:    from,
		To:      to,
		ActorID: actor.ID,
		At:      time.Now().UTC(),
		Note:    note,
	})

	if eventType := eventForTransition(from, to); eventType != "" {
		tx.event(eventType, in, step.ID, actor, nil)
	}
	return nil
}

// cascade runs one resolver pass over the snapshot, promotes every
// newly-eligible step PENDING -> READY as the system actor, then checks
// whether the instance has finished. A single pass suffices: the
// resolver only promotes steps whose sources are already terminal, so a
// promotion can never enable another promotion within the same pass.
func (r *Runtime) cascade(ctx context.Context, in *schema.Instance, tx *txState) error {
	if in.Status != schema.InstanceActive {
		return nil
	}

	res, err := ResolveReady(ctx, in, r.eval)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		r.logger.WarnContext(ctx, "dependency resolution warning", slog.String("detail", w))
	}

	for _, id := range res.Promote {
		step, ferr := r.step(in, id)
		if ferr != nil {
			return ferr
		}
		if err := r.applyTransition(in, step, schema.StateReady, schema.SystemActor, "", tx); err != nil {
			return err
		}
	}
	if n := len(res.Promote); n > 0 {
		tx.record(func(ctx context.Context) { r.observer.StepsPromoted(ctx, n) })
	}

	r.finalizeIfDone(ctx, in, tx)
	return nil
}

// finalizeIfDone marks the instance terminal once no step can ever
// advance again. A required FAILED step fails the whole instance;
// otherwise it completes. Steps stranded on an unchosen branch or
// behind a failed source count as finished-by-unreachability.
func (r *Runtime) finalizeIfDone(ctx context.Context, in *schema.Instance, tx *txState) {
	if in.Status != schema.InstanceActive || r.instanceLive(ctx, in) {
		return
	}

	status := schema.InstanceCompleted
	eventType := schema.EventInstanceCompleted
	for _, s := range in.Steps {
		if s.Required && s.ActionState == schema.StateFailed {
			status = schema.InstanceFailed
			eventType = schema.EventInstanceFailed
			break
		}
	}

	now := time.Now().UTC()
	in.Status = status
	in.CompletedAt = &now
	tx.event(eventType, in, "", schema.SystemActor, nil)
	tx.record(func(ctx context.Context) { r.observer.InstanceFinished(ctx, status) })
}

// instanceLive reports whether any step can still make progress. Steps
// in READY, IN_PROGRESS, or BLOCKED trivially can. A PENDING step can
// only if its join could still be satisfied, which a fixpoint decides:
// strike pending steps whose joins are provably dead given terminal
// sources and already-struck peers, until nothing changes.
func (r *Runtime) instanceLive(ctx context.Context, in *schema.Instance) bool {
	for _, s := range in.Steps {
		switch s.ActionState {
		case schema.StateReady, schema.StateInProgress, schema.StateBlocked:
			return true
		}
	}

	incoming := make(map[string][]*schema.Dependency, len(in.Steps))
	for _, d := range in.Dependencies {
		incoming[d.TargetStepID] = append(incoming[d.TargetStepID], d)
	}

	alive := make(map[string]bool)
	for _, s := range in.Steps {
		if s.ActionState == schema.StatePending {
			alive[s.ID] = true
		}
	}

	for changed := true; changed; {
		changed = false
		for id := range alive {
			if !alive[id] {
				continue
			}
			edges := incoming[id]
			if len(edges) == 0 {
				continue
			}

			anyJoin := true
			possible := 0
			for _, edge := range edges {
				if edge.DependencyLogic != schema.LogicAny {
					anyJoin = false
				}
				if r.edgeStillPossible(ctx, in, edge, alive) {
					possible++
				}
			}

			dead := possible < len(edges)
			if anyJoin {
				dead = possible == 0
			}
			if dead {
				alive[id] = false
				changed = true
			}
		}
	}

	for _, stillAlive := range alive {
		if stillAlive {
			return true
		}
	}
	return false
}

// edgeStillPossible reports whether the edge could ever count toward
// its target's join. Terminal sources are decided by their recorded
// output; non-terminal sources can only contribute if they themselves
// are still alive.
func (r *Runtime) edgeStillPossible(ctx context.Context, in *schema.Instance, edge *schema.Dependency, alive map[string]bool) bool {
	source := in.StepByID(edge.SourceStepID)
	if source == nil {
		return false
	}
	switch source.ActionState {
	case schema.StatePending:
		return alive[source.ID]
	case schema.StateReady, schema.StateInProgress, schema.StateBlocked:
		return true
	}
	if !source.ActionState.Satisfies() {
		return false
	}
	ok, err := r.eval.EdgeSatisfied(ctx, edge, source)
	if err != nil {
		return false
	}
	return ok
}
