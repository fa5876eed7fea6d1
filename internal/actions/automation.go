package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/harlowe/matterflow/internal/expressions"
	"github.com/harlowe/matterflow/internal/logging"
	"github.com/harlowe/matterflow/internal/notify"
	"github.com/harlowe/matterflow/internal/store"
	"github.com/harlowe/matterflow/pkg/schema"
)

// Workflows is the slice of the runtime the automation runner needs.
type Workflows interface {
	GetInstance(ctx context.Context, instanceID string) (*schema.Instance, error)
	ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*schema.Instance, error)
	Start(ctx context.Context, instanceID, stepID string, actor schema.Actor) (*schema.Instance, error)
	Complete(ctx context.Context, instanceID, stepID string, actor schema.Actor, output map[string]any) (*schema.Instance, error)
	Fail(ctx context.Context, instanceID, stepID string, actor schema.Actor, reason string) (*schema.Instance, error)
}

// Mailer sends a rendered automation email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer logs instead of sending. The default until a provider is
// wired in.
type LogMailer struct {
	Logger *slog.Logger
}

func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.Logger.InfoContext(ctx, "automation email",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.Int("body_bytes", len(body)))
	return nil
}

// Runner watches for steps entering READY and executes the ones whose
// action type is an automation, completing or failing them as the
// system actor. Human-actioned steps are ignored.
type Runner struct {
	flows  Workflows
	hub    *notify.Hub
	interp *expressions.Interpolator
	mailer Mailer
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewRunner wires a Runner to the runtime and event hub. A nil mailer
// falls back to logging; a nil client gets a 30s-timeout default.
func NewRunner(flows Workflows, hub *notify.Hub, mailer Mailer, client *http.Client, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if mailer == nil {
		mailer = &LogMailer{Logger: logger}
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Runner{
		flows:    flows,
		hub:      hub,
		interp:   expressions.NewInterpolator(),
		mailer:   mailer,
		client:   client,
		logger:   logger,
		inflight: make(map[string]bool),
	}
}

// Run consumes step_ready and step_restarted events until the context
// is canceled. Each automation step executes on its own goroutine; a
// step already in flight is not double-dispatched. Before draining the
// hub it sweeps active instances once, picking up automation steps
// that entered READY while no runner was listening, such as across a
// process restart.
func (r *Runner) Run(ctx context.Context) {
	events, cancel := r.hub.Subscribe(notify.Filter{
		EventTypes: []string{schema.EventStepReady, schema.EventStepRestarted},
	})
	defer cancel()

	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			r.maybeDispatch(ctx, event)
		}
	}
}

// sweep dispatches every READY automation step found in an active
// instance. Hub events only cover transitions that happen while the
// runner is subscribed; anything older has to be found by scanning.
func (r *Runner) sweep(ctx context.Context) {
	status := schema.InstanceActive
	instances, err := r.flows.ListInstances(ctx, store.InstanceFilter{Status: &status})
	if err != nil {
		r.logger.ErrorContext(ctx, "automation: sweep", slog.Any("error", err))
		return
	}
	for _, in := range instances {
		for _, step := range in.Steps {
			if step.ActionState != schema.StateReady {
				continue
			}
			if step.ActionType != schema.ActionEmail && step.ActionType != schema.ActionWebhook {
				continue
			}
			r.maybeDispatch(ctx, &schema.Event{InstanceID: in.ID, StepID: step.ID})
		}
	}
}

func (r *Runner) maybeDispatch(ctx context.Context, event *schema.Event) {
	r.mu.Lock()
	if r.inflight[event.StepID] {
		r.mu.Unlock()
		return
	}
	r.inflight[event.StepID] = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.inflight, event.StepID)
			r.mu.Unlock()
		}()
		r.execute(ctx, event.InstanceID, event.StepID)
	}()
}

// execute drives one automation step through its whole lifecycle:
// start as system, run the side effect, then complete or fail.
func (r *Runner) execute(ctx context.Context, instanceID, stepID string) {
	ctx = logging.WithStepID(logging.WithInstanceID(ctx, instanceID), stepID)

	in, err := r.flows.GetInstance(ctx, instanceID)
	if err != nil {
		r.logger.ErrorContext(ctx, "automation: load instance", slog.Any("error", err))
		return
	}
	step := in.StepByID(stepID)
	if step == nil || step.ActionState != schema.StateReady {
		return
	}
	if step.ActionType != schema.ActionEmail && step.ActionType != schema.ActionWebhook {
		return
	}

	in, err = r.flows.Start(ctx, instanceID, stepID, schema.SystemActor)
	if err != nil {
		// Lost the race to another runner or an admin; nothing to do.
		r.logger.WarnContext(ctx, "automation: start refused", slog.Any("error", err))
		return
	}
	step = in.StepByID(stepID)

	output, runErr := r.run(ctx, in, step)
	if runErr != nil {
		r.logger.ErrorContext(ctx, "automation failed", slog.Any("error", runErr))
		if _, err := r.flows.Fail(ctx, instanceID, stepID, schema.SystemActor, runErr.Error()); err != nil {
			r.logger.ErrorContext(ctx, "automation: record failure", slog.Any("error", err))
		}
		return
	}

	if _, err := r.flows.Complete(ctx, instanceID, stepID, schema.SystemActor, output); err != nil {
		r.logger.ErrorContext(ctx, "automation: record completion", slog.Any("error", err))
	}
}

func (r *Runner) run(ctx context.Context, in *schema.Instance, step *schema.Step) (map[string]any, error) {
	scope, err := buildScope(in, step)
	if err != nil {
		return nil, err
	}
	switch step.ActionType {
	case schema.ActionEmail:
		return r.runEmail(ctx, step, scope)
	case schema.ActionWebhook:
		return r.runWebhook(ctx, step, scope)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"action type %s is not an automation", step.ActionType)
	}
}

type emailConfig struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (r *Runner) runEmail(ctx context.Context, step *schema.Step, scope *expressions.TemplateScope) (map[string]any, error) {
	var cfg emailConfig
	if err := json.Unmarshal(step.ActionData.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "email config is not valid JSON").
			WithStep(step.ID).WithCause(err)
	}

	to, err := r.interp.Render(cfg.To, scope)
	if err != nil {
		return nil, err
	}
	subject, err := r.interp.Render(cfg.Subject, scope)
	if err != nil {
		return nil, err
	}
	body, err := r.interp.Render(cfg.Body, scope)
	if err != nil {
		return nil, err
	}

	if err := r.mailer.Send(ctx, to, subject, body); err != nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "email send failed").
			WithStep(step.ID).WithCause(err)
	}
	return map[string]any{
		"sent_to": to,
		"sent_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

type webhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

func (r *Runner) runWebhook(ctx context.Context, step *schema.Step, scope *expressions.TemplateScope) (map[string]any, error) {
	var cfg webhookConfig
	if err := json.Unmarshal(step.ActionData.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "webhook config is not valid JSON").
			WithStep(step.ID).WithCause(err)
	}

	url, err := r.interp.Render(cfg.URL, scope)
	if err != nil {
		return nil, err
	}

	payload := cfg.Body
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	payload, err = r.interp.RenderJSON(payload, scope)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "webhook request build failed").
			WithStep(step.ID).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "webhook call failed").
			WithStep(step.ID).WithCause(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch,
			"webhook returned %s", resp.Status).WithStep(step.ID)
	}
	return map[string]any{
		"status_code":  resp.StatusCode,
		"delivered_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// buildScope exposes the step and instance to ${{...}} references.
func buildScope(in *schema.Instance, step *schema.Step) (*expressions.TemplateScope, error) {
	var config map[string]any
	if len(step.ActionData.Config) > 0 {
		if err := json.Unmarshal(step.ActionData.Config, &config); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("step %s config is not a JSON object", step.ID)).WithCause(err)
		}
	}

	stepMeta := map[string]any{
		"id":       step.ID,
		"title":    step.Title,
		"assignee": step.AssignedToID,
	}
	if step.DueDate != nil {
		stepMeta["due_date"] = step.DueDate.Format(time.RFC3339)
	}

	return &expressions.TemplateScope{
		Step: stepMeta,
		Instance: map[string]any{
			"id":         in.ID,
			"matter_id":  in.MatterID,
			"contact_id": in.ContactID,
		},
		Data:   step.ActionData.Data,
		Config: config,
	}, nil
}
