// Package reminders sweeps active instances for steps approaching
// their due dates and emits step_due_soon notifications.
package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/harlowe/matterflow/internal/store"
	"github.com/harlowe/matterflow/pkg/schema"
)

// Notifier is where due-soon events go. Satisfied by notify.Queue.
type Notifier interface {
	Publish(ctx context.Context, events ...*schema.Event)
}

// Sweeper scans ACTIVE instances on a fixed ticker. A step triggers a
// reminder when it is READY or IN_PROGRESS and its due date falls
// inside the lookahead window. An instance whose template declares a
// reminder cron only fires when the cron schedule matched since the
// previous sweep.
type Sweeper struct {
	store     store.Store
	notifier  Notifier
	parser    cron.Parser
	logger    *slog.Logger
	lookahead time.Duration
	interval  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	remindedMu sync.Mutex
	reminded   map[string]time.Time // step ID -> last reminder
}

// NewSweeper creates a Sweeper. Zero lookahead defaults to 48h, zero
// interval to 60s.
func NewSweeper(s store.Store, notifier Notifier, logger *slog.Logger, lookahead, interval time.Duration) *Sweeper {
	if lookahead <= 0 {
		lookahead = 48 * time.Hour
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Sweeper{
		store:     s,
		notifier:  notifier,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		lookahead: lookahead,
		interval:  interval,
		reminded:  make(map[string]time.Time),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("reminder sweeper started",
		slog.Duration("lookahead", s.lookahead),
		slog.Duration("interval", s.interval))
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Exported so tests and operators can trigger it
// directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	status := schema.InstanceActive
	instances, err := s.store.ListInstances(ctx, store.InstanceFilter{Status: &status})
	if err != nil {
		s.logger.ErrorContext(ctx, "reminder sweep: list instances", slog.Any("error", err))
		return
	}

	now := time.Now().UTC()
	templates := make(map[string]*schema.Template)

	for _, in := range instances {
		if !s.cronDue(ctx, in, templates, now) {
			continue
		}
		for _, step := range in.Steps {
			if step.ActionState != schema.StateReady && step.ActionState != schema.StateInProgress {
				continue
			}
			if step.DueDate == nil || step.DueDate.After(now.Add(s.lookahead)) {
				continue
			}
			if !s.shouldRemind(step.ID, now) {
				continue
			}
			s.notifier.Publish(ctx, &schema.Event{
				ID:         uuid.New().String(),
				Type:       schema.EventStepDueSoon,
				InstanceID: in.ID,
				StepID:     step.ID,
				ActorID:    schema.SystemActor.ID,
				Payload: map[string]any{
					"title":    step.Title,
					"due_date": step.DueDate.Format(time.RFC3339),
					"assignee": step.AssignedToID,
					"overdue":  step.DueDate.Before(now),
				},
				OccurredAt: now,
			})
		}
	}
}

// cronDue checks the instance's template reminder schedule. No cron
// means every sweep qualifies.
func (s *Sweeper) cronDue(ctx context.Context, in *schema.Instance, cache map[string]*schema.Template, now time.Time) bool {
	tpl, ok := cache[in.TemplateID]
	if !ok {
		loaded, err := s.store.GetTemplate(ctx, in.TemplateID)
		if err != nil {
			// Template may have been removed; fall back to every sweep.
			cache[in.TemplateID] = nil
			return true
		}
		cache[in.TemplateID] = loaded
		tpl = loaded
	}
	if tpl == nil || tpl.ReminderCron == "" {
		return true
	}

	sched, err := s.parser.Parse(tpl.ReminderCron)
	if err != nil {
		s.logger.WarnContext(ctx, "invalid reminder cron",
			slog.String("template_id", in.TemplateID),
			slog.String("cron", tpl.ReminderCron))
		return true
	}
	// Due when the next firing after the previous tick is already past.
	return !sched.Next(now.Add(-s.interval)).After(now)
}

// shouldRemind suppresses repeat reminders for the same step within
// one lookahead window.
func (s *Sweeper) shouldRemind(stepID string, now time.Time) bool {
	s.remindedMu.Lock()
	defer s.remindedMu.Unlock()
	if last, ok := s.reminded[stepID]; ok && now.Sub(last) < s.lookahead {
		return false
	}
	s.reminded[stepID] = now
	return true
}
