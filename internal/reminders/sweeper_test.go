package reminders

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harlowe/matterflow/internal/store"
	"github.com/harlowe/matterflow/pkg/schema"
)

type capturingNotifier struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (n *capturingNotifier) Publish(_ context.Context, events ...*schema.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
}

func (n *capturingNotifier) all() []*schema.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*schema.Event(nil), n.events...)
}

func dueStep(id string, state schema.ActionState, due time.Time) *schema.Step {
	return &schema.Step{
		ID:           id,
		InstanceID:   "inst-1",
		Title:        "Step " + id,
		ActionType:   schema.ActionApproval,
		ActionState:  state,
		AssignedToID: "lw-1",
		DueDate:      &due,
	}
}

func seedInstance(t *testing.T, st *store.Memory, status schema.InstanceStatus, steps ...*schema.Step) {
	t.Helper()
	now := time.Now().UTC()
	in := &schema.Instance{
		ID:         "inst-1",
		TemplateID: "tpl-1",
		Status:     status,
		Steps:      steps,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, st.CreateInstance(context.Background(), in, nil))
}

func newSweeper(st *store.Memory, notifier Notifier) *Sweeper {
	return NewSweeper(st, notifier, slog.New(slog.DiscardHandler), 48*time.Hour, time.Minute)
}

func TestSweep_RemindsStepsInsideWindow(t *testing.T) {
	st := store.NewMemory()
	notifier := &capturingNotifier{}

	now := time.Now().UTC()
	seedInstance(t, st, schema.InstanceActive,
		dueStep("s-soon", schema.StateReady, now.Add(12*time.Hour)),
		dueStep("s-working", schema.StateInProgress, now.Add(24*time.Hour)),
		dueStep("s-far", schema.StateReady, now.Add(200*time.Hour)),
		dueStep("s-pending", schema.StatePending, now.Add(time.Hour)),
		dueStep("s-done", schema.StateCompleted, now.Add(time.Hour)),
	)

	newSweeper(st, notifier).Sweep(context.Background())

	got := notifier.all()
	require.Len(t, got, 2)
	stepIDs := []string{got[0].StepID, got[1].StepID}
	assert.ElementsMatch(t, []string{"s-soon", "s-working"}, stepIDs)

	for _, e := range got {
		assert.Equal(t, schema.EventStepDueSoon, e.Type)
		assert.Equal(t, "inst-1", e.InstanceID)
		assert.Equal(t, "lw-1", e.Payload["assignee"])
		assert.Equal(t, false, e.Payload["overdue"])
		assert.NotEmpty(t, e.Payload["due_date"])
	}
}

func TestSweep_OverdueStepFlagged(t *testing.T) {
	st := store.NewMemory()
	notifier := &capturingNotifier{}

	seedInstance(t, st, schema.InstanceActive,
		dueStep("s-late", schema.StateReady, time.Now().UTC().Add(-2*time.Hour)),
	)

	newSweeper(st, notifier).Sweep(context.Background())

	got := notifier.all()
	require.Len(t, got, 1)
	assert.Equal(t, true, got[0].Payload["overdue"])
}

func TestSweep_SkipsInactiveInstances(t *testing.T) {
	st := store.NewMemory()
	notifier := &capturingNotifier{}

	seedInstance(t, st, schema.InstanceCompleted,
		dueStep("s-1", schema.StateReady, time.Now().UTC().Add(time.Hour)),
	)

	newSweeper(st, notifier).Sweep(context.Background())
	assert.Empty(t, notifier.all())
}

func TestSweep_StepsWithoutDueDateIgnored(t *testing.T) {
	st := store.NewMemory()
	notifier := &capturingNotifier{}

	step := dueStep("s-1", schema.StateReady, time.Time{})
	step.DueDate = nil
	seedInstance(t, st, schema.InstanceActive, step)

	newSweeper(st, notifier).Sweep(context.Background())
	assert.Empty(t, notifier.all())
}

func TestSweep_DeduplicatesWithinWindow(t *testing.T) {
	st := store.NewMemory()
	notifier := &capturingNotifier{}

	seedInstance(t, st, schema.InstanceActive,
		dueStep("s-1", schema.StateReady, time.Now().UTC().Add(time.Hour)),
	)

	sw := newSweeper(st, notifier)
	sw.Sweep(context.Background())
	sw.Sweep(context.Background())

	assert.Len(t, notifier.all(), 1)
}

func TestSweep_TemplateCronGatesReminders(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	// Fires once a year; with a one-minute interval the schedule will
	// not have matched since the previous tick.
	require.NoError(t, st.PutTemplate(ctx, &schema.Template{
		ID:           "tpl-1",
		Name:         "Annual review",
		Version:      1,
		IsActive:     true,
		ReminderCron: "0 0 1 1 *",
	}))

	notifier := &capturingNotifier{}
	seedInstance(t, st, schema.InstanceActive,
		dueStep("s-1", schema.StateReady, time.Now().UTC().Add(time.Hour)),
	)

	newSweeper(st, notifier).Sweep(ctx)
	assert.Empty(t, notifier.all())
}

func TestSweep_EveryMinuteCronAlwaysDue(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, st.PutTemplate(ctx, &schema.Template{
		ID:           "tpl-1",
		Name:         "Chatty",
		Version:      1,
		IsActive:     true,
		ReminderCron: "* * * * *",
	}))

	notifier := &capturingNotifier{}
	seedInstance(t, st, schema.InstanceActive,
		dueStep("s-1", schema.StateReady, time.Now().UTC().Add(time.Hour)),
	)

	newSweeper(st, notifier).Sweep(ctx)
	assert.Len(t, notifier.all(), 1)
}

func TestSweeper_StartStop(t *testing.T) {
	st := store.NewMemory()
	notifier := &capturingNotifier{}

	sw := newSweeper(st, notifier)
	require.NoError(t, sw.Start(context.Background()))
	require.Error(t, sw.Start(context.Background()))
	sw.Stop()
}
