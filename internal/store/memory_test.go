package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harlowe/matterflow/pkg/schema"
)

func storedInstance(id, matterID string, createdAt time.Time) *schema.Instance {
	return &schema.Instance{
		ID:              id,
		TemplateID:      "tpl-1",
		TemplateVersion: 1,
		MatterID:        matterID,
		Status:          schema.InstanceActive,
		Steps: []*schema.Step{
			{
				ID:          id + "-s1",
				InstanceID:  id,
				Title:       "Intake call",
				ActionType:  schema.ActionApproval,
				ActionState: schema.StateReady,
				ActionData:  schema.ActionData{Data: map[string]any{"note": "initial"}},
			},
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func storedEvent(instanceID, eventType string) *schema.Event {
	return &schema.Event{
		ID:         eventType + "-" + instanceID,
		Type:       eventType,
		InstanceID: instanceID,
		OccurredAt: time.Now().UTC(),
	}
}

func TestMemory_InstanceRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	in := storedInstance("inst-1", "matter-1", time.Now().UTC())
	require.NoError(t, m.CreateInstance(ctx, in, []*schema.Event{storedEvent("inst-1", schema.EventInstanceCreated)}))

	got, rev, err := m.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
	assert.Equal(t, "matter-1", got.MatterID)
	require.Len(t, got.Steps, 1)

	_, _, err = m.GetInstance(ctx, "inst-missing")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, flowCode(t, err))
}

func TestMemory_CreateRejectsDuplicate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	in := storedInstance("inst-1", "matter-1", time.Now().UTC())
	require.NoError(t, m.CreateInstance(ctx, in, nil))

	err := m.CreateInstance(ctx, in, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, flowCode(t, err))
}

func TestMemory_UpdateRevisionCAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	in := storedInstance("inst-1", "matter-1", time.Now().UTC())
	require.NoError(t, m.CreateInstance(ctx, in, nil))

	// Two readers see revision 1; only the first write succeeds.
	first, rev1, err := m.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	second, rev2, err := m.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, rev1, rev2)

	first.Steps[0].ActionState = schema.StateInProgress
	require.NoError(t, m.UpdateInstance(ctx, first, rev1, nil))

	second.Steps[0].ActionState = schema.StateCompleted
	err = m.UpdateInstance(ctx, second, rev2, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, flowCode(t, err))

	got, rev, err := m.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
	assert.Equal(t, schema.StateInProgress, got.Steps[0].ActionState)
}

func TestMemory_SnapshotsAreIsolated(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	in := storedInstance("inst-1", "matter-1", time.Now().UTC())
	require.NoError(t, m.CreateInstance(ctx, in, nil))

	// Mutating what the caller holds must not leak into the store.
	in.Steps[0].Title = "mutated after create"
	got, _, err := m.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "Intake call", got.Steps[0].Title)

	// Mutating a read snapshot must not leak either.
	got.Steps[0].ActionData.Data["note"] = "mutated after read"
	again, _, err := m.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "initial", again.Steps[0].ActionData.Data["note"])
}

func TestMemory_GetEventsSince(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	in := storedInstance("inst-1", "matter-1", time.Now().UTC())
	require.NoError(t, m.CreateInstance(ctx, in, []*schema.Event{storedEvent("inst-1", schema.EventInstanceCreated)}))

	got, _, err := m.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	require.NoError(t, m.UpdateInstance(ctx, got, 1, []*schema.Event{
		storedEvent("inst-1", schema.EventStepClaimed),
		storedEvent("inst-1", schema.EventStepStarted),
	}))

	all, err := m.GetEvents(ctx, "inst-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, schema.EventInstanceCreated, all[0].Type)

	tail, err := m.GetEvents(ctx, "inst-1", 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, schema.EventStepClaimed, tail[0].Type)

	none, err := m.GetEvents(ctx, "inst-1", 99)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemory_ListInstancesFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, m.CreateInstance(ctx, storedInstance("inst-1", "matter-1", base), nil))
	require.NoError(t, m.CreateInstance(ctx, storedInstance("inst-2", "matter-2", base.Add(time.Hour)), nil))

	done := storedInstance("inst-3", "matter-1", base.Add(2*time.Hour))
	done.Status = schema.InstanceCompleted
	require.NoError(t, m.CreateInstance(ctx, done, nil))

	active := schema.InstanceActive
	got, err := m.ListInstances(ctx, InstanceFilter{Status: &active})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = m.ListInstances(ctx, InstanceFilter{MatterID: "matter-1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	since := base.Add(30 * time.Minute)
	got, err = m.ListInstances(ctx, InstanceFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Newest first, then limit and offset page through.
	got, err = m.ListInstances(ctx, InstanceFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "inst-3", got[0].ID)

	got, err = m.ListInstances(ctx, InstanceFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "inst-2", got[0].ID)

	got, err = m.ListInstances(ctx, InstanceFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemory_ListTemplates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.PutTemplate(ctx, &schema.Template{ID: "tpl-a", Name: "Estate Planning", Version: 1, IsActive: true}))
	require.NoError(t, m.PutTemplate(ctx, &schema.Template{ID: "tpl-b", Name: "Estate Planning", Version: 2}))
	require.NoError(t, m.PutTemplate(ctx, &schema.Template{ID: "tpl-c", Name: "Closing Checklist", Version: 1, IsActive: true}))

	got, err := m.ListTemplates(ctx, TemplateFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Closing Checklist", got[0].Name)
	assert.Equal(t, 1, got[1].Version)
	assert.Equal(t, 2, got[2].Version)

	got, err = m.ListTemplates(ctx, TemplateFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = m.ListTemplates(ctx, TemplateFilter{Name: "estate"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = m.ListTemplates(ctx, TemplateFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func flowCode(t *testing.T, err error) string {
	t.Helper()
	ferr, ok := err.(*schema.FlowError)
	require.True(t, ok, "expected FlowError, got %T: %v", err, err)
	return ferr.Code
}
