package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harlowe/matterflow/internal/store"
	"github.com/harlowe/matterflow/pkg/schema"
)

func newTemplateService(t *testing.T) (*Templates, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return NewTemplates(st, nil), st
}

func draftTemplate(name string) *schema.Template {
	return &schema.Template{
		Name: name,
		Steps: []schema.TemplateStep{
			tplStep("ts-a", "Collect documents", 0, schema.RoleParalegal),
			tplStep("ts-b", "Review documents", 1, schema.RoleLawyer),
		},
		Dependencies: []schema.TemplateDependency{
			tplDep("ts-a", "ts-b", schema.LogicAll),
		},
	}
}

func TestTemplates_CreateDraft(t *testing.T) {
	svc, _ := newTemplateService(t)

	tpl, err := svc.Create(context.Background(), draftTemplate("Intake"))
	require.NoError(t, err)

	assert.NotEmpty(t, tpl.ID)
	assert.Equal(t, 1, tpl.Version)
	assert.False(t, tpl.IsActive)
	assert.False(t, tpl.CreatedAt.IsZero())

	got, err := svc.Get(context.Background(), tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "Intake", got.Name)
}

func TestTemplates_CreateValidation(t *testing.T) {
	svc, _ := newTemplateService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, &schema.Template{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, flowCode(t, err))

	missing := draftTemplate("Missing title")
	missing.Steps[1].Title = ""
	_, err = svc.Create(ctx, missing)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, flowCode(t, err))

	badType := draftTemplate("Bad type")
	badType.Steps[0].ActionType = "TELEPORT"
	_, err = svc.Create(ctx, badType)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, flowCode(t, err))

	dupOrder := draftTemplate("Duplicate order")
	dupOrder.Steps[1].Order = 0
	_, err = svc.Create(ctx, dupOrder)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share order")

	cyclic := draftTemplate("Cyclic")
	cyclic.Dependencies = append(cyclic.Dependencies, tplDep("ts-b", "ts-a", schema.LogicAll))
	_, err = svc.Create(ctx, cyclic)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCyclicDependency, flowCode(t, err))
}

func TestTemplates_CreateAssignsStepIDs(t *testing.T) {
	svc, _ := newTemplateService(t)

	draft := &schema.Template{
		Name: "No edges",
		Steps: []schema.TemplateStep{
			{Title: "Only step", ActionType: schema.ActionApproval, RoleScope: schema.RoleLawyer},
		},
	}
	tpl, err := svc.Create(context.Background(), draft)
	require.NoError(t, err)
	assert.NotEmpty(t, tpl.Steps[0].ID)
}

func TestTemplates_PublishLifecycle(t *testing.T) {
	svc, _ := newTemplateService(t)
	ctx := context.Background()

	tpl, err := svc.Create(ctx, draftTemplate("Intake"))
	require.NoError(t, err)

	published, err := svc.Publish(ctx, tpl.ID)
	require.NoError(t, err)
	assert.True(t, published.IsActive)

	// Idempotent.
	again, err := svc.Publish(ctx, tpl.ID)
	require.NoError(t, err)
	assert.True(t, again.IsActive)

	// Published templates refuse edits.
	tpl.Name = "Intake v1 edited"
	_, err = svc.Update(ctx, tpl)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, flowCode(t, err))
	assert.Contains(t, err.Error(), "read-only")
}

func TestTemplates_PublishRejectsEmpty(t *testing.T) {
	svc, st := newTemplateService(t)
	ctx := context.Background()

	empty := &schema.Template{ID: "tpl-empty", Name: "Empty", Version: 1}
	require.NoError(t, st.PutTemplate(ctx, empty))

	_, err := svc.Publish(ctx, "tpl-empty")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeEmptyTemplate, flowCode(t, err))
}

func TestTemplates_UpdateDraft(t *testing.T) {
	svc, _ := newTemplateService(t)
	ctx := context.Background()

	tpl, err := svc.Create(ctx, draftTemplate("Intake"))
	require.NoError(t, err)

	tpl.Description = "Standard client intake flow"
	tpl.Steps = append(tpl.Steps, tplStep("ts-c", "File engagement letter", 2, schema.RoleParalegal))

	updated, err := svc.Update(ctx, tpl)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Version)
	assert.Len(t, updated.Steps, 3)

	got, err := svc.Get(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "Standard client intake flow", got.Description)
}

func TestTemplates_NewVersion(t *testing.T) {
	svc, _ := newTemplateService(t)
	ctx := context.Background()

	v1, err := svc.Create(ctx, draftTemplate("Intake"))
	require.NoError(t, err)
	_, err = svc.Publish(ctx, v1.ID)
	require.NoError(t, err)

	v2, err := svc.NewVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.NotEqual(t, v1.ID, v2.ID)
	assert.Equal(t, 2, v2.Version)
	assert.False(t, v2.IsActive)
	assert.Len(t, v2.Steps, len(v1.Steps))

	// The published v1 is untouched.
	got, err := svc.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, 1, got.Version)

	// The draft copy can diverge and publish independently.
	v2.Steps = append(v2.Steps, tplStep("ts-c", "Conflict check", 2, schema.RoleLawyer))
	_, err = svc.Update(ctx, v2)
	require.NoError(t, err)
	published, err := svc.Publish(ctx, v2.ID)
	require.NoError(t, err)
	assert.True(t, published.IsActive)
}

func TestTemplates_List(t *testing.T) {
	svc, _ := newTemplateService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, draftTemplate("Estate Planning"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, draftTemplate("Closing Checklist"))
	require.NoError(t, err)
	_, err = svc.Publish(ctx, a.ID)
	require.NoError(t, err)

	all, err := svc.List(ctx, store.TemplateFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := svc.List(ctx, store.TemplateFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Estate Planning", active[0].Name)
}
