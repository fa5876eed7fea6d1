package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/harlowe/matterflow/internal/graph"
	"github.com/harlowe/matterflow/internal/store"
	"github.com/harlowe/matterflow/pkg/schema"
)

// Templates manages the blueprint lifecycle: draft, publish, version.
// Published templates are immutable; a change means a new version.
type Templates struct {
	store   store.Store
	catalog Catalog
}

// NewTemplates creates the template service over the given store. A
// nil catalog disables per-type config validation.
func NewTemplates(s store.Store, catalog Catalog) *Templates {
	return &Templates{store: s, catalog: catalog}
}

// Create saves a new draft template at version 1. The graph must
// already be coherent; publishing re-checks it.
func (t *Templates) Create(ctx context.Context, tpl *schema.Template) (*schema.Template, error) {
	if tpl.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "template name is required")
	}
	if err := t.validate(tpl); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tpl.ID = uuid.New().String()
	tpl.Version = 1
	tpl.IsActive = false
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	t.keyNewSteps(tpl)

	if err := t.store.PutTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// Update replaces the steps and metadata of a draft template. Published
// templates are read-only.
func (t *Templates) Update(ctx context.Context, tpl *schema.Template) (*schema.Template, error) {
	current, err := t.store.GetTemplate(ctx, tpl.ID)
	if err != nil {
		return nil, err
	}
	if current.IsActive {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"template %s (v%d) is published and read-only; create a new version",
			current.ID, current.Version)
	}
	if err := t.validate(tpl); err != nil {
		return nil, err
	}

	tpl.Version = current.Version
	tpl.IsActive = false
	tpl.CreatedAt = current.CreatedAt
	tpl.UpdatedAt = time.Now().UTC()
	t.keyNewSteps(tpl)

	if err := t.store.PutTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// Publish marks a draft template active, making it available for
// instantiation. The graph must validate and must not be empty.
func (t *Templates) Publish(ctx context.Context, templateID string) (*schema.Template, error) {
	tpl, err := t.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tpl.IsActive {
		return tpl, nil
	}
	if len(tpl.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeEmptyTemplate,
			"template %s has no steps", tpl.ID)
	}
	if err := t.validate(tpl); err != nil {
		return nil, err
	}

	tpl.IsActive = true
	tpl.UpdatedAt = time.Now().UTC()
	if err := t.store.PutTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// NewVersion copies an existing template into a fresh draft with the
// version bumped. Running instances keep the version they were
// instantiated from.
func (t *Templates) NewVersion(ctx context.Context, templateID string) (*schema.Template, error) {
	current, err := t.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next := *current
	next.ID = uuid.New().String()
	next.Version = current.Version + 1
	next.IsActive = false
	next.CreatedAt = now
	next.UpdatedAt = now
	next.Steps = append([]schema.TemplateStep(nil), current.Steps...)
	next.Dependencies = append([]schema.TemplateDependency(nil), current.Dependencies...)

	if err := t.store.PutTemplate(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Get fetches a template by ID.
func (t *Templates) Get(ctx context.Context, templateID string) (*schema.Template, error) {
	return t.store.GetTemplate(ctx, templateID)
}

// List returns templates matching the filter.
func (t *Templates) List(ctx context.Context, filter store.TemplateFilter) ([]*schema.Template, error) {
	return t.store.ListTemplates(ctx, filter)
}

func (t *Templates) validate(tpl *schema.Template) error {
	seen := make(map[int]string, len(tpl.Steps))
	for _, s := range tpl.Steps {
		if s.Title == "" {
			return schema.NewError(schema.ErrCodeValidation, "every step needs a title")
		}
		if !validActionType(s.ActionType) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %q has unknown action type %s", s.Title, s.ActionType)
		}
		if t.catalog != nil {
			if err := t.catalog.ValidateConfig(s.ActionType, s.ActionConfig); err != nil {
				return err
			}
		}
		if other, dup := seen[s.Order]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"steps %q and %q share order %d", other, s.Title, s.Order)
		}
		seen[s.Order] = s.Title
	}

	result, err := graph.ValidateTemplate(tpl)
	if err != nil {
		return err
	}
	if !result.Valid {
		return result.Errors[0]
	}
	return nil
}

// keyNewSteps assigns IDs to steps created without one. Edges must
// reference steps by their final IDs, so callers adding edges to brand
// new steps should key those steps themselves.
func (t *Templates) keyNewSteps(tpl *schema.Template) {
	for i := range tpl.Steps {
		if tpl.Steps[i].ID == "" {
			tpl.Steps[i].ID = uuid.New().String()
		}
	}
}
