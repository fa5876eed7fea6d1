// Package store defines the persistence contract the runtime mutates
// instances through, plus the in-memory and libSQL implementations.
package store

import (
	"context"
	"time"

	"github.com/harlowe/matterflow/pkg/schema"
)

// Store is the persistence layer contract. All implementations must be
// safe for concurrent use.
//
// Instance writes use optimistic concurrency: every snapshot carries a
// revision, and UpdateInstance must reject a stale base revision with a
// CONFLICT error so racing writers fail loudly instead of clobbering
// each other. CreateInstance and UpdateInstance persist the instance,
// its steps and edges, and the given events atomically.
type Store interface {
	// Templates
	PutTemplate(ctx context.Context, tpl *schema.Template) error
	GetTemplate(ctx context.Context, id string) (*schema.Template, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.Template, error)

	// Instances
	CreateInstance(ctx context.Context, in *schema.Instance, events []*schema.Event) error
	GetInstance(ctx context.Context, id string) (*schema.Instance, int64, error)
	UpdateInstance(ctx context.Context, in *schema.Instance, baseRevision int64, events []*schema.Event) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.Instance, error)

	// Event log (append-only; written via Create/UpdateInstance)
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*schema.Event, error)

	// Lifecycle
	Close() error
}

// TemplateFilter specifies criteria for listing templates.
type TemplateFilter struct {
	Name       string `json:"name,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Status   *schema.InstanceStatus `json:"status,omitempty"`
	MatterID string                 `json:"matter_id,omitempty"`
	Since    *time.Time             `json:"since,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
	Offset   int                    `json:"offset,omitempty"`
}

// notFound builds the store-level NOT_FOUND error.
func notFound(kind, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", kind, id).
		WithDetails(map[string]any{"kind": kind, "id": id})
}

// staleRevision builds the optimistic-concurrency CONFLICT error.
func staleRevision(instanceID string, base int64) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"instance %s was modified concurrently (base revision %d is stale)", instanceID, base).
		WithDetails(map[string]any{"instance_id": instanceID, "base_revision": base})
}
