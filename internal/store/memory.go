package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/harlowe/matterflow/pkg/schema"
)

// Memory is an in-process Store for tests and ephemeral deployments.
// Snapshots are deep-copied on the way in and out, so callers can
// never mutate stored state without going through UpdateInstance.
type Memory struct {
	mu        sync.RWMutex
	templates map[string]*schema.Template
	instances map[string]*memoryInstance
	events    map[string][]*schema.Event
}

type memoryInstance struct {
	snapshot *schema.Instance
	revision int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		templates: make(map[string]*schema.Template),
		instances: make(map[string]*memoryInstance),
		events:    make(map[string][]*schema.Event),
	}
}

func (m *Memory) PutTemplate(_ context.Context, tpl *schema.Template) error {
	cp, err := deepCopy(tpl)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[tpl.ID] = cp
	return nil
}

func (m *Memory) GetTemplate(_ context.Context, id string) (*schema.Template, error) {
	m.mu.RLock()
	tpl, ok := m.templates[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound("template", id)
	}
	return deepCopy(tpl)
}

func (m *Memory) ListTemplates(_ context.Context, filter TemplateFilter) ([]*schema.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.Template
	for _, tpl := range m.templates {
		if filter.ActiveOnly && !tpl.IsActive {
			continue
		}
		if filter.Name != "" && !strings.Contains(strings.ToLower(tpl.Name), strings.ToLower(filter.Name)) {
			continue
		}
		cp, err := deepCopy(tpl)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) CreateInstance(_ context.Context, in *schema.Instance, events []*schema.Event) error {
	cp, err := deepCopy(in)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[in.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s already exists", in.ID)
	}
	m.instances[in.ID] = &memoryInstance{snapshot: cp, revision: 1}
	m.appendEvents(in.ID, events)
	return nil
}

func (m *Memory) GetInstance(_ context.Context, id string) (*schema.Instance, int64, error) {
	m.mu.RLock()
	rec, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return nil, 0, notFound("instance", id)
	}
	cp, err := deepCopy(rec.snapshot)
	if err != nil {
		return nil, 0, err
	}
	return cp, rec.revision, nil
}

func (m *Memory) UpdateInstance(_ context.Context, in *schema.Instance, baseRevision int64, events []*schema.Event) error {
	cp, err := deepCopy(in)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.instances[in.ID]
	if !ok {
		return notFound("instance", in.ID)
	}
	if rec.revision != baseRevision {
		return staleRevision(in.ID, baseRevision)
	}
	rec.snapshot = cp
	rec.revision++
	m.appendEvents(in.ID, events)
	return nil
}

func (m *Memory) ListInstances(_ context.Context, filter InstanceFilter) ([]*schema.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.Instance
	for _, rec := range m.instances {
		in := rec.snapshot
		if filter.Status != nil && in.Status != *filter.Status {
			continue
		}
		if filter.MatterID != "" && in.MatterID != filter.MatterID {
			continue
		}
		if filter.Since != nil && in.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp, err := deepCopy(in)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) GetEvents(_ context.Context, instanceID string, since int64) ([]*schema.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.Event
	for _, e := range m.events[instanceID] {
		if e.Seq <= since {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// appendEvents assumes the write lock is held. Each event gets the next
// per-instance sequence number, the cursor GetEvents pages on.
func (m *Memory) appendEvents(instanceID string, events []*schema.Event) {
	for _, e := range events {
		e.Seq = int64(len(m.events[instanceID])) + 1
		cp := *e
		m.events[instanceID] = append(m.events[instanceID], &cp)
	}
}

// deepCopy round-trips through JSON. Slow but correct for snapshot
// types with nested maps.
func deepCopy[T any](v *T) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "snapshot encode failed").WithCause(err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "snapshot decode failed").WithCause(err)
	}
	return out, nil
}
