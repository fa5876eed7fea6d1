// Package graph validates proposed step/edge sets before they are
// committed to a template or instance. Validation is pure: no I/O,
// deterministic output, safe to call redundantly.
package graph

import (
	"sort"

	"github.com/harlowe/matterflow/pkg/schema"
)

// Node is the minimal view of a step the validator needs. It works for
// both template-scoped and instance-scoped graphs.
type Node struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Edge is the minimal view of a dependency edge.
type Edge struct {
	SourceID string                `json:"source_id"`
	TargetID string                `json:"target_id"`
	Type     schema.DependencyType `json:"type,omitempty"`
}

// Result aggregates validation findings. Validation failures are
// reported here, never as a returned error; errors are reserved for
// malformed input such as a nil node list.
type Result struct {
	Valid  bool                `json:"valid"`
	Errors []*schema.FlowError `json:"errors,omitempty"`
}

func (r *Result) add(err *schema.FlowError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// Validate checks the edge set over the given nodes for dangling
// references, self-edges, and cycles. Every edge type gates readiness,
// so all edge types participate in cycle detection.
func Validate(nodes []Node, edges []Edge) (*Result, error) {
	if nodes == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "node list is nil")
	}

	result := &Result{Valid: true}

	titles := make(map[string]string, len(nodes))
	for _, n := range nodes {
		titles[n.ID] = n.Title
	}

	// adjacency: source -> targets, only over edges whose endpoints resolve.
	adj := make(map[string][]string, len(nodes))
	for _, e := range edges {
		if _, ok := titles[e.SourceID]; !ok {
			result.add(schema.NewErrorf(schema.ErrCodeInvalidReference,
				"edge references unknown source step %q", e.SourceID).
				WithDetails(map[string]any{"missing_id": e.SourceID, "target_id": e.TargetID}))
			continue
		}
		if _, ok := titles[e.TargetID]; !ok {
			result.add(schema.NewErrorf(schema.ErrCodeInvalidReference,
				"edge references unknown target step %q", e.TargetID).
				WithDetails(map[string]any{"missing_id": e.TargetID, "source_id": e.SourceID}))
			continue
		}
		if e.SourceID == e.TargetID {
			result.add(schema.NewErrorf(schema.ErrCodeSelfDependency,
				"step %q depends on itself", label(titles, e.SourceID)).
				WithStep(e.SourceID))
			continue
		}
		adj[e.SourceID] = append(adj[e.SourceID], e.TargetID)
	}

	// Deterministic traversal order.
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	for id := range adj {
		sort.Strings(adj[id])
	}

	// Three-color DFS. A gray->gray edge is a back-edge; the gray stack
	// slice from the revisited node onward is the cycle path.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(ids))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)

		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				// Back-edge: slice the cycle out of the gray stack.
				for i, sid := range stack {
					if sid == next {
						cycle := make([]string, len(stack)-i)
						copy(cycle, stack[i:])
						return cycle
					}
				}
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		color[id] = black
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range ids {
		if color[id] != white {
			continue
		}
		stack = stack[:0]
		if cycle := visit(id); cycle != nil {
			named := make([]string, len(cycle))
			for i, sid := range cycle {
				named[i] = label(titles, sid)
			}
			result.add(schema.NewErrorf(schema.ErrCodeCyclicDependency,
				"dependency cycle detected: %v", named).
				WithDetails(map[string]any{"cycle_ids": cycle, "cycle": named}))
		}
	}

	return result, nil
}

// ValidateInstance adapts an instance's steps and edges for Validate.
func ValidateInstance(in *schema.Instance) (*Result, error) {
	if in == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "instance is nil")
	}
	nodes := make([]Node, len(in.Steps))
	for i, s := range in.Steps {
		nodes[i] = Node{ID: s.ID, Title: s.Title}
	}
	edges := make([]Edge, len(in.Dependencies))
	for i, d := range in.Dependencies {
		edges[i] = Edge{SourceID: d.SourceStepID, TargetID: d.TargetStepID, Type: d.DependencyType}
	}
	return Validate(nodes, edges)
}

// ValidateTemplate adapts a template's steps and edges for Validate.
func ValidateTemplate(tpl *schema.Template) (*Result, error) {
	if tpl == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "template is nil")
	}
	nodes := make([]Node, len(tpl.Steps))
	for i, s := range tpl.Steps {
		nodes[i] = Node{ID: s.ID, Title: s.Title}
	}
	edges := make([]Edge, len(tpl.Dependencies))
	for i, d := range tpl.Dependencies {
		edges[i] = Edge{SourceID: d.SourceStepID, TargetID: d.TargetStepID, Type: d.DependencyType}
	}
	return Validate(nodes, edges)
}

func label(titles map[string]string, id string) string {
	if t := titles[id]; t != "" {
		return t
	}
	return id
}
