package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/harlowe/matterflow/internal/expressions"
	"github.com/harlowe/matterflow/pkg/schema"
)

// Resolution is the outcome of one readiness pass: the PENDING steps
// that should be promoted to READY, in ascending order, plus warnings
// for anything the resolver had to paper over (CUSTOM logic fallback,
// condition evaluation failures).
type Resolution struct {
	Promote  []string // step IDs, ascending by step order
	Warnings []string
}

// ResolveReady computes which PENDING steps are now eligible for READY.
// Pure over the snapshot: it never mutates the instance, and running it
// twice against unchanged state yields an empty promotion list the
// second time because only PENDING steps are considered.
//
// A PENDING step becomes a candidate when it has no incoming edges, or
// its incoming edges satisfy the join logic declared on them:
//   - ALL: every source COMPLETED or SKIPPED with a matching condition
//   - ANY: at least one such source
//   - CUSTOM: reserved; evaluated as ALL with a warning
//
// Conditional edges whose source has not finished are treated as
// not-yet-satisfied, never short-circuited to false. FAILED sources
// satisfy nothing.
func ResolveReady(ctx context.Context, in *schema.Instance, eval *expressions.ConditionEvaluator) (*Resolution, error) {
	if in == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "instance is nil")
	}

	incoming := make(map[string][]*schema.Dependency, len(in.Steps))
	for _, d := range in.Dependencies {
		incoming[d.TargetStepID] = append(incoming[d.TargetStepID], d)
	}

	res := &Resolution{}

	candidates := make([]*schema.Step, 0, len(in.Steps))
	for _, s := range in.Steps {
		if s.ActionState == schema.StatePending {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Order < candidates[j].Order
	})

	for _, step := range candidates {
		edges := incoming[step.ID]
		if len(edges) == 0 {
			res.Promote = append(res.Promote, step.ID)
			continue
		}

		logic := joinLogic(edges, step.ID, res)

		satisfied := 0
		for _, edge := range edges {
			source := in.StepByID(edge.SourceStepID)
			if source == nil {
				// Dangling edges are a validator concern; here they simply
				// never satisfy.
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("step %s: edge from unknown source %s ignored", step.ID, edge.SourceStepID))
				continue
			}
			if !source.ActionState.Satisfies() {
				continue
			}
			ok, err := eval.EdgeSatisfied(ctx, edge, source)
			if err != nil {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("step %s: condition on edge %s -> %s failed: %v",
						step.ID, edge.SourceStepID, edge.TargetStepID, err))
				continue
			}
			if ok {
				satisfied++
			}
		}

		switch logic {
		case schema.LogicAny:
			if satisfied > 0 {
				res.Promote = append(res.Promote, step.ID)
			}
		default: // ALL (and CUSTOM fallback)
			if satisfied == len(edges) {
				res.Promote = append(res.Promote, step.ID)
			}
		}
	}

	return res, nil
}

// joinLogic derives the effective join rule for a target step from its
// incoming edges. ANY applies only when every edge declares it; mixed
// declarations fall back to ALL, the conservative reading. CUSTOM is
// reserved and evaluated as ALL with a warning.
func joinLogic(edges []*schema.Dependency, stepID string, res *Resolution) schema.DependencyLogic {
	allAny := len(edges) > 0
	for _, e := range edges {
		switch e.DependencyLogic {
		case schema.LogicAny:
			// keeps allAny true
		case schema.LogicCustom:
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("step %s: CUSTOM dependency logic is not implemented; evaluating as ALL", stepID))
			allAny = false
		default:
			allAny = false
		}
	}
	if allAny {
		return schema.LogicAny
	}
	return schema.LogicAll
}
