// Package expressions evaluates conditional-edge guards and automation
// templates against recorded step output.
package expressions

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/harlowe/matterflow/pkg/schema"
)

// ConditionEvaluator decides whether a single conditional edge is
// satisfied by its source step's recorded output.
type ConditionEvaluator struct {
	cel *CELEngine
	jq  *JQEngine
}

// NewConditionEvaluator creates an evaluator with both engines wired.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &ConditionEvaluator{cel: celEngine, jq: NewJQEngine()}, nil
}

// EdgeSatisfied reports whether the edge's condition holds for the
// given source step. The caller has already established that the
// source is in a satisfying terminal state; a source that finished
// without a recorded branch value leaves conditional edges unsatisfied.
func (ev *ConditionEvaluator) EdgeSatisfied(ctx context.Context, edge *schema.Dependency, source *schema.Step) (bool, error) {
	if edge.ConditionType == "" || edge.ConditionType == schema.CondAlways {
		return true, nil
	}

	value, found, err := ev.branchValue(ctx, edge, source)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	switch edge.ConditionType {
	case schema.CondIfTrue:
		return truthy(value), nil
	case schema.CondIfFalse:
		return !truthy(value), nil
	case schema.CondSwitch:
		var cfg schema.ConditionConfig
		if len(edge.ConditionConfig) > 0 {
			if err := json.Unmarshal(edge.ConditionConfig, &cfg); err != nil {
				return false, schema.NewErrorf(schema.ErrCodeValidation,
					"invalid condition config on edge %s -> %s: %s",
					edge.SourceStepID, edge.TargetStepID, err.Error()).WithCause(err)
			}
		}
		return branchEqual(value, cfg.Match), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition type %q", edge.ConditionType)
	}
}

// branchValue resolves the value the condition inspects. Resolution
// order: CEL expression, jq output path, then the well-known "branch"
// key of the source's runtime data.
func (ev *ConditionEvaluator) branchValue(ctx context.Context, edge *schema.Dependency, source *schema.Step) (any, bool, error) {
	var cfg schema.ConditionConfig
	if len(edge.ConditionConfig) > 0 {
		if err := json.Unmarshal(edge.ConditionConfig, &cfg); err != nil {
			return nil, false, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid condition config on edge %s -> %s: %s",
				edge.SourceStepID, edge.TargetStepID, err.Error()).WithCause(err)
		}
	}

	output := source.ActionData.Data

	switch {
	case cfg.Expression != "":
		val, err := ev.cel.Evaluate(cfg.Expression, map[string]any{
			"output": output,
			"step": map[string]any{
				"id":    source.ID,
				"title": source.Title,
				"state": string(source.ActionState),
			},
		})
		if err != nil {
			return nil, false, err
		}
		return val, true, nil

	case cfg.OutputPath != "":
		if output == nil {
			return nil, false, nil
		}
		val, err := ev.jq.Query(ctx, cfg.OutputPath, output)
		if err != nil {
			return nil, false, err
		}
		return val, val != nil, nil

	default:
		if output == nil {
			return nil, false, nil
		}
		val, ok := output[schema.DataKeyBranch]
		return val, ok, nil
	}
}

// truthy follows JSON semantics: false, nil, 0, "" and empty
// collections are falsy; everything else is truthy.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// branchEqual compares a recorded branch value with a SWITCH match
// value, normalizing numeric types through float64.
func branchEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
