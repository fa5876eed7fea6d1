package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/harlowe/matterflow/internal/engine"
	"github.com/harlowe/matterflow/internal/graph"
	"github.com/harlowe/matterflow/internal/store"
	"github.com/harlowe/matterflow/pkg/schema"
)

// handleInstantiate starts a workflow instance from a template.
func (s *FlowServer) handleInstantiate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}
	actor, actorErr := actorFromRequest(req)
	if actorErr != nil {
		return mcp.NewToolResultError(actorErr.Error()), nil
	}

	target := engine.Target{
		MatterID:  req.GetString("matter_id", ""),
		ContactID: req.GetString("contact_id", ""),
	}

	in, runErr := s.runtime.Instantiate(ctx, templateID, target, actor)
	if runErr != nil {
		return flowError(runErr), nil
	}
	return marshalResult(instanceView(in))
}

// handleStep routes a lifecycle operation to the runtime.
func (s *FlowServer) handleStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	operation, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	actor, actorErr := actorFromRequest(req)
	if actorErr != nil {
		return mcp.NewToolResultError(actorErr.Error()), nil
	}
	reason := req.GetString("reason", "")

	var in *schema.Instance
	var opErr error
	switch operation {
	case "claim":
		in, opErr = s.runtime.Claim(ctx, instanceID, stepID, actor)
	case "start":
		in, opErr = s.runtime.Start(ctx, instanceID, stepID, actor)
	case "complete":
		output := mcp.ParseStringMap(req, "output", nil)
		in, opErr = s.runtime.Complete(ctx, instanceID, stepID, actor, output)
	case "fail":
		if reason == "" {
			return mcp.NewToolResultError("fail requires a reason"), nil
		}
		in, opErr = s.runtime.Fail(ctx, instanceID, stepID, actor, reason)
	case "skip":
		in, opErr = s.runtime.Skip(ctx, instanceID, stepID, actor, reason)
	case "block":
		in, opErr = s.runtime.Block(ctx, instanceID, stepID, actor, reason)
	case "unblock":
		in, opErr = s.runtime.Unblock(ctx, instanceID, stepID, actor, false)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown operation: %s", operation)), nil
	}
	if opErr != nil {
		return flowError(opErr), nil
	}
	return marshalResult(instanceView(in))
}

// handleEdit mutates the step set of an instance.
func (s *FlowServer) handleEdit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	operation, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	actor, actorErr := actorFromRequest(req)
	if actorErr != nil {
		return mcp.NewToolResultError(actorErr.Error()), nil
	}

	var in *schema.Instance
	var opErr error
	switch operation {
	case "add_step":
		stepDoc := mcp.ParseStringMap(req, "step", nil)
		if stepDoc == nil {
			return mcp.NewToolResultError("add_step requires a step object"), nil
		}
		var newStep engine.NewStep
		if err := decodeInto(stepDoc, &newStep); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid step: %v", err)), nil
		}
		in, opErr = s.runtime.AddStep(ctx, instanceID, newStep, actor)
	case "remove_step":
		stepID := req.GetString("step_id", "")
		if stepID == "" {
			return mcp.NewToolResultError("remove_step requires step_id"), nil
		}
		in, opErr = s.runtime.RemoveStep(ctx, instanceID, stepID, actor)
	case "reorder":
		orderedIDs := req.GetStringSlice("ordered_ids", nil)
		if len(orderedIDs) == 0 {
			return mcp.NewToolResultError("reorder requires ordered_ids"), nil
		}
		in, opErr = s.runtime.Reorder(ctx, instanceID, orderedIDs, actor)
	case "cancel":
		in, opErr = s.runtime.Cancel(ctx, instanceID, actor, req.GetString("reason", ""))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown operation: %s", operation)), nil
	}
	if opErr != nil {
		return flowError(opErr), nil
	}
	return marshalResult(instanceView(in))
}

// handleStatus returns an instance snapshot plus its event log tail.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	in, getErr := s.runtime.GetInstance(ctx, instanceID)
	if getErr != nil {
		return flowError(getErr), nil
	}

	since := int64(req.GetFloat("events_since", 0))
	events, evErr := s.store.GetEvents(ctx, instanceID, since)
	if evErr != nil {
		return flowError(evErr), nil
	}

	next := since
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	return marshalResult(map[string]any{
		"instance":          instanceView(in),
		"events":            events,
		"next_events_since": next,
	})
}

// handleValidate runs the graph validator over an ad-hoc node/edge set.
func (s *FlowServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	var nodes []graph.Node
	if err := decodeInto(args["nodes"], &nodes); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid nodes: %v", err)), nil
	}
	var edges []graph.Edge
	if err := decodeInto(args["edges"], &edges); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid edges: %v", err)), nil
	}
	if nodes == nil {
		return mcp.NewToolResultError("nodes is required"), nil
	}

	result, valErr := s.runtime.ValidateGraph(nodes, edges)
	if valErr != nil {
		return flowError(valErr), nil
	}
	return marshalResult(result)
}

// handleTemplates manages the blueprint lifecycle.
func (s *FlowServer) handleTemplates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	operation, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}

	switch operation {
	case "create", "update":
		doc := mcp.ParseStringMap(req, "template", nil)
		if doc == nil {
			return mcp.NewToolResultError(operation + " requires a template object"), nil
		}
		var tpl schema.Template
		if err := decodeInto(doc, &tpl); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", err)), nil
		}
		var out *schema.Template
		var opErr error
		if operation == "create" {
			out, opErr = s.templates.Create(ctx, &tpl)
		} else {
			tpl.ID = req.GetString("template_id", tpl.ID)
			if tpl.ID == "" {
				return mcp.NewToolResultError("update requires template_id"), nil
			}
			out, opErr = s.templates.Update(ctx, &tpl)
		}
		if opErr != nil {
			return flowError(opErr), nil
		}
		return marshalResult(out)

	case "publish", "new_version", "get":
		templateID, err := req.RequireString("template_id")
		if err != nil {
			return mcp.NewToolResultError("template_id is required"), nil
		}
		var out *schema.Template
		var opErr error
		switch operation {
		case "publish":
			out, opErr = s.templates.Publish(ctx, templateID)
		case "new_version":
			out, opErr = s.templates.NewVersion(ctx, templateID)
		case "get":
			out, opErr = s.templates.Get(ctx, templateID)
		}
		if opErr != nil {
			return flowError(opErr), nil
		}
		return marshalResult(out)

	case "list":
		out, opErr := s.templates.List(ctx, store.TemplateFilter{
			Name:       req.GetString("name", ""),
			ActiveOnly: req.GetBool("active_only", false),
		})
		if opErr != nil {
			return flowError(opErr), nil
		}
		return marshalResult(out)

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown operation: %s", operation)), nil
	}
}

// --- Helpers ---

func actorFromRequest(req mcp.CallToolRequest) (schema.Actor, error) {
	actorID, err := req.RequireString("actor_id")
	if err != nil {
		return schema.Actor{}, fmt.Errorf("actor_id is required")
	}
	role, err := req.RequireString("actor_role")
	if err != nil {
		return schema.Actor{}, fmt.Errorf("actor_role is required")
	}
	return schema.Actor{ID: actorID, Role: schema.Role(role)}, nil
}

// decodeInto re-marshals a loosely-typed tool argument into a struct.
func decodeInto(src any, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// instanceView trims an instance snapshot for tool output: full step
// detail minus per-step history, which grows without bound.
func instanceView(in *schema.Instance) map[string]any {
	steps := make([]map[string]any, 0, len(in.Steps))
	for _, s := range in.Steps {
		view := map[string]any{
			"id":           s.ID,
			"title":        s.Title,
			"action_type":  s.ActionType,
			"action_state": s.ActionState,
			"role_scope":   s.RoleScope,
			"required":     s.Required,
			"order":        s.Order,
		}
		if s.AssignedToID != "" {
			view["assigned_to_id"] = s.AssignedToID
		}
		if s.DueDate != nil {
			view["due_date"] = s.DueDate
		}
		if len(s.ActionData.Data) > 0 {
			view["data"] = s.ActionData.Data
		}
		steps = append(steps, view)
	}

	view := map[string]any{
		"id":               in.ID,
		"template_id":      in.TemplateID,
		"template_version": in.TemplateVersion,
		"status":           in.Status,
		"steps":            steps,
		"created_at":       in.CreatedAt,
		"updated_at":       in.UpdatedAt,
	}
	if in.MatterID != "" {
		view["matter_id"] = in.MatterID
	}
	if in.ContactID != "" {
		view["contact_id"] = in.ContactID
	}
	if in.CompletedAt != nil {
		view["completed_at"] = in.CompletedAt
	}
	return view
}

// flowError renders a runtime error as a structured tool error.
func flowError(err error) *mcp.CallToolResult {
	var ferr *schema.FlowError
	if errors.As(err, &ferr) {
		if raw, marshalErr := json.Marshal(ferr); marshalErr == nil {
			return mcp.NewToolResultError(string(raw))
		}
	}
	return mcp.NewToolResultError(err.Error())
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
