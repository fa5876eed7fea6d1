// Package mcp exposes the workflow runtime over the Model Context
// Protocol: template management, instantiation, step transitions, and
// status queries as MCP tools on a stdio transport.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/harlowe/matterflow/internal/engine"
	"github.com/harlowe/matterflow/internal/store"
)

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Runtime   *engine.Runtime
	Templates *engine.Templates
	Store     store.Store
	Logger    *slog.Logger
}

// FlowServer wraps an MCP server with matterflow tool handlers.
type FlowServer struct {
	runtime   *engine.Runtime
	templates *engine.Templates
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with every tool registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		runtime:   deps.Runtime,
		templates: deps.Templates,
		store:     deps.Store,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"matterflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Matterflow orchestrates legal-process workflows. Use flow.instantiate to start a workflow from a published template, flow.step to claim/start/complete/fail/skip steps, flow.edit to add, remove, or reorder steps, flow.status to inspect an instance, flow.validate to check a dependency graph, and flow.templates to manage blueprints."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled
// or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: instantiateTool(), Handler: s.handleInstantiate},
		{Tool: stepTool(), Handler: s.handleStep},
		{Tool: editTool(), Handler: s.handleEdit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: templatesTool(), Handler: s.handleTemplates},
	}
}

// --- Tool definitions ---

func instantiateTool() mcp.Tool {
	return mcp.NewTool("flow.instantiate",
		mcp.WithDescription("Start a workflow instance from a published template"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("ID of the published template")),
		mcp.WithString("matter_id", mcp.Description("Matter the instance is bound to")),
		mcp.WithString("contact_id", mcp.Description("Contact the instance is bound to (alternative to matter_id)")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the acting user")),
		mcp.WithString("actor_role", mcp.Required(),
			mcp.Enum("ADMIN", "LAWYER", "PARALEGAL", "CLIENT"),
			mcp.Description("Role of the acting user")),
	)
}

func stepTool() mcp.Tool {
	return mcp.NewTool("flow.step",
		mcp.WithDescription("Apply a lifecycle operation to a step"),
		mcp.WithString("operation", mcp.Required(),
			mcp.Enum("claim", "start", "complete", "fail", "skip", "block", "unblock"),
			mcp.Description("Lifecycle operation to apply")),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the target step")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the acting user")),
		mcp.WithString("actor_role", mcp.Required(),
			mcp.Enum("ADMIN", "LAWYER", "PARALEGAL", "CLIENT"),
			mcp.Description("Role of the acting user")),
		mcp.WithObject("output", mcp.Description("Completion payload (complete only)")),
		mcp.WithString("reason", mcp.Description("Reason (required for fail and skip)")),
	)
}

func editTool() mcp.Tool {
	return mcp.NewTool("flow.edit",
		mcp.WithDescription("Mutate the step set of an instance: add, remove, reorder, or cancel"),
		mcp.WithString("operation", mcp.Required(),
			mcp.Enum("add_step", "remove_step", "reorder", "cancel"),
			mcp.Description("Edit operation")),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the acting user")),
		mcp.WithString("actor_role", mcp.Required(),
			mcp.Enum("ADMIN", "LAWYER", "PARALEGAL", "CLIENT"),
			mcp.Description("Role of the acting user")),
		mcp.WithObject("step", mcp.Description("New step definition (add_step only)")),
		mcp.WithString("step_id", mcp.Description("Target step (remove_step only)")),
		mcp.WithArray("ordered_ids", mcp.Description("Full step ID ordering (reorder only)")),
		mcp.WithString("reason", mcp.Description("Cancellation reason (cancel only)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Inspect a workflow instance, its steps, and recent events"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
		mcp.WithNumber("events_since", mcp.Description("Return events after this sequence number")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("flow.validate",
		mcp.WithDescription("Validate a dependency graph without persisting anything"),
		mcp.WithArray("nodes", mcp.Required(), mcp.Description("Nodes: [{id, title}]")),
		mcp.WithArray("edges", mcp.Required(), mcp.Description("Edges: [{source_id, target_id, type}]")),
	)
}

func templatesTool() mcp.Tool {
	return mcp.NewTool("flow.templates",
		mcp.WithDescription("Manage workflow templates: create, update, publish, new_version, get, list"),
		mcp.WithString("operation", mcp.Required(),
			mcp.Enum("create", "update", "publish", "new_version", "get", "list"),
			mcp.Description("Template operation")),
		mcp.WithString("template_id", mcp.Description("Target template (all but create and list)")),
		mcp.WithObject("template", mcp.Description("Template document (create and update)")),
		mcp.WithString("name", mcp.Description("Name filter (list only)")),
		mcp.WithBoolean("active_only", mcp.Description("Only published templates (list only)")),
	)
}
