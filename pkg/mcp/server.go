// Package mcp exposes the workflow engine over the Model Context Protocol.
// The server speaks stdio and registers the machina.* tool set.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/avelara/machina/internal/engine"
	"github.com/avelara/machina/internal/schedule"
	"github.com/avelara/machina/internal/store"
)

// MachinaServerDeps holds the dependencies for creating a MachinaServer.
type MachinaServerDeps struct {
	Service   *engine.Service
	Schedules *schedule.Scheduler
	Store     store.Store
	Logger    *slog.Logger
	Version   string
}

// MachinaServer wraps an MCP server with workflow engine tool handlers.
type MachinaServer struct {
	service   *engine.Service
	schedules *schedule.Scheduler
	store     store.Store
	sessions  *SessionRegistry
	notifier  *ExecutionNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewMachinaServer creates a server with all 7 tools registered.
func NewMachinaServer(deps MachinaServerDeps) *MachinaServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "0.0.0-dev"
	}

	s := &MachinaServer{
		service:   deps.Service,
		schedules: deps.Schedules,
		store:     deps.Store,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"machina",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Machina runs workflows that provision ephemeral compute instances, execute commands on them, and tear them down. Use machina.create_workflow to register a workflow, machina.execute_workflow to start a run, machina.status to check progress, machina.cancel to stop a run, machina.query to list workflows/executions/instances/commands/events/schedules, machina.schedule to manage cron triggers, and machina.diagram to render a workflow's dependency graph."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewExecutionNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *MachinaServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *MachinaServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *MachinaServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createWorkflowTool(), Handler: s.handleCreateWorkflow},
		{Tool: executeWorkflowTool(), Handler: s.handleExecuteWorkflow},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func createWorkflowTool() mcp.Tool {
	return mcp.NewTool("machina.create_workflow",
		mcp.WithDescription("Register a workflow definition. The spec is validated (schema, references, cycles) before it is stored."),
		mcp.WithObject("spec", mcp.Required(), mcp.Description("Workflow spec: {name, description?, steps: [{id, kind, config?, depends_on?}]}. Step kinds: create_instance, execute_command, wait, destroy_instance, conditional.")),
	)
}

func executeWorkflowTool() mcp.Tool {
	return mcp.NewTool("machina.execute_workflow",
		mcp.WithDescription("Start a workflow run. Returns the execution record immediately; the run proceeds in the background."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("context", mcp.Description("Initial execution context values")),
		mcp.WithBoolean("notify", mcp.Description("Push a notification to this session when the run finishes")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("machina.status",
		mcp.WithDescription("Get an execution's status with its per-step states"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("machina.cancel",
		mcp.WithDescription("Cancel a running execution. Running steps stop cooperatively and downstream steps are skipped."),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("reason", mcp.Description("Reason recorded on the execution")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("machina.query",
		mcp.WithDescription("Query workflows, executions, instances, commands, events, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "instances", "commands", "events", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, execution_id, status, since, limit, name, enabled)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("machina.diagram",
		mcp.WithDescription("Render a workflow's dependency graph. Returns ASCII art, Mermaid flowchart syntax, or a base64-encoded PNG image. Pass execution_id to overlay runtime step status."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow to diagram")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
		mcp.WithString("execution_id", mcp.Description("Execution whose step states to overlay on the diagram")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("machina.schedule",
		mcp.WithDescription("Manage cron schedules for workflows"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "delete", "enable", "disable"),
			mcp.Description("Schedule operation to perform"),
		),
		mcp.WithString("workflow_id", mcp.Description("Workflow to schedule (required for create)")),
		mcp.WithString("cron", mcp.Description("Cron expression, five fields (required for create)")),
		mcp.WithObject("context", mcp.Description("Initial execution context for scheduled runs")),
		mcp.WithString("schedule_id", mcp.Description("Schedule ID (required for delete/enable/disable)")),
	)
}
