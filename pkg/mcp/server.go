package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/internal/validation"
	"github.com/cascadehq/cascade/pkg/schema"
)

// WorkflowRunner is the interface the MCP surface uses to drive executions.
// Satisfied by the engine.
type WorkflowRunner interface {
	Start(ctx context.Context, orgID, definitionID string, input map[string]any, triggeredBy schema.TriggeredBy) (string, error)
	Cancel(ctx context.Context, executionID string) error
	Status(ctx context.Context, executionID string) (*schema.ExecutionState, error)
}

// CascadeServerDeps holds the dependencies for creating a CascadeServer.
type CascadeServerDeps struct {
	Runner    WorkflowRunner
	Store     store.Store
	Validator *validation.WorkflowValidator
	Logger    *slog.Logger
}

// CascadeServer wraps an MCP server with cascade-specific tool handlers.
type CascadeServer struct {
	runner    WorkflowRunner
	store     store.Store
	validator *validation.WorkflowValidator
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewCascadeServer creates a CascadeServer with all tools registered.
func NewCascadeServer(deps CascadeServerDeps) *CascadeServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CascadeServer{
		runner:    deps.Runner,
		store:     deps.Store,
		validator: deps.Validator,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"cascade",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Cascade executes multi-tenant automation workflows. Use workflow.start to run a definition, workflow.status to check progress, workflow.cancel to stop a running execution, workflow.validate to check a definition before registering it, and workflow.define to register one."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CascadeServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CascadeServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns a completion notifier bound to this server's sessions.
// Wire its OnCompletion as the engine's completion callback.
func (s *CascadeServer) Notifier() *CompletionNotifier {
	return NewCompletionNotifier(s.mcpServer, s.sessions, s.logger)
}

func (s *CascadeServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: defineTool(), Handler: s.handleDefine},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("workflow.start",
		mcp.WithDescription("Start an execution of an active workflow definition"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization the caller acts for")),
		mcp.WithString("definition_id", mcp.Description("ID of the workflow definition version to run")),
		mcp.WithString("root_version_id", mcp.Description("Workflow lineage; runs its active version. Ignored when definition_id is set")),
		mcp.WithObject("input", mcp.Description("Trigger input for the execution")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get the state of a workflow execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow.cancel",
		mcp.WithDescription("Cancel a pending, running, or waiting execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("workflow.validate",
		mcp.WithDescription("Validate a workflow definition without registering it. Returns every error and warning found, not just the first"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("workflow.define",
		mcp.WithDescription("Register a workflow definition as a draft. Use activate=true to also make it the active version of its lineage"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Owning organization")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
		mcp.WithBoolean("activate", mcp.Description("Activate the definition after registering (archives the prior active version)")),
	)
}

// timeouts for tool-initiated runs; executions suspend past this through
// the task scheduler, so a generous bound is enough.
const startTimeout = 5 * time.Minute
