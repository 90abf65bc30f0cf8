// Package mcpserver exposes workflow execution as Model Context Protocol
// tools so agents can start, inspect and cancel runs.
package mcpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/stepflow/graph"
	"github.com/dshills/stepflow/graph/store"
	"github.com/dshills/stepflow/internal/runner"
)

const defaultLogLimit = 100

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for tool failures and stdio errors.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithVersion sets the version reported during the MCP handshake.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// Server wraps an MCP server whose tools drive the runner.
type Server struct {
	store      store.Store
	runner     *runner.Runner
	dispatcher *graph.Dispatcher
	logger     *slog.Logger
	version    string

	mcpServer *server.MCPServer
}

// New creates the server and registers its tools.
func New(st store.Store, r *runner.Runner, d *graph.Dispatcher, opts ...Option) *Server {
	s := &Server{
		store:      st,
		runner:     r,
		dispatcher: d,
		logger:     slog.Default(),
		version:    "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = server.NewMCPServer("stepflow", s.version, server.WithToolCapabilities(true))
	s.registerTools()
	return s
}

// MCPServer returns the underlying server, for mounting on other transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Serve speaks MCP over in/out until ctx is cancelled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("run_workflow",
			mcp.WithDescription("Start an execution of a stored workflow"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
			mcp.WithObject("inputs", mcp.Description("Input object passed to entry steps")),
			mcp.WithBoolean("wait", mcp.Description("Block until the run finishes and return its result")),
		),
		s.handleRunWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("get_execution",
			mcp.WithDescription("Fetch an execution's status, output and error"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		),
		s.handleGetExecution,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("cancel_execution",
			mcp.WithDescription("Cancel a pending or running execution"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		),
		s.handleCancelExecution,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("list_execution_logs",
			mcp.WithDescription("List an execution's log entries, oldest first"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries"), mcp.DefaultNumber(defaultLogLimit)),
		),
		s.handleListLogs,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("validate_definition",
			mcp.WithDescription("Check a JSON workflow definition for cycles, dangling connections and unknown step types"),
			mcp.WithString("definition", mcp.Required(), mcp.Description("Workflow definition as a JSON document")),
		),
		s.handleValidateDefinition,
	)
}

func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args := request.GetArguments()
	var inputs map[string]any
	if raw, ok := args["inputs"]; ok && raw != nil {
		inputs, ok = raw.(map[string]any)
		if !ok {
			return mcp.NewToolResultError("inputs must be an object"), nil
		}
	}

	req := runner.StartRequest{WorkflowID: workflowID, Input: inputs, ExecutedBy: "mcp"}
	if !request.GetBool("wait", false) {
		exec, err := s.runner.Start(ctx, req)
		if err != nil {
			return s.toolError("run_workflow", err), nil
		}
		return mcp.NewToolResultJSON(exec)
	}

	result, err := s.runner.Run(ctx, req)
	if err != nil {
		return s.toolError("run_workflow", err), nil
	}
	return mcp.NewToolResultJSON(summarize(result))
}

func (s *Server) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return s.toolError("get_execution", err), nil
	}
	return mcp.NewToolResultJSON(exec)
}

func (s *Server) handleCancelExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.runner.Cancel(ctx, id); err != nil {
		return s.toolError("cancel_execution", err), nil
	}
	return mcp.NewToolResultText("execution " + id + " cancelled"), nil
}

func (s *Server) handleListLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := request.GetInt("limit", defaultLogLimit)
	if limit < 1 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}
	if _, err := s.store.GetExecution(ctx, id); err != nil {
		return s.toolError("list_execution_logs", err), nil
	}
	logs, err := s.store.ListLogs(ctx, id, limit)
	if err != nil {
		return s.toolError("list_execution_logs", err), nil
	}
	if logs == nil {
		logs = []*store.ExecutionLog{}
	}
	return mcp.NewToolResultJSON(logs)
}

func (s *Server) handleValidateDefinition(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	def, g, err := s.dispatcher.Check([]byte(raw))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultJSON(map[string]any{
		"valid":       true,
		"steps":       len(def.Steps),
		"entry_steps": g.EntrySteps(),
		"order":       g.Order(),
	})
}

// toolError reports err to the client as a failed tool result. Protocol
// errors are reserved for malformed requests.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	if !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("mcp tool failed", slog.String("tool", tool), slog.Any("error", err))
	}
	return mcp.NewToolResultErrorf("%s failed: %v", tool, err)
}

type runSummary struct {
	ExecutionID string            `json:"execution_id"`
	WorkflowID  string            `json:"workflow_id"`
	Success     bool              `json:"success"`
	Cancelled   bool              `json:"cancelled"`
	Completed   []string          `json:"completed"`
	Failed      []string          `json:"failed,omitempty"`
	Skipped     []string          `json:"skipped,omitempty"`
	Unprocessed []string          `json:"unprocessed,omitempty"`
	Branches    map[string]string `json:"branches_taken,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func summarize(r *graph.RunResult) runSummary {
	out := runSummary{
		ExecutionID: r.ExecutionID,
		WorkflowID:  r.WorkflowID,
		Success:     r.Success,
		Cancelled:   r.Cancelled,
		Completed:   r.Completed,
		Failed:      r.Failed,
		Skipped:     r.Skipped,
		Unprocessed: r.Unprocessed,
		Branches:    r.BranchesTaken,
	}
	if out.Completed == nil {
		out.Completed = []string{}
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}
