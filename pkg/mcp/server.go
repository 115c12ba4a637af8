package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/dynsched/internal/controller"
	"github.com/rendis/dynsched/internal/engine"
	"github.com/rendis/dynsched/internal/operation"
	"github.com/rendis/dynsched/internal/streaming"
	"github.com/rendis/dynsched/pkg/schema"
)

// Scheduler is the engine surface exposed over MCP.
type Scheduler interface {
	StartWithID(ctx context.Context, id, operationName string, input operation.Context) (string, error)
	Status(ctx context.Context, id string) (*engine.ScheduleStatus, error)
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Registry() *operation.Registry
}

// Reconciler is the controller surface exposed over MCP.
type Reconciler interface {
	SetDesired(ctx context.Context, id string, state schema.ServiceState, data map[string]any) (controller.Action, error)
	Service(ctx context.Context, id string) (*controller.Service, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Scheduler  Scheduler
	Reconciler Reconciler
	Hub        streaming.EventHub
	Logger     *slog.Logger
	Version    string
}

// Server wraps an MCP server with the dynsched control tools.
type Server struct {
	scheduler  Scheduler
	reconciler Reconciler
	hub        streaming.EventHub
	logger     *slog.Logger
	sessions   *SessionRegistry
	notifier   *Notifier
	mcpServer  *server.MCPServer
}

// NewServer creates a Server with all tools registered. Without a
// Reconciler the dynsched.desire tool is left out.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		scheduler:  deps.Scheduler,
		reconciler: deps.Reconciler,
		hub:        deps.Hub,
		logger:     logger.With(slog.String("component", "mcp")),
		sessions:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"dynsched",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("dynsched runs multi-step operations with automatic rollback. Use dynsched.operations to list what can run, dynsched.start to launch a schedule, dynsched.status to follow it, dynsched.resume to continue one waiting for manual intervention, dynsched.cancel to roll one back, and dynsched.desire to declare whether a service should be running."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.sessions, s.logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Lifecycle events of schedules started over this transport
// are pushed to the client while it is connected.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
		if err != nil {
			return err
		}
		defer cancel()
		go s.notifier.Forward(ctx, events)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	tools := []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: operationsTool(), Handler: s.handleOperations},
	}
	if s.reconciler != nil {
		tools = append(tools, server.ServerTool{Tool: desireTool(), Handler: s.handleDesire})
	}
	return tools
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("dynsched.start",
		mcp.WithDescription("Start a schedule of a registered operation"),
		mcp.WithString("operation", mcp.Required(), mcp.Description("Name of the registered operation")),
		mcp.WithObject("context", mcp.Description("Initial context of the schedule")),
		mcp.WithString("schedule_id", mcp.Description("Caller-chosen id; starting an existing id again is a no-op")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("dynsched.status",
		mcp.WithDescription("Get the state of a schedule"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("ID of the schedule")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("dynsched.resume",
		mcp.WithDescription("Resume a schedule waiting for manual intervention"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("ID of the schedule")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("dynsched.cancel",
		mcp.WithDescription("Cancel a schedule and undo its completed steps"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("ID of the schedule")),
	)
}

func desireTool() mcp.Tool {
	return mcp.NewTool("dynsched.desire",
		mcp.WithDescription("Declare the desired state of a managed service"),
		mcp.WithString("service_id", mcp.Required(), mcp.Description("ID of the service")),
		mcp.WithString("state", mcp.Required(),
			mcp.Enum(string(schema.ServiceRunning), string(schema.ServiceStopped)),
			mcp.Description("State the service should reach"),
		),
		mcp.WithObject("data", mcp.Description("Data the start or stop operation receives")),
	)
}

func operationsTool() mcp.Tool {
	return mcp.NewTool("dynsched.operations",
		mcp.WithDescription("List registered operations"),
	)
}
