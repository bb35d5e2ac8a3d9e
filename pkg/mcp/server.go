// Package mcp exposes the pipeline over the Model Context Protocol so
// agents can start runs, watch their progress, and resolve human
// checkpoints.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/punchlab/punchline/internal/approval"
	"github.com/punchlab/punchline/internal/checkpoint"
	"github.com/punchlab/punchline/internal/engine"
	"github.com/punchlab/punchline/internal/index"
	"github.com/punchlab/punchline/internal/store"
)

// Orchestrator is the engine surface the server drives.
type Orchestrator interface {
	StartRun(ctx context.Context, opts engine.RunOptions) (*engine.Run, error)
	RunState(id string) (*engine.Run, bool)
	Items(id string) ([]engine.Item, bool)
	Runs() []*engine.Run
	StopRun(id string) bool
}

// DecisionGate is the approval surface the server resolves decisions on.
type DecisionGate interface {
	Approve(id string) bool
	Reject(id, reason string) bool
	Get(id string) (*approval.Decision, bool)
	Pending() []*approval.Decision
}

// CheckpointReader reads decision snapshots for display.
type CheckpointReader interface {
	Get(ctx context.Context, decisionID string) (*checkpoint.Snapshot, error)
}

// CorpusSearcher searches the persisted corpus index.
type CorpusSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]index.Entry, error)
	Query(ctx context.Context, expression string) ([]any, error)
}

// AuditReader reads the durable event log. Optional.
type AuditReader interface {
	Events(ctx context.Context, runID string, since int64) ([]*store.Event, error)
}

// PunchlineServerDeps holds the dependencies for creating a PunchlineServer.
type PunchlineServerDeps struct {
	Engine      Orchestrator
	Gate        DecisionGate
	Checkpoints CheckpointReader
	Index       CorpusSearcher
	Audit       AuditReader
	Streamer    *EventStreamer
	Logger      *slog.Logger
}

// PunchlineServer wraps an MCP server with pipeline tool handlers.
type PunchlineServer struct {
	engine      Orchestrator
	gate        DecisionGate
	checkpoints CheckpointReader
	index       CorpusSearcher
	audit       AuditReader
	streamer    *EventStreamer
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewPunchlineServer creates a PunchlineServer with all tools registered.
func NewPunchlineServer(deps PunchlineServerDeps) *PunchlineServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &PunchlineServer{
		engine:      deps.Engine,
		gate:        deps.Gate,
		checkpoints: deps.Checkpoints,
		index:       deps.Index,
		audit:       deps.Audit,
		streamer:    deps.Streamer,
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"punchline",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Punchline is a human-in-the-loop joke pipeline. Use punchline.start to launch a run, punchline.status and punchline.items to watch it, punchline.pending to see decisions waiting on a human, punchline.approve/punchline.reject to resolve them, punchline.search to query the stored corpus, and punchline.events to read a run's audit trail."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if s.streamer != nil {
		s.streamer.attach(mcpSrv)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *PunchlineServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *PunchlineServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *PunchlineServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: itemsTool(), Handler: s.handleItems},
		{Tool: stopTool(), Handler: s.handleStop},
		{Tool: pendingTool(), Handler: s.handlePending},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: rejectTool(), Handler: s.handleReject},
		{Tool: searchTool(), Handler: s.handleSearch},
		{Tool: eventsTool(), Handler: s.handleEvents},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("punchline.start",
		mcp.WithDescription("Start a new pipeline run"),
		mcp.WithNumber("target", mcp.Required(), mcp.Description("Number of items to persist before the run completes")),
		mcp.WithBoolean("force_approval", mcp.Description("Escalate the first auto-accepted item to a human checkpoint")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("punchline.status",
		mcp.WithDescription("Get run status, or list all runs"),
		mcp.WithString("run_id", mcp.Description("ID of the run to query; omit to list all runs")),
	)
}

func itemsTool() mcp.Tool {
	return mcp.NewTool("punchline.items",
		mcp.WithDescription("List a run's items in generation order"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func stopTool() mcp.Tool {
	return mcp.NewTool("punchline.stop",
		mcp.WithDescription("Stop a running pipeline"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to stop")),
	)
}

func pendingTool() mcp.Tool {
	return mcp.NewTool("punchline.pending",
		mcp.WithDescription("List decisions waiting on a human"),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("punchline.approve",
		mcp.WithDescription("Approve a pending decision"),
		mcp.WithString("decision_id", mcp.Required(), mcp.Description("ID of the decision to approve")),
	)
}

func rejectTool() mcp.Tool {
	return mcp.NewTool("punchline.reject",
		mcp.WithDescription("Reject a pending decision"),
		mcp.WithString("decision_id", mcp.Required(), mcp.Description("ID of the decision to reject")),
		mcp.WithString("reason", mcp.Description("Why the item was rejected")),
	)
}

func searchTool() mcp.Tool {
	return mcp.NewTool("punchline.search",
		mcp.WithDescription("Search the stored corpus by substring, or run a jq expression over the index"),
		mcp.WithString("query", mcp.Description("Substring to match against normalized item text")),
		mcp.WithString("expression", mcp.Description("jq expression evaluated over the index entries")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of matches (default 20)")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("punchline.events",
		mcp.WithDescription("Read a run's audit trail"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("since", mcp.Description("Return events with sequence greater than this")),
	)
}
