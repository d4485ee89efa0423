// Package mcp exposes the action gate to agents as MCP tools over stdio.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/impactgate/internal/integrity"
	"github.com/ppiankov/impactgate/internal/lifecycle"
)

// Config holds MCP server configuration.
type Config struct {
	// AgentID is recorded as the proposer of every submitted action.
	AgentID string
	// Version is reported in the MCP implementation info.
	Version string
	// Descriptors validates tool descriptors passed to
	// impactgate_verify_descriptor. Nil means an empty, fail-closed policy.
	Descriptors *integrity.Policy
	// TamperLogPath, when set, receives rejected descriptor checks.
	TamperLogPath string
	Logger        *slog.Logger
}

// Server wraps the MCP SDK server around a lifecycle engine.
type Server struct {
	mcpServer   *mcpsdk.Server
	engine      *lifecycle.Engine
	agentID     string
	descriptors *integrity.Policy
	tamperLog   string
	logger      *slog.Logger
}

// New creates an MCP server with all impactgate tools registered.
func New(cfg Config, engine *lifecycle.Engine) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("mcp: engine is required")
	}
	agentID := cfg.AgentID
	if agentID == "" {
		agentID = "mcp-agent"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	descriptors := cfg.Descriptors
	if descriptors == nil {
		descriptors = &integrity.Policy{}
	}

	s := &Server{
		engine:      engine,
		agentID:     agentID,
		descriptors: descriptors,
		tamperLog:   cfg.TamperLogPath,
		logger:      logger,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "impactgate",
			Version: version,
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all impactgate tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "impactgate_submit",
		Description: "Propose an action (file write/create/delete/move, shell command, db or api call). Returns the impact preview and waits for a human decision when wait_seconds is set.",
	}, s.handleSubmit)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "impactgate_preview",
		Description: "Show the impact preview, diff and current status of a submitted action.",
	}, s.handlePreview)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "impactgate_decide",
		Description: "Approve or reject a pending action. Rejection requires a reason.",
	}, s.handleDecide)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "impactgate_pending",
		Description: "List actions awaiting a decision.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "impactgate_check",
		Description: "Analyze an action and evaluate policy without recording anything (dry-run).",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "impactgate_record_outcome",
		Description: "Report the result of executing an approved action.",
	}, s.handleOutcome)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "impactgate_verify_descriptor",
		Description: "Check an MCP tool descriptor against pinned hashes before trusting it.",
	}, s.handleVerifyDescriptor)
}
