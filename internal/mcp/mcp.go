// Package mcp implements the Model Context Protocol server for hikaku.
//
// The MCP server exposes the feedback pipeline through MCP tools, resources
// and prompts, so MCP-compatible review assistants can submit judgments and
// monitor retraining without going through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hikaku/internal/ctxutil"
	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/service/pipeline"
)

const serverInstructions = `hikaku collects pairwise preference feedback over two model backends and
retrains them automatically once enough high-quality feedback has accumulated.

Use hikaku_submit_feedback to record which of two candidate answers was better.
Use hikaku_status to see how close the queue is to the next training dispatch.
Use hikaku_history and hikaku_job to inspect submitted training jobs.`

// Server wraps the MCP server with hikaku's pipeline controller.
type Server struct {
	mcpServer *mcpserver.MCPServer
	pipeline  *pipeline.Controller
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(ctrl *pipeline.Controller, logger *slog.Logger, version string) *Server {
	s := &Server{
		pipeline: ctrl,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hikaku",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
		mcpserver.WithRecovery(),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// requireRole returns an error result when the caller's claims are missing
// or below minRole. A nil result means the caller may proceed.
func requireRole(ctx context.Context, minRole model.OperatorRole) *mcplib.CallToolResult {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required")
	}
	if !model.RoleAtLeast(claims.Role, minRole) {
		return errorResult(fmt.Sprintf("requires role %s or higher", minRole))
	}
	return nil
}

// principal returns the authenticated principal, or "" when unauthenticated.
func principal(ctx context.Context) string {
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil {
		return claims.Principal()
	}
	return ""
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return mcplib.NewToolResultText(string(data)), nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return mcplib.NewToolResultError(msg)
}
