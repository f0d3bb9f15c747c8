// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes pool operations for LLM-driven ops tooling via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/gebo/internal/pool"
	"github.com/starford/gebo/internal/store"
)

// Server wraps the MCP server with Gebo pool tools.
type Server struct {
	mcp *server.MCPServer
	svc *pool.Service
}

// New creates a new MCP server with all pool tools registered.
func New(svc *pool.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Gebo",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("pool_status",
		mcp.WithDescription("Credit balance plus open contribution/request and placement counts for a member."),
		mcp.WithString("member_id", mcp.Required(), mcp.Description("Member id")),
	), s.poolStatus)

	s.mcp.AddTool(mcp.NewTool("list_members",
		mcp.WithDescription("List registered members, optionally filtered by category."),
		mcp.WithString("category", mcp.Description("Optional category tag filter")),
	), s.listMembers)

	s.mcp.AddTool(mcp.NewTool("list_pending_placements",
		mcp.WithDescription("Placements awaiting confirmation or verification."),
		mcp.WithString("state", mcp.Description("Optional state filter: matched or confirmed")),
	), s.listPendingPlacements)

	s.mcp.AddTool(mcp.NewTool("member_ledger",
		mcp.WithDescription("Recent credit ledger entries for a member, newest first."),
		mcp.WithString("member_id", mcp.Required(), mcp.Description("Member id")),
	), s.memberLedger)

	s.mcp.AddTool(mcp.NewTool("trigger_verify",
		mcp.WithDescription("Run link-presence verification for a confirmed placement."),
		mcp.WithString("placement_id", mcp.Required(), mcp.Description("Placement id")),
	), s.triggerVerify)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) poolStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	memberID, err := req.RequireString("member_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st, err := s.svc.Status(memberID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st)
}

func (s *Server) listMembers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	members, err := s.svc.ListMembers(store.MemberFilter{Category: req.GetString("category", "")})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(members)
}

func (s *Server) listPendingPlacements(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var states []string
	if st := req.GetString("state", ""); st != "" {
		states = []string{st}
	}
	placements, err := s.svc.PendingPlacements(states...)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(placements)
}

func (s *Server) memberLedger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	memberID, err := req.RequireString("member_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entries, err := s.svc.Ledger(memberID, 50)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entries)
}

func (s *Server) triggerVerify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	placementID, err := req.RequireString("placement_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.svc.VerifyPlacement(ctx, placementID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("verify %s: %v", placementID, err)), nil
	}
	return jsonResult(res)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}
