package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"d2a-agent/src/contracts"
	"d2a-agent/src/sanitize"
)

// Server is the MCP server for a D2A agent.
type Server struct {
	mcpServer *server.MCPServer
	src       SnapshotSource
}

// NewServer creates an MCP server reading from src.
func NewServer(src SnapshotSource, version string) *Server {
	s := server.NewMCPServer(
		"d2a",
		version,
		server.WithToolCapabilities(true),
	)

	srv := &Server{
		mcpServer: s,
		src:       src,
	}
	srv.registerTools()

	return srv
}

// registerTools registers all available tools.
func (s *Server) registerTools() {
	statusTool := mcp.NewTool("d2a_status",
		mcp.WithDescription("Summarize the local D2A agent: identity, whether it is running, exchange counters and handshakes per phase."),
	)

	peersTool := mcp.NewTool("d2a_peers",
		mcp.WithDescription("List discovered peers, most resonant first, with their advertised interests and the current handshake phase if any."),
		mcp.WithNumber("limit",
			mcp.Description("Max peers to return (default: 20)"),
		),
		mcp.WithNumber("min_resonance",
			mcp.Description("Only return peers at or above this resonance, 0..1 (default: 0)"),
		),
	)

	handshakesTool := mcp.NewTool("d2a_handshakes",
		mcp.WithDescription("List handshake records. Completed and rejected records stay visible until the next discovery cycle."),
		mcp.WithString("phase",
			mcp.Description("Filter by phase"),
			mcp.Enum("offered", "accepted", "delivering", "completed", "rejected"),
		),
	)

	activityTool := mcp.NewTool("d2a_activity",
		mcp.WithDescription("Return the most recent activity log entries, newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Max entries to return (default: 20)"),
		),
		mcp.WithString("kind",
			mcp.Description("Only return entries of this kind, e.g. received or settlement_failed"),
		),
	)

	refreshTool := mcp.NewTool("d2a_refresh",
		mcp.WithDescription("Ask the agent to run a discovery cycle now instead of waiting for the next tick."),
	)

	s.mcpServer.AddTool(statusTool, s.handleStatus)
	s.mcpServer.AddTool(peersTool, s.handlePeers)
	s.mcpServer.AddTool(handshakesTool, s.handleHandshakes)
	s.mcpServer.AddTool(activityTool, s.handleActivity)
	s.mcpServer.AddTool(refreshTool, s.handleRefresh)
}

// Run starts the MCP server on stdio.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.src.Snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read agent state: %v", err)), nil
	}

	phases := make(map[string]int)
	for _, hs := range snap.Handshakes {
		phases[string(hs.Phase)]++
	}
	return jsonResult(StatusOutput{
		Pubkey:            snap.Pubkey,
		Active:            snap.Active,
		Peers:             len(snap.Peers),
		Sent:              snap.Sent,
		Received:          snap.Received,
		ConsecutiveErrors: snap.ConsecutiveErrors,
		Handshakes:        phases,
		UpdatedAt:         snap.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePeers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	if limit < 1 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}
	minResonance := request.GetFloat("min_resonance", 0)

	snap, err := s.src.Snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read agent state: %v", err)), nil
	}

	phases := make(map[string]contracts.Phase, len(snap.Handshakes))
	for _, hs := range snap.Handshakes {
		phases[hs.Peer] = hs.Phase
	}

	out := make([]PeerOutput, 0, len(snap.Peers))
	for _, p := range snap.Peers {
		if p.Resonance < minResonance {
			continue
		}
		interests := make([]string, 0, len(p.Interests))
		for _, i := range p.Interests {
			interests = append(interests, sanitize.Line(i))
		}
		out = append(out, PeerOutput{
			Pubkey:    p.Pubkey,
			Resonance: p.Resonance,
			Capacity:  p.Capacity,
			Interests: interests,
			LastSeen:  p.LastSeen.UTC().Format(time.RFC3339),
			Handshake: string(phases[p.Pubkey]),
		})
		if len(out) == limit {
			break
		}
	}
	return jsonResult(out)
}

func (s *Server) handleHandshakes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	phase := contracts.Phase(request.GetString("phase", ""))

	snap, err := s.src.Snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read agent state: %v", err)), nil
	}

	out := make([]contracts.HandshakeState, 0, len(snap.Handshakes))
	for _, hs := range snap.Handshakes {
		if phase != "" && hs.Phase != phase {
			continue
		}
		out = append(out, hs)
	}
	return jsonResult(out)
}

func (s *Server) handleActivity(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	if limit < 1 {
		return mcp.NewToolResultError("limit must be positive"), nil
	}
	kind := contracts.ActivityKind(request.GetString("kind", ""))

	snap, err := s.src.Snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read agent state: %v", err)), nil
	}

	out := make([]contracts.ActivityEntry, 0, limit)
	for i := len(snap.Activity) - 1; i >= 0 && len(out) < limit; i-- {
		entry := snap.Activity[i]
		if kind != "" && entry.Kind != kind {
			continue
		}
		entry.Message = sanitize.Line(entry.Message)
		out = append(out, entry)
	}
	return jsonResult(out)
}

func (s *Server) handleRefresh(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.src.Refresh(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("refresh failed: %v", err)), nil
	}
	return mcp.NewToolResultText("discovery scheduled"), nil
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
