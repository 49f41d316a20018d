// Package mcp exposes a running D2A agent to LLM clients as MCP tools.
package mcp

import (
	"context"

	"d2a-agent/src/contracts"
)

// SnapshotSource is where the tools read agent state from: either an in-process
// manager or the local API of an agent running elsewhere.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (contracts.Snapshot, error)
	Refresh(ctx context.Context) error
}

// StatusOutput is the d2a_status tool response.
type StatusOutput struct {
	Pubkey            string         `json:"pubkey"`
	Active            bool           `json:"active"`
	Peers             int            `json:"peers"`
	Sent              int            `json:"sent"`
	Received          int            `json:"received"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	Handshakes        map[string]int `json:"handshakes_by_phase"`
	UpdatedAt         string         `json:"updated_at"`
}

// PeerOutput is one peer in the d2a_peers response.
type PeerOutput struct {
	Pubkey    string   `json:"pubkey"`
	Resonance float64  `json:"resonance"`
	Capacity  int      `json:"capacity"`
	Interests []string `json:"interests"`
	LastSeen  string   `json:"last_seen"`
	Handshake string   `json:"handshake,omitempty"`
}
