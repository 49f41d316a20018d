package mcp

import (
	"context"

	"d2a-agent/src/contracts"
)

// Agent is the in-process view of a running manager.
type Agent interface {
	Snapshot() contracts.Snapshot
	Refresh()
}

type localSource struct {
	agent Agent
}

// Local adapts an in-process agent to SnapshotSource.
func Local(a Agent) SnapshotSource {
	return localSource{agent: a}
}

func (l localSource) Snapshot(ctx context.Context) (contracts.Snapshot, error) {
	return l.agent.Snapshot(), ctx.Err()
}

func (l localSource) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.agent.Refresh()
	return nil
}
