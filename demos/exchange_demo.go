// Demo program: two agents trade content over an in-memory relay while the
// dashboard shows the receiving side.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"d2a-agent/src/broker"
	"d2a-agent/src/config"
	"d2a-agent/src/contracts"
	"d2a-agent/src/logger"
	"d2a-agent/src/node"
	"d2a-agent/src/store"
	"d2a-agent/src/tui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "d2a-demo")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	relay := broker.NewInMemoryBroker()
	defer relay.Close()

	curator, err := newAgent(ctx, dir, "curator", relay, sampleFeed())
	if err != nil {
		return err
	}
	defer curator.Close()

	reader, err := newAgent(ctx, dir, "reader", relay, store.Seed{
		Affinities: map[string]float64{"ai": 0.9, "security": 0.6, "databases": 0.4},
	})
	if err != nil {
		return err
	}
	defer reader.Close()

	fmt.Println("Starting two agents on an in-memory relay...")
	if err := curator.Start(ctx); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	if err := reader.Start(ctx); err != nil {
		return err
	}

	// The curator has to see the reader's presence before it can make an offer.
	time.Sleep(200 * time.Millisecond)
	curator.Agent.Refresh()

	snap := waitForExchange(reader, 5*time.Second)
	fmt.Printf("Curator sent %d item(s), reader received %d.\n", curator.Agent.Snapshot().Sent, snap.Received)
	items, err := reader.Store.Items(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		fmt.Printf("  %.1f  %-10s %s\n", item.Scores.Composite, item.Topics[0], tui.Truncate(item.Text, 60, true))
	}
	fmt.Println("Launching TUI...")
	time.Sleep(time.Second)

	return tui.Run(reader.Agent)
}

// waitForExchange polls until the reader has received an item or the timeout passes.
func waitForExchange(n *node.Node, timeout time.Duration) contracts.Snapshot {
	deadline := time.Now().Add(timeout)
	for {
		snap := n.Agent.Snapshot()
		if snap.Received > 0 || time.Now().After(deadline) {
			return snap
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func newAgent(ctx context.Context, dir, name string, relay broker.Broker, seed store.Seed) (*node.Node, error) {
	cfg := config.Default()
	cfg.Transport = config.TransportMemory
	cfg.Relays = []string{"memory://demo"}
	cfg.KeyFile = filepath.Join(dir, name+".key")
	cfg.DiscoveryInterval = 5 * time.Second
	cfg.PresenceInterval = 30 * time.Second

	n, err := node.New(ctx, cfg, node.Options{Logger: logger.NewSilentLogger(), Broker: relay})
	if err != nil {
		return nil, err
	}
	if err := store.Apply(ctx, n.Store, seed); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func sampleFeed() store.Seed {
	now := time.Now()
	item := func(id, topic, text string, composite float64, age time.Duration) contracts.ContentItem {
		return contracts.ContentItem{
			ID:     id,
			Text:   text,
			Author: "demo",
			Scores: contracts.ScoreBreakdown{
				Originality: composite,
				Insight:     composite,
				Credibility: composite,
				Composite:   composite,
			},
			Verdict:   contracts.VerdictQuality,
			Topics:    []string{topic},
			Source:    "rss",
			CreatedAt: now.Add(-age),
		}
	}
	return store.Seed{
		Affinities: map[string]float64{"ai": 0.8, "security": 0.7, "databases": 0.5, "gardening": 0.2},
		Items: []contracts.ContentItem{
			item("demo-1", "ai", "Sparse attention at scale: what actually changed in long-context evals", 8.7, time.Hour),
			item("demo-2", "security", "Post-mortem of a supply chain compromise in a popular build plugin", 8.1, 2*time.Hour),
			item("demo-3", "databases", "Why our Postgres vacuum tuning halved p99 latency", 7.4, 3*time.Hour),
			item("demo-4", "gardening", "Companion planting myths, tested over three seasons", 9.0, 4*time.Hour),
		},
	}
}
