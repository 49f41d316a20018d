// Package store defines the interface for the local preference snapshot and feed sink.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"d2a-agent/src/contracts"
)

// ErrInvalidAffinity is returned for weights outside 0..1.
var ErrInvalidAffinity = errors.New("affinity weight must be between 0 and 1")

// Store holds the local user's topic affinities and content feed. The agent reads
// affinities and items, and writes received items back through AddItem.
type Store interface {
	// Affinities returns a snapshot of topic -> weight (0..1).
	Affinities(ctx context.Context) (map[string]float64, error)

	// SetAffinity sets the weight for a topic.
	SetAffinity(ctx context.Context, topic string, weight float64) error

	// Items returns the feed, newest first.
	Items(ctx context.Context) ([]contracts.ContentItem, error)

	// AddItem appends an item to the feed.
	AddItem(ctx context.Context, item contracts.ContentItem) error

	// Close closes the store connection
	Close() error
}

// Seed is the on-disk format for bootstrapping a store with preferences and content.
type Seed struct {
	Affinities map[string]float64      `json:"affinities"`
	Items      []contracts.ContentItem `json:"items"`
}

// LoadSeed reads a seed file and writes its contents into s.
func LoadSeed(ctx context.Context, s Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return Apply(ctx, s, seed)
}

// Apply writes seed into s.
func Apply(ctx context.Context, s Store, seed Seed) error {
	for topic, weight := range seed.Affinities {
		if err := s.SetAffinity(ctx, topic, weight); err != nil {
			return err
		}
	}
	for _, item := range seed.Items {
		if err := s.AddItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func checkAffinity(topic string, weight float64) error {
	if topic == "" {
		return errors.New("affinity topic must not be empty")
	}
	if weight < 0 || weight > 1 || weight != weight {
		return fmt.Errorf("%w: %s=%v", ErrInvalidAffinity, topic, weight)
	}
	return nil
}
