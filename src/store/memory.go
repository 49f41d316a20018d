package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"d2a-agent/src/contracts"
)

// MemoryStore is an in-memory implementation of Store.
// Used for tests, demos and nodes without a database.
type MemoryStore struct {
	mu         sync.RWMutex
	affinities map[string]float64
	items      []contracts.ContentItem

	failAdds bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		affinities: make(map[string]float64),
	}
}

// SetFailAdds makes AddItem fail, for exercising feed sink errors.
func (s *MemoryStore) SetFailAdds(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAdds = fail
}

// Affinities returns a copy of the affinity map.
func (s *MemoryStore) Affinities(ctx context.Context) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(s.affinities))
	for topic, weight := range s.affinities {
		out[topic] = weight
	}
	return out, nil
}

// SetAffinity sets the weight for a topic.
func (s *MemoryStore) SetAffinity(ctx context.Context, topic string, weight float64) error {
	if err := checkAffinity(topic, weight); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.affinities[topic] = weight
	return nil
}

// Items returns a copy of the feed, newest first.
func (s *MemoryStore) Items(ctx context.Context) ([]contracts.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]contracts.ContentItem, len(s.items))
	copy(result, s.items)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// AddItem appends an item to the feed.
func (s *MemoryStore) AddItem(ctx context.Context, item contracts.ContentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAdds {
		return errors.New("memory store: writes disabled")
	}
	item.Topics = append([]string(nil), item.Topics...)
	s.items = append(s.items, item)
	return nil
}

// Close closes the store (no-op for memory store).
func (s *MemoryStore) Close() error {
	return nil
}
