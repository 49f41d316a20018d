// Package resonance scores topical compatibility between the local agent and its
// peers. Every function here is pure: no state, no I/O.
package resonance

import (
	"sort"

	"d2a-agent/src/contracts"
)

// Compute returns the Jaccard similarity between the local high-affinity topics
// (weight >= contracts.HighAffinity) and the peer's interests. If either set is
// empty the result is 0.
func Compute(affinities map[string]float64, interests []string) float64 {
	local := make(map[string]struct{})
	for topic, weight := range affinities {
		if weight >= contracts.HighAffinity {
			local[topic] = struct{}{}
		}
	}
	peer := make(map[string]struct{}, len(interests))
	for _, topic := range interests {
		if topic != "" {
			peer[topic] = struct{}{}
		}
	}
	return Jaccard(local, peer)
}

// Jaccard returns |a∩b| / |a∪b|, or 0 when either set is empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for topic := range a {
		if _, ok := b[topic]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}

// HighAffinityTopics returns the topics with weight >= contracts.HighAffinity,
// heaviest first (ties by name), capped at limit. A limit <= 0 means no cap.
func HighAffinityTopics(affinities map[string]float64, limit int) []string {
	type weighted struct {
		topic  string
		weight float64
	}
	var ws []weighted
	for topic, weight := range affinities {
		if topic != "" && weight >= contracts.HighAffinity {
			ws = append(ws, weighted{topic, weight})
		}
	}
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].weight != ws[j].weight {
			return ws[i].weight > ws[j].weight
		}
		return ws[i].topic < ws[j].topic
	})
	if limit > 0 && len(ws) > limit {
		ws = ws[:limit]
	}

	topics := make([]string, len(ws))
	for i, w := range ws {
		topics[i] = w.topic
	}
	return topics
}

// Overlap returns the topics of a that also appear in b, in a's order.
func Overlap(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	var out []string
	for _, t := range a {
		if _, ok := set[t]; ok {
			out = append(out, t)
			delete(set, t)
		}
	}
	return out
}

// Rank sorts profiles by resonance descending, ties broken by pubkey so the order
// is stable across polls. The input slice is not modified.
func Rank(peers []contracts.AgentProfile) []contracts.AgentProfile {
	sorted := make([]contracts.AgentProfile, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Resonance != sorted[j].Resonance {
			return sorted[i].Resonance > sorted[j].Resonance
		}
		return sorted[i].Pubkey < sorted[j].Pubkey
	})
	return sorted
}
