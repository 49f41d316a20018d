package handshake

import (
	"d2a-agent/src/contracts"
	"d2a-agent/src/resonance"
)

// SelectOffer picks the highest scoring quality item with composite >= minScore whose
// topics overlap the peer's interests. The offered topic is the item's first
// overlapping topic.
func SelectOffer(items []contracts.ContentItem, interests []string, minScore float64) (contracts.ContentItem, string, bool) {
	var (
		best  contracts.ContentItem
		topic string
		found bool
	)
	for _, item := range items {
		if item.Verdict != contracts.VerdictQuality || item.Scores.Composite < minScore {
			continue
		}
		shared := resonance.Overlap(item.Topics, interests)
		if len(shared) == 0 {
			continue
		}
		if !found || item.Scores.Composite > best.Scores.Composite {
			best, topic, found = item, shared[0], true
		}
	}
	return best, topic, found
}

// SelectDelivery finds the item to deliver after an accept: a quality item on topic
// scoring no worse than offered - DeliverSlack. Local content may have changed since
// the offer, so this re-searches rather than trusting the offer.
func SelectDelivery(items []contracts.ContentItem, topic string, offered float64) (contracts.ContentItem, bool) {
	floor := offered - contracts.DeliverSlack
	var (
		best  contracts.ContentItem
		found bool
	)
	for _, item := range items {
		if item.Verdict != contracts.VerdictQuality || !item.HasTopic(topic) || item.Scores.Composite < floor {
			continue
		}
		if !found || item.Scores.Composite > best.Scores.Composite {
			best, found = item, true
		}
	}
	return best, found
}

// ShouldAccept is the responder's decision: local affinity for the topic must be
// positive and the offered score must reach the quality floor.
func ShouldAccept(affinities map[string]float64, offer contracts.Offer) bool {
	return affinities[offer.Topic] > 0 && offer.Score >= contracts.QualityFloor
}

// Preview truncates text to contracts.PreviewLength runes.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= contracts.PreviewLength {
		return text
	}
	return string(runes[:contracts.PreviewLength])
}
