// Package presence publishes the agent's signed interest record and discovers peers
// from the records other agents publish.
package presence

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"d2a-agent/src/contracts"
	"d2a-agent/src/crypto"
	"d2a-agent/src/event"
	"d2a-agent/src/resonance"
)

// ErrMalformedRecord is wrapped by every ParseProfile failure.
var ErrMalformedRecord = errors.New("malformed presence record")

// Advert is the local state a presence record announces.
type Advert struct {
	Affinities map[string]float64
	Capacity   int
	LedgerID   string
}

// BuildRecord returns the signed replaceable presence event for the advert. It always
// carries the full current state.
func BuildRecord(keys crypto.Keypair, ad Advert, now time.Time) (event.Event, error) {
	tags := event.Tags{{contracts.TagDiscriminator, contracts.PresenceDiscriminator}}
	for _, topic := range resonance.HighAffinityTopics(ad.Affinities, contracts.MaxBroadcastTopics) {
		tags = append(tags, event.Tag{contracts.TagInterest, topic})
	}
	tags = append(tags, event.Tag{contracts.TagCapacity, strconv.Itoa(ad.Capacity)})
	if ad.LedgerID != "" {
		tags = append(tags, event.Tag{contracts.TagLedger, ad.LedgerID})
	}

	ev := event.Event{
		CreatedAt: now.Unix(),
		Kind:      contracts.KindPresence,
		Tags:      tags,
	}
	if err := ev.Sign(keys.Private); err != nil {
		return event.Event{}, fmt.Errorf("failed to sign presence record: %w", err)
	}
	return ev, nil
}

// ParseProfile extracts a peer profile from a presence event. Resonance is left at
// zero for the caller to compute. A missing capacity tag falls back to the default;
// a capacity that is present but not a non-negative integer is malformed.
func ParseProfile(ev event.Event) (contracts.AgentProfile, error) {
	if ev.Kind != contracts.KindPresence {
		return contracts.AgentProfile{}, fmt.Errorf("%w: kind %d", ErrMalformedRecord, ev.Kind)
	}
	if d, _ := ev.Tags.Value(contracts.TagDiscriminator); d != contracts.PresenceDiscriminator {
		return contracts.AgentProfile{}, fmt.Errorf("%w: missing discriminator", ErrMalformedRecord)
	}
	if err := ev.Verify(); err != nil {
		return contracts.AgentProfile{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	capacity := contracts.DefaultCapacity
	if raw, ok := ev.Tags.Value(contracts.TagCapacity); ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return contracts.AgentProfile{}, fmt.Errorf("%w: capacity %q", ErrMalformedRecord, raw)
		}
		capacity = n
	}

	seen := make(map[string]struct{})
	var interests []string
	for _, topic := range ev.Tags.Values(contracts.TagInterest) {
		if topic == "" {
			continue
		}
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		interests = append(interests, topic)
		if len(interests) == contracts.MaxBroadcastTopics {
			break
		}
	}

	ledgerID, _ := ev.Tags.Value(contracts.TagLedger)

	return contracts.AgentProfile{
		Pubkey:    ev.Pubkey,
		LedgerID:  ledgerID,
		Interests: interests,
		Capacity:  capacity,
		LastSeen:  time.Unix(ev.CreatedAt, 0),
	}, nil
}
