package presence

import (
	"context"
	"fmt"
	"time"

	"d2a-agent/src/broker"
	"d2a-agent/src/contracts"
	"d2a-agent/src/crypto"
	"d2a-agent/src/event"
	"d2a-agent/src/logger"
	"d2a-agent/src/resonance"
)

// Config controls broadcast and discovery.
type Config struct {
	Relays             []string
	ResonanceThreshold float64
	PeerExpiry         time.Duration
}

// Service broadcasts the local record and discovers peers over a broker.
type Service struct {
	broker broker.Broker
	keys   crypto.Keypair
	cfg    Config
	log    logger.Logger
	now    func() time.Time
}

// NewService creates a presence service. now may be nil to use time.Now.
func NewService(b broker.Broker, keys crypto.Keypair, cfg Config, log logger.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{broker: b, keys: keys, cfg: cfg, log: log, now: now}
}

// Broadcast publishes the full current advert. It fails only if no relay accepted it.
func (s *Service) Broadcast(ctx context.Context, ad Advert) error {
	ev, err := BuildRecord(s.keys, ad, s.now())
	if err != nil {
		return err
	}
	results := s.broker.Publish(ctx, ev, s.cfg.Relays)
	if err := broker.Err(results); err != nil {
		return fmt.Errorf("failed to broadcast presence: %w", err)
	}
	s.log.Debug("[Presence] Broadcast %d interests to %d relays", len(ev.Tags.Values(contracts.TagInterest)), len(s.cfg.Relays))
	return nil
}

// Discover queries recent presence records and returns peers at or above the
// resonance threshold, best first. Malformed records and the local identity are
// skipped. On a transport failure it returns an empty list and the error.
func (s *Service) Discover(ctx context.Context, affinities map[string]float64) ([]contracts.AgentProfile, error) {
	filter := event.Filter{
		Kinds: []int{contracts.KindPresence},
		Tags:  map[string][]string{contracts.TagDiscriminator: {contracts.PresenceDiscriminator}},
		Since: s.now().Add(-s.cfg.PeerExpiry).Unix(),
	}
	events, err := s.broker.Query(ctx, filter, s.cfg.Relays)
	if err != nil {
		return []contracts.AgentProfile{}, fmt.Errorf("failed to query presence: %w", err)
	}
	return s.Rank(events, affinities), nil
}

// Lookup fetches the newest valid presence record of one identity, scored against
// affinities but not filtered by the threshold. found is false when the identity
// has no valid record within the expiry window.
func (s *Service) Lookup(ctx context.Context, pubkey string, affinities map[string]float64) (profile contracts.AgentProfile, found bool, err error) {
	filter := event.Filter{
		Kinds:   []int{contracts.KindPresence},
		Authors: []string{pubkey},
		Tags:    map[string][]string{contracts.TagDiscriminator: {contracts.PresenceDiscriminator}},
		Since:   s.now().Add(-s.cfg.PeerExpiry).Unix(),
	}
	events, err := s.broker.Query(ctx, filter, s.cfg.Relays)
	if err != nil {
		return contracts.AgentProfile{}, false, fmt.Errorf("failed to query presence of %s: %w", pubkey, err)
	}
	profile, found = s.latest(events)[pubkey]
	if found {
		profile.Resonance = resonance.Compute(affinities, profile.Interests)
	}
	return profile, found, nil
}

// Rank turns raw presence events into scored, de-duplicated, threshold-filtered peers.
func (s *Service) Rank(events []event.Event, affinities map[string]float64) []contracts.AgentProfile {
	latest := s.latest(events)
	peers := make([]contracts.AgentProfile, 0, len(latest))
	for _, p := range latest {
		p.Resonance = resonance.Compute(affinities, p.Interests)
		if p.Resonance < s.cfg.ResonanceThreshold {
			continue
		}
		peers = append(peers, p)
	}
	return resonance.Rank(peers)
}

// latest parses events into profiles, keeping the newest valid record per identity.
// The local identity and malformed records are skipped.
func (s *Service) latest(events []event.Event) map[string]contracts.AgentProfile {
	self := s.keys.Pubkey()
	latest := make(map[string]contracts.AgentProfile)
	skipped := 0

	for _, ev := range events {
		if ev.Pubkey == self {
			continue
		}
		profile, err := ParseProfile(ev)
		if err != nil {
			skipped++
			s.log.Debug("[Presence] Skipping record %s: %v", ev.ID, err)
			continue
		}
		if prev, ok := latest[profile.Pubkey]; ok && !profile.LastSeen.After(prev.LastSeen) {
			continue
		}
		latest[profile.Pubkey] = profile
	}
	if skipped > 0 {
		s.log.Warn("[Presence] Skipped %d malformed presence records", skipped)
	}
	return latest
}
