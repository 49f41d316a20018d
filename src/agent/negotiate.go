package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"d2a-agent/src/broker"
	"d2a-agent/src/contracts"
	"d2a-agent/src/handshake"
	"d2a-agent/src/metrics"
	"d2a-agent/src/presence"
	"d2a-agent/src/resonance"
	"d2a-agent/src/sanitize"
)

// broadcast publishes the full current presence record.
func (m *Manager) broadcast(ctx context.Context) {
	affinities, err := m.store.Affinities(ctx)
	if err != nil {
		m.tickFailed("presence", fmt.Errorf("failed to read affinities: %w", err))
		m.publish()
		return
	}

	nctx, cancel := m.withTimeout(ctx)
	err = m.presence.Broadcast(nctx, presence.Advert{
		Affinities: affinities,
		Capacity:   m.cfg.Capacity,
		LedgerID:   m.cfg.LedgerID,
	})
	cancel()
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		metrics.PresenceBroadcasts.WithLabelValues("failed").Inc()
		m.tickFailed("presence", err)
	} else {
		metrics.PresenceBroadcasts.WithLabelValues("ok").Inc()
		m.tickSucceeded()
		interests := resonance.HighAffinityTopics(affinities, contracts.MaxBroadcastTopics)
		m.record(contracts.ActivityPresence, "", "broadcast %d interests", len(interests))
	}
	m.publish()
}

// discover runs one discovery cycle: prune, query, merge, then offer.
func (m *Manager) discover(ctx context.Context) {
	now := m.now()
	for _, hs := range m.book.Prune(now, m.cfg.HandshakeTimeout) {
		metrics.HandshakesFinished.WithLabelValues("expired").Inc()
		m.logger.Debug("[Agent] Handshake with %s expired in phase %s", handshake.Short(hs.Peer), hs.Phase)
		m.record(contracts.ActivityExpired, hs.Peer, "handshake with %s expired while %s", handshake.Short(hs.Peer), hs.Phase)
	}

	affinities, err := m.store.Affinities(ctx)
	if err != nil {
		m.tickFailed("discovery", fmt.Errorf("failed to read affinities: %w", err))
		m.publish()
		return
	}

	nctx, cancel := m.withTimeout(ctx)
	found, err := m.presence.Discover(nctx, affinities)
	cancel()
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		metrics.DiscoveryCycles.WithLabelValues("failed").Inc()
		m.tickFailed("discovery", err)
	} else {
		metrics.DiscoveryCycles.WithLabelValues("ok").Inc()
		m.tickSucceeded()
		m.mergePeers(found)
		m.record(contracts.ActivityDiscovery, "", "discovered %d peers", len(found))
	}
	m.refreshPeers(affinities, now)
	metrics.KnownPeers.Set(float64(len(m.peers)))
	m.publish()

	if err == nil {
		m.offerAll(ctx)
	}
}

// mergePeers adds discovered profiles, keeping the newest record per identity.
func (m *Manager) mergePeers(found []contracts.AgentProfile) {
	for _, p := range found {
		if prev, ok := m.peers[p.Pubkey]; ok && prev.LastSeen.After(p.LastSeen) {
			continue
		}
		m.peers[p.Pubkey] = p
	}
}

// refreshPeers drops expired profiles and rescores the rest against current
// affinities.
func (m *Manager) refreshPeers(affinities map[string]float64, now time.Time) {
	for key, p := range m.peers {
		if now.Sub(p.LastSeen) > m.cfg.PeerExpiry {
			delete(m.peers, key)
			continue
		}
		p.Resonance = resonance.Compute(affinities, p.Interests)
		m.peers[key] = p
	}
}

// offerTargets lists peers that may receive a new offer, best first: resonance at or
// above threshold, capacity advertised, no handshake record, and no more than the
// free local capacity.
func offerTargets(peers map[string]contracts.AgentProfile, book *handshake.Book, threshold float64, capacity int) []contracts.AgentProfile {
	free := capacity - book.ActiveCount()
	if free <= 0 {
		return nil
	}
	candidates := make([]contracts.AgentProfile, 0, len(peers))
	for _, p := range peers {
		if p.Resonance < threshold || p.Capacity < 1 || book.Has(p.Pubkey) {
			continue
		}
		candidates = append(candidates, p)
	}
	candidates = resonance.Rank(candidates)
	if len(candidates) > free {
		candidates = candidates[:free]
	}
	return candidates
}

// offerAll sends an offer to every eligible peer that has offerable content.
func (m *Manager) offerAll(ctx context.Context) {
	targets := offerTargets(m.peers, m.book, m.cfg.ResonanceThreshold, m.cfg.Capacity)
	if len(targets) == 0 {
		return
	}
	items, err := m.store.Items(ctx)
	if err != nil {
		m.logger.Warn("[Agent] Failed to read local content: %v", err)
		return
	}

	for _, peer := range targets {
		if ctx.Err() != nil {
			return
		}
		item, topic, ok := handshake.SelectOffer(items, peer.Interests, m.cfg.MinOfferScore)
		if !ok {
			continue
		}
		m.sendOffer(ctx, peer, item, topic)
	}
}

func (m *Manager) sendOffer(ctx context.Context, peer contracts.AgentProfile, item contracts.ContentItem, topic string) {
	offer := contracts.Offer{
		Topic:          topic,
		Score:          item.Scores.Composite,
		ContentPreview: handshake.Preview(item.Text),
	}
	if err := m.send(ctx, peer.Pubkey, offer); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("[Agent] Offer to %s failed: %v", handshake.Short(peer.Pubkey), err)
		m.record(contracts.ActivityError, peer.Pubkey, "offer to %s failed", handshake.Short(peer.Pubkey))
		m.publish()
		return
	}
	if ctx.Err() != nil {
		return
	}

	if err := m.book.Open(peer.Pubkey, contracts.PhaseOffered, topic, offer.Score, m.now()); err != nil {
		m.logger.Debug("[Agent] Not recording offer to %s: %v", handshake.Short(peer.Pubkey), err)
		return
	}
	m.logger.Info("[Agent] Offered '%s' (%.1f) to %s (resonance %.2f)", topic, offer.Score, handshake.Short(peer.Pubkey), peer.Resonance)
	m.record(contracts.ActivityOfferSent, peer.Pubkey, "offered %q (%.1f) to %s", topic, offer.Score, handshake.Short(peer.Pubkey))
	m.publish()
}

// send seals msg for peer and publishes it. It fails only if no relay accepted it.
func (m *Manager) send(ctx context.Context, peer string, msg contracts.Message) error {
	ev, err := m.codec.Seal(peer, msg, m.now())
	if err != nil {
		return err
	}
	nctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := broker.Err(m.broker.Publish(nctx, ev, m.cfg.Relays)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Kind(), err)
	}
	metrics.MessagesSent.WithLabelValues(string(msg.Kind())).Inc()
	return nil
}

// onOffer is the responder's decision. The decision is recorded only once the reply
// reached at least one relay.
func (m *Manager) onOffer(ctx context.Context, peer string, offer contracts.Offer) {
	if m.book.Active(peer) {
		metrics.MessagesDropped.WithLabelValues("unexpected").Inc()
		m.logger.Debug("[Agent] Ignoring offer from %s: handshake already active", handshake.Short(peer))
		return
	}

	affinities, err := m.store.Affinities(ctx)
	if err != nil {
		m.logger.Warn("[Agent] Cannot evaluate offer from %s: %v", handshake.Short(peer), err)
		return
	}

	topic := sanitize.Line(offer.Topic)
	offer.Topic = topic
	m.record(contracts.ActivityOfferReceived, peer, "%s offered %q (%.1f)", handshake.Short(peer), topic, offer.Score)

	// A delivery is only kept from a sender with a known, resonant profile, so decide
	// trust now rather than accepting content that would be discarded.
	trusted := m.senderTrust(ctx, peer, affinities) >= contracts.LowTrustFloor
	if !trusted {
		m.logger.Info("[Agent] No trusted presence record for %s, rejecting its offer", handshake.Short(peer))
	}
	accept := trusted && handshake.ShouldAccept(affinities, offer)
	var reply contracts.Message = contracts.Reject{}
	phase := contracts.PhaseRejected
	if accept {
		reply = contracts.Accept{}
		phase = contracts.PhaseAccepted
	}

	if err := m.send(ctx, peer, reply); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("[Agent] Reply to %s failed: %v", handshake.Short(peer), err)
		m.record(contracts.ActivityError, peer, "%s reply to %s failed", reply.Kind(), handshake.Short(peer))
		return
	}
	if ctx.Err() != nil {
		return
	}

	if err := m.book.Open(peer, phase, topic, offer.Score, m.now()); err != nil {
		return
	}
	if accept {
		m.logger.Info("[Agent] Accepted %q from %s", topic, handshake.Short(peer))
		m.record(contracts.ActivityAccepted, peer, "accepted %q from %s", topic, handshake.Short(peer))
	} else {
		metrics.HandshakesFinished.WithLabelValues("rejected").Inc()
		m.logger.Info("[Agent] Rejected %q (%.1f) from %s", topic, offer.Score, handshake.Short(peer))
		m.record(contracts.ActivityRejected, peer, "rejected %q from %s", topic, handshake.Short(peer))
	}
}

// senderTrust returns the sender's resonance. A sender missing from the peer map,
// e.g. one that joined after the last discovery cycle, is looked up directly and
// merged. Unknown senders score 0.
func (m *Manager) senderTrust(ctx context.Context, peer string, affinities map[string]float64) float64 {
	if p, ok := m.peers[peer]; ok {
		return resonance.Compute(affinities, p.Interests)
	}

	nctx, cancel := m.withTimeout(ctx)
	profile, found, err := m.presence.Lookup(nctx, peer, affinities)
	cancel()
	if err != nil {
		m.logger.Warn("[Agent] Presence lookup for %s failed: %v", handshake.Short(peer), err)
		return 0
	}
	if !found {
		return 0
	}
	m.mergePeers([]contracts.AgentProfile{profile})
	metrics.KnownPeers.Set(float64(len(m.peers)))
	m.logger.Debug("[Agent] Looked up presence of %s (resonance %.2f)", handshake.Short(peer), profile.Resonance)
	return profile.Resonance
}

// onAccept delivers the offered item. Accepts outside phase offered are no-ops.
func (m *Manager) onAccept(ctx context.Context, peer string) {
	hs, _ := m.book.Get(peer)
	if !m.book.BeginDelivery(peer) {
		metrics.MessagesDropped.WithLabelValues("unexpected").Inc()
		m.logger.Debug("[Agent] Ignoring accept from %s", handshake.Short(peer))
		return
	}
	m.record(contracts.ActivityAccepted, peer, "%s accepted %q", handshake.Short(peer), hs.Topic)

	items, err := m.store.Items(ctx)
	if err != nil {
		m.abort(peer, fmt.Sprintf("failed to read local content: %v", err))
		return
	}
	item, ok := handshake.SelectDelivery(items, hs.Topic, hs.Score)
	if !ok {
		m.abort(peer, fmt.Sprintf("no content left for %q", hs.Topic))
		return
	}

	if err := m.send(ctx, peer, contracts.DeliverFromItem(item)); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("[Agent] Delivery to %s failed: %v", handshake.Short(peer), err)
		m.abort(peer, "delivery failed")
		return
	}
	if ctx.Err() != nil {
		return
	}

	m.book.Complete(peer, m.now())
	m.sent++
	metrics.ItemsSent.Inc()
	metrics.HandshakesFinished.WithLabelValues("completed").Inc()
	m.logger.Info("[Agent] Delivered %q (%.1f) to %s", hs.Topic, item.Scores.Composite, handshake.Short(peer))
	m.record(contracts.ActivityDelivered, peer, "delivered %q to %s", hs.Topic, handshake.Short(peer))
}

// abort ends a local handshake without notifying the peer, which times out on its own.
func (m *Manager) abort(peer, reason string) {
	if !m.book.Reject(peer, m.now()) {
		return
	}
	metrics.HandshakesFinished.WithLabelValues("rejected").Inc()
	m.logger.Info("[Agent] Aborted handshake with %s: %s", handshake.Short(peer), reason)
	m.record(contracts.ActivityRejected, peer, "aborted with %s: %s", handshake.Short(peer), reason)
}

func (m *Manager) onReject(peer string) {
	if !m.book.Reject(peer, m.now()) {
		metrics.MessagesDropped.WithLabelValues("unexpected").Inc()
		m.logger.Debug("[Agent] Ignoring reject from %s", handshake.Short(peer))
		return
	}
	metrics.HandshakesFinished.WithLabelValues("rejected").Inc()
	m.logger.Info("[Agent] %s rejected the handshake", handshake.Short(peer))
	m.record(contracts.ActivityRejected, peer, "%s rejected", handshake.Short(peer))
}

// onDeliver stores the received item after re-checking trust in the sender.
func (m *Manager) onDeliver(ctx context.Context, peer string, d contracts.Deliver) {
	hs, ok := m.book.Get(peer)
	if !ok || hs.Phase != contracts.PhaseAccepted {
		metrics.MessagesDropped.WithLabelValues("unexpected").Inc()
		m.logger.Debug("[Agent] Ignoring deliver from %s", handshake.Short(peer))
		return
	}

	affinities, err := m.store.Affinities(ctx)
	if err != nil {
		m.logger.Warn("[Agent] Cannot evaluate delivery from %s: %v", handshake.Short(peer), err)
		return
	}
	profile, known := m.peers[peer]
	trust := 0.0
	if known {
		trust = resonance.Compute(affinities, profile.Interests)
	}
	if trust < contracts.LowTrustFloor {
		metrics.MessagesDropped.WithLabelValues("untrusted").Inc()
		m.book.Reject(peer, m.now())
		m.logger.Warn("[Agent] Discarded delivery from %s (resonance %.2f)", handshake.Short(peer), trust)
		m.record(contracts.ActivityDiscarded, peer, "discarded delivery from %s", handshake.Short(peer))
		return
	}

	now := m.now()
	item := contracts.ContentItem{
		ID:        uuid.NewString(),
		Text:      sanitize.Clean(d.Text),
		Author:    sanitize.Line(d.Author),
		Scores:    d.ScoreBreakdown,
		Verdict:   d.Verdict,
		Topics:    cleanTopics(d.Topics),
		VSignal:   d.VSignal,
		CContext:  d.CContext,
		LSlop:     d.LSlop,
		Source:    contracts.SourcePeerExchange,
		FromPeer:  peer,
		CreatedAt: now,
	}
	if err := m.store.AddItem(ctx, item); err != nil {
		m.logger.Error("[Agent] Failed to store item from %s: %v", handshake.Short(peer), err)
		m.abort(peer, "feed sink rejected the item")
		return
	}

	m.book.Complete(peer, now)
	m.received++
	metrics.ItemsReceived.Inc()
	metrics.HandshakesFinished.WithLabelValues("completed").Inc()
	m.logger.Info("[Agent] Received %q (%.1f) from %s", hs.Topic, item.Scores.Composite, handshake.Short(peer))
	m.record(contracts.ActivityReceived, peer, "received %q from %s", hs.Topic, handshake.Short(peer))

	if profile.LedgerID != "" {
		m.settle(ctx, profile, hs, item)
	}
}

func cleanTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t = sanitize.Line(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
