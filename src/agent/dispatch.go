package agent

import (
	"context"

	"d2a-agent/src/contracts"
	"d2a-agent/src/event"
	"d2a-agent/src/handshake"
	"d2a-agent/src/metrics"
)

// handleEvent validates one inbound envelope and routes it to its handler. Replays
// of an already processed event are dropped before decryption. Events are marked
// seen only after they verify, so a forged copy cannot shadow the real one.
func (m *Manager) handleEvent(ctx context.Context, ev event.Event) {
	if m.seen.Contains(ev.ID) {
		metrics.MessagesDropped.WithLabelValues("duplicate").Inc()
		return
	}
	if ev.Pubkey == m.keys.Pubkey() {
		return
	}

	msg, err := m.codec.Open(ev)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("invalid").Inc()
		m.logger.Warn("[Agent] Dropping message from %s: %v", handshake.Short(ev.Pubkey), err)
		return
	}
	m.seen.Add(ev.ID, struct{}{})
	metrics.MessagesReceived.WithLabelValues(string(msg.Kind())).Inc()

	peer := ev.Pubkey
	switch msg := msg.(type) {
	case contracts.Offer:
		m.onOffer(ctx, peer, msg)
	case contracts.Accept:
		m.onAccept(ctx, peer)
	case contracts.Reject:
		m.onReject(peer)
	case contracts.Deliver:
		m.onDeliver(ctx, peer, msg)
	}
	m.publish()
}
