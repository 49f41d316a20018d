// Package handshake implements the per-peer negotiation state machine
//
//	offered -> accepted -> delivering -> completed
//	offered -> rejected, accepted -> rejected
//
// and the sealing of negotiation messages into encrypted relay events.
package handshake

import (
	"errors"
	"sort"
	"time"

	"d2a-agent/src/contracts"
)

// ErrActiveHandshake is returned when a peer already has a non-terminal handshake.
var ErrActiveHandshake = errors.New("peer has an active handshake")

// Book is the handshake table, keyed by peer pubkey. It is not safe for concurrent
// use; the agent's event loop owns it.
type Book struct {
	entries map[string]*contracts.HandshakeState
}

// NewBook returns an empty table.
func NewBook() *Book {
	return &Book{entries: make(map[string]*contracts.HandshakeState)}
}

// Get returns a copy of the record for peer.
func (b *Book) Get(peer string) (contracts.HandshakeState, bool) {
	hs, ok := b.entries[peer]
	if !ok {
		return contracts.HandshakeState{}, false
	}
	return copyState(hs), true
}

// Has reports whether any record, terminal or not, exists for peer.
func (b *Book) Has(peer string) bool {
	_, ok := b.entries[peer]
	return ok
}

// Active reports whether peer has a non-terminal handshake.
func (b *Book) Active(peer string) bool {
	hs, ok := b.entries[peer]
	return ok && !hs.Phase.Terminal()
}

// ActiveCount returns the number of non-terminal handshakes.
func (b *Book) ActiveCount() int {
	n := 0
	for _, hs := range b.entries {
		if !hs.Phase.Terminal() {
			n++
		}
	}
	return n
}

// Open records a new handshake in phase offered (initiator) or in the responder's
// decision phase. It refuses to replace a non-terminal record.
func (b *Book) Open(peer string, phase contracts.Phase, topic string, score float64, now time.Time) error {
	if b.Active(peer) {
		return ErrActiveHandshake
	}
	hs := &contracts.HandshakeState{
		Peer:      peer,
		Phase:     phase,
		Topic:     topic,
		Score:     score,
		StartedAt: now,
	}
	if phase.Terminal() {
		completed := now
		hs.CompletedAt = &completed
	}
	b.entries[peer] = hs
	return nil
}

// BeginDelivery moves offered -> delivering. It reports false for any other phase,
// which makes duplicate or late accepts no-ops.
func (b *Book) BeginDelivery(peer string) bool {
	hs, ok := b.entries[peer]
	if !ok || hs.Phase != contracts.PhaseOffered {
		return false
	}
	hs.Phase = contracts.PhaseDelivering
	return true
}

// Complete moves delivering (initiator) or accepted (responder) -> completed.
func (b *Book) Complete(peer string, now time.Time) bool {
	hs, ok := b.entries[peer]
	if !ok || (hs.Phase != contracts.PhaseDelivering && hs.Phase != contracts.PhaseAccepted) {
		return false
	}
	hs.Phase = contracts.PhaseCompleted
	hs.CompletedAt = &now
	return true
}

// Reject moves any non-terminal phase -> rejected.
func (b *Book) Reject(peer string, now time.Time) bool {
	hs, ok := b.entries[peer]
	if !ok || hs.Phase.Terminal() {
		return false
	}
	hs.Phase = contracts.PhaseRejected
	hs.CompletedAt = &now
	return true
}

// Prune removes terminal records and non-terminal records older than timeout.
// It returns the expired non-terminal records.
func (b *Book) Prune(now time.Time, timeout time.Duration) []contracts.HandshakeState {
	var expired []contracts.HandshakeState
	for peer, hs := range b.entries {
		switch {
		case hs.Phase.Terminal():
			delete(b.entries, peer)
		case now.Sub(hs.StartedAt) > timeout:
			expired = append(expired, copyState(hs))
			delete(b.entries, peer)
		}
	}
	return expired
}

// List returns copies of every record, oldest first.
func (b *Book) List() []contracts.HandshakeState {
	out := make([]contracts.HandshakeState, 0, len(b.entries))
	for _, hs := range b.entries {
		out = append(out, copyState(hs))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].Peer < out[j].Peer
	})
	return out
}

func copyState(hs *contracts.HandshakeState) contracts.HandshakeState {
	c := *hs
	if hs.CompletedAt != nil {
		t := *hs.CompletedAt
		c.CompletedAt = &t
	}
	return c
}
