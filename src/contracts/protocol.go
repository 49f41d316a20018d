// Package contracts defines the wire messages, shared records and protocol constants
// exchanged between D2A agents.
package contracts

import "time"

// Event kinds used on the relay network.
const (
	// KindPresence is a parameterized replaceable event: relays keep only the newest
	// record per (pubkey, kind, d tag).
	KindPresence = 30078

	// KindMessage carries one encrypted negotiation message. Relays do not store it.
	KindMessage = 21078
)

// Tag names used in presence records and negotiation envelopes.
const (
	TagDiscriminator = "d"
	TagInterest      = "interest"
	TagCapacity      = "capacity"
	TagLedger        = "ledger"
	TagRecipient     = "p"
	TagMessageKind   = "d2a"

	// PresenceDiscriminator is the d tag value every presence record carries.
	PresenceDiscriminator = "d2a-presence"
)

// Scoring thresholds.
const (
	// HighAffinity is the minimum local weight for a topic to count as an interest.
	HighAffinity = 0.3

	// MaxBroadcastTopics bounds the interest list of a presence record.
	MaxBroadcastTopics = 20

	DefaultResonanceThreshold = 0.3
	DefaultMinOfferScore      = 7.0

	// QualityFloor is the lowest offered score a responder accepts.
	QualityFloor = 6.0

	// DeliverSlack is how far below the offered score a delivered item may fall.
	DeliverSlack = 0.5

	// LowTrustFloor is the resonance below which a delivered payload is discarded.
	LowTrustFloor = 0.1

	MaxScore = 10.0
)

// Timing defaults.
const (
	DefaultPresenceInterval  = 5 * time.Minute
	DefaultDiscoveryInterval = 60 * time.Second
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultPeerExpiry        = 15 * time.Minute
	DefaultNetworkTimeout    = 10 * time.Second
)

// Bookkeeping limits.
const (
	DefaultCapacity    = 5
	ActivityLogSize    = 50
	PreviewLength      = 120
	SeenEventCacheSize = 4096
)

// SourcePeerExchange marks feed items that arrived from another agent.
const SourcePeerExchange = "peer-exchange"

// DefaultRelays is the relay list used when none is configured.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}
