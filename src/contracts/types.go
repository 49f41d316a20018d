package contracts

import "time"

// AgentProfile is a peer record derived from a discovered presence broadcast.
type AgentProfile struct {
	// Hex encoded ed25519 public key. Opaque identity.
	Pubkey string `json:"pubkey"`
	// Optional settlement identity on the external ledger.
	LedgerID string `json:"ledger_id,omitempty"`
	// Advertised interest topics, at most MaxBroadcastTopics.
	Interests []string `json:"interests"`
	// Advertised concurrent-exchange budget.
	Capacity int `json:"capacity"`
	// created_at of the newest presence record seen for this identity.
	LastSeen time.Time `json:"last_seen"`
	// Computed locally by discovery, never broadcast.
	Resonance float64 `json:"resonance"`
}

// Phase is the state of a handshake.
type Phase string

const (
	PhaseOffered    Phase = "offered"
	PhaseAccepted   Phase = "accepted"
	PhaseDelivering Phase = "delivering"
	PhaseCompleted  Phase = "completed"
	PhaseRejected   Phase = "rejected"
)

// Terminal reports whether no further transition can leave the phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseRejected
}

// HandshakeState is the local record of one negotiation with a peer.
type HandshakeState struct {
	Peer        string     `json:"peer"`
	Phase       Phase      `json:"phase"`
	Topic       string     `json:"topic"`
	Score       float64    `json:"score"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Verdict is the binary quality judgement attached to a content item.
type Verdict string

const (
	VerdictQuality Verdict = "quality"
	VerdictSlop    Verdict = "slop"
)

// ScoreBreakdown holds the three scoring axes and their composite, each 0..10.
type ScoreBreakdown struct {
	Originality float64 `json:"originality"`
	Insight     float64 `json:"insight"`
	Credibility float64 `json:"credibility"`
	Composite   float64 `json:"composite"`
}

// ContentItem is the unit moved by a deliver message.
type ContentItem struct {
	ID      string         `json:"id"`
	Text    string         `json:"text"`
	Author  string         `json:"author"`
	Scores  ScoreBreakdown `json:"scores"`
	Verdict Verdict        `json:"verdict"`
	Topics  []string       `json:"topics"`

	// Optional sub-scores from the scoring pipeline.
	VSignal  *float64 `json:"v_signal,omitempty"`
	CContext *float64 `json:"c_context,omitempty"`
	LSlop    *float64 `json:"l_slop,omitempty"`

	// Feed source, e.g. "rss" or SourcePeerExchange.
	Source string `json:"source"`
	// Sender pubkey for peer-exchange items.
	FromPeer  string    `json:"from_peer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasTopic reports whether the item is tagged with topic.
func (c ContentItem) HasTopic(topic string) bool {
	for _, t := range c.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ActivityKind classifies an activity log entry.
type ActivityKind string

const (
	ActivityPresence         ActivityKind = "presence"
	ActivityDiscovery        ActivityKind = "discovery"
	ActivityOfferSent        ActivityKind = "offer_sent"
	ActivityOfferReceived    ActivityKind = "offer_received"
	ActivityAccepted         ActivityKind = "accepted"
	ActivityRejected         ActivityKind = "rejected"
	ActivityDelivered        ActivityKind = "delivered"
	ActivityReceived         ActivityKind = "received"
	ActivityDiscarded        ActivityKind = "discarded"
	ActivityExpired          ActivityKind = "expired"
	ActivitySettled          ActivityKind = "settled"
	ActivitySettlementFailed ActivityKind = "settlement_failed"
	ActivityError            ActivityKind = "error"
)

// ActivityEntry is one diagnostic record in the bounded activity log.
type ActivityEntry struct {
	At      time.Time    `json:"at"`
	Kind    ActivityKind `json:"kind"`
	Peer    string       `json:"peer,omitempty"`
	Message string       `json:"message"`
}

// Notice is a soft notification for the host application, currently raised only
// for settlement failures.
type Notice struct {
	At      time.Time `json:"at"`
	Peer    string    `json:"peer"`
	Message string    `json:"message"`
}

// Snapshot is an immutable point-in-time view of an agent.
type Snapshot struct {
	Active            bool             `json:"active"`
	Pubkey            string           `json:"pubkey"`
	Peers             []AgentProfile   `json:"peers"`
	Handshakes        []HandshakeState `json:"handshakes"`
	Sent              int              `json:"sent"`
	Received          int              `json:"received"`
	ConsecutiveErrors int              `json:"consecutive_errors"`
	Activity          []ActivityEntry  `json:"activity"`
	UpdatedAt         time.Time        `json:"updated_at"`
}
