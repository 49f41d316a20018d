// Package metrics exposes Prometheus counters for the exchange protocol.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Presence
	PresenceBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2a_presence_broadcasts_total",
			Help: "Presence broadcasts by outcome",
		},
		[]string{"outcome"}, // "ok" or "failed"
	)

	DiscoveryCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2a_discovery_cycles_total",
			Help: "Discovery cycles by outcome",
		},
		[]string{"outcome"},
	)

	KnownPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "d2a_known_peers",
			Help: "Peers above the resonance threshold after the last discovery",
		},
	)

	// Negotiation
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2a_messages_sent_total",
			Help: "Negotiation messages published",
		},
		[]string{"type"},
	)

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2a_messages_received_total",
			Help: "Negotiation messages accepted for processing",
		},
		[]string{"type"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2a_messages_dropped_total",
			Help: "Inbound events dropped before or during processing",
		},
		[]string{"reason"}, // "duplicate", "invalid", "untrusted", "unexpected"
	)

	HandshakesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2a_handshakes_finished_total",
			Help: "Handshakes leaving the table",
		},
		[]string{"phase"}, // "completed", "rejected", "expired"
	)

	ActiveHandshakes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "d2a_active_handshakes",
			Help: "Non-terminal handshakes",
		},
	)

	// Exchange
	ItemsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "d2a_items_sent_total",
			Help: "Content items delivered to peers",
		},
	)

	ItemsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "d2a_items_received_total",
			Help: "Content items received from peers",
		},
	)

	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2a_settlements_total",
			Help: "Ledger settlement attempts by outcome",
		},
		[]string{"outcome"},
	)

	SettlementLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "d2a_settlement_latency_seconds",
			Help:    "Ledger settlement call latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// API
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "d2a_http_requests_total",
			Help: "Total local API requests",
		},
		[]string{"method", "path", "status"},
	)
)
