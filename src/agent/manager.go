// Package agent provides the Manager, which runs one D2A agent: it broadcasts
// presence, discovers peers, negotiates content exchanges and publishes snapshots of
// its state.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"d2a-agent/src/broker"
	"d2a-agent/src/config"
	"d2a-agent/src/contracts"
	"d2a-agent/src/crypto"
	"d2a-agent/src/event"
	"d2a-agent/src/handshake"
	"d2a-agent/src/ledger"
	"d2a-agent/src/logger"
	"d2a-agent/src/presence"
	"d2a-agent/src/store"
)

var (
	ErrAlreadyRunning = errors.New("agent is already running")
	ErrStopped        = errors.New("agent has been stopped")
)

// Config holds the protocol tunables of one agent.
type Config struct {
	Relays             []string
	ResonanceThreshold float64
	MinOfferScore      float64
	PresenceInterval   time.Duration
	DiscoveryInterval  time.Duration
	HandshakeTimeout   time.Duration
	PeerExpiry         time.Duration
	NetworkTimeout     time.Duration
	Capacity           int
	LedgerID           string
}

// DefaultConfig returns the protocol defaults for the given relays.
func DefaultConfig(relays []string) Config {
	return Config{
		Relays:             relays,
		ResonanceThreshold: contracts.DefaultResonanceThreshold,
		MinOfferScore:      contracts.DefaultMinOfferScore,
		PresenceInterval:   contracts.DefaultPresenceInterval,
		DiscoveryInterval:  contracts.DefaultDiscoveryInterval,
		HandshakeTimeout:   contracts.DefaultHandshakeTimeout,
		PeerExpiry:         contracts.DefaultPeerExpiry,
		NetworkTimeout:     contracts.DefaultNetworkTimeout,
		Capacity:           contracts.DefaultCapacity,
	}
}

// withDefaults replaces unset values with the protocol defaults.
func withDefaults(cfg Config) Config {
	def := DefaultConfig(cfg.Relays)
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = def.PresenceInterval
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = def.DiscoveryInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PeerExpiry <= 0 {
		cfg.PeerExpiry = def.PeerExpiry
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = def.NetworkTimeout
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = def.Capacity
	}
	return cfg
}

// ConfigFrom extracts the agent settings from the node configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Relays:             c.Relays,
		ResonanceThreshold: c.ResonanceThreshold,
		MinOfferScore:      c.MinOfferScore,
		PresenceInterval:   c.PresenceInterval,
		DiscoveryInterval:  c.DiscoveryInterval,
		HandshakeTimeout:   c.HandshakeTimeout,
		PeerExpiry:         c.PeerExpiry,
		NetworkTimeout:     c.NetworkTimeout,
		Capacity:           c.Capacity,
		LedgerID:           c.LedgerID,
	}
}

// Options are the collaborators of a Manager. Broker, Keys and Store are required.
type Options struct {
	Broker broker.Broker
	Cipher crypto.Cipher // defaults to crypto.NewBox()
	Keys   crypto.Keypair
	Store  store.Store
	Ledger ledger.Ledger // optional; settlement is skipped when nil
	Logger logger.Logger // defaults to a silent logger
	Clock  func() time.Time
}

// Manager runs one agent. Peer and handshake state is owned by a single event loop
// goroutine; other goroutines only see immutable snapshots.
type Manager struct {
	cfg      Config
	broker   broker.Broker
	store    store.Store
	ledger   ledger.Ledger
	keys     crypto.Keypair
	logger   logger.Logger
	now      func() time.Time
	presence *presence.Service
	codec    *handshake.Codec

	// Loop-owned state.
	peers             map[string]contracts.AgentProfile
	book              *handshake.Book
	seen              *lru.Cache
	sent              int
	received          int
	consecutiveErrors int
	activity          []contracts.ActivityEntry

	settled chan settlementResult
	refresh chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	running   bool
	stopped   bool
	cancel    context.CancelFunc
	listeners map[int]func(contracts.Snapshot)
	notices   map[int]func(contracts.Notice)
	nextID    int

	active   atomic.Bool
	snapshot atomic.Pointer[contracts.Snapshot]
}

// New creates a manager. It does not touch the network until Start.
func New(cfg Config, opts Options) (*Manager, error) {
	if opts.Broker == nil {
		return nil, errors.New("agent: broker is required")
	}
	if opts.Store == nil {
		return nil, errors.New("agent: store is required")
	}
	if len(opts.Keys.Private) == 0 {
		return nil, errors.New("agent: keypair is required")
	}
	if len(cfg.Relays) == 0 {
		return nil, broker.ErrNoRelays
	}
	cfg = withDefaults(cfg)
	if opts.Cipher == nil {
		opts.Cipher = crypto.NewBox()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewSilentLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	seen, err := lru.New(contracts.SeenEventCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen-event cache: %w", err)
	}

	m := &Manager{
		cfg:    cfg,
		broker: opts.Broker,
		store:  opts.Store,
		ledger: opts.Ledger,
		keys:   opts.Keys,
		logger: opts.Logger,
		now:    opts.Clock,
		presence: presence.NewService(opts.Broker, opts.Keys, presence.Config{
			Relays:             cfg.Relays,
			ResonanceThreshold: cfg.ResonanceThreshold,
			PeerExpiry:         cfg.PeerExpiry,
		}, opts.Logger, opts.Clock),
		codec:     handshake.NewCodec(opts.Cipher, opts.Keys),
		peers:     make(map[string]contracts.AgentProfile),
		book:      handshake.NewBook(),
		seen:      seen,
		settled:   make(chan settlementResult, 16),
		refresh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		listeners: make(map[int]func(contracts.Snapshot)),
		notices:   make(map[int]func(contracts.Notice)),
	}
	m.snapshot.Store(&contracts.Snapshot{
		Pubkey:     opts.Keys.Pubkey(),
		Peers:      []contracts.AgentProfile{},
		Handshakes: []contracts.HandshakeState{},
		Activity:   []contracts.ActivityEntry{},
		UpdatedAt:  m.now(),
	})
	return m, nil
}

// Pubkey returns the agent's identity.
func (m *Manager) Pubkey() string {
	return m.keys.Pubkey()
}

// Start opens the inbox subscription and starts the event loop. The loop runs an
// initial broadcast and discovery cycle before its first tick. A Manager can be
// started once.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}

	loopCtx, cancel := context.WithCancel(ctx)
	filter := event.Filter{
		Kinds: []int{contracts.KindMessage},
		Tags:  map[string][]string{contracts.TagRecipient: {m.keys.Pubkey()}},
	}
	inbound, err := m.broker.Subscribe(loopCtx, filter, m.cfg.Relays)
	if err != nil {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to subscribe to inbox: %w", err)
	}

	m.running = true
	m.cancel = cancel
	m.active.Store(true)
	m.mu.Unlock()

	m.logger.Info("[Agent] Starting %s on %d relays", handshake.Short(m.keys.Pubkey()), len(m.cfg.Relays))

	go m.loop(loopCtx, inbound)
	return nil
}

// Stop cancels the timers and the subscription. Snapshot reports inactive once Stop
// returns; listeners get the final snapshot from the loop as it exits, before Done is
// closed. In-flight network calls are abandoned, not awaited. Stop is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	m.active.Store(false)
	cancel()

	m.logger.Info("[Agent] Stopped %s", handshake.Short(m.keys.Pubkey()))
}

// Done is closed once the event loop has exited after Stop or context cancellation.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Refresh asks the loop to run a discovery cycle now instead of waiting for the next
// tick. It never blocks.
func (m *Manager) Refresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

func (m *Manager) loop(ctx context.Context, inbound <-chan event.Event) {
	defer close(m.done)
	defer func() {
		m.active.Store(false)
		m.publish()
	}()

	m.publish()

	m.guard("broadcast", func() { m.broadcast(ctx) })
	m.guard("discovery", func() { m.discover(ctx) })

	presenceTicker := time.NewTicker(m.cfg.PresenceInterval)
	defer presenceTicker.Stop()
	discoveryTicker := time.NewTicker(m.cfg.DiscoveryInterval)
	defer discoveryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("[Agent] Context cancelled, event loop exiting")
			return

		case <-presenceTicker.C:
			m.guard("broadcast", func() { m.broadcast(ctx) })

		case <-discoveryTicker.C:
			m.guard("discovery", func() { m.discover(ctx) })

		case <-m.refresh:
			m.guard("discovery", func() { m.discover(ctx) })

		case ev, ok := <-inbound:
			if !ok {
				if ctx.Err() == nil {
					m.logger.Warn("[Agent] Inbox subscription closed by transport")
				}
				inbound = nil
				continue
			}
			m.guard("inbound", func() { m.handleEvent(ctx, ev) })

		case res := <-m.settled:
			m.guard("settlement", func() { m.handleSettlement(res) })
		}
	}
}

// guard isolates one tick or handler: a panic is logged and recorded, and the loop
// carries on.
func (m *Manager) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("[Agent] Recovered from panic in %s: %v", name, r)
			m.record(contracts.ActivityError, "", "internal error in %s", name)
			m.publish()
		}
	}()
	fn()
}

// withTimeout bounds one network call.
func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.NetworkTimeout)
}
