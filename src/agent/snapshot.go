package agent

import (
	"fmt"

	"d2a-agent/src/contracts"
	"d2a-agent/src/metrics"
	"d2a-agent/src/resonance"
)

// Snapshot returns the latest published state with Active reflecting Start and Stop
// immediately. The returned slices are shared with other readers and must not be
// modified.
func (m *Manager) Snapshot() contracts.Snapshot {
	snap := *m.snapshot.Load()
	snap.Active = m.active.Load()
	return snap
}

// OnSnapshot registers fn to be called with every new snapshot. fn runs on the event
// loop and must not block. The returned function removes the listener.
func (m *Manager) OnSnapshot(fn func(contracts.Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// OnNotice registers fn for soft notifications such as settlement failures. fn runs
// on the event loop and must not block. The returned function removes the listener.
func (m *Manager) OnNotice(fn func(contracts.Notice)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.notices[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.notices, id)
	}
}

// publish rebuilds the snapshot from loop-owned state and notifies listeners.
func (m *Manager) publish() {
	peers := make([]contracts.AgentProfile, 0, len(m.peers))
	for _, p := range m.peers {
		p.Interests = append([]string(nil), p.Interests...)
		peers = append(peers, p)
	}

	snap := contracts.Snapshot{
		Active:            m.active.Load(),
		Pubkey:            m.keys.Pubkey(),
		Peers:             resonance.Rank(peers),
		Handshakes:        m.book.List(),
		Sent:              m.sent,
		Received:          m.received,
		ConsecutiveErrors: m.consecutiveErrors,
		Activity:          append([]contracts.ActivityEntry(nil), m.activity...),
		UpdatedAt:         m.now(),
	}
	if snap.Activity == nil {
		snap.Activity = []contracts.ActivityEntry{}
	}
	m.snapshot.Store(&snap)
	metrics.ActiveHandshakes.Set(float64(m.book.ActiveCount()))
	m.notify(snap)
}

func (m *Manager) notify(snap contracts.Snapshot) {
	m.mu.Lock()
	fns := make([]func(contracts.Snapshot), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		m.callListener(func() { fn(snap) })
	}
}

func (m *Manager) raiseNotice(n contracts.Notice) {
	m.mu.Lock()
	fns := make([]func(contracts.Notice), 0, len(m.notices))
	for _, fn := range m.notices {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		m.callListener(func() { fn(n) })
	}
}

// callListener keeps a faulty listener from taking down the caller.
func (m *Manager) callListener(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("[Agent] Listener panicked: %v", r)
		}
	}()
	fn()
}

// record appends to the bounded activity log.
func (m *Manager) record(kind contracts.ActivityKind, peer string, format string, args ...interface{}) {
	m.activity = append(m.activity, contracts.ActivityEntry{
		At:      m.now(),
		Kind:    kind,
		Peer:    peer,
		Message: fmt.Sprintf(format, args...),
	})
	if over := len(m.activity) - contracts.ActivityLogSize; over > 0 {
		m.activity = append(m.activity[:0:0], m.activity[over:]...)
	}
}

// tickFailed counts a periodic cycle that could not reach the network.
func (m *Manager) tickFailed(name string, err error) {
	m.consecutiveErrors++
	m.logger.Warn("[Agent] %s failed (%d in a row): %v", name, m.consecutiveErrors, err)
	m.record(contracts.ActivityError, "", "%s failed: %v", name, err)
}

func (m *Manager) tickSucceeded() {
	m.consecutiveErrors = 0
}
