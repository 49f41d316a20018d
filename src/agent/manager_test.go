package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"d2a-agent/src/broker"
	"d2a-agent/src/contracts"
	"d2a-agent/src/crypto"
	"d2a-agent/src/event"
	"d2a-agent/src/handshake"
	"d2a-agent/src/ledger"
	"d2a-agent/src/presence"
	"d2a-agent/src/store"
)

var testRelays = []string{"memory://relay-1", "memory://relay-2"}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testNode struct {
	m      *Manager
	store  *store.MemoryStore
	ledger *ledger.MemoryLedger
	keys   crypto.Keypair
}

func testConfig() Config {
	cfg := DefaultConfig(testRelays)
	// Timers are driven explicitly through Refresh.
	cfg.PresenceInterval = time.Hour
	cfg.DiscoveryInterval = time.Hour
	cfg.NetworkTimeout = time.Second
	return cfg
}

func mustKeys(t *testing.T) crypto.Keypair {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	return kp
}

func newTestNode(t *testing.T, b broker.Broker, cfg Config, affinities map[string]float64, items []contracts.ContentItem, clock func() time.Time) *testNode {
	t.Helper()
	n := &testNode{
		store:  store.NewMemoryStore(),
		ledger: ledger.NewMemoryLedger(),
		keys:   mustKeys(t),
	}
	ctx := context.Background()
	if err := store.Apply(ctx, n.store, store.Seed{Affinities: affinities, Items: items}); err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}

	m, err := New(cfg, Options{
		Broker: b,
		Keys:   n.keys,
		Store:  n.store,
		Ledger: n.ledger,
		Clock:  clock,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	n.m = m
	t.Cleanup(m.Stop)
	return n
}

func (n *testNode) start(t *testing.T) {
	t.Helper()
	if err := n.m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func qualityItem(id, topic string, composite float64) contracts.ContentItem {
	return contracts.ContentItem{
		ID:        id,
		Text:      "A careful write-up about " + topic,
		Author:    "alice",
		Scores:    contracts.ScoreBreakdown{Originality: composite, Insight: composite, Credibility: composite, Composite: composite},
		Verdict:   contracts.VerdictQuality,
		Topics:    []string{topic},
		Source:    "rss",
		CreatedAt: time.Now().Add(-time.Hour),
	}
}

// waitFor polls the manager's snapshot until cond holds.
func waitFor(t *testing.T, m *Manager, desc string, cond func(contracts.Snapshot) bool) contracts.Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap := m.Snapshot()
		if cond(snap) {
			return snap
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s; last snapshot: %+v", desc, snap)
		case <-ticker.C:
		}
	}
}

func handshakeWith(snap contracts.Snapshot, peer string) (contracts.HandshakeState, bool) {
	for _, hs := range snap.Handshakes {
		if hs.Peer == peer {
			return hs, true
		}
	}
	return contracts.HandshakeState{}, false
}

func hasPeer(peer string) func(contracts.Snapshot) bool {
	return func(s contracts.Snapshot) bool {
		for _, p := range s.Peers {
			if p.Pubkey == peer {
				return true
			}
		}
		return false
	}
}

func hasActivity(kind contracts.ActivityKind) func(contracts.Snapshot) bool {
	return func(s contracts.Snapshot) bool {
		return countActivity(s, kind) > 0
	}
}

func countActivity(s contracts.Snapshot, kind contracts.ActivityKind) int {
	n := 0
	for _, a := range s.Activity {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func inPhase(peer string, phase contracts.Phase) func(contracts.Snapshot) bool {
	return func(s contracts.Snapshot) bool {
		hs, ok := handshakeWith(s, peer)
		return ok && hs.Phase == phase
	}
}

// startPair starts a first, waits for its presence record, then starts b so that b's
// startup discovery sees a. A Refresh on a then makes it discover b and offer.
func startPair(t *testing.T, a, b *testNode) {
	t.Helper()
	a.start(t)
	waitFor(t, a.m, "a's first broadcast", hasActivity(contracts.ActivityPresence))
	b.start(t)
	waitFor(t, b.m, "b to discover a", hasPeer(a.keys.Pubkey()))
	a.m.Refresh()
}

func TestManagerHappyPath(t *testing.T) {
	b := broker.NewInMemoryBroker()
	cfgA := testConfig()
	cfgA.LedgerID = "acct-a"
	cfgB := testConfig()
	cfgB.LedgerID = "acct-b"

	a := newTestNode(t, b, cfgA, map[string]float64{"ai": 0.8}, []contracts.ContentItem{qualityItem("item-1", "ai", 8.0)}, nil)
	bob := newTestNode(t, b, cfgB, map[string]float64{"ai": 0.5, "security": 0.4}, nil, nil)

	startPair(t, a, bob)

	snapA := waitFor(t, a.m, "a to complete", inPhase(bob.keys.Pubkey(), contracts.PhaseCompleted))
	snapB := waitFor(t, bob.m, "b to complete", inPhase(a.keys.Pubkey(), contracts.PhaseCompleted))

	if snapA.Sent != 1 || snapA.Received != 0 {
		t.Errorf("a counters sent=%d received=%d, want 1/0", snapA.Sent, snapA.Received)
	}
	if snapB.Received != 1 || snapB.Sent != 0 {
		t.Errorf("b counters sent=%d received=%d, want 0/1", snapB.Sent, snapB.Received)
	}
	hs, _ := handshakeWith(snapA, bob.keys.Pubkey())
	if hs.Topic != "ai" || hs.Score != 8.0 || hs.CompletedAt == nil {
		t.Errorf("unexpected initiator handshake %+v", hs)
	}

	items, _ := bob.store.Items(context.Background())
	if len(items) != 1 {
		t.Fatalf("b feed has %d items, want 1", len(items))
	}
	got := items[0]
	if got.Source != contracts.SourcePeerExchange || got.FromPeer != a.keys.Pubkey() {
		t.Errorf("received item not attributed to a: %+v", got)
	}
	if got.ID == "item-1" || got.ID == "" {
		t.Errorf("received item must get a fresh id, got %q", got.ID)
	}
	if got.Text != "A careful write-up about ai" || got.Scores.Composite != 8.0 || !got.HasTopic("ai") {
		t.Errorf("received item content mismatch: %+v", got)
	}

	// Settlement: a advertised a ledger id, so b records a match at the 8.0 tier.
	deadline := time.After(3 * time.Second)
	for len(bob.ledger.Matches()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for settlement")
		case <-time.After(5 * time.Millisecond):
		}
	}
	match := bob.ledger.Matches()[0]
	if match.SenderLedgerID != "acct-a" || match.ReceiverLedgerID != "acct-b" || match.Fee != 2 {
		t.Errorf("unexpected match %+v", match)
	}
	waitFor(t, bob.m, "settled activity", hasActivity(contracts.ActivitySettled))
	if len(a.ledger.Matches()) != 0 {
		t.Error("the sender must not settle")
	}
}

func TestManagerRejection(t *testing.T) {
	b := broker.NewInMemoryBroker()
	cfgA := testConfig()
	cfgA.MinOfferScore = 5

	// 5.5 passes a's offer threshold but not b's quality floor.
	a := newTestNode(t, b, cfgA, map[string]float64{"ai": 0.8}, []contracts.ContentItem{qualityItem("item-1", "ai", 5.5)}, nil)
	bob := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.5}, nil, nil)

	startPair(t, a, bob)

	snapA := waitFor(t, a.m, "a to see the rejection", inPhase(bob.keys.Pubkey(), contracts.PhaseRejected))
	snapB := waitFor(t, bob.m, "b to record the rejection", inPhase(a.keys.Pubkey(), contracts.PhaseRejected))

	hs, _ := handshakeWith(snapA, bob.keys.Pubkey())
	if hs.CompletedAt == nil {
		t.Error("rejected handshake needs a completion time")
	}
	if snapA.Sent != 0 || snapA.Received != 0 || snapB.Sent != 0 || snapB.Received != 0 {
		t.Errorf("counters must not move: a=%d/%d b=%d/%d", snapA.Sent, snapA.Received, snapB.Sent, snapB.Received)
	}
	items, _ := bob.store.Items(context.Background())
	if len(items) != 0 {
		t.Errorf("b feed has %d items after a rejection", len(items))
	}
}

func TestManagerRejectsUnwantedTopic(t *testing.T) {
	b := broker.NewInMemoryBroker()
	a := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.8, "security": 0.8}, []contracts.ContentItem{qualityItem("item-1", "ai", 8.0)}, nil)
	bob := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.5, "security": 0.5}, nil, nil)

	// bob drops "ai" after advertising it, so a still offers it.
	a.start(t)
	waitFor(t, a.m, "a's first broadcast", hasActivity(contracts.ActivityPresence))
	bob.start(t)
	waitFor(t, bob.m, "bob to discover a", hasPeer(a.keys.Pubkey()))
	if err := bob.store.SetAffinity(context.Background(), "ai", 0); err != nil {
		t.Fatalf("SetAffinity failed: %v", err)
	}
	a.m.Refresh()

	snapA := waitFor(t, a.m, "a to see the rejection", inPhase(bob.keys.Pubkey(), contracts.PhaseRejected))
	snapB := waitFor(t, bob.m, "bob to record the rejection", inPhase(a.keys.Pubkey(), contracts.PhaseRejected))

	if hs, _ := handshakeWith(snapB, a.keys.Pubkey()); hs.Topic != "ai" || hs.Score != 8.0 {
		t.Errorf("unexpected responder handshake %+v", hs)
	}
	if snapA.Sent != 0 || snapB.Received != 0 {
		t.Errorf("counters must not move: a sent=%d, bob received=%d", snapA.Sent, snapB.Received)
	}
	if items, _ := bob.store.Items(context.Background()); len(items) != 0 {
		t.Errorf("bob feed has %d items after a rejection", len(items))
	}
}

// TestManagerResponderStartedFirst covers an offer from a sender the responder has
// not discovered yet: its presence is looked up when the offer arrives.
func TestManagerResponderStartedFirst(t *testing.T) {
	b := broker.NewInMemoryBroker()
	a := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.8}, []contracts.ContentItem{qualityItem("item-1", "ai", 8.0)}, nil)
	bob := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.5}, nil, nil)

	bob.start(t)
	snap := waitFor(t, bob.m, "bob's startup discovery", hasActivity(contracts.ActivityDiscovery))
	if len(snap.Peers) != 0 {
		t.Fatalf("bob discovered peers before a started: %+v", snap.Peers)
	}

	a.start(t)

	snapA := waitFor(t, a.m, "a to complete", inPhase(bob.keys.Pubkey(), contracts.PhaseCompleted))
	snapB := waitFor(t, bob.m, "bob to complete", inPhase(a.keys.Pubkey(), contracts.PhaseCompleted))

	if snapA.Sent != 1 || snapB.Received != 1 {
		t.Errorf("a sent=%d, bob received=%d, want 1/1", snapA.Sent, snapB.Received)
	}
	if countActivity(snapB, contracts.ActivityDiscarded) != 0 {
		t.Errorf("bob discarded the delivery: %+v", snapB.Activity)
	}
	if !hasPeer(a.keys.Pubkey())(snapB) {
		t.Error("looked-up sender missing from bob's peers")
	}
	if items, _ := bob.store.Items(context.Background()); len(items) != 1 {
		t.Errorf("bob feed has %d items, want 1", len(items))
	}
}

// publishPresence announces a scripted peer that the test drives by hand.
func publishPresence(t *testing.T, b broker.Broker, keys crypto.Keypair, affinities map[string]float64, now time.Time) {
	t.Helper()
	ev, err := presence.BuildRecord(keys, presence.Advert{Affinities: affinities, Capacity: 3}, now)
	if err != nil {
		t.Fatalf("BuildRecord failed: %v", err)
	}
	if err := broker.Err(b.Publish(context.Background(), ev, testRelays)); err != nil {
		t.Fatalf("presence publish failed: %v", err)
	}
}

// inbox collects distinct negotiation messages addressed to keys.
type inbox struct {
	codec *handshake.Codec
	mu    sync.Mutex
	seen  map[string]bool
	msgs  []contracts.Message
}

func openInbox(t *testing.T, b broker.Broker, keys crypto.Keypair) *inbox {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := b.Subscribe(ctx, event.Filter{
		Kinds: []int{contracts.KindMessage},
		Tags:  map[string][]string{contracts.TagRecipient: {keys.Pubkey()}},
	}, testRelays)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	in := &inbox{codec: handshake.NewCodec(crypto.NewBox(), keys), seen: make(map[string]bool)}
	go func() {
		for ev := range ch {
			msg, err := in.codec.Open(ev)
			if err != nil {
				continue
			}
			in.mu.Lock()
			if !in.seen[ev.ID] {
				in.seen[ev.ID] = true
				in.msgs = append(in.msgs, msg)
			}
			in.mu.Unlock()
		}
	}()
	return in
}

func (in *inbox) count(kind contracts.MessageKind) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, m := range in.msgs {
		if m.Kind() == kind {
			n++
		}
	}
	return n
}

func (in *inbox) waitFor(t *testing.T, kind contracts.MessageKind, n int) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for in.count(kind) < n {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s messages, have %d", n, kind, in.count(kind))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func sendAs(t *testing.T, b broker.Broker, from crypto.Keypair, to string, msg contracts.Message) event.Event {
	t.Helper()
	ev, err := handshake.NewCodec(crypto.NewBox(), from).Seal(to, msg, time.Now())
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if err := broker.Err(b.Publish(context.Background(), ev, testRelays)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	return ev
}

func TestManagerDuplicateAcceptDeliversOnce(t *testing.T) {
	b := broker.NewInMemoryBroker()
	peer := mustKeys(t)
	publishPresence(t, b, peer, map[string]float64{"ai": 0.9}, time.Now())
	in := openInbox(t, b, peer)

	a := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.8}, []contracts.ContentItem{qualityItem("item-1", "ai", 8.0)}, nil)
	a.start(t)
	in.waitFor(t, contracts.KindOffer, 1)
	waitFor(t, a.m, "offered", inPhase(peer.Pubkey(), contracts.PhaseOffered))

	accept := sendAs(t, b, peer, a.keys.Pubkey(), contracts.Accept{})
	// Replay of the same event plus a second, independently sealed accept.
	b.Publish(context.Background(), accept, testRelays)
	sendAs(t, b, peer, a.keys.Pubkey(), contracts.Accept{})

	in.waitFor(t, contracts.KindDeliver, 1)
	snap := waitFor(t, a.m, "completed", inPhase(peer.Pubkey(), contracts.PhaseCompleted))

	time.Sleep(100 * time.Millisecond)
	if n := in.count(contracts.KindDeliver); n != 1 {
		t.Errorf("peer received %d deliver messages, want 1", n)
	}
	if snap = a.m.Snapshot(); snap.Sent != 1 {
		t.Errorf("sent = %d, want 1", snap.Sent)
	}
}

func TestManagerDropsMalformedMessages(t *testing.T) {
	b := broker.NewInMemoryBroker()
	bob := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.5}, nil, nil)
	mallory, alice := mustKeys(t), mustKeys(t)
	publishPresence(t, b, alice, map[string]float64{"ai": 0.9}, time.Now())
	bob.start(t)
	waitFor(t, bob.m, "startup discovery", hasActivity(contracts.ActivityDiscovery))

	garbage := event.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      contracts.KindMessage,
		Tags:      event.Tags{{contracts.TagRecipient, bob.keys.Pubkey()}, {contracts.TagMessageKind, "offer"}},
		Content:   "definitely not ciphertext",
	}
	garbage.Sign(mallory.Private)
	b.Publish(context.Background(), garbage, testRelays)

	// Encrypted for someone else, then re-addressed to bob.
	wrongKey := sendAs(t, b, mallory, alice.Pubkey(), contracts.Offer{Topic: "ai", Score: 9, ContentPreview: ""})
	wrongKey.Tags = event.Tags{{contracts.TagRecipient, bob.keys.Pubkey()}, {contracts.TagMessageKind, "offer"}}
	wrongKey.Sign(mallory.Private)
	b.Publish(context.Background(), wrongKey, testRelays)

	sendAs(t, b, alice, bob.keys.Pubkey(), contracts.Offer{Topic: "ai", Score: 8, ContentPreview: "hello"})

	snap := waitFor(t, bob.m, "valid offer accepted", inPhase(alice.Pubkey(), contracts.PhaseAccepted))
	if _, ok := handshakeWith(snap, mallory.Pubkey()); ok {
		t.Error("malformed messages must not create handshakes")
	}
	if !snap.Active || snap.ConsecutiveErrors != 0 {
		t.Errorf("manager disturbed by malformed input: %+v", snap)
	}
}

func TestManagerIgnoresOfferWhileActive(t *testing.T) {
	b := broker.NewInMemoryBroker()
	bob := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.5}, nil, nil)
	alice := mustKeys(t)
	publishPresence(t, b, alice, map[string]float64{"ai": 0.9}, time.Now())
	bob.start(t)

	in := openInbox(t, b, alice)
	sendAs(t, b, alice, bob.keys.Pubkey(), contracts.Offer{Topic: "ai", Score: 8, ContentPreview: ""})
	waitFor(t, bob.m, "accepted", inPhase(alice.Pubkey(), contracts.PhaseAccepted))
	in.waitFor(t, contracts.KindAccept, 1)

	// A second offer on another topic while the first is open.
	sendAs(t, b, alice, bob.keys.Pubkey(), contracts.Offer{Topic: "cooking", Score: 9, ContentPreview: ""})
	time.Sleep(100 * time.Millisecond)

	hs, _ := handshakeWith(bob.m.Snapshot(), alice.Pubkey())
	if hs.Topic != "ai" || hs.Phase != contracts.PhaseAccepted {
		t.Errorf("active handshake replaced: %+v", hs)
	}
	if in.count(contracts.KindReject) != 0 || in.count(contracts.KindAccept) != 1 {
		t.Error("second offer must not be answered")
	}
}

func TestManagerRejectsOfferFromUnknownSender(t *testing.T) {
	b := broker.NewInMemoryBroker()
	bob := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.5}, nil, nil)
	bob.start(t)
	waitFor(t, bob.m, "startup discovery", hasActivity(contracts.ActivityDiscovery))

	// alice never broadcast presence, so bob cannot find a profile for her.
	alice := mustKeys(t)
	in := openInbox(t, b, alice)
	sendAs(t, b, alice, bob.keys.Pubkey(), contracts.Offer{Topic: "ai", Score: 8, ContentPreview: ""})
	in.waitFor(t, contracts.KindReject, 1)
	waitFor(t, bob.m, "rejected", inPhase(alice.Pubkey(), contracts.PhaseRejected))

	// A delivery after the reject is out of phase and ignored.
	sendAs(t, b, alice, bob.keys.Pubkey(), contracts.DeliverFromItem(qualityItem("x", "ai", 8)))
	time.Sleep(100 * time.Millisecond)

	snap := bob.m.Snapshot()
	if in.count(contracts.KindAccept) != 0 {
		t.Error("offer from an unknown sender was accepted")
	}
	if snap.Received != 0 || hasPeer(alice.Pubkey())(snap) {
		t.Errorf("unknown sender left a trace: received=%d peers=%+v", snap.Received, snap.Peers)
	}
	if items, _ := bob.store.Items(context.Background()); len(items) != 0 {
		t.Error("delivery from an unknown sender reached the feed")
	}
}

func TestManagerDiscardsDeliveryAfterTrustDrops(t *testing.T) {
	b := broker.NewInMemoryBroker()
	bob := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.5}, nil, nil)
	alice := mustKeys(t)
	publishPresence(t, b, alice, map[string]float64{"ai": 0.9}, time.Now())
	bob.start(t)

	sendAs(t, b, alice, bob.keys.Pubkey(), contracts.Offer{Topic: "ai", Score: 8, ContentPreview: ""})
	waitFor(t, bob.m, "accepted", inPhase(alice.Pubkey(), contracts.PhaseAccepted))

	// With no shared interest left, alice's resonance falls below the trust floor.
	if err := bob.store.SetAffinity(context.Background(), "ai", 0); err != nil {
		t.Fatalf("SetAffinity failed: %v", err)
	}
	sendAs(t, b, alice, bob.keys.Pubkey(), contracts.DeliverFromItem(qualityItem("x", "ai", 8)))
	snap := waitFor(t, bob.m, "discarded", hasActivity(contracts.ActivityDiscarded))

	if hs, _ := handshakeWith(snap, alice.Pubkey()); hs.Phase != contracts.PhaseRejected {
		t.Errorf("discarded delivery left handshake in %s", hs.Phase)
	}
	if snap.Received != 0 {
		t.Errorf("received = %d, want 0", snap.Received)
	}
	if items, _ := bob.store.Items(context.Background()); len(items) != 0 {
		t.Error("discarded delivery reached the feed")
	}
}

func TestManagerSanitizesDeliveredText(t *testing.T) {
	b := broker.NewInMemoryBroker()
	bob := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.5}, nil, nil)

	alice := mustKeys(t)
	publishPresence(t, b, alice, map[string]float64{"ai": 0.9}, time.Now())
	bob.start(t)
	waitFor(t, bob.m, "alice discovered", hasPeer(alice.Pubkey()))

	sendAs(t, b, alice, bob.keys.Pubkey(), contracts.Offer{Topic: "ai", Score: 8, ContentPreview: ""})
	waitFor(t, bob.m, "accepted", inPhase(alice.Pubkey(), contracts.PhaseAccepted))

	item := qualityItem("x", "ai", 8)
	item.Text = "\x1b[2J\x1b]0;owned\x07real text\x1b[0m"
	item.Author = "mallory\nINFO fake log line"
	sendAs(t, b, alice, bob.keys.Pubkey(), contracts.DeliverFromItem(item))
	waitFor(t, bob.m, "completed", inPhase(alice.Pubkey(), contracts.PhaseCompleted))

	items, _ := bob.store.Items(context.Background())
	if len(items) != 1 {
		t.Fatalf("feed has %d items", len(items))
	}
	if items[0].Text != "real text" || items[0].Author != "mallory INFO fake log line" {
		t.Errorf("text not sanitized: %q by %q", items[0].Text, items[0].Author)
	}
}

func TestManagerTimeoutMakesPeerEligibleAgain(t *testing.T) {
	b := broker.NewInMemoryBroker()
	clock := newTestClock()
	peer := mustKeys(t)
	publishPresence(t, b, peer, map[string]float64{"ai": 0.9}, clock.Now())

	a := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.8}, []contracts.ContentItem{qualityItem("item-1", "ai", 8.0)}, clock.Now)
	a.start(t)
	first := waitFor(t, a.m, "first offer", inPhase(peer.Pubkey(), contracts.PhaseOffered))
	hs, _ := handshakeWith(first, peer.Pubkey())
	started := hs.StartedAt

	// Before the timeout the peer stays engaged.
	clock.Advance(20 * time.Second)
	a.m.Refresh()
	waitFor(t, a.m, "second discovery", func(s contracts.Snapshot) bool {
		return countActivity(s, contracts.ActivityDiscovery) >= 2
	})
	if s := a.m.Snapshot(); countActivity(s, contracts.ActivityOfferSent) != 1 {
		t.Fatalf("re-offered before timeout: %+v", s.Activity)
	}

	clock.Advance(11 * time.Second)
	a.m.Refresh()
	snap := waitFor(t, a.m, "fresh offer", func(s contracts.Snapshot) bool {
		hs, ok := handshakeWith(s, peer.Pubkey())
		return ok && hs.Phase == contracts.PhaseOffered && hs.StartedAt.After(started)
	})
	if countActivity(snap, contracts.ActivityExpired) != 1 {
		t.Errorf("expected one expiry, activity: %+v", snap.Activity)
	}
	if len(snap.Handshakes) != 1 {
		t.Errorf("expected exactly one handshake record, got %+v", snap.Handshakes)
	}
}

func TestManagerNeverTargetsBelowThreshold(t *testing.T) {
	b := broker.NewInMemoryBroker()
	cooking := mustKeys(t)
	publishPresence(t, b, cooking, map[string]float64{"cooking": 0.9, "travel": 0.8}, time.Now())
	in := openInbox(t, b, cooking)

	a := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.8, "cooking": 0.1}, []contracts.ContentItem{qualityItem("item-1", "cooking", 9.5)}, nil)
	a.start(t)
	snap := waitFor(t, a.m, "startup discovery", hasActivity(contracts.ActivityDiscovery))

	time.Sleep(50 * time.Millisecond)
	if len(snap.Peers) != 0 || in.count(contracts.KindOffer) != 0 {
		t.Errorf("low-resonance peer was engaged: peers=%+v", snap.Peers)
	}
}

func TestManagerSettlementFailureRaisesNotice(t *testing.T) {
	b := broker.NewInMemoryBroker()
	cfgA := testConfig()
	cfgA.LedgerID = "acct-a"

	a := newTestNode(t, b, cfgA, map[string]float64{"ai": 0.8}, []contracts.ContentItem{qualityItem("item-1", "ai", 9.2)}, nil)
	bob := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.5}, nil, nil)
	bob.ledger.SetError(ledger.ErrUnavailable)

	notices := make(chan contracts.Notice, 1)
	bob.m.OnNotice(func(n contracts.Notice) {
		select {
		case notices <- n:
		default:
		}
	})

	startPair(t, a, bob)

	select {
	case n := <-notices:
		if n.Peer != a.keys.Pubkey() {
			t.Errorf("notice for %s, want %s", n.Peer, a.keys.Pubkey())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for settlement notice")
	}

	snap := waitFor(t, bob.m, "failure recorded", hasActivity(contracts.ActivitySettlementFailed))
	if hs, _ := handshakeWith(snap, a.keys.Pubkey()); hs.Phase != contracts.PhaseCompleted || snap.Received != 1 {
		t.Errorf("settlement failure must not unwind the exchange: %+v", hs)
	}
}

func TestManagerTickFailuresCountAndReset(t *testing.T) {
	b := broker.NewInMemoryBroker()
	for _, r := range testRelays {
		b.SetRelayDown(r, true)
	}
	a := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.8}, nil, nil)
	a.start(t)

	waitFor(t, a.m, "both startup ticks to fail", func(s contracts.Snapshot) bool {
		return s.ConsecutiveErrors == 2
	})
	if !a.m.Snapshot().Active {
		t.Fatal("transport failures must not stop the agent")
	}

	b.SetRelayDown(testRelays[0], false)
	a.m.Refresh()
	waitFor(t, a.m, "successful tick to reset errors", func(s contracts.Snapshot) bool {
		return s.ConsecutiveErrors == 0
	})
}

func TestManagerLifecycle(t *testing.T) {
	b := broker.NewInMemoryBroker()
	a := newTestNode(t, b, testConfig(), map[string]float64{"ai": 0.8}, nil, nil)

	if a.m.Snapshot().Active {
		t.Error("manager active before Start")
	}
	a.start(t)
	if err := a.m.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	waitFor(t, a.m, "active", func(s contracts.Snapshot) bool { return s.Active })

	var final contracts.Snapshot
	var mu sync.Mutex
	a.m.OnSnapshot(func(s contracts.Snapshot) {
		mu.Lock()
		final = s
		mu.Unlock()
	})

	a.m.Stop()
	if a.m.Snapshot().Active {
		t.Error("snapshot still active after Stop returned")
	}
	a.m.Stop()

	select {
	case <-a.m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("event loop did not exit")
	}
	if a.m.Snapshot().Active {
		t.Error("snapshot still active after the loop exited")
	}
	mu.Lock()
	if final.Active {
		t.Error("listeners did not see the inactive snapshot")
	}
	mu.Unlock()

	if err := a.m.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	keys := mustKeys(t)
	b := broker.NewInMemoryBroker()
	s := store.NewMemoryStore()

	tests := []struct {
		name string
		cfg  Config
		opts Options
	}{
		{"no broker", testConfig(), Options{Keys: keys, Store: s}},
		{"no store", testConfig(), Options{Broker: b, Keys: keys}},
		{"no keys", testConfig(), Options{Broker: b, Store: s}},
		{"no relays", Config{}, Options{Broker: b, Keys: keys, Store: s}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}
