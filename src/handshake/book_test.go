package handshake

import (
	"math/rand"
	"testing"
	"time"

	"d2a-agent/src/contracts"
)

var t0 = time.Unix(1_700_000_000, 0)

func TestBookInitiatorHappyPath(t *testing.T) {
	b := NewBook()
	if err := b.Open("bob", contracts.PhaseOffered, "ai", 8, t0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !b.Active("bob") || b.ActiveCount() != 1 {
		t.Fatal("expected one active handshake")
	}
	if !b.BeginDelivery("bob") {
		t.Fatal("BeginDelivery from offered should succeed")
	}
	if b.BeginDelivery("bob") {
		t.Error("second BeginDelivery must be a no-op")
	}
	if !b.Complete("bob", t0.Add(time.Second)) {
		t.Fatal("Complete from delivering should succeed")
	}

	hs, _ := b.Get("bob")
	if hs.Phase != contracts.PhaseCompleted || hs.CompletedAt == nil {
		t.Errorf("unexpected final state %+v", hs)
	}
	if b.Active("bob") {
		t.Error("completed handshake reported active")
	}
}

func TestBookTransitions(t *testing.T) {
	tests := []struct {
		name  string
		start contracts.Phase
		apply func(b *Book) bool
		want  bool
		phase contracts.Phase
	}{
		{"accept while accepted is ignored", contracts.PhaseAccepted, func(b *Book) bool { return b.BeginDelivery("p") }, false, contracts.PhaseAccepted},
		{"responder completes from accepted", contracts.PhaseAccepted, func(b *Book) bool { return b.Complete("p", t0) }, true, contracts.PhaseCompleted},
		{"offered cannot complete", contracts.PhaseOffered, func(b *Book) bool { return b.Complete("p", t0) }, false, contracts.PhaseOffered},
		{"reject from offered", contracts.PhaseOffered, func(b *Book) bool { return b.Reject("p", t0) }, true, contracts.PhaseRejected},
		{"reject from accepted", contracts.PhaseAccepted, func(b *Book) bool { return b.Reject("p", t0) }, true, contracts.PhaseRejected},
		{"reject after completed is ignored", contracts.PhaseCompleted, func(b *Book) bool { return b.Reject("p", t0) }, false, contracts.PhaseCompleted},
		{"complete after rejected is ignored", contracts.PhaseRejected, func(b *Book) bool { return b.Complete("p", t0) }, false, contracts.PhaseRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBook()
			b.entries["p"] = &contracts.HandshakeState{Peer: "p", Phase: tt.start, StartedAt: t0}
			if got := tt.apply(b); got != tt.want {
				t.Errorf("transition returned %v, want %v", got, tt.want)
			}
			hs, _ := b.Get("p")
			if hs.Phase != tt.phase {
				t.Errorf("phase = %s, want %s", hs.Phase, tt.phase)
			}
		})
	}
}

func TestBookMissingPeerIsNoop(t *testing.T) {
	b := NewBook()
	if b.BeginDelivery("ghost") || b.Complete("ghost", t0) || b.Reject("ghost", t0) {
		t.Error("transitions on a missing record must be no-ops")
	}
	if b.Has("ghost") {
		t.Error("no-op transition created a record")
	}
}

func TestBookOpenRejectedIsTerminal(t *testing.T) {
	b := NewBook()
	if err := b.Open("p", contracts.PhaseRejected, "ai", 3, t0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	hs, _ := b.Get("p")
	if hs.CompletedAt == nil || !hs.CompletedAt.Equal(t0) {
		t.Errorf("rejected record needs a completion time, got %+v", hs)
	}
	// A terminal record may be replaced.
	if err := b.Open("p", contracts.PhaseOffered, "ai", 8, t0); err != nil {
		t.Errorf("Open over a terminal record failed: %v", err)
	}
}

func TestBookPrune(t *testing.T) {
	b := NewBook()
	timeout := 30 * time.Second
	b.Open("fresh", contracts.PhaseOffered, "ai", 8, t0.Add(-10*time.Second))
	b.Open("expired", contracts.PhaseAccepted, "ai", 8, t0.Add(-31*time.Second))
	b.Open("done", contracts.PhaseOffered, "ai", 8, t0)
	b.BeginDelivery("done")
	b.Complete("done", t0)

	expired := b.Prune(t0, timeout)

	if len(expired) != 1 || expired[0].Peer != "expired" {
		t.Errorf("expected only 'expired' reported, got %+v", expired)
	}
	if b.Has("expired") || b.Has("done") {
		t.Error("expired and terminal records must be removed")
	}
	if !b.Active("fresh") {
		t.Error("fresh handshake must survive")
	}
	if err := b.Open("expired", contracts.PhaseOffered, "ai", 8, t0); err != nil {
		t.Errorf("peer should be eligible again after pruning: %v", err)
	}
}

func TestBookGetReturnsCopy(t *testing.T) {
	b := NewBook()
	b.Open("p", contracts.PhaseRejected, "ai", 8, t0)
	hs, _ := b.Get("p")
	*hs.CompletedAt = t0.Add(time.Hour)
	hs.Phase = contracts.PhaseOffered

	again, _ := b.Get("p")
	if again.Phase != contracts.PhaseRejected || !again.CompletedAt.Equal(t0) {
		t.Error("Get leaked internal state")
	}
}

// TestBookAtMostOneActivePerPeer drives random operations and checks the table never
// holds two non-terminal handshakes for the same peer.
func TestBookAtMostOneActivePerPeer(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	peers := []string{"a", "b", "c"}
	phases := []contracts.Phase{contracts.PhaseOffered, contracts.PhaseAccepted, contracts.PhaseRejected}
	b := NewBook()
	now := t0

	for i := 0; i < 2000; i++ {
		peer := peers[rng.Intn(len(peers))]
		now = now.Add(time.Duration(rng.Intn(5)) * time.Second)
		wasActive := b.Active(peer)
		before, _ := b.Get(peer)

		switch rng.Intn(6) {
		case 0:
			err := b.Open(peer, phases[rng.Intn(len(phases))], "ai", 8, now)
			if wasActive && err == nil {
				t.Fatalf("Open replaced an active handshake for %s", peer)
			}
		case 1:
			b.BeginDelivery(peer)
		case 2:
			b.Complete(peer, now)
		case 3:
			b.Reject(peer, now)
		case 4:
			b.Prune(now, 30*time.Second)
		case 5:
			b.Open(peer, contracts.PhaseOffered, "ai", 8, now)
		}

		if wasActive {
			after, ok := b.Get(peer)
			if ok && !after.Phase.Terminal() && !after.StartedAt.Equal(before.StartedAt) {
				t.Fatalf("active handshake for %s was replaced", peer)
			}
		}
		active := 0
		for _, hs := range b.List() {
			if !hs.Phase.Terminal() {
				active++
			}
		}
		if active != b.ActiveCount() || active > len(peers) {
			t.Fatalf("active count mismatch: %d vs %d", active, b.ActiveCount())
		}
	}
}
