package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"d2a-agent/src/contracts"
	"d2a-agent/src/logger"
)

type fakeSource struct {
	snap      contracts.Snapshot
	refreshes atomic.Int32
}

func (f *fakeSource) Snapshot() contracts.Snapshot { return f.snap }
func (f *fakeSource) Refresh()                     { f.refreshes.Add(1) }

func sampleSnapshot() contracts.Snapshot {
	now := time.Now()
	done := now.Add(-time.Minute)
	return contracts.Snapshot{
		Active: true,
		Pubkey: "self",
		Peers: []contracts.AgentProfile{
			{Pubkey: "p1", Interests: []string{"ai"}, Capacity: 3, Resonance: 0.8},
			{Pubkey: "p2", Interests: []string{"security"}, Capacity: 1, Resonance: 0.4},
		},
		Handshakes: []contracts.HandshakeState{
			{Peer: "p1", Phase: contracts.PhaseOffered, Topic: "ai", Score: 8, StartedAt: now},
			{Peer: "p2", Phase: contracts.PhaseCompleted, Topic: "security", Score: 7.5, StartedAt: now, CompletedAt: &done},
		},
		Sent: 1,
		Activity: []contracts.ActivityEntry{
			{At: now, Kind: contracts.ActivityDiscovery, Message: "discovered 2 peers"},
			{At: now, Kind: contracts.ActivityOfferSent, Peer: "p1", Message: "offered"},
			{At: now, Kind: contracts.ActivityDelivered, Peer: "p2", Message: "delivered"},
		},
		UpdatedAt: now,
	}
}

func serve(t *testing.T, src SnapshotSource, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(src, logger.NewSilentLogger())
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*contracts.Snapshot)
		wantCode   int
		wantStatus string
	}{
		{"healthy", func(*contracts.Snapshot) {}, http.StatusOK, "healthy"},
		{"degraded", func(s *contracts.Snapshot) { s.ConsecutiveErrors = 2 }, http.StatusOK, "degraded"},
		{"stopped", func(s *contracts.Snapshot) { s.Active = false }, http.StatusServiceUnavailable, "stopped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{snap: sampleSnapshot()}
			tt.mutate(&src.snap)

			rec := serve(t, src, http.MethodGet, "/health")
			if rec.Code != tt.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp HealthResponse
			decode(t, rec, &resp)
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.Peers != 2 || resp.ActiveHandshakes != 1 {
				t.Errorf("unexpected counts %+v", resp)
			}
		})
	}
}

func TestSnapshotEndpoints(t *testing.T) {
	src := &fakeSource{snap: sampleSnapshot()}

	t.Run("snapshot", func(t *testing.T) {
		rec := serve(t, src, http.MethodGet, "/v1/snapshot")
		if rec.Code != http.StatusOK {
			t.Fatalf("status code = %d", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		var snap contracts.Snapshot
		decode(t, rec, &snap)
		if snap.Pubkey != "self" || snap.Sent != 1 || len(snap.Handshakes) != 2 {
			t.Errorf("unexpected snapshot %+v", snap)
		}
	})

	t.Run("peers", func(t *testing.T) {
		var peers []contracts.AgentProfile
		decode(t, serve(t, src, http.MethodGet, "/v1/peers"), &peers)
		if len(peers) != 2 || peers[0].Pubkey != "p1" {
			t.Errorf("unexpected peers %+v", peers)
		}
	})

	t.Run("handshakes by phase", func(t *testing.T) {
		var list []contracts.HandshakeState
		decode(t, serve(t, src, http.MethodGet, "/v1/handshakes?phase=completed"), &list)
		if len(list) != 1 || list[0].Peer != "p2" {
			t.Errorf("unexpected handshakes %+v", list)
		}
	})

	t.Run("unknown phase", func(t *testing.T) {
		rec := serve(t, src, http.MethodGet, "/v1/handshakes?phase=bogus")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status code = %d, want 400", rec.Code)
		}
	})

	t.Run("activity limit", func(t *testing.T) {
		var entries []contracts.ActivityEntry
		decode(t, serve(t, src, http.MethodGet, "/v1/activity?limit=2"), &entries)
		if len(entries) != 2 || entries[1].Kind != contracts.ActivityDelivered {
			t.Errorf("expected the two newest entries, got %+v", entries)
		}
	})

	t.Run("invalid limit", func(t *testing.T) {
		rec := serve(t, src, http.MethodGet, "/v1/activity?limit=0")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status code = %d, want 400", rec.Code)
		}
	})
}

func TestRefresh(t *testing.T) {
	src := &fakeSource{snap: sampleSnapshot()}

	rec := serve(t, src, http.MethodPost, "/v1/refresh")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status code = %d, want 202", rec.Code)
	}
	if n := src.refreshes.Load(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}

	if rec := serve(t, src, http.MethodGet, "/v1/refresh"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/refresh = %d, want 405", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	src := &fakeSource{snap: sampleSnapshot()}
	serve(t, src, http.MethodGet, "/health")

	rec := serve(t, src, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "d2a_http_requests_total") {
		t.Error("request counter missing from /metrics")
	}
}

func TestClient(t *testing.T) {
	src := &fakeSource{snap: sampleSnapshot()}
	srv := httptest.NewServer(NewRouter(src, logger.NewSilentLogger()))
	defer srv.Close()

	client := NewClient(srv.URL)
	snap, err := client.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Pubkey != "self" || len(snap.Peers) != 2 {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	if err := client.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if n := src.refreshes.Load(); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
}

func TestClientErrors(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewClient(url).Snapshot(context.Background())
		if !errors.Is(err, ErrAgentUnreachable) {
			t.Errorf("expected ErrAgentUnreachable, got %v", err)
		}
	})

	t.Run("error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"boom"}`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL).Snapshot(context.Background())
		if err == nil || !strings.Contains(err.Error(), "boom") {
			t.Errorf("expected server error message, got %v", err)
		}
	})

	t.Run("scheme added", func(t *testing.T) {
		if c := NewClient("127.0.0.1:7878/"); c.BaseURL != "http://127.0.0.1:7878" {
			t.Errorf("BaseURL = %q", c.BaseURL)
		}
	})
}
