package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"d2a-agent/src/contracts"
)

// Handler serves the status endpoints.
type Handler struct {
	src SnapshotSource
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status            string `json:"status"` // "healthy", "degraded" or "stopped"
	Pubkey            string `json:"pubkey"`
	Peers             int    `json:"peers"`
	ActiveHandshakes  int    `json:"active_handshakes"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	Timestamp         string `json:"timestamp"`
}

// Health reports whether the agent loop is running and reaching the network.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.src.Snapshot()

	status := "healthy"
	code := http.StatusOK
	switch {
	case !snap.Active:
		status = "stopped"
		code = http.StatusServiceUnavailable
	case snap.ConsecutiveErrors > 0:
		status = "degraded"
	}

	active := 0
	for _, hs := range snap.Handshakes {
		if !hs.Phase.Terminal() {
			active++
		}
	}

	h.JSON(w, code, HealthResponse{
		Status:            status,
		Pubkey:            snap.Pubkey,
		Peers:             len(snap.Peers),
		ActiveHandshakes:  active,
		ConsecutiveErrors: snap.ConsecutiveErrors,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, h.src.Snapshot())
}

func (h *Handler) Peers(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, h.src.Snapshot().Peers)
}

// Handshakes lists handshake records, optionally filtered by ?phase=.
func (h *Handler) Handshakes(w http.ResponseWriter, r *http.Request) {
	list := h.src.Snapshot().Handshakes
	phase := r.URL.Query().Get("phase")
	if phase == "" {
		h.JSON(w, http.StatusOK, list)
		return
	}

	switch contracts.Phase(phase) {
	case contracts.PhaseOffered, contracts.PhaseAccepted, contracts.PhaseDelivering,
		contracts.PhaseCompleted, contracts.PhaseRejected:
	default:
		h.Error(w, http.StatusBadRequest, "unknown phase: "+phase)
		return
	}

	filtered := make([]contracts.HandshakeState, 0, len(list))
	for _, hs := range list {
		if hs.Phase == contracts.Phase(phase) {
			filtered = append(filtered, hs)
		}
	}
	h.JSON(w, http.StatusOK, filtered)
}

// Activity returns the activity log, newest last, limited by ?limit=.
func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	entries := h.src.Snapshot().Activity
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}
	h.JSON(w, http.StatusOK, entries)
}

// Refresh asks the agent to run discovery now.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.src.Refresh()
	h.JSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}
