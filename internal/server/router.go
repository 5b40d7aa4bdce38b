// Package server wires the HTTP surface: the websocket endpoint, health
// checks, presence, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relayline-systems/relayline/internal/presence"
)

// Readiness reports whether the broker connection is up.
type Readiness interface {
	IsConnected() bool
}

// PresenceReader exposes the cluster-wide presence view, nil when presence
// is disabled.
type PresenceReader interface {
	Snapshot(ctx context.Context) ([]presence.Instance, error)
}

// Handler serves the non-websocket routes.
type Handler struct {
	ready    Readiness
	presence PresenceReader
}

// NewHandler creates the HTTP handler. presence may be nil.
func NewHandler(ready Readiness, pres PresenceReader) *Handler {
	return &Handler{ready: ready, presence: pres}
}

// NewRouter constructs a ServeMux with all routes registered.
func NewRouter(h *Handler, ws http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/ws", ws)
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)
	mux.HandleFunc("/api/v1/presence", h.Presence)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the instance can relay messages.
func (h *Handler) Ready(w http.ResponseWriter, _ *http.Request) {
	if h.ready == nil || !h.ready.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "broker disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Presence returns the cluster-wide instance view, 404 when disabled.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		http.NotFound(w, r)
		return
	}

	instances, err := h.presence.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if instances == nil {
		instances = []presence.Instance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
