package api

import (
	"encoding/json"
	"net/http"
	"time"

	"tollgate/internal/license"
)

// licenseSnapshot is the first frame on every license stream (re)connect.
// It carries the full current state; later frames are single status-change
// events. Clients reconnect with their own backoff and treat the snapshot
// as authoritative.
type licenseSnapshot struct {
	Snapshot bool                 `json:"snapshot"`
	Active   *license.StatusEvent `json:"active"`
	Pending  *license.StatusEvent `json:"pending"`
}

// streamLicense serves the per-owner SSE stream.
func (h *Handler) streamLicense(w http.ResponseWriter, r *http.Request) {
	owner := license.NormalizeOwner(r.URL.Query().Get("owner"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "owner is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	// Subscribe before the snapshot read so no event between the two is lost;
	// an event raced in that window shows up twice, which at-least-once allows.
	sub := h.hub.SubscribeSubject(owner, 16)
	defer h.hub.Unsubscribe(sub)

	active, pending, err := h.licenses.Status(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not read license status")
		return
	}
	snap, err := json.Marshal(licenseSnapshot{Snapshot: true, Active: active, Pending: pending})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not encode snapshot")
		return
	}

	h.serveSSE(w, r, flusher, snap, sub.Events(), sub.Done())
}

// streamSettings serves the global settings SSE stream.
func (h *Handler) streamSettings(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	sub := h.hub.SubscribeGlobal(16)
	defer h.hub.Unsubscribe(sub)

	current, err := h.settings.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not read settings")
		return
	}
	snap, err := json.Marshal(current)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not encode snapshot")
		return
	}

	h.serveSSE(w, r, flusher, snap, sub.Events(), sub.Done())
}

// serveSSE writes the snapshot, then events as data frames and comment-only
// heartbeats until the client goes away.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, flusher http.Flusher, snapshot []byte, events <-chan []byte, done <-chan struct{}) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if !writeSSEData(w, snapshot) {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case payload := <-events:
			if !writeSSEData(w, payload) {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": hb\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEData(w http.ResponseWriter, payload []byte) bool {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(payload); err != nil {
		return false
	}
	_, err := w.Write([]byte("\n\n"))
	return err == nil
}
