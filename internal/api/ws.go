package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"tollgate/internal/license"
)

// wsLicense serves the per-owner license stream over a WebSocket, for
// clients behind proxies that buffer SSE. Same contract: snapshot first,
// then one JSON object per state change; heartbeats are protocol pings.
func (h *Handler) wsLicense(w http.ResponseWriter, r *http.Request) {
	owner := license.NormalizeOwner(r.URL.Query().Get("owner"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "owner is required")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Error("api.ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	// Write-only endpoint: CloseRead pumps the read side and cancels the
	// context when the client goes away.
	ctx := conn.CloseRead(r.Context())

	sub := h.hub.SubscribeSubject(owner, 16)
	defer h.hub.Unsubscribe(sub)

	active, pending, err := h.licenses.Status(ctx, owner)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "status read failed")
		return
	}
	snap, err := json.Marshal(licenseSnapshot{Snapshot: true, Active: active, Pending: pending})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "encode failed")
		return
	}
	if err := writeWS(ctx, conn, snap); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case payload := <-sub.Events():
			if err := writeWS(ctx, conn, payload); err != nil {
				return
			}
		case <-heartbeat.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
