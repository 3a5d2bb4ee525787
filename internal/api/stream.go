package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/relaybot/internal/domain"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// ProgressStream pushes the current snapshot and every later change over a
// websocket until the client goes away or the publisher closes.
func (h *Handler) ProgressStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.CloseNow(); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	updates, unsubscribe := h.deps.Progress.Subscribe()
	defer unsubscribe()

	// Inbound messages are ignored; CloseRead cancels ctx when the peer leaves.
	ctx := ws.CloseRead(r.Context())

	if err := h.writeSnapshot(ctx, ws, h.deps.Progress.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := h.writeSnapshot(ctx, ws, snap); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeSnapshot(ctx context.Context, ws *websocket.Conn, snap domain.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, snap); err != nil {
		h.logger.Debug("Progress stream write failed", "error", err)
		return err
	}
	return nil
}
