package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// WebSocketHandler streams hub events to WebSocket clients as JSON text
// frames. The optional sessionId query parameter narrows the feed.
type WebSocketHandler struct {
	hub            *Hub
	originPatterns []string
	logger         *slog.Logger
}

// NewWebSocketHandler creates a handler. originPatterns follow
// websocket.AcceptOptions; nil allows same-origin requests only.
func NewWebSocketHandler(hub *Hub, originPatterns []string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{hub: hub, originPatterns: originPatterns, logger: logger}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("sessionId")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	sub := h.hub.Subscribe(filter, DefaultBuffer)
	defer sub.Close()

	// The feed is write-only; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := ws.CloseRead(r.Context())
	h.logger.Info("Event feed connected", "session_filter", filter, "ip", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Event feed disconnected", "ip", r.RemoteAddr)
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, ws, e); err != nil {
				h.logger.Debug("Event feed write failed", "error", err)
				return
			}
		}
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
