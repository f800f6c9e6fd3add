package relay

import (
	"log/slog"
	"net/http"
	"regexp"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dasher-automate/internal/domain"
)

const maxFrameBytes = 64 << 10

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// WebSocketHandler upgrades /ws/{sessionId} requests and runs the read loop
// of each connection.
type WebSocketHandler struct {
	relay          *Relay
	allowedOrigins []string
}

// NewWebSocketHandler creates a handler. An allowed origin of "*" accepts
// any origin.
func NewWebSocketHandler(relay *Relay, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{relay: relay, allowedOrigins: allowedOrigins}
}

// RegisterRoutes mounts the WebSocket endpoint.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionId}", h.ServeHTTP)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	// A bare console prefix names no device.
	if !sessionIDPattern.MatchString(sessionID) || sessionID == domain.ConsolePrefix {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	slog.Info("WebSocket connection request", "session_id", sessionID, "ip", r.RemoteAddr)

	handshake := h.relay.MarkConnecting(r.Context(), sessionID)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		h.relay.MarkFailed(r.Context(), handshake)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	ctx := r.Context()
	conn := h.relay.OnConnect(ctx, sessionID, ws)
	defer h.relay.OnDisconnect(ctx, conn)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by peer", "session_id", sessionID, "conn_id", conn.ID())
			} else if conn.Live() {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}
		h.relay.OnMessage(ctx, conn, data)
	}
}

func (h *WebSocketHandler) originPatterns() []string {
	for _, o := range h.allowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
	}
	return h.allowedOrigins
}
