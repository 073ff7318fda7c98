package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"drilunia/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WebSocketHandler struct {
	hub *ws.Hub
}

func NewWebSocketHandler(hub *ws.Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// ServeWS upgrades the connection and runs the handshake. Authentication
// failures are reported on the socket with close code 1008 so clients can
// distinguish credential problems from network ones.
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "component", "api", "error", err)
		return
	}

	session := ws.NewSession(h.hub, conn)
	if !session.Handshake(token) {
		return
	}

	go session.WritePump()
	go session.ReadPump()
}
