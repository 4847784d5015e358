package hub

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// Upgrader instance to upgrade all HTTP connections to a WebSocket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HandleWS upgrades an incoming HTTP connection and serves it until it
// closes. The document and user are identified by query parameters; identity
// itself is established upstream by the authentication collaborator.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	documentID := r.URL.Query().Get("doc")
	userID := r.URL.Query().Get("user")
	if documentID == "" || userID == "" {
		http.Error(w, "doc and user query parameters are required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("error upgrading connection to websocket: %v", err)
		return
	}

	if err := h.Serve(conn, documentID, userID); err != nil {
		h.logger.Warnf("session ended: %v", err)
	}
}
