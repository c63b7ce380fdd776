package relay

import (
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"zenchat/logging"
)

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.Origins) == 0 || slices.Contains(h.opts.Origins, "*") {
		return true
	}
	return slices.Contains(h.opts.Origins, origin)
}

// ServeWS upgrades the request and starts the connection pumps. The
// connection is unauthenticated until it sends join.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
