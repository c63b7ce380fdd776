package handlers

import (
	"net/http"

	"zenchat/logging"
)

// Upgrader accepts realtime connections
type Upgrader interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// WebSocket hands the connection to the relay. Authentication happens in
// the join event, so the route itself is public.
func WebSocket(relay Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logging.Ctx(r.Context()).Debug().Str("remote_addr", r.RemoteAddr).Msg("WebSocket connection requested")
		relay.ServeWS(w, r)
	}
}
