package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"zenchat/metrics"
	"zenchat/middleware"
)

// RouterDeps are the collaborators NewRouter wires
type RouterDeps struct {
	Handler *Handler
	Auth    *middleware.Authenticator
	Relay   Upgrader
}

// NewRouter builds the full HTTP surface. CORS wraps the router so
// preflight requests are answered before route matching.
func NewRouter(deps RouterDeps) http.Handler {
	h := deps.Handler
	cfg := h.cfg

	r := mux.NewRouter()
	r.Use(middleware.Recover, middleware.RequestLogger)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, metrics.Handler()).Methods(http.MethodGet)
	}
	if deps.Relay != nil {
		r.HandleFunc("/ws", WebSocket(deps.Relay)).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.RateLimit(cfg.RateLimit))

	public := api.NewRoute().Subrouter()
	public.HandleFunc("/register", h.Register).Methods(http.MethodPost)
	public.HandleFunc("/login", h.Login).Methods(http.MethodPost)

	optional := api.NewRoute().Subrouter()
	optional.Use(deps.Auth.Optional)
	optional.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)

	protected := api.NewRoute().Subrouter()
	protected.Use(deps.Auth.Required)
	protected.HandleFunc("/me", h.Me).Methods(http.MethodGet)
	protected.HandleFunc("/users/search", h.SearchUsers).Methods(http.MethodGet)
	protected.HandleFunc("/users/{id}", h.UpdateUser).Methods(http.MethodPost)
	protected.HandleFunc("/users/{id}/settings", h.SaveSettings).Methods(http.MethodPost)
	protected.HandleFunc("/sync/{userId}", h.Sync).Methods(http.MethodGet)
	protected.HandleFunc("/groups", h.CreateGroup).Methods(http.MethodPost)
	protected.HandleFunc("/groups/{id}", h.GetGroup).Methods(http.MethodGet)
	protected.HandleFunc("/conversations/{peerId}/messages", h.GetMessages).Methods(http.MethodGet)
	protected.HandleFunc("/conversations/{peerId}/read", h.MarkAsRead).Methods(http.MethodPost)

	return middleware.CORS(cfg.Server.CORSOrigins)(r)
}
