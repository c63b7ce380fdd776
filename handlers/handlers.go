// Package handlers serves the HTTP API: accounts, search, sync, groups,
// settings and message history. Realtime traffic goes through relay.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"zenchat/auth"
	"zenchat/config"
	"zenchat/database"
	"zenchat/logging"
	"zenchat/middleware"
	"zenchat/models"
	"zenchat/validation"
)

// maxBodyBytes bounds JSON request bodies. Avatars arrive as data URLs.
const maxBodyBytes = 4 << 20

// AssistantName is how the assistant contact is listed
const AssistantName = "Gemini AI"

// Presence reports live connections
type Presence interface {
	Online(userID string) bool
}

// Notifier pushes an event to every connection of a user
type Notifier interface {
	Notify(userID, name string, data any) int
}

// Handler holds the dependencies shared by every endpoint
type Handler struct {
	store     database.Store
	tokens    *auth.Tokens
	presence  Presence
	notifier  Notifier
	cfg       *config.Config
	startedAt time.Time
}

func New(store database.Store, tokens *auth.Tokens, presence Presence, notifier Notifier, cfg *config.Config) *Handler {
	return &Handler{
		store:     store,
		tokens:    tokens,
		presence:  presence,
		notifier:  notifier,
		cfg:       cfg,
		startedAt: time.Now(),
	}
}

type errorResponse struct {
	Error  string                  `json:"error"`
	Code   string                  `json:"code"`
	Fields []validation.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// decode reads a JSON body into v and validates it
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", "BAD_REQUEST")
		return false
	}
	if err := validation.Struct(v); err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Code: "VALIDATION", Fields: verr.Fields})
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION")
		return false
	}
	return true
}

// storeError maps persistence errors onto responses
func storeError(ctx context.Context, w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, database.ErrDuplicateEmail):
		writeError(w, http.StatusBadRequest, "Email already registered", "DUPLICATE_EMAIL")
	case errors.Is(err, database.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid email or password", "INVALID_CREDENTIALS")
	case errors.Is(err, database.ErrHandleTaken):
		writeError(w, http.StatusBadRequest, "Username already taken", "HANDLE_TAKEN")
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", "NOT_FOUND")
	case errors.Is(err, database.ErrNotMember):
		writeError(w, http.StatusForbidden, "Not a member", "NOT_MEMBER")
	default:
		logging.Ctx(ctx).Error().Err(err).Str("action", action).Msg("Store operation failed")
		writeError(w, http.StatusInternalServerError, "Failed to "+action, "INTERNAL")
	}
}

// self returns the caller when it is userID, else writes 403
func self(w http.ResponseWriter, r *http.Request, userID string) (*models.User, bool) {
	user := middleware.GetUserFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated", "UNAUTHORIZED")
		return nil, false
	}
	if user.ID != userID {
		writeError(w, http.StatusForbidden, "Forbidden", "FORBIDDEN")
		return nil, false
	}
	return user, true
}

func (h *Handler) online(userID string) bool {
	return h.presence != nil && h.presence.Online(userID)
}

// Health reports liveness and store reachability
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Health check: store unreachable")
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}
