package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"zenchat/logging"
	"zenchat/middleware"
	"zenchat/models"
)

type registerRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=128"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type authResponse struct {
	Profile models.Profile `json:"profile"`
	Token   string         `json:"token,omitempty"`
}

// Register creates an account and signs it in
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}

	user, err := h.store.CreateUser(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		storeError(r.Context(), w, err, "create user")
		return
	}
	logging.Ctx(r.Context()).Info().Str("user_id", user.ID).Msg("User registered")
	h.startSession(w, r, user)
}

// Login handles user authentication
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}

	user, err := h.store.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		storeError(r.Context(), w, err, "log in")
		return
	}
	h.startSession(w, r, user)
}

// startSession stores a session, sets the cookie and returns the profile
// with a bearer token naming the same session
func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, user *models.User) {
	now := time.Now()
	ttl := h.cfg.Auth.TokenTTL
	session := &models.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := h.store.CreateSession(r.Context(), session); err != nil {
		storeError(r.Context(), w, err, "create session")
		return
	}

	var token string
	if h.tokens != nil {
		var err error
		token, _, err = h.tokens.Issue(user.ID, session.ID)
		if err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Msg("Failed to issue token")
			writeError(w, http.StatusInternalServerError, "Failed to create session", "INTERNAL")
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   h.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, authResponse{Profile: user.ToProfile(), Token: token})
}

// Logout revokes the caller's session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if session := middleware.GetSessionFromContext(r); session != nil {
		if err := h.store.DeleteSession(r.Context(), session.ID); err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Msg("Failed to delete session")
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Me returns the current authenticated user
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated", "UNAUTHORIZED")
		return
	}
	writeJSON(w, http.StatusOK, user.ToProfile())
}
