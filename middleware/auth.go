package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"zenchat/auth"
	"zenchat/logging"
	"zenchat/models"
)

type contextKey string

const (
	UserContextKey    contextKey = "user"
	SessionContextKey contextKey = "session"
)

// SessionCookie names the cookie set on register and login
const SessionCookie = "session"

// SessionStore is what authentication needs from persistence
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Authenticator resolves the caller from the session cookie or a bearer
// token. Both name a server-side session, so logout revokes either.
type Authenticator struct {
	store  SessionStore
	tokens *auth.Tokens
}

func NewAuthenticator(store SessionStore, tokens *auth.Tokens) *Authenticator {
	return &Authenticator{store: store, tokens: tokens}
}

var errNoCredentials = errors.New("no credentials")

func (a *Authenticator) resolve(r *http.Request) (*models.User, *models.Session, error) {
	ctx := r.Context()
	var sessionID, tokenUser string

	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") && a.tokens != nil {
		claims, err := a.tokens.Verify(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			return nil, nil, err
		}
		sessionID, tokenUser = claims.SessionID, claims.UserID()
	} else if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		sessionID = cookie.Value
	} else {
		return nil, nil, errNoCredentials
	}

	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if tokenUser != "" && tokenUser != session.UserID {
		return nil, nil, auth.ErrInvalidToken
	}
	user, err := a.store.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// Required rejects requests without a valid session
func (a *Authenticator) Required(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, session, err := a.resolve(r)
		if err != nil {
			logging.Ctx(r.Context()).Debug().Err(err).Str("path", r.URL.Path).Msg("Unauthenticated request")
			writeError(w, http.StatusUnauthorized, "Unauthorized", "UNAUTHORIZED")
			return
		}
		ctx := context.WithValue(r.Context(), UserContextKey, user)
		ctx = context.WithValue(ctx, SessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Optional tries to authenticate but doesn't fail if not authenticated
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, session, err := a.resolve(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), UserContextKey, user)
		ctx = context.WithValue(ctx, SessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserFromContext retrieves the user from the request context
func GetUserFromContext(r *http.Request) *models.User {
	user, ok := r.Context().Value(UserContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

// GetSessionFromContext retrieves the session the caller authenticated with
func GetSessionFromContext(r *http.Request) *models.Session {
	session, ok := r.Context().Value(SessionContextKey).(*models.Session)
	if !ok {
		return nil
	}
	return session
}
