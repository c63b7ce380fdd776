package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"zenchat/auth"
	"zenchat/config"
	"zenchat/database"
	"zenchat/models"
)

type fakeSessions struct {
	sessions map[string]*models.Session
	users    map[string]*models.User
}

func (f *fakeSessions) GetSession(_ context.Context, id string) (*models.Session, error) {
	if s, ok := f.sessions[id]; ok {
		return s, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeSessions) GetUser(_ context.Context, id string) (*models.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, database.ErrNotFound
}

func newAuthenticator(t *testing.T) (*Authenticator, *auth.Tokens) {
	t.Helper()
	tokens, err := auth.NewTokens("middleware-test-secret-0123456789", "zenchat", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	store := &fakeSessions{
		sessions: map[string]*models.Session{
			"s1": {ID: "s1", UserID: "u1"},
			"s2": {ID: "s2", UserID: "u2"},
		},
		users: map[string]*models.User{
			"u1": {ID: "u1", Name: "Alice"},
			"u2": {ID: "u2", Name: "Bob"},
		},
	}
	return NewAuthenticator(store, tokens), tokens
}

func TestRequired(t *testing.T) {
	t.Parallel()
	a, tokens := newAuthenticator(t)

	valid, _, _ := tokens.Issue("u1", "s1")
	mismatched, _, _ := tokens.Issue("u1", "s2")
	unknown, _, _ := tokens.Issue("u1", "gone")

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		user   string
	}{
		{"no credentials", func(*http.Request) {}, http.StatusUnauthorized, ""},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "s2"}) }, http.StatusOK, "u2"},
		{"unknown cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "nope"}) }, http.StatusUnauthorized, ""},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) }, http.StatusOK, "u1"},
		{"bearer for another user's session", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+mismatched) }, http.StatusUnauthorized, ""},
		{"bearer for revoked session", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+unknown) }, http.StatusUnauthorized, ""},
		{"garbage bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var gotUser string
			h := a.Required(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser = GetUserFromContext(r).ID
				if GetSessionFromContext(r) == nil {
					t.Error("session missing from context")
				}
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if gotUser != tt.user {
				t.Fatalf("expected user %q, got %q", tt.user, gotUser)
			}
		})
	}
}

func TestOptionalPassesThrough(t *testing.T) {
	t.Parallel()
	a, _ := newAuthenticator(t)

	called := false
	h := a.Optional(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if GetUserFromContext(r) != nil {
			t.Error("no user expected")
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/logout", nil))
	if !called {
		t.Fatal("handler not called")
	}
}

func TestRequestLoggerCorrelationID(t *testing.T) {
	t.Parallel()

	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatal("generated request id missing")
	}
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status not passed through: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "abc123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "abc123" {
		t.Fatalf("incoming request id not kept: %q", got)
	}
}

func TestRecover(t *testing.T) {
	t.Parallel()

	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	t.Parallel()

	h := RateLimit(config.RateLimitConfig{Enabled: false})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for range 5 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("disabled limiter rejected a request: %d", rec.Code)
		}
	}
}
