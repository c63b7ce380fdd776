// Package client is the Go client of the chat service: the HTTP API, the
// local conversation state, the realtime session and its call handling.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"zenchat/models"
)

// DefaultAPITimeout bounds every HTTP call
const DefaultAPITimeout = 8 * time.Second

var (
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrHandleTaken        = errors.New("username taken")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")

	ErrConnectionLost = errors.New("connection lost")
	ErrNotConnected   = errors.New("not connected")
	ErrLoggedOut      = errors.New("logged out")
)

// APIError is a non-2xx response from the server
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// Is maps server error codes onto the package sentinels
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrDuplicateEmail:
		return e.Code == "DUPLICATE_EMAIL"
	case ErrInvalidCredentials:
		return e.Code == "INVALID_CREDENTIALS"
	case ErrHandleTaken:
		return e.Code == "HANDLE_TAKEN"
	case ErrNotFound:
		return e.Code == "NOT_FOUND"
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized && e.Code != "INVALID_CREDENTIALS"
	}
	return false
}

// AuthResult is returned by register and login
type AuthResult struct {
	Profile models.Profile `json:"profile"`
	Token   string         `json:"token"`
}

// GroupRequest creates a group or channel
type GroupRequest struct {
	Name      string           `json:"name"`
	Type      models.GroupType `json:"type"`
	MemberIDs []string         `json:"memberIds"`
	AvatarURL string           `json:"avatar,omitempty"`
	OwnerID   string           `json:"ownerId"`
}

// API calls the HTTP endpoints. It remembers the token from the last
// successful register or login.
type API struct {
	base   string
	client *http.Client

	mu    sync.RWMutex
	token string
}

func NewAPI(baseURL string, client *http.Client) *API {
	if client == nil {
		client = &http.Client{Timeout: DefaultAPITimeout}
	}
	return &API{base: strings.TrimRight(baseURL, "/"), client: client}
}

func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

func (a *API) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

func (a *API) Register(ctx context.Context, name, email, secret string) (*AuthResult, error) {
	var out AuthResult
	body := map[string]string{"name": name, "email": email, "password": secret}
	if err := a.do(ctx, http.MethodPost, "/api/register", body, &out); err != nil {
		return nil, err
	}
	a.SetToken(out.Token)
	return &out, nil
}

func (a *API) Login(ctx context.Context, email, secret string) (*AuthResult, error) {
	var out AuthResult
	body := map[string]string{"email": email, "password": secret}
	if err := a.do(ctx, http.MethodPost, "/api/login", body, &out); err != nil {
		return nil, err
	}
	a.SetToken(out.Token)
	return &out, nil
}

func (a *API) Logout(ctx context.Context) error {
	err := a.do(ctx, http.MethodPost, "/api/logout", nil, nil)
	a.SetToken("")
	return err
}

func (a *API) Me(ctx context.Context) (*models.Profile, error) {
	var out models.Profile
	if err := a.do(ctx, http.MethodGet, "/api/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) UpdateUser(ctx context.Context, id string, upd models.UserUpdate) (*models.Profile, error) {
	var out models.Profile
	if err := a.do(ctx, http.MethodPost, "/api/users/"+url.PathEscape(id), upd, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) SearchUsers(ctx context.Context, query, excludeID string) ([]models.ProfileSummary, error) {
	q := url.Values{"query": {query}}
	if excludeID != "" {
		q.Set("excludeId", excludeID)
	}
	var out []models.ProfileSummary
	if err := a.do(ctx, http.MethodGet, "/api/users/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) Sync(ctx context.Context, userID string) (*models.Snapshot, error) {
	var out models.Snapshot
	if err := a.do(ctx, http.MethodGet, "/api/sync/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) CreateGroup(ctx context.Context, req GroupRequest) (*models.Group, error) {
	var out models.Group
	if err := a.do(ctx, http.MethodPost, "/api/groups", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) SaveSettings(ctx context.Context, userID string, s *models.Settings) error {
	return a.do(ctx, http.MethodPost, "/api/users/"+url.PathEscape(userID)+"/settings", s, nil)
}

// Messages returns a page of history counted back from the newest message
func (a *API) Messages(ctx context.Context, peerID string, limit, offset int) ([]models.Message, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}, "offset": {strconv.Itoa(offset)}}
	var out []models.Message
	path := "/api/conversations/" + url.PathEscape(peerID) + "/messages?" + q.Encode()
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead marks everything peerID sent as read and returns the ids
func (a *API) MarkRead(ctx context.Context, peerID string) ([]string, error) {
	var out struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(peerID)+"/read", nil, &out); err != nil {
		return nil, err
	}
	return out.MessageIDs, nil
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := a.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)); json.Unmarshal(data, &payload) == nil {
			apiErr.Code, apiErr.Message = payload.Code, payload.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
