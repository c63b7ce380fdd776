// Package database is the persistence layer: accounts, sessions, per-user
// conversation logs, groups and settings. Three backends implement Store:
// SQL (sqlite or postgres), Badger and Redis.
package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"zenchat/models"
)

var (
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrHandleTaken        = errors.New("username taken")
	ErrNotFound           = errors.New("not found")
	ErrNotMember          = errors.New("not a member of the group")
	ErrInvalidMessage     = errors.New("message id and target are required")
)

// SearchLimit bounds SearchUsers results
const SearchLimit = 20

// BcryptCost is the cost used for new credentials. Tests lower it.
var BcryptCost = bcrypt.DefaultCost

type UserStore interface {
	CreateUser(ctx context.Context, name, email, secret string) (*models.User, error)
	Authenticate(ctx context.Context, email, secret string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpdateUser(ctx context.Context, id string, upd models.UserUpdate) (*models.User, error)
	SearchUsers(ctx context.Context, query, excludeID string) ([]models.ProfileSummary, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	// GetSession returns ErrNotFound for missing and expired sessions.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

type MessageStore interface {
	// AppendMessage adds msg to the log named by key. It is idempotent on
	// msg.ID and reports whether the message was new.
	AppendMessage(ctx context.Context, key models.ConversationKey, msg *models.Message) (bool, error)
	// ReadLog returns the log in append order.
	ReadLog(ctx context.Context, key models.ConversationKey) ([]models.Message, error)
	// SetMessageStatus changes only the status field. Backward moves are ignored.
	SetMessageStatus(ctx context.Context, key models.ConversationKey, id string, status models.MessageStatus) error
	// ListPeers returns every peer owner has a direct log with.
	ListPeers(ctx context.Context, owner string) ([]string, error)
}

type GroupStore interface {
	CreateGroup(ctx context.Context, name string, groupType models.GroupType, memberIDs []string, avatar, ownerID string) (*models.Group, error)
	GetGroup(ctx context.Context, id string) (*models.Group, error)
	GroupsForUser(ctx context.Context, userID string) ([]models.Group, error)
}

type SettingsStore interface {
	// GetSettings returns ErrNotFound when the user never saved settings.
	GetSettings(ctx context.Context, userID string) (*models.Settings, error)
	SaveSettings(ctx context.Context, userID string, s *models.Settings) error
}

// Store combines all storage interfaces
type Store interface {
	UserStore
	SessionStore
	MessageStore
	GroupStore
	SettingsStore

	// ReadSnapshot returns the full state of userID for the sync protocol.
	ReadSnapshot(ctx context.Context, userID string) (*models.Snapshot, error)
	Ping(ctx context.Context) error
	Close() error
}

func checkAppend(key models.ConversationKey, msg *models.Message) error {
	if msg == nil || msg.ID == "" || key.Owner == "" || key.Peer == "" {
		return ErrInvalidMessage
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newGroup(name string, groupType models.GroupType, memberIDs []string, avatar, ownerID string) *models.Group {
	if groupType == "" {
		groupType = models.GroupTypeGroup
	}
	members, admins := models.NormalizeMembers(ownerID, memberIDs)
	return &models.Group{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		Type:      groupType,
		AvatarURL: avatar,
		OwnerID:   ownerID,
		MemberIDs: members,
		AdminIDs:  admins,
		Settings:  models.DefaultGroupSettings(groupType),
		CreatedAt: time.UnixMilli(time.Now().UnixMilli()).UTC(),
	}
}

// cleanHandle strips whitespace and a leading @ from a user supplied handle
func cleanHandle(handle string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

func normalizeHandle(handle string) string {
	return strings.ToLower(cleanHandle(handle))
}

func hashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// matchesQuery is the in-process form of the SQL search predicate
func matchesQuery(u *models.User, lowerQuery string) bool {
	return strings.Contains(strings.ToLower(u.Name), lowerQuery) ||
		strings.Contains(strings.ToLower(u.Handle), lowerQuery) ||
		strings.Contains(u.Email, lowerQuery)
}

// userRecord is the stored form of a user, credential hash included
type userRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Handle     string `json:"handle"`
	AvatarURL  string `json:"avatarUrl"`
	SecretHash string `json:"secretHash"`
	CreatedAt  int64  `json:"createdAt"`
}

func newUserRecord(u *models.User) userRecord {
	return userRecord{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		Handle:     u.Handle,
		AvatarURL:  u.AvatarURL,
		SecretHash: u.SecretHash,
		CreatedAt:  u.CreatedAt.UnixMilli(),
	}
}

func (r *userRecord) user() *models.User {
	return &models.User{
		ID:         r.ID,
		Name:       r.Name,
		Email:      r.Email,
		Handle:     r.Handle,
		AvatarURL:  r.AvatarURL,
		SecretHash: r.SecretHash,
		CreatedAt:  time.UnixMilli(r.CreatedAt).UTC(),
	}
}
