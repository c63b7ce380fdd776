package models

import "time"

// User represents an account as stored by the persistence layer
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Handle     string    `json:"username,omitempty"`
	AvatarURL  string    `json:"avatarUrl"`
	SecretHash string    `json:"-"` // Never send the credential hash in JSON
	CreatedAt  time.Time `json:"createdAt"`
}

// Profile is the safe version of User for API responses
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Handle    string `json:"username,omitempty"`
	AvatarURL string `json:"avatarUrl"`
}

// ProfileSummary is what search results carry
type ProfileSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Handle    string `json:"username,omitempty"`
	AvatarURL string `json:"avatarUrl"`
	Online    bool   `json:"isOnline"`
}

// ToProfile converts User to Profile
func (u *User) ToProfile() Profile {
	return Profile{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Handle:    u.Handle,
		AvatarURL: u.AvatarURL,
	}
}

// ToSummary converts User to ProfileSummary
func (u *User) ToSummary() ProfileSummary {
	return ProfileSummary{
		ID:        u.ID,
		Name:      u.Name,
		Handle:    u.Handle,
		AvatarURL: u.AvatarURL,
	}
}

// UserUpdate carries a partial profile edit. Nil fields are left unchanged.
type UserUpdate struct {
	Name      *string `json:"name,omitempty" validate:"omitempty,min=1,max=64"`
	Handle    *string `json:"username,omitempty" validate:"omitempty,max=32"`
	AvatarURL *string `json:"avatarUrl,omitempty" validate:"omitempty,max=2048"`
}

// Apply writes the non-nil fields of upd onto u
func (u *User) Apply(upd UserUpdate) {
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.Handle != nil {
		u.Handle = *upd.Handle
	}
	if upd.AvatarURL != nil {
		u.AvatarURL = *upd.AvatarURL
	}
}

// Session is a server-side login record backing a token or cookie
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session is no longer valid at now
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
