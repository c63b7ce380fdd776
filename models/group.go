package models

import (
	"slices"
	"time"
)

// GroupType distinguishes discussion groups from broadcast channels
type GroupType string

const (
	GroupTypeGroup   GroupType = "group"
	GroupTypeChannel GroupType = "channel"
)

// GroupSettings are the per-group options
type GroupSettings struct {
	HistoryVisible    bool `json:"historyVisible"`
	MembersCanPost    bool `json:"sendMessages"`
	AutoDeleteSeconds int  `json:"autoDeleteMessages"`
}

// DefaultGroupSettings returns the settings a new group of type t starts with.
// Channels are admin-post only.
func DefaultGroupSettings(t GroupType) GroupSettings {
	return GroupSettings{
		HistoryVisible: true,
		MembersCanPost: t != GroupTypeChannel,
	}
}

// Group represents a group or channel and owns its own conversation log
type Group struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      GroupType     `json:"type"`
	AvatarURL string        `json:"avatarUrl"`
	OwnerID   string        `json:"ownerId"`
	MemberIDs []string      `json:"memberIds"`
	AdminIDs  []string      `json:"adminIds"`
	Settings  GroupSettings `json:"settings"`
	CreatedAt time.Time     `json:"createdAt"`
}

// IsMember reports whether userID belongs to the group
func (g *Group) IsMember(userID string) bool {
	return slices.Contains(g.MemberIDs, userID)
}

// IsAdmin reports whether userID administers the group. The owner always does.
func (g *Group) IsAdmin(userID string) bool {
	return userID == g.OwnerID || slices.Contains(g.AdminIDs, userID)
}

// CanPost reports whether userID may append to the group log
func (g *Group) CanPost(userID string) bool {
	if !g.IsMember(userID) {
		return false
	}
	return g.Settings.MembersCanPost || g.IsAdmin(userID)
}

// NormalizeMembers dedups memberIDs and makes sure the owner is present
// and listed as admin.
func NormalizeMembers(ownerID string, memberIDs []string) (members, admins []string) {
	seen := map[string]bool{ownerID: true}
	members = []string{ownerID}
	for _, id := range memberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	return members, []string{ownerID}
}
