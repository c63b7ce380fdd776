package models

// ConversationKind tags the variant held by a Conversation
type ConversationKind string

const (
	KindUser    ConversationKind = "user"
	KindGroup   ConversationKind = "group"
	KindChannel ConversationKind = "channel"
)

const groupOwner = "#group"

// ConversationKey names one conversation log. Direct logs are owned by one
// participant and keyed by the peer; group logs have a single shared owner.
type ConversationKey struct {
	Owner string
	Peer  string
}

// DirectKey is owner's log of the conversation with peer
func DirectKey(owner, peer string) ConversationKey {
	return ConversationKey{Owner: owner, Peer: peer}
}

// GroupKey is the shared log of a group or channel
func GroupKey(groupID string) ConversationKey {
	return ConversationKey{Owner: groupOwner, Peer: groupID}
}

// IsGroup reports whether the key names a group log
func (k ConversationKey) IsGroup() bool {
	return k.Owner == groupOwner
}

func (k ConversationKey) String() string {
	return k.Owner + "/" + k.Peer
}

// Conversation is a list entry: a user, a group or a channel. Every variant
// exposes ID, Name and AvatarURL; the payload matching Kind is set.
type Conversation struct {
	Kind      ConversationKind `json:"type"`
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	AvatarURL string           `json:"avatarUrl"`
	User      *ProfileSummary  `json:"user,omitempty"`
	Group     *Group           `json:"group,omitempty"`
}

// UserConversation wraps a user profile
func UserConversation(p ProfileSummary) Conversation {
	return Conversation{Kind: KindUser, ID: p.ID, Name: p.Name, AvatarURL: p.AvatarURL, User: &p}
}

// GroupConversation wraps a group or channel
func GroupConversation(g Group) Conversation {
	kind := KindGroup
	if g.Type == GroupTypeChannel {
		kind = KindChannel
	}
	return Conversation{Kind: kind, ID: g.ID, Name: g.Name, AvatarURL: g.AvatarURL, Group: &g}
}

// Summary is the derived list view of one conversation. It is regenerated
// from the log and never stored.
type Summary struct {
	Conversation
	LastMessage     string `json:"lastMessage,omitempty"`
	LastMessageTime int64  `json:"lastMessageTime,omitempty"`
	UnreadCount     int    `json:"unreadCount"`
	Online          bool   `json:"isOnline"`
}

// Settings are per-user application preferences, round-tripped by the server
type Settings struct {
	Notifications NotificationSettings `json:"notifications"`
	Privacy       PrivacySettings      `json:"privacy"`
	Appearance    AppearanceSettings   `json:"appearance"`
	Language      string               `json:"language"`
}

type NotificationSettings struct {
	Show       bool `json:"show"`
	Preview    bool `json:"preview"`
	Sound      bool `json:"sound"`
	ChatSounds bool `json:"chatSounds"`
	Vibration  bool `json:"vibration"`
}

type PrivacySettings struct {
	Email        string `json:"email"`
	LastSeen     string `json:"lastSeen"`
	ProfilePhoto string `json:"profilePhoto"`
	Passcode     bool   `json:"passcode"`
	TwoFactor    bool   `json:"twoFactor"`
}

type AppearanceSettings struct {
	DarkMode       bool   `json:"darkMode"`
	ChatBackground string `json:"chatBackground"`
	TextSize       int    `json:"textSize"`
}

// Snapshot is the full state returned by the sync endpoint
type Snapshot struct {
	Profile          *Profile             `json:"profile"`
	Contacts         []Summary            `json:"contacts"`
	ConversationLogs map[string][]Message `json:"conversationLogs"`
	Groups           []Group              `json:"groups"`
	Settings         *Settings            `json:"settings,omitempty"`
}
