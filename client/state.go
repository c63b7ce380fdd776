package client

import (
	"context"
	"slices"
	"sort"
	"sync"

	"zenchat/logging"
	"zenchat/models"
)

// Cache persists the local state between runs
type Cache interface {
	Load(ctx context.Context, userID string) (*models.Snapshot, error)
	Save(ctx context.Context, userID string, snap *models.Snapshot) error
	Clear(ctx context.Context, userID string) error
}

type convLog struct {
	messages []models.Message
	index    map[string]int
}

func newConvLog() *convLog {
	return &convLog{index: make(map[string]int)}
}

func (l *convLog) add(msg models.Message) bool {
	if _, ok := l.index[msg.ID]; ok {
		return false
	}
	l.index[msg.ID] = len(l.messages)
	l.messages = append(l.messages, msg)
	return true
}

// LocalState is the client's view of one account: append-only conversation
// logs keyed by conversation id, reconciled by message id.
type LocalState struct {
	selfID string
	cache  Cache

	mu       sync.RWMutex
	profile  *models.Profile
	settings *models.Settings
	contacts []models.Summary
	groups   map[string]models.Group
	logs     map[string]*convLog
	// where maps a message id to its conversation id
	where  map[string]string
	online map[string]bool
}

// NewLocalState returns the state of selfID, restored from cache when one
// is given and holds data.
func NewLocalState(ctx context.Context, selfID string, cache Cache) *LocalState {
	s := &LocalState{selfID: selfID, cache: cache}
	s.resetLocked()
	if cache == nil {
		return s
	}
	snap, err := cache.Load(ctx, selfID)
	if err != nil {
		logging.Debug().Err(err).Str("user_id", selfID).Msg("No cached state")
		return s
	}
	s.mu.Lock()
	s.applyLocked(snap)
	s.mu.Unlock()
	return s
}

func (s *LocalState) SelfID() string {
	return s.selfID
}

func (s *LocalState) resetLocked() {
	s.profile = nil
	s.settings = nil
	s.contacts = nil
	s.groups = make(map[string]models.Group)
	s.logs = make(map[string]*convLog)
	s.where = make(map[string]string)
	s.online = make(map[string]bool)
}

// ConversationID names the conversation msg belongs to from the local
// user's point of view.
func (s *LocalState) ConversationID(msg *models.Message) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationIDLocked(msg)
}

func (s *LocalState) conversationIDLocked(msg *models.Message) string {
	if _, ok := s.groups[msg.TargetID]; ok {
		return msg.TargetID
	}
	if msg.SenderID == s.selfID {
		return msg.TargetID
	}
	return msg.SenderID
}

func (s *LocalState) logLocked(convID string) *convLog {
	l, ok := s.logs[convID]
	if !ok {
		l = newConvLog()
		s.logs[convID] = l
	}
	return l
}

// Append adds msg to its conversation unless its id is already present.
// It reports whether the message was new.
func (s *LocalState) Append(msg models.Message) bool {
	s.mu.Lock()
	convID := s.conversationIDLocked(&msg)
	added := s.logLocked(convID).add(msg)
	if added {
		s.where[msg.ID] = convID
	}
	s.mu.Unlock()
	if added {
		s.persist()
	}
	return added
}

// SetStatus rewrites the status of message id in place. Backward moves are
// ignored. It reports whether the status changed.
func (s *LocalState) SetStatus(id string, status models.MessageStatus) bool {
	s.mu.Lock()
	changed := s.setStatusLocked(id, status)
	s.mu.Unlock()
	if changed {
		s.persist()
	}
	return changed
}

func (s *LocalState) setStatusLocked(id string, status models.MessageStatus) bool {
	convID, ok := s.where[id]
	if !ok {
		return false
	}
	l := s.logs[convID]
	i := l.index[id]
	if !l.messages[i].Status.Advances(status) {
		return false
	}
	l.messages[i].Status = status
	return true
}

// Status returns the status of message id
func (s *LocalState) Status(id string) (models.MessageStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convID, ok := s.where[id]
	if !ok {
		return "", false
	}
	l := s.logs[convID]
	return l.messages[l.index[id]].Status, true
}

// Log returns a copy of one conversation in append order
func (s *LocalState) Log(convID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[convID]
	if !ok {
		return nil
	}
	return slices.Clone(l.messages)
}

func (s *LocalState) Profile() *models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	return &p
}

func (s *LocalState) Settings() *models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return nil
	}
	st := *s.settings
	return &st
}

func (s *LocalState) SetOnline(userID string, online bool) {
	s.mu.Lock()
	s.online[userID] = online
	s.mu.Unlock()
}

// MergeSnapshot folds a server snapshot into local state. Contacts, groups
// and logs are replaced only when the server sent some; profile and
// settings win whenever present. Local messages still sending or failed
// that the server does not know are kept.
func (s *LocalState) MergeSnapshot(snap *models.Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	s.applyLocked(snap)
	s.mu.Unlock()
	s.persist()
}

func (s *LocalState) applyLocked(snap *models.Snapshot) {
	if snap.Profile != nil {
		p := *snap.Profile
		s.profile = &p
	}
	if snap.Settings != nil {
		st := *snap.Settings
		s.settings = &st
	}
	if len(snap.Groups) > 0 {
		s.groups = make(map[string]models.Group, len(snap.Groups))
		for _, g := range snap.Groups {
			s.groups[g.ID] = g
		}
	}
	if len(snap.Contacts) > 0 {
		s.contacts = slices.Clone(snap.Contacts)
		for _, c := range snap.Contacts {
			if c.Kind == models.KindUser {
				s.online[c.ID] = c.Online
			}
		}
	}
	if len(snap.ConversationLogs) == 0 {
		return
	}

	var pending []models.Message
	for _, l := range s.logs {
		for _, m := range l.messages {
			if m.Status == models.StatusSending || m.Status == models.StatusError {
				pending = append(pending, m)
			}
		}
	}

	s.logs = make(map[string]*convLog, len(snap.ConversationLogs))
	s.where = make(map[string]string)
	for convID, msgs := range snap.ConversationLogs {
		l := s.logLocked(convID)
		for _, m := range msgs {
			if l.add(m) {
				s.where[m.ID] = convID
			}
		}
	}
	for _, m := range pending {
		if _, known := s.where[m.ID]; known {
			continue
		}
		convID := s.conversationIDLocked(&m)
		s.logLocked(convID).add(m)
		s.where[m.ID] = convID
	}
}

// Snapshot exports the local state in the sync format
func (s *LocalState) Snapshot() *models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *LocalState) snapshotLocked() *models.Snapshot {
	snap := &models.Snapshot{
		Contacts:         slices.Clone(s.contacts),
		ConversationLogs: make(map[string][]models.Message, len(s.logs)),
	}
	if s.profile != nil {
		p := *s.profile
		snap.Profile = &p
	}
	if s.settings != nil {
		st := *s.settings
		snap.Settings = &st
	}
	for id, l := range s.logs {
		snap.ConversationLogs[id] = slices.Clone(l.messages)
	}
	for _, g := range s.groups {
		snap.Groups = append(snap.Groups, g)
	}
	sort.Slice(snap.Groups, func(i, j int) bool { return snap.Groups[i].ID < snap.Groups[j].ID })
	return snap
}

// Summaries regenerates the conversation list from the logs, newest first.
// Conversations with messages but no contact entry are listed as users.
func (s *LocalState) Summaries() []models.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool, len(s.contacts))
	out := make([]models.Summary, 0, len(s.contacts))
	for _, c := range s.contacts {
		seen[c.ID] = true
		out = append(out, s.summarizeLocked(c))
	}
	for _, g := range s.groups {
		if !seen[g.ID] {
			seen[g.ID] = true
			out = append(out, s.summarizeLocked(models.Summary{Conversation: models.GroupConversation(g)}))
		}
	}
	for id := range s.logs {
		if !seen[id] {
			conv := models.UserConversation(models.ProfileSummary{ID: id, Name: id})
			out = append(out, s.summarizeLocked(models.Summary{Conversation: conv}))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastMessageTime != out[j].LastMessageTime {
			return out[i].LastMessageTime > out[j].LastMessageTime
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *LocalState) summarizeLocked(sum models.Summary) models.Summary {
	if online, ok := s.online[sum.ID]; ok && sum.Kind == models.KindUser {
		sum.Online = online
	}
	l, ok := s.logs[sum.ID]
	if !ok || len(l.messages) == 0 {
		return sum
	}
	last := l.messages[len(l.messages)-1]
	sum.LastMessage = last.Preview()
	sum.LastMessageTime = last.Timestamp
	sum.UnreadCount = 0
	for _, m := range l.messages {
		if m.SenderID != s.selfID && m.Status != models.StatusRead {
			sum.UnreadCount++
		}
	}
	return sum
}

// Reset drops all local data, cached copy included
func (s *LocalState) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	if s.cache == nil {
		return nil
	}
	return s.cache.Clear(ctx, s.selfID)
}

func (s *LocalState) persist() {
	if s.cache == nil {
		return
	}
	snap := s.Snapshot()
	if err := s.cache.Save(context.Background(), s.selfID, snap); err != nil {
		logging.Warn().Err(err).Str("user_id", s.selfID).Msg("Failed to persist local state")
	}
}
