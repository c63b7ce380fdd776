package database

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"zenchat/models"
)

// SavedMessagesName is shown for a user's log with themselves
const SavedMessagesName = "Saved Messages"

type snapshotSource interface {
	UserStore
	MessageStore
	GroupStore
	SettingsStore
}

// buildSnapshot regenerates summaries from the logs. Every backend serves
// ReadSnapshot through it so the derived view is computed the same way.
func buildSnapshot(ctx context.Context, s snapshotSource, userID string) (*models.Snapshot, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	profile := user.ToProfile()

	snap := &models.Snapshot{
		Profile:          &profile,
		Contacts:         []models.Summary{},
		ConversationLogs: make(map[string][]models.Message),
		Groups:           []models.Group{},
	}

	peers, err := s.ListPeers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	for _, peer := range peers {
		log, err := s.ReadLog(ctx, models.DirectKey(userID, peer))
		if err != nil {
			return nil, fmt.Errorf("read log %s: %w", peer, err)
		}
		snap.ConversationLogs[peer] = log

		var conv models.Conversation
		switch other, err := s.GetUser(ctx, peer); {
		case peer == userID:
			conv = models.UserConversation(models.ProfileSummary{ID: userID, Name: SavedMessagesName, AvatarURL: user.AvatarURL})
		case err == nil:
			conv = models.UserConversation(other.ToSummary())
		case errors.Is(err, ErrNotFound):
			// Virtual contacts such as the assistant have no account.
			conv = models.UserConversation(models.ProfileSummary{ID: peer, Name: peer})
		default:
			return nil, err
		}
		snap.Contacts = append(snap.Contacts, summarize(conv, log, func(m *models.Message) bool {
			return m.SenderID == peer && peer != userID && m.Status != models.StatusRead
		}))
	}

	groups, err := s.GroupsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("groups for user: %w", err)
	}
	for _, g := range groups {
		log, err := s.ReadLog(ctx, models.GroupKey(g.ID))
		if err != nil {
			return nil, fmt.Errorf("read group log %s: %w", g.ID, err)
		}
		snap.ConversationLogs[g.ID] = log
		snap.Groups = append(snap.Groups, g)
		// group logs are shared, so there is no per-member read state
		snap.Contacts = append(snap.Contacts, summarize(models.GroupConversation(g), log, func(*models.Message) bool { return false }))
	}

	sort.SliceStable(snap.Contacts, func(i, j int) bool {
		return snap.Contacts[i].LastMessageTime > snap.Contacts[j].LastMessageTime
	})

	settings, err := s.GetSettings(ctx, userID)
	switch {
	case err == nil:
		snap.Settings = settings
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("get settings: %w", err)
	}

	return snap, nil
}

func summarize(conv models.Conversation, log []models.Message, unread func(*models.Message) bool) models.Summary {
	sum := models.Summary{Conversation: conv}
	for i := range log {
		if unread(&log[i]) {
			sum.UnreadCount++
		}
	}
	if n := len(log); n > 0 {
		last := &log[n-1]
		sum.LastMessage = last.Preview()
		sum.LastMessageTime = last.Timestamp
	}
	return sum
}

// ReadLogPage returns a window of the log counted back from its newest end,
// in chronological order.
func ReadLogPage(ctx context.Context, s MessageStore, key models.ConversationKey, limit, offset int) ([]models.Message, error) {
	log, err := s.ReadLog(ctx, key)
	if err != nil {
		return nil, err
	}
	end := len(log) - offset
	if end <= 0 {
		return []models.Message{}, nil
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	return log[start:end], nil
}

// MarkConversationRead marks every message peer sent to reader as read in
// both participants' logs and returns the ids that changed.
func MarkConversationRead(ctx context.Context, s MessageStore, reader, peer string) ([]string, error) {
	log, err := s.ReadLog(ctx, models.DirectKey(reader, peer))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range log {
		if m.SenderID != peer || m.Status == models.StatusRead {
			continue
		}
		if err := s.SetMessageStatus(ctx, models.DirectKey(reader, peer), m.ID, models.StatusRead); err != nil {
			return ids, err
		}
		if err := s.SetMessageStatus(ctx, models.DirectKey(peer, reader), m.ID, models.StatusRead); err != nil && !errors.Is(err, ErrNotFound) {
			return ids, err
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}
