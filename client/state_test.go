package client

import (
	"context"
	"testing"

	"zenchat/models"
)

func msg(id, sender, target, body string, ts int64, status models.MessageStatus) models.Message {
	return models.Message{ID: id, SenderID: sender, TargetID: target, Text: body, Type: models.MessageText, Timestamp: ts, Status: status}
}

func TestAppendDedupsByID(t *testing.T) {
	t.Parallel()

	s := NewLocalState(context.Background(), "u1", nil)
	m := msg("m1", "u2", "u1", "hello", 1, models.StatusSent)

	if !s.Append(m) {
		t.Fatal("first append should be new")
	}
	if s.Append(m) {
		t.Fatal("second append should be a duplicate")
	}
	if got := s.Log("u2"); len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("unexpected log: %+v", got)
	}
}

func TestConversationID(t *testing.T) {
	t.Parallel()

	s := NewLocalState(context.Background(), "u1", nil)
	s.MergeSnapshot(&models.Snapshot{Groups: []models.Group{{ID: "g1", Name: "G"}}})

	tests := []struct {
		name string
		m    models.Message
		want string
	}{
		{"outgoing", msg("a", "u1", "u2", "x", 1, ""), "u2"},
		{"incoming", msg("b", "u2", "u1", "x", 1, ""), "u2"},
		{"group", msg("c", "u3", "g1", "x", 1, ""), "g1"},
		{"saved", msg("d", "u1", "u1", "x", 1, ""), "u1"},
	}
	for _, tt := range tests {
		if got := s.ConversationID(&tt.m); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestSetStatusNeverRegresses(t *testing.T) {
	t.Parallel()

	s := NewLocalState(context.Background(), "u1", nil)
	s.Append(msg("m1", "u1", "u2", "hi", 1, models.StatusSending))

	if !s.SetStatus("m1", models.StatusRead) {
		t.Fatal("sending -> read should apply")
	}
	if s.SetStatus("m1", models.StatusSent) {
		t.Fatal("read -> sent should be ignored")
	}
	if s.SetStatus("m1", models.StatusError) {
		t.Fatal("read -> error should be ignored")
	}
	if st, _ := s.Status("m1"); st != models.StatusRead {
		t.Fatalf("expected read, got %s", st)
	}
	if s.SetStatus("missing", models.StatusSent) {
		t.Fatal("unknown id should report no change")
	}
}

func TestMergeSnapshotEmptyKeepsLocal(t *testing.T) {
	t.Parallel()

	s := NewLocalState(context.Background(), "u1", nil)
	s.MergeSnapshot(&models.Snapshot{
		Contacts:         []models.Summary{{Conversation: models.UserConversation(models.ProfileSummary{ID: "u2", Name: "Bob"})}},
		ConversationLogs: map[string][]models.Message{"u2": {msg("m1", "u2", "u1", "hi", 1, models.StatusSent)}},
	})

	name := "Alice"
	s.MergeSnapshot(&models.Snapshot{
		Profile:  &models.Profile{ID: "u1", Name: name},
		Settings: &models.Settings{Language: "en"},
	})

	if got := s.Log("u2"); len(got) != 1 {
		t.Fatalf("empty server logs wiped local state: %+v", got)
	}
	if got := s.Summaries(); len(got) != 1 || got[0].Name != "Bob" {
		t.Fatalf("empty server contacts wiped local contacts: %+v", got)
	}
	if p := s.Profile(); p == nil || p.Name != name {
		t.Fatalf("server profile should win: %+v", p)
	}
	if st := s.Settings(); st == nil || st.Language != "en" {
		t.Fatalf("server settings should win: %+v", st)
	}
}

func TestMergeSnapshotReplacesLogsAndKeepsPending(t *testing.T) {
	t.Parallel()

	s := NewLocalState(context.Background(), "u1", nil)
	s.Append(msg("old", "u2", "u1", "stale", 1, models.StatusSent))
	s.Append(msg("pending", "u1", "u2", "in flight", 2, models.StatusSending))
	s.Append(msg("failed", "u1", "u3", "lost", 3, models.StatusError))
	s.Append(msg("acked", "u1", "u2", "already on server", 4, models.StatusSending))

	s.MergeSnapshot(&models.Snapshot{ConversationLogs: map[string][]models.Message{
		"u2": {
			msg("m1", "u2", "u1", "while offline", 5, models.StatusSent),
			msg("acked", "u1", "u2", "already on server", 4, models.StatusSent),
		},
	}})

	u2 := s.Log("u2")
	if len(u2) != 3 {
		t.Fatalf("expected server log plus one pending message, got %+v", u2)
	}
	if u2[0].ID != "m1" || u2[1].ID != "acked" || u2[2].ID != "pending" {
		t.Fatalf("unexpected order: %+v", u2)
	}
	if u2[1].Status != models.StatusSent {
		t.Fatalf("server copy should win for known ids, got %s", u2[1].Status)
	}
	if got := s.Log("u3"); len(got) != 1 || got[0].ID != "failed" {
		t.Fatalf("failed message should survive merge: %+v", got)
	}
	if _, ok := s.Status("old"); ok {
		t.Fatal("replaced log should drop messages the server does not have")
	}
}

func TestSummaries(t *testing.T) {
	t.Parallel()

	s := NewLocalState(context.Background(), "u1", nil)
	s.MergeSnapshot(&models.Snapshot{
		Contacts: []models.Summary{
			{Conversation: models.UserConversation(models.ProfileSummary{ID: "u2", Name: "Bob"})},
			{Conversation: models.UserConversation(models.ProfileSummary{ID: "u3", Name: "Carol"})},
		},
		Groups: []models.Group{{ID: "g1", Name: "Team", Type: models.GroupTypeGroup}},
	})
	s.Append(msg("m1", "u2", "u1", "one", 10, models.StatusSent))
	s.Append(msg("m2", "u2", "u1", "two", 20, models.StatusSent))
	s.Append(msg("m3", "u1", "u3", "hey", 30, models.StatusSent))
	s.Append(msg("m4", "u4", "u1", "stranger", 5, models.StatusSent))
	s.SetOnline("u2", true)

	got := s.Summaries()
	if len(got) != 4 {
		t.Fatalf("expected 4 summaries, got %+v", got)
	}
	if got[0].ID != "u3" || got[1].ID != "u2" || got[2].ID != "u4" || got[3].ID != "g1" {
		t.Fatalf("unexpected order: %v %v %v %v", got[0].ID, got[1].ID, got[2].ID, got[3].ID)
	}
	bob := got[1]
	if bob.UnreadCount != 2 || bob.LastMessage != "two" || !bob.Online {
		t.Fatalf("unexpected bob summary: %+v", bob)
	}
	if got[0].UnreadCount != 0 {
		t.Fatalf("own messages are never unread: %+v", got[0])
	}
	if got[3].Kind != models.KindGroup {
		t.Fatalf("group listed with wrong kind: %+v", got[3])
	}
}

func TestLocalStatePersistsToCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache, err := OpenBadgerCache("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cache.Close() })

	s := NewLocalState(ctx, "u1", cache)
	s.Append(msg("m1", "u2", "u1", "kept", 1, models.StatusSent))

	restored := NewLocalState(ctx, "u1", cache)
	if got := restored.Log("u2"); len(got) != 1 || got[0].Text != "kept" {
		t.Fatalf("state not restored from cache: %+v", got)
	}

	if err := restored.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if got := restored.Log("u2"); got != nil {
		t.Fatalf("reset should clear logs: %+v", got)
	}
	if _, err := cache.Load(ctx, "u1"); err != ErrNoCache {
		t.Fatalf("reset should clear cache, got %v", err)
	}
}
