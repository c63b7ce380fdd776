package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"zenchat/models"
)

func TestMain(m *testing.M) {
	BcryptCost = bcrypt.MinCost
	os.Exit(m.Run())
}

// storeFactory returns a fresh, empty store for one subtest
type storeFactory func(t *testing.T) Store

// runStoreContract exercises the behaviour every backend must share
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"CreateUserRejectsDuplicateEmail", testCreateUserDuplicateEmail},
		{"Authenticate", testAuthenticate},
		{"UpdateUserHandleTaken", testUpdateUserHandleTaken},
		{"UpdateUserNotFound", testUpdateUserNotFound},
		{"SearchUsers", testSearchUsers},
		{"SearchUsersBounded", testSearchUsersBounded},
		{"Sessions", testSessions},
		{"AppendIsIdempotent", testAppendIdempotent},
		{"StatusOnlyMutation", testStatusOnlyMutation},
		{"ConcurrentAppendsSurvive", testConcurrentAppends},
		{"Groups", testGroups},
		{"Settings", testSettings},
		{"Snapshot", testSnapshot},
		{"MarkConversationRead", testMarkConversationRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func mustCreateUser(t *testing.T, s Store, name, email string) *models.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), name, email, "secret-"+name)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return u
}

func textMessage(id, sender, target, text string, ts int64) *models.Message {
	return &models.Message{
		ID:        id,
		SenderID:  sender,
		TargetID:  target,
		Text:      text,
		Type:      models.MessageText,
		Timestamp: ts,
		Status:    models.StatusSent,
	}
}

func strPtr(s string) *string { return &s }

func testCreateUserDuplicateEmail(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustCreateUser(t, s, "Ann", "ann@example.com")
	if u.ID == "" || u.Email != "ann@example.com" {
		t.Fatalf("unexpected user %+v", u)
	}

	if _, err := s.CreateUser(ctx, "Other Ann", "  ANN@example.com ", "x"); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func testAuthenticate(t *testing.T, s Store) {
	ctx := context.Background()
	u := mustCreateUser(t, s, "Bob", "bob@example.com")

	got, err := s.Authenticate(ctx, "Bob@Example.com", "secret-Bob")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("authenticated %s, want %s", got.ID, u.ID)
	}
	if got.SecretHash == "secret-Bob" {
		t.Error("credential stored in clear text")
	}

	if _, err := s.Authenticate(ctx, "bob@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong secret: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := s.Authenticate(ctx, "nobody@example.com", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: expected ErrInvalidCredentials, got %v", err)
	}
}

func testUpdateUserHandleTaken(t *testing.T, s Store) {
	ctx := context.Background()
	a := mustCreateUser(t, s, "Ann", "ann@example.com")
	b := mustCreateUser(t, s, "Bob", "bob@example.com")

	if _, err := s.UpdateUser(ctx, a.ID, models.UserUpdate{Handle: strPtr("@ann")}); err != nil {
		t.Fatalf("set handle: %v", err)
	}
	if _, err := s.UpdateUser(ctx, b.ID, models.UserUpdate{Handle: strPtr("bobby")}); err != nil {
		t.Fatalf("set handle: %v", err)
	}

	_, err := s.UpdateUser(ctx, b.ID, models.UserUpdate{Handle: strPtr("ANN")})
	if !errors.Is(err, ErrHandleTaken) {
		t.Fatalf("expected ErrHandleTaken, got %v", err)
	}
	got, err := s.GetUser(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Handle != "bobby" {
		t.Errorf("handle changed to %q after a rejected update", got.Handle)
	}

	// re-applying your own handle is not a conflict
	if _, err := s.UpdateUser(ctx, a.ID, models.UserUpdate{Handle: strPtr("ann"), Name: strPtr("Ann B")}); err != nil {
		t.Fatalf("own handle: %v", err)
	}

	// a released handle becomes available
	if _, err := s.UpdateUser(ctx, a.ID, models.UserUpdate{Handle: strPtr("annie")}); err != nil {
		t.Fatal(err)
	}
	upd, err := s.UpdateUser(ctx, b.ID, models.UserUpdate{Handle: strPtr("ann")})
	if err != nil {
		t.Fatalf("released handle should be free: %v", err)
	}
	if upd.Handle != "ann" || upd.Name != "Bob" {
		t.Errorf("partial update touched other fields: %+v", upd)
	}
}

func testUpdateUserNotFound(t *testing.T, s Store) {
	_, err := s.UpdateUser(context.Background(), "missing", models.UserUpdate{Name: strPtr("x")})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testSearchUsers(t *testing.T, s Store) {
	ctx := context.Background()
	me := mustCreateUser(t, s, "Alice Me", "alice@example.com")
	mustCreateUser(t, s, "Alicia", "alicia@example.com")
	carl := mustCreateUser(t, s, "Carl", "carl@example.com")
	if _, err := s.UpdateUser(ctx, carl.ID, models.UserUpdate{Handle: strPtr("malice")}); err != nil {
		t.Fatal(err)
	}
	mustCreateUser(t, s, "Dora", "dora@example.com")

	got, err := s.SearchUsers(ctx, "ALIC", me.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %+v", got)
	}
	for _, p := range got {
		if p.ID == me.ID {
			t.Error("search must exclude the requesting user")
		}
	}

	byEmail, err := s.SearchUsers(ctx, "dora@", me.ID)
	if err != nil || len(byEmail) != 1 {
		t.Fatalf("email search = %v, %v", byEmail, err)
	}

	empty, err := s.SearchUsers(ctx, "  ", me.ID)
	if err != nil || len(empty) != 0 {
		t.Fatalf("blank query = %v, %v", empty, err)
	}

	percent, err := s.SearchUsers(ctx, "%", me.ID)
	if err != nil || len(percent) != 0 {
		t.Fatalf("wildcards must be literal: %v, %v", percent, err)
	}
}

func testSearchUsersBounded(t *testing.T, s Store) {
	for i := 0; i < SearchLimit+5; i++ {
		mustCreateUser(t, s, fmt.Sprintf("user %02d", i), fmt.Sprintf("u%d@example.com", i))
	}
	got, err := s.SearchUsers(context.Background(), "user", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != SearchLimit {
		t.Fatalf("expected %d results, got %d", SearchLimit, len(got))
	}
}

func testSessions(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	live := &models.Session{ID: "live", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.CreateSession(ctx, live); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSession(ctx, "live")
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "u1" {
		t.Errorf("session user = %s", got.UserID)
	}

	expired := &models.Session{ID: "old", UserID: "u1", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	if err := s.CreateSession(ctx, expired); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired session: expected ErrNotFound, got %v", err)
	}

	if err := s.DeleteSession(ctx, "live"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, "live"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted session: expected ErrNotFound, got %v", err)
	}
}

func testAppendIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	key := models.DirectKey("u1", "u2")
	m := textMessage("m1", "u1", "u2", "hello", 1000)

	for i, want := range []bool{true, false} {
		appended, err := s.AppendMessage(ctx, key, m)
		if err != nil {
			t.Fatal(err)
		}
		if appended != want {
			t.Errorf("append #%d returned %v, want %v", i+1, appended, want)
		}
	}

	log, err := s.ReadLog(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 || log[0].Text != "hello" || log[0].SenderID != "u1" {
		t.Fatalf("log = %+v", log)
	}

	// the same id in another log is a different entry
	if appended, err := s.AppendMessage(ctx, models.DirectKey("u2", "u1"), m); err != nil || !appended {
		t.Fatalf("append to peer log = %v, %v", appended, err)
	}

	if _, err := s.AppendMessage(ctx, key, &models.Message{Text: "no id"}); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}

	peers, err := s.ListPeers(ctx, "u1")
	if err != nil || len(peers) != 1 || peers[0] != "u2" {
		t.Errorf("ListPeers = %v, %v", peers, err)
	}
}

func testStatusOnlyMutation(t *testing.T, s Store) {
	ctx := context.Background()
	key := models.DirectKey("u1", "u2")
	orig := textMessage("m1", "u1", "u2", "original", 1000)
	orig.Location = &models.Location{Latitude: 1.5, Longitude: 2.5}
	if _, err := s.AppendMessage(ctx, key, orig); err != nil {
		t.Fatal(err)
	}

	if err := s.SetMessageStatus(ctx, key, "m1", models.StatusRead); err != nil {
		t.Fatal(err)
	}
	// read never moves back to sent
	if err := s.SetMessageStatus(ctx, key, "m1", models.StatusSent); err != nil {
		t.Fatal(err)
	}

	// a redelivery with different content must not rewrite the stored one
	tampered := textMessage("m1", "u1", "u2", "rewritten", 2000)
	if _, err := s.AppendMessage(ctx, key, tampered); err != nil {
		t.Fatal(err)
	}

	log, err := s.ReadLog(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 {
		t.Fatalf("log = %+v", log)
	}
	got := log[0]
	if got.Status != models.StatusRead {
		t.Errorf("status = %s, want read", got.Status)
	}
	if !got.SameContent(orig) {
		t.Errorf("content changed: got %+v want %+v", got, *orig)
	}

	if err := s.SetMessageStatus(ctx, key, "missing", models.StatusRead); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func testConcurrentAppends(t *testing.T, s Store) {
	ctx := context.Background()
	key := models.DirectKey("u1", "u2")
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := textMessage(fmt.Sprintf("m%02d", i), "u1", "u2", "hi", int64(i))
			if _, err := s.AppendMessage(ctx, key, m); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	log, err := s.ReadLog(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != n {
		t.Fatalf("expected %d messages, got %d", n, len(log))
	}
	seen := make(map[string]bool)
	for _, m := range log {
		if seen[m.ID] {
			t.Fatalf("duplicate %s", m.ID)
		}
		seen[m.ID] = true
	}
}

func testGroups(t *testing.T, s Store) {
	ctx := context.Background()
	g, err := s.CreateGroup(ctx, "Team", models.GroupTypeGroup, []string{"u2", "u3", "u2"}, "", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !g.IsMember("u1") || !g.IsAdmin("u1") || len(g.MemberIDs) != 3 {
		t.Fatalf("owner not auto-included: %+v", g)
	}

	got, err := s.GetGroup(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Team" || len(got.MemberIDs) != 3 || !got.IsAdmin("u1") || got.IsAdmin("u2") {
		t.Errorf("GetGroup = %+v", got)
	}
	if !got.Settings.MembersCanPost {
		t.Error("groups allow members to post by default")
	}

	ch, err := s.CreateGroup(ctx, "News", models.GroupTypeChannel, nil, "", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if ch.Settings.MembersCanPost {
		t.Error("channels are admin-post only by default")
	}

	groups, err := s.GroupsForUser(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Errorf("u2 should be in 2 groups, got %d", len(groups))
	}
	none, err := s.GroupsForUser(ctx, "u9")
	if err != nil || len(none) != 0 {
		t.Errorf("GroupsForUser(u9) = %v, %v", none, err)
	}

	if _, err := s.GetGroup(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testSettings(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.GetSettings(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	in := &models.Settings{Language: "en", Appearance: models.AppearanceSettings{DarkMode: true, TextSize: 110}}
	if err := s.SaveSettings(ctx, "u1", in); err != nil {
		t.Fatal(err)
	}
	in.Language = "ru"
	if err := s.SaveSettings(ctx, "u1", in); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSettings(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Language != "ru" || !got.Appearance.DarkMode || got.Appearance.TextSize != 110 {
		t.Errorf("settings = %+v", got)
	}
}

func testSnapshot(t *testing.T, s Store) {
	ctx := context.Background()
	a := mustCreateUser(t, s, "Ann", "ann@example.com")
	b := mustCreateUser(t, s, "Bob", "bob@example.com")
	c := mustCreateUser(t, s, "Cid", "cid@example.com")

	appendBoth := func(m *models.Message) {
		t.Helper()
		if _, err := s.AppendMessage(ctx, models.DirectKey(m.SenderID, m.TargetID), m); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AppendMessage(ctx, models.DirectKey(m.TargetID, m.SenderID), m); err != nil {
			t.Fatal(err)
		}
	}
	appendBoth(textMessage("1", b.ID, a.ID, "hi ann", 100))
	appendBoth(textMessage("2", b.ID, a.ID, "you there?", 200))
	appendBoth(textMessage("3", a.ID, c.ID, "hey cid", 300))
	if _, err := s.AppendMessage(ctx, models.DirectKey(a.ID, a.ID), textMessage("4", a.ID, a.ID, "note to self", 50)); err != nil {
		t.Fatal(err)
	}

	g, err := s.CreateGroup(ctx, "Team", models.GroupTypeGroup, []string{b.ID}, "", a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(ctx, models.GroupKey(g.ID), textMessage("5", b.ID, g.ID, "team!", 400)); err != nil {
		t.Fatal(err)
	}

	snap, err := s.ReadSnapshot(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Profile == nil || snap.Profile.ID != a.ID {
		t.Fatalf("profile = %+v", snap.Profile)
	}
	if len(snap.Contacts) != 4 {
		t.Fatalf("expected 4 contacts, got %+v", snap.Contacts)
	}
	// newest first
	order := []string{g.ID, c.ID, b.ID, a.ID}
	for i, id := range order {
		if snap.Contacts[i].ID != id {
			t.Errorf("contact %d = %s, want %s", i, snap.Contacts[i].ID, id)
		}
	}

	bob := snap.Contacts[2]
	if bob.UnreadCount != 2 || bob.LastMessage != "you there?" || bob.Name != "Bob" {
		t.Errorf("bob summary = %+v", bob)
	}
	if snap.Contacts[3].Name != SavedMessagesName || snap.Contacts[3].UnreadCount != 0 {
		t.Errorf("saved messages summary = %+v", snap.Contacts[3])
	}
	if snap.Contacts[0].Kind != models.KindGroup {
		t.Errorf("group summary kind = %s", snap.Contacts[0].Kind)
	}
	if len(snap.ConversationLogs[b.ID]) != 2 || len(snap.ConversationLogs[g.ID]) != 1 {
		t.Errorf("logs = %+v", snap.ConversationLogs)
	}
	if len(snap.Groups) != 1 {
		t.Errorf("groups = %+v", snap.Groups)
	}
	if snap.Settings != nil {
		t.Errorf("settings should be absent, got %+v", snap.Settings)
	}

	if _, err := s.ReadSnapshot(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testMarkConversationRead(t *testing.T, s Store) {
	ctx := context.Background()
	for i, text := range []string{"one", "two", "three"} {
		m := textMessage(fmt.Sprint(i), "u2", "u1", text, int64(i))
		for _, key := range []models.ConversationKey{models.DirectKey("u1", "u2"), models.DirectKey("u2", "u1")} {
			if _, err := s.AppendMessage(ctx, key, m); err != nil {
				t.Fatal(err)
			}
		}
	}
	mine := textMessage("mine", "u1", "u2", "reply", 10)
	if _, err := s.AppendMessage(ctx, models.DirectKey("u1", "u2"), mine); err != nil {
		t.Fatal(err)
	}

	ids, err := MarkConversationRead(ctx, s, "u1", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("marked %v", ids)
	}
	again, err := MarkConversationRead(ctx, s, "u1", "u2")
	if err != nil || len(again) != 0 {
		t.Fatalf("second mark = %v, %v", again, err)
	}

	senderLog, err := s.ReadLog(ctx, models.DirectKey("u2", "u1"))
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range senderLog {
		if m.Status != models.StatusRead {
			t.Errorf("sender copy of %s is %s", m.ID, m.Status)
		}
	}

	page, err := ReadLogPage(ctx, s, models.DirectKey("u1", "u2"), 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Text != "two" || page[1].Text != "three" {
		t.Errorf("page = %+v", page)
	}
	past, err := ReadLogPage(ctx, s, models.DirectKey("u1", "u2"), 10, 10)
	if err != nil || len(past) != 0 {
		t.Errorf("page past the end = %v, %v", past, err)
	}
}
