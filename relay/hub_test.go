package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/bcrypt"

	"zenchat/assistant"
	"zenchat/auth"
	"zenchat/config"
	"zenchat/database"
	"zenchat/metrics"
	"zenchat/models"
)

type testEnv struct {
	t     *testing.T
	hub   *Hub
	store *database.BadgerStore
	url   string
}

type fakeReplier struct{ text string }

func (f fakeReplier) Reply(context.Context, assistant.Request) string { return f.text }

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	database.BcryptCost = bcrypt.MinCost

	store, err := database.OpenBadger("", true)
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{Relay: config.Default().Relay}
	if mutate != nil {
		mutate(&opts)
	}
	hub := NewHub(store, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.RunWithContext(ctx)
		close(done)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))

	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
		store.Close()
	})
	return &testEnv{t: t, hub: hub, store: store, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (e *testEnv) user(name string) string {
	e.t.Helper()
	u, err := e.store.CreateUser(context.Background(), name, strings.ToLower(name)+"@example.com", "pw")
	if err != nil {
		e.t.Fatal(err)
	}
	return u.ID
}

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial() *wsConn {
	e.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	if err != nil {
		e.t.Fatalf("dial: %v", err)
	}
	e.t.Cleanup(func() { conn.Close() })
	return &wsConn{t: e.t, conn: conn}
}

// connect dials and joins as userID
func (e *testEnv) connect(userID string) *wsConn {
	e.t.Helper()
	c := e.dial()
	c.send(models.EventJoin, models.JoinPayload{UserID: userID})
	c.expect(models.EventJoined)
	return c
}

func (c *wsConn) send(name string, data any) {
	c.t.Helper()
	ev, err := models.NewEvent(name, data)
	if err != nil {
		c.t.Fatal(err)
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write %s: %v", name, err)
	}
}

// next returns the next event or false when nothing arrives within wait
func (c *wsConn) next(wait time.Duration) (models.Event, bool) {
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return models.Event{}, false
	}
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.t.Fatalf("bad frame %s: %v", data, err)
	}
	return ev, true
}

// expect skips other events until name arrives
func (c *wsConn) expect(name string) models.Event {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ev, ok := c.next(time.Until(deadline))
		if !ok {
			break
		}
		if ev.Name == name {
			return ev
		}
	}
	c.t.Fatalf("did not receive %s", name)
	return models.Event{}
}

// expectNone fails if an event called name arrives within wait
func (c *wsConn) expectNone(name string, wait time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		ev, ok := c.next(time.Until(deadline))
		if !ok {
			return
		}
		if ev.Name == name {
			c.t.Fatalf("unexpected %s: %s", name, ev.Data)
		}
	}
}

func decode[T any](t *testing.T, ev models.Event) T {
	t.Helper()
	var v T
	if err := ev.Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", ev.Name, err)
	}
	return v
}

func text(id, body string) models.Message {
	return models.Message{ID: id, Text: body, Type: models.MessageText, Status: models.StatusSending}
}

func TestEventsBeforeJoinAreRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial()

	c.send(models.EventTyping, models.TypingPayload{TargetID: "u2", IsTyping: true})
	errEv := decode[models.ErrorPayload](t, c.expect(models.EventError))
	if errEv.Code != "NOT_JOINED" || errEv.Event != models.EventTyping {
		t.Errorf("error = %+v", errEv)
	}
}

func TestJoinUnknownUser(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial()

	c.send(models.EventJoin, models.JoinPayload{UserID: "ghost"})
	if got := decode[models.ErrorPayload](t, c.expect(models.EventError)); got.Code != "UNKNOWN_USER" {
		t.Errorf("code = %s", got.Code)
	}
	if env.hub.Online("ghost") {
		t.Error("failed join must not register the user")
	}
}

func (e *testEnv) session(id, userID string) {
	e.t.Helper()
	now := time.Now()
	sess := &models.Session{ID: id, UserID: userID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := e.store.CreateSession(context.Background(), sess); err != nil {
		e.t.Fatal(err)
	}
}

func newTokenEnv(t *testing.T) (*testEnv, *auth.Tokens) {
	t.Helper()
	tokens, err := auth.NewTokens("relay-test-secret-0123456789", "zenchat", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return newTestEnv(t, func(o *Options) { o.Tokens = tokens }), tokens
}

func TestJoinRequiresValidToken(t *testing.T) {
	env, tokens := newTokenEnv(t)
	u1, u2 := env.user("Ann"), env.user("Bob")
	env.session("s1", u1)
	env.session("s2", u2)

	otherUser, _, err := tokens.Issue(u2, "s2")
	if err != nil {
		t.Fatal(err)
	}
	foreignSession, _, err := tokens.Issue(u1, "s2")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"forged", "forged"},
		{"issued to another user", otherUser},
		{"session of another user", foreignSession},
	}
	for _, tt := range tests {
		c := env.dial()
		c.send(models.EventJoin, models.JoinPayload{UserID: u1, Token: tt.token})
		if got := decode[models.ErrorPayload](t, c.expect(models.EventError)); got.Code != "UNAUTHORIZED" {
			t.Errorf("%s: code = %s", tt.name, got.Code)
		}
	}
	if env.hub.Online(u1) {
		t.Fatal("rejected joins must not register the user")
	}

	token, _, err := tokens.Issue(u1, "s1")
	if err != nil {
		t.Fatal(err)
	}
	good := env.dial()
	good.send(models.EventJoin, models.JoinPayload{UserID: u1, Token: token})
	joined := decode[models.JoinedPayload](t, good.expect(models.EventJoined))
	if joined.UserID != u1 {
		t.Errorf("joined = %+v", joined)
	}
	if joined.AckTimeoutMs != 15000 || joined.RingTimeoutMs != 45000 {
		t.Errorf("joined should advertise relay timeouts: %+v", joined)
	}
}

func TestTokenlessJoinReceivesNothing(t *testing.T) {
	env, tokens := newTokenEnv(t)
	victim, sender := env.user("Ann"), env.user("Bob")
	env.session("s-bob", sender)

	intruder := env.dial()
	intruder.send(models.EventJoin, models.JoinPayload{UserID: victim})
	intruder.expect(models.EventError)

	token, _, err := tokens.Issue(sender, "s-bob")
	if err != nil {
		t.Fatal(err)
	}
	b := env.dial()
	b.send(models.EventJoin, models.JoinPayload{UserID: sender, Token: token})
	b.expect(models.EventJoined)

	b.send(models.EventSendMessage, models.SendMessagePayload{TargetID: victim, Message: text("m1", "secret")})
	b.expect(models.EventMessageAck)
	intruder.expectNone(models.EventReceiveMessage, 200*time.Millisecond)
}

func TestJoinRejectsRevokedSession(t *testing.T) {
	env, tokens := newTokenEnv(t)
	u1 := env.user("Ann")
	env.session("s1", u1)

	token, _, err := tokens.Issue(u1, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.store.DeleteSession(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	c := env.dial()
	c.send(models.EventJoin, models.JoinPayload{UserID: u1, Token: token})
	if got := decode[models.ErrorPayload](t, c.expect(models.EventError)); got.Code != "UNAUTHORIZED" {
		t.Errorf("code = %s", got.Code)
	}
}

func TestSendMessageDeliveredAndAcked(t *testing.T) {
	env := newTestEnv(t, nil)
	u1, u2 := env.user("Ann"), env.user("Bob")
	a, b := env.connect(u1), env.connect(u2)

	a.send(models.EventSendMessage, models.SendMessagePayload{TargetID: u2, Message: text("m1", "hello")})

	ack := decode[models.AckPayload](t, a.expect(models.EventMessageAck))
	if ack.MessageID != "m1" || ack.Status != models.StatusSent {
		t.Errorf("ack = %+v", ack)
	}
	got := decode[models.Message](t, b.expect(models.EventReceiveMessage))
	if got.Text != "hello" || got.SenderID != u1 || got.TargetID != u2 {
		t.Errorf("received = %+v", got)
	}

	for _, key := range []models.ConversationKey{models.DirectKey(u1, u2), models.DirectKey(u2, u1)} {
		log, err := env.store.ReadLog(context.Background(), key)
		if err != nil || len(log) != 1 {
			t.Errorf("log %s = %v, %v", key, log, err)
		}
	}
}

func TestOfflineTargetPersistedNotDelivered(t *testing.T) {
	env := newTestEnv(t, nil)
	u1, u2 := env.user("Ann"), env.user("Bob")
	a := env.connect(u1)

	a.send(models.EventSendMessage, models.SendMessagePayload{TargetID: u2, Message: text("m1", "are you there")})
	if ack := decode[models.AckPayload](t, a.expect(models.EventMessageAck)); ack.Status != models.StatusSent {
		t.Fatalf("ack = %+v", ack)
	}

	log, err := env.store.ReadLog(context.Background(), models.DirectKey(u2, u1))
	if err != nil || len(log) != 1 || log[0].Text != "are you there" {
		t.Fatalf("recipient log = %v, %v", log, err)
	}

	// coming online later does not replay it live
	b := env.connect(u2)
	b.expectNone(models.EventReceiveMessage, 200*time.Millisecond)
}

func TestDuplicateSendIsNotForwardedTwice(t *testing.T) {
	env := newTestEnv(t, nil)
	u1, u2 := env.user("Ann"), env.user("Bob")
	a, b := env.connect(u1), env.connect(u2)

	for i := 0; i < 2; i++ {
		a.send(models.EventSendMessage, models.SendMessagePayload{TargetID: u2, Message: text("m1", "once")})
		if ack := decode[models.AckPayload](t, a.expect(models.EventMessageAck)); ack.Status != models.StatusSent {
			t.Fatalf("ack %d = %+v", i, ack)
		}
	}
	a.send(models.EventSendMessage, models.SendMessagePayload{TargetID: u2, Message: text("m2", "twice")})
	a.expect(models.EventMessageAck)

	first := decode[models.Message](t, b.expect(models.EventReceiveMessage))
	second := decode[models.Message](t, b.expect(models.EventReceiveMessage))
	if first.ID != "m1" || second.ID != "m2" {
		t.Errorf("received %s then %s", first.ID, second.ID)
	}
}

func TestInvalidMessageAckedAsError(t *testing.T) {
	env := newTestEnv(t, nil)
	u1, u2 := env.user("Ann"), env.user("Bob")
	a := env.connect(u1)

	a.send(models.EventSendMessage, models.SendMessagePayload{TargetID: u2, Message: models.Message{ID: "m1"}})
	if ack := decode[models.AckPayload](t, a.expect(models.EventMessageAck)); ack.Status != models.StatusError {
		t.Errorf("ack = %+v", ack)
	}
}

func TestSelfMessageAckedWithoutEcho(t *testing.T) {
	env := newTestEnv(t, nil)
	u1 := env.user("Ann")
	a := env.connect(u1)

	a.send(models.EventSendMessage, models.SendMessagePayload{TargetID: u1, Message: text("m1", "note")})
	if ack := decode[models.AckPayload](t, a.expect(models.EventMessageAck)); ack.Status != models.StatusSent {
		t.Fatalf("ack = %+v", ack)
	}
	a.expectNone(models.EventReceiveMessage, 200*time.Millisecond)

	log, err := env.store.ReadLog(context.Background(), models.DirectKey(u1, u1))
	if err != nil || len(log) != 1 {
		t.Errorf("saved messages = %v, %v", log, err)
	}
}

func TestGroupMessageFanOut(t *testing.T) {
	env := newTestEnv(t, nil)
	u1, u2, u3 := env.user("Ann"), env.user("Bob"), env.user("Cid")
	g, err := env.store.CreateGroup(context.Background(), "Team", models.GroupTypeGroup, []string{u2, u3}, "", u1)
	if err != nil {
		t.Fatal(err)
	}
	a, b, c := env.connect(u1), env.connect(u2), env.connect(u3)

	a.send(models.EventSendMessage, models.SendMessagePayload{TargetID: g.ID, Message: text("g1", "hi team")})
	a.expect(models.EventMessageAck)
	for _, conn := range []*wsConn{b, c} {
		if got := decode[models.Message](t, conn.expect(models.EventReceiveMessage)); got.Text != "hi team" {
			t.Errorf("group delivery = %+v", got)
		}
	}
	a.expectNone(models.EventReceiveMessage, 200*time.Millisecond)
}

func TestChannelRejectsMemberPosts(t *testing.T) {
	env := newTestEnv(t, nil)
	u1, u2 := env.user("Ann"), env.user("Bob")
	ch, err := env.store.CreateGroup(context.Background(), "News", models.GroupTypeChannel, []string{u2}, "", u1)
	if err != nil {
		t.Fatal(err)
	}
	b := env.connect(u2)

	b.send(models.EventSendMessage, models.SendMessagePayload{TargetID: ch.ID, Message: text("c1", "can I?")})
	if ack := decode[models.AckPayload](t, b.expect(models.EventMessageAck)); ack.Status != models.StatusError {
		t.Errorf("ack = %+v", ack)
	}
}

func TestTypingAndReadAckForwarded(t *testing.T) {
	env := newTestEnv(t, nil)
	u1, u2 := env.user("Ann"), env.user("Bob")
	a, b := env.connect(u1), env.connect(u2)

	a.send(models.EventTyping, models.TypingPayload{TargetID: u2, IsTyping: true})
	typing := decode[models.TypingPayload](t, b.expect(models.EventTyping))
	if typing.FromID != u1 || !typing.IsTyping {
		t.Errorf("typing = %+v", typing)
	}

	b.send(models.EventMessageAck, models.AckPayload{MessageID: "m1", Status: models.StatusRead, SenderID: u1})
	ack := decode[models.AckPayload](t, a.expect(models.EventMessageAck))
	if ack.FromID != u2 || ack.Status != models.StatusRead {
		t.Errorf("ack = %+v", ack)
	}
}

func TestCallSignalingRoutesToLatestConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	u1, u2 := env.user("Ann"), env.user("Bob")
	a := env.connect(u1)
	old := env.connect(u2)
	fresh := env.connect(u2)

	// a stale disconnect must not evict the newer connection
	old.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() != 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	offer := models.SessionDescription{Type: "offer", SDP: "v=0"}
	a.send(models.EventCallOffer, models.CallOfferPayload{CalleeID: u2, Offer: offer, CallerName: "Ann"})
	incoming := decode[models.IncomingCallPayload](t, fresh.expect(models.EventIncomingCall))
	if incoming.CallerID != u1 || incoming.Offer.SDP != "v=0" {
		t.Errorf("incoming = %+v", incoming)
	}

	fresh.send(models.EventCallAnswer, models.CallAnswerPayload{CallerID: u1, Answer: models.SessionDescription{Type: "answer", SDP: "v=1"}})
	if acc := decode[models.CallAcceptedPayload](t, a.expect(models.EventCallAccepted)); acc.CalleeID != u2 {
		t.Errorf("accepted = %+v", acc)
	}

	fresh.send(models.EventICECandidate, models.ICECandidatePayload{TargetID: u1, Candidate: models.ICECandidate{Candidate: "candidate:1"}})
	if ice := decode[models.ICECandidatePayload](t, a.expect(models.EventICECandidate)); ice.FromID != u2 {
		t.Errorf("ice = %+v", ice)
	}

	a.send(models.EventCallEnd, models.CallEndPayload{TargetID: u2})
	if ended := decode[models.CallEndedPayload](t, fresh.expect(models.EventCallEnded)); ended.FromID != u1 {
		t.Errorf("ended = %+v", ended)
	}
}

func TestCallOfferToOfflineUserDropped(t *testing.T) {
	env := newTestEnv(t, nil)
	u1, u2 := env.user("Ann"), env.user("Bob")
	a := env.connect(u1)

	dropped := metrics.RelayDropped.WithLabelValues(models.EventIncomingCall, "offline")
	before := testutil.ToFloat64(dropped)

	a.send(models.EventCallOffer, models.CallOfferPayload{CalleeID: u2, CallerName: "Ann"})
	a.expectNone(models.EventCallAccepted, 200*time.Millisecond)

	if got := testutil.ToFloat64(dropped); got != before+1 {
		t.Errorf("dropped counter = %v, want %v", got, before+1)
	}
}

func TestAssistantReplies(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Assistant = fakeReplier{text: "pong"}
		o.AssistantID = "gemini-ai"
	})
	u1 := env.user("Ann")
	a := env.connect(u1)

	a.send(models.EventSendMessage, models.SendMessagePayload{TargetID: "gemini-ai", Message: text("m1", "ping")})
	a.expect(models.EventMessageAck)
	reply := decode[models.Message](t, a.expect(models.EventReceiveMessage))
	if reply.SenderID != "gemini-ai" || reply.Text != "pong" || reply.Status != models.StatusRead {
		t.Errorf("reply = %+v", reply)
	}

	log, err := env.store.ReadLog(context.Background(), models.DirectKey(u1, "gemini-ai"))
	if err != nil || len(log) != 2 {
		t.Errorf("assistant log = %v, %v", log, err)
	}
}

func TestPresenceBroadcast(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Relay.PresenceBroadcast = true })
	u1, u2 := env.user("Ann"), env.user("Bob")
	a := env.connect(u1)
	b := env.connect(u2)

	status := decode[models.UserStatusPayload](t, a.expect(models.EventUserStatus))
	if status.UserID != u2 || !status.IsOnline {
		t.Errorf("status = %+v", status)
	}

	b.conn.Close()
	status = decode[models.UserStatusPayload](t, a.expect(models.EventUserStatus))
	if status.UserID != u2 || status.IsOnline {
		t.Errorf("status = %+v", status)
	}
}

func TestInlineMedia(t *testing.T) {
	t.Parallel()

	data, mime, ok := inlineMedia(&models.Message{AttachmentURL: "data:image/png;base64,QUJD"})
	if !ok || data != "QUJD" || mime != "image/png" {
		t.Errorf("inlineMedia = %q, %q, %v", data, mime, ok)
	}
	if _, _, ok := inlineMedia(&models.Message{AttachmentURL: "https://cdn.example/x.png"}); ok {
		t.Error("remote urls are not inline media")
	}
}
