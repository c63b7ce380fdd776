package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"zenchat/call"
	"zenchat/logging"
	"zenchat/models"
)

const (
	DefaultAckTimeout  = 15 * time.Second
	DefaultJoinTimeout = 10 * time.Second
)

// ErrInvalidMessage is returned for a message without target or content
var ErrInvalidMessage = errors.New("message needs a target and content")

// SessionState is the lifecycle of the realtime connection
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionReconnecting SessionState = "reconnecting"
	SessionLoggedOut    SessionState = "logged_out"
)

// Syncer fetches the full account snapshot
type Syncer interface {
	Sync(ctx context.Context, userID string) (*models.Snapshot, error)
}

// Handlers receive session notifications. They run inside the session's
// Boundary, so a panicking handler does not kill the read loop. Nil
// handlers are skipped.
type Handlers struct {
	OnMessage     func(models.Message)
	OnStatus      func(messageID string, status models.MessageStatus)
	OnTyping      func(models.TypingPayload)
	OnPresence    func(models.UserStatusPayload)
	OnServerError func(models.ErrorPayload)
	OnStateChange func(SessionState)
	OnFatal       func(error)
}

// SessionConfig wires a Session
type SessionConfig struct {
	Syncer    Syncer
	Transport Transport
	Cache     Cache
	Handlers  Handlers

	Media        call.MediaSource
	Peers        call.PeerFactory
	CallObserver call.Observer
	RingTimeout  time.Duration

	AckTimeout  time.Duration
	JoinTimeout time.Duration
	// NewBackOff builds the reconnect policy. Defaults to exponential
	// backoff giving up after five minutes.
	NewBackOff func() backoff.BackOff
	// AfterFunc schedules ack timeouts. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 5 * time.Minute
	return b
}

// Session owns the realtime connection of one signed-in user. After every
// join it resyncs the snapshot before handling relayed events, so nothing
// sent while it was offline is missed.
type Session struct {
	cfg   SessionConfig
	calls *call.Machine

	mu       sync.Mutex
	state    SessionState
	ready    chan struct{}
	userID   string
	token    string
	local    *LocalState
	boundary *Boundary
	conn     Conn
	cancel   context.CancelFunc
	done     chan struct{}
	acks     map[string]func() bool

	// ackTimeout starts from the config and follows the relay after join
	ackTimeout time.Duration
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = defaultBackOff
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	s := &Session{
		cfg:   cfg,
		state: SessionDisconnected,
		ready: make(chan struct{}),
		acks:  make(map[string]func() bool),

		ackTimeout: cfg.AckTimeout,
	}
	s.calls = call.NewMachine(call.Config{
		Media:       cfg.Media,
		Peers:       cfg.Peers,
		Signaler:    s,
		Observer:    cfg.CallObserver,
		RingTimeout: cfg.RingTimeout,
	})
	return s
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Local returns the state of the connected user, nil before Connect
func (s *Session) Local() *LocalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) Boundary() *Boundary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundary
}

func (s *Session) Calls() *call.Machine {
	return s.calls
}

func (s *Session) active() bool {
	switch s.state {
	case SessionConnecting, SessionConnected, SessionReconnecting:
		return true
	}
	return false
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	changed := s.setStateLocked(st)
	s.mu.Unlock()
	if changed && s.cfg.Handlers.OnStateChange != nil {
		s.cfg.Handlers.OnStateChange(st)
	}
}

func (s *Session) setStateLocked(st SessionState) bool {
	if s.state == st {
		return false
	}
	if s.state == SessionConnected {
		s.ready = make(chan struct{})
	}
	s.state = st
	if st == SessionConnected {
		close(s.ready)
	}
	return true
}

// Connect signs userID in: it loads the snapshot, then keeps a relay
// connection open in the background until Disconnect. Calling it again for
// the user already connected is a no-op. A failed initial sync leaves the
// session logged out.
func (s *Session) Connect(ctx context.Context, userID, token string) error {
	s.mu.Lock()
	if s.active() && s.userID == userID {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.Disconnect()
	s.calls.SetSelfID(userID)

	s.mu.Lock()
	if s.active() {
		s.mu.Unlock()
		return nil
	}
	s.userID, s.token = userID, token
	if s.local == nil || s.local.SelfID() != userID {
		s.local = NewLocalState(ctx, userID, s.cfg.Cache)
		s.boundary = NewBoundary(s.local)
		if s.cfg.Handlers.OnFatal != nil {
			s.boundary.OnFatal(s.cfg.Handlers.OnFatal)
		}
	}
	local := s.local
	s.mu.Unlock()
	s.setState(SessionConnecting)

	snap, err := s.cfg.Syncer.Sync(ctx, userID)
	if err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("Initial sync failed")
		s.setState(SessionLoggedOut)
		return fmt.Errorf("%w: initial sync: %v", ErrLoggedOut, err)
	}
	local.MergeSnapshot(snap)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	if s.state != SessionConnecting || s.userID != userID {
		s.mu.Unlock()
		cancel()
		return ErrNotConnected
	}
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	go s.run(runCtx, userID, token, local, done)
	return nil
}

// WaitConnected blocks until the relay connection is up
func (s *Session) WaitConnected(ctx context.Context) error {
	s.mu.Lock()
	ready, st := s.ready, s.state
	s.mu.Unlock()
	if st == SessionLoggedOut {
		return ErrLoggedOut
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect ends any call, closes the connection and stops reconnecting
func (s *Session) Disconnect() {
	s.calls.Hangup()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	for id, stop := range s.acks {
		stop()
		delete(s.acks, id)
	}
	wasActive := s.active()
	s.mu.Unlock()
	if wasActive {
		s.setState(SessionDisconnected)
	}
}

func (s *Session) run(ctx context.Context, userID, token string, local *LocalState, done chan struct{}) {
	defer close(done)

	for {
		conn, early, err := s.establish(ctx, userID, token, local)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrLoggedOut) {
				logging.Error().Err(err).Str("user_id", userID).Msg("Relay rejected join")
				s.setState(SessionLoggedOut)
				return
			}
			logging.Error().Err(err).Str("user_id", userID).Msg("Giving up reconnecting")
			s.setState(SessionDisconnected)
			return
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setState(SessionConnected)
		logging.Info().Str("user_id", userID).Msg("Relay connected")

		for _, ev := range early {
			s.dispatch(ctx, local, ev)
		}
		err = s.readLoop(ctx, conn, local)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
		s.calls.ConnectionLost()

		if ctx.Err() != nil {
			return
		}
		logging.Warn().Err(err).Str("user_id", userID).Msg("Relay connection lost, reconnecting")
		s.setState(SessionReconnecting)
	}
}

// establish dials, joins and resyncs, retrying with backoff. Events relayed
// between join and resync are returned to be handled after the merge.
func (s *Session) establish(ctx context.Context, userID, token string, local *LocalState) (Conn, []models.Event, error) {
	var (
		conn  Conn
		early []models.Event
	)
	op := func() error {
		c, err := s.cfg.Transport.Dial(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		evs, err := s.join(ctx, c, userID, token)
		if err != nil {
			_ = c.Close()
			if errors.Is(err, ErrLoggedOut) {
				return backoff.Permanent(err)
			}
			return err
		}
		snap, err := s.cfg.Syncer.Sync(ctx, userID)
		if err != nil {
			_ = c.Close()
			return fmt.Errorf("resync: %w", err)
		}
		local.MergeSnapshot(snap)
		conn, early = c, evs
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logging.Warn().Err(err).Dur("retry_in", wait).Str("user_id", userID).Msg("Relay connect failed")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(s.cfg.NewBackOff(), ctx), notify); err != nil {
		return nil, nil, err
	}
	return conn, early, nil
}

// join sends the join event and waits for the relay's answer. Other events
// that arrive first are returned in order.
func (s *Session) join(ctx context.Context, conn Conn, userID, token string) ([]models.Event, error) {
	ev, err := models.NewEvent(models.EventJoin, models.JoinPayload{UserID: userID, Token: token})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteEvent(ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	timer := time.AfterFunc(s.cfg.JoinTimeout, func() { _ = conn.Close() })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var early []models.Event
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			return nil, fmt.Errorf("%w: waiting for join: %v", ErrConnectionLost, err)
		}
		switch ev.Name {
		case models.EventJoined:
			var p models.JoinedPayload
			if err := ev.Decode(&p); err == nil {
				s.adopt(p)
			}
			return early, nil
		case models.EventError:
			var p models.ErrorPayload
			if err := ev.Decode(&p); err == nil && p.Event == models.EventJoin {
				return nil, fmt.Errorf("%w: %s: %s", ErrLoggedOut, p.Code, p.Message)
			}
		default:
			early = append(early, ev)
		}
	}
}

// adopt applies the timeouts the relay advertises on join
func (s *Session) adopt(p models.JoinedPayload) {
	if p.AckTimeoutMs > 0 {
		s.mu.Lock()
		s.ackTimeout = time.Duration(p.AckTimeoutMs) * time.Millisecond
		s.mu.Unlock()
	}
	s.calls.SetRingTimeout(time.Duration(p.RingTimeoutMs) * time.Millisecond)
}

func (s *Session) readLoop(ctx context.Context, conn Conn, local *LocalState) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		s.dispatch(ctx, local, ev)
	}
}

func (s *Session) dispatch(ctx context.Context, local *LocalState, ev models.Event) {
	s.mu.Lock()
	boundary := s.boundary
	s.mu.Unlock()

	_ = boundary.Run(ev.Name, func() {
		if err := s.handle(ctx, local, ev); err != nil {
			logging.Warn().Err(err).Str("event", ev.Name).Msg("Failed to handle event")
		}
	})
}

func (s *Session) handle(ctx context.Context, local *LocalState, ev models.Event) error {
	h := s.cfg.Handlers

	switch ev.Name {
	case models.EventReceiveMessage:
		var msg models.Message
		if err := ev.Decode(&msg); err != nil {
			return err
		}
		if local.Append(msg) && h.OnMessage != nil {
			h.OnMessage(msg)
		}

	case models.EventMessageAck:
		var p models.AckPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		s.disarm(p.MessageID)
		if local.SetStatus(p.MessageID, p.Status) && h.OnStatus != nil {
			h.OnStatus(p.MessageID, p.Status)
		}

	case models.EventTyping:
		var p models.TypingPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if h.OnTyping != nil {
			h.OnTyping(p)
		}

	case models.EventUserStatus:
		var p models.UserStatusPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		local.SetOnline(p.UserID, p.IsOnline)
		if h.OnPresence != nil {
			h.OnPresence(p)
		}

	case models.EventIncomingCall:
		var p models.IncomingCallPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return s.calls.ReceiveOffer(p.CallerID, p.CallerName, p.Offer)

	case models.EventCallAccepted:
		var p models.CallAcceptedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return s.calls.AnswerReceived(ctx, p.CalleeID, p.Answer)

	case models.EventICECandidate:
		var p models.ICECandidatePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		s.calls.RemoteCandidate(p.FromID, p.Candidate)

	case models.EventCallEnded:
		var p models.CallEndedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		s.calls.ReceiveCallEnd(p.FromID)

	case models.EventError:
		var p models.ErrorPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		logging.Warn().Str("code", p.Code).Str("event", p.Event).Msg(p.Message)
		if h.OnServerError != nil {
			h.OnServerError(p)
		}

	default:
		logging.Debug().Str("event", ev.Name).Msg("Ignoring unknown event")
	}
	return nil
}

// SendMessage appends msg locally as sending and relays it. The status
// moves to sent on ack, or to error when no ack arrives in time or the
// relay is unreachable.
func (s *Session) SendMessage(msg models.Message) (models.Message, error) {
	s.mu.Lock()
	local, userID := s.local, s.userID
	s.mu.Unlock()
	if local == nil {
		return msg, ErrNotConnected
	}

	if msg.ID == "" {
		msg.ID = models.NewMessageID()
	}
	if msg.Type == "" {
		msg.Type = models.MessageText
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	msg.SenderID = userID
	msg.Status = models.StatusSending
	if !msg.Valid() {
		return msg, ErrInvalidMessage
	}

	local.Append(msg)
	s.arm(msg.ID)

	err := s.emit(models.EventSendMessage, models.SendMessagePayload{TargetID: msg.TargetID, Message: msg})
	if err != nil {
		s.fail(local, msg.ID)
		return msg, err
	}
	return msg, nil
}

// AckTimeout is how long a sent message waits for its ack before it is
// marked as failed
func (s *Session) AckTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackTimeout
}

func (s *Session) arm(id string) {
	stop := s.cfg.AfterFunc(s.AckTimeout(), func() {
		s.mu.Lock()
		local := s.local
		s.mu.Unlock()
		if local != nil {
			s.fail(local, id)
		}
	})
	s.mu.Lock()
	s.acks[id] = stop
	s.mu.Unlock()
}

func (s *Session) disarm(id string) {
	s.mu.Lock()
	stop, ok := s.acks[id]
	delete(s.acks, id)
	s.mu.Unlock()
	if ok {
		stop()
	}
}

func (s *Session) fail(local *LocalState, id string) {
	s.disarm(id)
	if !local.SetStatus(id, models.StatusError) {
		return
	}
	logging.Warn().Str("message_id", id).Msg("Message not acknowledged")
	s.mu.Lock()
	boundary := s.boundary
	s.mu.Unlock()
	if h := s.cfg.Handlers.OnStatus; h != nil {
		_ = boundary.Run("message-status", func() { h(id, models.StatusError) })
	}
}

func (s *Session) SendTyping(targetID string, typing bool) error {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()
	return s.emit(models.EventTyping, models.TypingPayload{TargetID: targetID, FromID: userID, IsTyping: typing})
}

func (s *Session) emit(name string, data any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	ev, err := models.NewEvent(name, data)
	if err != nil {
		return err
	}
	if err := conn.WriteEvent(ev); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// PlaceCall starts an outbound call using the profile name as caller name
func (s *Session) PlaceCall(ctx context.Context, calleeID string) error {
	name := ""
	if local := s.Local(); local != nil {
		if p := local.Profile(); p != nil {
			name = p.Name
		}
	}
	return s.calls.PlaceCall(ctx, calleeID, name)
}

func (s *Session) AcceptCall(ctx context.Context) error {
	return s.calls.Accept(ctx)
}

func (s *Session) DeclineCall() error {
	return s.calls.Decline()
}

func (s *Session) Hangup() {
	s.calls.Hangup()
}

func (s *Session) SetMuted(muted bool) error {
	return s.calls.SetMuted(muted)
}

// call.Signaler

func (s *Session) SendCallOffer(calleeID string, offer models.SessionDescription, callerName string) error {
	return s.emit(models.EventCallOffer, models.CallOfferPayload{CalleeID: calleeID, Offer: offer, CallerName: callerName})
}

func (s *Session) SendCallAnswer(callerID string, answer models.SessionDescription) error {
	return s.emit(models.EventCallAnswer, models.CallAnswerPayload{CallerID: callerID, Answer: answer})
}

func (s *Session) SendICECandidate(targetID string, c models.ICECandidate) error {
	return s.emit(models.EventICECandidate, models.ICECandidatePayload{TargetID: targetID, Candidate: c})
}

func (s *Session) SendCallEnd(targetID string) error {
	return s.emit(models.EventCallEnd, models.CallEndPayload{TargetID: targetID})
}
