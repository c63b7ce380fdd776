package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"zenchat/logging"
	"zenchat/models"
)

// DefaultRingTimeout ends a call that is never answered
const DefaultRingTimeout = 45 * time.Second

// maxPendingCandidates bounds candidates buffered before a remote
// description is applied
const maxPendingCandidates = 64

// Config wires a Machine to its collaborators
type Config struct {
	Media       MediaSource
	Peers       PeerFactory
	Signaler    Signaler
	Observer    Observer
	RingTimeout time.Duration
	// AfterFunc schedules the ring timeout. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

// Machine tracks one call at a time. Every exit back to idle runs cleanup
// exactly once and emits call-end at most once.
type Machine struct {
	cfg Config

	mu            sync.Mutex
	selfID        string
	state         State
	peerID        string
	peerName      string
	offer         *models.SessionDescription
	peer          PeerConnection
	local         MediaStream
	remote        MediaStream
	muted         bool
	remoteApplied bool
	pending       []models.ICECandidate
	endSent       bool
	stopRing      func() bool

	// gen identifies the current call; late callbacks of an old call see
	// a different value
	gen atomic.Uint64

	notes []func()
}

func NewMachine(cfg Config) *Machine {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	return &Machine{cfg: cfg, state: StateIdle}
}

// SetRingTimeout changes the ring timeout for calls started afterwards.
// Non-positive values are ignored.
func (m *Machine) SetRingTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.cfg.RingTimeout = d
	m.mu.Unlock()
}

// SetSelfID names the local user. It settles calls placed by both users at
// once: the side with the greater id gives way.
func (m *Machine) SetSelfID(id string) {
	m.mu.Lock()
	m.selfID = id
	m.mu.Unlock()
}

// Info returns a copy of the current call description
func (m *Machine) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) infoLocked() Info {
	return Info{State: m.state, PeerID: m.peerID, PeerName: m.peerName, Muted: m.muted}
}

// unlock releases the lock and then runs queued observer callbacks
func (m *Machine) unlock() {
	notes := m.notes
	m.notes = nil
	m.mu.Unlock()
	for _, n := range notes {
		n()
	}
}

func (m *Machine) setStateLocked(s State) {
	m.state = s
	info := m.infoLocked()
	if cb := m.cfg.Observer.OnStateChange; cb != nil {
		m.notes = append(m.notes, func() { cb(info) })
	}
}

func (m *Machine) reportLocked(err error) {
	if cb := m.cfg.Observer.OnError; cb != nil {
		m.notes = append(m.notes, func() { cb(err) })
	}
}

// PlaceCall starts an outbound call: idle -> calling
func (m *Machine) PlaceCall(ctx context.Context, calleeID, callerName string) error {
	m.mu.Lock()
	defer m.unlock()

	if m.state != StateIdle {
		return ErrInvalidState
	}

	local, err := m.cfg.Media.AcquireAudio(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
		m.reportLocked(err)
		return err
	}

	gen := m.gen.Add(1)
	m.peerID = calleeID
	m.peerName = ""
	m.endSent = false
	m.local = local

	peer, err := m.cfg.Peers.NewPeer(local, m.candidateSender(gen, calleeID))
	if err != nil {
		return m.failLocked(fmt.Errorf("%w: %v", ErrPeerConnection, err))
	}
	m.peer = peer

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		return m.failLocked(fmt.Errorf("%w: %v", ErrPeerConnection, err))
	}

	m.setStateLocked(StateCalling)
	m.startRingLocked(gen)

	logging.Info().Str("target_id", calleeID).Msg("Placing call")
	if err := m.cfg.Signaler.SendCallOffer(calleeID, offer, callerName); err != nil {
		// not retried; the ring timeout or a hangup abandons the call
		err = fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
		m.reportLocked(err)
		return err
	}
	return nil
}

// ReceiveOffer records an inbound call: idle -> receiving. An offer that
// arrives while another call is active is answered with call-end.
func (m *Machine) ReceiveOffer(callerID, callerName string, offer models.SessionDescription) error {
	m.mu.Lock()
	defer m.unlock()

	if m.state != StateIdle {
		if callerID == m.peerID {
			if m.state == StateCalling && m.selfID != "" && m.selfID > callerID {
				return m.yieldLocked(callerID, callerName, offer)
			}
			return nil
		}
		logging.Info().Str("caller_id", callerID).Msg("Busy, rejecting incoming call")
		if err := m.cfg.Signaler.SendCallEnd(callerID); err != nil {
			logging.Warn().Err(err).Str("caller_id", callerID).Msg("Failed to reject call")
		}
		return nil
	}

	gen := m.gen.Add(1)
	m.peerID = callerID
	m.peerName = callerName
	m.offer = &offer
	m.endSent = false
	m.setStateLocked(StateReceiving)
	m.startRingLocked(gen)
	return nil
}

// yieldLocked drops our own outbound call to the same peer without
// signaling call-end and answers theirs instead
func (m *Machine) yieldLocked(callerID, callerName string, offer models.SessionDescription) error {
	logging.Info().Str("caller_id", callerID).Msg("Both sides called, answering the incoming call")
	m.endLocked(false)

	gen := m.gen.Add(1)
	m.peerID = callerID
	m.peerName = callerName
	m.offer = &offer
	m.endSent = false
	m.setStateLocked(StateReceiving)
	m.startRingLocked(gen)
	return m.acceptLocked(context.Background())
}

// Accept answers the stored offer: receiving -> connected
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	defer m.unlock()

	if m.state != StateReceiving || m.offer == nil {
		return ErrInvalidState
	}
	return m.acceptLocked(ctx)
}

func (m *Machine) acceptLocked(ctx context.Context) error {
	gen := m.gen.Load()

	local, err := m.cfg.Media.AcquireAudio(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
		m.endLocked(true)
		m.reportLocked(err)
		return err
	}
	m.local = local

	peer, err := m.cfg.Peers.NewPeer(local, m.candidateSender(gen, m.peerID))
	if err != nil {
		return m.failLocked(fmt.Errorf("%w: %v", ErrPeerConnection, err))
	}
	m.peer = peer

	if err := peer.ApplyRemoteDescription(ctx, *m.offer); err != nil {
		return m.failLocked(fmt.Errorf("%w: %v", ErrPeerConnection, err))
	}
	m.remoteApplied = true
	m.flushPendingLocked()

	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		return m.failLocked(fmt.Errorf("%w: %v", ErrPeerConnection, err))
	}

	m.stopRingLocked()
	m.setStateLocked(StateConnected)
	if err := m.cfg.Signaler.SendCallAnswer(m.peerID, answer); err != nil {
		err = fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
		m.reportLocked(err)
		return err
	}
	return nil
}

// Decline rejects the stored offer: receiving -> idle
func (m *Machine) Decline() error {
	m.mu.Lock()
	defer m.unlock()

	if m.state != StateReceiving {
		return ErrInvalidState
	}
	m.endLocked(true)
	return nil
}

// AnswerReceived applies the callee's answer: calling -> connected.
// Answers from anyone but the callee, or for a finished call, are ignored.
func (m *Machine) AnswerReceived(ctx context.Context, fromID string, answer models.SessionDescription) error {
	m.mu.Lock()
	defer m.unlock()

	if m.state != StateCalling || fromID != m.peerID {
		return nil
	}
	if err := m.peer.ApplyRemoteDescription(ctx, answer); err != nil {
		return m.failLocked(fmt.Errorf("%w: %v", ErrPeerConnection, err))
	}
	m.remoteApplied = true
	m.flushPendingLocked()
	m.stopRingLocked()
	m.setStateLocked(StateConnected)
	return nil
}

// RemoteCandidate adds a candidate from the other party. Candidates that
// arrive before the remote description are buffered.
func (m *Machine) RemoteCandidate(fromID string, c models.ICECandidate) {
	m.mu.Lock()
	defer m.unlock()

	if m.state == StateIdle || fromID != m.peerID {
		return
	}
	if m.peer == nil || !m.remoteApplied {
		if len(m.pending) >= maxPendingCandidates {
			m.pending = m.pending[1:]
		}
		m.pending = append(m.pending, c)
		return
	}
	if err := m.peer.AddICECandidate(c); err != nil {
		logging.Warn().Err(err).Str("peer_id", m.peerID).Msg("Failed to add ICE candidate")
	}
}

func (m *Machine) flushPendingLocked() {
	for _, c := range m.pending {
		if err := m.peer.AddICECandidate(c); err != nil {
			logging.Warn().Err(err).Str("peer_id", m.peerID).Msg("Failed to add buffered ICE candidate")
		}
	}
	m.pending = nil
}

// Hangup ends the call from this side and tells the other party
func (m *Machine) Hangup() {
	m.mu.Lock()
	defer m.unlock()
	m.endLocked(true)
}

// ReceiveCallEnd ends the call because the other party did. No call-end is
// sent back.
func (m *Machine) ReceiveCallEnd(fromID string) {
	m.mu.Lock()
	defer m.unlock()

	if m.state == StateIdle || fromID != m.peerID {
		return
	}
	m.endLocked(false)
}

// PeerError tears the call down after the peer connection failed
func (m *Machine) PeerError(err error) {
	m.mu.Lock()
	defer m.unlock()

	if m.state == StateIdle {
		return
	}
	m.endLocked(true)
	m.reportLocked(fmt.Errorf("%w: %v", ErrPeerConnection, err))
}

// ConnectionLost ends the call locally when the relay connection drops;
// there is no channel to send call-end on.
func (m *Machine) ConnectionLost() {
	m.mu.Lock()
	defer m.unlock()
	m.endLocked(false)
}

// SetMuted toggles the local microphone
func (m *Machine) SetMuted(muted bool) error {
	m.mu.Lock()
	defer m.unlock()

	if m.state == StateIdle || m.local == nil {
		return ErrInvalidState
	}
	m.local.SetMuted(muted)
	m.muted = muted
	m.setStateLocked(m.state)
	return nil
}

// AttachRemoteStream records the stream produced by the peer connection
func (m *Machine) AttachRemoteStream(s MediaStream) {
	m.mu.Lock()
	defer m.unlock()

	if m.state == StateIdle {
		s.Stop()
		return
	}
	m.remote = s
	if cb := m.cfg.Observer.OnRemoteStream; cb != nil {
		m.notes = append(m.notes, func() { cb(s) })
	}
}

// failLocked ends the call after a local setup error
func (m *Machine) failLocked(err error) error {
	m.endLocked(true)
	m.reportLocked(err)
	return err
}

// endLocked is the single exit to idle. emit sends call-end unless one was
// already sent for this call.
func (m *Machine) endLocked(emit bool) {
	if m.state == StateIdle && m.peer == nil && m.local == nil {
		return
	}

	if emit && !m.endSent && m.peerID != "" && m.state != StateIdle {
		if err := m.cfg.Signaler.SendCallEnd(m.peerID); err != nil {
			logging.Warn().Err(err).Str("peer_id", m.peerID).Msg("Failed to send call-end")
		}
	}
	m.endSent = true

	m.stopRingLocked()
	if m.peer != nil {
		if err := m.peer.Close(); err != nil {
			logging.Debug().Err(err).Msg("Peer close failed")
		}
	}
	if m.local != nil {
		m.local.Stop()
	}
	m.peer = nil
	m.local = nil
	m.remote = nil
	m.offer = nil
	m.pending = nil
	m.remoteApplied = false
	m.muted = false
	m.gen.Add(1)

	logging.Info().Str("peer_id", m.peerID).Msg("Call ended")
	m.setStateLocked(StateIdle)
	m.peerID = ""
	m.peerName = ""
}

func (m *Machine) startRingLocked(gen uint64) {
	m.stopRing = m.cfg.AfterFunc(m.cfg.RingTimeout, func() { m.ringTimeout(gen) })
}

func (m *Machine) stopRingLocked() {
	if m.stopRing != nil {
		m.stopRing()
		m.stopRing = nil
	}
}

func (m *Machine) ringTimeout(gen uint64) {
	m.mu.Lock()
	defer m.unlock()

	if m.gen.Load() != gen || (m.state != StateCalling && m.state != StateReceiving) {
		return
	}
	logging.Info().Str("peer_id", m.peerID).Msg("Call not answered, hanging up")
	m.endLocked(true)
	m.reportLocked(ErrSignalingUnavailable)
}

// candidateSender forwards local candidates while call gen is current
func (m *Machine) candidateSender(gen uint64, targetID string) func(models.ICECandidate) {
	return func(c models.ICECandidate) {
		if m.gen.Load() != gen {
			return
		}
		if err := m.cfg.Signaler.SendICECandidate(targetID, c); err != nil {
			logging.Debug().Err(err).Str("target_id", targetID).Msg("Failed to send ICE candidate")
		}
	}
}
