// Package call is the client-side signaling state machine for one-to-one
// audio calls. Media and peer connections are injected so the machine can
// run against fakes.
package call

import (
	"context"
	"errors"

	"zenchat/models"
)

var (
	ErrMediaAccessDenied    = errors.New("microphone access denied")
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrPeerConnection       = errors.New("peer connection failed")
	ErrInvalidState         = errors.New("operation not valid in the current call state")
)

// State of the local side of a call
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateReceiving State = "receiving"
	StateConnected State = "connected"
)

// MediaStream is a local or remote audio stream
type MediaStream interface {
	// Stop ends every track of the stream.
	Stop()
	SetMuted(muted bool)
}

// MediaSource acquires the local microphone
type MediaSource interface {
	AcquireAudio(ctx context.Context) (MediaStream, error)
}

// PeerConnection is the transport negotiated through signaling
type PeerConnection interface {
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	// CreateAnswer answers the remote offer already applied.
	CreateAnswer(ctx context.Context) (models.SessionDescription, error)
	ApplyRemoteDescription(ctx context.Context, desc models.SessionDescription) error
	AddICECandidate(c models.ICECandidate) error
	Close() error
}

// PeerFactory builds a peer connection carrying local. onCandidate is called
// for every locally gathered candidate.
type PeerFactory interface {
	NewPeer(local MediaStream, onCandidate func(models.ICECandidate)) (PeerConnection, error)
}

// Signaler emits call events through the relay
type Signaler interface {
	SendCallOffer(calleeID string, offer models.SessionDescription, callerName string) error
	SendCallAnswer(callerID string, answer models.SessionDescription) error
	SendICECandidate(targetID string, c models.ICECandidate) error
	SendCallEnd(targetID string) error
}

// Info describes the current call
type Info struct {
	State    State
	PeerID   string
	PeerName string
	Muted    bool
}

// Observer receives notifications after the machine's lock is released.
// Nil callbacks are skipped.
type Observer struct {
	OnStateChange  func(Info)
	OnError        func(error)
	OnRemoteStream func(MediaStream)
}
