package models

import (
	"github.com/goccy/go-json"
)

// Wire event names carried in Event.Name
const (
	EventJoin           = "join"
	EventJoined         = "joined"
	EventSendMessage    = "send-message"
	EventReceiveMessage = "receive-message"
	EventMessageAck     = "message-ack"
	EventTyping         = "typing"
	EventCallOffer      = "call-offer"
	EventIncomingCall   = "incoming-call"
	EventCallAnswer     = "call-answer"
	EventCallAccepted   = "call-accepted"
	EventICECandidate   = "ice-candidate"
	EventCallEnd        = "call-end"
	EventCallEnded      = "call-ended"
	EventUserStatus     = "user-status"
	EventError          = "error"
)

// Event is the format for every realtime frame in both directions
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data as the payload of an event called name
func NewEvent(name string, data any) (Event, error) {
	if data == nil {
		return Event{Name: name}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: raw}, nil
}

// Decode unmarshals the payload into v
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Data, v)
}

type JoinPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// JoinedPayload confirms a join. The timeouts, in milliseconds, are the
// relay's ack and ring timeouts for clients to adopt.
type JoinedPayload struct {
	UserID        string   `json:"userId"`
	Groups        []string `json:"groups"`
	AckTimeoutMs  int64    `json:"ackTimeoutMs,omitempty"`
	RingTimeoutMs int64    `json:"ringTimeoutMs,omitempty"`
}

type SendMessagePayload struct {
	TargetID string  `json:"targetId"`
	Message  Message `json:"message"`
}

// AckPayload reports a status change of one message. SenderID is the author
// of the message the ack is about; FromID is set by the relay to whoever
// produced the ack.
type AckPayload struct {
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
	SenderID  string        `json:"senderId,omitempty"`
	FromID    string        `json:"fromId,omitempty"`
}

type TypingPayload struct {
	TargetID string `json:"targetId"`
	FromID   string `json:"fromId"`
	IsTyping bool   `json:"isTyping"`
}

// SessionDescription is an SDP offer or answer
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is one trickled network candidate
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type CallOfferPayload struct {
	CalleeID   string             `json:"calleeId"`
	Offer      SessionDescription `json:"offer"`
	CallerName string             `json:"callerName"`
}

type IncomingCallPayload struct {
	CallerID   string             `json:"callerId"`
	CallerName string             `json:"callerName"`
	Offer      SessionDescription `json:"offer"`
}

type CallAnswerPayload struct {
	CallerID string             `json:"callerId"`
	Answer   SessionDescription `json:"answer"`
}

type CallAcceptedPayload struct {
	CalleeID string             `json:"calleeId"`
	Answer   SessionDescription `json:"answer"`
}

type ICECandidatePayload struct {
	TargetID  string       `json:"targetId,omitempty"`
	FromID    string       `json:"fromId,omitempty"`
	Candidate ICECandidate `json:"candidate"`
}

type CallEndPayload struct {
	TargetID string `json:"targetId"`
}

type CallEndedPayload struct {
	FromID string `json:"fromId"`
}

type UserStatusPayload struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
