package models

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// MessageType tags the content carried by a message
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageFile     MessageType = "file"
	MessageVoice    MessageType = "voice"
	MessageLocation MessageType = "location"
	MessageSticker  MessageType = "sticker"
)

// Valid reports whether t is a known type. The empty type means text.
func (t MessageType) Valid() bool {
	switch t {
	case "", MessageText, MessageImage, MessageFile, MessageVoice, MessageLocation, MessageSticker:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a message
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusRead    MessageStatus = "read"
	StatusError   MessageStatus = "error"
)

// rank orders statuses so a message never moves backwards from read to sent
func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Advances reports whether moving from s to next is a forward transition.
// Error can replace sending only.
func (s MessageStatus) Advances(next MessageStatus) bool {
	if next == StatusError {
		return s == StatusSending || s == ""
	}
	if s == StatusError {
		return next == StatusSent || next == StatusRead
	}
	return next.rank() > s.rank()
}

// Location is a latitude/longitude pair
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Message represents a chat message. Content fields never change after
// creation; only Status does.
type Message struct {
	ID            string        `json:"id"`
	SenderID      string        `json:"senderId"`
	TargetID      string        `json:"targetId"`
	Text          string        `json:"text"`
	Type          MessageType   `json:"type,omitempty"`
	AttachmentURL string        `json:"attachmentUrl,omitempty"`
	FileName      string        `json:"fileName,omitempty"`
	FileSize      string        `json:"fileSize,omitempty"`
	Location      *Location     `json:"location,omitempty"`
	Duration      int           `json:"duration,omitempty"`
	Timestamp     int64         `json:"timestamp"`
	Status        MessageStatus `json:"status"`
}

// NewMessageID returns a timestamp+random id, collision free in practice
func NewMessageID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + hex.EncodeToString(b[:])
}

// Valid reports whether m carries enough to be persisted
func (m *Message) Valid() bool {
	if m.ID == "" || m.TargetID == "" || !m.Type.Valid() {
		return false
	}
	switch m.Type {
	case MessageLocation:
		return m.Location != nil
	case MessageImage, MessageFile, MessageVoice, MessageSticker:
		return m.AttachmentURL != "" || m.Text != ""
	default:
		return m.Text != ""
	}
}

// Preview is the text shown in conversation lists
func (m *Message) Preview() string {
	switch m.Type {
	case MessageImage:
		return "📷 Photo"
	case MessageFile:
		if m.FileName != "" {
			return "📄 " + m.FileName
		}
		return "📄 File"
	case MessageVoice:
		return "🎤 Voice message"
	case MessageLocation:
		return "📍 Location"
	case MessageSticker:
		return "Sticker"
	}
	return m.Text
}

// SameContent reports whether two messages carry identical content
func (m *Message) SameContent(o *Message) bool {
	return m.ID == o.ID && m.SenderID == o.SenderID && m.TargetID == o.TargetID &&
		m.Text == o.Text && m.Type == o.Type && m.AttachmentURL == o.AttachmentURL &&
		m.FileName == o.FileName && m.FileSize == o.FileSize && m.Duration == o.Duration &&
		m.Timestamp == o.Timestamp && sameLocation(m.Location, o.Location)
}

func sameLocation(a, b *Location) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
