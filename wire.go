package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Frame types exchanged with the server.
const (
	FrameSubscribe  = "subscribe"
	FrameSubscribed = "subscribed"
	FrameSend       = "send"
	FrameMessage    = "message"
	FrameError      = "error"
)

// SendDestination is where outbound chat messages are published.
const SendDestination = "/app/chat.send"

// wireTimeLayout matches the millisecond ISO-8601 form browsers produce.
const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// InboxDestination returns the per-user inbox a session subscribes to.
func InboxDestination(identity string) string {
	return "/queue/user." + identity
}

// Frame is the envelope for every transport message.
type Frame struct {
	Type        string          `json:"type"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// WireMessage is the chat message payload carried by send and message frames.
type WireMessage struct {
	ID             int64  `json:"id,omitempty"`
	SenderUsername string `json:"senderUsername"`
	ConversationID int64  `json:"conversationId"`
	Content        string `json:"content"`
	SentAt         string `json:"sentAt"`
}

// FrameErrorPayload is carried by error frames.
type FrameErrorPayload struct {
	Message string `json:"message"`
}

// FormatWireTime renders t the way it appears on the wire.
func FormatWireTime(t time.Time) string {
	return t.UTC().Format(wireTimeLayout)
}

// WireFromEnvelope builds the outbound payload for env.
func WireFromEnvelope(env Envelope) WireMessage {
	return WireMessage{
		SenderUsername: env.SenderUsername,
		ConversationID: env.ConversationID,
		Content:        env.Content,
		SentAt:         FormatWireTime(env.SubmittedAt),
	}
}

// DecodeWireMessage parses a message payload.
func DecodeWireMessage(data []byte) (WireMessage, error) {
	var w WireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return WireMessage{}, fmt.Errorf("decode wire message: %w", err)
	}
	if w.SenderUsername == "" {
		return WireMessage{}, fmt.Errorf("decode wire message: missing senderUsername")
	}
	if w.ConversationID == 0 {
		return WireMessage{}, fmt.Errorf("decode wire message: missing conversationId")
	}
	if strings.TrimSpace(w.Content) == "" {
		return WireMessage{}, fmt.Errorf("decode wire message: blank content")
	}
	return w, nil
}

// Candidate converts w into a confirmed message. A missing or invalid
// sentAt is replaced by receivedAt and flagged approximate.
func (w WireMessage) Candidate(receivedAt time.Time) Message {
	m := Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderUsername: w.SenderUsername,
		Content:        w.Content,
		State:          MessageConfirmed,
	}
	if at, err := parseTime(w.SentAt); err == nil {
		m.SentAt = at
	} else {
		m.SentAt = receivedAt
		m.Approximate = true
	}
	return m
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	// Servers that serialize LocalDateTime omit the zone.
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
}
