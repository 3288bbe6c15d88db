package chatsync

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is matched by every NotConnectedError.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrSuperseded is returned when a newer call replaced an outstanding one.
	ErrSuperseded = errors.New("chatsync: superseded by a newer request")
	// ErrNoIdentity is returned when an operation needs a user identity and none is set.
	ErrNoIdentity = errors.New("chatsync: no identity")
	// ErrInitFailed is matched by the error returned once initialization exhausts its attempts.
	ErrInitFailed = errors.New("chatsync: initialization failed")
	// ErrUnknownConversation is returned when selecting an id that is not in the conversation list.
	ErrUnknownConversation = errors.New("chatsync: unknown conversation")
)

// ConnectionError reports a failed or timed out transport handshake.
type ConnectionError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("chatsync: %s: handshake timed out", e.Op)
	}
	return fmt.Sprintf("chatsync: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// NotConnectedError is returned by Send outside the connected state, or
// when the link broke while handing the frame over.
type NotConnectedError struct {
	State ConnectionStatus
	Err   error
}

func (e *NotConnectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chatsync: not connected (state %s): %v", e.State, e.Err)
	}
	return fmt.Sprintf("chatsync: not connected (state %s)", e.State)
}

func (e *NotConnectedError) Is(target error) bool { return target == ErrNotConnected }

func (e *NotConnectedError) Unwrap() error { return e.Err }

// PersistenceError reports a failed read or write of the local cache.
type PersistenceError struct {
	Key string
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("chatsync: cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RemoteFetchError reports a failed conversation or history load.
type RemoteFetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *RemoteFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("chatsync: %s: HTTP %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("chatsync: %s: %v", e.Op, e.Err)
}

func (e *RemoteFetchError) Unwrap() error { return e.Err }

// ValidationError rejects input before it reaches the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chatsync: invalid %s: %s", e.Field, e.Reason)
}

// IsNotConnected reports whether err is a NotConnectedError.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// IsRemoteFetch reports whether err is a RemoteFetchError.
func IsRemoteFetch(err error) bool {
	var re *RemoteFetchError
	return errors.As(err, &re)
}

// ============================================================================
// Data model
// ============================================================================

// Role is a participant's role in the remote system.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Participant is identified by its username.
type Participant struct {
	Username string `json:"username" cbor:"username"`
	Role     Role   `json:"role" cbor:"role"`
}

// Conversation mirrors a remotely created conversation.
type Conversation struct {
	ID           int64         `json:"id" cbor:"id"`
	Participants []Participant `json:"participants" cbor:"participants"`
}

// MessageState tracks where a message is in its lifecycle.
type MessageState string

const (
	// MessagePending is a local placeholder whose envelope has not been sent.
	MessagePending MessageState = "pending"
	// MessageSent is a local placeholder whose envelope was handed to the transport.
	MessageSent MessageState = "sent"
	// MessageFailed is a local placeholder whose envelope was dropped after
	// a send error other than a lost connection. It will not be retried.
	MessageFailed MessageState = "failed"
	// MessageConfirmed came from the remote system.
	MessageConfirmed MessageState = "confirmed"
)

// Message is one entry in a conversation history.
type Message struct {
	ID             int64        `cbor:"id"`
	ConversationID int64        `cbor:"conversation_id"`
	SenderUsername string       `cbor:"sender"`
	Content        string       `cbor:"content"`
	SentAt         time.Time    `cbor:"sent_at"`
	State          MessageState `cbor:"state"`
	// ClientID links a local placeholder to its envelope.
	ClientID string `cbor:"client_id,omitempty"`
	// Approximate is set when SentAt is the local receipt time.
	Approximate bool `cbor:"approximate,omitempty"`
}

// Local reports whether the message is a locally synthesized placeholder.
func (m Message) Local() bool {
	return m.State == MessagePending || m.State == MessageSent || m.State == MessageFailed
}

// Envelope is a durable record of an outbound message.
type Envelope struct {
	ID             string    `cbor:"id"`
	SenderUsername string    `cbor:"sender"`
	ConversationID int64     `cbor:"conversation_id"`
	Content        string    `cbor:"content"`
	SubmittedAt    time.Time `cbor:"submitted_at"`
	// LocalID is the id of the placeholder message shown for this envelope.
	LocalID int64 `cbor:"local_id"`
}

// ============================================================================
// Engine state
// ============================================================================

// ConnectionStatus is the transport state machine position.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusConnecting   ConnectionStatus = "CONNECTING"
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusReconnecting ConnectionStatus = "RECONNECTING"
)

// InitPhase is the position of the startup sequence.
type InitPhase string

const (
	InitIdle    InitPhase = "idle"
	InitRunning InitPhase = "running"
	InitReady   InitPhase = "ready"
	InitFailed  InitPhase = "failed"
)

// State is an immutable snapshot of the engine.
type State struct {
	Conversations          []Conversation
	MessagesByConversation map[int64][]Message
	ActiveConversationID   *int64
	ConnectionStatus       ConnectionStatus
	LastError              string
	Init                   InitPhase
	PendingCount           int
}

// Messages returns the history of one conversation.
func (s State) Messages(conversationID int64) []Message {
	return s.MessagesByConversation[conversationID]
}

func (s State) clone() State {
	out := s
	out.Conversations = cloneConversations(s.Conversations)
	out.MessagesByConversation = make(map[int64][]Message, len(s.MessagesByConversation))
	for id, msgs := range s.MessagesByConversation {
		out.MessagesByConversation[id] = append([]Message(nil), msgs...)
	}
	if s.ActiveConversationID != nil {
		id := *s.ActiveConversationID
		out.ActiveConversationID = &id
	}
	return out
}

func cloneConversations(in []Conversation) []Conversation {
	if in == nil {
		return nil
	}
	out := make([]Conversation, len(in))
	for i, c := range in {
		out[i] = Conversation{ID: c.ID, Participants: append([]Participant{}, c.Participants...)}
	}
	return out
}
