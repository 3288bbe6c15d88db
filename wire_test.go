package chatsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireMessageShape(t *testing.T) {
	raw := `{"senderUsername":"alice","conversationId":7,"content":"hi","sentAt":"2026-03-01T10:00:00.250Z"}`

	w, err := DecodeWireMessage([]byte(raw))
	require.NoError(t, err)

	out, err := json.Marshal(w)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestWireFromEnvelope(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 250_000_000, time.UTC)
	w := WireFromEnvelope(Envelope{SenderUsername: "alice", ConversationID: 7, Content: "hi", SubmittedAt: at})
	assert.Equal(t, "2026-03-01T10:00:00.250Z", w.SentAt)

	m := w.Candidate(time.Time{})
	assert.True(t, m.SentAt.Equal(at))
	assert.False(t, m.Approximate)
}

func TestDecodeWireMessageRejectsIncomplete(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":          `[`,
		"no sender":         `{"conversationId":1,"content":"x"}`,
		"no conversationId": `{"senderUsername":"a","content":"x"}`,
		"blank content":     `{"senderUsername":"a","conversationId":1,"content":" \n\t"}`,
		"no content":        `{"senderUsername":"a","conversationId":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeWireMessage([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestCandidateApproximateSentAt(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m := WireMessage{SenderUsername: "bob", ConversationID: 2, Content: "yo"}.Candidate(received)
	assert.True(t, m.Approximate)
	assert.True(t, m.SentAt.Equal(received))
	assert.Equal(t, MessageConfirmed, m.State)

	m = WireMessage{SenderUsername: "bob", ConversationID: 2, Content: "yo", SentAt: "2026-03-01T11:59:59"}.Candidate(received)
	assert.False(t, m.Approximate)
	assert.True(t, m.SentAt.Equal(received.Add(-time.Second)))
}

func TestInboxDestination(t *testing.T) {
	assert.Equal(t, "/queue/user.alice", InboxDestination("alice"))
}
