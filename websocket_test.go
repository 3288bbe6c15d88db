package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "wss://chat.example.com/ws", WebSocketURL("https://chat.example.com/"))
	assert.Equal(t, "ws://127.0.0.1:8080/ws", WebSocketURL("http://127.0.0.1:8080"))
}

// newInboxServer acknowledges one subscription, after a malformed frame,
// then pushes a chat message.
func newInboxServer(t *testing.T, auth chan<- string, subscribed chan<- Frame) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var sub Frame
		if json.Unmarshal(data, &sub) != nil {
			return
		}
		subscribed <- sub

		c.Write(ctx, websocket.MessageText, []byte("not a frame"))
		ack, _ := json.Marshal(Frame{Type: FrameSubscribed, Destination: sub.Destination})
		c.Write(ctx, websocket.MessageText, ack)

		payload, _ := json.Marshal(WireMessage{ID: 3, SenderUsername: "bob", ConversationID: 9, Content: "over the wire", SentAt: "2026-05-01T09:00:00.000Z"})
		msg, _ := json.Marshal(Frame{Type: FrameMessage, Destination: sub.Destination, Payload: payload})
		c.Write(ctx, websocket.MessageText, msg)

		// Hold the connection until the client leaves.
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSDialerEndToEnd(t *testing.T) {
	auth := make(chan string, 1)
	subscribed := make(chan Frame, 1)
	srv := newInboxServer(t, auth, subscribed)

	dialer := NewWSDialer(WebSocketURL(srv.URL), "tok-ws")
	dialer.HeartbeatInterval = 0

	frames := make(chan Frame, 4)
	m := NewConnectionManager(dialer, WithFrameHandler(func(f Frame) { frames <- f }))
	t.Cleanup(func() { m.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx, "alice"))
	assert.Equal(t, StatusConnected, m.Status())

	assert.Equal(t, "Bearer tok-ws", <-auth)
	sub := <-subscribed
	assert.Equal(t, FrameSubscribe, sub.Type)
	assert.Equal(t, "/queue/user.alice", sub.Destination)

	select {
	case f := <-frames:
		w, err := DecodeWireMessage(f.Payload)
		require.NoError(t, err)
		assert.Equal(t, "over the wire", w.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("message frame not delivered")
	}

	m.Disconnect()
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestWSDialerRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewWSDialer(WebSocketURL(srv.URL), "").Dial(context.Background(), "alice")
	assert.Error(t, err)
}
