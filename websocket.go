package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/Prismer-AI/chatsync/internal/clock"
)

// DefaultHeartbeatInterval is how often an idle link is pinged.
const DefaultHeartbeatInterval = 25 * time.Second

// maxFrameSize bounds a single inbound frame.
const maxFrameSize = 1 << 20

// WebSocketURL derives the transport endpoint from an HTTP base URL.
func WebSocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// WSDialer dials the chat server over WebSocket.
type WSDialer struct {
	URL               string
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
	Clock             clock.Clock
	Logger            zerolog.Logger

	mu    sync.RWMutex
	token string
}

// NewWSDialer creates a dialer for url presenting token as a bearer credential.
func NewWSDialer(url, token string) *WSDialer {
	return &WSDialer{
		URL:               url,
		HeartbeatInterval: DefaultHeartbeatInterval,
		Clock:             clock.Real(),
		Logger:            zerolog.Nop(),
		token:             token,
	}
}

// SetToken replaces the bearer token used by later dials.
func (d *WSDialer) SetToken(token string) {
	d.mu.Lock()
	d.token = token
	d.mu.Unlock()
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, identity string) (Link, error) {
	header := http.Header{}
	d.mu.RLock()
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}
	d.mu.RUnlock()

	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)

	l := &wsLink{conn: conn, logger: d.Logger, done: make(chan struct{})}
	if d.HeartbeatInterval > 0 {
		clk := d.Clock
		if clk == nil {
			clk = clock.Real()
		}
		go l.heartbeatLoop(clk, d.HeartbeatInterval)
	}
	return l, nil
}

type wsLink struct {
	conn      *websocket.Conn
	logger    zerolog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// ReadFrame returns the next well-formed frame, skipping undecodable ones.
func (l *wsLink) ReadFrame(ctx context.Context) (Frame, error) {
	for {
		_, data, err := l.conn.Read(ctx)
		if err != nil {
			return Frame{}, err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			l.logger.Debug().Int("bytes", len(data)).Msg("skipping malformed frame")
			continue
		}
		return f, nil
	}
}

func (l *wsLink) WriteFrame(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return l.conn.Write(ctx, websocket.MessageText, data)
}

func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return err
}

func (l *wsLink) heartbeatLoop(clk clock.Clock, interval time.Duration) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := l.conn.Ping(ctx)
			cancel()
			if err != nil {
				// Heartbeat failed, force close so the reader sees the loss.
				l.logger.Debug().Err(err).Msg("heartbeat failed")
				_ = l.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
