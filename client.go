// Package chatsync keeps a chat client's conversations, histories and
// outbound messages consistent across a realtime transport, the remote
// REST API and a local cache.
//
// Example:
//
//	client := chatsync.NewClient("https://chat.example.com", token)
//	dialer := chatsync.NewWSDialer(chatsync.WebSocketURL("https://chat.example.com"), token)
//	engine := chatsync.NewEngine(chatsync.NewKVCache(store), client, dialer)
//
//	_ = engine.Initialize(ctx, credentials)
//	engine.Submit(7, "hi")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client talks to the remote REST API. It makes one attempt per call;
// retries belong to the caller.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	refresh    func(ctx context.Context) (string, error)

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithTokenRefresher is called once when a request is rejected with 401.
// The request is retried with the token it returns.
func WithTokenRefresher(fn func(ctx context.Context) (string, error)) ClientOption {
	return func(c *Client) { c.refresh = fn }
}

// NewClient creates a client for the API at baseURL.
// token is optional; pass "" and call SetToken later.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  zerolog.Nop(),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, op, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	data, status, err := c.send(ctx, method, path, body, query)
	if err == nil && status == http.StatusUnauthorized && c.refresh != nil {
		c.logger.Debug().Str("op", op).Msg("token rejected, refreshing")
		token, rerr := c.refresh(ctx)
		if rerr != nil {
			return nil, &RemoteFetchError{Op: op, Status: status, Err: fmt.Errorf("token refresh: %w", rerr)}
		}
		c.SetToken(token)
		data, status, err = c.send(ctx, method, path, body, query)
	}
	if err != nil {
		return nil, &RemoteFetchError{Op: op, Err: err}
	}
	if status < 200 || status > 299 {
		return nil, &RemoteFetchError{Op: op, Status: status, Err: errors.New(responseSnippet(data))}
	}
	return data, nil
}

func (c *Client) send(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("remote call")
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func responseSnippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}

// ============================================================================
// Response shapes
// ============================================================================

type roomDTO struct {
	ID           *int64        `json:"id"`
	Participants []Participant `json:"participants"`
}

type messageDTO struct {
	ID     int64       `json:"id"`
	Sender Participant `json:"sender"`
	Room   struct {
		ID int64 `json:"id"`
	} `json:"room"`
	Content string `json:"content"`
	SentAt  string `json:"sentAt"`
}

// TokenPair is returned by the refresh endpoint.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (r roomDTO) conversation() Conversation {
	c := Conversation{ID: *r.ID, Participants: r.Participants}
	if c.Participants == nil {
		c.Participants = []Participant{}
	}
	return c
}

// ============================================================================
// Conversations and history
// ============================================================================

// ListConversations returns the conversations username takes part in.
// Entries without a numeric id are skipped. A body that is not a list
// yields an empty result and a RemoteFetchError.
func (c *Client) ListConversations(ctx context.Context, username string) ([]Conversation, error) {
	const op = "list_conversations"
	data, err := c.doRequest(ctx, op, "GET", "/api/rooms/user/"+url.PathEscape(username), nil, nil)
	if err != nil {
		return nil, err
	}

	raw, err := decodeJSON[[]json.RawMessage](data)
	if err != nil {
		return []Conversation{}, &RemoteFetchError{Op: op, Err: fmt.Errorf("expected a list: %w", err)}
	}
	convs := make([]Conversation, 0, len(*raw))
	for _, item := range *raw {
		var room roomDTO
		if err := json.Unmarshal(item, &room); err != nil || room.ID == nil {
			c.logger.Warn().RawJSON("room", item).Msg("skipping malformed room")
			continue
		}
		convs = append(convs, room.conversation())
	}
	return convs, nil
}

// FetchHistory returns the stored messages of a conversation. Rows with an
// unreadable sentAt are skipped.
func (c *Client) FetchHistory(ctx context.Context, conversationID int64) ([]Message, error) {
	const op = "fetch_history"
	data, err := c.doRequest(ctx, op, "GET", "/messages", nil, map[string]string{
		"roomId": strconv.FormatInt(conversationID, 10),
	})
	if err != nil {
		return nil, err
	}

	rows, err := decodeJSON[[]messageDTO](data)
	if err != nil {
		return []Message{}, &RemoteFetchError{Op: op, Err: fmt.Errorf("expected a list: %w", err)}
	}
	msgs := make([]Message, 0, len(*rows))
	for _, row := range *rows {
		at, err := parseTime(row.SentAt)
		if err != nil {
			c.logger.Warn().Int64("message", row.ID).Str("sentAt", row.SentAt).Msg("skipping message with bad timestamp")
			continue
		}
		conv := row.Room.ID
		if conv == 0 {
			conv = conversationID
		}
		msgs = append(msgs, Message{
			ID:             row.ID,
			ConversationID: conv,
			SenderUsername: row.Sender.Username,
			Content:        row.Content,
			SentAt:         at,
			State:          MessageConfirmed,
		})
	}
	return msgs, nil
}

// CreateConversation creates a conversation between participants.
func (c *Client) CreateConversation(ctx context.Context, participants []string) (Conversation, error) {
	names := make([]string, 0, len(participants))
	for _, p := range participants {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	if len(names) == 0 {
		return Conversation{}, &ValidationError{Field: "participants", Reason: "at least one username is required"}
	}

	const op = "create_conversation"
	data, err := c.doRequest(ctx, op, "POST", "/api/rooms/create", map[string]interface{}{"participants": names}, nil)
	if err != nil {
		return Conversation{}, err
	}
	room, err := decodeJSON[roomDTO](data)
	if err != nil {
		return Conversation{}, &RemoteFetchError{Op: op, Err: err}
	}
	if room.ID == nil {
		return Conversation{}, &RemoteFetchError{Op: op, Err: errors.New("response has no room id")}
	}
	return room.conversation(), nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	const op = "refresh_token"
	data, status, err := c.send(ctx, "POST", "/auth/refresh", map[string]string{"refreshToken": refreshToken}, nil)
	if err != nil {
		return TokenPair{}, &RemoteFetchError{Op: op, Err: err}
	}
	if status < 200 || status > 299 {
		return TokenPair{}, &RemoteFetchError{Op: op, Status: status, Err: errors.New(responseSnippet(data))}
	}
	pair, err := decodeJSON[TokenPair](data)
	if err != nil || pair.AccessToken == "" {
		return TokenPair{}, &RemoteFetchError{Op: op, Err: fmt.Errorf("no access token in response: %s", responseSnippet(data))}
	}
	return *pair, nil
}
