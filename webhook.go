package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Prismer-AI/chatsync/internal/clock"
)

// SignatureHeader carries the HMAC-SHA256 of a pushed frame.
const SignatureHeader = "X-Chatsync-Signature"

// maxWebhookBody bounds a pushed frame, matching the websocket read limit.
const maxWebhookBody = 1 << 20

// MessageSink accepts reconciled inbound messages. *Engine implements it.
type MessageSink interface {
	Receive(m Message) bool
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifySignature checks a hex HMAC-SHA256 signature of body, with or
// without the "sha256=" prefix, in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := hex.EncodeToString(Sign(body, secret))
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// ParsePushedFrame parses a pushed body into the message it carries. The
// body is a message frame, as it would arrive on the transport.
func ParsePushedFrame(body []byte) (WireMessage, error) {
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return WireMessage{}, fmt.Errorf("invalid JSON in pushed frame: %w", err)
	}
	if f.Type != FrameMessage {
		return WireMessage{}, fmt.Errorf("unsupported frame type: %q", f.Type)
	}
	if len(f.Payload) == 0 {
		return WireMessage{}, errors.New("frame has no payload")
	}
	return DecodeWireMessage(f.Payload)
}

// ============================================================================
// FrameWebhook
// ============================================================================

// FrameWebhook accepts signed message frames over HTTP and feeds them into
// the same reconciliation path as transport frames.
type FrameWebhook struct {
	secret string
	sink   MessageSink
	clock  clock.Clock
	logger zerolog.Logger
}

type WebhookOption func(*FrameWebhook)

func WithWebhookClock(c clock.Clock) WebhookOption {
	return func(w *FrameWebhook) { w.clock = c }
}

func WithWebhookLogger(logger zerolog.Logger) WebhookOption {
	return func(w *FrameWebhook) { w.logger = logger }
}

// NewFrameWebhook creates a webhook delivering into sink.
func NewFrameWebhook(secret string, sink MessageSink, opts ...WebhookOption) (*FrameWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("webhook sink is required")
	}
	w := &FrameWebhook{
		secret: secret,
		sink:   sink,
		clock:  clock.Real(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Handle verifies, parses and applies one pushed frame. It returns the
// status code and response body for the caller to write.
func (w *FrameWebhook) Handle(body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		w.logger.Warn().Msg("rejected pushed frame with bad signature")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	msg, err := ParsePushedFrame(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	applied := w.sink.Receive(msg.Candidate(w.clock.Now().UTC()))
	w.logger.Debug().
		Int64("conversation", msg.ConversationID).
		Bool("applied", applied).
		Msg("pushed frame handled")
	return http.StatusOK, map[string]bool{"ok": true, "applied": applied}
}

// HTTPHandler returns an http.Handler for pushed frames.
//
// Example:
//
//	wh, _ := chatsync.NewFrameWebhook("secret", engine)
//	http.Handle("/frames", wh.HTTPHandler())
func (w *FrameWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		defer r.Body.Close()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		if len(body) > maxWebhookBody {
			writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]string{"error": "Body too large"})
			return
		}

		status, data := w.Handle(body, r.Header.Get(SignatureHeader))
		writeJSON(rw, status, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
