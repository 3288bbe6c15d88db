package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Prismer-AI/chatsync/internal/clock"
)

// ============================================================================
// Transport abstraction
// ============================================================================

// Link is one established transport session.
type Link interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// Dialer opens a Link for identity.
type Dialer interface {
	Dial(ctx context.Context, identity string) (Link, error)
}

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures the connection manager.
type TransportConfig struct {
	HandshakeTimeout  time.Duration
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	// Exponential doubles the reconnect delay per failed attempt, with jitter,
	// up to ReconnectMaxDelay. The default is a constant ReconnectDelay.
	Exponential bool
}

const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
	DefaultReconnectMaxDelay = 30 * time.Second
)

func (c *TransportConfig) defaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
		if c.ReconnectMaxDelay < c.ReconnectDelay {
			c.ReconnectMaxDelay = c.ReconnectDelay
		}
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	exponential bool
	attempt     int
}

func (r *reconnector) nextDelay() time.Duration {
	delay := r.baseDelay
	if r.exponential {
		jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
		delay = time.Duration(math.Min(
			float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
			float64(r.maxDelay),
		))
	}
	r.attempt++
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the transport link and its state machine:
// DISCONNECTED -> CONNECTING -> CONNECTED <-> RECONNECTING -> DISCONNECTED.
//
// Status changes are delivered in order on a dedicated goroutine, so a
// status handler may call back into the manager.
type ConnectionManager struct {
	dialer   Dialer
	clock    clock.Clock
	cfg      TransportConfig
	logger   zerolog.Logger
	metrics  *Metrics
	onFrame  func(Frame)
	onStatus func(ConnectionStatus)

	mu         sync.Mutex
	state      ConnectionStatus
	identity   string
	link       Link
	loopCancel context.CancelFunc
	attempt    *connectAttempt
	timer      *clock.Timer
	timerSeq   uint64
	epoch      uint64
	sessions   uint64
	recon      reconnector

	wake      chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

func newConnectAttempt() *connectAttempt {
	return &connectAttempt{done: make(chan struct{})}
}

func (a *connectAttempt) finish(err error) {
	a.err = err
	close(a.done)
}

// ManagerOption configures a ConnectionManager.
type ManagerOption func(*ConnectionManager)

// WithManagerClock injects the clock used for timeouts and reconnect timers.
func WithManagerClock(c clock.Clock) ManagerOption {
	return func(m *ConnectionManager) { m.clock = c }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *ConnectionManager) { m.logger = logger }
}

// WithTransportConfig overrides timeouts and backoff.
func WithTransportConfig(cfg TransportConfig) ManagerOption {
	return func(m *ConnectionManager) { m.cfg = cfg }
}

// WithFrameHandler receives every inbound message frame.
func WithFrameHandler(h func(Frame)) ManagerOption {
	return func(m *ConnectionManager) { m.onFrame = h }
}

// WithStatusHandler receives status transitions.
func WithStatusHandler(h func(ConnectionStatus)) ManagerOption {
	return func(m *ConnectionManager) { m.onStatus = h }
}

// WithManagerMetrics records connection metrics.
func WithManagerMetrics(metrics *Metrics) ManagerOption {
	return func(m *ConnectionManager) { m.metrics = metrics }
}

// NewConnectionManager creates a disconnected manager. Call Close to
// release its dispatcher goroutine.
func NewConnectionManager(dialer Dialer, opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		dialer:  dialer,
		clock:   clock.Real(),
		logger:  zerolog.Nop(),
		state:   StatusDisconnected,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg.defaults()
	m.recon = reconnector{
		baseDelay:   m.cfg.ReconnectDelay,
		maxDelay:    m.cfg.ReconnectMaxDelay,
		exponential: m.cfg.Exponential,
	}
	go m.dispatchLoop()
	return m
}

// Status returns the current state.
func (m *ConnectionManager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity of the current or last session.
func (m *ConnectionManager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Connect opens a session for identity and subscribes to its inbox. While
// a session or attempt for the same identity exists, it returns that
// result instead of dialing again.
//
// A failed handshake leaves the manager RECONNECTING with a retry
// scheduled, unless ctx itself was cancelled.
func (m *ConnectionManager) Connect(ctx context.Context, identity string) error {
	if identity == "" {
		return &ValidationError{Field: "identity", Reason: "must not be empty"}
	}

	m.mu.Lock()
	if m.identity == identity {
		if m.state == StatusConnected {
			m.mu.Unlock()
			return nil
		}
		if a := m.attempt; a != nil {
			m.mu.Unlock()
			return waitAttempt(ctx, a)
		}
	}

	m.stopTimerLocked()
	m.epoch++
	epoch := m.epoch
	old := m.detachLocked()
	m.identity = identity
	m.state = StatusConnecting
	a := newConnectAttempt()
	m.attempt = a
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	m.notify()
	m.logger.Info().Str("identity", identity).Msg("connecting")

	m.run(ctx, a, epoch, identity)
	return a.err
}

// Disconnect tears the session down and cancels any pending reconnect.
// It is a no-op when already disconnected.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	if m.state == StatusDisconnected {
		m.mu.Unlock()
		return
	}
	m.epoch++
	m.stopTimerLocked()
	link := m.detachLocked()
	m.attempt = nil
	m.state = StatusDisconnected
	m.recon.reset()
	m.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	m.logger.Info().Msg("disconnected")
	m.notify()
}

// Interrupt reports an out-of-band connectivity loss, such as a network
// change. A live session is dropped; a pending reconnect is rescheduled.
func (m *ConnectionManager) Interrupt(reason error) {
	m.mu.Lock()
	switch m.state {
	case StatusConnected:
		link := m.link
		m.mu.Unlock()
		m.handleLoss(link, reason)
	case StatusReconnecting:
		if m.attempt != nil {
			m.mu.Unlock()
			return
		}
		delay := m.scheduleLocked()
		m.mu.Unlock()
		m.logger.Debug().Err(reason).Dur("retry_in", delay).Msg("reconnect rescheduled")
	default:
		m.mu.Unlock()
	}
}

// Send hands f to the transport without waiting for delivery.
func (m *ConnectionManager) Send(ctx context.Context, f Frame) error {
	m.mu.Lock()
	link, state := m.link, m.state
	m.mu.Unlock()

	if state != StatusConnected || link == nil {
		return &NotConnectedError{State: state}
	}
	if err := link.WriteFrame(ctx, f); err != nil {
		go m.handleLoss(link, err)
		return &NotConnectedError{State: StatusReconnecting, Err: err}
	}
	return nil
}

// Close disconnects and stops status delivery.
func (m *ConnectionManager) Close() error {
	m.Disconnect()
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.stopped
	})
	return nil
}

// ============================================================================
// Session lifecycle
// ============================================================================

func waitAttempt(ctx context.Context, a *connectAttempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run performs one handshake and applies its outcome unless a newer
// Connect or Disconnect has superseded it.
func (m *ConnectionManager) run(ctx context.Context, a *connectAttempt, epoch uint64, identity string) {
	link, early, err := m.establish(ctx, identity)

	m.mu.Lock()
	if m.attempt == a {
		m.attempt = nil
	}
	if epoch != m.epoch {
		m.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		if err == nil {
			err = &ConnectionError{Op: "connect", Err: ErrSuperseded}
		}
		a.finish(err)
		return
	}

	if err != nil {
		if ctx.Err() != nil && !isTimeout(err) {
			m.state = StatusDisconnected
			m.mu.Unlock()
			m.logger.Info().Err(err).Msg("connect cancelled")
		} else {
			m.state = StatusReconnecting
			delay := m.scheduleLocked()
			m.mu.Unlock()
			m.logger.Warn().Err(err).Dur("retry_in", delay).Msg("handshake failed")
		}
		m.notify()
		a.finish(err)
		return
	}

	m.installLocked(link, early)
	m.mu.Unlock()
	m.logger.Info().Str("identity", identity).Msg("connected")
	m.notify()
	a.finish(nil)
}

func isTimeout(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Timeout
}

// establish dials and waits for the inbox subscription to be acknowledged,
// bounded by the handshake timeout. Frames that arrive before the ack are
// returned for later delivery.
func (m *ConnectionManager) establish(ctx context.Context, identity string) (Link, []Frame, error) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	timer := m.clock.AfterFunc(m.cfg.HandshakeTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	fail := func(op string, err error) (Link, []Frame, error) {
		if timedOut.Load() {
			return nil, nil, &ConnectionError{Op: op, Timeout: true, Err: context.DeadlineExceeded}
		}
		return nil, nil, &ConnectionError{Op: op, Err: err}
	}

	link, err := m.dialer.Dial(hctx, identity)
	if err != nil {
		return fail("dial", err)
	}

	dest := InboxDestination(identity)
	if err := link.WriteFrame(hctx, Frame{Type: FrameSubscribe, Destination: dest}); err != nil {
		_ = link.Close()
		return fail("subscribe", err)
	}

	var early []Frame
	for {
		f, err := link.ReadFrame(hctx)
		if err != nil {
			_ = link.Close()
			return fail("subscribe", err)
		}
		switch {
		case f.Type == FrameSubscribed && f.Destination == dest:
			return link, early, nil
		case f.Type == FrameError:
			_ = link.Close()
			return fail("subscribe", errors.New(frameErrorMessage(f)))
		default:
			early = append(early, f)
		}
	}
}

func (m *ConnectionManager) installLocked(link Link, early []Frame) {
	loopCtx, cancel := context.WithCancel(context.Background())
	m.link = link
	m.loopCancel = cancel
	m.state = StatusConnected
	m.sessions++
	m.recon.reset()
	go m.readLoop(loopCtx, link, early)
}

// detachLocked forgets the current link and returns it for closing.
func (m *ConnectionManager) detachLocked() Link {
	link := m.link
	m.link = nil
	if m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
	}
	return link
}

func (m *ConnectionManager) readLoop(ctx context.Context, link Link, early []Frame) {
	for _, f := range early {
		m.dispatch(f)
	}
	for {
		f, err := link.ReadFrame(ctx)
		if err != nil {
			m.handleLoss(link, err)
			return
		}
		m.dispatch(f)
	}
}

func (m *ConnectionManager) dispatch(f Frame) {
	switch f.Type {
	case FrameMessage:
		m.metrics.frameReceived()
		if m.onFrame != nil {
			m.onFrame(f)
		}
	case FrameError:
		m.logger.Warn().Str("error", frameErrorMessage(f)).Msg("server error frame")
	default:
		m.logger.Debug().Str("type", f.Type).Msg("ignoring frame")
	}
}

// handleLoss moves a live session to RECONNECTING. Stale links are ignored.
func (m *ConnectionManager) handleLoss(link Link, cause error) {
	m.mu.Lock()
	if link == nil || m.link != link {
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	m.state = StatusReconnecting
	delay := m.scheduleLocked()
	m.mu.Unlock()

	_ = link.Close()
	m.logger.Warn().Err(cause).Dur("retry_in", delay).Msg("transport lost")
	m.notify()
}

// scheduleLocked replaces any pending reconnect timer with a new one.
func (m *ConnectionManager) scheduleLocked() time.Duration {
	m.stopTimerLocked()
	m.timerSeq++
	seq := m.timerSeq
	delay := m.recon.nextDelay()
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(seq) })
	return delay
}

func (m *ConnectionManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *ConnectionManager) reconnect(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.state != StatusReconnecting || m.attempt != nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	a := newConnectAttempt()
	m.attempt = a
	epoch, identity := m.epoch, m.identity
	m.mu.Unlock()

	m.metrics.reconnectAttempted()
	m.logger.Debug().Str("identity", identity).Msg("reconnecting")
	m.run(context.Background(), a, epoch, identity)
}

// ============================================================================
// Status delivery
// ============================================================================

func (m *ConnectionManager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop emits the latest status whenever it differs from the last
// one emitted. A new session counts as a change, so CONNECTED is
// delivered once per session even if the intermediate states coalesce.
func (m *ConnectionManager) dispatchLoop() {
	defer close(m.stopped)

	lastState := StatusDisconnected
	var lastSession uint64
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
		}

		m.mu.Lock()
		state, session := m.state, m.sessions
		m.mu.Unlock()

		if state == lastState && (state != StatusConnected || session == lastSession) {
			continue
		}
		lastState, lastSession = state, session
		m.metrics.setConnectionState(state)
		if m.onStatus != nil {
			m.onStatus(state)
		}
	}
}

func frameErrorMessage(f Frame) string {
	var p FrameErrorPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.Message == "" {
		return "unspecified server error"
	}
	return p.Message
}
