package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Prismer-AI/chatsync/internal/clock"
)

// ============================================================================
// Collaborators
// ============================================================================

// Remote loads conversations and history from the remote system.
type Remote interface {
	ListConversations(ctx context.Context, username string) ([]Conversation, error)
	FetchHistory(ctx context.Context, conversationID int64) ([]Message, error)
}

// Identity is the signed-in user.
type Identity struct {
	Username string
	Role     Role
	Token    string
}

// IdentitySource restores the signed-in user at startup.
type IdentitySource interface {
	Restore(ctx context.Context) (Identity, error)
}

// RetryPolicy bounds a retried remote operation.
type RetryPolicy struct {
	Attempts int
	// Delay before the next attempt. With Linear set, the n-th retry waits
	// n*Delay.
	Delay  time.Duration
	Linear bool
	// Timeout bounds each attempt. Zero means no per-attempt bound.
	Timeout time.Duration
}

var (
	// DefaultFetchRetry governs conversation list and history loads.
	DefaultFetchRetry = RetryPolicy{Attempts: 3, Delay: 800 * time.Millisecond, Linear: true, Timeout: 5 * time.Second}
	// DefaultInitRetry governs the startup sequence.
	DefaultInitRetry = RetryPolicy{Attempts: 3, Delay: 2 * time.Second}
)

// ============================================================================
// Engine
// ============================================================================

// Engine keeps conversations and their histories consistent across the
// realtime transport, the remote APIs and the local cache. All state
// changes happen under one lock; subscribers receive snapshots on a
// dedicated goroutine.
type Engine struct {
	cache   LocalCache
	remote  Remote
	conn    *ConnectionManager
	outbox  *Outbox
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *Metrics

	transport  TransportConfig
	fetchRetry RetryPolicy
	initRetry  RetryPolicy
	drainLimit rate.Limit
	drainBurst int
	onIdentity func(Identity)

	mu           sync.Mutex
	state        State
	identity     string
	lastLocalID  int64
	selectSeq    uint64
	selectCancel context.CancelFunc
	listSeq      uint64
	remoteErr    bool

	subMu   sync.Mutex
	subs    map[uint64]func(State)
	nextSub uint64

	wake      chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger shared by the engine and its parts.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records engine activity.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTransport configures the connection manager.
func WithTransport(cfg TransportConfig) EngineOption {
	return func(e *Engine) { e.transport = cfg }
}

// WithFetchRetry overrides DefaultFetchRetry.
func WithFetchRetry(p RetryPolicy) EngineOption {
	return func(e *Engine) { e.fetchRetry = p }
}

// WithInitRetry overrides DefaultInitRetry.
func WithInitRetry(p RetryPolicy) EngineOption {
	return func(e *Engine) { e.initRetry = p }
}

// WithOutboxRate paces queue drains.
func WithOutboxRate(limit rate.Limit, burst int) EngineOption {
	return func(e *Engine) { e.drainLimit, e.drainBurst = limit, burst }
}

// WithIdentityHook is called with every identity Initialize restores, before
// connecting. Use it to hand the access token to the dialer and remote.
func WithIdentityHook(fn func(Identity)) EngineOption {
	return func(e *Engine) { e.onIdentity = fn }
}

// NewEngine creates an engine and restores the cached conversation list and
// outbound queue. The engine starts disconnected.
func NewEngine(cache LocalCache, remote Remote, dialer Dialer, opts ...EngineOption) *Engine {
	e := &Engine{
		cache:      cache,
		remote:     remote,
		clock:      clock.Real(),
		logger:     zerolog.Nop(),
		fetchRetry: DefaultFetchRetry,
		initRetry:  DefaultInitRetry,
		drainLimit: rate.Inf,
		drainBurst: 1,
		state: State{
			MessagesByConversation: make(map[int64][]Message),
			ConnectionStatus:       StatusDisconnected,
			Init:                   InitIdle,
		},
		subs:    make(map[uint64]func(State)),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fetchRetry.Attempts < 1 {
		e.fetchRetry.Attempts = 1
	}
	if e.initRetry.Attempts < 1 {
		e.initRetry.Attempts = 1
	}

	e.outbox = NewOutbox(cache,
		WithOutboxLogger(e.logger.With().Str("component", "outbox").Logger()),
		WithOutboxMetrics(e.metrics),
		WithDrainLimit(e.drainLimit, e.drainBurst),
		WithDropHandler(e.envelopeDropped),
	)
	e.conn = NewConnectionManager(dialer,
		WithManagerClock(e.clock),
		WithManagerLogger(e.logger.With().Str("component", "transport").Logger()),
		WithManagerMetrics(e.metrics),
		WithTransportConfig(e.transport),
		WithFrameHandler(e.HandleFrame),
		WithStatusHandler(e.handleStatus),
	)

	e.restore()
	go e.notifyLoop()
	return e
}

func (e *Engine) restore() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if convs, err := e.cache.LoadConversations(); err != nil {
		e.logger.Warn().Err(err).Msg("cached conversations unavailable")
	} else {
		e.state.Conversations = normalizeConversations(convs)
	}

	envs, err := e.outbox.Restore()
	if err != nil {
		e.logger.Warn().Err(err).Msg("cached outbound queue unavailable")
		return
	}
	for _, env := range envs {
		if env.LocalID < e.lastLocalID {
			e.lastLocalID = env.LocalID
		}
		msgs := e.loadedLocked(env.ConversationID)
		if placeholderIndex(msgs, env.ID) >= 0 {
			continue
		}
		placeholder := placeholderFor(env)
		if placeholder.ID == 0 {
			placeholder.ID = e.nextLocalIDLocked()
		}
		if findDuplicate(msgs, placeholder) >= 0 {
			continue
		}
		e.state.MessagesByConversation[env.ConversationID] = insertOrdered(msgs, placeholder)
		e.persistHistoryLocked(env.ConversationID)
	}
	e.state.PendingCount = e.outbox.Len()
	if len(envs) > 0 {
		e.logger.Info().Int("pending", len(envs)).Msg("restored outbound queue")
	}
}

// ============================================================================
// Snapshots and subscriptions
// ============================================================================

// State returns a snapshot of the engine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Subscribe registers fn for state snapshots. Bursts of changes may be
// coalesced into one snapshot. The returned func unsubscribes.
func (e *Engine) Subscribe(fn func(State)) func() {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
		})
	}
}

func (e *Engine) changed() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) notifyLoop() {
	defer close(e.stopped)
	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
		}
		snap := e.State()

		e.subMu.Lock()
		fns := make([]func(State), 0, len(e.subs))
		for _, fn := range e.subs {
			fns = append(fns, fn)
		}
		e.subMu.Unlock()

		for _, fn := range fns {
			e.deliver(fn, snap)
		}
	}
}

func (e *Engine) deliver(fn func(State), snap State) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("state subscriber panicked")
		}
	}()
	fn(snap)
}

// ============================================================================
// Connection
// ============================================================================

// SetIdentity records the local user without connecting, so messages can
// be queued while offline.
func (e *Engine) SetIdentity(username string) {
	e.mu.Lock()
	e.identity = username
	e.mu.Unlock()
}

// Connect opens the realtime session for identity. A failed attempt is
// retried in the background.
func (e *Engine) Connect(ctx context.Context, identity string) error {
	if identity == "" {
		return ErrNoIdentity
	}
	e.SetIdentity(identity)
	err := e.conn.Connect(ctx, identity)
	if err != nil {
		e.mu.Lock()
		e.state.LastError = err.Error()
		e.mu.Unlock()
		e.changed()
	}
	return err
}

// Disconnect closes the realtime session and stops reconnecting.
func (e *Engine) Disconnect() {
	e.conn.Disconnect()
}

// Interrupt drops the live session as if the link broke.
func (e *Engine) Interrupt(reason error) {
	e.conn.Interrupt(reason)
}

func (e *Engine) handleStatus(status ConnectionStatus) {
	e.mu.Lock()
	e.state.ConnectionStatus = status
	if status == StatusConnected && !e.remoteErr {
		e.state.LastError = ""
	}
	e.mu.Unlock()
	e.changed()

	if status == StatusConnected {
		if _, err := e.Drain(context.Background()); err != nil && !IsNotConnected(err) {
			e.logger.Warn().Err(err).Msg("queue drain failed")
		}
	}
}

// ============================================================================
// Outbound
// ============================================================================

// Submit shows content optimistically in conversationID and queues it for
// delivery. The returned error is a ValidationError, ErrNoIdentity, or a
// PersistenceError when the queue could not be written; in the last case
// the message is still queued in memory.
func (e *Engine) Submit(conversationID int64, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, &ValidationError{Field: "content", Reason: "must not be blank"}
	}
	if conversationID <= 0 {
		return Message{}, &ValidationError{Field: "conversationId", Reason: "must be positive"}
	}

	e.mu.Lock()
	if e.identity == "" {
		e.mu.Unlock()
		return Message{}, ErrNoIdentity
	}
	now := e.clock.Now().UTC().Truncate(time.Millisecond)
	env := Envelope{
		ID:             uuid.NewString(),
		SenderUsername: e.identity,
		ConversationID: conversationID,
		Content:        content,
		SubmittedAt:    now,
		LocalID:        e.nextLocalIDLocked(),
	}
	msg := placeholderFor(env)

	msgs := e.loadedLocked(conversationID)
	if findDuplicate(msgs, msg) < 0 {
		e.state.MessagesByConversation[conversationID] = insertOrdered(msgs, msg)
		e.persistHistoryLocked(conversationID)
	}
	qerr := e.outbox.Enqueue(env)
	e.state.PendingCount = e.outbox.Len()
	if qerr != nil {
		e.logger.Warn().Err(qerr).Msg("queue not persisted, message kept in memory")
	}
	connected := e.state.ConnectionStatus == StatusConnected
	e.mu.Unlock()
	e.changed()

	if connected {
		go func() {
			if _, err := e.Drain(context.Background()); err != nil && !IsNotConnected(err) {
				e.logger.Warn().Err(err).Msg("queue drain failed")
			}
		}()
	}
	return msg, qerr
}

// Drain sends every queued envelope while the session lasts.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	n, err := e.outbox.Drain(ctx, e.sendEnvelope)
	e.mu.Lock()
	e.state.PendingCount = e.outbox.Len()
	e.mu.Unlock()
	e.changed()
	if n > 0 {
		e.logger.Debug().Int("sent", n).Msg("drained outbound queue")
	}
	return n, err
}

func (e *Engine) sendEnvelope(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(WireFromEnvelope(env))
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}
	if err := e.conn.Send(ctx, Frame{Type: FrameSend, Destination: SendDestination, Payload: payload}); err != nil {
		return err
	}

	e.mu.Lock()
	msgs := e.state.MessagesByConversation[env.ConversationID]
	if i := placeholderIndex(msgs, env.ID); i >= 0 && msgs[i].State == MessagePending {
		msgs[i].State = MessageSent
		e.persistHistoryLocked(env.ConversationID)
	}
	e.mu.Unlock()
	e.changed()
	return nil
}

// envelopeDropped marks the placeholder of an envelope that will never be
// sent.
func (e *Engine) envelopeDropped(env Envelope, _ error) {
	e.mu.Lock()
	msgs := e.state.MessagesByConversation[env.ConversationID]
	i := placeholderIndex(msgs, env.ID)
	if i >= 0 {
		msgs[i].State = MessageFailed
		e.persistHistoryLocked(env.ConversationID)
	}
	e.mu.Unlock()
	if i >= 0 {
		e.changed()
	}
}

// ============================================================================
// Inbound
// ============================================================================

// HandleFrame reconciles one inbound message frame into its conversation.
// Duplicates within DedupWindow are dropped; a duplicate of a local
// placeholder replaces it with the confirmed message.
func (e *Engine) HandleFrame(f Frame) {
	if f.Type != FrameMessage {
		return
	}
	w, err := DecodeWireMessage(f.Payload)
	if err != nil {
		e.logger.Debug().Err(err).Msg("dropping malformed message frame")
		return
	}
	e.Receive(w.Candidate(e.clock.Now().UTC()))
}

// Receive inserts a confirmed message, keeping the history ordered by
// SentAt. It reports whether the history changed. Messages with blank
// content are dropped.
func (e *Engine) Receive(m Message) bool {
	if strings.TrimSpace(m.Content) == "" {
		e.logger.Debug().Int64("conversation", m.ConversationID).Msg("dropping message with blank content")
		return false
	}
	m.State = MessageConfirmed

	e.mu.Lock()
	msgs := e.loadedLocked(m.ConversationID)
	if i := findDuplicate(msgs, m); i >= 0 {
		existing := msgs[i]
		if !existing.Local() {
			e.mu.Unlock()
			e.metrics.duplicateDropped()
			e.logger.Debug().Int64("conversation", m.ConversationID).Msg("duplicate message dropped")
			return false
		}
		// Our own message came back.
		if m.ID == 0 {
			m.ID = existing.ID
		}
		msgs = append(msgs[:i:i], msgs[i+1:]...)
		if existing.ClientID != "" {
			if _, err := e.outbox.Remove(existing.ClientID); err != nil {
				e.logger.Warn().Err(err).Msg("could not persist queue")
			}
			e.state.PendingCount = e.outbox.Len()
		}
	}
	if m.ID == 0 {
		m.ID = e.nextLocalIDLocked()
	}
	if !e.knownLocked(m.ConversationID) {
		e.logger.Debug().Int64("conversation", m.ConversationID).Msg("message for conversation not in list")
	}
	e.state.MessagesByConversation[m.ConversationID] = insertOrdered(msgs, m)
	e.persistHistoryLocked(m.ConversationID)
	e.mu.Unlock()
	e.changed()
	return true
}

// ============================================================================
// Conversations
// ============================================================================

// SelectConversation makes id active. Cached history is shown at once;
// the remote history is then fetched and merged. A newer selection
// supersedes this one, which then returns ErrSuperseded and changes
// nothing. On a fetch failure the cached history stays and LastError is
// set.
func (e *Engine) SelectConversation(ctx context.Context, id int64) error {
	e.mu.Lock()
	if !e.knownLocked(id) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownConversation, id)
	}
	e.selectSeq++
	seq := e.selectSeq
	if e.selectCancel != nil {
		e.selectCancel()
	}
	fctx, cancel := context.WithCancel(ctx)
	e.selectCancel = cancel
	active := id
	e.state.ActiveConversationID = &active
	e.loadedLocked(id)
	if err := e.cache.SaveLastActive(id); err != nil {
		e.logger.Warn().Err(err).Msg("could not persist last active conversation")
	}
	e.mu.Unlock()
	e.changed()
	defer cancel()

	var fetched []Message
	err := e.retry(fctx, "fetch_history", func(ctx context.Context) error {
		var err error
		fetched, err = e.remote.FetchHistory(ctx, id)
		return err
	})

	e.mu.Lock()
	if seq != e.selectSeq {
		e.mu.Unlock()
		return ErrSuperseded
	}
	e.selectCancel = nil
	if err != nil {
		if ctx.Err() != nil || fctx.Err() != nil {
			e.mu.Unlock()
			return err
		}
		e.setRemoteErrorLocked(err)
		e.mu.Unlock()
		e.changed()
		e.logger.Warn().Err(err).Int64("conversation", id).Msg("history refresh failed, showing cached messages")
		return err
	}

	merged, superseded := mergeHistory(id, withContent(fetched), e.state.MessagesByConversation[id])
	e.state.MessagesByConversation[id] = merged
	e.persistHistoryLocked(id)
	for _, m := range superseded {
		if m.ClientID == "" {
			continue
		}
		if _, err := e.outbox.Remove(m.ClientID); err != nil {
			e.logger.Warn().Err(err).Msg("could not persist queue")
		}
	}
	e.state.PendingCount = e.outbox.Len()
	e.clearRemoteErrorLocked()
	e.mu.Unlock()
	e.changed()
	return nil
}

// LoadConversations refreshes the conversation list for the current
// identity. When no conversation is active afterwards, one is selected.
// A failed history refresh of that selection does not fail the load.
func (e *Engine) LoadConversations(ctx context.Context) error {
	e.mu.Lock()
	identity := e.identity
	e.listSeq++
	seq := e.listSeq
	e.mu.Unlock()
	if identity == "" {
		return ErrNoIdentity
	}

	var convs []Conversation
	err := e.retry(ctx, "list_conversations", func(ctx context.Context) error {
		var err error
		convs, err = e.remote.ListConversations(ctx, identity)
		return err
	})
	if err != nil {
		// The cached list stays browsable; a conversation is still selected
		// from it.
		e.mu.Lock()
		e.setRemoteErrorLocked(err)
		needSelect := e.needSelectLocked()
		e.mu.Unlock()
		e.changed()
		if needSelect {
			e.selectDefaultLogged(ctx)
		}
		return err
	}

	e.mu.Lock()
	if seq != e.listSeq {
		e.mu.Unlock()
		return ErrSuperseded
	}
	e.applyConversationsLocked(normalizeConversations(convs))
	needSelect := e.needSelectLocked()
	e.clearRemoteErrorLocked()
	e.mu.Unlock()
	e.changed()

	if needSelect {
		e.selectDefaultLogged(ctx)
	}
	return nil
}

// AddConversation records a conversation created elsewhere, such as by
// the remote create call. When nothing is active, a conversation is
// selected.
func (e *Engine) AddConversation(ctx context.Context, c Conversation) {
	e.mu.Lock()
	convs := append(cloneConversations(e.state.Conversations), c)
	e.applyConversationsLocked(normalizeConversations(convs))
	needSelect := e.needSelectLocked()
	e.mu.Unlock()
	e.changed()

	if needSelect {
		e.selectDefaultLogged(ctx)
	}
}

func (e *Engine) needSelectLocked() bool {
	return e.state.ActiveConversationID == nil && len(e.state.Conversations) > 0
}

// selectDefaultLogged runs SelectDefault; a failed history refresh is
// already reflected in LastError.
func (e *Engine) selectDefaultLogged(ctx context.Context) {
	if err := e.SelectDefault(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
		e.logger.Warn().Err(err).Msg("default conversation selection incomplete")
	}
}

// SelectDefault selects the conversation ChooseConversation picks.
func (e *Engine) SelectDefault(ctx context.Context) error {
	e.mu.Lock()
	convs := cloneConversations(e.state.Conversations)
	latest := make(map[int64]time.Time, len(convs))
	for _, c := range convs {
		if at, ok := latestSentAt(e.loadedLocked(c.ID)); ok {
			latest[c.ID] = at
		}
	}
	e.mu.Unlock()

	var lastActive *int64
	if id, ok, err := e.cache.LoadLastActive(); err != nil {
		e.logger.Warn().Err(err).Msg("last active conversation unavailable")
	} else if ok {
		lastActive = &id
	}

	id, ok := ChooseConversation(convs, lastActive, latest)
	if !ok {
		return nil
	}
	return e.SelectConversation(ctx, id)
}

func (e *Engine) applyConversationsLocked(convs []Conversation) {
	e.state.Conversations = convs
	if e.state.ActiveConversationID != nil && !e.knownLocked(*e.state.ActiveConversationID) {
		e.state.ActiveConversationID = nil
	}
	if err := e.cache.SaveConversations(convs); err != nil {
		e.logger.Warn().Err(err).Msg("could not persist conversation list")
	}
}

// normalizeConversations drops entries without a valid id, keeps the first
// of repeated ids and replaces missing participant lists with empty ones.
func normalizeConversations(in []Conversation) []Conversation {
	out := make([]Conversation, 0, len(in))
	seen := make(map[int64]bool, len(in))
	for _, c := range in {
		if c.ID <= 0 || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		parts := make([]Participant, 0, len(c.Participants))
		for _, p := range c.Participants {
			if p.Username != "" {
				parts = append(parts, p)
			}
		}
		out = append(out, Conversation{ID: c.ID, Participants: parts})
	}
	return out
}

// ============================================================================
// Initialization
// ============================================================================

// Initialize restores the identity, connects and loads the conversation
// list, retrying the whole sequence per the init RetryPolicy. A connection
// failure does not fail initialization; the transport keeps retrying on
// its own. Calling Initialize again after ErrInitFailed retries.
func (e *Engine) Initialize(ctx context.Context, src IdentitySource) error {
	e.setInit(InitRunning, "")

	var lastErr error
	for attempt := 1; attempt <= e.initRetry.Attempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.initRetry.Delay); err != nil {
				e.setInit(InitFailed, err.Error())
				return fmt.Errorf("%w: %w", ErrInitFailed, err)
			}
		}
		lastErr = e.initOnce(ctx, src)
		if lastErr == nil {
			e.setInit(InitReady, "")
			e.logger.Info().Int("attempt", attempt).Msg("initialized")
			return nil
		}
		e.logger.Warn().Err(lastErr).Int("attempt", attempt).Int("max", e.initRetry.Attempts).Msg("initialization attempt failed")
	}

	e.setInit(InitFailed, lastErr.Error())
	return fmt.Errorf("%w after %d attempts: %w", ErrInitFailed, e.initRetry.Attempts, lastErr)
}

func (e *Engine) initOnce(ctx context.Context, src IdentitySource) error {
	ident, err := src.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore identity: %w", err)
	}
	if ident.Username == "" {
		return ErrNoIdentity
	}
	if e.onIdentity != nil {
		e.onIdentity(ident)
	}
	if err := e.Connect(ctx, ident.Username); err != nil {
		e.logger.Warn().Err(err).Msg("realtime connection unavailable, continuing")
	}
	return e.LoadConversations(ctx)
}

func (e *Engine) setInit(phase InitPhase, lastError string) {
	e.mu.Lock()
	e.state.Init = phase
	if lastError != "" {
		e.state.LastError = lastError
	}
	e.mu.Unlock()
	e.changed()
}

// ============================================================================
// Lifecycle
// ============================================================================

// Close disconnects and stops delivering snapshots.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		if e.selectCancel != nil {
			e.selectCancel()
		}
		e.mu.Unlock()
		err = e.conn.Close()
		close(e.stop)
		<-e.stopped
	})
	return err
}

// ============================================================================
// Helpers
// ============================================================================

// retry runs fn up to the fetch policy's attempts. The final error is
// returned as a RemoteFetchError.
func (e *Engine) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	p := e.fetchRetry
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			delay := p.Delay
			if p.Linear {
				delay *= time.Duration(attempt - 1)
			}
			if serr := e.sleep(ctx, delay); serr != nil {
				return serr
			}
		}
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err = fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("remote call failed")
	}

	e.metrics.remoteFailure(op)
	var re *RemoteFetchError
	if errors.As(err, &re) {
		return err
	}
	return &RemoteFetchError{Op: op, Err: err}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(d):
		return nil
	}
}

func (e *Engine) setRemoteErrorLocked(err error) {
	e.state.LastError = err.Error()
	e.remoteErr = true
}

func (e *Engine) clearRemoteErrorLocked() {
	if e.remoteErr {
		e.state.LastError = ""
		e.remoteErr = false
	}
}

func (e *Engine) knownLocked(id int64) bool {
	for _, c := range e.state.Conversations {
		if c.ID == id {
			return true
		}
	}
	return false
}

// loadedLocked returns the history of id, reading it from the cache the
// first time.
func (e *Engine) loadedLocked(id int64) []Message {
	if msgs, ok := e.state.MessagesByConversation[id]; ok {
		return msgs
	}
	msgs, err := e.cache.LoadHistory(id)
	if err != nil {
		e.logger.Warn().Err(err).Int64("conversation", id).Msg("cached history unavailable")
	}
	if msgs == nil {
		msgs = []Message{}
	}
	e.state.MessagesByConversation[id] = msgs
	return msgs
}

func (e *Engine) persistHistoryLocked(id int64) {
	msgs := append([]Message(nil), e.state.MessagesByConversation[id]...)
	if err := e.cache.SaveHistory(id, msgs); err != nil {
		e.logger.Warn().Err(err).Int64("conversation", id).Msg("history not persisted")
	}
}

// nextLocalIDLocked returns a negative id below every id handed out so far.
func (e *Engine) nextLocalIDLocked() int64 {
	id := -e.clock.Now().UnixMilli()
	if id >= e.lastLocalID {
		id = e.lastLocalID - 1
	}
	e.lastLocalID = id
	return id
}

func placeholderFor(env Envelope) Message {
	return Message{
		ID:             env.LocalID,
		ConversationID: env.ConversationID,
		SenderUsername: env.SenderUsername,
		Content:        env.Content,
		SentAt:         env.SubmittedAt,
		State:          MessagePending,
		ClientID:       env.ID,
	}
}

func placeholderIndex(msgs []Message, clientID string) int {
	for i, m := range msgs {
		if m.ClientID == clientID && m.Local() {
			return i
		}
	}
	return -1
}
