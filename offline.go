package chatsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ============================================================================
// Outbound Delivery Queue
// ============================================================================

// SendFunc hands one envelope to the transport. A NotConnectedError stops
// the drain and keeps the envelope queued.
type SendFunc func(ctx context.Context, env Envelope) error

// Outbox is the durable FIFO of envelopes awaiting delivery. Every change
// is written through to the LocalCache before the call returns.
type Outbox struct {
	cache   LocalCache
	logger  zerolog.Logger
	metrics *Metrics
	limiter *rate.Limiter
	onDrop  func(env Envelope, err error)

	mu    sync.Mutex
	items []Envelope

	// drainMu keeps drains from overlapping, so one drain never re-sends
	// what another is sending.
	drainMu sync.Mutex
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithOutboxLogger sets the logger.
func WithOutboxLogger(logger zerolog.Logger) OutboxOption {
	return func(q *Outbox) { q.logger = logger }
}

// WithOutboxMetrics records queue depth and send results.
func WithOutboxMetrics(m *Metrics) OutboxOption {
	return func(q *Outbox) { q.metrics = m }
}

// WithDrainLimit paces sends during a drain. The default is unlimited.
func WithDrainLimit(limit rate.Limit, burst int) OutboxOption {
	return func(q *Outbox) {
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithDropHandler is called, outside the queue lock, for each envelope
// dropped after a send error other than NotConnectedError.
func WithDropHandler(fn func(env Envelope, err error)) OutboxOption {
	return func(q *Outbox) { q.onDrop = fn }
}

// NewOutbox creates an empty queue persisting to cache.
func NewOutbox(cache LocalCache, opts ...OutboxOption) *Outbox {
	q := &Outbox{
		cache:   cache,
		logger:  zerolog.Nop(),
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Restore replaces the in-memory queue with the persisted one.
func (q *Outbox) Restore() ([]Envelope, error) {
	envs, err := q.cache.LoadPending()
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.items = append([]Envelope(nil), envs...)
	q.metrics.setQueueDepth(len(q.items))
	q.mu.Unlock()
	return envs, nil
}

// Enqueue appends env and persists the queue. On a PersistenceError the
// envelope stays queued in memory.
func (q *Outbox) Enqueue(env Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, env)
	q.metrics.setQueueDepth(len(q.items))
	return q.persistLocked()
}

// Remove drops the envelope with id. It reports whether it was queued.
func (q *Outbox) Remove(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, env := range q.items {
		if env.ID == id {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			q.metrics.setQueueDepth(len(q.items))
			return true, q.persistLocked()
		}
	}
	return false, nil
}

// Len returns the number of queued envelopes.
func (q *Outbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued envelopes in FIFO order.
func (q *Outbox) Snapshot() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Envelope(nil), q.items...)
}

// Drain sends queued envelopes oldest first. An envelope is removed once
// send returns anything other than a NotConnectedError; on that error the
// drain stops and the rest stay queued. Envelopes enqueued while draining
// are included.
func (q *Outbox) Drain(ctx context.Context, send SendFunc) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	sent := 0
	for {
		env, ok := q.head()
		if !ok {
			return sent, nil
		}
		if err := q.limiter.Wait(ctx); err != nil {
			return sent, err
		}

		err := send(ctx, env)
		switch {
		case IsNotConnected(err):
			q.metrics.sendResult("not_connected")
			q.logger.Debug().Str("envelope", env.ID).Int("remaining", q.Len()).Msg("drain paused, not connected")
			return sent, err
		case err != nil:
			q.metrics.sendResult("error")
			q.logger.Warn().Err(err).Str("envelope", env.ID).Msg("send failed, dropping envelope")
		default:
			q.metrics.sendResult("sent")
		}

		if _, perr := q.Remove(env.ID); perr != nil {
			q.logger.Warn().Err(perr).Str("envelope", env.ID).Msg("could not persist queue after send")
		}
		if err != nil && q.onDrop != nil {
			q.onDrop(env, err)
		}
		sent++
	}
}

func (q *Outbox) head() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Envelope{}, false
	}
	return q.items[0], true
}

func (q *Outbox) persistLocked() error {
	return q.cache.SavePending(append([]Envelope(nil), q.items...))
}
