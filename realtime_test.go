package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/chatsync/internal/clock"
)

// ============================================================================
// Test transport
// ============================================================================

var errLinkDropped = errors.New("link dropped")

// fakeLink is an in-memory server side of one session.
type fakeLink struct {
	inbox  chan Frame
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []Frame
	writeErr error
}

func newFakeLink() *fakeLink {
	return &fakeLink{inbox: make(chan Frame, 64), closed: make(chan struct{})}
}

func (l *fakeLink) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-l.inbox:
		return f, nil
	case <-l.closed:
		return Frame{}, errLinkDropped
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (l *fakeLink) WriteFrame(_ context.Context, f Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	select {
	case <-l.closed:
		return errLinkDropped
	default:
	}
	l.written = append(l.written, f)
	return nil
}

func (l *fakeLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *fakeLink) sent(frameType string) []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Frame
	for _, f := range l.written {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

// fakeDialer hands out fakeLinks that acknowledge subscriptions.
type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	links    []*fakeLink
	dialErr  error
	noAck    bool
	dialHook func()
}

func (d *fakeDialer) Dial(ctx context.Context, identity string) (Link, error) {
	d.mu.Lock()
	d.dials++
	err, noAck, hook := d.dialErr, d.noAck, d.dialHook
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	l := newFakeLink()
	if !noAck {
		l.inbox <- Frame{Type: FrameSubscribed, Destination: InboxDestination(identity)}
	}
	d.mu.Lock()
	d.links = append(d.links, l)
	d.mu.Unlock()
	return l, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}
	return d.links[len(d.links)-1]
}

var testEpoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type statusLog struct {
	mu  sync.Mutex
	all []ConnectionStatus
}

func (s *statusLog) record(st ConnectionStatus) {
	s.mu.Lock()
	s.all = append(s.all, st)
	s.mu.Unlock()
}

func (s *statusLog) snapshot() []ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConnectionStatus(nil), s.all...)
}

func newTestManager(t *testing.T, d Dialer, opts ...ManagerOption) (*ConnectionManager, *clock.FakeClock, *statusLog) {
	t.Helper()
	clk := clock.Fake(testEpoch)
	log := &statusLog{}
	all := append([]ManagerOption{WithManagerClock(clk), WithStatusHandler(log.record)}, opts...)
	m := NewConnectionManager(d, all...)
	t.Cleanup(func() { m.Close() })
	return m, clk, log
}

// ============================================================================
// Tests
// ============================================================================

func TestConnectSubscribesToInbox(t *testing.T) {
	d := &fakeDialer{}
	m, _, log := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), "alice"))
	assert.Equal(t, StatusConnected, m.Status())

	subs := d.last().sent(FrameSubscribe)
	require.Len(t, subs, 1)
	assert.Equal(t, "/queue/user.alice", subs[0].Destination)

	require.Eventually(t, func() bool {
		got := log.snapshot()
		return len(got) > 0 && got[len(got)-1] == StatusConnected
	}, time.Second, 5*time.Millisecond)
}

func TestConnectIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDialer{dialHook: func() { <-release }}
	m, _, _ := newTestManager(t, d)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Connect(context.Background(), "alice")
		}(i)
	}
	require.Eventually(t, func() bool { return m.Status() == StatusConnecting }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, d.dialCount())

	require.NoError(t, m.Connect(context.Background(), "alice"))
	assert.Equal(t, 1, d.dialCount(), "connected manager must not dial again")
}

func TestConnectHandshakeTimeout(t *testing.T) {
	d := &fakeDialer{noAck: true}
	m, clk, _ := newTestManager(t, d)

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), "alice") }()

	clk.WaitForTimers(1)
	clk.Advance(DefaultHandshakeTimeout)

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not time out")
	}
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Timeout)
	assert.Equal(t, StatusReconnecting, m.Status())
	assert.Equal(t, 1, clk.PendingCount(), "one reconnect timer scheduled")
	assert.True(t, d.last().isClosed())
}

func TestConnectDialFailureSchedulesRetry(t *testing.T) {
	d := &fakeDialer{dialErr: errors.New("refused")}
	m, clk, _ := newTestManager(t, d)

	err := m.Connect(context.Background(), "alice")
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Timeout)
	assert.Equal(t, StatusReconnecting, m.Status())

	d.setErr(nil)
	clk.Advance(DefaultReconnectDelay)
	assert.Equal(t, StatusConnected, m.Status())
	assert.Equal(t, 2, d.dialCount())
}

func TestUnexpectedLossReconnects(t *testing.T) {
	d := &fakeDialer{}
	m, clk, log := newTestManager(t, d)
	require.NoError(t, m.Connect(context.Background(), "alice"))

	first := d.last()
	first.Close()

	require.Eventually(t, func() bool { return m.Status() == StatusReconnecting }, time.Second, time.Millisecond)
	assert.Equal(t, 1, clk.PendingCount())

	clk.Advance(DefaultReconnectDelay - time.Millisecond)
	assert.Equal(t, StatusReconnecting, m.Status())

	clk.Advance(time.Millisecond)
	assert.Equal(t, StatusConnected, m.Status())
	assert.Equal(t, 2, d.dialCount())
	require.Len(t, d.last().sent(FrameSubscribe), 1, "re-subscribes on the new session")

	require.Eventually(t, func() bool {
		got := log.snapshot()
		return len(got) >= 2 && got[len(got)-1] == StatusConnected
	}, time.Second, time.Millisecond)
}

func TestSecondLossReplacesPendingTimer(t *testing.T) {
	d := &fakeDialer{}
	m, clk, _ := newTestManager(t, d)
	require.NoError(t, m.Connect(context.Background(), "alice"))

	m.Interrupt(errors.New("network changed"))
	require.Equal(t, StatusReconnecting, m.Status())
	require.Equal(t, 1, clk.PendingCount())

	clk.Advance(2 * time.Second)
	m.Interrupt(errors.New("network changed again"))
	assert.Equal(t, 1, clk.PendingCount(), "never two concurrent reconnect timers")

	// The replaced timer would have fired here.
	clk.Advance(time.Second)
	assert.Equal(t, StatusReconnecting, m.Status())
	assert.Equal(t, 1, d.dialCount())

	clk.Advance(2 * time.Second)
	assert.Equal(t, StatusConnected, m.Status())
	assert.Equal(t, 2, d.dialCount())
}

func TestReconnectRetriesIndefinitely(t *testing.T) {
	d := &fakeDialer{}
	m, clk, _ := newTestManager(t, d)
	require.NoError(t, m.Connect(context.Background(), "alice"))

	d.setErr(errors.New("still down"))
	m.Interrupt(errors.New("gone"))
	for i := 0; i < 20; i++ {
		clk.Advance(DefaultReconnectDelay)
		require.Equal(t, StatusReconnecting, m.Status())
		require.Equal(t, 1, clk.PendingCount())
	}
	assert.Equal(t, 21, d.dialCount())
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	d := &fakeDialer{}
	m, clk, _ := newTestManager(t, d)
	require.NoError(t, m.Connect(context.Background(), "alice"))

	m.Interrupt(errors.New("gone"))
	require.Equal(t, 1, clk.PendingCount())

	m.Disconnect()
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Equal(t, 0, clk.PendingCount())

	clk.Advance(time.Minute)
	assert.Equal(t, 1, d.dialCount())

	m.Disconnect()
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestSendRequiresConnection(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(t, d)

	err := m.Send(context.Background(), Frame{Type: FrameSend})
	assert.True(t, IsNotConnected(err))

	require.NoError(t, m.Connect(context.Background(), "alice"))
	require.NoError(t, m.Send(context.Background(), Frame{Type: FrameSend, Destination: SendDestination}))
	assert.Len(t, d.last().sent(FrameSend), 1)

	m.Disconnect()
	assert.True(t, IsNotConnected(m.Send(context.Background(), Frame{Type: FrameSend})))
}

func TestSendWriteFailureIsNotConnected(t *testing.T) {
	d := &fakeDialer{}
	m, clk, _ := newTestManager(t, d)
	require.NoError(t, m.Connect(context.Background(), "alice"))

	link := d.last()
	link.mu.Lock()
	link.writeErr = errors.New("broken pipe")
	link.mu.Unlock()

	err := m.Send(context.Background(), Frame{Type: FrameSend})
	assert.True(t, IsNotConnected(err))
	require.Eventually(t, func() bool { return m.Status() == StatusReconnecting }, time.Second, time.Millisecond)
	assert.Equal(t, 1, clk.PendingCount())
}

func TestFramesDelivered(t *testing.T) {
	d := &fakeDialer{}
	frames := make(chan Frame, 4)
	metrics := NewMetrics(nil)
	m, _, _ := newTestManager(t, d,
		WithFrameHandler(func(f Frame) { frames <- f }),
		WithManagerMetrics(metrics),
	)
	require.NoError(t, m.Connect(context.Background(), "alice"))

	d.last().inbox <- Frame{Type: FrameError, Payload: []byte(`{"message":"nope"}`)}
	d.last().inbox <- Frame{Type: FrameMessage, Destination: "/queue/user.alice", Payload: []byte(`{}`)}

	select {
	case f := <-frames:
		assert.Equal(t, FrameMessage, f.Type)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.framesReceived))
}

func TestExponentialBackoff(t *testing.T) {
	r := reconnector{baseDelay: time.Second, maxDelay: 5 * time.Second, exponential: true}
	prev := time.Duration(0)
	for i := 0; i < 3; i++ {
		d := r.nextDelay()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 5*time.Second)
		prev = d
	}
	assert.Equal(t, 5*time.Second, r.nextDelay())

	r.reset()
	assert.Less(t, r.nextDelay(), 2*time.Second)

	constant := reconnector{baseDelay: 3 * time.Second}
	assert.Equal(t, 3*time.Second, constant.nextDelay())
	assert.Equal(t, 3*time.Second, constant.nextDelay())
}
