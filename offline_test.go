package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func testEnvelope(id string, conv int64, content string) Envelope {
	return Envelope{
		ID:             id,
		SenderUsername: "alice",
		ConversationID: conv,
		Content:        content,
		SubmittedAt:    testEpoch,
	}
}

func TestOutboxEnqueuePersists(t *testing.T) {
	cache := NewKVCache(NewMemoryStore())
	q := NewOutbox(cache)

	require.NoError(t, q.Enqueue(testEnvelope("a", 1, "one")))
	require.NoError(t, q.Enqueue(testEnvelope("b", 1, "two")))

	stored, err := cache.LoadPending()
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "a", stored[0].ID)
	assert.Equal(t, "b", stored[1].ID)
}

func TestOutboxEnqueueWithoutStore(t *testing.T) {
	q := NewOutbox(NewKVCache(brokenStore{}))

	err := q.Enqueue(testEnvelope("a", 1, "one"))
	assert.True(t, IsPersistence(err))
	assert.Equal(t, 1, q.Len(), "kept in memory")
}

func TestOutboxDrainFIFO(t *testing.T) {
	metrics := NewMetrics(nil)
	q := NewOutbox(NewKVCache(NewMemoryStore()), WithOutboxMetrics(metrics))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(testEnvelope(id, 1, id)))
	}

	var order []string
	n, err := q.Drain(context.Background(), func(_ context.Context, env Envelope) error {
		order = append(order, env.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.queueDepth))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.sends.WithLabelValues("sent")))
}

func TestOutboxDrainStopsWhenDisconnected(t *testing.T) {
	cache := NewKVCache(NewMemoryStore())
	q := NewOutbox(cache)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(testEnvelope(id, 1, id)))
	}

	calls := 0
	n, err := q.Drain(context.Background(), func(_ context.Context, env Envelope) error {
		calls++
		if env.ID == "b" {
			return &NotConnectedError{State: StatusReconnecting}
		}
		return nil
	})
	assert.True(t, IsNotConnected(err))
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls)

	remaining := q.Snapshot()
	require.Len(t, remaining, 2)
	assert.Equal(t, "b", remaining[0].ID)

	stored, err := cache.LoadPending()
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestOutboxDrainDropsOnOtherErrors(t *testing.T) {
	q := NewOutbox(NewKVCache(NewMemoryStore()))
	require.NoError(t, q.Enqueue(testEnvelope("a", 1, "x")))

	n, err := q.Drain(context.Background(), func(context.Context, Envelope) error {
		return errors.New("encode failure")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, q.Len())
}

func TestOutboxDrainReportsDropped(t *testing.T) {
	var dropped []string
	q := NewOutbox(NewKVCache(NewMemoryStore()), WithDropHandler(func(env Envelope, err error) {
		assert.EqualError(t, err, "encode failure")
		dropped = append(dropped, env.ID)
	}))
	require.NoError(t, q.Enqueue(testEnvelope("a", 1, "x")))
	require.NoError(t, q.Enqueue(testEnvelope("b", 1, "y")))

	n, err := q.Drain(context.Background(), func(_ context.Context, env Envelope) error {
		if env.ID == "a" {
			return errors.New("encode failure")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a"}, dropped)
}

func TestOutboxSurvivesRestart(t *testing.T) {
	store := NewMemoryStore()
	first := NewOutbox(NewKVCache(store))
	require.NoError(t, first.Enqueue(testEnvelope("a", 7, "hi")))

	// A new process sees only the store.
	second := NewOutbox(NewKVCache(store))
	restored, err := second.Restore()
	require.NoError(t, err)
	require.Len(t, restored, 1)

	attempts := map[string]int{}
	send := func(_ context.Context, env Envelope) error {
		attempts[env.ID]++
		return nil
	}
	_, err = second.Drain(context.Background(), send)
	require.NoError(t, err)
	_, err = second.Drain(context.Background(), send)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"a": 1}, attempts)
}

func TestOutboxRemove(t *testing.T) {
	q := NewOutbox(NewKVCache(NewMemoryStore()))
	require.NoError(t, q.Enqueue(testEnvelope("a", 1, "x")))
	require.NoError(t, q.Enqueue(testEnvelope("b", 1, "y")))

	ok, err := q.Remove("a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Remove("a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "b", q.Snapshot()[0].ID)
}

func TestOutboxDrainLimitHonoursContext(t *testing.T) {
	q := NewOutbox(NewKVCache(NewMemoryStore()), WithDrainLimit(rate.Every(time.Hour), 1))
	require.NoError(t, q.Enqueue(testEnvelope("a", 1, "x")))
	require.NoError(t, q.Enqueue(testEnvelope("b", 1, "y")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n, err := q.Drain(ctx, func(context.Context, Envelope) error { return nil })
	assert.Error(t, err)
	assert.Equal(t, 1, n, "burst allows the first send only")
	assert.Equal(t, 1, q.Len())
}
