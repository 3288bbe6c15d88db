package pebblestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/chatsync"
)

func TestStoreBasics(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, chatsync.ErrKeyNotFound)

	require.NoError(t, s.Put("k", []byte("v1")))
	require.NoError(t, s.Put("k", []byte("v2")))
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	require.NoError(t, s.Delete("k"))
	_, err = s.Get("k")
	assert.ErrorIs(t, err, chatsync.ErrKeyNotFound)
}

func TestPendingSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")

	s, err := Open(dir)
	require.NoError(t, err)
	cache := chatsync.NewKVCache(s)
	env := chatsync.Envelope{ID: "e1", SenderUsername: "alice", ConversationID: 9, Content: "hi", SubmittedAt: time.Unix(100, 0)}
	require.NoError(t, cache.SavePending([]chatsync.Envelope{env}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := chatsync.NewKVCache(s).LoadPending()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
	assert.True(t, got[0].SubmittedAt.Equal(env.SubmittedAt))
}
