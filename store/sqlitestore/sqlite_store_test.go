package sqlitestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/chatsync"
)

func TestStoreBasics(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
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

func TestHistorySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s, err := Open(path)
	require.NoError(t, err)
	msgs := []chatsync.Message{{ID: 1, ConversationID: 4, SenderUsername: "bob", Content: "hey", SentAt: at, State: chatsync.MessageConfirmed}}
	require.NoError(t, chatsync.NewKVCache(s).SaveHistory(4, msgs))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := chatsync.NewKVCache(s).LoadHistory(4)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hey", got[0].Content)
	assert.True(t, got[0].SentAt.Equal(at))
}
