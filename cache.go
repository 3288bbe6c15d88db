package chatsync

import (
	"errors"
	"strconv"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
)

// ============================================================================
// Key-value store
// ============================================================================

// ErrKeyNotFound is returned by KVStore.Get for absent keys.
var ErrKeyNotFound = errors.New("chatsync: key not found")

// KVStore is a durable byte store. Writes to different keys are independent.
type KVStore interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// MemoryStore is a KVStore held in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Put(key string, value []byte) error {
	s.mu.Lock()
	s.data[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// ============================================================================
// LocalCache
// ============================================================================

// LocalCache persists the engine state that must survive a restart.
//
// Loads return the zero value when a key is absent or cannot be decoded;
// only an unavailable store produces an error.
type LocalCache interface {
	LoadHistory(conversationID int64) ([]Message, error)
	SaveHistory(conversationID int64, msgs []Message) error
	LoadPending() ([]Envelope, error)
	SavePending(envs []Envelope) error
	LoadLastActive() (int64, bool, error)
	SaveLastActive(conversationID int64) error
	LoadConversations() ([]Conversation, error)
	SaveConversations(convs []Conversation) error
}

const (
	keyPending       = "outbox/pending"
	keyLastActive    = "session/last-active"
	keyConversations = "conversations"
	keyHistoryPrefix = "history/"
)

func historyKey(conversationID int64) string {
	return keyHistoryPrefix + strconv.FormatInt(conversationID, 10)
}

var (
	cacheEncMode cbor.EncMode
	cacheDecMode cbor.DecMode
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	var err error
	cacheEncMode, err = encOpts.EncMode()
	if err != nil {
		panic("chatsync: cbor encoder: " + err.Error())
	}
	cacheDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("chatsync: cbor decoder: " + err.Error())
	}
}

// KVCache implements LocalCache on top of a KVStore, encoding values as CBOR.
type KVCache struct {
	store  KVStore
	logger zerolog.Logger
}

// CacheOption configures a KVCache.
type CacheOption func(*KVCache)

// WithCacheLogger sets the logger used to report corrupt entries.
func WithCacheLogger(logger zerolog.Logger) CacheOption {
	return func(c *KVCache) { c.logger = logger }
}

// NewKVCache wraps store.
func NewKVCache(store KVStore, opts ...CacheOption) *KVCache {
	c := &KVCache{store: store, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the underlying store.
func (c *KVCache) Store() KVStore { return c.store }

func (c *KVCache) LoadHistory(conversationID int64) ([]Message, error) {
	var msgs []Message
	found, err := c.load(historyKey(conversationID), &msgs)
	if err != nil || !found {
		return nil, err
	}
	return msgs, nil
}

func (c *KVCache) SaveHistory(conversationID int64, msgs []Message) error {
	return c.save(historyKey(conversationID), msgs)
}

func (c *KVCache) LoadPending() ([]Envelope, error) {
	var envs []Envelope
	found, err := c.load(keyPending, &envs)
	if err != nil || !found {
		return nil, err
	}
	return envs, nil
}

func (c *KVCache) SavePending(envs []Envelope) error {
	if len(envs) == 0 {
		if err := c.store.Delete(keyPending); err != nil {
			return &PersistenceError{Key: keyPending, Op: "delete", Err: err}
		}
		return nil
	}
	return c.save(keyPending, envs)
}

func (c *KVCache) LoadLastActive() (int64, bool, error) {
	var id int64
	found, err := c.load(keyLastActive, &id)
	if err != nil || !found {
		return 0, false, err
	}
	return id, true, nil
}

func (c *KVCache) SaveLastActive(conversationID int64) error {
	return c.save(keyLastActive, conversationID)
}

func (c *KVCache) LoadConversations() ([]Conversation, error) {
	var convs []Conversation
	found, err := c.load(keyConversations, &convs)
	if err != nil || !found {
		return nil, err
	}
	return convs, nil
}

func (c *KVCache) SaveConversations(convs []Conversation) error {
	return c.save(keyConversations, convs)
}

// load decodes key into v. It reports false for absent and corrupt entries.
func (c *KVCache) load(key string, v any) (bool, error) {
	data, err := c.store.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &PersistenceError{Key: key, Op: "read", Err: err}
	}
	if err := cacheDecMode.Unmarshal(data, v); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding corrupt cache entry")
		return false, nil
	}
	return true, nil
}

func (c *KVCache) save(key string, v any) error {
	data, err := cacheEncMode.Marshal(v)
	if err != nil {
		return &PersistenceError{Key: key, Op: "encode", Err: err}
	}
	if err := c.store.Put(key, data); err != nil {
		return &PersistenceError{Key: key, Op: "write", Err: err}
	}
	return nil
}
