package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	chatsync "github.com/Prismer-AI/chatsync"
	"github.com/Prismer-AI/chatsync/internal/config"
	"github.com/Prismer-AI/chatsync/internal/logging"
	"github.com/Prismer-AI/chatsync/store/pebblestore"
	"github.com/Prismer-AI/chatsync/store/sqlitestore"
)

// session bundles one engine with the collaborators it was built from.
type session struct {
	engine   *chatsync.Engine
	client   *chatsync.Client
	creds    *chatsync.CredentialStore
	cache    *chatsync.KVCache
	store    chatsync.KVStore
	registry *prometheus.Registry
}

// openStore opens the configured cache backend.
func openStore(c config.CacheConfig) (chatsync.KVStore, error) {
	switch c.Backend {
	case "memory":
		return chatsync.NewMemoryStore(), nil
	case "sqlite":
		return sqlitestore.Open(c.Path)
	case "pebble":
		return pebblestore.Open(c.Path)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", c.Backend)
	}
}

// newCredentialStore returns the credentials file with a client able to
// refresh expired tokens.
func newCredentialStore(c *config.Config) (*chatsync.CredentialStore, *chatsync.Client) {
	logger := logging.Component("credentials")
	client := chatsync.NewClient(c.Server.BaseURL, "",
		chatsync.WithTimeout(c.Remote.Timeout),
		chatsync.WithClientLogger(logging.Component("remote")),
	)
	creds := chatsync.NewCredentialStore(config.CredentialsPath(), client,
		chatsync.WithCredentialLogger(logger))
	return creds, client
}

// openSession wires the cache, remote client, transport and credentials
// into an engine. The caller must close it.
func openSession(c *config.Config) (*session, error) {
	store, err := openStore(c.Cache)
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", c.Cache.Backend, err)
	}

	creds, client := newCredentialStore(c)
	chatsync.WithTokenRefresher(creds.RefreshAccessToken)(client)

	wsURL := c.Server.WSURL
	if wsURL == "" {
		wsURL = chatsync.WebSocketURL(c.Server.BaseURL)
	}
	dialer := chatsync.NewWSDialer(wsURL, "")
	dialer.HeartbeatInterval = c.Transport.HeartbeatInterval
	dialer.Logger = logging.Component("websocket")

	registry := prometheus.NewRegistry()
	opts := []chatsync.EngineOption{
		chatsync.WithLogger(logging.Component("engine")),
		chatsync.WithMetrics(chatsync.NewMetrics(registry)),
		chatsync.WithTransport(chatsync.TransportConfig{
			HandshakeTimeout:  c.Transport.HandshakeTimeout,
			ReconnectDelay:    c.Transport.ReconnectDelay,
			ReconnectMaxDelay: c.Transport.ReconnectMaxDelay,
			Exponential:       c.Transport.Exponential,
		}),
		chatsync.WithFetchRetry(chatsync.RetryPolicy{
			Attempts: c.Remote.Attempts,
			Delay:    c.Remote.Backoff,
			Linear:   true,
			Timeout:  c.Remote.Timeout,
		}),
		chatsync.WithInitRetry(chatsync.RetryPolicy{
			Attempts: c.Init.MaxAttempts,
			Delay:    c.Init.RetryDelay,
		}),
		chatsync.WithIdentityHook(func(id chatsync.Identity) {
			client.SetToken(id.Token)
			dialer.SetToken(id.Token)
		}),
	}
	if c.Queue.DrainRate > 0 {
		opts = append(opts, chatsync.WithOutboxRate(rate.Limit(c.Queue.DrainRate), 1))
	}

	cache := chatsync.NewKVCache(store, chatsync.WithCacheLogger(logging.Component("cache")))
	return &session{
		engine:   chatsync.NewEngine(cache, client, dialer, opts...),
		client:   client,
		creds:    creds,
		cache:    cache,
		store:    store,
		registry: registry,
	}, nil
}

// start runs the startup sequence against the stored credentials.
func (s *session) start(ctx context.Context) error {
	return s.engine.Initialize(ctx, s.creds)
}

func (s *session) Close() error {
	err := s.engine.Close()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}
