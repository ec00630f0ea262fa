// Package mcpcoordinator wires the session-coordination layer together: a
// storage adapter selected by configuration, resilience wrapping, session
// and event managers, the admission controller, and the HTTP gateway
// middleware around an upstream MCP handler.
package mcpcoordinator

import (
	"fmt"
	"net/http"

	redis "github.com/redis/go-redis/v9"

	"github.com/bh-rat/mcp-coordinator/admission"
	"github.com/bh-rat/mcp-coordinator/config"
	"github.com/bh-rat/mcp-coordinator/event"
	"github.com/bh-rat/mcp-coordinator/gateway"
	"github.com/bh-rat/mcp-coordinator/interceptor"
	"github.com/bh-rat/mcp-coordinator/jsonrpc"
	"github.com/bh-rat/mcp-coordinator/resilience"
	"github.com/bh-rat/mcp-coordinator/session"
	"github.com/bh-rat/mcp-coordinator/store"
	"github.com/bh-rat/mcp-coordinator/upstream"
)

// Coordinator is the process-wide coordination state, constructed once at
// bootstrap and torn down with Close.
type Coordinator struct {
	Sessions *session.Manager
	Events   *event.Store

	handler http.Handler
	rdb     *redis.Client
}

// Option mutates the optional construction knobs.
type Option func(*options)

type options struct {
	logger  jsonrpc.Logger
	adapter store.Adapter
}

// WithLogger overrides the default stderr logger used across the stack.
func WithLogger(l jsonrpc.Logger) Option { return func(o *options) { o.logger = l } }

// WithStoreAdapter supplies a pre-built storage adapter instead of the one
// cfg.StoreBackend selects. Multi-instance tests use this to share one
// in-process store between coordinators.
func WithStoreAdapter(a store.Adapter) Option { return func(o *options) { o.adapter = a } }

// New builds a Coordinator from cfg around the given upstream handler and
// session manager. cfg is expected to start from config.Default().
func New(cfg config.Config, upstreamHandler http.Handler, manager upstream.SessionManager, opts ...Option) (*Coordinator, error) {
	o := options{logger: jsonrpc.DefaultLogger}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Coordinator{}
	adapter := o.adapter
	if adapter == nil {
		switch cfg.StoreBackend {
		case config.StoreBackendShared:
			ropts, err := redis.ParseURL(cfg.StoreURL)
			if err != nil {
				return nil, fmt.Errorf("coordinator: parse store_url: %w", err)
			}
			c.rdb = redis.NewClient(ropts)
			adapter = store.NewRedis(c.rdb, cfg.StorePrefix, cfg.StreamMaxLen)
		case config.StoreBackendMemory, "":
			adapter = store.NewMemory()
		default:
			return nil, fmt.Errorf("coordinator: unknown store_backend %q", cfg.StoreBackend)
		}
	}

	adapter = resilience.Wrap("session-store", adapter, resilience.Config{
		Retry: resilience.RetryConfig{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			CapDelay:    cfg.RetryCapDelay,
		},
		BreakerThreshold: cfg.BreakerFailureThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	})

	sessionOpts := []session.Option{session.WithTransitionRetry(cfg.TransitionRetry)}
	if cfg.UseLocalCache {
		sessionOpts = append(sessionOpts, session.WithCache(cfg.CacheMaxEntries, cfg.CacheTTL))
	} else {
		sessionOpts = append(sessionOpts, session.WithCache(0, 0))
	}
	sessions, err := session.New(adapter, sessionOpts...)
	if err != nil {
		return nil, err
	}
	events := event.New(adapter)

	admitter := admission.New(sessions, adapter, manager,
		admission.WithLockTTL(cfg.AdmitLockTTL),
		admission.WithAcquireWait(cfg.AdmitLockWait),
	)
	interc := interceptor.New(sessions, events, o.logger, cfg.InterceptorStripes)

	c.Sessions = sessions
	c.Events = events
	c.handler = gateway.New(upstreamHandler, admitter, interc,
		gateway.WithPath(cfg.Path),
		gateway.WithMaxBodyBytes(cfg.MaxBodyBytes),
		gateway.WithUnknownSessionStatus(int(cfg.UnknownSessionStatus)),
		gateway.WithLogger(o.logger),
	)
	return c, nil
}

// ServeHTTP delegates to the gateway middleware.
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.handler.ServeHTTP(w, r)
}

// Close tears down process-wide state, closing the store connection if the
// coordinator owns one.
func (c *Coordinator) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}
