// Package admission rehydrates local transport state from the durable
// store: on every request that names a session id the local instance's
// upstream manager does not already have a live transport for, the
// controller reconstructs one before the request reaches the upstream
// handler.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bh-rat/mcp-coordinator/jsonrpc"
	"github.com/bh-rat/mcp-coordinator/session"
	"github.com/bh-rat/mcp-coordinator/store"
	"github.com/bh-rat/mcp-coordinator/upstream"
)

// Outcome is the result handed back to the transport wrapper, telling
// it how to respond when admission does not result in a forward.
type Outcome int

const (
	// Forward means the request should proceed to the upstream handler.
	Forward Outcome = iota
	// PassThroughFreshInit means the session is unknown but the request is
	// a fresh initialize; creation is deferred to the interceptor once
	// the response is observed.
	PassThroughFreshInit
	// SessionNotFound means the controller found no record for the id and
	// the request was not a fresh initialize; the wrapper should respond
	// with the configured unknown-session error and not forward.
	SessionNotFound
	// SessionClosed means the record exists but is CLOSED.
	SessionClosed
	// Unavailable means the store was unavailable while admitting a
	// non-initialize request; the wrapper should respond 503/retriable.
	Unavailable
	// UpstreamFailed means CreateTransportForSession returned an error; the
	// wrapper should respond 500. Durable state is left untouched.
	UpstreamFailed
)

const lockPrefix = "admit:"

// Options configures a Controller's timing knobs.
type Options struct {
	LockTTL     time.Duration
	AcquireWait time.Duration
	AcquirePoll time.Duration
}

func defaultOptions() Options {
	return Options{LockTTL: 2 * time.Second, AcquireWait: 500 * time.Millisecond, AcquirePoll: 25 * time.Millisecond}
}

// Option mutates Options.
type Option func(*Options)

// WithLockTTL overrides the advisory admission lock's TTL.
func WithLockTTL(d time.Duration) Option { return func(o *Options) { o.LockTTL = d } }

// WithAcquireWait overrides the total bounded wait-and-retry budget for a
// held admission lock.
func WithAcquireWait(d time.Duration) Option { return func(o *Options) { o.AcquireWait = d } }

// Controller decides, per request, whether local transport state must be
// rehydrated before forwarding.
type Controller struct {
	sessions *session.Manager
	upstream upstream.SessionManager
	store    store.Adapter
	opts     Options
	holderID string

	warmedMu sync.Mutex
	warmed   map[string]struct{}
}

// New creates a Controller. adapter is the same resilience-wrapped storage
// adapter the session manager uses, needed directly here for the advisory
// lock (AcquireLock/ReleaseLock are not exposed through session.Manager).
func New(sessions *session.Manager, adapter store.Adapter, up upstream.SessionManager, options ...Option) *Controller {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}
	return &Controller{
		sessions: sessions,
		upstream: up,
		store:    adapter,
		opts:     opts,
		holderID: uuid.New().String(),
		warmed:   make(map[string]struct{}),
	}
}

// Admit decides whether the request may be forwarded, rehydrating the
// upstream transport first when needed. isFreshInitialize tells the
// controller whether the inbound request is an initialize call with no
// session id of its own yet; an unknown id is only tolerated in that case.
func (c *Controller) Admit(ctx context.Context, id string, isFreshInitialize bool) (Outcome, error) {
	if id == "" || c.upstream.HasTransport(id) {
		return Forward, nil
	}

	rec, err := c.sessions.GetUncached(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if isFreshInitialize {
			return PassThroughFreshInit, nil
		}
		return SessionNotFound, nil
	case errors.Is(err, store.ErrUnavailable):
		if isFreshInitialize {
			// A store outage should not block a brand-new session from
			// being attempted; creation itself will surface the outage.
			return PassThroughFreshInit, nil
		}
		return Unavailable, err
	case err != nil:
		return Unavailable, err
	}

	if rec.Status == store.StatusClosed {
		return SessionClosed, nil
	}

	if err := c.rehydrate(ctx, rec); err != nil {
		return UpstreamFailed, err
	}
	return Forward, nil
}

// rehydrate acquires the advisory lock (best-effort; proceeds
// optimistically if still held after the wait budget, since
// CreateTransportForSession must itself be idempotent), creates the
// transport, warms it if ACTIVE, then releases the lock.
func (c *Controller) rehydrate(ctx context.Context, rec *store.Record) error {
	lockName := lockPrefix + rec.ID
	acquired := c.acquireWithRetry(ctx, lockName)
	if acquired {
		defer func() { _ = c.store.ReleaseLock(ctx, lockName, c.holderID) }()
	}

	tr, err := c.upstream.CreateTransportForSession(ctx, rec.ID, rec.Metadata)
	if err != nil {
		return err
	}

	if rec.Status == store.StatusActive {
		c.warmOnce(ctx, rec.ID, tr)
	}
	return nil
}

func (c *Controller) acquireWithRetry(ctx context.Context, lockName string) bool {
	deadline := time.Now().Add(c.opts.AcquireWait)
	for {
		err := c.store.AcquireLock(ctx, lockName, c.holderID, c.opts.LockTTL)
		if err == nil {
			return true
		}
		if !errors.Is(err, store.ErrHeld) {
			return false
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.opts.AcquirePoll):
		}
	}
}

// warmOnce synthesizes a notifications/initialized into tr's inbound
// channel at most once per (instance, session) pair. The warmed-set is
// marked before injecting so concurrent admissions cannot both warm; it is
// unmarked again if injection fails, so the next admitting request tries
// again.
func (c *Controller) warmOnce(ctx context.Context, id string, tr upstream.Transport) {
	c.warmedMu.Lock()
	if _, already := c.warmed[id]; already {
		c.warmedMu.Unlock()
		return
	}
	c.warmed[id] = struct{}{}
	c.warmedMu.Unlock()

	note := jsonrpc.NewNotificationMessage(&jsonrpc.Notification{
		Jsonrpc: jsonrpc.Version,
		Method:  "notifications/initialized",
	})
	payload, err := json.Marshal(note)
	if err != nil {
		return
	}
	if err := tr.InjectInbound(ctx, payload); err != nil {
		c.warmedMu.Lock()
		delete(c.warmed, id)
		c.warmedMu.Unlock()
	}
}
