package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/bh-rat/mcp-coordinator/store"
)

// Config bundles the retry and breaker tuning knobs.
type Config struct {
	Retry            RetryConfig
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns the default tuning: breaker trips after 5
// consecutive failures, 10s cooldown.
func DefaultConfig() Config {
	return Config{Retry: DefaultRetryConfig(), BreakerThreshold: 5, BreakerCooldown: 10 * time.Second}
}

// wrapped decorates a store.Adapter with retry + circuit breaker around
// every method, so callers elsewhere in the core (event, session, admission)
// depend only on store.Adapter and never invoke Retry/Breaker directly.
type wrapped struct {
	store.Adapter
	cfg     Config
	breaker *Breaker
}

// Wrap returns a store.Adapter that retries transient failures and
// short-circuits via a single named circuit breaker once the backend has
// been consistently unavailable.
func Wrap(backendName string, inner store.Adapter, cfg Config) store.Adapter {
	return &wrapped{Adapter: inner, cfg: cfg, breaker: NewBreaker(backendName, cfg.BreakerThreshold, cfg.BreakerCooldown)}
}

func (w *wrapped) call(ctx context.Context, fn func() error) error {
	if !w.breaker.Allow() {
		return store.ErrUnavailable
	}
	err := Do(ctx, w.cfg.Retry, fn)
	if err == nil {
		w.breaker.RecordSuccess()
		return nil
	}
	if errors.Is(err, store.ErrUnavailable) {
		w.breaker.RecordFailure()
	} else {
		// Non-transient outcomes do not count against the breaker.
		w.breaker.RecordSuccess()
	}
	return err
}

func (w *wrapped) GetSession(ctx context.Context, id string) (rec *store.Record, err error) {
	err = w.call(ctx, func() error {
		var e error
		rec, e = w.Adapter.GetSession(ctx, id)
		return e
	})
	return rec, err
}

func (w *wrapped) PutSessionIfAbsent(ctx context.Context, rec *store.Record) error {
	return w.call(ctx, func() error { return w.Adapter.PutSessionIfAbsent(ctx, rec) })
}

func (w *wrapped) UpdateSessionCAS(ctx context.Context, id string, expectedVersion int64, next *store.Record) error {
	return w.call(ctx, func() error { return w.Adapter.UpdateSessionCAS(ctx, id, expectedVersion, next) })
}

func (w *wrapped) DeleteSession(ctx context.Context, id string) error {
	return w.call(ctx, func() error { return w.Adapter.DeleteSession(ctx, id) })
}

func (w *wrapped) AppendEvent(ctx context.Context, sessionID, streamKey string, ev *store.Event) (id uint64, err error) {
	err = w.call(ctx, func() error {
		var e error
		id, e = w.Adapter.AppendEvent(ctx, sessionID, streamKey, ev)
		return e
	})
	return id, err
}

func (w *wrapped) ReadEvents(ctx context.Context, sessionID, streamKey string, afterID uint64, limit int) (evs []*store.Event, err error) {
	err = w.call(ctx, func() error {
		var e error
		evs, e = w.Adapter.ReadEvents(ctx, sessionID, streamKey, afterID, limit)
		return e
	})
	return evs, err
}

func (w *wrapped) TrimStream(ctx context.Context, sessionID, streamKey string, maxLen int) error {
	return w.call(ctx, func() error { return w.Adapter.TrimStream(ctx, sessionID, streamKey, maxLen) })
}

func (w *wrapped) AcquireLock(ctx context.Context, name, holderID string, ttl time.Duration) error {
	return w.call(ctx, func() error { return w.Adapter.AcquireLock(ctx, name, holderID, ttl) })
}

func (w *wrapped) ReleaseLock(ctx context.Context, name, holderID string) error {
	return w.call(ctx, func() error { return w.Adapter.ReleaseLock(ctx, name, holderID) })
}

var _ store.Adapter = (*wrapped)(nil)
