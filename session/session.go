// Package session implements the session manager: CRUD and lifecycle
// transitions over session records, with an optional per-node read cache.
// Every write goes through the storage adapter first; the cache is
// populated only with what the adapter already confirmed.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bh-rat/mcp-coordinator/store"
)

// ErrIllegalTransition is returned when a requested status transition would
// violate the lifecycle DAG: no back-edges, no skipping forward past
// ACTIVE except directly to CLOSED.
var ErrIllegalTransition = errors.New("session: illegal status transition")

// legalNext enumerates the allowed forward edges of the lifecycle DAG.
// INITIALIZING is never persisted (a record exists in the store only from
// INITIALIZED onward), so it never appears here as a from-state.
var legalNext = map[store.Status][]store.Status{
	store.StatusInitialized: {store.StatusActive, store.StatusClosed},
	store.StatusActive:      {store.StatusClosed},
	store.StatusClosed:      {store.StatusClosed}, // idempotent close
}

func isLegal(from, to store.Status) bool {
	for _, s := range legalNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

type cacheEntry struct {
	rec       *store.Record
	expiresAt time.Time
}

// Options configures a Manager. The zero value disables the read cache.
type Options struct {
	CacheSize       int
	CacheTTL        time.Duration
	TransitionRetry int
}

// Option mutates Options, mirroring the functional-options idiom used
// throughout this module's transport configuration.
type Option func(*Options)

// WithCache enables the bounded LRU read cache with the given size and
// per-entry TTL.
func WithCache(size int, ttl time.Duration) Option {
	return func(o *Options) {
		o.CacheSize = size
		o.CacheTTL = ttl
	}
}

// WithTransitionRetry bounds how many times Transition retries on CONFLICT
// before giving up.
func WithTransitionRetry(m int) Option {
	return func(o *Options) { o.TransitionRetry = m }
}

func defaultOptions() Options {
	return Options{CacheSize: 1024, CacheTTL: 5 * time.Second, TransitionRetry: 3}
}

// Manager owns session record CRUD and lifecycle transitions.
type Manager struct {
	adapter store.Adapter
	opts    Options
	cache   *lru.Cache[string, cacheEntry]
}

// New creates a Manager over the given (already resilience-wrapped) storage
// adapter.
func New(adapter store.Adapter, options ...Option) (*Manager, error) {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}
	m := &Manager{adapter: adapter, opts: opts}
	if opts.CacheSize > 0 {
		c, err := lru.New[string, cacheEntry](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("session: create read cache: %w", err)
		}
		m.cache = c
	}
	return m, nil
}

// Create atomically creates a new session record with status INITIALIZED.
// It returns store.ErrExists if the id is already taken.
func (m *Manager) Create(ctx context.Context, id string, initialMetadata map[string]string) (*store.Record, error) {
	now := m.adapter.Now()
	rec := &store.Record{
		ID:        id,
		Status:    store.StatusInitialized,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  initialMetadata,
		Version:   1,
	}
	if err := m.adapter.PutSessionIfAbsent(ctx, rec); err != nil {
		return nil, err
	}
	m.put(rec)
	return rec.Clone(), nil
}

// Get answers from the local read cache when present and unexpired;
// otherwise it falls through to the store. Callers on the admission path
// MUST NOT use this method; see GetUncached.
func (m *Manager) Get(ctx context.Context, id string) (*store.Record, error) {
	if m.cache != nil {
		if entry, ok := m.cache.Get(id); ok && m.adapter.Now().Before(entry.expiresAt) {
			return entry.rec.Clone(), nil
		}
	}
	return m.GetUncached(ctx, id)
}

// GetUncached always reads through to the store, bypassing the read cache.
// The admission controller uses this exclusively, because a stale cache
// entry there would cause incorrect rehydration decisions.
func (m *Manager) GetUncached(ctx context.Context, id string) (*store.Record, error) {
	rec, err := m.adapter.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	m.put(rec)
	return rec.Clone(), nil
}

// Transition performs a CAS-guarded status change from `from` to `to`,
// merging metadataPatch into the record's metadata (last-writer-wins per
// key). It retries on store.ErrConflict up to the configured retry bound,
// re-reading the current record each time. Returns ErrIllegalTransition
// without touching the store if the edge is not in the lifecycle DAG.
func (m *Manager) Transition(ctx context.Context, id string, from, to store.Status, metadataPatch map[string]string) (*store.Record, error) {
	if !isLegal(from, to) {
		return nil, ErrIllegalTransition
	}
	attempts := m.opts.TransitionRetry
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		cur, err := m.adapter.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == store.StatusClosed && to == store.StatusClosed {
			// Idempotent close.
			m.put(cur)
			return cur.Clone(), nil
		}
		if cur.Status != from {
			if !isLegal(cur.Status, to) {
				return nil, ErrIllegalTransition
			}
			from = cur.Status
		}
		next := cur.Clone()
		next.Status = to
		next.UpdatedAt = m.adapter.Now()
		next.Version = cur.Version + 1
		applyPatch(next, metadataPatch)

		err = m.adapter.UpdateSessionCAS(ctx, id, cur.Version, next)
		if err == nil {
			m.put(next)
			return next.Clone(), nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err
		if m.cache != nil {
			m.cache.Remove(id)
		}
	}
	return nil, lastErr
}

// TouchMetadata CAS-merges patch into the record's metadata without
// changing status, retrying on conflict the same way Transition does.
func (m *Manager) TouchMetadata(ctx context.Context, id string, patch map[string]string) (*store.Record, error) {
	attempts := m.opts.TransitionRetry
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		cur, err := m.adapter.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == store.StatusClosed {
			// A CLOSED session accepts no further updates; metadata
			// touches are treated the same way.
			return nil, ErrIllegalTransition
		}
		next := cur.Clone()
		next.UpdatedAt = m.adapter.Now()
		next.Version = cur.Version + 1
		applyPatch(next, patch)

		err = m.adapter.UpdateSessionCAS(ctx, id, cur.Version, next)
		if err == nil {
			m.put(next)
			return next.Clone(), nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err
		if m.cache != nil {
			m.cache.Remove(id)
		}
	}
	return nil, lastErr
}

// Close transitions a session to CLOSED from any non-terminal state;
// idempotent if already CLOSED.
func (m *Manager) Close(ctx context.Context, id string) (*store.Record, error) {
	cur, err := m.adapter.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Transition(ctx, id, cur.Status, store.StatusClosed, nil)
}

// Invalidate drops the local cache entry for id, used when external
// evidence (e.g. an upstream session-gone signal) contradicts cached state.
func (m *Manager) Invalidate(id string) {
	if m.cache != nil {
		m.cache.Remove(id)
	}
}

func (m *Manager) put(rec *store.Record) {
	if m.cache == nil {
		return
	}
	m.cache.Add(rec.ID, cacheEntry{rec: rec.Clone(), expiresAt: m.adapter.Now().Add(m.opts.CacheTTL)})
}

func applyPatch(rec *store.Record, patch map[string]string) {
	if len(patch) == 0 {
		return
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		rec.Metadata[k] = v
	}
}
