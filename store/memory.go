package store

import (
	"context"
	"sync"
	"time"

	"github.com/bh-rat/mcp-coordinator/internal/collection"
)

// Memory is the in-process storage adapter variant, backed by
// concurrency-safe maps and slices. It is the development and test
// backend; nothing persists past the process.
type Memory struct {
	sessions *collection.SyncMap[string, *sessionEntry]
	streams  *collection.SyncMap[string, *stream]
	locks    *collection.SyncMap[string, *heldLock]
}

type sessionEntry struct {
	mu  sync.Mutex
	rec *Record
}

type stream struct {
	mu      sync.Mutex
	events  []*Event
	nextID  uint64
	maxLen  int
}

type heldLock struct {
	mu       sync.Mutex
	holderID string
	expires  time.Time
}

// NewMemory creates an empty in-process adapter.
func NewMemory() *Memory {
	return &Memory{
		sessions: collection.NewSyncMap[string, *sessionEntry](),
		streams:  collection.NewSyncMap[string, *stream](),
		locks:    collection.NewSyncMap[string, *heldLock](),
	}
}

func (m *Memory) Now() time.Time { return time.Now() }

func (m *Memory) GetSession(_ context.Context, id string) (*Record, error) {
	entry, ok := m.sessions.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.rec.Clone(), nil
}

func (m *Memory) PutSessionIfAbsent(_ context.Context, rec *Record) error {
	entry := &sessionEntry{rec: rec.Clone()}
	if _, loaded := m.sessions.LoadOrStore(rec.ID, entry); loaded {
		return ErrExists
	}
	return nil
}

func (m *Memory) UpdateSessionCAS(_ context.Context, id string, expectedVersion int64, next *Record) error {
	entry, ok := m.sessions.Get(id)
	if !ok {
		return ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.rec.Version != expectedVersion {
		return ErrConflict
	}
	entry.rec = next.Clone()
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	if _, ok := m.sessions.Get(id); !ok {
		return ErrNotFound
	}
	m.sessions.Delete(id)
	return nil
}

func streamKeyOf(sessionID, streamKey string) string { return sessionID + "\x00" + streamKey }

func (m *Memory) AppendEvent(_ context.Context, sessionID, streamKey string, ev *Event) (uint64, error) {
	key := streamKeyOf(sessionID, streamKey)
	s, _ := m.streams.LoadOrStore(key, &stream{})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ev.ID = s.nextID
	ev.StreamKey = streamKey
	s.events = append(s.events, ev)
	if s.maxLen > 0 && len(s.events) > s.maxLen {
		excess := len(s.events) - s.maxLen
		s.events = s.events[excess:]
	}
	return ev.ID, nil
}

func (m *Memory) ReadEvents(_ context.Context, sessionID, streamKey string, afterID uint64, limit int) ([]*Event, error) {
	key := streamKeyOf(sessionID, streamKey)
	s, ok := m.streams.Get(key)
	if !ok {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, 0, len(s.events))
	for _, ev := range s.events {
		if ev.ID > afterID {
			out = append(out, ev)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) TrimStream(_ context.Context, sessionID, streamKey string, maxLen int) error {
	key := streamKeyOf(sessionID, streamKey)
	s, ok := m.streams.Get(key)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxLen = maxLen
	if maxLen > 0 && len(s.events) > maxLen {
		excess := len(s.events) - maxLen
		s.events = s.events[excess:]
	}
	return nil
}

func (m *Memory) AcquireLock(_ context.Context, name, holderID string, ttl time.Duration) error {
	lock, _ := m.locks.LoadOrStore(name, &heldLock{})
	lock.mu.Lock()
	defer lock.mu.Unlock()
	now := time.Now()
	if lock.holderID != "" && now.Before(lock.expires) {
		return ErrHeld
	}
	lock.holderID = holderID
	lock.expires = now.Add(ttl)
	return nil
}

func (m *Memory) ReleaseLock(_ context.Context, name, holderID string) error {
	lock, ok := m.locks.Get(name)
	if !ok {
		return nil
	}
	lock.mu.Lock()
	defer lock.mu.Unlock()
	if lock.holderID == holderID {
		lock.holderID = ""
	}
	return nil
}

var _ Adapter = (*Memory)(nil)
