// Package event implements the event store: a thin recorder/replayer over
// the storage adapter's append-only per-session streams. It assigns no ids
// of its own (the id is whatever the adapter's AppendEvent returns) and
// never re-numbers or re-orders what it reads back.
package event

import (
	"context"

	"github.com/bh-rat/mcp-coordinator/store"
)

// Direction and Kind re-export the store's wire vocabulary so callers of
// this package never need to import store directly for event shaping.
type Direction = store.Direction
type Kind = store.Kind

const (
	ClientToServer Direction = store.ClientToServer
	ServerToClient Direction = store.ServerToClient
)

const (
	KindRequest      Kind = store.KindRequest
	KindResponse     Kind = store.KindResponse
	KindNotification Kind = store.KindNotification
	KindError        Kind = store.KindError
)

// Store records and replays per-(session, stream) event sequences.
type Store struct {
	adapter store.Adapter
}

// New wraps a storage adapter (already decorated with resilience.Wrap by the
// caller) as an event Store.
func New(adapter store.Adapter) *Store {
	return &Store{adapter: adapter}
}

// Record appends one observed protocol message and returns the id assigned
// to it by the backend. jsonrpcID may be nil for notifications.
func (s *Store) Record(ctx context.Context, sessionID, streamKey string, dir Direction, kind Kind, method string, jsonrpcID interface{}, payload []byte) (uint64, error) {
	ev := &store.Event{
		Direction:     dir,
		Kind:          kind,
		JSONRPCMethod: method,
		JSONRPCId:     jsonrpcID,
		Payload:       payload,
		ObservedAt:    s.adapter.Now(),
	}
	return s.adapter.AppendEvent(ctx, sessionID, streamKey, ev)
}

// Replay returns the finite, non-restartable ordered sequence of events on
// (sessionID, streamKey) with id strictly greater than afterID. A zero
// afterID replays the whole retained stream. The returned slice is ordered
// strictly by event id; no ordering holds across stream keys.
func (s *Store) Replay(ctx context.Context, sessionID, streamKey string, afterID uint64) ([]*store.Event, error) {
	return s.adapter.ReadEvents(ctx, sessionID, streamKey, afterID, 0)
}

// LatestID returns the highest event id observed on (sessionID, streamKey),
// or ok=false if the stream has no retained events.
func (s *Store) LatestID(ctx context.Context, sessionID, streamKey string) (id uint64, ok bool, err error) {
	evs, err := s.adapter.ReadEvents(ctx, sessionID, streamKey, 0, 0)
	if err != nil {
		return 0, false, err
	}
	if len(evs) == 0 {
		return 0, false, nil
	}
	return evs[len(evs)-1].ID, true, nil
}

// Trim enforces the stream's retention bound (the configured stream
// maxlen), dropping the oldest events once the bound is exceeded.
func (s *Store) Trim(ctx context.Context, sessionID, streamKey string, maxLen int) error {
	return s.adapter.TrimStream(ctx, sessionID, streamKey, maxLen)
}
