// Package store implements the storage adapter: a key-value plus
// append-only-stream primitive with optimistic CAS and advisory locks,
// behind a backend-agnostic interface. Callers never see backend-specific
// error codes, only the sentinel errors defined here.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors forming the closed outcome set the adapter may return.
// A nil error means OK.
var (
	ErrNotFound    = errors.New("store: not found")
	ErrExists      = errors.New("store: already exists")
	ErrConflict    = errors.New("store: version conflict")
	ErrHeld        = errors.New("store: lock held")
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Status is one of the persisted session lifecycle states.
type Status string

const (
	StatusInitialized Status = "INITIALIZED"
	StatusActive      Status = "ACTIVE"
	StatusClosed      Status = "CLOSED"
)

// Record is the authoritative per-session object.
type Record struct {
	ID        string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]string
	Version   int64
	OwnerHint string
}

// Clone returns a deep copy of the record, so callers may mutate a returned
// record without corrupting cache or backend state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	dup := *r
	if r.Metadata != nil {
		dup.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// Event is a single append-only per-session event.
type Event struct {
	ID            uint64
	StreamKey     string
	Direction     Direction
	Kind          Kind
	JSONRPCMethod string
	JSONRPCId     interface{}
	Payload       []byte
	ObservedAt    time.Time
}

// Direction of an observed JSON-RPC frame.
type Direction string

const (
	ClientToServer Direction = "CLIENT_TO_SERVER"
	ServerToClient Direction = "SERVER_TO_CLIENT"
)

// Kind of an observed JSON-RPC frame.
type Kind string

const (
	KindRequest      Kind = "REQUEST"
	KindResponse     Kind = "RESPONSE"
	KindNotification Kind = "NOTIFICATION"
	KindError        Kind = "ERROR"
)

// Adapter is the storage adapter's capability set. Every
// implementation MUST be safe for concurrent use and MUST NOT leak
// backend-specific errors: only the sentinels in this package, wrapped
// errors thereof, or ErrUnavailable may be returned.
type Adapter interface {
	GetSession(ctx context.Context, id string) (*Record, error)
	PutSessionIfAbsent(ctx context.Context, rec *Record) error
	UpdateSessionCAS(ctx context.Context, id string, expectedVersion int64, next *Record) error
	DeleteSession(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, sessionID, streamKey string, ev *Event) (uint64, error)
	ReadEvents(ctx context.Context, sessionID, streamKey string, afterID uint64, limit int) ([]*Event, error)
	TrimStream(ctx context.Context, sessionID, streamKey string, maxLen int) error

	AcquireLock(ctx context.Context, name, holderID string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, name, holderID string) error

	Now() time.Time
}
