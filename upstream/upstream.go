// Package upstream describes the external collaborator this module sits in
// front of: the MCP SDK's own session/transport manager. It is explicitly
// out of scope for this module ("external collaborators whose interfaces
// are only described where the core consumes them") — everything here is
// the minimal interface the admission controller and transport wrapper
// need, plus an in-memory reference implementation used by tests and by
// examples wiring this module end to end. A real deployment supplies its
// own SessionManager backed by the actual MCP SDK.
package upstream

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownSession is returned by HandleRequest when asked to route to a
// session id the manager has no in-memory transport for.
var ErrUnknownSession = errors.New("upstream: unknown session")

// SessionManager is the opaque collaborator the admission controller and
// transport wrapper depend on: it owns the authoritative in-process
// transport map for sessions known to this instance.
type SessionManager interface {
	// HasTransport reports whether this instance already has a live
	// in-memory transport for id, without creating one.
	HasTransport(id string) bool

	// CreateTransportForSession MUST be idempotent: if a live transport for
	// id already exists (e.g. a concurrent rehydration won the race), it
	// returns the existing one rather than creating a second.
	CreateTransportForSession(ctx context.Context, id string, metadata map[string]string) (Transport, error)

	// HandleRequest routes scope/receive/send into the transport for the
	// session the scope identifies, per the MCP SDK's own dispatch.
	HandleRequest(ctx context.Context, scope Scope, receive Receive, send Send) error
}

// Transport is the minimal shape of a live in-process MCP transport the
// admission controller needs: a channel to inject synthesized inbound
// frames during warming.
type Transport interface {
	// InjectInbound delivers a frame to the transport's inbound channel as
	// though it had arrived over the wire. Used once per (instance,
	// session) to synthesize notifications/initialized during warming.
	InjectInbound(ctx context.Context, payload []byte) error
}

// Scope carries whatever the real MCP SDK scope carries; the core only
// ever reads SessionID out of it.
type Scope struct {
	SessionID string
	Method    string
}

// Receive and Send mirror the MCP SDK's ASGI-style request lifecycle hooks.
type Receive func(ctx context.Context) ([]byte, error)
type Send func(ctx context.Context, payload []byte) error

// memoryTransport is the reference Transport: inbound injections are just
// appended to a slice for the reference manager's tests to assert against.
type memoryTransport struct {
	mu       sync.Mutex
	injected [][]byte
}

func (t *memoryTransport) InjectInbound(_ context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.injected = append(t.injected, append([]byte(nil), payload...))
	return nil
}

// Injected returns the payloads synthesized into this transport so far,
// for test assertions.
func (t *memoryTransport) Injected() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.injected...)
}

// MemoryManager is the reference in-memory SessionManager: a single
// concurrency-safe map from session id to live transport, mutated only
// through CreateTransportForSession.
type MemoryManager struct {
	mu         sync.Mutex
	transports map[string]*memoryTransport
}

// NewMemoryManager creates an empty reference SessionManager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{transports: map[string]*memoryTransport{}}
}

// Injected returns the payloads synthesized into id's transport so far, or
// nil if id has no transport. Exposed for test assertions in packages that
// depend on this reference manager (e.g. admission).
func (m *MemoryManager) Injected(id string) [][]byte {
	m.mu.Lock()
	t, ok := m.transports[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return t.Injected()
}

func (m *MemoryManager) HasTransport(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.transports[id]
	return ok
}

func (m *MemoryManager) CreateTransportForSession(_ context.Context, id string, _ map[string]string) (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.transports[id]; ok {
		return t, nil
	}
	t := &memoryTransport{}
	m.transports[id] = t
	return t, nil
}

func (m *MemoryManager) HandleRequest(ctx context.Context, scope Scope, receive Receive, send Send) error {
	m.mu.Lock()
	_, ok := m.transports[scope.SessionID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	payload, err := receive(ctx)
	if err != nil {
		return err
	}
	return send(ctx, payload)
}

var _ SessionManager = (*MemoryManager)(nil)
