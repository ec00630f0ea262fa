// Package interceptor observes JSON-RPC frames at the transport boundary
// and drives the session manager's lifecycle and the event store's log. It
// does not reorder, transform, or buffer beyond what is needed to parse
// the outermost JSON-RPC object, and it serializes observations per
// session id with a small striped lock.
package interceptor

import (
	"context"
	"encoding/json"

	"github.com/bh-rat/mcp-coordinator/event"
	"github.com/bh-rat/mcp-coordinator/internal/striped"
	"github.com/bh-rat/mcp-coordinator/jsonrpc"
	"github.com/bh-rat/mcp-coordinator/session"
	"github.com/bh-rat/mcp-coordinator/store"
)

const (
	methodInitialize         = "initialize"
	methodNotificationsInitd = "notifications/initialized"
	streamKeyRequest         = "request"
	streamKeyStandalone      = "standalone"
)

// Frame is the minimal shape the interceptor needs out of a JSON-RPC
// message to decide what happened, already extracted by the gateway so
// this package never touches raw HTTP bodies.
type Frame struct {
	Method    string          // request/notification method; empty for plain responses
	ID        interface{}     // JSON-RPC id, nil for notifications
	IsRequest bool            // true for requests and notifications, false for responses
	IsError   bool            // true if this is a JSON-RPC error response
	Params    json.RawMessage // raw params, used only to read a session_id hint
	Payload   []byte          // the full raw frame, recorded verbatim into the event log
}

// terminalSignal reports whether an observed response payload carries a
// terminal "session gone" indication from the upstream, surfaced as a
// JSON-RPC error with code -32001.
func terminalSignal(f *Frame) bool {
	if !f.IsError {
		return false
	}
	var env struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(f.Payload, &env); err != nil {
		return false
	}
	return env.Error != nil && env.Error.Code == -32001
}

// Interceptor maps observed JSON-RPC traffic to session state. Tracking
// which connection has a pending, not-yet-identified initialize request is
// the caller's job; the interceptor only needs a resolvable session id to
// act and no-ops otherwise.
type Interceptor struct {
	sessions *session.Manager
	events   *event.Store
	logger   jsonrpc.Logger
	locks    *striped.Locks
}

// New creates an Interceptor over the given session manager and event
// store, with per-session observations serialized by a lock striped over
// n buckets.
func New(sessions *session.Manager, events *event.Store, logger jsonrpc.Logger, stripes int) *Interceptor {
	if logger == nil {
		logger = jsonrpc.DefaultLogger
	}
	return &Interceptor{
		sessions: sessions,
		events:   events,
		logger:   logger,
		locks:    striped.New(stripes),
	}
}

// SessionIDFromParams reads a "session_id" field out of a JSON-RPC params
// object, the last-resort lookup after both session id headers. The
// gateway does its own equivalent extraction on the raw request body
// (sessionIDFromBody) and does not call this function.
func SessionIDFromParams(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var v struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return ""
	}
	return v.SessionID
}

// ObserveRequest handles a client-to-server frame on the given (already
// identified, possibly empty) session id. direction is always
// store.ClientToServer here.
func (i *Interceptor) ObserveRequest(ctx context.Context, sessionID string, streamKey string, f *Frame) error {
	if sessionID == "" {
		sessionID = SessionIDFromParams(f.Params)
	}
	if f.Method == methodInitialize && sessionID == "" {
		// Pending init: no session exists until the response assigns an
		// id, so nothing durable is written yet. The caller correlates
		// this request with its eventual response.
		return nil
	}
	if sessionID == "" {
		i.logger.Warnf("interceptor: dropping frame with no resolvable session id, method=%s", f.Method)
		return nil
	}

	var result error
	i.locks.With(sessionID, func() {
		if f.Method == methodNotificationsInitd {
			if _, err := i.sessions.Transition(ctx, sessionID, store.StatusInitialized, store.StatusActive, nil); err != nil {
				if err != session.ErrIllegalTransition {
					result = err
					return
				}
				// Already ACTIVE (or a race landed it there first): no-op.
			}
		}
		if _, err := i.events.Record(ctx, sessionID, streamKey, event.ClientToServer, frameKind(f), f.Method, recordID(f.ID), f.Payload); err != nil {
			result = err
		}
	})
	return result
}

// ObserveResponse handles a server-to-client frame. requestMethod is the
// method of the request this response correlates to, when known (needed to
// detect an initialize response); metadataFromParams seeds the new session
// record's metadata. The gateway fills it with the protocolVersion found in
// the initialize response's result; the initialize request params and the
// client capabilities are not recorded.
func (i *Interceptor) ObserveResponse(ctx context.Context, sessionID, streamKey, requestMethod string, metadataFromParams map[string]string, f *Frame) error {
	var result error
	if sessionID == "" {
		return nil
	}
	i.locks.With(sessionID, func() {
		if requestMethod == methodInitialize {
			if _, err := i.sessions.Create(ctx, sessionID, metadataFromParams); err != nil && err != store.ErrExists {
				result = err
				return
			}
		}
		if _, err := i.events.Record(ctx, sessionID, streamKey, event.ServerToClient, frameKind(f), requestMethod, recordID(f.ID), f.Payload); err != nil {
			result = err
			return
		}
		if terminalSignal(f) {
			if _, err := i.sessions.Close(ctx, sessionID); err != nil && err != session.ErrIllegalTransition {
				result = err
			}
		}
	})
	return result
}

// ObserveNotification handles a standalone server-to-client notification
// (e.g. on the GET SSE stream), recorded on the "standalone" stream key.
func (i *Interceptor) ObserveNotification(ctx context.Context, sessionID string, f *Frame) error {
	if sessionID == "" {
		return nil
	}
	var result error
	i.locks.With(sessionID, func() {
		_, err := i.events.Record(ctx, sessionID, streamKeyStandalone, event.ServerToClient, event.KindNotification, f.Method, nil, f.Payload)
		result = err
	})
	return result
}

// ObserveDelete handles an explicit DELETE on the MCP endpoint: closes the
// session and records a synthetic CLOSE event on the request stream.
func (i *Interceptor) ObserveDelete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	var result error
	i.locks.With(sessionID, func() {
		if _, err := i.events.Record(ctx, sessionID, streamKeyRequest, event.ClientToServer, event.KindNotification, "DELETE", nil, nil); err != nil {
			result = err
			return
		}
		if _, err := i.sessions.Close(ctx, sessionID); err != nil && err != session.ErrIllegalTransition {
			result = err
		}
	})
	return result
}

// recordID normalizes a JSON-decoded request id for the event log: numeric
// ids arrive as float64 from encoding/json and are stored as ints; string
// ids pass through as-is.
func recordID(id interface{}) interface{} {
	if n, ok := jsonrpc.AsRequestIntId(id); ok {
		return n
	}
	return id
}

func frameKind(f *Frame) event.Kind {
	switch {
	case f.IsError:
		return event.KindError
	case f.IsRequest && f.ID != nil:
		return event.KindRequest
	case f.IsRequest:
		return event.KindNotification
	default:
		return event.KindResponse
	}
}
