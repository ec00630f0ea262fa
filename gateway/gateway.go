// Package gateway is the outermost transport wrapper: an HTTP middleware
// around the upstream MCP handler that extracts session ids, runs
// admission before forwarding, and taps the response so the protocol
// interceptor observes every JSON-RPC frame and SSE event.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bh-rat/mcp-coordinator/admission"
	"github.com/bh-rat/mcp-coordinator/interceptor"
	"github.com/bh-rat/mcp-coordinator/jsonrpc"
)

const (
	headerSessionID  = "Mcp-Session-Id"
	headerSessionIDX = "X-Mcp-Session-Id"
	sseMime          = "text/event-stream"
	jsonMime         = "application/json"
	defaultMaxBody   = 1 << 20
	streamKeyRequest = "request"
	methodInitialize = "initialize"

	codeSessionNotFound = -32000
	// codeUnavailable marks a retriable backend outage; distinct from
	// -32001, which upstreams use as the terminal session-gone signal.
	codeUnavailable = -32002
)

// Options configures the Handler's HTTP surface.
type Options struct {
	Path                 string
	MaxBodyBytes         int64
	UnknownSessionStatus int
	Logger               jsonrpc.Logger
	AllowedOrigins       []string
}

// Option mutates Options.
type Option func(*Options)

// WithPath overrides the mount path the gateway matches against.
func WithPath(p string) Option { return func(o *Options) { o.Path = p } }

// WithMaxBodyBytes overrides the POST body buffering cap (default 1 MiB).
func WithMaxBodyBytes(n int64) Option { return func(o *Options) { o.MaxBodyBytes = n } }

// WithUnknownSessionStatus selects 404 (default) or 400 (legacy mode) for
// unknown/closed sessions.
func WithUnknownSessionStatus(status int) Option {
	return func(o *Options) { o.UnknownSessionStatus = status }
}

// WithLogger overrides the default stderr logger.
func WithLogger(l jsonrpc.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithAllowedOrigins restricts cross-origin browser access to Origins whose
// registrable domain matches one of domains; an empty list (the default)
// reflects any Origin unchecked.
func WithAllowedOrigins(domains ...string) Option {
	return func(o *Options) { o.AllowedOrigins = domains }
}

func defaultOptions() Options {
	return Options{Path: "/mcp", MaxBodyBytes: defaultMaxBody, UnknownSessionStatus: http.StatusNotFound, Logger: jsonrpc.DefaultLogger}
}

// Handler is the coordinator's HTTP middleware. It wraps an inner
// http.Handler representing the upstream MCP handler.
type Handler struct {
	inner    http.Handler
	admitter *admission.Controller
	interc   *interceptor.Interceptor
	opts     Options
}

// New wraps inner (the upstream MCP handler) with admission and
// interception.
func New(inner http.Handler, admitter *admission.Controller, interc *interceptor.Interceptor, options ...Option) *Handler {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}
	return &Handler{inner: inner, admitter: admitter, interc: interc, opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.opts.Path != "" && !strings.HasSuffix(r.URL.Path, h.opts.Path) {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Origin") != "" {
		if corsOrigin(r, h.opts.AllowedOrigins) == "" {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		writeCORSHeaders(w, r, h.opts.AllowedOrigins)
	}
	switch r.Method {
	case http.MethodPost:
		h.handlePOST(w, r)
	case http.MethodGet:
		h.handleGET(w, r)
	case http.MethodDelete:
		h.handleDELETE(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// sessionID resolves the session id in discovery order: (1) Mcp-Session-Id
// header, (2) X-Mcp-Session-Id header, (3) JSON-RPC params session_id
// field. Header wins on a mismatch between header and params; the mismatch
// is logged.
func (h *Handler) sessionID(r *http.Request, body []byte) string {
	if v := r.Header.Get(headerSessionID); v != "" {
		if fromParams := sessionIDFromBody(body); fromParams != "" && fromParams != v {
			h.opts.Logger.Warnf("gateway: session id mismatch header=%s params=%s, using header", v, fromParams)
		}
		return v
	}
	if v := r.Header.Get(headerSessionIDX); v != "" {
		return v
	}
	return sessionIDFromBody(body)
}

func sessionIDFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var v struct {
		Params struct {
			SessionID string `json:"session_id"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	return v.Params.SessionID
}

func (h *Handler) handlePOST(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Content-Type"), jsonMime) {
		http.Error(w, "Content-Type must be application/json", http.StatusBadRequest)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	_ = r.Body.Close()

	if !json.Valid(body) {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.NewParsingError(nil, errors.New("request body is not valid JSON"), nil))
		return
	}

	id := h.sessionID(r, body)
	frames := parseFrames(body)
	frame := frames[0]
	isFreshInit := id == "" && frame.Method == methodInitialize

	if id != "" || !isFreshInit {
		outcome, admitErr := h.admitter.Admit(r.Context(), id, isFreshInit)
		switch outcome {
		case admission.SessionNotFound, admission.SessionClosed:
			writeSessionNotFound(w, h.opts.UnknownSessionStatus)
			return
		case admission.Unavailable:
			writeUnavailable(w, admitErr)
			return
		case admission.UpstreamFailed:
			writeInternal(w, admitErr)
			return
		}
	}

	for _, f := range frames {
		if f.Method == "" {
			continue
		}
		if err := h.interc.ObserveRequest(r.Context(), id, streamKeyRequest, f); err != nil {
			h.opts.Logger.Errorf("gateway: observe request: %v", err)
		}
	}

	ctx := r.Context()
	if id != "" {
		ctx = context.WithValue(ctx, jsonrpc.SessionKey, id)
	}
	r2 := r.Clone(ctx)
	r2.Body = io.NopCloser(bytes.NewReader(body))
	r2.ContentLength = int64(len(body))

	tap := newResponseTap(w, nil)
	tap.onEvent = func(data []byte) {
		effID := id
		if effID == "" {
			// An initialize answered over SSE assigns the id via the
			// response headers.
			effID = tap.Header().Get(headerSessionID)
		}
		h.observeSSEEvent(r.Context(), effID, frame.Method, data)
	}
	h.inner.ServeHTTP(tap, r2)
	if !tap.IsSSE() {
		h.observeJSONResponse(r.Context(), id, frame.Method, tap)
	}
}

func (h *Handler) observeSSEEvent(ctx context.Context, sessionID, requestMethod string, data []byte) {
	f := &interceptor.Frame{Payload: data}
	var metadata map[string]string
	if msg, err := jsonrpc.ParseMessage(data); err == nil {
		f = frameFromMessage(msg, data)
		if requestMethod == methodInitialize && msg.Type == jsonrpc.MessageTypeResponse {
			metadata = metadataFromInitializeResult(msg.JsonRpcResponse.Result)
		}
	}
	if err := h.interc.ObserveResponse(ctx, sessionID, streamKeyRequest, requestMethod, metadata, f); err != nil {
		h.opts.Logger.Errorf("gateway: observe sse event: %v", err)
	}
}

func (h *Handler) observeJSONResponse(ctx context.Context, sessionID, requestMethod string, rec *responseTap) {
	if rec.body.Len() == 0 {
		return
	}
	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, jsonMime) {
		return
	}
	payload := append([]byte(nil), rec.body.Bytes()...)
	msg, err := jsonrpc.ParseMessage(payload)
	if err != nil {
		h.opts.Logger.Warnf("gateway: unparseable upstream response: %v", err)
		return
	}
	f := frameFromMessage(msg, payload)

	effectiveID := sessionID
	var metadata map[string]string
	if requestMethod == methodInitialize && msg.Type == jsonrpc.MessageTypeResponse {
		if fromHeader := rec.Header().Get(headerSessionID); fromHeader != "" {
			effectiveID = fromHeader
			metadata = metadataFromInitializeResult(msg.JsonRpcResponse.Result)
		}
	}
	if err := h.interc.ObserveResponse(ctx, effectiveID, streamKeyRequest, requestMethod, metadata, f); err != nil {
		h.opts.Logger.Errorf("gateway: observe response: %v", err)
	}
}

func metadataFromInitializeResult(result json.RawMessage) map[string]string {
	if len(result) == 0 {
		return nil
	}
	var v struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(result, &v); err != nil || v.ProtocolVersion == "" {
		return nil
	}
	return map[string]string{"protocolVersion": v.ProtocolVersion}
}

func (h *Handler) handleGET(w http.ResponseWriter, r *http.Request) {
	if !acceptsSSE(r.Header) {
		http.Error(w, "SSE not supported on this endpoint", http.StatusMethodNotAllowed)
		return
	}
	id := r.Header.Get(headerSessionID)
	if id == "" {
		id = r.Header.Get(headerSessionIDX)
	}
	if id != "" {
		outcome, admitErr := h.admitter.Admit(r.Context(), id, false)
		switch outcome {
		case admission.SessionNotFound, admission.SessionClosed:
			writeSessionNotFound(w, h.opts.UnknownSessionStatus)
			return
		case admission.Unavailable:
			writeUnavailable(w, admitErr)
			return
		case admission.UpstreamFailed:
			writeInternal(w, admitErr)
			return
		}
	}
	// Last-Event-ID must reach the upstream unchanged; the gateway never
	// replays it itself.
	tw := newResponseTap(w, func(data []byte) {
		h.observeStandaloneEvent(r.Context(), id, data)
	})
	h.inner.ServeHTTP(tw, r)
}

// observeStandaloneEvent records an event from the GET-opened SSE stream
// on the standalone stream key.
func (h *Handler) observeStandaloneEvent(ctx context.Context, sessionID string, data []byte) {
	var env struct {
		Method string `json:"method"`
	}
	_ = json.Unmarshal(data, &env)
	if err := h.interc.ObserveNotification(ctx, sessionID, &interceptor.Frame{Method: env.Method, Payload: data}); err != nil {
		h.opts.Logger.Errorf("gateway: observe standalone event: %v", err)
	}
}

func (h *Handler) handleDELETE(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(headerSessionID)
	if id == "" {
		http.Error(w, fmt.Sprintf("missing %s", headerSessionID), http.StatusBadRequest)
		return
	}
	h.inner.ServeHTTP(w, r)
	if err := h.interc.ObserveDelete(r.Context(), id); err != nil {
		h.opts.Logger.Errorf("gateway: observe delete: %v", err)
	}
}

func acceptsSSE(hdr http.Header) bool {
	for _, v := range hdr.Values("Accept") {
		if strings.Contains(v, sseMime) {
			return true
		}
	}
	return false
}

func writeJSONRPCError(w http.ResponseWriter, status int, errMsg *jsonrpc.Error) {
	w.Header().Set("Content-Type", jsonMime)
	w.WriteHeader(status)
	data, err := json.Marshal(errMsg)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}

func writeSessionNotFound(w http.ResponseWriter, status int) {
	writeJSONRPCError(w, status, jsonrpc.NewError(nil, jsonrpc.NewInnerError(codeSessionNotFound, "Session not found", nil)))
}

func writeInternal(w http.ResponseWriter, err error) {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	writeJSONRPCError(w, http.StatusInternalServerError, jsonrpc.NewError(nil, jsonrpc.NewInnerError(jsonrpc.InternalError, msg, nil)))
}

func writeUnavailable(w http.ResponseWriter, err error) {
	msg := "backend unavailable"
	if err != nil {
		msg = err.Error()
	}
	writeJSONRPCError(w, http.StatusServiceUnavailable, jsonrpc.NewError(nil, jsonrpc.NewInnerError(codeUnavailable, msg, nil)))
}

// parseFrames splits a request body into one frame per JSON-RPC message,
// accepting both a single object and a batch array. An unparseable body
// yields a single payload-only frame so the raw bytes still reach the
// event log.
func parseFrames(body []byte) []*interceptor.Frame {
	if jsonrpc.IsBatch(body) {
		batch, err := jsonrpc.ParseBatch(body)
		if err != nil {
			return []*interceptor.Frame{{Payload: body}}
		}
		frames := make([]*interceptor.Frame, 0, len(batch))
		for _, req := range batch {
			raw, err := json.Marshal(req)
			if err != nil {
				raw = body
			}
			frames = append(frames, frameFromMessage(jsonrpc.NewRequestMessage(req), raw))
		}
		return frames
	}
	return []*interceptor.Frame{parseFrame(body)}
}

func parseFrame(body []byte) *interceptor.Frame {
	msg, err := jsonrpc.ParseMessage(body)
	if err != nil {
		return &interceptor.Frame{Payload: body}
	}
	return frameFromMessage(msg, body)
}

func frameFromMessage(msg *jsonrpc.Message, payload []byte) *interceptor.Frame {
	f := &interceptor.Frame{Payload: payload}
	switch msg.Type {
	case jsonrpc.MessageTypeRequest:
		f.Method = msg.JsonRpcRequest.Method
		f.ID = msg.JsonRpcRequest.Id
		f.Params = msg.JsonRpcRequest.Params
		f.IsRequest = true
	case jsonrpc.MessageTypeNotification:
		f.Method = msg.JsonRpcNotification.Method
		f.Params = msg.JsonRpcNotification.Params
		f.IsRequest = true
	case jsonrpc.MessageTypeResponse:
		f.ID = msg.JsonRpcResponse.Id
		f.IsError = msg.JsonRpcResponse.Error != nil
	case jsonrpc.MessageTypeError:
		f.ID = msg.JsonRpcError.Id
		f.IsError = true
	}
	return f
}
