package gateway

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"
)

// responseTap wraps an http.ResponseWriter, forwarding every write
// downstream unchanged. The tap decides what to observe from the response's
// own Content-Type, not the request's Accept header: a text/event-stream
// response has each well-formed SSE event split out to onEvent as it
// completes (flushing immediately, never buffering or altering delivery
// timing), while any other response is copied into an internal buffer so
// the caller can hand the complete body to the interceptor once the
// upstream handler returns.
type responseTap struct {
	w       http.ResponseWriter
	flusher http.Flusher
	onEvent func(data []byte)

	decided bool
	sse     bool

	statusCode int
	body       bytes.Buffer // complete non-SSE response body
	partial    bytes.Buffer // accumulates a partial SSE event until its closing blank line
}

func newResponseTap(w http.ResponseWriter, onEvent func(data []byte)) *responseTap {
	f, _ := w.(http.Flusher)
	return &responseTap{w: w, flusher: f, onEvent: onEvent, statusCode: http.StatusOK}
}

func (t *responseTap) Header() http.Header { return t.w.Header() }

func (t *responseTap) WriteHeader(status int) {
	t.statusCode = status
	t.decide()
	t.w.WriteHeader(status)
}

func (t *responseTap) decide() {
	if t.decided {
		return
	}
	t.decided = true
	t.sse = strings.Contains(t.w.Header().Get("Content-Type"), sseMime)
}

// IsSSE reports whether the upstream declared a text/event-stream response.
// Only meaningful once the upstream handler has returned.
func (t *responseTap) IsSSE() bool { return t.sse }

// Write forwards p to the underlying writer untouched, then either scans p
// for complete SSE events (data: lines terminated by a blank line) or
// appends it to the buffered body, depending on the declared Content-Type.
func (t *responseTap) Write(p []byte) (int, error) {
	t.decide()
	n, err := t.w.Write(p)
	if t.sse {
		if err == nil && t.flusher != nil {
			t.flusher.Flush()
		}
		if t.onEvent != nil {
			t.scan(p[:n])
		}
		return n, err
	}
	t.body.Write(p[:n])
	return n, err
}

func (t *responseTap) scan(p []byte) {
	t.partial.Write(p)
	for {
		raw := t.partial.Bytes()
		idx := bytes.Index(raw, []byte("\n\n"))
		if idx < 0 {
			break
		}
		event := raw[:idx]
		rest := append([]byte(nil), raw[idx+2:]...)
		t.partial.Reset()
		t.partial.Write(rest)
		t.onEvent(extractSSEData(event))
	}
}

// extractSSEData concatenates every "data:" line's payload within one SSE
// event block, per the text/event-stream framing rules.
func extractSSEData(block []byte) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(block))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) >= 5 && line[:5] == "data:" {
			v := line[5:]
			if len(v) > 0 && v[0] == ' ' {
				v = v[1:]
			}
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			out.WriteString(v)
		}
	}
	return out.Bytes()
}
