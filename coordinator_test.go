package mcpcoordinator

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bh-rat/mcp-coordinator/config"
	"github.com/bh-rat/mcp-coordinator/store"
	"github.com/bh-rat/mcp-coordinator/upstream"
)

// upstreamStub answers initialize with a session id header and a JSON
// result, and everything else with a generic ok result.
type upstreamStub struct{}

func (u *upstreamStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := make([]byte, r.ContentLength)
	_, _ = r.Body.Read(body)
	w.Header().Set("Content-Type", "application/json")
	if bytes.Contains(body, []byte(`"initialize"`)) {
		w.Header().Set("Mcp-Session-Id", "s-abc")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-03-26"}}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":2,"result":{"tools":[]}}`))
}

func newInstance(t *testing.T, shared store.Adapter) (*Coordinator, *upstream.MemoryManager) {
	t.Helper()
	up := upstream.NewMemoryManager()
	c, err := New(config.Default(), &upstreamStub{}, up, WithStoreAdapter(shared))
	assert.NoError(t, err)
	return c, up
}

func post(c *Coordinator, body, sessionID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	return rec
}

func TestCoordinator_CrossNodeContinuation(t *testing.T) {
	shared := store.NewMemory()
	c1, _ := newInstance(t, shared)
	c2, up2 := newInstance(t, shared)

	// Initialize and activate on instance 1.
	rec := post(c1, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = post(c1, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, "s-abc")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Continue the session on instance 2, which has never seen it.
	rec = post(c2, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, "s-abc")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tools"`)

	assert.True(t, up2.HasTransport("s-abc"))
	assert.Len(t, up2.Injected("s-abc"), 1, "exactly one warming notification")
}

func TestCoordinator_UnknownSession_NoUpstreamCall(t *testing.T) {
	shared := store.NewMemory()
	c, up := newInstance(t, shared)

	rec := post(c, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, "s-never")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "-32000")
	assert.Contains(t, rec.Body.String(), "Session not found")
	assert.False(t, up.HasTransport("s-never"))
}

func TestCoordinator_DeleteTerminatesEverywhere(t *testing.T) {
	shared := store.NewMemory()
	c1, _ := newInstance(t, shared)
	c2, _ := newInstance(t, shared)

	rec := post(c1, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Mcp-Session-Id", "s-abc")
	del := httptest.NewRecorder()
	c2.ServeHTTP(del, req)

	// Subsequent POSTs on either instance see the session as gone.
	rec = post(c1, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`, "s-abc")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = post(c2, `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`, "s-abc")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCoordinator_CloseWithoutSharedBackend(t *testing.T) {
	c, _ := newInstance(t, store.NewMemory())
	assert.NoError(t, c.Close())
}
