package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bh-rat/mcp-coordinator/store"
)

func TestManager_Create_RejectsDuplicate(t *testing.T) {
	m, err := New(store.NewMemory())
	assert.NoError(t, err)
	ctx := context.Background()

	_, err = m.Create(ctx, "sess-1", nil)
	assert.NoError(t, err)

	_, err = m.Create(ctx, "sess-1", nil)
	assert.ErrorIs(t, err, store.ErrExists)
}

func TestManager_Transition_LegalPath(t *testing.T) {
	m, err := New(store.NewMemory())
	assert.NoError(t, err)
	ctx := context.Background()

	_, err = m.Create(ctx, "sess-1", nil)
	assert.NoError(t, err)

	rec, err := m.Transition(ctx, "sess-1", store.StatusInitialized, store.StatusActive, nil)
	assert.NoError(t, err)
	assert.Equal(t, store.StatusActive, rec.Status)
	assert.Equal(t, int64(2), rec.Version)

	rec, err = m.Transition(ctx, "sess-1", store.StatusActive, store.StatusClosed, nil)
	assert.NoError(t, err)
	assert.Equal(t, store.StatusClosed, rec.Status)
}

func TestManager_Transition_RejectsSelfTransition(t *testing.T) {
	m, err := New(store.NewMemory())
	assert.NoError(t, err)
	ctx := context.Background()
	_, _ = m.Create(ctx, "sess-1", nil)

	_, err = m.Transition(ctx, "sess-1", store.StatusInitialized, store.StatusInitialized, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestManager_Transition_NoBackEdge(t *testing.T) {
	m, err := New(store.NewMemory())
	assert.NoError(t, err)
	ctx := context.Background()
	_, _ = m.Create(ctx, "sess-1", nil)
	_, _ = m.Transition(ctx, "sess-1", store.StatusInitialized, store.StatusActive, nil)

	_, err = m.Transition(ctx, "sess-1", store.StatusActive, store.StatusInitialized, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestManager_Close_Idempotent(t *testing.T) {
	m, err := New(store.NewMemory())
	assert.NoError(t, err)
	ctx := context.Background()
	_, _ = m.Create(ctx, "sess-1", nil)

	_, err = m.Close(ctx, "sess-1")
	assert.NoError(t, err)

	rec, err := m.Close(ctx, "sess-1")
	assert.NoError(t, err)
	assert.Equal(t, store.StatusClosed, rec.Status)
}

func TestManager_TouchMetadata_LastWriterWins(t *testing.T) {
	m, err := New(store.NewMemory())
	assert.NoError(t, err)
	ctx := context.Background()
	_, _ = m.Create(ctx, "sess-1", map[string]string{"proto": "2024-11-05"})

	rec, err := m.TouchMetadata(ctx, "sess-1", map[string]string{"proto": "2025-03-26", "client": "acme"})
	assert.NoError(t, err)
	assert.Equal(t, "2025-03-26", rec.Metadata["proto"])
	assert.Equal(t, "acme", rec.Metadata["client"])
}

func TestManager_TouchMetadata_RejectsOnClosed(t *testing.T) {
	m, err := New(store.NewMemory())
	assert.NoError(t, err)
	ctx := context.Background()
	_, _ = m.Create(ctx, "sess-1", nil)
	_, _ = m.Close(ctx, "sess-1")

	_, err = m.TouchMetadata(ctx, "sess-1", map[string]string{"x": "y"})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestManager_Get_UsesCacheUntilTTL(t *testing.T) {
	adapter := store.NewMemory()
	m, err := New(adapter, WithCache(16, 50*time.Millisecond))
	assert.NoError(t, err)
	ctx := context.Background()
	_, _ = m.Create(ctx, "sess-1", nil)

	// Move the stored record to ACTIVE behind the manager's back.
	next, err := adapter.GetSession(ctx, "sess-1")
	assert.NoError(t, err)
	next.Status = store.StatusActive
	next.Version = 2
	assert.NoError(t, adapter.UpdateSessionCAS(ctx, "sess-1", 1, next))

	// Within the TTL the cached copy answers.
	rec, err := m.Get(ctx, "sess-1")
	assert.NoError(t, err)
	assert.Equal(t, store.StatusInitialized, rec.Status)

	// After the TTL Get reads through to the store.
	time.Sleep(100 * time.Millisecond)
	rec, err = m.Get(ctx, "sess-1")
	assert.NoError(t, err)
	assert.Equal(t, store.StatusActive, rec.Status)
}

func TestManager_GetUncached_BypassesCache(t *testing.T) {
	adapter := store.NewMemory()
	m, err := New(adapter, WithCache(16, time.Hour))
	assert.NoError(t, err)
	ctx := context.Background()
	_, _ = m.Create(ctx, "sess-1", nil)
	_, _ = m.Get(ctx, "sess-1") // warm the cache

	// Move the stored record to ACTIVE behind the manager's back, so the
	// cached copy still says INITIALIZED.
	next, _ := adapter.GetSession(ctx, "sess-1")
	next.Status = store.StatusActive
	next.Version = 2
	_ = adapter.UpdateSessionCAS(ctx, "sess-1", 1, next)

	rec, err := m.GetUncached(ctx, "sess-1")
	assert.NoError(t, err)
	assert.Equal(t, store.StatusActive, rec.Status)
}

func TestManager_Invalidate_DropsCacheEntry(t *testing.T) {
	m, err := New(store.NewMemory(), WithCache(16, time.Hour))
	assert.NoError(t, err)
	ctx := context.Background()
	_, _ = m.Create(ctx, "sess-1", nil)
	_, _ = m.Get(ctx, "sess-1")

	m.Invalidate("sess-1")

	_, ok := m.cache.Get("sess-1")
	assert.False(t, ok)
}
