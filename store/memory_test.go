package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func record(id string) *Record {
	now := time.Now()
	return &Record{ID: id, Status: StatusInitialized, CreatedAt: now, UpdatedAt: now, Version: 1}
}

func TestMemory_PutSessionIfAbsent_RejectsDuplicate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	assert.NoError(t, m.PutSessionIfAbsent(ctx, record("s1")))
	assert.ErrorIs(t, m.PutSessionIfAbsent(ctx, record("s1")), ErrExists)
}

func TestMemory_PutSessionIfAbsent_ConcurrentCreatesExactlyOneWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	okCount, existsCount := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.PutSessionIfAbsent(ctx, record("s1"))
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				okCount++
			case ErrExists:
				existsCount++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, okCount)
	assert.Equal(t, 15, existsCount)
}

func TestMemory_UpdateSessionCAS_VersionConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	assert.NoError(t, m.PutSessionIfAbsent(ctx, record("s1")))

	next := record("s1")
	next.Version = 2
	next.Status = StatusActive
	assert.NoError(t, m.UpdateSessionCAS(ctx, "s1", 1, next))

	stale := record("s1")
	stale.Version = 2
	assert.ErrorIs(t, m.UpdateSessionCAS(ctx, "s1", 1, stale), ErrConflict)

	rec, err := m.GetSession(ctx, "s1")
	assert.NoError(t, err)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, int64(2), rec.Version)
}

func TestMemory_GetSession_NotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_GetSession_ReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec := record("s1")
	rec.Metadata = map[string]string{"proto": "2025-03-26"}
	assert.NoError(t, m.PutSessionIfAbsent(ctx, rec))

	got, err := m.GetSession(ctx, "s1")
	assert.NoError(t, err)
	got.Metadata["proto"] = "mutated"

	again, err := m.GetSession(ctx, "s1")
	assert.NoError(t, err)
	assert.Equal(t, "2025-03-26", again.Metadata["proto"])
}

func TestMemory_AppendEvent_PerStreamMonotonicIDs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id1, err := m.AppendEvent(ctx, "s1", "request", &Event{Kind: KindRequest})
	assert.NoError(t, err)
	id2, err := m.AppendEvent(ctx, "s1", "request", &Event{Kind: KindResponse})
	assert.NoError(t, err)
	other, err := m.AppendEvent(ctx, "s1", "standalone", &Event{Kind: KindNotification})
	assert.NoError(t, err)

	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)
	assert.Equal(t, uint64(1), other, "stream keys number independently")
}

func TestMemory_TrimStream_KeepsNewestAndIDs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := m.AppendEvent(ctx, "s1", "request", &Event{Kind: KindRequest})
		assert.NoError(t, err)
	}
	assert.NoError(t, m.TrimStream(ctx, "s1", "request", 2))

	evs, err := m.ReadEvents(ctx, "s1", "request", 0, 0)
	assert.NoError(t, err)
	if assert.Len(t, evs, 2) {
		assert.Equal(t, uint64(4), evs[0].ID)
		assert.Equal(t, uint64(5), evs[1].ID)
	}

	// Ids keep climbing after a head trim.
	id, err := m.AppendEvent(ctx, "s1", "request", &Event{Kind: KindRequest})
	assert.NoError(t, err)
	assert.Equal(t, uint64(6), id)
}

func TestMemory_AcquireLock_HeldUntilTTLOrRelease(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	assert.NoError(t, m.AcquireLock(ctx, "admit:s1", "holder-a", 50*time.Millisecond))
	assert.ErrorIs(t, m.AcquireLock(ctx, "admit:s1", "holder-b", 50*time.Millisecond), ErrHeld)

	// A release by a non-holder is a no-op.
	assert.NoError(t, m.ReleaseLock(ctx, "admit:s1", "holder-b"))
	assert.ErrorIs(t, m.AcquireLock(ctx, "admit:s1", "holder-b", 50*time.Millisecond), ErrHeld)

	assert.NoError(t, m.ReleaseLock(ctx, "admit:s1", "holder-a"))
	assert.NoError(t, m.AcquireLock(ctx, "admit:s1", "holder-b", 50*time.Millisecond))
}

func TestMemory_AcquireLock_ExpiresAfterTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	assert.NoError(t, m.AcquireLock(ctx, "admit:s1", "holder-a", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, m.AcquireLock(ctx, "admit:s1", "holder-b", 10*time.Millisecond))
}

func TestMemory_DeleteSession(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	assert.NoError(t, m.PutSessionIfAbsent(ctx, record("s1")))
	assert.NoError(t, m.DeleteSession(ctx, "s1"))
	assert.ErrorIs(t, m.DeleteSession(ctx, "s1"), ErrNotFound)
}
