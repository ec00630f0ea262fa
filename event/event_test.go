package event

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bh-rat/mcp-coordinator/store"
)

func TestStore_RecordReplay_OrderedByAppend(t *testing.T) {
	s := New(store.NewMemory())
	ctx := context.Background()

	id1, err := s.Record(ctx, "sess-1", "request", ClientToServer, KindRequest, "tools/call", float64(1), []byte(`{"a":1}`))
	assert.NoError(t, err)
	id2, err := s.Record(ctx, "sess-1", "request", ServerToClient, KindResponse, "", float64(1), []byte(`{"b":2}`))
	assert.NoError(t, err)

	assert.True(t, id2 > id1)

	evs, err := s.Replay(ctx, "sess-1", "request", 0)
	assert.NoError(t, err)
	if assert.Len(t, evs, 2) {
		assert.Equal(t, id1, evs[0].ID)
		assert.Equal(t, id2, evs[1].ID)
	}
}

func TestStore_Replay_AfterID(t *testing.T) {
	s := New(store.NewMemory())
	ctx := context.Background()

	id1, _ := s.Record(ctx, "sess-1", "request", ClientToServer, KindRequest, "ping", float64(1), nil)
	_, _ = s.Record(ctx, "sess-1", "request", ServerToClient, KindResponse, "", float64(1), nil)

	evs, err := s.Replay(ctx, "sess-1", "request", id1)
	assert.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestStore_LatestID_EmptyStream(t *testing.T) {
	s := New(store.NewMemory())
	_, ok, err := s.LatestID(context.Background(), "sess-none", "request")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Trim_DropsOldestEvents(t *testing.T) {
	s := New(store.NewMemory())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Record(ctx, "sess-1", "request", ClientToServer, KindRequest, "ping", float64(i), nil)
		assert.NoError(t, err)
	}
	assert.NoError(t, s.Trim(ctx, "sess-1", "request", 2))

	evs, err := s.Replay(ctx, "sess-1", "request", 0)
	assert.NoError(t, err)
	if assert.Len(t, evs, 2) {
		assert.Equal(t, uint64(3), evs[0].ID)
		assert.Equal(t, uint64(4), evs[1].ID)
	}
}

func TestStore_CrossStreamIndependentSequences(t *testing.T) {
	s := New(store.NewMemory())
	ctx := context.Background()

	id1, _ := s.Record(ctx, "sess-1", "request", ClientToServer, KindRequest, "a", float64(1), nil)
	id2, _ := s.Record(ctx, "sess-1", "notifications", ServerToClient, KindNotification, "progress", nil, nil)

	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(1), id2)
}
