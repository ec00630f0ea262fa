package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis is the durable storage adapter variant, shared across instances.
// Session records are JSON blobs at "{prefix}session:{id}"; event streams
// are bounded Redis lists at "{prefix}stream:{id}:{stream_key}" with a
// side counter for monotonically increasing event ids; locks are
// "SET NX PX" keys released with a compare-and-delete Lua script.
type Redis struct {
	rdb          *redis.Client
	prefix       string
	streamMaxLen int
}

// NewRedis creates a Redis-backed Adapter. streamMaxLen bounds every
// per-session stream; 0 means unbounded.
func NewRedis(rdb *redis.Client, prefix string, streamMaxLen int) *Redis {
	if prefix == "" {
		prefix = "mcpcoord:"
	}
	return &Redis{rdb: rdb, prefix: prefix, streamMaxLen: streamMaxLen}
}

func (r *Redis) Now() time.Time { return time.Now() }

func (r *Redis) keySession(id string) string { return r.prefix + "session:" + id }
func (r *Redis) keyStream(sessionID, streamKey string) string {
	return r.prefix + "stream:" + sessionID + ":" + streamKey
}
func (r *Redis) keyStreamSeq(sessionID, streamKey string) string {
	return r.prefix + "streamseq:" + sessionID + ":" + streamKey
}
func (r *Redis) keyLock(name string) string { return r.prefix + "lock:" + name }

func wrapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

type wireRecord struct {
	ID        string            `json:"id"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata"`
	Version   int64             `json:"version"`
	OwnerHint string            `json:"owner_hint,omitempty"`
}

func toWire(r *Record) *wireRecord {
	return &wireRecord{
		ID:        r.ID,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Metadata:  r.Metadata,
		Version:   r.Version,
		OwnerHint: r.OwnerHint,
	}
}

func fromWire(w *wireRecord) *Record {
	return &Record{
		ID:        w.ID,
		Status:    w.Status,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
		Metadata:  w.Metadata,
		Version:   w.Version,
		OwnerHint: w.OwnerHint,
	}
}

func (r *Redis) GetSession(ctx context.Context, id string) (*Record, error) {
	raw, err := r.rdb.Get(ctx, r.keySession(id)).Bytes()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	w := &wireRecord{}
	if err := json.Unmarshal(raw, w); err != nil {
		return nil, fmt.Errorf("%w: decode session %s: %v", ErrUnavailable, id, err)
	}
	return fromWire(w), nil
}

func (r *Redis) PutSessionIfAbsent(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(toWire(rec))
	if err != nil {
		return fmt.Errorf("%w: encode session %s: %v", ErrUnavailable, rec.ID, err)
	}
	ok, err := r.rdb.SetNX(ctx, r.keySession(rec.ID), data, 0).Result()
	if err != nil {
		return wrapRedisErr(err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// casScript atomically replaces the record only if the currently stored
// version matches expectedVersion.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then
  return -1
end
local version = tonumber(string.match(cur, '"version":(%d+)'))
if version ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

func (r *Redis) UpdateSessionCAS(ctx context.Context, id string, expectedVersion int64, next *Record) error {
	data, err := json.Marshal(toWire(next))
	if err != nil {
		return fmt.Errorf("%w: encode session %s: %v", ErrUnavailable, id, err)
	}
	res, err := casScript.Run(ctx, r.rdb, []string{r.keySession(id)}, expectedVersion, data).Int()
	if err != nil {
		return wrapRedisErr(err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrConflict
	default:
		return nil
	}
}

func (r *Redis) DeleteSession(ctx context.Context, id string) error {
	n, err := r.rdb.Del(ctx, r.keySession(id)).Result()
	if err != nil {
		return wrapRedisErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) AppendEvent(ctx context.Context, sessionID, streamKey string, ev *Event) (uint64, error) {
	seq, err := r.rdb.Incr(ctx, r.keyStreamSeq(sessionID, streamKey)).Result()
	if err != nil {
		return 0, wrapRedisErr(err)
	}
	ev.ID = uint64(seq)
	ev.StreamKey = streamKey
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("%w: encode event: %v", ErrUnavailable, err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, r.keyStream(sessionID, streamKey), data)
	if r.streamMaxLen > 0 {
		pipe.LTrim(ctx, r.keyStream(sessionID, streamKey), int64(-r.streamMaxLen), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrapRedisErr(err)
	}
	return ev.ID, nil
}

func (r *Redis) ReadEvents(ctx context.Context, sessionID, streamKey string, afterID uint64, limit int) ([]*Event, error) {
	raw, err := r.rdb.LRange(ctx, r.keyStream(sessionID, streamKey), 0, -1).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	out := make([]*Event, 0, len(raw))
	for _, item := range raw {
		ev := &Event{}
		if err := json.Unmarshal([]byte(item), ev); err != nil {
			continue
		}
		if ev.ID > afterID {
			out = append(out, ev)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *Redis) TrimStream(ctx context.Context, sessionID, streamKey string, maxLen int) error {
	if maxLen <= 0 {
		return nil
	}
	if err := r.rdb.LTrim(ctx, r.keyStream(sessionID, streamKey), int64(-maxLen), -1).Err(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

// releaseScript deletes the lock key only if it is still held by holderID,
// avoiding releasing a lock some other holder has since acquired after TTL
// expiry (the classic Redlock release idiom).
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (r *Redis) AcquireLock(ctx context.Context, name, holderID string, ttl time.Duration) error {
	ok, err := r.rdb.SetNX(ctx, r.keyLock(name), holderID, ttl).Result()
	if err != nil {
		return wrapRedisErr(err)
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

func (r *Redis) ReleaseLock(ctx context.Context, name, holderID string) error {
	if _, err := releaseScript.Run(ctx, r.rdb, []string{r.keyLock(name)}, holderID).Result(); err != nil {
		return wrapRedisErr(err)
	}
	return nil
}

var _ Adapter = (*Redis)(nil)
