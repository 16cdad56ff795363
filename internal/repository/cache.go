package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
)

// redisClient is the narrow slice of *redis.Client this package depends
// on, so tests can substitute a fake without a live server.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, exp time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
}

// StateCache is the Redis-backed entity-state fast lookup.
// internal/entity.Manager write-through's every bus-confirmed
// state change here (see WithSnapshotCache), so a fast external reader
// has a recent entity snapshot even when the authoritative in-memory map
// is in a different process. internal/safety's EntitySnapshot does not
// read it; it keeps its own in-process snapshot cache.
type StateCache struct {
	client redisClient
	prefix string
}

// NewStateCache wraps client (typically *redis.Client). keyPrefix
// namespaces keys so multiple coach instances can share one Redis.
func NewStateCache(client *redis.Client, keyPrefix string) *StateCache {
	return &StateCache{client: client, prefix: keyPrefix}
}

func (c *StateCache) key(entityID string) string {
	return c.prefix + "state:" + entityID
}

// Set caches entityID's state for ttl (typically the reconciliation
// deadline).
func (c *StateCache) Set(ctx context.Context, entityID string, state any, ttl time.Duration) error {
	body, err := json.Marshal(state)
	if err != nil {
		return rvcerrors.Wrap(rvcerrors.InvalidInput, "state_cache: marshal", err)
	}
	if err := c.client.Set(ctx, c.key(entityID), body, ttl).Err(); err != nil {
		return rvcerrors.Wrap(rvcerrors.ServiceUnavailable, "state_cache: set", err)
	}
	return nil
}

// Get returns entityID's cached state if present and unmarshalable into
// out (a pointer). The bool is false on a cache miss.
func (c *StateCache) Get(ctx context.Context, entityID string, out any) (bool, error) {
	body, err := c.client.Get(ctx, c.key(entityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, rvcerrors.Wrap(rvcerrors.ServiceUnavailable, "state_cache: get", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, rvcerrors.Wrap(rvcerrors.Internal, "state_cache: unmarshal", err)
	}
	return true, nil
}

// Invalidate drops entityID's cached state, e.g. on rollback.
func (c *StateCache) Invalidate(ctx context.Context, entityID string) error {
	if err := c.client.Del(ctx, c.key(entityID)).Err(); err != nil {
		return rvcerrors.Wrap(rvcerrors.ServiceUnavailable, "state_cache: invalidate", err)
	}
	return nil
}

// FrameCache is the Redis-backed Recorder ring-buffer overflow store:
// frames the in-memory ring buffer evicts are spilled here instead of
// being lost outright, capped per session at maxSpillLen so a long
// recording can't grow Redis memory unbounded.
type FrameCache struct {
	client      redisClient
	prefix      string
	maxSpillLen int64
}

// NewFrameCache wraps client. maxSpillLen bounds each session's spilled
// list length via LTRIM; 0 uses a conservative default.
func NewFrameCache(client *redis.Client, keyPrefix string, maxSpillLen int64) *FrameCache {
	if maxSpillLen <= 0 {
		maxSpillLen = 500000
	}
	return &FrameCache{client: client, prefix: keyPrefix, maxSpillLen: maxSpillLen}
}

func (c *FrameCache) key(sessionID string) string {
	return c.prefix + "spill:" + sessionID
}

// SpillFrame appends frame (already serialized by the caller, typically
// as JSON) to sessionID's overflow list. Implements recorder.OverflowStore.
func (c *FrameCache) SpillFrame(ctx context.Context, sessionID string, frame []byte) error {
	key := c.key(sessionID)
	if err := c.client.RPush(ctx, key, frame).Err(); err != nil {
		return rvcerrors.Wrap(rvcerrors.ServiceUnavailable, "frame_cache: push", err)
	}
	if err := c.client.LTrim(ctx, key, -c.maxSpillLen, -1).Err(); err != nil {
		return rvcerrors.Wrap(rvcerrors.ServiceUnavailable, "frame_cache: trim", err)
	}
	return nil
}

// SpilledFrames returns sessionID's overflowed frames in eviction order.
func (c *FrameCache) SpilledFrames(ctx context.Context, sessionID string) ([][]byte, error) {
	vals, err := c.client.LRange(ctx, c.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, rvcerrors.Wrap(rvcerrors.ServiceUnavailable, "frame_cache: range", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}
