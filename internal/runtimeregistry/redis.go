package runtimeregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the RuntimeInstance table with a Redis hash per
// instance and a sorted-set index keyed by lastHeartbeatAt, so the
// staleness sweep can range-query "everything older than horizon" in
// O(log n) instead of scanning every key. Multiple control-plane
// processes on the same host can share one instance table this way.
type RedisStore struct {
	rdb       *redis.Client
	keyPrefix string
	indexKey  string
}

// NewRedisStore constructs a RedisStore against rdb, namespacing every key
// under keyPrefix (e.g. "orgx:runtime:").
func NewRedisStore(rdb *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "orgx:runtime:"
	}
	return &RedisStore{rdb: rdb, keyPrefix: keyPrefix, indexKey: keyPrefix + "heartbeat_index"}
}

func (r *RedisStore) instanceKey(key string) string {
	return r.keyPrefix + "instance:" + key
}

// Upsert implements Store.
func (r *RedisStore) Upsert(ctx context.Context, p HookPayload, now time.Time) (RuntimeInstance, bool, error) {
	key := DeriveKey(p)
	ikey := r.instanceKey(key)

	var existing RuntimeInstance
	had := false
	if raw, err := r.rdb.Get(ctx, ikey).Bytes(); err == nil {
		if json.Unmarshal(raw, &existing) == nil {
			had = true
		}
	} else if err != redis.Nil {
		return RuntimeInstance{}, false, fmt.Errorf("runtimeregistry: redis get %s: %w", ikey, err)
	}

	before := FingerprintOf(existing)
	merged := ApplyHook(existing, p, now)

	encoded, err := json.Marshal(merged)
	if err != nil {
		return RuntimeInstance{}, false, fmt.Errorf("runtimeregistry: encode instance: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, ikey, encoded, 0)
	pipe.ZAdd(ctx, r.indexKey, redis.Z{Score: float64(merged.LastHeartbeatAt.Unix()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return RuntimeInstance{}, false, fmt.Errorf("runtimeregistry: redis upsert pipeline: %w", err)
	}

	changed := !had || before != FingerprintOf(merged)
	return merged, changed, nil
}

// List implements Store.
func (r *RedisStore) List(ctx context.Context) ([]RuntimeInstance, error) {
	keys, err := r.rdb.ZRange(ctx, r.indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("runtimeregistry: redis zrange: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	ikeys := make([]string, len(keys))
	for i, k := range keys {
		ikeys[i] = r.instanceKey(k)
	}
	raws, err := r.rdb.MGet(ctx, ikeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("runtimeregistry: redis mget: %w", err)
	}

	out := make([]RuntimeInstance, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var ri RuntimeInstance
		if json.Unmarshal([]byte(s), &ri) == nil {
			out = append(out, ri)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// MarkStale implements Store: range the heartbeat index for every member
// older than horizon, flip its state, and persist.
func (r *RedisStore) MarkStale(ctx context.Context, horizon time.Duration, now time.Time) ([]string, error) {
	cutoff := now.Add(-horizon).Unix()
	keys, err := r.rdb.ZRangeByScore(ctx, r.indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("runtimeregistry: redis zrangebyscore: %w", err)
	}

	var changed []string
	for _, key := range keys {
		ikey := r.instanceKey(key)
		raw, err := r.rdb.Get(ctx, ikey).Bytes()
		if err != nil {
			continue
		}
		var ri RuntimeInstance
		if json.Unmarshal(raw, &ri) != nil {
			continue
		}
		if !IsStale(ri, horizon, now) {
			continue
		}
		ri.State = StateStale
		encoded, err := json.Marshal(ri)
		if err != nil {
			continue
		}
		if err := r.rdb.Set(ctx, ikey, encoded, 0).Err(); err == nil {
			changed = append(changed, key)
		}
	}
	return changed, nil
}

var _ Store = (*RedisStore)(nil)

// redisChannel is the Redis Pub/Sub channel the Hub uses to fan broadcast
// messages out to every control-plane process sharing this Redis instance.
const redisChannel = "orgx:runtime:events"

// RedisBroadcaster publishes Hub broadcasts onto a Redis Pub/Sub channel so
// SSE subscribers attached to a sibling process observe the same events.
type RedisBroadcaster struct {
	rdb *redis.Client
}

// NewRedisBroadcaster constructs a RedisBroadcaster against rdb.
func NewRedisBroadcaster(rdb *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{rdb: rdb}
}

// Publish implements Broadcaster.
func (b *RedisBroadcaster) Publish(ctx context.Context, ri RuntimeInstance) error {
	encoded, err := json.Marshal(ri)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, redisChannel, encoded).Err()
}

// Subscribe implements Broadcaster: it returns a channel of decoded
// RuntimeInstance updates observed on the shared Redis channel, closing it
// when ctx is canceled.
func (b *RedisBroadcaster) Subscribe(ctx context.Context) <-chan RuntimeInstance {
	sub := b.rdb.Subscribe(ctx, redisChannel)
	out := make(chan RuntimeInstance, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ri RuntimeInstance
				if json.Unmarshal([]byte(msg.Payload), &ri) == nil {
					select {
					case out <- ri:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}
