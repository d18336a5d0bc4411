package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordTimeout bounds a single Record call so a slow Redis cannot hold up
// responses.
const recordTimeout = 2 * time.Second

// RedisRecorder pushes events as JSON onto a capped Redis list and keeps a
// per-host request counter in a hash next to it (<key>:hosts).
type RedisRecorder struct {
	client     *redis.Client
	key        string
	maxEntries int64
}

// NewRedisRecorder creates a RedisRecorder. maxEntries <= 0 leaves the list
// uncapped.
func NewRedisRecorder(client *redis.Client, key string, maxEntries int64) *RedisRecorder {
	return &RedisRecorder{client: client, key: key, maxEntries: maxEntries}
}

// Record implements Recorder.
func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("analytics: encode event: %w", err)
	}

	// The inbound request may already be gone; the event should still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	if r.maxEntries > 0 {
		pipe.LTrim(ctx, r.key, 0, r.maxEntries-1)
	}
	pipe.HIncrBy(ctx, r.HostsKey(), ev.Host, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("analytics: write to redis: %w", err)
	}
	return nil
}

// HostsKey is the hash holding per-host request counts.
func (r *RedisRecorder) HostsKey() string {
	return r.key + ":hosts"
}

// Close releases the Redis connection pool.
func (r *RedisRecorder) Close() error {
	return r.client.Close()
}
