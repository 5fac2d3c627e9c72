package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces rate-limit keys.
const DefaultRedisPrefix = "esgflow:ratelimit:"

// RedisClient is the subset of go-redis the store needs. *redis.Client and
// *redis.ClusterClient both satisfy it.
type RedisClient interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// RedisStore keeps window state in Redis as JSON with a TTL matching the
// hour window, so expired entries are evicted by Redis itself. Admission is
// still serialized per key only within one process.
type RedisStore struct {
	client RedisClient
	now    func() time.Time
	prefix string
}

// NewRedisStore creates a store over client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client RedisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode rate limit entry: %w", err)
	}
	return e, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode rate limit entry: %w", err)
	}

	ttl := entry.Hour.ResetAt.Sub(s.now())
	if minuteTTL := entry.Minute.ResetAt.Sub(s.now()); minuteTTL > ttl {
		ttl = minuteTTL
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	if err := s.client.Set(ctx, s.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
