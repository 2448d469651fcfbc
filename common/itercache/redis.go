package itercache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowrunner/common/config"
)

// RedisStore is the shared cache backend for teams running the same
// workflows against one redis
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects a redis-backed store
func NewRedisStore(cfg config.RedisConfig, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl: ttl,
	}
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, workflow, key string) (*Entry, bool, error) {
	val, err := s.client.Get(ctx, s.key(workflow, key)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache GET: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Put implements Store
func (s *RedisStore) Put(ctx context.Context, workflow, key string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(workflow, key), string(data), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis cache SET: %w", err)
	}
	return nil
}

// Close implements Store
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity at startup
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis cache ping: %w", err)
	}
	return nil
}

func (s *RedisStore) key(workflow, key string) string {
	return fmt.Sprintf("flowcache:%s:%s", sanitize(workflow), key)
}
