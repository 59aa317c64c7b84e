package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "recurra:"

// JSONStore keeps JSON encoded values in redis. A store without a client
// misses every read and drops every write.
type JSONStore struct {
	client *redis.Client
}

func NewJSONStore(client *redis.Client) *JSONStore {
	return &JSONStore{client: client}
}

func (s *JSONStore) Enabled() bool {
	return s != nil && s.client != nil
}

// Get decodes the value at key into dst and reports whether it was present.
func (s *JSONStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (s *JSONStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !s.Enabled() || ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+key, raw, ttl).Err()
}

// Key joins parts into a normalized cache key.
func Key(parts ...string) string {
	return cacheKey(parts...)
}
