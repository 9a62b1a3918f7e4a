package tax

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQuoteStore keeps quotes in Redis so every server instance shares
// them. Entries expire at the end of the UTC day they were fetched.
type RedisQuoteStore struct {
	client *redis.Client
	prefix string
}

// NewRedisQuoteStore creates a shared quote store.
func NewRedisQuoteStore(client *redis.Client, prefix string) *RedisQuoteStore {
	if prefix == "" {
		prefix = "taxquote:"
	}
	return &RedisQuoteStore{client: client, prefix: prefix}
}

func (s *RedisQuoteStore) redisKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.prefix + hex.EncodeToString(sum[:])
}

// Get returns the stored payload and whether it existed.
func (s *RedisQuoteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, nil
	}
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Set stores a payload for ttl.
func (s *RedisQuoteStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.client.Set(ctx, s.redisKey(key), data, ttl).Err()
}
