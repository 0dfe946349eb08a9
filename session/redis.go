package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the record under a single redis key.
type RedisStore struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	logger log.Logger
}

// NewRedisStore creates a RedisStore using the key <prefix><SlotKey>.
// A zero ttl keeps the record until it is cleared.
func NewRedisStore(client redis.Cmdable, prefix string, ttl time.Duration, logger log.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		key:    prefix + SlotKey,
		ttl:    ttl,
		logger: logger,
	}
}

// Load ...
func (s *RedisStore) Load(ctx context.Context, target Target) (*Session, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}

	return resolve(ctx, data, target, s.Clear, s.logger), nil
}

// Save ...
func (s *RedisStore) Save(ctx context.Context, target Target, session Session) error {
	data, err := encodeRecord(target, session)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key, err)
	}
	return nil
}

// Clear ...
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", s.key, err)
	}
	return nil
}
