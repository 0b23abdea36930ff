package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"anybank/internal/sentinel"
	id "anybank/pkg/domain"
)

const redisKeyPrefix = "bff:session:"

// RedisStore persists sessions in Redis with a TTL so expiry is handled by
// the server. Suitable for multi-instance deployments where the in-memory
// store's locality breaks session affinity.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects a session store to Redis.
func NewRedisStore(addr string, ttl time.Duration) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &RedisStore{client: client, ttl: ttl}
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Create(ctx context.Context, sess *Session) error {
	return s.write(ctx, sess)
}

func (s *RedisStore) Update(ctx context.Context, sess *Session) error {
	exists, err := s.client.Exists(ctx, redisKeyPrefix+sess.ID.String()).Result()
	if err != nil {
		return fmt.Errorf("check session existence: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
	}
	return s.write(ctx, sess)
}

func (s *RedisStore) write(ctx context.Context, sess *Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := s.ttl
	if !sess.ExpiresAt.IsZero() {
		if remaining := time.Until(sess.ExpiresAt); remaining > 0 {
			ttl = remaining
		}
	}
	if err := s.client.Set(ctx, redisKeyPrefix+sess.ID.String(), payload, ttl).Err(); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *RedisStore) FindByID(ctx context.Context, sessionID id.SessionID) (*Session, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+sessionID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID id.SessionID) error {
	deleted, err := s.client.Del(ctx, redisKeyPrefix+sessionID.String()).Result()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
	}
	return nil
}

// DeleteExpired is a no-op for Redis: per-key TTLs already evict expired
// sessions server-side.
func (s *RedisStore) DeleteExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("clear sessions: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan sessions: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }
