// redis.go -- go-redis client for session caching.
//
// Stores session data with TTL matching remaining session lifetime.
// Fast path for session validation; the durable store stays the source of truth.
// If Redis is unavailable, callers fall back to the durable store.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL, connects and pings.
// The client is shared by the session cache and the Redis rate limiter.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// RedisStore wraps a Redis client for session cache operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already connected client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func sessionKey(tokenHash []byte) string {
	return "session:" + base64.RawURLEncoding.EncodeToString(tokenHash)
}

func userSessionsKey(userID int64) string {
	return fmt.Sprintf("user_sessions:%d", userID)
}

// SetSession caches a session until its expiry.
// Also tracks the session key in a per-user Set for bulk deletion.
// Already-expired sessions are not cached.
func (s *RedisStore) SetSession(ctx context.Context, sess *Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	cacheOut, err := json.Marshal(CachedSession{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		ExpiresAt: sess.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	key := sessionKey(sess.TokenHash)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, cacheOut, ttl)
	pipe.SAdd(ctx, userSessionsKey(sess.UserID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching session: %w", err)
	}
	return nil
}

// GetSession retrieves a cached session by token hash.
// Returns ErrCacheMiss if the key is absent.
func (s *RedisStore) GetSession(ctx context.Context, tokenHash []byte) (*CachedSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var cached CachedSession
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	return &cached, nil
}

// DeleteSession removes a single cached session.
// Reads the entry first to find the owning user's tracking Set; a miss is not an error.
func (s *RedisStore) DeleteSession(ctx context.Context, tokenHash []byte) error {
	cached, err := s.GetSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil
		}
		return err
	}

	key := sessionKey(tokenHash)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, userSessionsKey(cached.UserID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteAllUserSessions removes all cached sessions for a user.
func (s *RedisStore) DeleteAllUserSessions(ctx context.Context, userID int64) error {
	setKey := userSessionsKey(userID)

	keys, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("fetching user sessions: %w", err)
	}

	// Delete all session keys + the set itself in one atomic pipeline
	pipe := s.rdb.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, key)
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting user sessions: %w", err)
	}
	return nil
}

// NoopSessionCache stands in when REDIS_URL is unset. Every Get misses.
type NoopSessionCache struct{}

func (NoopSessionCache) SetSession(context.Context, *Session) error { return nil }

func (NoopSessionCache) GetSession(context.Context, []byte) (*CachedSession, error) {
	return nil, ErrCacheMiss
}

func (NoopSessionCache) DeleteSession(context.Context, []byte) error { return nil }

func (NoopSessionCache) DeleteAllUserSessions(context.Context, int64) error { return nil }

func (NoopSessionCache) CheckHealth(context.Context) error { return ErrCacheDisabled }
