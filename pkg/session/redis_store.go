package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sessions in Redis with TTL and a per-principal set used
// to revoke every session at once.
type RedisStore struct {
	client *redis.Client
	prefix string
	secret []byte
	now    func() time.Time
}

// NewRedisStore builds a Redis-backed session store.
func NewRedisStore(client *redis.Client, prefix, secret string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "manuscripthub"
	}
	return &RedisStore{client: client, prefix: prefix, secret: []byte(secret), now: time.Now}
}

func (s *RedisStore) recordKey(token string) string {
	return s.prefix + ":session:" + tokenKey(s.secret, token)
}

func (s *RedisStore) indexKey(principalID string) string {
	return s.prefix + ":sessions:" + principalID
}

func (s *RedisStore) Create(ctx context.Context, principalID string, ttl time.Duration, fp Fingerprint) (string, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return "", ErrEmptyPrincipal
	}
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	now := s.now().UTC()
	data, err := json.Marshal(Record{PrincipalID: principalID, IssuedAt: now, ExpiresAt: now.Add(ttl), IP: fp.IP, UserAgent: fp.UserAgent})
	if err != nil {
		return "", err
	}
	key := s.recordKey(token)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, ttl)
	pipe.SAdd(ctx, s.indexKey(principalID), key)
	pipe.Expire(ctx, s.indexKey(principalID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return token, nil
}

func (s *RedisStore) Read(ctx context.Context, token string) (*Record, error) {
	if !validToken(token) {
		return nil, nil
	}
	raw, err := s.client.Get(ctx, s.recordKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Destroy(ctx context.Context, token string) error {
	if !validToken(token) {
		return nil
	}
	if err := s.client.Del(ctx, s.recordKey(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (s *RedisStore) DestroyAll(ctx context.Context, principalID string) error {
	idx := s.indexKey(principalID)
	keys, err := s.client.SMembers(ctx, idx).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	keys = append(keys, idx)
	return s.client.Del(ctx, keys...).Err()
}
