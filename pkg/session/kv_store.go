package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"manuscripthub/pkg/kv"
)

// KVStore keeps sessions in any kv.Store (Badger on the edge, memory in
// tests). The per-principal index is best effort.
type KVStore struct {
	kv     kv.Store
	secret []byte
	now    func() time.Time
}

// NewKVStore builds a KV-backed store; secret keys the token hash.
func NewKVStore(store kv.Store, secret string, now func() time.Time) *KVStore {
	if now == nil {
		now = time.Now
	}
	return &KVStore{kv: store, secret: []byte(secret), now: now}
}

func (s *KVStore) recordKey(token string) string {
	return "session:" + tokenKey(s.secret, token)
}

func indexKey(principalID string) string {
	return "sessions:" + principalID
}

func (s *KVStore) Create(ctx context.Context, principalID string, ttl time.Duration, fp Fingerprint) (string, error) {
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
	rec := Record{PrincipalID: principalID, IssuedAt: now, ExpiresAt: now.Add(ttl), IP: fp.IP, UserAgent: fp.UserAgent}
	key := s.recordKey(token)
	if err := kv.PutJSON(ctx, s.kv, key, rec, ttl); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	s.addToIndex(ctx, principalID, key, ttl)
	return token, nil
}

func (s *KVStore) Read(ctx context.Context, token string) (*Record, error) {
	if !validToken(token) {
		return nil, nil
	}
	var rec Record
	ok, err := kv.GetJSON(ctx, s.kv, s.recordKey(token), &rec)
	if err != nil || !ok {
		return nil, err
	}
	if !s.now().Before(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (s *KVStore) Destroy(ctx context.Context, token string) error {
	if !validToken(token) {
		return nil
	}
	return s.kv.Delete(ctx, s.recordKey(token))
}

func (s *KVStore) DestroyAll(ctx context.Context, principalID string) error {
	var keys []string
	if _, err := kv.GetJSON(ctx, s.kv, indexKey(principalID), &keys); err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.kv.Delete(ctx, key); err != nil {
			return err
		}
	}
	return s.kv.Delete(ctx, indexKey(principalID))
}

func (s *KVStore) addToIndex(ctx context.Context, principalID, key string, ttl time.Duration) {
	var keys []string
	_, _ = kv.GetJSON(ctx, s.kv, indexKey(principalID), &keys)
	live := keys[:0]
	for _, k := range keys {
		if _, ok, _ := s.kv.Get(ctx, k); ok {
			live = append(live, k)
		}
	}
	live = append(live, key)
	data, err := json.Marshal(live)
	if err != nil {
		return
	}
	_ = s.kv.Put(ctx, indexKey(principalID), string(data), ttl)
}
