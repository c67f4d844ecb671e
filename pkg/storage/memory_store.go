package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memoryEntry struct {
	data        []byte
	contentType string
	metadata    map[string]string
	uploaded    time.Time
	expiresAt   *time.Time
}

// MemoryBucket keeps objects in process memory. It is the bucket used by the
// test harness; now drives TTL expiry.
type MemoryBucket struct {
	mu      sync.RWMutex
	objects map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryBucket builds an empty bucket. A nil clock uses time.Now.
func NewMemoryBucket(now func() time.Time) *MemoryBucket {
	if now == nil {
		now = time.Now
	}
	return &MemoryBucket{objects: make(map[string]memoryEntry), now: now}
}

func (m *MemoryBucket) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	now := m.now().UTC()
	m.mu.Lock()
	m.objects[key] = memoryEntry{
		data:        data,
		contentType: opts.ContentType,
		metadata:    copyMetadata(opts.CustomMetadata),
		uploaded:    now,
		expiresAt:   expiryFrom(now, opts.ExpirationTTL),
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryBucket) Get(ctx context.Context, key string) (*Object, error) {
	obj, data := m.lookup(key)
	if obj == nil {
		return nil, nil
	}
	obj.body = io.NopCloser(bytes.NewReader(data))
	return obj, nil
}

func (m *MemoryBucket) Head(ctx context.Context, key string) (*Object, error) {
	obj, _ := m.lookup(key)
	return obj, nil
}

func (m *MemoryBucket) lookup(key string) (*Object, []byte) {
	now := m.now()
	m.mu.RLock()
	entry, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if expired(entry.expiresAt, now) {
		m.mu.Lock()
		if cur, ok := m.objects[key]; ok && expired(cur.expiresAt, now) {
			delete(m.objects, key)
		}
		m.mu.Unlock()
		return nil, nil
	}
	return &Object{
		Key:            key,
		Size:           int64(len(entry.data)),
		ContentType:    entry.contentType,
		CustomMetadata: copyMetadata(entry.metadata),
		Uploaded:       entry.uploaded,
		ExpiresAt:      entry.expiresAt,
	}, entry.data
}

func (m *MemoryBucket) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBucket) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	now := m.now()
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k, entry := range m.objects {
		if !expired(entry.expiresAt, now) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	page, cursor, truncated := pageKeys(keys, opts)
	out := ListResult{Cursor: cursor, Truncated: truncated}
	for _, k := range page {
		if obj, _ := m.lookup(k); obj != nil {
			out.Objects = append(out.Objects, *obj)
		}
	}
	return out, nil
}

// Len reports the number of live objects; used by tests.
func (m *MemoryBucket) Len() int {
	res, _ := m.List(context.Background(), ListOptions{})
	return len(res.Objects)
}
