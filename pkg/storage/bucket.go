package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Logical bucket names.
const (
	BucketRaw       = "manuscripts_raw"
	BucketProcessed = "manuscripts_processed"
	BucketMarketing = "marketing_assets"
	BucketBackups   = "backups"
)

// expiresAtKey is reserved in stored metadata for TTL bookkeeping.
const expiresAtKey = "x-expires-at"

// ErrInvalidKey is returned for empty or malformed object keys.
var ErrInvalidKey = errors.New("storage: invalid object key")

// Bucket is a flat key -> blob store. A missing (or expired) object is
// reported as a nil *Object, never as an error.
type Bucket interface {
	Get(ctx context.Context, key string) (*Object, error)
	Head(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, opts ListOptions) (ListResult, error)
}

// Buckets groups the four logical buckets.
type Buckets struct {
	Raw       Bucket
	Processed Bucket
	Marketing Bucket
	Backups   Bucket
}

// PutOptions configures a write. ExpirationTTL > 0 makes the object read as
// absent once the TTL elapses.
type PutOptions struct {
	ContentType    string
	CustomMetadata map[string]string
	ExpirationTTL  time.Duration
	// Size of body when known; -1 or 0 means unknown.
	Size int64
}

// Object is a stored blob. Head results carry no body.
type Object struct {
	Key            string
	Size           int64
	ContentType    string
	CustomMetadata map[string]string
	Uploaded       time.Time
	ExpiresAt      *time.Time

	body io.ReadCloser
}

// Body returns the content stream; the caller closes it.
func (o *Object) Body() io.ReadCloser {
	if o.body == nil {
		return io.NopCloser(bytes.NewReader(nil))
	}
	return o.body
}

// Bytes reads and closes the body.
func (o *Object) Bytes() ([]byte, error) {
	rc := o.Body()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", o.Key, err)
	}
	return data, nil
}

// Text reads the body as UTF-8.
func (o *Object) Text() (string, error) {
	data, err := o.Bytes()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// JSON decodes the body into v.
func (o *Object) JSON(v any) error {
	data, err := o.Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode object %s: %w", o.Key, err)
	}
	return nil
}

// ListOptions pages through keys in lexical order. Cursor is the opaque
// value returned by the previous page.
type ListOptions struct {
	Prefix string
	Limit  int
	Cursor string
}

type ListResult struct {
	Objects   []Object
	Cursor    string
	Truncated bool
}

// PutJSON marshals v and stores it with an application/json content type.
func PutJSON(ctx context.Context, b Bucket, key string, v any, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/json"
	}
	opts.Size = int64(len(data))
	return b.Put(ctx, key, bytes.NewReader(data), opts)
}

// Exists reports whether key is present.
func Exists(ctx context.Context, b Bucket, key string) (bool, error) {
	obj, err := b.Head(ctx, key)
	if err != nil {
		return false, err
	}
	return obj != nil, nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" || strings.ContainsRune(key, 0) {
		return ErrInvalidKey
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func expiryFrom(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	at := now.Add(ttl).UTC()
	return &at
}

func formatExpiry(at *time.Time) string {
	if at == nil {
		return ""
	}
	return strconv.FormatInt(at.UnixMilli(), 10)
}

func parseExpiry(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	at := time.UnixMilli(ms).UTC()
	return &at
}

func expired(at *time.Time, now time.Time) bool {
	return at != nil && !now.Before(*at)
}

// pageKeys applies prefix, cursor and limit to an unsorted key set.
func pageKeys(keys []string, opts ListOptions) ([]string, string, bool) {
	filtered := keys[:0:0]
	for _, k := range keys {
		if !strings.HasPrefix(k, opts.Prefix) {
			continue
		}
		if opts.Cursor != "" && k <= opts.Cursor {
			continue
		}
		filtered = append(filtered, k)
	}
	sort.Strings(filtered)
	limit := normalizeLimit(opts.Limit)
	if len(filtered) <= limit {
		return filtered, "", false
	}
	page := filtered[:limit]
	return page, page[len(page)-1], true
}
