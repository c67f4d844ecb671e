package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fileMetaSuffix = ".meta.json"

// FileBucket stores objects under a base directory for local development.
// Keys are hex-encoded into flat file names so no key can escape the
// directory; metadata lives in a JSON sidecar.
type FileBucket struct {
	basePath string
	now      func() time.Time
}

type fileMeta struct {
	ContentType    string            `json:"contentType,omitempty"`
	CustomMetadata map[string]string `json:"customMetadata,omitempty"`
	Uploaded       time.Time         `json:"uploaded"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
}

// NewFileBucket creates the base directory if missing.
func NewFileBucket(basePath string) (*FileBucket, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileBucket{basePath: basePath, now: time.Now}, nil
}

func (f *FileBucket) objectPath(key string) string {
	return filepath.Join(f.basePath, hex.EncodeToString([]byte(key)))
}

func (f *FileBucket) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	if err := validateKey(key); err != nil {
		return err
	}
	target := f.objectPath(key)
	tmp, err := os.CreateTemp(f.basePath, ".upload-*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	now := f.now().UTC()
	meta, err := json.Marshal(fileMeta{
		ContentType:    opts.ContentType,
		CustomMetadata: copyMetadata(opts.CustomMetadata),
		Uploaded:       now,
		ExpiresAt:      expiryFrom(now, opts.ExpirationTTL),
	})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(target+fileMetaSuffix, meta, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("commit file: %w", err)
	}
	return nil
}

func (f *FileBucket) Get(ctx context.Context, key string) (*Object, error) {
	obj, err := f.Head(ctx, key)
	if err != nil || obj == nil {
		return obj, err
	}
	file, err := os.Open(f.objectPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	obj.body = file
	return obj, nil
}

func (f *FileBucket) Head(ctx context.Context, key string) (*Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	path := f.objectPath(key)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat object: %w", err)
	}
	var meta fileMeta
	if data, err := os.ReadFile(path + fileMetaSuffix); err == nil {
		_ = json.Unmarshal(data, &meta)
	}
	if expired(meta.ExpiresAt, f.now()) {
		_ = f.Delete(ctx, key)
		return nil, nil
	}
	uploaded := meta.Uploaded
	if uploaded.IsZero() {
		uploaded = info.ModTime().UTC()
	}
	return &Object{
		Key:            key,
		Size:           info.Size(),
		ContentType:    meta.ContentType,
		CustomMetadata: copyMetadata(meta.CustomMetadata),
		Uploaded:       uploaded,
		ExpiresAt:      meta.ExpiresAt,
	}, nil
}

func (f *FileBucket) Delete(ctx context.Context, key string) error {
	path := f.objectPath(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	if err := os.Remove(path + fileMetaSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return nil
}

func (f *FileBucket) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return ListResult{}, fmt.Errorf("read storage dir: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, fileMetaSuffix) {
			continue
		}
		raw, err := hex.DecodeString(name)
		if err != nil {
			continue
		}
		keys = append(keys, string(raw))
	}
	page, cursor, truncated := pageKeys(keys, opts)
	out := ListResult{Cursor: cursor, Truncated: truncated}
	for _, k := range page {
		obj, err := f.Head(ctx, k)
		if err != nil {
			return ListResult{}, err
		}
		if obj != nil {
			out.Objects = append(out.Objects, *obj)
		}
	}
	return out, nil
}
