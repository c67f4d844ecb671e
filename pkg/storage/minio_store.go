package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	minioCustomMetaKey = "custom-metadata"
	minioExpiryMetaKey = "expires-at"
)

// MinioConfig addresses one S3-compatible bucket (MinIO, R2, S3).
type MinioConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// CreateBucket makes the bucket when it does not exist.
	CreateBucket bool
}

// MinioBucket implements Bucket for S3-compatible storage. Custom metadata
// is stored as one base64 JSON header so key case survives the round trip.
type MinioBucket struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// NewMinioBucket connects and verifies that the bucket exists.
func NewMinioBucket(ctx context.Context, cfg MinioConfig) (*MinioBucket, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if !cfg.CreateBucket {
			return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
		}
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioBucket{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

func (m *MinioBucket) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	if err := validateKey(key); err != nil {
		return err
	}
	userMeta := map[string]string{}
	if len(opts.CustomMetadata) > 0 {
		raw, err := json.Marshal(opts.CustomMetadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		userMeta[minioCustomMetaKey] = base64.RawURLEncoding.EncodeToString(raw)
	}
	if at := expiryFrom(m.now(), opts.ExpirationTTL); at != nil {
		userMeta[minioExpiryMetaKey] = formatExpiry(at)
	}
	size := opts.Size
	if size <= 0 {
		size = -1
	}
	_, err := m.client.PutObject(ctx, m.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: userMeta,
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (m *MinioBucket) Get(ctx context.Context, key string) (*Object, error) {
	head, err := m.Head(ctx, key)
	if err != nil || head == nil {
		return head, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	head.body = obj
	return head, nil
}

func (m *MinioBucket) Head(ctx context.Context, key string) (*Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}
	obj := objectFromInfo(info)
	if expired(obj.ExpiresAt, m.now()) {
		_ = m.Delete(ctx, key)
		return nil, nil
	}
	return obj, nil
}

func (m *MinioBucket) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// List pages keys with StartAfter. Listing does not fetch per-object
// metadata; callers needing it Head the returned keys.
func (m *MinioBucket) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	limit := normalizeLimit(opts.Limit)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := ListResult{}
	for info := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:     opts.Prefix,
		Recursive:  true,
		StartAfter: opts.Cursor,
	}) {
		if info.Err != nil {
			return ListResult{}, fmt.Errorf("list objects: %w", info.Err)
		}
		if len(out.Objects) == limit {
			out.Truncated = true
			out.Cursor = out.Objects[len(out.Objects)-1].Key
			break
		}
		out.Objects = append(out.Objects, Object{
			Key:         info.Key,
			Size:        info.Size,
			ContentType: info.ContentType,
			Uploaded:    info.LastModified.UTC(),
		})
	}
	return out, nil
}

func objectFromInfo(info minio.ObjectInfo) *Object {
	obj := &Object{
		Key:            info.Key,
		Size:           info.Size,
		ContentType:    info.ContentType,
		Uploaded:       info.LastModified.UTC(),
		CustomMetadata: map[string]string{},
	}
	if raw := lookupUserMeta(info.UserMetadata, minioCustomMetaKey); raw != "" {
		if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
			_ = json.Unmarshal(decoded, &obj.CustomMetadata)
		}
	}
	obj.ExpiresAt = parseExpiry(lookupUserMeta(info.UserMetadata, minioExpiryMetaKey))
	return obj
}

// lookupUserMeta tolerates both prefixed and canonicalized header names.
func lookupUserMeta(meta map[string]string, name string) string {
	for k, v := range meta {
		k = strings.ToLower(k)
		k = strings.TrimPrefix(k, "x-amz-meta-")
		if k == name {
			return v
		}
	}
	return ""
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
