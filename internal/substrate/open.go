package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"manuscripthub/internal/ratelimit"
	"manuscripthub/pkg/env"
	"manuscripthub/pkg/kv"
	"manuscripthub/pkg/queue"
	"manuscripthub/pkg/session"
	"manuscripthub/pkg/sqldb"
	"manuscripthub/pkg/storage"
)

const connectAttempts = 3

// Runtime is an opened Env plus the handles that need closing.
type Runtime struct {
	Env      *env.Env
	Settings Settings
	Redis    *redis.Client

	closers []func() error
}

// Open connects every backend once. Each network adapter gets three
// attempts with doubling backoff; a failure closes what was opened.
func Open(ctx context.Context, s Settings) (rt *Runtime, err error) {
	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	rt = &Runtime{Settings: s, Env: &env.Env{Clock: func() time.Time { return time.Now().UTC() }}}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	slow, _ := s.SlowQuery()
	db, err := sqldb.Open(ctx, sqldb.Config{Driver: s.DatabaseDriver, DSN: s.DatabaseURL, SlowThreshold: slow, ConnectAttempts: connectAttempts})
	if err != nil {
		return nil, err
	}
	rt.Env.DB = db
	rt.closers = append(rt.closers, db.Close)

	if s.KVDriver == DriverRedis || s.QueueDriver == DriverRedis {
		client, err := openRedis(ctx, s.RedisURL)
		if err != nil {
			return nil, err
		}
		rt.Redis = client
		rt.closers = append(rt.closers, client.Close)
	}

	if err := rt.openKV(s); err != nil {
		return nil, err
	}
	if err := rt.openQueue(ctx, s); err != nil {
		return nil, err
	}
	buckets, err := openBuckets(ctx, s)
	if err != nil {
		return nil, err
	}
	rt.Env.Buckets = buckets

	if s.KVDriver == DriverRedis {
		rt.Env.Sessions = session.NewRedisStore(rt.Redis, s.KeyPrefix, s.SessionSecret)
	} else {
		rt.Env.Sessions = session.NewKVStore(rt.Env.KV, s.SessionSecret, rt.Env.Now)
	}
	slog.Info("substrate_opened",
		"database", s.DatabaseDriver,
		"kv", s.KVDriver,
		"queue", s.QueueDriver,
		"buckets", s.BucketDriver,
	)
	return rt, nil
}

func (rt *Runtime) openKV(s Settings) error {
	switch s.KVDriver {
	case DriverRedis:
		rt.Env.KV = kv.NewRedis(rt.Redis, s.KeyPrefix)
	case DriverBadger:
		store, err := kv.OpenBadger(s.BadgerDir)
		if err != nil {
			return err
		}
		rt.Env.KV = store
		rt.closers = append(rt.closers, store.Close)
	default:
		rt.Env.KV = kv.NewMemory(rt.Env.Now)
	}
	return nil
}

func (rt *Runtime) openQueue(ctx context.Context, s Settings) error {
	switch s.QueueDriver {
	case DriverRedis:
		q, err := queue.NewRedis(rt.Redis, queue.RedisConfig{Prefix: s.KeyPrefix, ClaimIdle: s.QueueClaimIdle})
		if err != nil {
			return err
		}
		rt.Env.Queue = q
	case DriverAMQP:
		q, err := queue.DialAMQP(ctx, s.AMQPURL)
		if err != nil {
			return err
		}
		rt.Env.Queue = q
		rt.closers = append(rt.closers, q.Close)
	default:
		rt.Env.Queue = queue.NewMemory(rt.Env.Now)
	}
	return nil
}

// RateLimitStore picks the atomic Redis store when Redis is available and
// the best-effort KV store otherwise.
func (rt *Runtime) RateLimitStore() ratelimit.Store {
	if rt.Redis != nil {
		return ratelimit.NewRedisStore(rt.Redis, rt.Settings.KeyPrefix)
	}
	return ratelimit.NewKVStore(rt.Env.KV)
}

// Close releases handles in reverse order of opening.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	err = retry(ctx, "redis", func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func openBuckets(ctx context.Context, s Settings) (storage.Buckets, error) {
	names := []struct {
		logical string
		bucket  string
	}{
		{storage.BucketRaw, s.BucketRaw},
		{storage.BucketProcessed, s.BucketProcessed},
		{storage.BucketMarketing, s.BucketMarketing},
		{storage.BucketBackups, s.BucketBackups},
	}
	opened := make([]storage.Bucket, len(names))
	for i, n := range names {
		var b storage.Bucket
		var err error
		switch s.BucketDriver {
		case DriverS3:
			err = retry(ctx, "bucket_"+n.logical, func(ctx context.Context) error {
				mb, err := storage.NewMinioBucket(ctx, storage.MinioConfig{
					Endpoint:     s.BucketEndpoint,
					Region:       s.BucketRegion,
					AccessKey:    s.BucketAccessKeyID,
					SecretKey:    s.BucketSecretAccessKey,
					Bucket:       n.bucket,
					UseSSL:       s.BucketUseSSL,
					CreateBucket: s.BucketCreate,
				})
				b = mb
				return err
			})
		case DriverFile:
			b, err = storage.NewFileBucket(filepath.Join(s.BucketDir, n.logical))
		default:
			b = storage.NewMemoryBucket(nil)
		}
		if err != nil {
			return storage.Buckets{}, err
		}
		opened[i] = b
	}
	return storage.Buckets{Raw: opened[0], Processed: opened[1], Marketing: opened[2], Backups: opened[3]}, nil
}

func retry(ctx context.Context, name string, fn func(context.Context) error) error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		slog.Warn("backend_connect_failed", "backend", name, "attempt", attempt, "err", err)
		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("connect %s: %w", name, err)
}
