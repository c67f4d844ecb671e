package substrate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"manuscripthub/pkg/kv"
	"manuscripthub/pkg/queue"
	"manuscripthub/pkg/session"
)

func baseSettings() Settings {
	return Settings{
		Environment:    "test",
		FrontendURL:    "http://localhost:3000",
		DatabaseDriver: DriverSQLite,
		DatabaseURL:    "file:substrate_test?mode=memory&cache=shared",
		KVDriver:       DriverMemory,
		QueueDriver:    DriverMemory,
		BucketDriver:   DriverMemory,
		SessionSecret:  "0123456789abcdef0123",
		JWTSecret:      "jwt-secret-0123456789",
	}
}

func TestMissingNamesEveryVariable(t *testing.T) {
	s := Settings{}
	s.Normalize()
	err := s.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, name := range []string{"DATABASE_URL", "SESSION_SECRET", "JWT_SECRET", "ENVIRONMENT", "FRONTEND_URL", "REDIS_URL", "BUCKET_ENDPOINT", "BUCKET_RAW", "BUCKET_BACKUPS"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error does not name %s: %v", name, err)
		}
	}
}

func TestMissingDependsOnDrivers(t *testing.T) {
	s := baseSettings()
	s.Normalize()
	if missing := s.Missing(); len(missing) != 0 {
		t.Fatalf("unexpected missing: %v", missing)
	}
	s.QueueDriver = DriverAMQP
	if missing := s.Missing(); len(missing) != 1 || missing[0] != "AMQP_URL" {
		t.Fatalf("expected AMQP_URL, got %v", missing)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	s := baseSettings()
	s.KVDriver = "etcd"
	s.Normalize()
	if err := s.Validate(); err == nil || !strings.Contains(err.Error(), `kv driver "etcd"`) {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}

func TestApplyLookupOverridesFile(t *testing.T) {
	s := baseSettings()
	env := map[string]string{"REDIS_URL": "redis://cache:6379/0", "BUCKET_USE_SSL": "true", "KV_DRIVER": "badger"}
	s.ApplyLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if s.RedisURL != "redis://cache:6379/0" || !s.BucketUseSSL || s.KVDriver != "badger" {
		t.Fatalf("overrides not applied: %+v", s)
	}
}

func TestOpenInMemory(t *testing.T) {
	ctx := context.Background()
	s := baseSettings()
	s.KVDriver = DriverBadger
	rt, err := Open(ctx, s)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	if _, ok := rt.Env.KV.(*kv.Badger); !ok {
		t.Fatalf("expected badger kv, got %T", rt.Env.KV)
	}
	if _, ok := rt.Env.Queue.(*queue.Memory); !ok {
		t.Fatalf("expected memory queue, got %T", rt.Env.Queue)
	}
	if err := rt.Env.KV.Put(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("kv put: %v", err)
	}
	token, err := rt.Env.Sessions.Create(ctx, "u1", time.Hour, session.Fingerprint{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	rec, err := rt.Env.Sessions.Read(ctx, token)
	if err != nil || rec == nil || rec.PrincipalID != "u1" {
		t.Fatalf("read session: %+v %v", rec, err)
	}
	if rt.Env.Buckets.Raw == nil || rt.Env.Buckets.Backups == nil {
		t.Fatalf("buckets not opened")
	}
}

func TestOpenRedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	s := baseSettings()
	s.DatabaseURL = "file:substrate_redis?mode=memory&cache=shared"
	s.KVDriver = DriverRedis
	s.QueueDriver = DriverRedis
	s.RedisURL = "redis://" + mr.Addr() + "/0"
	rt, err := Open(context.Background(), s)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	if _, ok := rt.Env.Sessions.(*session.RedisStore); !ok {
		t.Fatalf("expected redis sessions, got %T", rt.Env.Sessions)
	}
	if _, ok := rt.Env.Queue.(*queue.Redis); !ok {
		t.Fatalf("expected redis queue, got %T", rt.Env.Queue)
	}
	if rt.RateLimitStore() == nil {
		t.Fatalf("expected rate limit store")
	}
	if err := rt.Env.KV.Put(context.Background(), "status:x", "1", time.Minute); err != nil {
		t.Fatalf("kv put: %v", err)
	}
	if !mr.Exists("manuscripthub:status:x") {
		t.Fatalf("expected prefixed key in redis, keys: %v", mr.Keys())
	}
}

func TestOpenRedisUnreachable(t *testing.T) {
	s := baseSettings()
	s.DatabaseURL = "file:substrate_down?mode=memory&cache=shared"
	s.KVDriver = DriverRedis
	s.RedisURL = "redis://127.0.0.1:1/0"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Open(ctx, s); err == nil {
		t.Fatalf("expected connect failure")
	}
}
