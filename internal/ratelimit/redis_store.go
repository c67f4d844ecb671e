package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript applies one hit atomically on a hash holding count
// and windowStart (unix ms). It returns {count, windowStart, allowed}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local start = tonumber(redis.call("HGET", KEYS[1], "windowStart") or "0")
local count = tonumber(redis.call("HGET", KEYS[1], "count") or "0")
if start == 0 or now - start >= window then
  redis.call("HSET", KEYS[1], "count", 1, "windowStart", now)
  redis.call("PEXPIRE", KEYS[1], window)
  return {1, now, 1}
end
if count < limit then
  count = redis.call("HINCRBY", KEYS[1], "count", 1)
  return {count, start, 1}
end
return {count, start, 0}
`)

// RedisStore keeps windows in Redis; each hit is a single atomic script.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "manuscripthub"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Hit(ctx context.Context, key string, lim Limit, now time.Time) (Window, error) {
	windowMs := lim.Window.Milliseconds()
	if windowMs <= 0 || lim.Limit <= 0 {
		return Window{Allowed: true, WindowStart: now}, nil
	}
	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.prefix + ":" + key}, now.UnixMilli(), windowMs, lim.Limit).Int64Slice()
	if err != nil {
		return Window{}, err
	}
	if len(res) != 3 {
		return Window{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}
	return Window{Count: int(res[0]), WindowStart: time.UnixMilli(res[1]), Allowed: res[2] == 1}, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string, lim Limit, now time.Time) (Window, error) {
	if lim.Window <= 0 || lim.Limit <= 0 {
		return Window{Allowed: true, WindowStart: now}, nil
	}
	vals, err := s.client.HMGet(ctx, s.prefix+":"+key, "count", "windowStart").Result()
	if err != nil {
		return Window{}, err
	}
	var w kvWindow
	if len(vals) == 2 {
		w.Count, _ = strconv.Atoi(fmt.Sprint(vals[0]))
		w.WindowStart, _ = strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	}
	return peekWindow(w, lim, now), nil
}
