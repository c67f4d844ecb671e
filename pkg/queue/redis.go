package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"manuscripthub/internal/util"
)

// Redis implements Queue on Redis Streams with one consumer group per
// queue. Delayed sends and retries wait in a sorted set and are promoted
// into the stream by the consume loop. Entries left pending by a dead
// consumer are reclaimed after ClaimIdle.
type Redis struct {
	client       *redis.Client
	prefix       string
	group        string
	consumerBase string
	block        time.Duration
	claimIdle    time.Duration
	maxLen       int64
	now          func() time.Time
	groups       sync.Map
}

type RedisConfig struct {
	Prefix    string
	Group     string
	Consumer  string
	Block     time.Duration
	ClaimIdle time.Duration
	MaxLen    int64
}

func NewRedis(client *redis.Client, cfg RedisConfig) (*Redis, error) {
	if client == nil {
		return nil, errors.New("queue: redis client required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "manuscripthub"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "consumers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	block := cfg.Block
	if block <= 0 {
		block = 2 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 35 * time.Minute
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Redis{
		client:       client,
		prefix:       prefix,
		group:        group,
		consumerBase: consumer,
		block:        block,
		claimIdle:    claimIdle,
		maxLen:       maxLen,
		now:          time.Now,
	}, nil
}

func (q *Redis) streamKey(name string) string {
	return q.prefix + ":queue:" + name
}

func (q *Redis) delayedKey(name string) string {
	return q.prefix + ":queue:" + name + ":delayed"
}

func (q *Redis) Send(ctx context.Context, name string, payload any, opts SendOptions) error {
	name, err := validName(name)
	if err != nil {
		return err
	}
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if opts.Delay > 0 {
		return q.client.ZAdd(ctx, q.delayedKey(name), q.delayedMember(body, 0, opts.Delay)).Err()
	}
	return q.client.XAdd(ctx, q.addArgs(name, body, 0)).Err()
}

func (q *Redis) addArgs(name string, body []byte, attempts int) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.streamKey(name),
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"body":     string(body),
			"attempts": strconv.Itoa(attempts),
		},
	}
}

// delayedMember encodes the attempt count ahead of the body so that two
// identical payloads scheduled together stay distinct.
func (q *Redis) delayedMember(body []byte, attempts int, delay time.Duration) redis.Z {
	due := q.now().Add(delay)
	member := strconv.Itoa(attempts) + ":" + util.NewID() + ":" + string(body)
	return redis.Z{Score: float64(due.UnixMilli()), Member: member}
}

func parseDelayedMember(member string) (int, []byte, bool) {
	parts := strings.SplitN(member, ":", 3)
	if len(parts) != 3 {
		return 0, nil, false
	}
	attempts, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, nil, false
	}
	return attempts, []byte(parts[2]), true
}

// promoteDelayed moves due entries into the stream. ZREM decides which
// consumer wins an entry.
func (q *Redis) promoteDelayed(ctx context.Context, name string, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(name), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey(name), member).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		attempts, body, ok := parseDelayedMember(member)
		if !ok {
			slog.Warn("queue_delayed_entry_invalid", "queue", name)
			continue
		}
		if err := q.client.XAdd(ctx, q.addArgs(name, body, attempts)).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (q *Redis) ensureGroup(ctx context.Context, name string) error {
	if _, ok := q.groups.Load(name); ok {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.streamKey(name), q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.groups.Store(name, struct{}{})
	return nil
}

// Consume runs opts.Concurrency consumers until ctx is canceled.
func (q *Redis) Consume(ctx context.Context, name string, opts ConsumeOptions, h Handler) error {
	name, err := validName(name)
	if err != nil {
		return err
	}
	opts = opts.withDefaults()
	if err := q.ensureGroup(ctx, name); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, name, consumer, opts, h)
		}()
	}
	wg.Wait()
	return nil
}

func (q *Redis) consumeLoop(ctx context.Context, name, consumer string, opts ConsumeOptions, h Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := q.poll(ctx, name, consumer, opts, h, q.block); err != nil && ctx.Err() == nil {
			slog.Warn("queue_poll_failed", "queue", name, "consumer", consumer, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// poll runs one round: promote, reclaim, read. A negative block makes the
// read non-blocking.
func (q *Redis) poll(ctx context.Context, name, consumer string, opts ConsumeOptions, h Handler, block time.Duration) (int, error) {
	if _, err := q.promoteDelayed(ctx, name, int64(opts.BatchSize)); err != nil {
		return 0, err
	}
	handled := 0
	claimed, err := q.claimPending(ctx, name, consumer, int64(opts.BatchSize))
	if err != nil {
		return 0, err
	}
	for _, msg := range claimed {
		q.reclaimEntry(ctx, name, msg, opts)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.streamKey(name), ">"},
		Count:    int64(opts.BatchSize),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return handled, nil
	}
	if err != nil {
		return handled, err
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			q.handleEntry(ctx, name, msg, opts, h)
			handled++
		}
	}
	return handled, nil
}

func (q *Redis) claimPending(ctx context.Context, name, consumer string, count int64) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.streamKey(name),
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// reclaimEntry counts the abandoned delivery against the attempt budget.
// The entry is re-added with the incremented count, or dead-lettered once
// the budget is spent, so a message that keeps killing its consumer cannot
// circulate forever.
func (q *Redis) reclaimEntry(ctx context.Context, name string, entry redis.XMessage, opts ConsumeOptions) {
	body, _ := entry.Values["body"].(string)
	prior, _ := strconv.Atoi(fmt.Sprint(entry.Values["attempts"]))
	if body == "" {
		q.ackAndDel(ctx, name, entry.ID)
		return
	}
	attempts := prior + 1
	if attempts >= opts.MaxAttempts {
		if err := q.ackAndDel(ctx, name, entry.ID); err != nil {
			slog.Warn("queue_reclaim_failed", "queue", name, "message_id", entry.ID, "err", err)
			return
		}
		msg := &Message{ID: entry.ID, Queue: name, Body: []byte(body), Attempts: attempts, maxAttempts: opts.MaxAttempts, state: actionDeadLetter}
		slog.Error("queue_dead_letter", "queue", name, "message_id", entry.ID, "attempts", attempts, "err", ErrAbandoned)
		if opts.OnDeadLetter != nil {
			opts.OnDeadLetter(msg, ErrAbandoned)
		}
		return
	}
	if err := q.requeueAndAck(ctx, name, entry.ID, []byte(body), attempts, 0); err != nil {
		slog.Warn("queue_reclaim_failed", "queue", name, "message_id", entry.ID, "err", err)
		return
	}
	slog.Warn("queue_entry_reclaimed", "queue", name, "message_id", entry.ID, "attempts", attempts)
}

func (q *Redis) handleEntry(ctx context.Context, name string, entry redis.XMessage, opts ConsumeOptions, h Handler) {
	body, _ := entry.Values["body"].(string)
	prior, _ := strconv.Atoi(fmt.Sprint(entry.Values["attempts"]))
	if body == "" {
		q.ackAndDel(ctx, name, entry.ID)
		return
	}
	msg := &Message{ID: entry.ID, Queue: name, Body: []byte(body), Attempts: prior + 1, maxAttempts: opts.MaxAttempts}
	msg.settle = func(ctx context.Context, action settleAction, delay time.Duration) error {
		switch action {
		case actionRetry:
			return q.requeueAndAck(ctx, name, entry.ID, msg.Body, msg.Attempts, delay)
		default:
			return q.ackAndDel(ctx, name, entry.ID)
		}
	}
	deliver(ctx, msg, opts, h)
}

func (q *Redis) ackAndDel(ctx context.Context, name, id string) error {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.streamKey(name), q.group, id)
	pipe.XDel(ctx, q.streamKey(name), id)
	_, err := pipe.Exec(ctx)
	return err
}

// requeueAndAck schedules the next attempt and settles the current entry in
// one transaction, so a failure leaves the original pending for reclaim.
func (q *Redis) requeueAndAck(ctx context.Context, name, id string, body []byte, attempts int, delay time.Duration) error {
	pipe := q.client.TxPipeline()
	if delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey(name), q.delayedMember(body, attempts, delay))
	} else {
		pipe.XAdd(ctx, q.addArgs(name, body, attempts))
	}
	pipe.XAck(ctx, q.streamKey(name), q.group, id)
	pipe.XDel(ctx, q.streamKey(name), id)
	_, err := pipe.Exec(ctx)
	return err
}
