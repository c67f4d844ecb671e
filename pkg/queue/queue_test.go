package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{40, maxBackoff},
	}
	for _, tc := range cases {
		if got := Backoff(time.Second, tc.attempt); got != tc.want {
			t.Fatalf("Backoff(1s, %d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestMemoryAckOnSuccess(t *testing.T) {
	q := NewMemory(nil)
	ctx := context.Background()
	if err := q.Send(ctx, "jobs", map[string]string{"reportId": "abc"}, SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	var got struct {
		ReportID string `json:"reportId"`
	}
	n, err := q.Drain(ctx, "jobs", ConsumeOptions{}, func(_ context.Context, msg *Message) error {
		return msg.Decode(&got)
	})
	if err != nil || n != 1 {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	if got.ReportID != "abc" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if q.Pending("jobs") != 0 {
		t.Fatal("acked message must be removed")
	}
}

func TestMemoryRetryBackoffAndDeadLetter(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemory(clock.Now)
	ctx := context.Background()
	_ = q.Send(ctx, "jobs", "x", SendOptions{})

	var attempts []int
	var deadCalls int
	opts := ConsumeOptions{MaxAttempts: 3, BaseBackoff: time.Second, OnDeadLetter: func(*Message, error) { deadCalls++ }}
	handler := func(_ context.Context, msg *Message) error {
		attempts = append(attempts, msg.Attempts)
		return errors.New("boom")
	}

	if n, _ := q.Drain(ctx, "jobs", opts, handler); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	if n, _ := q.Drain(ctx, "jobs", opts, handler); n != 0 {
		t.Fatal("retry must wait for its backoff")
	}
	next, ok := q.NextVisible("jobs")
	if !ok || next.Sub(clock.Now()) != 2*time.Second {
		t.Fatalf("expected 2s backoff after first attempt, got %s", next.Sub(clock.Now()))
	}
	clock.Advance(2 * time.Second)
	_, _ = q.Drain(ctx, "jobs", opts, handler)
	clock.Advance(4 * time.Second)
	_, _ = q.Drain(ctx, "jobs", opts, handler)

	if len(attempts) != 3 || attempts[2] != 3 {
		t.Fatalf("unexpected attempts %v", attempts)
	}
	if q.Pending("jobs") != 0 || q.DeadLettered("jobs") != 1 || deadCalls != 1 {
		t.Fatalf("expected message dead-lettered once, pending=%d dead=%d calls=%d", q.Pending("jobs"), q.DeadLettered("jobs"), deadCalls)
	}
}

func TestMemoryDelayedSend(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemory(clock.Now)
	ctx := context.Background()
	_ = q.Send(ctx, "jobs", "later", SendOptions{Delay: time.Minute})
	noop := func(context.Context, *Message) error { return nil }
	if n, _ := q.Drain(ctx, "jobs", ConsumeOptions{}, noop); n != 0 {
		t.Fatal("delayed message delivered early")
	}
	clock.Advance(time.Minute)
	if n, _ := q.Drain(ctx, "jobs", ConsumeOptions{}, noop); n != 1 {
		t.Fatal("delayed message not delivered after delay")
	}
}

func TestExplicitSettleWins(t *testing.T) {
	q := NewMemory(nil)
	ctx := context.Background()
	_ = q.Send(ctx, "jobs", "x", SendOptions{})
	_, _ = q.Drain(ctx, "jobs", ConsumeOptions{}, func(ctx context.Context, msg *Message) error {
		if err := msg.Ack(ctx); err != nil {
			return err
		}
		return errors.New("ignored after ack")
	})
	if q.Pending("jobs") != 0 {
		t.Fatal("explicit ack must not be overridden by the returned error")
	}
}

func TestDetachedMessage(t *testing.T) {
	msg := NewMessage("1", "jobs", []byte(`{}`), 1)
	if err := msg.Retry(context.Background(), time.Second); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ok, d := msg.Retried(); !ok || d != time.Second {
		t.Fatalf("expected recorded retry, got %v %s", ok, d)
	}
	if err := msg.Ack(context.Background()); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	last := NewMessage("2", "jobs", nil, 3)
	_ = last.Retry(context.Background(), time.Second)
	if !last.DeadLettered() {
		t.Fatal("retry on the final attempt must dead-letter")
	}
}

func newTestRedisQueue(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err := NewRedis(client, RedisConfig{Prefix: "test", Consumer: "c"})
	if err != nil {
		t.Fatalf("new redis queue: %v", err)
	}
	return q, mr
}

func TestRedisSendPollAck(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()
	if err := q.ensureGroup(ctx, "jobs"); err != nil {
		t.Fatalf("group: %v", err)
	}
	if err := q.Send(ctx, "jobs", map[string]int{"n": 1}, SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	var bodies []string
	n, err := q.poll(ctx, "jobs", "c-0", ConsumeOptions{}.withDefaults(), func(_ context.Context, msg *Message) error {
		bodies = append(bodies, string(msg.Body))
		if msg.Attempts != 1 {
			t.Fatalf("first delivery must have attempts=1, got %d", msg.Attempts)
		}
		return nil
	}, -1)
	if err != nil || n != 1 {
		t.Fatalf("poll: n=%d err=%v", n, err)
	}
	if len(bodies) != 1 || bodies[0] != `{"n":1}` {
		t.Fatalf("unexpected bodies %v", bodies)
	}
	pending, err := q.client.XPending(ctx, q.streamKey("jobs"), q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending entries, got %d", pending.Count)
	}
}

func TestRedisRetryGoesThroughDelayedSet(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q.now = clock.Now
	ctx := context.Background()
	_ = q.ensureGroup(ctx, "jobs")
	_ = q.Send(ctx, "jobs", "payload", SendOptions{})

	opts := ConsumeOptions{MaxAttempts: 2, BaseBackoff: time.Second}.withDefaults()
	var seen []int
	fail := func(_ context.Context, msg *Message) error {
		seen = append(seen, msg.Attempts)
		return errors.New("transient")
	}
	if _, err := q.poll(ctx, "jobs", "c-0", opts, fail, -1); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n := q.client.ZCard(ctx, q.delayedKey("jobs")).Val(); n != 1 {
		t.Fatalf("expected one delayed retry, got %d", n)
	}
	if n, _ := q.poll(ctx, "jobs", "c-0", opts, fail, -1); n != 0 {
		t.Fatal("retry delivered before its delay")
	}
	clock.Advance(5 * time.Second)
	if n, _ := q.poll(ctx, "jobs", "c-0", opts, fail, -1); n != 1 {
		t.Fatal("expected promoted retry to be delivered")
	}
	if len(seen) != 2 || seen[1] != 2 {
		t.Fatalf("unexpected attempts %v", seen)
	}
	if n := q.client.ZCard(ctx, q.delayedKey("jobs")).Val(); n != 0 {
		t.Fatalf("final attempt must be dead-lettered, delayed=%d", n)
	}
	if n := q.client.XLen(ctx, q.streamKey("jobs")).Val(); n != 0 {
		t.Fatalf("stream must be empty, len=%d", n)
	}
}

func TestRedisRequeueFailureKeepsPendingEntry(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()
	_ = q.ensureGroup(ctx, "jobs")
	_ = q.Send(ctx, "jobs", "payload", SendOptions{})
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "c-0",
		Streams:  []string{q.streamKey("jobs"), ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil || len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("readgroup: %v %+v", err, streams)
	}
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceled, "jobs", streams[0].Messages[0].ID, []byte("payload"), 1, 0); err == nil {
		t.Fatal("expected requeue to fail on canceled context")
	}
	pending, err := q.client.XPending(ctx, q.streamKey("jobs"), q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original entry to stay pending, got %d", pending.Count)
	}
}

// abandon reads the next entry without settling it, like a consumer that
// died mid-delivery.
func abandon(t *testing.T, q *Redis, name string) {
	t.Helper()
	streams, err := q.client.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "crashed",
		Streams:  []string{q.streamKey(name), ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil || len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("readgroup: %v %+v", err, streams)
	}
}

func TestRedisReclaimCountsAbandonedDeliveries(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	q.claimIdle = time.Millisecond
	ctx := context.Background()
	_ = q.ensureGroup(ctx, "jobs")
	_ = q.Send(ctx, "jobs", "payload", SendOptions{})
	abandon(t, q, "jobs")
	time.Sleep(10 * time.Millisecond)

	var seen []int
	opts := ConsumeOptions{MaxAttempts: 3}.withDefaults()
	if _, err := q.poll(ctx, "jobs", "c-0", opts, func(_ context.Context, msg *Message) error {
		seen = append(seen, msg.Attempts)
		return nil
	}, -1); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(seen) != 1 || seen[0] != 2 {
		t.Fatalf("reclaimed delivery must count the abandoned attempt, got %v", seen)
	}
	if n := q.client.XLen(ctx, q.streamKey("jobs")).Val(); n != 0 {
		t.Fatalf("stream must be empty, len=%d", n)
	}
}

func TestRedisReclaimDeadLettersRepeatedCrashes(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	q.claimIdle = time.Millisecond
	ctx := context.Background()
	_ = q.ensureGroup(ctx, "jobs")
	_ = q.Send(ctx, "jobs", "payload", SendOptions{})

	var dead []error
	opts := ConsumeOptions{MaxAttempts: 2, OnDeadLetter: func(msg *Message, err error) {
		dead = append(dead, err)
	}}.withDefaults()

	abandon(t, q, "jobs")
	time.Sleep(10 * time.Millisecond)
	claimed, err := q.claimPending(ctx, "jobs", "c-0", 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v %d", err, len(claimed))
	}
	q.reclaimEntry(ctx, "jobs", claimed[0], opts)

	abandon(t, q, "jobs")
	time.Sleep(10 * time.Millisecond)
	if _, err := q.poll(ctx, "jobs", "c-0", opts, func(context.Context, *Message) error {
		t.Fatal("a message past its attempt budget must not be delivered")
		return nil
	}, -1); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(dead) != 1 || !errors.Is(dead[0], ErrAbandoned) {
		t.Fatalf("expected one abandoned dead letter, got %v", dead)
	}
	if n := q.client.XLen(ctx, q.streamKey("jobs")).Val(); n != 0 {
		t.Fatalf("stream must be empty, len=%d", n)
	}
	pending, err := q.client.XPending(ctx, q.streamKey("jobs"), q.group).Result()
	if err != nil || pending.Count != 0 {
		t.Fatalf("expected nothing pending: %v %+v", err, pending)
	}
}

func TestDelayedMemberRoundTrip(t *testing.T) {
	q := &Redis{now: time.Now}
	z := q.delayedMember([]byte(`{"a":"b:c"}`), 2, time.Second)
	attempts, body, ok := parseDelayedMember(z.Member.(string))
	if !ok || attempts != 2 || string(body) != `{"a":"b:c"}` {
		t.Fatalf("unexpected decode: %d %q %v", attempts, body, ok)
	}
}

func TestAMQPHelpers(t *testing.T) {
	if got := expiration(1500 * time.Millisecond); got != "1500" {
		t.Fatalf("expiration = %q", got)
	}
	if got := expiration(time.Microsecond); got != "1" {
		t.Fatalf("sub-millisecond delay must round up, got %q", got)
	}
	if got := headerAttempts(amqp.Table{attemptsHeader: int32(2)}); got != 2 {
		t.Fatalf("headerAttempts = %d", got)
	}
	if got := headerAttempts(nil); got != 0 {
		t.Fatalf("missing header must read as 0, got %d", got)
	}
	if delayQueueName("analysis-queue") != "analysis-queue.delay" {
		t.Fatal("unexpected delay queue name")
	}
}
