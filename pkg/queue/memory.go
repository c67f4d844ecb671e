package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process queue. Drain delivers synchronously, which makes
// pipelines deterministic in tests.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	seq    int
	queues map[string][]*memEntry
	dead   map[string]int
}

type memEntry struct {
	id        string
	body      []byte
	attempts  int
	visibleAt time.Time
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, queues: map[string][]*memEntry{}, dead: map[string]int{}}
}

func (q *Memory) Send(_ context.Context, name string, payload any, opts SendOptions) error {
	name, err := validName(name)
	if err != nil {
		return err
	}
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.push(name, &memEntry{id: strconv.Itoa(q.seq), body: body, visibleAt: q.now().Add(opts.Delay)})
	return nil
}

func (q *Memory) push(name string, e *memEntry) {
	q.queues[name] = append(q.queues[name], e)
}

// Pending counts messages waiting in name, including delayed ones.
func (q *Memory) Pending(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[name])
}

// Bodies returns a copy of the waiting payloads in delivery order.
func (q *Memory) Bodies(name string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, len(q.queues[name]))
	for _, e := range q.queues[name] {
		out = append(out, append([]byte(nil), e.body...))
	}
	return out
}

// DeadLettered counts messages dropped from name.
func (q *Memory) DeadLettered(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dead[name]
}

// NextVisible returns the earliest visibility time in name.
func (q *Memory) NextVisible(name string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.queues[name]
	if len(entries) == 0 {
		return time.Time{}, false
	}
	next := entries[0].visibleAt
	for _, e := range entries[1:] {
		if e.visibleAt.Before(next) {
			next = e.visibleAt
		}
	}
	return next, true
}

// Drain delivers every message visible now, one at a time, until none is
// ready. Retries scheduled in the future stay queued. It returns the number
// of deliveries.
func (q *Memory) Drain(ctx context.Context, name string, opts ConsumeOptions, h Handler) (int, error) {
	opts = opts.withDefaults()
	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		msg := q.take(name, opts)
		if msg == nil {
			return delivered, nil
		}
		delivered++
		deliver(ctx, msg, opts, h)
	}
}

func (q *Memory) take(name string, opts ConsumeOptions) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.queues[name]
	now := q.now()
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].visibleAt.Before(entries[j].visibleAt) })
	if len(entries) == 0 || entries[0].visibleAt.After(now) {
		return nil
	}
	e := entries[0]
	q.queues[name] = entries[1:]
	e.attempts++
	msg := &Message{ID: e.id, Queue: name, Body: e.body, Attempts: e.attempts, maxAttempts: opts.MaxAttempts}
	msg.settle = func(_ context.Context, action settleAction, delay time.Duration) error {
		q.mu.Lock()
		defer q.mu.Unlock()
		switch action {
		case actionRetry:
			q.push(name, &memEntry{id: e.id, body: e.body, attempts: e.attempts, visibleAt: q.now().Add(delay)})
		case actionDeadLetter:
			q.dead[name]++
		}
		return nil
	}
	return msg
}

// Consume drains name on a short poll interval until ctx is canceled.
// Concurrency workers share the same backlog.
func (q *Memory) Consume(ctx context.Context, name string, opts ConsumeOptions, h Handler) error {
	if _, err := validName(name); err != nil {
		return err
	}
	opts = opts.withDefaults()
	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(20 * time.Millisecond)
			defer ticker.Stop()
			for {
				if msg := q.take(name, opts); msg != nil {
					deliver(ctx, msg, opts, h)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}
	wg.Wait()
	return nil
}
