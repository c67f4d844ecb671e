// Package queue delivers JSON messages at least once with bounded retries.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrEmptyQueue     = errors.New("queue: name required")
	ErrAlreadySettled = errors.New("queue: message already settled")
	// ErrAbandoned is reported for entries whose consumer died before
	// settling them.
	ErrAbandoned = errors.New("queue: delivery abandoned by consumer")
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 2 * time.Second
	maxBackoff         = 15 * time.Minute
)

// Queue is the producer and consumer side of a message queue.
// Consume blocks until ctx is canceled.
type Queue interface {
	Send(ctx context.Context, name string, payload any, opts SendOptions) error
	Consume(ctx context.Context, name string, opts ConsumeOptions, h Handler) error
}

// Handler processes one message. A nil return acks an unsettled message,
// an error retries it with exponential backoff.
type Handler func(ctx context.Context, msg *Message) error

type SendOptions struct {
	Delay time.Duration
}

type ConsumeOptions struct {
	Concurrency int
	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	// OnDeadLetter observes messages dropped after MaxAttempts.
	OnDeadLetter func(msg *Message, err error)
}

func (o ConsumeOptions) withDefaults() ConsumeOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = defaultBaseBackoff
	}
	return o
}

// Backoff returns base * 2^attempt, capped.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBaseBackoff
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

type settleAction int

const (
	actionAck settleAction = iota + 1
	actionRetry
	actionDeadLetter
)

type settleFunc func(ctx context.Context, action settleAction, delay time.Duration) error

// Message is one delivery. Attempts starts at 1.
type Message struct {
	ID       string
	Queue    string
	Body     []byte
	Attempts int

	maxAttempts int
	settle      settleFunc

	mu         sync.Mutex
	state      settleAction
	retryDelay time.Duration
}

// NewMessage builds a detached message whose Ack and Retry only record
// the outcome. Used to drive handlers directly.
func NewMessage(id, queueName string, body []byte, attempts int) *Message {
	if attempts <= 0 {
		attempts = 1
	}
	return &Message{ID: id, Queue: queueName, Body: body, Attempts: attempts, maxAttempts: defaultMaxAttempts}
}

// Decode unmarshals the JSON body into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s message %s: %w", m.Queue, m.ID, err)
	}
	return nil
}

// MaxAttempts is the delivery budget of the consumer that received m.
func (m *Message) MaxAttempts() int {
	return m.maxAttempts
}

// LastAttempt reports whether a retry would be dead-lettered.
func (m *Message) LastAttempt() bool {
	return m.Attempts >= m.maxAttempts
}

// Ack removes the message permanently.
func (m *Message) Ack(ctx context.Context) error {
	return m.settleOnce(ctx, actionAck, 0)
}

// Retry schedules redelivery after delay. Past the attempt budget the
// message is dead-lettered instead.
func (m *Message) Retry(ctx context.Context, delay time.Duration) error {
	if m.LastAttempt() {
		return m.settleOnce(ctx, actionDeadLetter, 0)
	}
	return m.settleOnce(ctx, actionRetry, delay)
}

func (m *Message) settleOnce(ctx context.Context, action settleAction, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != 0 {
		return ErrAlreadySettled
	}
	if m.settle != nil {
		if err := m.settle(ctx, action, delay); err != nil {
			return err
		}
	}
	m.state = action
	m.retryDelay = delay
	return nil
}

func (m *Message) Settled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != 0
}

func (m *Message) Acked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == actionAck
}

// Retried reports a scheduled redelivery and its delay.
func (m *Message) Retried() (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == actionRetry, m.retryDelay
}

func (m *Message) DeadLettered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == actionDeadLetter
}

// deliver runs h and settles whatever the handler left open.
func deliver(ctx context.Context, msg *Message, opts ConsumeOptions, h Handler) {
	err := safeHandle(ctx, msg, h)
	if !msg.Settled() {
		if err == nil {
			err = msg.Ack(ctx)
			if err != nil {
				slog.Warn("queue_ack_failed", "queue", msg.Queue, "message_id", msg.ID, "err", err)
			}
			return
		}
		if serr := msg.Retry(ctx, Backoff(opts.BaseBackoff, msg.Attempts)); serr != nil {
			slog.Warn("queue_retry_failed", "queue", msg.Queue, "message_id", msg.ID, "err", serr)
			return
		}
	}
	if msg.DeadLettered() {
		slog.Error("queue_dead_letter", "queue", msg.Queue, "message_id", msg.ID, "attempts", msg.Attempts, "err", err)
		if opts.OnDeadLetter != nil {
			opts.OnDeadLetter(msg, err)
		}
	}
}

func safeHandle(ctx context.Context, msg *Message, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return json.Marshal(payload)
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyQueue
	}
	return name, nil
}
