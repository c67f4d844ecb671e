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

	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptsHeader = "x-attempts"

// AMQP implements Queue on RabbitMQ. Each queue gets a companion
// "<name>.delay" queue without consumers; delayed messages carry a
// per-message TTL and dead-letter back into the work queue on expiry.
type AMQP struct {
	conn *amqp.Connection

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
}

// DialAMQP connects with bounded retries.
func DialAMQP(ctx context.Context, url string) (*AMQP, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("queue: amqp url required")
	}
	var conn *amqp.Connection
	var err error
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= 3; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		slog.Warn("amqp_connect_failed", "attempt", attempt, "err", err)
		if attempt == 3 {
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return &AMQP{conn: conn, declared: map[string]bool{}}, nil
}

func (q *AMQP) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub != nil {
		_ = q.pub.Close()
	}
	return q.conn.Close()
}

func delayQueueName(name string) string {
	return name + ".delay"
}

func (q *AMQP) declare(ch *amqp.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", name, err)
	}
	_, err := ch.QueueDeclare(delayQueueName(name), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
	})
	if err != nil {
		return fmt.Errorf("declare %s: %w", delayQueueName(name), err)
	}
	return nil
}

// channel returns the shared publishing channel; callers hold q.mu.
func (q *AMQP) channel(name string) (*amqp.Channel, error) {
	if q.pub == nil || q.pub.IsClosed() {
		ch, err := q.conn.Channel()
		if err != nil {
			return nil, err
		}
		q.pub = ch
		q.declared = map[string]bool{}
	}
	if !q.declared[name] {
		if err := q.declare(q.pub, name); err != nil {
			return nil, err
		}
		q.declared[name] = true
	}
	return q.pub, nil
}

func (q *AMQP) Send(ctx context.Context, name string, payload any, opts SendOptions) error {
	name, err := validName(name)
	if err != nil {
		return err
	}
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return q.publish(ctx, name, body, 0, opts.Delay)
}

func (q *AMQP) publish(ctx context.Context, name string, body []byte, attempts int, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, err := q.channel(name)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
		Headers:      amqp.Table{attemptsHeader: int32(attempts)},
	}
	target := name
	if delay > 0 {
		target = delayQueueName(name)
		msg.Expiration = expiration(delay)
	}
	return ch.PublishWithContext(ctx, "", target, false, false, msg)
}

// expiration formats a per-message TTL in whole milliseconds.
func expiration(delay time.Duration) string {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

func headerAttempts(h amqp.Table) int {
	switch v := h[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// Consume opens a dedicated channel with prefetch BatchSize*Concurrency and
// runs Concurrency workers over its deliveries.
func (q *AMQP) Consume(ctx context.Context, name string, opts ConsumeOptions, h Handler) error {
	name, err := validName(name)
	if err != nil {
		return err
	}
	opts = opts.withDefaults()
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := q.declare(ch, name); err != nil {
		return err
	}
	if err := ch.Qos(opts.BatchSize*opts.Concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}
	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.handleDelivery(ctx, name, d, opts, h)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *AMQP) handleDelivery(ctx context.Context, name string, d amqp.Delivery, opts ConsumeOptions, h Handler) {
	msg := &Message{
		ID:          strconv.FormatUint(d.DeliveryTag, 10),
		Queue:       name,
		Body:        d.Body,
		Attempts:    headerAttempts(d.Headers) + 1,
		maxAttempts: opts.MaxAttempts,
	}
	if d.MessageId != "" {
		msg.ID = d.MessageId
	}
	msg.settle = func(ctx context.Context, action settleAction, delay time.Duration) error {
		if action == actionRetry {
			if err := q.publish(ctx, name, d.Body, msg.Attempts, delay); err != nil {
				_ = d.Nack(false, true)
				return err
			}
		}
		return d.Ack(false)
	}
	deliver(ctx, msg, opts, h)
}
