package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"chainpay/observability/metrics"
)

const (
	headerAttempt = "x-attempt"
	headerKey     = "x-business-key"
	publishWait   = 5 * time.Second
)

// AMQPBus carries jobs over RabbitMQ. Work queues are durable; delayed
// redelivery uses a per-queue retry queue whose dead-letter route points back
// at the work queue, with the delay set per message via expiration.
type AMQPBus struct {
	url    string
	logger *slog.Logger
	onFail FailureHook

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared map[string]bool
	closed   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// DialAMQP connects to the broker and declares the gateway queues.
func DialAMQP(url string, logger *slog.Logger, onFail FailureHook) (*AMQPBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial broker: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := &AMQPBus{
		url:      url,
		logger:   logger,
		onFail:   onFail,
		conn:     conn,
		pubCh:    pubCh,
		declared: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, name := range Names {
		if err := bus.declare(name); err != nil {
			cancel()
			_ = conn.Close()
			return nil, err
		}
	}
	return bus, nil
}

func (b *AMQPBus) declare(queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declared[queue] {
		return nil
	}
	if _, err := b.pubCh.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare %s: %w", queue, err)
	}
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}
	if _, err := b.pubCh.QueueDeclare(queue+".retry", true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("queue: declare %s.retry: %w", queue, err)
	}
	b.declared[queue] = true
	return nil
}

// Publish sends the message to the named durable queue.
func (b *AMQPBus) Publish(ctx context.Context, queue string, msg Message) error {
	return b.publish(ctx, queue, msg, 0)
}

// PublishAfter routes through the retry queue so the broker redelivers after
// the delay.
func (b *AMQPBus) PublishAfter(ctx context.Context, queue string, msg Message, delay time.Duration) error {
	return b.publish(ctx, queue, msg, delay)
}

func (b *AMQPBus) publish(ctx context.Context, queue string, msg Message, delay time.Duration) error {
	if err := b.declare(queue); err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
		Headers: amqp.Table{
			headerAttempt: int32(msg.Attempt),
			headerKey:     msg.Key,
		},
	}
	routing := queue
	if delay > 0 {
		routing = queue + ".retry"
		pub.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	ctx, cancel := context.WithTimeout(ctx, publishWait)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		done <- b.pubCh.Publish("", routing, false, false, pub)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("queue: publish %s: %w", queue, err)
		}
		metrics.Gateway().QueuePublished.WithLabelValues(queue).Inc()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: publish %s: %w", queue, ctx.Err())
	}
}

// Subscribe consumes the queue with the given worker parallelism. Each
// delivery is acked exactly once: success and terminal failure both ack,
// retryable failure acks after republishing to the retry queue.
func (b *AMQPBus) Subscribe(queue string, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}
	if err := b.declare(queue); err != nil {
		return err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: consumer channel %s: %w", queue, err)
	}
	if err := ch.Qos(workers, 0, false); err != nil {
		return fmt.Errorf("queue: qos %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume %s: %w", queue, err)
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-b.ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					b.handle(queue, d, h)
				}
			}
		}()
	}
	return nil
}

func (b *AMQPBus) handle(queue string, d amqp.Delivery, h Handler) {
	msg := Message{
		ID:   d.MessageId,
		Body: d.Body,
	}
	if v, ok := d.Headers[headerKey].(string); ok {
		msg.Key = v
	}
	if v, ok := d.Headers[headerAttempt].(int32); ok {
		msg.Attempt = int(v)
	}
	err := h(b.ctx, msg)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if delay, ok := RetryDelay(err); ok {
		msg.Attempt++
		metrics.Gateway().QueueRedelivered.WithLabelValues(queue).Inc()
		if pubErr := b.publish(b.ctx, queue, msg, delay); pubErr != nil {
			b.logger.Error("retry publish failed, nacking for broker redelivery",
				"queue", queue, "key", msg.Key, "err", pubErr)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		return
	}
	// Terminal failure: ack and surface through the failure hook.
	b.logger.Error("job failed terminally", "queue", queue, "key", msg.Key, "err", err)
	if b.onFail != nil {
		b.onFail(queue, msg, err)
	}
	_ = d.Ack(false)
}

// Close tears down consumers and the connection.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	return b.conn.Close()
}
