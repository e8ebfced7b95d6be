package queue

import (
	"context"
	"sync"
	"time"

	"chainpay/observability/metrics"
)

// MemoryBus is an in-process Bus used by tests and single-node deployments
// without a broker. Semantics match the AMQP bus: at-least-once delivery,
// one consumer per message, delayed redelivery on retry.
type MemoryBus struct {
	mu       sync.Mutex
	queues   map[string]chan Message
	capacity int
	onFail   FailureHook

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryBus constructs an in-memory bus with bounded per-queue capacity.
func NewMemoryBus(capacity int, onFail FailureHook) *MemoryBus {
	if capacity <= 0 {
		capacity = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		queues:   make(map[string]chan Message),
		capacity: capacity,
		onFail:   onFail,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *MemoryBus) channel(queue string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[queue]
	if !ok {
		ch = make(chan Message, b.capacity)
		b.queues[queue] = ch
	}
	return ch
}

// Publish enqueues the message for delivery.
func (b *MemoryBus) Publish(ctx context.Context, queue string, msg Message) error {
	select {
	case b.channel(queue) <- msg:
		m := metrics.Gateway()
		m.QueuePublished.WithLabelValues(queue).Inc()
		m.QueueDepth.WithLabelValues(queue).Set(float64(len(b.channel(queue))))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishAfter enqueues the message once the delay elapses.
func (b *MemoryBus) PublishAfter(ctx context.Context, queue string, msg Message, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, queue, msg)
	}
	b.wg.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer b.wg.Done()
		_ = b.Publish(b.ctx, queue, msg)
	})
	go func() {
		<-b.ctx.Done()
		if timer.Stop() {
			b.wg.Done()
		}
	}()
	return nil
}

// Subscribe starts worker goroutines consuming the queue.
func (b *MemoryBus) Subscribe(queue string, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}
	ch := b.channel(queue)
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-b.ctx.Done():
					return
				case msg := <-ch:
					b.dispatch(queue, msg, h)
				}
			}
		}()
	}
	return nil
}

func (b *MemoryBus) dispatch(queue string, msg Message, h Handler) {
	err := h(b.ctx, msg)
	if err == nil {
		return
	}
	if delay, ok := RetryDelay(err); ok {
		msg.Attempt++
		metrics.Gateway().QueueRedelivered.WithLabelValues(queue).Inc()
		_ = b.PublishAfter(b.ctx, queue, msg, delay)
		return
	}
	if b.onFail != nil {
		b.onFail(queue, msg, err)
	}
}

// Close stops workers and pending redeliveries.
func (b *MemoryBus) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}
