package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue names carried by the bus. Every handler is idempotent on the
// message's business key.
const (
	TransactionDetect   = "transaction.detect"
	TransactionMonitor  = "transaction.monitor"
	SettlementSchedule  = "settlement.schedule"
	SettlementExecute   = "settlement.execute"
	ColdStorageTransfer = "coldstorage.transfer"
	PayoutExecute       = "payout.execute"
	RefundProcess       = "refund.process"
	WebhookSend         = "webhook.send"
)

// Names lists every queue the gateway declares at startup.
var Names = []string{
	TransactionDetect,
	TransactionMonitor,
	SettlementSchedule,
	SettlementExecute,
	ColdStorageTransfer,
	PayoutExecute,
	RefundProcess,
	WebhookSend,
}

// Message is one unit of work. Key is the business key the handler
// deduplicates on (txHash, settlement id, webhook id).
type Message struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Body    []byte `json:"body"`
	Attempt int    `json:"attempt"`
}

// NewMessage assigns a fresh message id for tracing.
func NewMessage(key string, body []byte) Message {
	return Message{ID: uuid.NewString(), Key: key, Body: body}
}

// Handler processes one message. Returning a RetryError requeues the message
// after the requested delay; any other error is terminal and recorded by the
// bus failure hook.
type Handler func(ctx context.Context, msg Message) error

// FailureHook observes terminally failed messages so they can be written to
// the audit log.
type FailureHook func(queue string, msg Message, err error)

// Bus is the internal job transport: named durable queues, at-least-once
// publish, single consumer per message.
type Bus interface {
	Publish(ctx context.Context, queue string, msg Message) error
	PublishAfter(ctx context.Context, queue string, msg Message, delay time.Duration) error
	Subscribe(queue string, workers int, h Handler) error
	Close() error
}

// RetryError wraps a handler failure with a redelivery delay.
type RetryError struct {
	After time.Duration
	Err   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Retry marks an error as retryable with the supplied delay.
func Retry(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after <= 0 {
		after = time.Second
	}
	return &RetryError{After: after, Err: err}
}

// RetryDelay extracts the requested redelivery delay, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RetryError
	if errors.As(err, &re) {
		return re.After, true
	}
	return 0, false
}

// Backoff computes the exponential delay for the given attempt: base*2^(n-1)
// capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
