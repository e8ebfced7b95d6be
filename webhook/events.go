package webhook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event names form a closed set; subscriptions naming anything else are
// rejected at ingress. payment.confirmed marks the end of confirmation
// tracking; payment.completed is reserved for the terminal acknowledgement
// after settlement.
const (
	EventPaymentReceived     = "payment.received"
	EventPaymentConfirmed    = "payment.confirmed"
	EventPaymentCompleted    = "payment.completed"
	EventPaymentFailed       = "payment.failed"
	EventPaymentUnderpaid    = "payment.underpaid"
	EventAddressCreated      = "address.created"
	EventAddressExpired      = "address.expired"
	EventSettlementCompleted = "settlement.completed"
	EventTransactionSettled  = "transaction.settled"
	EventRefundInitiated     = "refund.initiated"
	EventRefundCompleted     = "refund.completed"
	EventRefundFailed        = "refund.failed"
	EventPayoutInitiated     = "payout.initiated"
	EventPayoutProcessing    = "payout.processing"
	EventPayoutCompleted     = "payout.completed"
	EventPayoutFailed        = "payout.failed"

	// EventTest is emitted by the test-delivery route only and is not part
	// of the subscribable set.
	EventTest = "webhook.test"
)

var eventSet = map[string]struct{}{
	EventPaymentReceived:     {},
	EventPaymentConfirmed:    {},
	EventPaymentCompleted:    {},
	EventPaymentFailed:       {},
	EventPaymentUnderpaid:    {},
	EventAddressCreated:      {},
	EventAddressExpired:      {},
	EventSettlementCompleted: {},
	EventTransactionSettled:  {},
	EventRefundInitiated:     {},
	EventRefundCompleted:     {},
	EventRefundFailed:        {},
	EventPayoutInitiated:     {},
	EventPayoutProcessing:    {},
	EventPayoutCompleted:     {},
	EventPayoutFailed:        {},
}

// KnownEvent reports whether name belongs to the subscribable event set.
func KnownEvent(name string) bool {
	_, ok := eventSet[strings.TrimSpace(name)]
	return ok
}

// ValidateEvents checks a subscription's requested event list.
func ValidateEvents(names []string) (invalid []string) {
	for _, name := range names {
		if !KnownEvent(name) {
			invalid = append(invalid, name)
		}
	}
	return invalid
}

// EncodeEvents serializes a subscription event list for storage.
func EncodeEvents(names []string) string {
	cleaned := make([]string, 0, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return strings.Join(cleaned, ",")
}

// DecodeEvents parses a stored subscription event list.
func DecodeEvents(stored string) []string {
	if strings.TrimSpace(stored) == "" {
		return nil
	}
	parts := strings.Split(stored, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Subscribed reports whether the stored event list contains name.
func Subscribed(stored, name string) bool {
	for _, evt := range DecodeEvents(stored) {
		if evt == name {
			return true
		}
	}
	return false
}

// Job is the webhook.send queue payload. A nil WebhookID fans the event out
// to every subscribed endpoint; a concrete id targets one endpoint, which is
// how retries and test deliveries stay serialized per endpoint.
type Job struct {
	MerchantID uuid.UUID       `json:"merchantId"`
	WebhookID  *uuid.UUID      `json:"webhookId,omitempty"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	Attempt    int             `json:"attempt"`
}

// Envelope is the wire body POSTed to the merchant endpoint.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope stamps the event with an ISO-8601 timestamp.
func NewEnvelope(event string, data json.RawMessage, now time.Time) Envelope {
	return Envelope{
		Event:     event,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data:      data,
	}
}
