package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics aggregates the counters and gauges emitted by the payment
// pipeline. All members are process-wide singletons registered once.
type GatewayMetrics struct {
	PaymentsDetected    *prometheus.CounterVec
	TransactionsByState *prometheus.CounterVec
	WebhookDeliveries   *prometheus.CounterVec
	WebhookFailures     *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
	QueuePublished      *prometheus.CounterVec
	QueueRedelivered    *prometheus.CounterVec
	SettlementLatency   prometheus.Histogram
	PayoutErrors        *prometheus.CounterVec
	RefundsProcessed    *prometheus.CounterVec
	ColdTransfers       prometheus.Counter
	AddressesIssued     prometheus.Counter
	AddressesExpired    prometheus.Counter
}

var (
	once     sync.Once
	registry *GatewayMetrics
)

// Gateway returns the shared metrics registry, registering collectors on
// first use.
func Gateway() *GatewayMetrics {
	once.Do(func() {
		registry = &GatewayMetrics{
			PaymentsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainpay_payments_detected_total",
				Help: "Count of inbound transfer detections by source.",
			}, []string{"source"}),
			TransactionsByState: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainpay_transaction_transitions_total",
				Help: "Count of transaction state transitions by target state.",
			}, []string{"state"}),
			WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainpay_webhook_deliveries_total",
				Help: "Count of webhook delivery attempts by outcome.",
			}, []string{"outcome"}),
			WebhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainpay_webhook_failures_total",
				Help: "Count of webhook endpoints flipped to FAILED by event.",
			}, []string{"event"}),
			QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "chainpay_queue_depth",
				Help: "Approximate pending messages per queue.",
			}, []string{"queue"}),
			QueuePublished: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainpay_queue_published_total",
				Help: "Messages published per queue.",
			}, []string{"queue"}),
			QueueRedelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainpay_queue_redelivered_total",
				Help: "Messages redelivered after nack per queue.",
			}, []string{"queue"}),
			SettlementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "chainpay_settlement_latency_seconds",
				Help:    "Time from confirmation to settlement submission.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			}),
			PayoutErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainpay_payout_errors_total",
				Help: "Payout failures by reason.",
			}, []string{"reason"}),
			RefundsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "chainpay_refunds_processed_total",
				Help: "Refund executions by outcome.",
			}, []string{"outcome"}),
			ColdTransfers: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "chainpay_cold_transfers_total",
				Help: "Completed hot-to-cold rebalance transfers.",
			}),
			AddressesIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "chainpay_addresses_issued_total",
				Help: "Payment addresses issued.",
			}),
			AddressesExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "chainpay_addresses_expired_total",
				Help: "Payment addresses expired by the sweeper.",
			}),
		}
		prometheus.MustRegister(
			registry.PaymentsDetected,
			registry.TransactionsByState,
			registry.WebhookDeliveries,
			registry.WebhookFailures,
			registry.QueueDepth,
			registry.QueuePublished,
			registry.QueueRedelivered,
			registry.SettlementLatency,
			registry.PayoutErrors,
			registry.RefundsProcessed,
			registry.ColdTransfers,
			registry.AddressesIssued,
			registry.AddressesExpired,
		)
	})
	return registry
}
