package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"chainpay/models"
	"chainpay/observability/metrics"
	"chainpay/queue"
	"chainpay/storage"
)

const (
	// DefaultRetryDelay is the base redelivery delay when a subscription does
	// not configure its own interval.
	DefaultRetryDelay = 15 * time.Second

	deliveryTimeout = 15 * time.Second
	retryDelayCap   = time.Hour
	busyRequeue     = time.Second
)

var errEndpointBusy = errors.New("webhook: endpoint delivery in flight")

// Store is the persistence surface the dispatcher consumes.
type Store interface {
	ActiveWebhooks(ctx context.Context, merchantID uuid.UUID) ([]models.Webhook, error)
	WebhookByID(ctx context.Context, merchantID, id uuid.UUID) (*models.Webhook, error)
	RecordWebhookSuccess(ctx context.Context, id uuid.UUID, now time.Time) error
	RecordWebhookFailure(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error)
	InsertWebhookAttempt(ctx context.Context, a *models.WebhookAttempt) error
}

// Publisher is the slice of the bus the dispatcher uses.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg queue.Message) error
	PublishAfter(ctx context.Context, queue string, msg queue.Message, delay time.Duration) error
}

// Dispatcher delivers signed event notifications to merchant endpoints. A
// fan-out job expands into one targeted job per subscribed endpoint; targeted
// jobs are serialized per endpoint so retries never interleave with fresh
// deliveries to the same URL.
type Dispatcher struct {
	store      Store
	bus        Publisher
	client     *http.Client
	limiter    *RateLimiter
	secret     string
	retryDelay time.Duration
	logger     *slog.Logger
	nowFn      func() time.Time

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

// Option customizes a dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the delivery client, used by tests.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithClock overrides the dispatcher clock.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.nowFn = now }
}

// WithRetryDelay overrides the base redelivery delay.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		if delay > 0 {
			d.retryDelay = delay
		}
	}
}

// NewDispatcher wires a dispatcher. secret is the fallback signing key for
// subscriptions without their own.
func NewDispatcher(store Store, bus Publisher, secret string, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:      store,
		bus:        bus,
		client:     &http.Client{Timeout: deliveryTimeout},
		limiter:    NewRateLimiter(),
		secret:     secret,
		retryDelay: DefaultRetryDelay,
		logger:     logger,
		nowFn:      time.Now,
		inFlight:   make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Emit publishes a fan-out job for the event onto the webhook.send queue.
func (d *Dispatcher) Emit(ctx context.Context, merchantID uuid.UUID, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("webhook: encode event data: %w", err)
	}
	job := Job{MerchantID: merchantID, Event: event, Data: raw}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("webhook: encode job: %w", err)
	}
	key := fmt.Sprintf("%s:%s", merchantID, event)
	return d.bus.Publish(ctx, queue.WebhookSend, queue.NewMessage(key, body))
}

// Handle is the webhook.send queue handler.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) error {
	var job Job
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return fmt.Errorf("webhook: decode job: %w", err)
	}
	if job.WebhookID == nil {
		return d.fanOut(ctx, job)
	}
	return d.deliverTargeted(ctx, job, msg.Attempt)
}

// fanOut expands an event into targeted jobs, one per ACTIVE subscription
// whose event list contains the event.
func (d *Dispatcher) fanOut(ctx context.Context, job Job) error {
	hooks, err := d.store.ActiveWebhooks(ctx, job.MerchantID)
	if err != nil {
		return queue.Retry(fmt.Errorf("webhook: load subscriptions: %w", err), d.retryDelay)
	}
	for i := range hooks {
		hook := hooks[i]
		if !Subscribed(hook.Events, job.Event) {
			continue
		}
		targeted := job
		targeted.WebhookID = &hook.ID
		body, err := json.Marshal(targeted)
		if err != nil {
			return fmt.Errorf("webhook: encode targeted job: %w", err)
		}
		key := fmt.Sprintf("%s:%s", hook.ID, job.Event)
		if err := d.bus.Publish(ctx, queue.WebhookSend, queue.NewMessage(key, body)); err != nil {
			return queue.Retry(err, d.retryDelay)
		}
	}
	return nil
}

func (d *Dispatcher) deliverTargeted(ctx context.Context, job Job, priorAttempts int) error {
	hook, err := d.store.WebhookByID(ctx, job.MerchantID, *job.WebhookID)
	if err != nil {
		// A deleted subscription drops queued deliveries silently.
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return queue.Retry(fmt.Errorf("webhook: load subscription: %w", err), d.retryDelay)
	}
	// A FAILED or disabled endpoint stops receiving deliveries until the
	// merchant resets it.
	if hook.Status != models.WebhookActive {
		return nil
	}
	if !d.acquire(hook.ID) {
		return queue.Retry(errEndpointBusy, busyRequeue)
	}
	defer d.release(hook.ID)

	now := d.nowFn()
	if !d.limiter.Allow(hook.ID, hook.RateLimit, now) {
		wait := d.limiter.ResetAt(hook.ID, now).Sub(now)
		if wait < time.Second {
			wait = time.Second
		}
		return queue.Retry(fmt.Errorf("webhook: endpoint %s rate limited", hook.ID), wait)
	}

	attempt := priorAttempts + 1
	status, deliverErr := d.post(ctx, hook, job.Event, job.Data, now)
	if deliverErr == nil {
		metrics.Gateway().WebhookDeliveries.WithLabelValues("success").Inc()
		if err := d.store.RecordWebhookSuccess(ctx, hook.ID, now); err != nil {
			d.logger.Error("webhook success bookkeeping failed", "webhook", hook.ID, "err", err)
		}
		d.recordAttempt(ctx, hook.ID, job.Event, attempt, "SUCCESS", "", nil)
		return nil
	}

	metrics.Gateway().WebhookDeliveries.WithLabelValues("failure").Inc()
	reason := deliverErr.Error()
	if status > 0 {
		reason = fmt.Sprintf("status %d: %s", status, reason)
	}
	flipped, err := d.store.RecordWebhookFailure(ctx, hook.ID, reason, now)
	if err != nil {
		d.logger.Error("webhook failure bookkeeping failed", "webhook", hook.ID, "err", err)
	}
	if flipped {
		metrics.Gateway().WebhookFailures.WithLabelValues(job.Event).Inc()
		d.recordAttempt(ctx, hook.ID, job.Event, attempt, "FAILED", reason, nil)
		d.logger.Warn("webhook endpoint flipped to FAILED",
			"webhook", hook.ID, "url", hook.URL, "event", job.Event, "attempts", attempt)
		return fmt.Errorf("webhook: endpoint %s exhausted retries: %s", hook.ID, reason)
	}
	delay := d.backoff(hook, attempt)
	next := now.Add(delay)
	d.recordAttempt(ctx, hook.ID, job.Event, attempt, "RETRYING", reason, &next)
	return queue.Retry(deliverErr, delay)
}

// DeliverTest sends a synchronous webhook.test delivery, bypassing the queue.
// Attempts are recorded but failures do not count toward the FAILED flip.
func (d *Dispatcher) DeliverTest(ctx context.Context, hook *models.Webhook) (int, error) {
	now := d.nowFn()
	payload, _ := json.Marshal(map[string]string{"webhookId": hook.ID.String()})
	status, err := d.post(ctx, hook, EventTest, payload, now)
	outcome := "SUCCESS"
	reason := ""
	if err != nil {
		outcome = "FAILED"
		reason = err.Error()
	}
	d.recordAttempt(ctx, hook.ID, EventTest, 1, outcome, reason, nil)
	return status, err
}

// post signs and delivers one envelope. A non-2xx response is a failure; the
// response status is returned when one was received.
func (d *Dispatcher) post(ctx context.Context, hook *models.Webhook, event string, data json.RawMessage, now time.Time) (int, error) {
	if !hook.SendPayload {
		data = nil
	}
	body, err := json.Marshal(NewEnvelope(event, data, now))
	if err != nil {
		return 0, fmt.Errorf("webhook: encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	timestamp := UnixTimestamp(now)
	secret := hook.Secret
	if secret == "" {
		secret = d.secret
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(secret, timestamp, body))
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, uuid.NewString())

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// backoff computes the redelivery delay for the given 1-based attempt:
// base*2^(n-1) capped, where base is the subscription's interval when set.
func (d *Dispatcher) backoff(hook *models.Webhook, attempt int) time.Duration {
	base := d.retryDelay
	if hook.RetryIntervalSec > 0 {
		base = time.Duration(hook.RetryIntervalSec) * time.Second
	}
	return queue.Backoff(base, retryDelayCap, attempt)
}

func (d *Dispatcher) recordAttempt(ctx context.Context, webhookID uuid.UUID, event string, attempt int, status, reason string, nextRetry *time.Time) {
	entry := &models.WebhookAttempt{
		WebhookID:   webhookID,
		Event:       event,
		Attempt:     attempt,
		Status:      status,
		Error:       reason,
		NextRetryAt: nextRetry,
	}
	if err := d.store.InsertWebhookAttempt(ctx, entry); err != nil {
		d.logger.Error("webhook attempt record failed", "webhook", webhookID, "err", err)
	}
}

func (d *Dispatcher) acquire(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[id]; busy {
		return false
	}
	d.inFlight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
}
