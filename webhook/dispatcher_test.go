package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chainpay/models"
	"chainpay/queue"
	"chainpay/storage"
)

type funcStore struct {
	activeFn  func(ctx context.Context, merchantID uuid.UUID) ([]models.Webhook, error)
	byIDFn    func(ctx context.Context, merchantID, id uuid.UUID) (*models.Webhook, error)
	successFn func(ctx context.Context, id uuid.UUID, now time.Time) error
	failureFn func(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error)
	attemptFn func(ctx context.Context, a *models.WebhookAttempt) error
}

func (f *funcStore) ActiveWebhooks(ctx context.Context, merchantID uuid.UUID) ([]models.Webhook, error) {
	return f.activeFn(ctx, merchantID)
}

func (f *funcStore) WebhookByID(ctx context.Context, merchantID, id uuid.UUID) (*models.Webhook, error) {
	return f.byIDFn(ctx, merchantID, id)
}

func (f *funcStore) RecordWebhookSuccess(ctx context.Context, id uuid.UUID, now time.Time) error {
	if f.successFn == nil {
		return nil
	}
	return f.successFn(ctx, id, now)
}

func (f *funcStore) RecordWebhookFailure(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	if f.failureFn == nil {
		return false, nil
	}
	return f.failureFn(ctx, id, reason, now)
}

func (f *funcStore) InsertWebhookAttempt(ctx context.Context, a *models.WebhookAttempt) error {
	if f.attemptFn == nil {
		return nil
	}
	return f.attemptFn(ctx, a)
}

type captureBus struct {
	mu        sync.Mutex
	published []queue.Message
}

func (c *captureBus) Publish(_ context.Context, _ string, msg queue.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, msg)
	return nil
}

func (c *captureBus) PublishAfter(ctx context.Context, q string, msg queue.Message, _ time.Duration) error {
	return c.Publish(ctx, q, msg)
}

func (c *captureBus) messages() []queue.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]queue.Message(nil), c.published...)
}

func targetedMessage(t *testing.T, merchantID, webhookID uuid.UUID, event string, attempt int) queue.Message {
	t.Helper()
	job := Job{MerchantID: merchantID, WebhookID: &webhookID, Event: event, Data: json.RawMessage(`{"id":"tx-1"}`)}
	body, err := json.Marshal(job)
	require.NoError(t, err)
	msg := queue.NewMessage(webhookID.String(), body)
	msg.Attempt = attempt
	return msg
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"event":"payment.confirmed"}`)
	ts := "1724500000"
	sig := Sign("whsec", ts, body)
	require.True(t, Verify("whsec", ts, sig, body))
	require.False(t, Verify("whsec", "1724500001", sig, body))
	require.False(t, Verify("other", ts, sig, body))
	require.False(t, Verify("whsec", ts, sig, []byte(`{}`)))
}

func TestFanOutFiltersSubscriptions(t *testing.T) {
	merchantID := uuid.New()
	subscribed := models.Webhook{ID: uuid.New(), MerchantID: merchantID, Events: EncodeEvents([]string{EventPaymentConfirmed})}
	other := models.Webhook{ID: uuid.New(), MerchantID: merchantID, Events: EncodeEvents([]string{EventPayoutCompleted})}

	bus := &captureBus{}
	d := NewDispatcher(&funcStore{
		activeFn: func(context.Context, uuid.UUID) ([]models.Webhook, error) {
			return []models.Webhook{subscribed, other}, nil
		},
	}, bus, "whsec", nil)

	job := Job{MerchantID: merchantID, Event: EventPaymentConfirmed, Data: json.RawMessage(`{}`)}
	body, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, d.Handle(context.Background(), queue.NewMessage("k", body)))

	msgs := bus.messages()
	require.Len(t, msgs, 1)
	var targeted Job
	require.NoError(t, json.Unmarshal(msgs[0].Body, &targeted))
	require.NotNil(t, targeted.WebhookID)
	require.Equal(t, subscribed.ID, *targeted.WebhookID)
}

func TestDeliverySignsAndRecordsSuccess(t *testing.T) {
	var (
		gotSig  string
		gotTS   string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		require.NotEmpty(t, r.Header.Get(HeaderNonce))
		buf, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	merchantID := uuid.New()
	hook := models.Webhook{
		ID: uuid.New(), MerchantID: merchantID, URL: srv.URL,
		Status: models.WebhookActive, SendPayload: true,
		Events: EncodeEvents([]string{EventPaymentConfirmed}),
	}

	var successes int
	var attempts []models.WebhookAttempt
	store := &funcStore{
		byIDFn: func(_ context.Context, _, _ uuid.UUID) (*models.Webhook, error) {
			h := hook
			return &h, nil
		},
		successFn: func(context.Context, uuid.UUID, time.Time) error {
			successes++
			return nil
		},
		attemptFn: func(_ context.Context, a *models.WebhookAttempt) error {
			attempts = append(attempts, *a)
			return nil
		},
	}
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	d := NewDispatcher(store, &captureBus{}, "whsec", nil, WithClock(func() time.Time { return now }))

	msg := targetedMessage(t, merchantID, hook.ID, EventPaymentConfirmed, 0)
	require.NoError(t, d.Handle(context.Background(), msg))

	require.Equal(t, 1, successes)
	require.True(t, Verify("whsec", gotTS, gotSig, gotBody))
	require.Equal(t, UnixTimestamp(now), gotTS)

	var env Envelope
	require.NoError(t, json.Unmarshal(gotBody, &env))
	require.Equal(t, EventPaymentConfirmed, env.Event)

	require.Len(t, attempts, 1)
	require.Equal(t, "SUCCESS", attempts[0].Status)
	require.Equal(t, 1, attempts[0].Attempt)
}

func TestDeliveryFailureBacksOffExponentially(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	merchantID := uuid.New()
	hook := models.Webhook{
		ID: uuid.New(), MerchantID: merchantID, URL: srv.URL,
		Status: models.WebhookActive, SendPayload: true, MaxRetries: 5,
	}
	store := &funcStore{
		byIDFn: func(_ context.Context, _, _ uuid.UUID) (*models.Webhook, error) {
			h := hook
			return &h, nil
		},
	}
	d := NewDispatcher(store, &captureBus{}, "whsec", nil)

	// Attempt numbers 1, 2, 3 back off at 15s, 30s, 60s.
	for i, want := range []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second} {
		msg := targetedMessage(t, merchantID, hook.ID, EventPaymentConfirmed, i)
		err := d.Handle(context.Background(), msg)
		require.Error(t, err)
		delay, retryable := queue.RetryDelay(err)
		require.True(t, retryable)
		require.Equal(t, want, delay)
	}
}

func TestDeliveryHonorsPerWebhookRetryInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	merchantID := uuid.New()
	hook := models.Webhook{
		ID: uuid.New(), MerchantID: merchantID, URL: srv.URL,
		Status: models.WebhookActive, MaxRetries: 5, RetryIntervalSec: 60,
	}
	store := &funcStore{
		byIDFn: func(_ context.Context, _, _ uuid.UUID) (*models.Webhook, error) {
			h := hook
			return &h, nil
		},
	}
	d := NewDispatcher(store, &captureBus{}, "whsec", nil)

	err := d.Handle(context.Background(), targetedMessage(t, merchantID, hook.ID, EventPaymentConfirmed, 1))
	require.Error(t, err)
	delay, retryable := queue.RetryDelay(err)
	require.True(t, retryable)
	require.Equal(t, 2*time.Minute, delay)
}

func TestExhaustedRetriesFlipTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	merchantID := uuid.New()
	hook := models.Webhook{
		ID: uuid.New(), MerchantID: merchantID, URL: srv.URL,
		Status: models.WebhookActive, MaxRetries: 3,
	}
	var attempts []models.WebhookAttempt
	store := &funcStore{
		byIDFn: func(_ context.Context, _, _ uuid.UUID) (*models.Webhook, error) {
			h := hook
			return &h, nil
		},
		failureFn: func(context.Context, uuid.UUID, string, time.Time) (bool, error) {
			return true, nil
		},
		attemptFn: func(_ context.Context, a *models.WebhookAttempt) error {
			attempts = append(attempts, *a)
			return nil
		},
	}
	d := NewDispatcher(store, &captureBus{}, "whsec", nil)

	err := d.Handle(context.Background(), targetedMessage(t, merchantID, hook.ID, EventPaymentConfirmed, 2))
	require.Error(t, err)
	_, retryable := queue.RetryDelay(err)
	require.False(t, retryable)
	require.Len(t, attempts, 1)
	require.Equal(t, "FAILED", attempts[0].Status)
}

func TestInactiveEndpointDropsDelivery(t *testing.T) {
	merchantID := uuid.New()
	hook := models.Webhook{ID: uuid.New(), MerchantID: merchantID, URL: "http://unused.invalid", Status: models.WebhookFailed}
	store := &funcStore{
		byIDFn: func(_ context.Context, _, _ uuid.UUID) (*models.Webhook, error) {
			h := hook
			return &h, nil
		},
	}
	d := NewDispatcher(store, &captureBus{}, "whsec", nil)
	require.NoError(t, d.Handle(context.Background(), targetedMessage(t, merchantID, hook.ID, EventPaymentConfirmed, 0)))
}

func TestDeletedEndpointDropsDelivery(t *testing.T) {
	merchantID := uuid.New()
	store := &funcStore{
		byIDFn: func(_ context.Context, _, _ uuid.UUID) (*models.Webhook, error) {
			return nil, storage.ErrNotFound
		},
	}
	d := NewDispatcher(store, &captureBus{}, "whsec", nil)
	require.NoError(t, d.Handle(context.Background(), targetedMessage(t, merchantID, uuid.New(), EventPaymentConfirmed, 0)))
}

func TestValidateEventsRejectsUnknown(t *testing.T) {
	invalid := ValidateEvents([]string{EventPaymentConfirmed, "payment.bogus", EventTest})
	require.Equal(t, []string{"payment.bogus", EventTest}, invalid)
}

func TestRateLimiterWindows(t *testing.T) {
	rl := NewRateLimiter()
	id := uuid.New()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow(id, 3, now))
	}
	require.False(t, rl.Allow(id, 3, now.Add(time.Second)))
	require.True(t, rl.Allow(id, 3, now.Add(defaultRateWindow)))
}
