package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chainpay/audit"
	"chainpay/models"
	"chainpay/observability/metrics"
	"chainpay/queue"
	"chainpay/storage"
	"chainpay/webhook"
)

const statusPollDelay = 20 * time.Second

var (
	// ErrInvalidDestination rejects malformed destination addresses.
	ErrInvalidDestination = errors.New("payout: invalid destination address")
	// ErrInvalidAmount rejects non-positive amounts.
	ErrInvalidAmount = errors.New("payout: amount must be positive")
	// ErrAmountOutOfRange rejects amounts outside the merchant's per-tx limits.
	ErrAmountOutOfRange = errors.New("payout: amount outside merchant limits")
	// ErrInsufficientBalance indicates the backend cannot cover the payout.
	ErrInsufficientBalance = errors.New("payout: insufficient balance")
	// ErrMerchantGated rejects payouts for suspended or unapproved merchants.
	ErrMerchantGated = errors.New("payout: merchant not eligible")
	// ErrUnsupportedNetwork rejects networks other than the configured chain.
	ErrUnsupportedNetwork = errors.New("payout: unsupported network")
)

var evmAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Events is the notification surface, satisfied by *webhook.Dispatcher.
type Events interface {
	Emit(ctx context.Context, merchantID uuid.UUID, event string, data interface{}) error
}

// Publisher is the slice of the bus the engine uses.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg queue.Message) error
	PublishAfter(ctx context.Context, queue string, msg queue.Message, delay time.Duration) error
}

// CreateParams carries a payout request after ingress validation.
type CreateParams struct {
	MerchantID  uuid.UUID
	Currency    string
	Amount      decimal.Decimal
	Destination string
	Network     string
	Metadata    string
}

// ExecuteJob is the payout.execute queue payload.
type ExecuteJob struct {
	TxID uuid.UUID `json:"txId"`
}

// Engine validates, persists and drives outbound payouts through the
// configured backend.
type Engine struct {
	store   *storage.Store
	backend Backend
	policy  *Policy
	events  Events
	bus     Publisher
	audit   *audit.Recorder
	network string
	logger  *slog.Logger
	nowFn   func() time.Time
}

// Option customizes an engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.nowFn = now }
}

// NewEngine wires a payout engine. network is the only accepted payout
// network for this deployment.
func NewEngine(store *storage.Store, backend Backend, policy *Policy, events Events, bus Publisher, rec *audit.Recorder, network string, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	if network == "" {
		network = "BSC"
	}
	e := &Engine{
		store:   store,
		backend: backend,
		policy:  policy,
		events:  events,
		bus:     bus,
		audit:   rec,
		network: network,
		logger:  logger,
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy exposes the live policy for the admin surface.
func (e *Engine) Policy() *Policy { return e.policy }

// CreatePayout validates the request and persists a PENDING payout, then
// enqueues execution. Idempotency is enforced one layer up by the request
// idempotency store.
func (e *Engine) CreatePayout(ctx context.Context, p CreateParams) (*models.Transaction, error) {
	if !p.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !evmAddressRe.MatchString(p.Destination) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDestination, p.Destination)
	}
	if p.Network != "" && p.Network != e.network {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, p.Network)
	}

	merchant, err := e.store.MerchantByID(ctx, p.MerchantID)
	if err != nil {
		return nil, err
	}
	if merchant.Status != models.MerchantActive {
		return nil, fmt.Errorf("%w: status %s", ErrMerchantGated, merchant.Status)
	}
	if merchant.MinTxAmount.IsPositive() && p.Amount.Cmp(merchant.MinTxAmount) < 0 {
		return nil, fmt.Errorf("%w: below minimum %s", ErrAmountOutOfRange, merchant.MinTxAmount)
	}
	if merchant.MaxTxAmount.IsPositive() && p.Amount.Cmp(merchant.MaxTxAmount) > 0 {
		return nil, fmt.Errorf("%w: above maximum %s", ErrAmountOutOfRange, merchant.MaxTxAmount)
	}

	dayStart := e.nowFn().UTC().Truncate(24 * time.Hour)
	dailyVolume, err := e.store.DailyVolume(ctx, merchant.ID, dayStart)
	if err != nil {
		return nil, err
	}
	if err := e.policy.Check(merchant.RiskLevel, p.Amount, dailyVolume); err != nil {
		return nil, err
	}
	if merchant.DailyVolumeCap.IsPositive() && dailyVolume.Add(p.Amount).Cmp(merchant.DailyVolumeCap) > 0 {
		return nil, fmt.Errorf("%w: daily volume cap %s", ErrAmountOutOfRange, merchant.DailyVolumeCap)
	}

	balance, err := e.backend.Balance(ctx)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(p.Amount) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, p.Amount)
	}

	currency := p.Currency
	if currency == "" {
		currency = "USDT"
	}
	row := &models.Transaction{
		MerchantID: p.MerchantID,
		Status:     models.TxPending,
		Type:       models.TxTypePayout,
		Amount:     p.Amount,
		Currency:   currency,
		Network:    e.network,
		ToAddress:  p.Destination,
		Metadata:   p.Metadata,
	}
	if err := e.store.CreateTransaction(ctx, row); err != nil {
		return nil, err
	}

	e.audit.Record(ctx, "PAYOUT_CREATED", "transaction", row.ID.String(), &p.MerchantID, "",
		nil, row, "payout accepted")
	e.emit(ctx, p.MerchantID, webhook.EventPayoutInitiated, e.payoutEvent(row))

	body, err := json.Marshal(ExecuteJob{TxID: row.ID})
	if err != nil {
		return nil, err
	}
	if err := e.bus.Publish(ctx, queue.PayoutExecute, queue.NewMessage(row.ID.String(), body)); err != nil {
		return nil, err
	}
	return row, nil
}

// HandleExecute is the payout.execute queue handler. It is a two-phase
// driver: PENDING rows are submitted, CONFIRMING rows are polled until the
// backend reports a terminal state. Redeliveries converge on the row status.
func (e *Engine) HandleExecute(ctx context.Context, msg queue.Message) error {
	var job ExecuteJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return fmt.Errorf("payout: decode job: %w", err)
	}
	row, err := e.store.TransactionByID(ctx, job.TxID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	switch row.Status {
	case models.TxPending:
		return e.submit(ctx, row)
	case models.TxConfirming:
		return e.poll(ctx, row)
	default:
		return nil
	}
}

func (e *Engine) submit(ctx context.Context, row *models.Transaction) error {
	if e.policy.Paused() {
		return queue.Retry(ErrPayoutsPaused, time.Minute)
	}
	reference, err := e.backend.SubmitTransfer(ctx, row.ToAddress, row.Amount)
	if err != nil {
		metrics.Gateway().PayoutErrors.WithLabelValues("submit").Inc()
		return queue.Retry(fmt.Errorf("payout: submit: %w", err), statusPollDelay)
	}
	updated, err := e.store.TransitionTx(ctx, row.ID, models.TxConfirming, func(tx *models.Transaction) {
		tx.TxHash = &reference
	})
	if err != nil {
		// A concurrent redelivery already advanced the row; the backend call
		// above was deduplicated by the request idempotency layer.
		if errors.Is(err, storage.ErrIllegalTransition) {
			return nil
		}
		return err
	}
	e.audit.Record(ctx, "PAYOUT_SUBMITTED", "transaction", row.ID.String(), &row.MerchantID, "",
		models.TxPending, models.TxConfirming, "payout submitted via "+e.backend.Name())
	e.emit(ctx, row.MerchantID, webhook.EventPayoutProcessing, e.payoutEvent(updated))
	return queue.Retry(fmt.Errorf("payout: awaiting %s confirmation", e.backend.Name()), statusPollDelay)
}

func (e *Engine) poll(ctx context.Context, row *models.Transaction) error {
	if row.TxHash == nil {
		return fmt.Errorf("payout: confirming row %s has no reference", row.ID)
	}
	state, err := e.backend.TransferStatus(ctx, *row.TxHash)
	if err != nil {
		return queue.Retry(err, statusPollDelay)
	}
	switch state {
	case TransferConfirmed:
		updated, err := e.store.TransitionTx(ctx, row.ID, models.TxCompleted, nil)
		if err != nil {
			if errors.Is(err, storage.ErrIllegalTransition) {
				return nil
			}
			return err
		}
		e.audit.Record(ctx, "PAYOUT_COMPLETED", "transaction", row.ID.String(), &row.MerchantID, "",
			models.TxConfirming, models.TxCompleted, "payout completed")
		e.emit(ctx, row.MerchantID, webhook.EventPayoutCompleted, e.payoutEvent(updated))
		return nil
	case TransferFailed:
		metrics.Gateway().PayoutErrors.WithLabelValues("backend").Inc()
		updated, err := e.store.TransitionTx(ctx, row.ID, models.TxFailed, nil)
		if err != nil {
			if errors.Is(err, storage.ErrIllegalTransition) {
				return nil
			}
			return err
		}
		e.audit.Record(ctx, "PAYOUT_FAILED", "transaction", row.ID.String(), &row.MerchantID, "",
			models.TxConfirming, models.TxFailed, "backend rejected payout")
		e.emit(ctx, row.MerchantID, webhook.EventPayoutFailed, e.payoutEvent(updated))
		return nil
	default:
		return queue.Retry(fmt.Errorf("payout: %s still pending", *row.TxHash), statusPollDelay)
	}
}

func (e *Engine) emit(ctx context.Context, merchantID uuid.UUID, event string, data interface{}) {
	if e.events == nil {
		return
	}
	if err := e.events.Emit(ctx, merchantID, event, data); err != nil {
		e.logger.Warn("payout event publish failed", "event", event, "err", err)
	}
}

func (e *Engine) payoutEvent(row *models.Transaction) map[string]interface{} {
	return map[string]interface{}{
		"payout": map[string]interface{}{
			"id":          row.ID,
			"status":      row.Status,
			"amount":      row.Amount,
			"currency":    row.Currency,
			"destination": row.ToAddress,
			"reference":   row.TxHash,
			"backend":     e.backend.Name(),
		},
		"merchant": map[string]interface{}{"id": row.MerchantID},
	}
}
