package refund

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
	"chainpay/payout"
	"chainpay/queue"
	"chainpay/storage"
	"chainpay/webhook"
)

const (
	statusPollDelay = 20 * time.Second
	// fundsWaitDelay spaces retries when the hot wallet cannot cover the
	// refund yet; pending sweeps usually close the gap.
	fundsWaitDelay = time.Minute
)

var (
	// ErrNotRefundable rejects refunds against non-payment or unconfirmed
	// transactions.
	ErrNotRefundable = errors.New("refund: transaction not refundable")
	// ErrAmountExceedsOriginal rejects refunds beyond the unrefunded balance.
	ErrAmountExceedsOriginal = errors.New("refund: amount exceeds refundable balance")
	// ErrInvalidAmount rejects non-positive amounts.
	ErrInvalidAmount = errors.New("refund: amount must be positive")
	// ErrInvalidDestination rejects malformed destination addresses.
	ErrInvalidDestination = errors.New("refund: invalid destination address")
)

var evmAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Backend executes the outbound transfer. The payout backends are reused so
// refunds leave through the same custody path as payouts.
type Backend = payout.Backend

// Events is the notification surface, satisfied by *webhook.Dispatcher.
type Events interface {
	Emit(ctx context.Context, merchantID uuid.UUID, event string, data interface{}) error
}

// Publisher is the slice of the bus the engine uses.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg queue.Message) error
}

// RequestParams carries a merchant-initiated refund request. A zero Amount
// refunds the full unrefunded balance; an empty Destination returns funds to
// the original sender.
type RequestParams struct {
	MerchantID   uuid.UUID
	OriginalTxID uuid.UUID
	Amount       decimal.Decimal
	Destination  string
	Reason       string
}

// Engine validates refund requests and drives their execution through the
// payout backend. Partial refunds stack until the original amount is
// exhausted.
type Engine struct {
	store   *storage.Store
	backend Backend
	events  Events
	bus     Publisher
	audit   *audit.Recorder
	logger  *slog.Logger
	nowFn   func() time.Time
}

// Option customizes an engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.nowFn = now }
}

// NewEngine wires a refund engine.
func NewEngine(store *storage.Store, backend Backend, events Events, bus Publisher, rec *audit.Recorder, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:   store,
		backend: backend,
		events:  events,
		bus:     bus,
		audit:   rec,
		logger:  logger,
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// refundRefs lists the reference values refund rows against one payment can
// carry: merchant refunds use the bare id, overpayment refunds a suffixed
// form so their materialization stays deduplicated independently.
func refundRefs(originalID uuid.UUID) []string {
	return []string{originalID.String(), overpayRef(originalID)}
}

func overpayRef(originalID uuid.UUID) string {
	return originalID.String() + ":overpay"
}

// RequestRefund validates a merchant refund, persists the PENDING row and
// enqueues execution.
func (e *Engine) RequestRefund(ctx context.Context, p RequestParams) (*models.Transaction, error) {
	original, err := e.store.TransactionByID(ctx, p.OriginalTxID)
	if err != nil {
		return nil, err
	}
	if original.MerchantID != p.MerchantID {
		return nil, storage.ErrNotFound
	}
	if original.Type != models.TxTypePayment {
		return nil, fmt.Errorf("%w: type %s", ErrNotRefundable, original.Type)
	}
	switch original.Status {
	case models.TxConfirmed, models.TxSettled, models.TxCompleted:
	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotRefundable, original.Status)
	}

	refunded, err := e.store.RefundedAmount(ctx, refundRefs(original.ID))
	if err != nil {
		return nil, err
	}
	remaining := original.Amount.Sub(refunded)
	if !remaining.IsPositive() {
		return nil, fmt.Errorf("%w: fully refunded", ErrAmountExceedsOriginal)
	}
	amount := p.Amount
	if amount.IsZero() {
		amount = remaining
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if amount.Cmp(remaining) > 0 {
		return nil, fmt.Errorf("%w: %s left of %s", ErrAmountExceedsOriginal, remaining, original.Amount)
	}

	destination := p.Destination
	if destination == "" {
		destination = original.FromAddress
	}
	if !evmAddressRe.MatchString(destination) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDestination, destination)
	}
	reason := p.Reason
	if reason == "" {
		reason = ReasonMerchant
	}

	row, err := e.createRefund(ctx, original, amount, destination, reason, original.ID.String())
	if err != nil {
		return nil, err
	}

	job := Job{
		RefundTxID:   &row.ID,
		OriginalTxID: original.ID,
		MerchantID:   original.MerchantID,
		Amount:       amount,
		Destination:  destination,
		Reason:       reason,
	}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	if err := e.bus.Publish(ctx, queue.RefundProcess, queue.NewMessage("refund:"+row.ID.String(), body)); err != nil {
		return nil, err
	}
	return row, nil
}

func (e *Engine) createRefund(ctx context.Context, original *models.Transaction, amount decimal.Decimal, destination, reason, reference string) (*models.Transaction, error) {
	meta, err := json.Marshal(map[string]string{
		"reason":       reason,
		"originalTxId": original.ID.String(),
	})
	if err != nil {
		return nil, err
	}
	row := &models.Transaction{
		MerchantID: original.MerchantID,
		Status:     models.TxPending,
		Type:       models.TxTypeRefund,
		Amount:     amount,
		Currency:   original.Currency,
		Network:    original.Network,
		ToAddress:  destination,
		Reference:  reference,
		Metadata:   string(meta),
	}
	if err := e.store.CreateTransaction(ctx, row); err != nil {
		return nil, err
	}
	e.audit.Record(ctx, "REFUND_CREATED", "transaction", row.ID.String(), &row.MerchantID, "",
		nil, row, reason)
	e.emit(ctx, row.MerchantID, webhook.EventRefundInitiated, e.refundEvent(row, original.ID))
	return row, nil
}

// HandleProcess is the refund.process queue handler. Overpayment jobs carry
// no row yet; the row is materialized once, keyed on the original payment,
// then driven through the same submit/poll phases as merchant refunds.
func (e *Engine) HandleProcess(ctx context.Context, msg queue.Message) error {
	var job Job
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return fmt.Errorf("refund: decode job: %w", err)
	}
	row, err := e.resolveRow(ctx, job)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
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

func (e *Engine) resolveRow(ctx context.Context, job Job) (*models.Transaction, error) {
	if job.RefundTxID != nil {
		row, err := e.store.TransactionByID(ctx, *job.RefundTxID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return row, err
	}

	ref := overpayRef(job.OriginalTxID)
	row, err := e.store.TransactionByReference(ctx, models.TxTypeRefund, ref)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	original, err := e.store.TransactionByID(ctx, job.OriginalTxID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("refund job references missing payment", "tx", job.OriginalTxID)
			return nil, nil
		}
		return nil, err
	}
	if !job.Amount.IsPositive() || !evmAddressRe.MatchString(job.Destination) {
		e.logger.Warn("dropping malformed overpayment refund", "tx", job.OriginalTxID,
			"amount", job.Amount, "destination", job.Destination)
		return nil, nil
	}
	return e.createRefund(ctx, original, job.Amount, job.Destination, job.Reason, ref)
}

func (e *Engine) submit(ctx context.Context, row *models.Transaction) error {
	balance, err := e.backend.Balance(ctx)
	if err != nil {
		return queue.Retry(err, statusPollDelay)
	}
	if balance.Cmp(row.Amount) < 0 {
		return queue.Retry(fmt.Errorf("refund: balance %s below %s", balance, row.Amount), fundsWaitDelay)
	}
	reference, err := e.backend.SubmitTransfer(ctx, row.ToAddress, row.Amount)
	if err != nil {
		return queue.Retry(fmt.Errorf("refund: submit: %w", err), statusPollDelay)
	}
	_, err = e.store.TransitionTx(ctx, row.ID, models.TxConfirming, func(tx *models.Transaction) {
		tx.TxHash = &reference
	})
	if err != nil {
		if errors.Is(err, storage.ErrIllegalTransition) {
			return nil
		}
		return err
	}
	e.audit.Record(ctx, "REFUND_SUBMITTED", "transaction", row.ID.String(), &row.MerchantID, "",
		models.TxPending, models.TxConfirming, "refund submitted via "+e.backend.Name())
	return queue.Retry(fmt.Errorf("refund: awaiting %s confirmation", e.backend.Name()), statusPollDelay)
}

func (e *Engine) poll(ctx context.Context, row *models.Transaction) error {
	if row.TxHash == nil {
		return fmt.Errorf("refund: confirming row %s has no reference", row.ID)
	}
	state, err := e.backend.TransferStatus(ctx, *row.TxHash)
	if err != nil {
		return queue.Retry(err, statusPollDelay)
	}
	switch state {
	case payout.TransferConfirmed:
		updated, err := e.store.TransitionTx(ctx, row.ID, models.TxCompleted, nil)
		if err != nil {
			if errors.Is(err, storage.ErrIllegalTransition) {
				return nil
			}
			return err
		}
		metrics.Gateway().RefundsProcessed.WithLabelValues("completed").Inc()
		e.audit.Record(ctx, "REFUND_COMPLETED", "transaction", row.ID.String(), &row.MerchantID, "",
			models.TxConfirming, models.TxCompleted, "refund completed")
		e.emit(ctx, row.MerchantID, webhook.EventRefundCompleted, e.refundEvent(updated, uuid.Nil))
		return nil
	case payout.TransferFailed:
		updated, err := e.store.TransitionTx(ctx, row.ID, models.TxFailed, nil)
		if err != nil {
			if errors.Is(err, storage.ErrIllegalTransition) {
				return nil
			}
			return err
		}
		metrics.Gateway().RefundsProcessed.WithLabelValues("failed").Inc()
		e.audit.Record(ctx, "REFUND_FAILED", "transaction", row.ID.String(), &row.MerchantID, "",
			models.TxConfirming, models.TxFailed, "backend rejected refund")
		e.emit(ctx, row.MerchantID, webhook.EventRefundFailed, e.refundEvent(updated, uuid.Nil))
		return nil
	default:
		return queue.Retry(fmt.Errorf("refund: %s still pending", *row.TxHash), statusPollDelay)
	}
}

func (e *Engine) emit(ctx context.Context, merchantID uuid.UUID, event string, data interface{}) {
	if e.events == nil {
		return
	}
	if err := e.events.Emit(ctx, merchantID, event, data); err != nil {
		e.logger.Warn("refund event publish failed", "event", event, "err", err)
	}
}

func (e *Engine) refundEvent(row *models.Transaction, originalID uuid.UUID) map[string]interface{} {
	data := map[string]interface{}{
		"refund": map[string]interface{}{
			"id":          row.ID,
			"status":      row.Status,
			"amount":      row.Amount,
			"currency":    row.Currency,
			"destination": row.ToAddress,
			"reference":   row.TxHash,
		},
		"merchant": map[string]interface{}{"id": row.MerchantID},
	}
	if originalID != uuid.Nil {
		data["originalTransactionId"] = originalID
	}
	return data
}
