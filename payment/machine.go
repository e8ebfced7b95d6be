package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chainpay/audit"
	"chainpay/chain"
	"chainpay/models"
	"chainpay/observability/metrics"
	"chainpay/queue"
	"chainpay/refund"
	"chainpay/storage"
	"chainpay/webhook"
)

const (
	// confirmationPollDelay spaces monitor ticks while a transaction gathers
	// confirmations.
	confirmationPollDelay = 15 * time.Second

	// failAfterTicks bounds how long a vanished transaction is polled before
	// it is declared FAILED. Covers chain reorgs that drop the transaction.
	failAfterTicks = 40
)

// ErrUnknownAddress indicates a detection for an address this gateway never
// issued.
var ErrUnknownAddress = errors.New("payment: detection for unknown address")

// ConfirmationSource reports live confirmation counts, satisfied by
// *chain.Client.
type ConfirmationSource interface {
	Confirmations(ctx context.Context, txHash string) (uint64, error)
}

// Events is the notification surface, satisfied by *webhook.Dispatcher.
type Events interface {
	Emit(ctx context.Context, merchantID uuid.UUID, event string, data interface{}) error
}

// Publisher is the slice of the bus the machine uses.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg queue.Message) error
	PublishAfter(ctx context.Context, queue string, msg queue.Message, delay time.Duration) error
}

// MonitorTick asks the machine to re-evaluate one transaction's confirmations.
type MonitorTick struct {
	TxID uuid.UUID `json:"txId"`
}

// Machine advances payments through the confirmation state machine. All
// status edges run through the store's row-locked transition, so concurrent
// ticks for the same transaction serialize and converge.
type Machine struct {
	store        *storage.Store
	conf         ConfirmationSource
	bus          Publisher
	events       Events
	audit        *audit.Recorder
	required     uint64
	smallestUnit decimal.Decimal
	logger       *slog.Logger
	nowFn        func() time.Time
}

// Option customizes a machine.
type Option func(*Machine)

// WithClock overrides the machine clock.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.nowFn = now }
}

// NewMachine wires the state machine. required is the confirmation threshold;
// smallestUnit is one raw token unit expressed as a decimal.
func NewMachine(store *storage.Store, conf ConfirmationSource, bus Publisher, events Events, rec *audit.Recorder, required uint64, smallestUnit decimal.Decimal, logger *slog.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if required == 0 {
		required = 12
	}
	m := &Machine{
		store:        store,
		conf:         conf,
		bus:          bus,
		events:       events,
		audit:        rec,
		required:     required,
		smallestUnit: smallestUnit,
		logger:       logger,
		nowFn:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnDetect ingests one detected transfer. The upsert is single-flight per
// txHash; repeated detections converge on the same row.
func (m *Machine) OnDetect(ctx context.Context, evt chain.TransferEvent) error {
	addr, err := m.store.AddressByAddr(ctx, evt.ToAddress)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownAddress, evt.ToAddress)
		}
		return err
	}
	row, created, err := m.store.UpsertDetection(ctx, addr.MerchantID, addr.ID, storage.Detection{
		TxHash:         evt.TxHash,
		LogIndex:       evt.LogIndex,
		FromAddress:    evt.FromAddress,
		ToAddress:      evt.ToAddress,
		Amount:         evt.Amount,
		Confirmations:  evt.Confirmations,
		BlockNumber:    evt.BlockNumber,
		BlockHash:      evt.BlockHash,
		BlockTimestamp: evt.BlockTimestamp,
	})
	if err != nil {
		return err
	}
	if created {
		metrics.Gateway().TransactionsByState.WithLabelValues(string(models.TxConfirming)).Inc()
		m.audit.Record(ctx, "PAYMENT_DETECTED", "transaction", row.ID.String(), &addr.MerchantID, "",
			nil, row, "inbound transfer detected")
		m.emit(ctx, addr.MerchantID, webhook.EventPaymentReceived, m.txEvent(row, addr))
	}
	return m.scheduleTick(ctx, row.ID, 0)
}

// OnConfirmationTick re-reads the live confirmation count and, once the
// threshold is met, classifies the payment amount. Applying the tick n times
// after the threshold equals a single application.
func (m *Machine) OnConfirmationTick(ctx context.Context, txID uuid.UUID, attempt int) error {
	row, err := m.store.TransactionByID(ctx, txID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if row.Status != models.TxConfirming {
		return nil
	}
	if row.TxHash == nil {
		return fmt.Errorf("payment: transaction %s has no hash", txID)
	}

	confirmations, err := m.conf.Confirmations(ctx, *row.TxHash)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			if attempt >= failAfterTicks {
				return m.markFailed(ctx, row, "transaction dropped by the chain")
			}
			return queue.Retry(err, confirmationPollDelay)
		}
		return queue.Retry(err, confirmationPollDelay)
	}
	if confirmations != row.Confirmations {
		if err := m.store.UpdateTxConfirmations(ctx, row.ID, confirmations); err != nil {
			return err
		}
	}
	if confirmations < m.required {
		return queue.Retry(fmt.Errorf("payment: %d/%d confirmations", confirmations, m.required), confirmationPollDelay)
	}

	addr, err := m.loadAddress(ctx, row)
	if err != nil {
		return err
	}
	return m.classify(ctx, row, addr, confirmations)
}

// classify applies the amount policy once enough confirmations accrued.
// Exactness is within one smallest token unit, exclusive: a deficit or excess
// of one full unit already leaves the exact band.
func (m *Machine) classify(ctx context.Context, row *models.Transaction, addr *models.PaymentAddress, confirmations uint64) error {
	expected := addr.ExpectedAmount
	diff := row.Amount.Sub(expected)
	now := m.nowFn()

	switch {
	case diff.Abs().Cmp(m.smallestUnit) < 0:
		return m.confirm(ctx, row, addr, confirmations, now, decimal.Zero)
	case diff.IsNegative():
		updated, err := m.store.TransitionTx(ctx, row.ID, models.TxUnderpaid, func(tx *models.Transaction) {
			tx.Confirmations = confirmations
		})
		if err != nil {
			return m.ignoreConverged(err)
		}
		metrics.Gateway().TransactionsByState.WithLabelValues(string(models.TxUnderpaid)).Inc()
		m.audit.Record(ctx, "PAYMENT_UNDERPAID", "transaction", row.ID.String(), &row.MerchantID, "",
			row.Status, updated.Status, fmt.Sprintf("received %s of expected %s", row.Amount, expected))
		m.emit(ctx, row.MerchantID, webhook.EventPaymentUnderpaid, m.txEvent(updated, addr))
		return nil
	default:
		return m.confirm(ctx, row, addr, confirmations, now, diff)
	}
}

func (m *Machine) confirm(ctx context.Context, row *models.Transaction, addr *models.PaymentAddress, confirmations uint64, now time.Time, overpaid decimal.Decimal) error {
	updated, err := m.store.TransitionTx(ctx, row.ID, models.TxConfirmed, func(tx *models.Transaction) {
		tx.Confirmations = confirmations
		tx.ConfirmedAt = &now
		if overpaid.IsPositive() {
			tx.Metadata = mergeMetadata(tx.Metadata, map[string]interface{}{"overpaid": overpaid.String()})
		}
	})
	if err != nil {
		return m.ignoreConverged(err)
	}
	metrics.Gateway().TransactionsByState.WithLabelValues(string(models.TxConfirmed)).Inc()
	m.audit.Record(ctx, "PAYMENT_CONFIRMED", "transaction", row.ID.String(), &row.MerchantID, "",
		models.TxConfirming, models.TxConfirmed, "payment confirmed")
	m.emit(ctx, row.MerchantID, webhook.EventPaymentConfirmed, m.txEvent(updated, addr))

	if err := m.bus.Publish(ctx, queue.SettlementSchedule, queue.NewMessage(row.ID.String(), nil)); err != nil {
		m.logger.Warn("settlement schedule publish failed", "tx", row.ID, "err", err)
	}
	if overpaid.IsPositive() {
		if err := m.scheduleOverpayRefund(ctx, updated, overpaid); err != nil {
			m.logger.Error("overpayment refund enqueue failed", "tx", row.ID, "err", err)
		}
	}
	return nil
}

func (m *Machine) scheduleOverpayRefund(ctx context.Context, row *models.Transaction, excess decimal.Decimal) error {
	merchant, err := m.store.MerchantByID(ctx, row.MerchantID)
	if err != nil {
		return err
	}
	if !merchant.RefundOverpay {
		return nil
	}
	job := refund.Job{
		OriginalTxID: row.ID,
		MerchantID:   row.MerchantID,
		Amount:       excess,
		Destination:  row.FromAddress,
		Reason:       refund.ReasonOverpayment,
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("refund:%s", row.ID)
	return m.bus.Publish(ctx, queue.RefundProcess, queue.NewMessage(key, body))
}

// OnSettlementComplete records the sweep hash and advances to SETTLED.
func (m *Machine) OnSettlementComplete(ctx context.Context, txID uuid.UUID, sweepTxHash string) error {
	if sweepTxHash == "" {
		return errors.New("payment: settlement hash required")
	}
	row, err := m.store.TransitionTx(ctx, txID, models.TxSettled, func(tx *models.Transaction) {
		tx.SettlementTxHash = sweepTxHash
	})
	if err != nil {
		return m.ignoreConverged(err)
	}
	metrics.Gateway().TransactionsByState.WithLabelValues(string(models.TxSettled)).Inc()
	m.audit.Record(ctx, "PAYMENT_SETTLED", "transaction", txID.String(), &row.MerchantID, "",
		models.TxConfirmed, models.TxSettled, "funds swept "+sweepTxHash)
	m.emit(ctx, row.MerchantID, webhook.EventTransactionSettled, m.txEvent(row, nil))
	return nil
}

// OnAcknowledged finalizes a settled payment. Terminal.
func (m *Machine) OnAcknowledged(ctx context.Context, txID uuid.UUID) error {
	row, err := m.store.TransitionTx(ctx, txID, models.TxCompleted, nil)
	if err != nil {
		return m.ignoreConverged(err)
	}
	metrics.Gateway().TransactionsByState.WithLabelValues(string(models.TxCompleted)).Inc()
	m.audit.Record(ctx, "PAYMENT_COMPLETED", "transaction", txID.String(), &row.MerchantID, "",
		models.TxSettled, models.TxCompleted, "payment acknowledged")
	m.emit(ctx, row.MerchantID, webhook.EventPaymentCompleted, m.txEvent(row, nil))
	return nil
}

// Expire abandons a transaction that never saw a detection. Legal only from
// PENDING.
func (m *Machine) Expire(ctx context.Context, txID uuid.UUID) error {
	row, err := m.store.TransitionTx(ctx, txID, models.TxExpired, nil)
	if err != nil {
		return err
	}
	metrics.Gateway().TransactionsByState.WithLabelValues(string(models.TxExpired)).Inc()
	m.audit.Record(ctx, "PAYMENT_EXPIRED", "transaction", txID.String(), &row.MerchantID, "",
		models.TxPending, models.TxExpired, "payment window elapsed")
	return nil
}

func (m *Machine) markFailed(ctx context.Context, row *models.Transaction, reason string) error {
	updated, err := m.store.TransitionTx(ctx, row.ID, models.TxFailed, func(tx *models.Transaction) {
		tx.Metadata = mergeMetadata(tx.Metadata, map[string]interface{}{"failureReason": reason})
	})
	if err != nil {
		return m.ignoreConverged(err)
	}
	metrics.Gateway().TransactionsByState.WithLabelValues(string(models.TxFailed)).Inc()
	m.audit.Record(ctx, "PAYMENT_FAILED", "transaction", row.ID.String(), &row.MerchantID, "",
		row.Status, models.TxFailed, reason)
	m.emit(ctx, row.MerchantID, webhook.EventPaymentFailed, m.txEvent(updated, nil))
	return nil
}

// HandleDetect is the transaction.detect queue handler.
func (m *Machine) HandleDetect(ctx context.Context, msg queue.Message) error {
	var evt chain.TransferEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return fmt.Errorf("payment: decode detection: %w", err)
	}
	err := m.OnDetect(ctx, evt)
	if errors.Is(err, ErrUnknownAddress) {
		// Transfers to swept or foreign addresses are expected noise.
		m.logger.Debug("detection ignored", "to", evt.ToAddress, "txHash", evt.TxHash)
		return nil
	}
	if err != nil {
		return queue.Retry(err, confirmationPollDelay)
	}
	return nil
}

// HandleMonitorTick is the transaction.monitor queue handler.
func (m *Machine) HandleMonitorTick(ctx context.Context, msg queue.Message) error {
	var tick MonitorTick
	if err := json.Unmarshal(msg.Body, &tick); err != nil {
		return fmt.Errorf("payment: decode tick: %w", err)
	}
	return m.OnConfirmationTick(ctx, tick.TxID, msg.Attempt)
}

func (m *Machine) scheduleTick(ctx context.Context, txID uuid.UUID, delay time.Duration) error {
	body, err := json.Marshal(MonitorTick{TxID: txID})
	if err != nil {
		return err
	}
	return m.bus.PublishAfter(ctx, queue.TransactionMonitor, queue.NewMessage(txID.String(), body), delay)
}

func (m *Machine) loadAddress(ctx context.Context, row *models.Transaction) (*models.PaymentAddress, error) {
	if row.AddressID == nil {
		return nil, fmt.Errorf("payment: transaction %s has no address", row.ID)
	}
	return m.store.AddressByID(ctx, *row.AddressID)
}

// ignoreConverged treats a lost transition race as success: the other writer
// already produced the target state.
func (m *Machine) ignoreConverged(err error) error {
	if errors.Is(err, storage.ErrIllegalTransition) {
		return nil
	}
	return err
}

func (m *Machine) emit(ctx context.Context, merchantID uuid.UUID, event string, data interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.Emit(ctx, merchantID, event, data); err != nil {
		m.logger.Warn("payment event publish failed", "event", event, "err", err)
	}
}

func (m *Machine) txEvent(row *models.Transaction, addr *models.PaymentAddress) map[string]interface{} {
	data := map[string]interface{}{
		"transaction": map[string]interface{}{
			"id":            row.ID,
			"txHash":        row.TxHash,
			"status":        row.Status,
			"amount":        row.Amount,
			"currency":      row.Currency,
			"confirmations": row.Confirmations,
			"metadata":      row.Metadata,
		},
		"merchant": map[string]interface{}{"id": row.MerchantID},
	}
	if addr != nil {
		data["address"] = map[string]interface{}{
			"id":             addr.ID,
			"address":        addr.Address,
			"expectedAmount": addr.ExpectedAmount,
			"reference":      addr.Reference,
		}
	}
	return data
}

func mergeMetadata(existing string, extra map[string]interface{}) string {
	merged := map[string]interface{}{}
	if existing != "" {
		_ = json.Unmarshal([]byte(existing), &merged)
	}
	for k, v := range extra {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return existing
	}
	return string(out)
}
