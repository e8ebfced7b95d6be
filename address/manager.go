package address

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chainpay/audit"
	"chainpay/models"
	"chainpay/observability/metrics"
	"chainpay/storage"
	"chainpay/wallet"
	"chainpay/webhook"
)

// Expiry bounds for issued addresses, in seconds.
const (
	MinExpirySec = 300
	MaxExpirySec = 86400

	sweepBatchSize = 500
)

var (
	// ErrInvalidAmount rejects non-positive expected amounts.
	ErrInvalidAmount = errors.New("address: expected amount must be positive")
	// ErrInvalidExpiry rejects expiry windows outside [MinExpirySec, MaxExpirySec].
	ErrInvalidExpiry = errors.New("address: expiry outside allowed window")
	// ErrCapacityExhausted indicates the merchant's derivation index space is consumed.
	ErrCapacityExhausted = errors.New("address: derivation capacity exhausted")
	// ErrReferenceInUse enforces at most one ACTIVE address per (merchant, reference).
	ErrReferenceInUse = errors.New("address: reference already has an active address")
)

// Events is the notification surface, satisfied by *webhook.Dispatcher.
type Events interface {
	Emit(ctx context.Context, merchantID uuid.UUID, event string, data interface{}) error
}

// Manager issues, expires and sweeps HD-derived payment addresses.
type Manager struct {
	store  *storage.Store
	keys   *wallet.Registry
	cipher *wallet.KeyCipher
	events Events
	audit  *audit.Recorder
	logger *slog.Logger
	nowFn  func() time.Time
}

// Option customizes a manager.
type Option func(*Manager)

// WithClock overrides the manager clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowFn = now }
}

// NewManager wires an address manager.
func NewManager(store *storage.Store, keys *wallet.Registry, cipher *wallet.KeyCipher, events Events, rec *audit.Recorder, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		keys:   keys,
		cipher: cipher,
		events: events,
		audit:  rec,
		logger: logger,
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IssueParams carries an issuance request.
type IssueParams struct {
	MerchantID     uuid.UUID
	Currency       string
	ExpectedAmount decimal.Decimal
	ExpiresInSec   int
	Reference      string
	CallbackURL    string
	Metadata       string
}

// Issue derives the merchant's next unused address, persists it ACTIVE and
// monitored, and announces it. The derived private key is sealed before it
// touches the database.
func (m *Manager) Issue(ctx context.Context, p IssueParams) (*models.PaymentAddress, error) {
	if !p.ExpectedAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if p.ExpiresInSec < MinExpirySec || p.ExpiresInSec > MaxExpirySec {
		return nil, fmt.Errorf("%w: %d", ErrInvalidExpiry, p.ExpiresInSec)
	}
	if p.Reference != "" {
		if _, err := m.store.ActiveAddressByReference(ctx, p.MerchantID, p.Reference); err == nil {
			return nil, ErrReferenceInUse
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	currency := p.Currency
	if currency == "" {
		currency = "USDT"
	}

	now := m.nowFn()
	row := &models.PaymentAddress{
		MerchantID:     p.MerchantID,
		Type:           models.AddressMerchantPayment,
		Status:         models.AddressActive,
		ExpectedAmount: p.ExpectedAmount,
		Currency:       currency,
		ExpiresAt:      now.Add(time.Duration(p.ExpiresInSec) * time.Second),
		Monitored:      true,
		CallbackURL:    p.CallbackURL,
		Reference:      p.Reference,
		Metadata:       p.Metadata,
	}
	err := m.store.ReserveAddress(ctx, row, func(index uint32) error {
		account, err := m.keys.Derive(index)
		if err != nil {
			if errors.Is(err, wallet.ErrIndexExhausted) {
				return ErrCapacityExhausted
			}
			return err
		}
		defer account.Zero()
		sealed, err := m.cipher.Seal(account.PrivateKey)
		if err != nil {
			return err
		}
		row.Address = account.Address.Hex()
		row.DerivationPath = account.Path
		row.HDIndex = account.Index
		row.EncryptedKey = sealed
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Gateway().AddressesIssued.Inc()
	m.audit.Record(ctx, "ADDRESS_CREATED", "payment_address", row.ID.String(), &p.MerchantID, "",
		nil, row, "payment address issued")
	m.emit(ctx, p.MerchantID, webhook.EventAddressCreated, addressEvent(row))
	return row, nil
}

// Expire marks the address EXPIRED and stops monitoring. Idempotent: an
// address already past ACTIVE is left untouched.
func (m *Manager) Expire(ctx context.Context, id uuid.UUID) error {
	changed, err := m.store.UpdateAddressStatus(ctx, id, models.AddressActive, models.AddressExpired)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	row, err := m.store.AddressByID(ctx, id)
	if err != nil {
		return err
	}
	metrics.Gateway().AddressesExpired.Inc()
	m.audit.Record(ctx, "ADDRESS_EXPIRED", "payment_address", id.String(), &row.MerchantID, "",
		models.AddressActive, models.AddressExpired, "payment address expired")
	m.emit(ctx, row.MerchantID, webhook.EventAddressExpired, addressEvent(row))
	return nil
}

// MarkUsed transitions ACTIVE to USED once a successful payment is recorded.
// A repeat call is a no-op.
func (m *Manager) MarkUsed(ctx context.Context, id uuid.UUID) error {
	_, err := m.store.UpdateAddressStatus(ctx, id, models.AddressActive, models.AddressUsed)
	return err
}

// SweepExpired expires ACTIVE addresses past their deadline, oldest first, in
// bounded batches. Addresses that already attracted transactions are left to
// the payment state machine.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	rows, err := m.store.ExpiredActiveAddresses(ctx, m.nowFn(), sweepBatchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range rows {
		row := rows[i]
		hasTx, err := m.store.AddressHasTransactions(ctx, row.ID)
		if err != nil {
			return expired, err
		}
		if hasTx {
			continue
		}
		if err := m.Expire(ctx, row.ID); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// RunSweeper drives SweepExpired on a fixed cadence until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.SweepExpired(ctx); err != nil {
				m.logger.Warn("address expiry sweep failed", "expired", n, "err", err)
			}
		}
	}
}

func (m *Manager) emit(ctx context.Context, merchantID uuid.UUID, event string, data interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.Emit(ctx, merchantID, event, data); err != nil {
		m.logger.Warn("address event publish failed", "event", event, "err", err)
	}
}

func addressEvent(row *models.PaymentAddress) map[string]interface{} {
	return map[string]interface{}{
		"address": map[string]interface{}{
			"id":             row.ID,
			"address":        row.Address,
			"status":         row.Status,
			"expectedAmount": row.ExpectedAmount,
			"currency":       row.Currency,
			"expiresAt":      row.ExpiresAt,
			"reference":      row.Reference,
		},
		"merchant": map[string]interface{}{"id": row.MerchantID},
	}
}
