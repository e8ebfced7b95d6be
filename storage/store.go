package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chainpay/models"
)

var (
	// ErrNotFound indicates the entity does not exist or is not visible to the caller.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict indicates a unique-key collision or an illegal concurrent update.
	ErrConflict = errors.New("storage: conflict")
	// ErrIllegalTransition indicates a status change that would violate monotonicity.
	ErrIllegalTransition = errors.New("storage: illegal status transition")
)

// Store wraps the relational system of record. Row-level locks taken here are
// the authoritative serialization domain for state transitions.
type Store struct {
	db *gorm.DB
}

// New constructs a store over an open gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migration and test seeding.
func (s *Store) DB() *gorm.DB { return s.db }

// lockForUpdate takes a row-level lock where the dialect supports it. SQLite
// serializes writers on its own and rejects the clause.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector != nil && tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// --- merchants ---

func (s *Store) CreateMerchant(ctx context.Context, m *models.Merchant) error {
	ensureID(&m.ID)
	return translateErr(s.db.WithContext(ctx).Create(m).Error)
}

func (s *Store) MerchantByID(ctx context.Context, id uuid.UUID) (*models.Merchant, error) {
	var m models.Merchant
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translateErr(err)
	}
	return &m, nil
}

func (s *Store) MerchantByEmail(ctx context.Context, email string) (*models.Merchant, error) {
	var m models.Merchant
	if err := s.db.WithContext(ctx).First(&m, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error; err != nil {
		return nil, translateErr(err)
	}
	return &m, nil
}

func (s *Store) UpdateMerchant(ctx context.Context, m *models.Merchant) error {
	return translateErr(s.db.WithContext(ctx).Save(m).Error)
}

// DailyVolume sums PAYMENT transactions recorded for the merchant since the
// provided cutoff, used for limit enforcement.
func (s *Store) DailyVolume(ctx context.Context, merchantID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Select("SUM(amount)").
		Where("merchant_id = ? AND type IN ? AND created_at >= ?", merchantID,
			[]models.TxType{models.TxTypePayment, models.TxTypePayout}, since).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// --- api keys ---

func (s *Store) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	ensureID(&k.ID)
	return translateErr(s.db.WithContext(ctx).Create(k).Error)
}

func (s *Store) APIKeyByPublicID(ctx context.Context, publicID string) (*models.APIKey, error) {
	var k models.APIKey
	if err := s.db.WithContext(ctx).First(&k, "public_id = ?", strings.TrimSpace(publicID)).Error; err != nil {
		return nil, translateErr(err)
	}
	return &k, nil
}

// TouchAPIKey records credential usage without racing concurrent requests.
func (s *Store) TouchAPIKey(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.db.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_used_at": now,
			"use_count":    gorm.Expr("use_count + 1"),
		}).Error
}

func (s *Store) RevokeAPIKey(ctx context.Context, merchantID, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ? AND merchant_id = ?", id, merchantID).
		Update("status", models.APIKeyRevoked)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- payment addresses ---

// HDScopePayments is the derivation scope shared by all issued payment
// addresses.
const HDScopePayments = "payments"

// NextHDIndex atomically reserves the next unused derivation index for the
// scope. The cursor row is locked for the duration of the enclosing
// transaction.
func (s *Store) NextHDIndex(ctx context.Context, tx *gorm.DB, scope string) (uint32, error) {
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}
	var cursor models.HDCursor
	err := lockForUpdate(tx).
		First(&cursor, "scope = ?", scope).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cursor = models.HDCursor{Scope: scope, NextIndex: 0}
		if err := tx.Create(&cursor).Error; err != nil {
			return 0, translateErr(err)
		}
	} else if err != nil {
		return 0, err
	}
	next := cursor.NextIndex
	if err := tx.Model(&models.HDCursor{}).Where("scope = ?", scope).
		Update("next_index", next+1).Error; err != nil {
		return 0, err
	}
	return next, nil
}

// CreateAddress persists an address inside fn's transaction scope so callers
// can pair it with cursor reservation.
func (s *Store) CreateAddress(ctx context.Context, a *models.PaymentAddress) error {
	ensureID(&a.ID)
	return translateErr(s.db.WithContext(ctx).Create(a).Error)
}

// ReserveAddress atomically claims the merchant's next derivation index,
// invokes derive to fill the address fields for that index, and persists the
// row. A derive failure rolls the cursor reservation back.
func (s *Store) ReserveAddress(ctx context.Context, a *models.PaymentAddress, derive func(index uint32) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		index, err := s.NextHDIndex(ctx, tx, HDScopePayments)
		if err != nil {
			return err
		}
		if err := derive(index); err != nil {
			return err
		}
		ensureID(&a.ID)
		return translateErr(tx.Create(a).Error)
	})
}

// Transaction runs fn inside a database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Store) AddressByID(ctx context.Context, id uuid.UUID) (*models.PaymentAddress, error) {
	var a models.PaymentAddress
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, translateErr(err)
	}
	return &a, nil
}

func (s *Store) AddressByAddr(ctx context.Context, addr string) (*models.PaymentAddress, error) {
	var a models.PaymentAddress
	if err := s.db.WithContext(ctx).First(&a, "lower(address) = lower(?)", strings.TrimSpace(addr)).Error; err != nil {
		return nil, translateErr(err)
	}
	return &a, nil
}

// ActiveAddressByReference enforces the at-most-one ACTIVE address per
// (merchant, reference) invariant.
func (s *Store) ActiveAddressByReference(ctx context.Context, merchantID uuid.UUID, reference string) (*models.PaymentAddress, error) {
	var a models.PaymentAddress
	err := s.db.WithContext(ctx).
		First(&a, "merchant_id = ? AND reference = ? AND status = ?", merchantID, reference, models.AddressActive).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &a, nil
}

// UpdateAddressStatus performs a conditional transition and reports whether a
// row changed. A zero count with no error means the address was already past
// the source state, which callers treat as idempotent success.
func (s *Store) UpdateAddressStatus(ctx context.Context, id uuid.UUID, from, to models.AddressStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PaymentAddress{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "monitored": to == models.AddressActive})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ExpiredActiveAddresses lists ACTIVE addresses past expiry, oldest first,
// bounded by limit.
func (s *Store) ExpiredActiveAddresses(ctx context.Context, now time.Time, limit int) ([]models.PaymentAddress, error) {
	var out []models.PaymentAddress
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.AddressActive, now).
		Order("expires_at asc").Limit(limit).Find(&out).Error
	return out, err
}

// AddressByType returns the oldest address of the given type. Used to locate
// the provisioned hot wallet at startup.
func (s *Store) AddressByType(ctx context.Context, t models.AddressType) (*models.PaymentAddress, error) {
	var a models.PaymentAddress
	err := s.db.WithContext(ctx).
		Where("type = ?", t).Order("created_at asc").First(&a).Error
	if err != nil {
		return nil, translateErr(err)
	}
	return &a, nil
}

// MonitoredAddresses returns the watch set for the blockchain monitor.
func (s *Store) MonitoredAddresses(ctx context.Context) ([]models.PaymentAddress, error) {
	var out []models.PaymentAddress
	err := s.db.WithContext(ctx).
		Where("monitored = ? AND status = ?", true, models.AddressActive).Find(&out).Error
	return out, err
}

func (s *Store) AddressHasTransactions(ctx context.Context, addressID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("address_id = ?", addressID).Count(&count).Error
	return count > 0, err
}

// AddressFilter narrows ListAddresses.
type AddressFilter struct {
	Status    models.AddressStatus
	Reference string
	Limit     int
	Offset    int
}

func (s *Store) ListAddresses(ctx context.Context, merchantID uuid.UUID, f AddressFilter) ([]models.PaymentAddress, error) {
	q := s.db.WithContext(ctx).Where("merchant_id = ?", merchantID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Reference != "" {
		q = q.Where("reference = ?", f.Reference)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.PaymentAddress
	err := q.Order("created_at desc").Limit(limit).Offset(f.Offset).Find(&out).Error
	return out, err
}

// --- transactions ---

// Detection is the normalized inbound-transfer upsert payload.
type Detection struct {
	TxHash         string
	LogIndex       uint
	FromAddress    string
	ToAddress      string
	Amount         decimal.Decimal
	Confirmations  uint64
	BlockNumber    uint64
	BlockHash      string
	BlockTimestamp time.Time
}

// UpsertDetection is the single-flight upsert keyed by txHash. The row lock
// taken inside the transaction totally orders concurrent detections of the
// same hash. Returns the persisted row and whether it was newly created.
func (s *Store) UpsertDetection(ctx context.Context, merchantID uuid.UUID, addressID uuid.UUID, d Detection) (*models.Transaction, bool, error) {
	var row models.Transaction
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := lockForUpdate(tx).
			First(&row, "tx_hash = ?", d.TxHash).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			hash := d.TxHash
			row = models.Transaction{
				ID:             uuid.New(),
				MerchantID:     merchantID,
				AddressID:      &addressID,
				TxHash:         &hash,
				LogIndex:       d.LogIndex,
				Status:         models.TxConfirming,
				Type:           models.TxTypePayment,
				Amount:         d.Amount,
				FromAddress:    d.FromAddress,
				ToAddress:      d.ToAddress,
				Confirmations:  d.Confirmations,
				BlockNumber:    d.BlockNumber,
				BlockHash:      d.BlockHash,
				BlockTimestamp: &d.BlockTimestamp,
			}
			if err := tx.Create(&row).Error; err != nil {
				return translateErr(err)
			}
			created = true
			return nil
		case err != nil:
			return err
		}
		updates := map[string]interface{}{
			"confirmations": d.Confirmations,
			"block_number":  d.BlockNumber,
			"block_hash":    d.BlockHash,
		}
		if !d.BlockTimestamp.IsZero() {
			updates["block_timestamp"] = d.BlockTimestamp
		}
		if err := tx.Model(&row).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&row, "id = ?", row.ID).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &row, created, nil
}

func (s *Store) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	ensureID(&t.ID)
	return translateErr(s.db.WithContext(ctx).Create(t).Error)
}

func (s *Store) TransactionByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var t models.Transaction
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, translateErr(err)
	}
	return &t, nil
}

func (s *Store) TransactionByHash(ctx context.Context, hash string) (*models.Transaction, error) {
	var t models.Transaction
	if err := s.db.WithContext(ctx).First(&t, "tx_hash = ?", hash).Error; err != nil {
		return nil, translateErr(err)
	}
	return &t, nil
}

// TransactionByReference finds one row by type and reference.
func (s *Store) TransactionByReference(ctx context.Context, txType models.TxType, reference string) (*models.Transaction, error) {
	var t models.Transaction
	if err := s.db.WithContext(ctx).First(&t, "type = ? AND reference = ?", txType, reference).Error; err != nil {
		return nil, translateErr(err)
	}
	return &t, nil
}

// RefundedAmount sums the non-failed refunds already raised against one
// payment, identified through the refund rows' reference column.
func (s *Store) RefundedAmount(ctx context.Context, references []string) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Select("SUM(amount)").
		Where("type = ? AND reference IN ? AND status <> ?",
			models.TxTypeRefund, references, models.TxFailed).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// TransitionTx loads the row under a FOR UPDATE lock, validates the status
// edge, applies mutate, and persists. Retries observing the target state are
// reported as already-done rather than failure.
func (s *Store) TransitionTx(ctx context.Context, id uuid.UUID, to models.TxStatus, mutate func(*models.Transaction)) (*models.Transaction, error) {
	var row models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).
			First(&row, "id = ?", id).Error; err != nil {
			return translateErr(err)
		}
		if row.Status == to {
			return nil
		}
		if !row.Status.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, row.Status, to)
		}
		row.Status = to
		if mutate != nil {
			mutate(&row)
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// UpdateTxConfirmations refreshes the live confirmation count without
// touching status.
func (s *Store) UpdateTxConfirmations(ctx context.Context, id uuid.UUID, confirmations uint64) error {
	return s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ?", id).Update("confirmations", confirmations).Error
}

// ConfirmedUnsettled lists CONFIRMED payments lacking a settlement hash,
// FIFO by confirmation time.
func (s *Store) ConfirmedUnsettled(ctx context.Context, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	err := s.db.WithContext(ctx).
		Where("status = ? AND type = ? AND (settlement_tx_hash = '' OR settlement_tx_hash IS NULL)",
			models.TxConfirmed, models.TxTypePayment).
		Order("confirmed_at asc").Limit(limit).Find(&out).Error
	return out, err
}

// ConfirmingTransactions lists rows awaiting further confirmations.
func (s *Store) ConfirmingTransactions(ctx context.Context, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	err := s.db.WithContext(ctx).
		Where("status = ?", models.TxConfirming).
		Order("created_at asc").Limit(limit).Find(&out).Error
	return out, err
}

// TxFilter narrows ListTransactions.
type TxFilter struct {
	Status models.TxStatus
	Type   models.TxType
	Limit  int
	Offset int
}

func (s *Store) ListTransactions(ctx context.Context, merchantID uuid.UUID, f TxFilter) ([]models.Transaction, error) {
	q := s.db.WithContext(ctx).Where("merchant_id = ?", merchantID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []models.Transaction
	err := q.Order("created_at desc").Limit(limit).Offset(f.Offset).Find(&out).Error
	return out, err
}

// TxStats aggregates a merchant's transaction history.
type TxStats struct {
	Count       int64           `json:"count"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	ByStatus    map[string]int64 `json:"byStatus"`
}

func (s *Store) TransactionStats(ctx context.Context, merchantID uuid.UUID) (*TxStats, error) {
	stats := &TxStats{ByStatus: make(map[string]int64)}
	rows := []struct {
		Status models.TxStatus
		N      int64
		Sum    decimal.NullDecimal
	}{}
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Select("status, COUNT(*) as n, SUM(amount) as sum").
		Where("merchant_id = ?", merchantID).
		Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		stats.Count += r.N
		stats.ByStatus[string(r.Status)] = r.N
		if r.Sum.Valid {
			stats.TotalAmount = stats.TotalAmount.Add(r.Sum.Decimal)
		}
	}
	return stats, nil
}

// SettledRange lists SETTLED/COMPLETED payments inside [from, to) for report
// export.
func (s *Store) SettledRange(ctx context.Context, from, to time.Time) ([]models.Transaction, error) {
	var out []models.Transaction
	err := s.db.WithContext(ctx).
		Where("type = ? AND status IN ? AND updated_at >= ? AND updated_at < ?",
			models.TxTypePayment, []models.TxStatus{models.TxSettled, models.TxCompleted}, from, to).
		Order("merchant_id, updated_at").Find(&out).Error
	return out, err
}

// --- webhooks ---

func (s *Store) CreateWebhook(ctx context.Context, w *models.Webhook) error {
	ensureID(&w.ID)
	return translateErr(s.db.WithContext(ctx).Create(w).Error)
}

func (s *Store) WebhookByID(ctx context.Context, merchantID, id uuid.UUID) (*models.Webhook, error) {
	var w models.Webhook
	if err := s.db.WithContext(ctx).First(&w, "id = ? AND merchant_id = ?", id, merchantID).Error; err != nil {
		return nil, translateErr(err)
	}
	return &w, nil
}

func (s *Store) UpdateWebhook(ctx context.Context, w *models.Webhook) error {
	return translateErr(s.db.WithContext(ctx).Save(w).Error)
}

func (s *Store) DeleteWebhook(ctx context.Context, merchantID, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Delete(&models.Webhook{}, "id = ? AND merchant_id = ?", id, merchantID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListWebhooks(ctx context.Context, merchantID uuid.UUID) ([]models.Webhook, error) {
	var out []models.Webhook
	err := s.db.WithContext(ctx).Where("merchant_id = ?", merchantID).
		Order("created_at asc").Find(&out).Error
	return out, err
}

// ActiveWebhooks lists ACTIVE subscriptions for a merchant. Event filtering
// happens in the dispatcher because the subscription set is a serialized list.
func (s *Store) ActiveWebhooks(ctx context.Context, merchantID uuid.UUID) ([]models.Webhook, error) {
	var out []models.Webhook
	err := s.db.WithContext(ctx).
		Where("merchant_id = ? AND status = ?", merchantID, models.WebhookActive).
		Find(&out).Error
	return out, err
}

// RecordWebhookSuccess resets the failure counter and reactivates the endpoint.
func (s *Store) RecordWebhookSuccess(ctx context.Context, id uuid.UUID, now time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Webhook{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"failed_attempts": 0,
			"status":          models.WebhookActive,
			"last_failure":    "",
			"last_success_at": now,
			"last_attempt_at": now,
		}).Error
}

// RecordWebhookFailure increments the failure counter and reports whether the
// endpoint flipped to FAILED.
func (s *Store) RecordWebhookFailure(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	flipped := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var w models.Webhook
		if err := lockForUpdate(tx).
			First(&w, "id = ?", id).Error; err != nil {
			return translateErr(err)
		}
		w.FailedAttempts++
		w.LastFailure = reason
		w.LastAttemptAt = &now
		if w.MaxRetries > 0 && w.FailedAttempts >= w.MaxRetries {
			w.Status = models.WebhookFailed
			flipped = true
		}
		return tx.Save(&w).Error
	})
	return flipped, err
}

func (s *Store) InsertWebhookAttempt(ctx context.Context, a *models.WebhookAttempt) error {
	ensureID(&a.ID)
	return s.db.WithContext(ctx).Create(a).Error
}

// --- chain cursor ---

func (s *Store) ChainCursor(ctx context.Context, network string) (uint64, bool, error) {
	var c models.ChainCursor
	err := s.db.WithContext(ctx).First(&c, "network = ?", network).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return c.BlockNumber, true, nil
}

func (s *Store) SaveChainCursor(ctx context.Context, network string, block uint64) error {
	c := models.ChainCursor{Network: network, BlockNumber: block, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "network"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_number", "updated_at"}),
	}).Create(&c).Error
}

// --- idempotency ---

// BeginIdempotent inserts the key fingerprint if unseen and returns the
// stored record otherwise. A fingerprint mismatch on an existing key is a
// conflict.
func (s *Store) BeginIdempotent(ctx context.Context, rec *models.IdempotencyKey) (*models.IdempotencyKey, bool, error) {
	var existing models.IdempotencyKey
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := lockForUpdate(tx).
			First(&existing, "key = ?", rec.Key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(rec).Error; err != nil {
				return translateErr(err)
			}
			created = true
			return nil
		}
		if err != nil {
			return err
		}
		if existing.RequestHash != rec.RequestHash {
			return fmt.Errorf("%w: idempotency key reused with different payload", ErrConflict)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		return rec, true, nil
	}
	return &existing, false, nil
}

// CompleteIdempotent captures the handler response atomically with completion.
func (s *Store) CompleteIdempotent(ctx context.Context, key string, status int, body []byte, now time.Time) error {
	return s.db.WithContext(ctx).Model(&models.IdempotencyKey{}).Where("key = ?", key).
		Updates(map[string]interface{}{
			"status":       status,
			"response":     body,
			"completed_at": now,
		}).Error
}

// SweepIdempotency garbage-collects expired keys and returns the count removed.
func (s *Store) SweepIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&models.IdempotencyKey{}, "expires_at < ?", now)
	return res.RowsAffected, res.Error
}

// --- audit ---

// AppendAudit writes an audit row. Audit rows are append-only by contract;
// nothing in this package updates or deletes them.
func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	ensureID(&entry.ID)
	return s.db.WithContext(ctx).Create(entry).Error
}
