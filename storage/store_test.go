package storage

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chainpay/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A pooled second connection would see its own empty :memory: database.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	return New(db)
}

func seedMerchant(t *testing.T, s *Store) *models.Merchant {
	t.Helper()
	m := &models.Merchant{
		BusinessName: "Acme Imports",
		Email:        uuid.NewString() + "@example.com",
		Status:       models.MerchantActive,
		RiskLevel:    models.RiskLow,
	}
	require.NoError(t, s.CreateMerchant(context.Background(), m))
	return m
}

func seedAddress(t *testing.T, s *Store, merchantID uuid.UUID) *models.PaymentAddress {
	t.Helper()
	a := &models.PaymentAddress{
		MerchantID:     merchantID,
		Address:        "0x" + uuid.NewString()[:8],
		Type:           models.AddressMerchantPayment,
		Status:         models.AddressActive,
		ExpectedAmount: decimal.RequireFromString("100"),
		Currency:       "USDT",
		ExpiresAt:      time.Now().Add(time.Hour),
		Monitored:      true,
	}
	require.NoError(t, s.CreateAddress(context.Background(), a))
	return a
}

func TestNextHDIndexIsSequentialPerScope(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for want := uint32(0); want < 3; want++ {
		got, err := s.NextHDIndex(ctx, nil, HDScopePayments)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	got, err := s.NextHDIndex(ctx, nil, "hot")
	require.NoError(t, err)
	require.Equal(t, uint32(0), got)
}

func TestReserveAddressRollsBackOnDeriveFailure(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s)

	row := &models.PaymentAddress{MerchantID: m.ID}
	err := s.ReserveAddress(ctx, row, func(uint32) error {
		return ErrConflict
	})
	require.ErrorIs(t, err, ErrConflict)

	// The failed reservation must not burn the index.
	next, err := s.NextHDIndex(ctx, nil, HDScopePayments)
	require.NoError(t, err)
	require.Equal(t, uint32(0), next)
}

func TestUpsertDetectionCreateThenUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s)
	addr := seedAddress(t, s, m.ID)

	det := Detection{
		TxHash:      "0xabc",
		LogIndex:    3,
		FromAddress: "0xsender",
		ToAddress:   addr.Address,
		Amount:      decimal.RequireFromString("100"),
	}
	row, created, err := s.UpsertDetection(ctx, m.ID, addr.ID, det)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.TxConfirming, row.Status)

	det.Confirmations = 7
	det.BlockNumber = 1200
	again, created, err := s.UpsertDetection(ctx, m.ID, addr.ID, det)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, row.ID, again.ID)
	require.Equal(t, uint64(7), again.Confirmations)
	require.Equal(t, uint64(1200), again.BlockNumber)

	var count int64
	require.NoError(t, s.DB().Model(&models.Transaction{}).Where("tx_hash = ?", "0xabc").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestTransitionTxEnforcesMonotonicity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s)
	addr := seedAddress(t, s, m.ID)

	row, _, err := s.UpsertDetection(ctx, m.ID, addr.ID, Detection{TxHash: "0xdef", Amount: decimal.RequireFromString("5")})
	require.NoError(t, err)

	now := time.Now().UTC()
	confirmed, err := s.TransitionTx(ctx, row.ID, models.TxConfirmed, func(tx *models.Transaction) {
		tx.ConfirmedAt = &now
	})
	require.NoError(t, err)
	require.Equal(t, models.TxConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)

	// Repeating the same transition is an idempotent no-op.
	again, err := s.TransitionTx(ctx, row.ID, models.TxConfirmed, nil)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirmed, again.Status)

	// Moving backward is illegal.
	_, err = s.TransitionTx(ctx, row.ID, models.TxConfirming, nil)
	require.ErrorIs(t, err, ErrIllegalTransition)

	// Terminal states never change.
	_, err = s.TransitionTx(ctx, row.ID, models.TxSettled, func(tx *models.Transaction) {
		tx.SettlementTxHash = "0xsweep"
	})
	require.NoError(t, err)
	_, err = s.TransitionTx(ctx, row.ID, models.TxCompleted, nil)
	require.NoError(t, err)
	_, err = s.TransitionTx(ctx, row.ID, models.TxFailed, nil)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestUpdateAddressStatusConditional(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s)
	addr := seedAddress(t, s, m.ID)

	changed, err := s.UpdateAddressStatus(ctx, addr.ID, models.AddressActive, models.AddressExpired)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.UpdateAddressStatus(ctx, addr.ID, models.AddressActive, models.AddressExpired)
	require.NoError(t, err)
	require.False(t, changed)

	reloaded, err := s.AddressByID(ctx, addr.ID)
	require.NoError(t, err)
	require.Equal(t, models.AddressExpired, reloaded.Status)
	require.False(t, reloaded.Monitored)
}

func TestConfirmedUnsettledIsFIFOByConfirmation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s)
	addr := seedAddress(t, s, m.ID)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	hashes := []string{"0x3", "0x1", "0x2"}
	offsets := []time.Duration{2 * time.Hour, 0, time.Hour}
	for i, hash := range hashes {
		row, _, err := s.UpsertDetection(ctx, m.ID, addr.ID, Detection{TxHash: hash, Amount: decimal.RequireFromString("1")})
		require.NoError(t, err)
		at := base.Add(offsets[i])
		_, err = s.TransitionTx(ctx, row.ID, models.TxConfirmed, func(tx *models.Transaction) {
			tx.ConfirmedAt = &at
		})
		require.NoError(t, err)
	}

	rows, err := s.ConfirmedUnsettled(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "0x1", *rows[0].TxHash)
	require.Equal(t, "0x2", *rows[1].TxHash)
	require.Equal(t, "0x3", *rows[2].TxHash)
}

func TestRecordWebhookFailureFlipsAtMaxRetries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s)

	w := &models.Webhook{
		MerchantID: m.ID,
		URL:        "https://merchant.example/hook",
		Events:     "payment.confirmed",
		Status:     models.WebhookActive,
		MaxRetries: 3,
	}
	require.NoError(t, s.CreateWebhook(ctx, w))

	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		flipped, err := s.RecordWebhookFailure(ctx, w.ID, "status 500", now)
		require.NoError(t, err)
		require.False(t, flipped)
	}
	flipped, err := s.RecordWebhookFailure(ctx, w.ID, "status 500", now)
	require.NoError(t, err)
	require.True(t, flipped)

	reloaded, err := s.WebhookByID(ctx, m.ID, w.ID)
	require.NoError(t, err)
	require.Equal(t, models.WebhookFailed, reloaded.Status)
	require.Equal(t, 3, reloaded.FailedAttempts)

	require.NoError(t, s.RecordWebhookSuccess(ctx, w.ID, now))
	reloaded, err = s.WebhookByID(ctx, m.ID, w.ID)
	require.NoError(t, err)
	require.Equal(t, models.WebhookActive, reloaded.Status)
	require.Zero(t, reloaded.FailedAttempts)
}

func TestBeginIdempotentReplayAndMismatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s)

	rec := &models.IdempotencyKey{
		Key:         "idem-1",
		MerchantID:  m.ID,
		Method:      "POST",
		Path:        "/payouts",
		RequestHash: "hash-a",
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}
	_, created, err := s.BeginIdempotent(ctx, rec)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, s.CompleteIdempotent(ctx, rec.Key, 201, []byte(`{"ok":true}`), time.Now().UTC()))

	replay := &models.IdempotencyKey{Key: "idem-1", RequestHash: "hash-a"}
	stored, created, err := s.BeginIdempotent(ctx, replay)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, 201, stored.Status)
	require.JSONEq(t, `{"ok":true}`, string(stored.Response))
	require.NotNil(t, stored.CompletedAt)

	mismatch := &models.IdempotencyKey{Key: "idem-1", RequestHash: "hash-b"}
	_, _, err = s.BeginIdempotent(ctx, mismatch)
	require.ErrorIs(t, err, ErrConflict)
}

func TestSweepIdempotencyRemovesExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := &models.IdempotencyKey{Key: "live", RequestHash: "h", ExpiresAt: now.Add(time.Hour)}
	stale := &models.IdempotencyKey{Key: "stale", RequestHash: "h", ExpiresAt: now.Add(-time.Hour)}
	_, _, err := s.BeginIdempotent(ctx, live)
	require.NoError(t, err)
	_, _, err = s.BeginIdempotent(ctx, stale)
	require.NoError(t, err)

	removed, err := s.SweepIdempotency(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	_, created, err := s.BeginIdempotent(ctx, &models.IdempotencyKey{Key: "stale", RequestHash: "other", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, created)
}

func TestRevokeAPIKeyScopedToMerchant(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	owner := seedMerchant(t, s)
	other := seedMerchant(t, s)

	key := &models.APIKey{
		MerchantID: owner.ID,
		PublicID:   "pk_test_revoke",
		SecretHash: "deadbeef",
		Status:     models.APIKeyActive,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	now := time.Now().UTC()
	require.NoError(t, s.TouchAPIKey(ctx, key.ID, now))

	// Another merchant cannot revoke a key it does not own.
	require.ErrorIs(t, s.RevokeAPIKey(ctx, other.ID, key.ID), ErrNotFound)

	require.NoError(t, s.RevokeAPIKey(ctx, owner.ID, key.ID))
	reloaded, err := s.APIKeyByPublicID(ctx, "pk_test_revoke")
	require.NoError(t, err)
	require.Equal(t, models.APIKeyRevoked, reloaded.Status)
	require.Equal(t, int64(1), reloaded.UseCount)
	require.NotNil(t, reloaded.LastUsedAt)
}

func TestActiveAddressByReference(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	m := seedMerchant(t, s)

	a := seedAddress(t, s, m.ID)
	a.Reference = "order-77"
	require.NoError(t, s.DB().Save(a).Error)

	found, err := s.ActiveAddressByReference(ctx, m.ID, "order-77")
	require.NoError(t, err)
	require.Equal(t, a.ID, found.ID)

	_, err = s.ActiveAddressByReference(ctx, m.ID, "order-88")
	require.ErrorIs(t, err, ErrNotFound)
}
