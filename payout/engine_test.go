package payout

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chainpay/models"
	"chainpay/queue"
	"chainpay/storage"
)

type fakeBackend struct {
	balance   decimal.Decimal
	state     TransferState
	submitted []string
	submitErr error
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) SubmitTransfer(_ context.Context, destination string, _ decimal.Decimal) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, destination)
	return "ref-1", nil
}

func (f *fakeBackend) TransferStatus(context.Context, string) (TransferState, error) {
	return f.state, nil
}

func (f *fakeBackend) Balance(context.Context) (decimal.Decimal, error) {
	return f.balance, nil
}

type published struct {
	queue string
	msg   queue.Message
}

type captureBus struct {
	published []published
}

func (c *captureBus) Publish(_ context.Context, q string, msg queue.Message) error {
	c.published = append(c.published, published{queue: q, msg: msg})
	return nil
}

func (c *captureBus) PublishAfter(ctx context.Context, q string, msg queue.Message, _ time.Duration) error {
	return c.Publish(ctx, q, msg)
}

type captureEvents struct {
	names []string
}

func (c *captureEvents) Emit(_ context.Context, _ uuid.UUID, event string, _ interface{}) error {
	c.names = append(c.names, event)
	return nil
}

type fixture struct {
	engine   *Engine
	store    *storage.Store
	backend  *fakeBackend
	bus      *captureBus
	events   *captureEvents
	merchant *models.Merchant
}

func newFixture(t *testing.T, policy *Policy) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))

	store := storage.New(db)
	merchant := &models.Merchant{
		BusinessName: "Acme Imports",
		Email:        uuid.NewString() + "@example.com",
		Status:       models.MerchantActive,
		RiskLevel:    models.RiskLow,
	}
	require.NoError(t, store.CreateMerchant(context.Background(), merchant))

	f := &fixture{
		store:    store,
		backend:  &fakeBackend{balance: decimal.RequireFromString("1000"), state: TransferPending},
		bus:      &captureBus{},
		events:   &captureEvents{},
		merchant: merchant,
	}
	f.engine = NewEngine(store, f.backend, policy, f.events, f.bus, nil, "BSC", nil)
	return f
}

func validParams(merchantID uuid.UUID) CreateParams {
	return CreateParams{
		MerchantID:  merchantID,
		Currency:    "USDT",
		Amount:      decimal.RequireFromString("50"),
		Destination: "0x52908400098527886E0F7030069857D2E4169EE7",
		Network:     "BSC",
	}
}

func TestCreatePayoutPersistsPendingAndEnqueues(t *testing.T) {
	f := newFixture(t, nil)
	row, err := f.engine.CreatePayout(context.Background(), validParams(f.merchant.ID))
	require.NoError(t, err)
	require.Equal(t, models.TxPending, row.Status)
	require.Equal(t, models.TxTypePayout, row.Type)

	require.Len(t, f.bus.published, 1)
	require.Equal(t, queue.PayoutExecute, f.bus.published[0].queue)
	var job ExecuteJob
	require.NoError(t, json.Unmarshal(f.bus.published[0].msg.Body, &job))
	require.Equal(t, row.ID, job.TxID)
	require.Equal(t, []string{"payout.initiated"}, f.events.names)
}

func TestCreatePayoutValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p := validParams(f.merchant.ID)
	p.Amount = decimal.Zero
	_, err := f.engine.CreatePayout(ctx, p)
	require.ErrorIs(t, err, ErrInvalidAmount)

	p = validParams(f.merchant.ID)
	p.Destination = "not-an-address"
	_, err = f.engine.CreatePayout(ctx, p)
	require.ErrorIs(t, err, ErrInvalidDestination)

	p = validParams(f.merchant.ID)
	p.Destination = "0x123"
	_, err = f.engine.CreatePayout(ctx, p)
	require.ErrorIs(t, err, ErrInvalidDestination)

	p = validParams(f.merchant.ID)
	p.Network = "TRON"
	_, err = f.engine.CreatePayout(ctx, p)
	require.ErrorIs(t, err, ErrUnsupportedNetwork)

	f.backend.balance = decimal.RequireFromString("10")
	_, err = f.engine.CreatePayout(ctx, validParams(f.merchant.ID))
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestCreatePayoutMerchantGates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.merchant.Status = models.MerchantSuspended
	require.NoError(t, f.store.UpdateMerchant(ctx, f.merchant))
	_, err := f.engine.CreatePayout(ctx, validParams(f.merchant.ID))
	require.ErrorIs(t, err, ErrMerchantGated)

	f.merchant.Status = models.MerchantActive
	f.merchant.MaxTxAmount = decimal.RequireFromString("20")
	require.NoError(t, f.store.UpdateMerchant(ctx, f.merchant))
	_, err = f.engine.CreatePayout(ctx, validParams(f.merchant.ID))
	require.ErrorIs(t, err, ErrAmountOutOfRange)
}

func TestPolicyCapsAndPause(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`payouts:
  paused: false
  maxPerTransaction: "100"
  riskCaps:
    HIGH: "0"
    MEDIUM: "30"
`), 0o600))
	policy, err := LoadPolicy(path)
	require.NoError(t, err)

	f := newFixture(t, policy)
	ctx := context.Background()

	p := validParams(f.merchant.ID)
	p.Amount = decimal.RequireFromString("150")
	_, err = f.engine.CreatePayout(ctx, p)
	require.ErrorIs(t, err, ErrPolicyCap)

	f.merchant.RiskLevel = models.RiskHigh
	require.NoError(t, f.store.UpdateMerchant(ctx, f.merchant))
	_, err = f.engine.CreatePayout(ctx, validParams(f.merchant.ID))
	require.ErrorIs(t, err, ErrPolicyCap)

	f.merchant.RiskLevel = models.RiskMedium
	require.NoError(t, f.store.UpdateMerchant(ctx, f.merchant))
	p = validParams(f.merchant.ID)
	p.Amount = decimal.RequireFromString("25")
	_, err = f.engine.CreatePayout(ctx, p)
	require.NoError(t, err)

	policy.Pause()
	_, err = f.engine.CreatePayout(ctx, p)
	require.ErrorIs(t, err, ErrPayoutsPaused)
	policy.Resume()
	p.Amount = decimal.RequireFromString("26")
	_, err = f.engine.CreatePayout(ctx, p)
	require.NoError(t, err)
}

func TestExecuteTwoPhaseLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	row, err := f.engine.CreatePayout(ctx, validParams(f.merchant.ID))
	require.NoError(t, err)
	body, err := json.Marshal(ExecuteJob{TxID: row.ID})
	require.NoError(t, err)
	msg := queue.NewMessage(row.ID.String(), body)

	// Phase 1: submission moves PENDING to CONFIRMING and awaits status.
	err = f.engine.HandleExecute(ctx, msg)
	require.Error(t, err)
	_, retryable := queue.RetryDelay(err)
	require.True(t, retryable)
	require.Equal(t, []string{"0x52908400098527886E0F7030069857D2E4169EE7"}, f.backend.submitted)

	reloaded, err := f.store.TransactionByID(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirming, reloaded.Status)
	require.Equal(t, "ref-1", *reloaded.TxHash)
	require.Contains(t, f.events.names, "payout.processing")

	// Phase 2: pending status keeps polling; a confirmed status completes.
	err = f.engine.HandleExecute(ctx, msg)
	require.Error(t, err)
	_, retryable = queue.RetryDelay(err)
	require.True(t, retryable)

	f.backend.state = TransferConfirmed
	require.NoError(t, f.engine.HandleExecute(ctx, msg))
	reloaded, err = f.store.TransactionByID(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxCompleted, reloaded.Status)
	require.Contains(t, f.events.names, "payout.completed")

	// Redelivery after completion is a no-op.
	require.NoError(t, f.engine.HandleExecute(ctx, msg))
	require.Len(t, f.backend.submitted, 1)
}

func TestExecuteBackendFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	row, err := f.engine.CreatePayout(ctx, validParams(f.merchant.ID))
	require.NoError(t, err)
	body, err := json.Marshal(ExecuteJob{TxID: row.ID})
	require.NoError(t, err)
	msg := queue.NewMessage(row.ID.String(), body)

	_ = f.engine.HandleExecute(ctx, msg)
	f.backend.state = TransferFailed
	require.NoError(t, f.engine.HandleExecute(ctx, msg))

	reloaded, err := f.store.TransactionByID(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxFailed, reloaded.Status)
	require.Contains(t, f.events.names, "payout.failed")
}
