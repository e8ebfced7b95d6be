package payment

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chainpay/chain"
	"chainpay/models"
	"chainpay/queue"
	"chainpay/refund"
	"chainpay/storage"
)

type funcConfirmations func(ctx context.Context, txHash string) (uint64, error)

func (f funcConfirmations) Confirmations(ctx context.Context, txHash string) (uint64, error) {
	return f(ctx, txHash)
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

func (c *captureBus) byQueue(q string) []queue.Message {
	var out []queue.Message
	for _, p := range c.published {
		if p.queue == q {
			out = append(out, p.msg)
		}
	}
	return out
}

type captureEvents struct {
	names []string
}

func (c *captureEvents) Emit(_ context.Context, _ uuid.UUID, event string, _ interface{}) error {
	c.names = append(c.names, event)
	return nil
}

type fixture struct {
	machine  *Machine
	store    *storage.Store
	bus      *captureBus
	events   *captureEvents
	merchant *models.Merchant
	address  *models.PaymentAddress
	conf     uint64
}

func newFixture(t *testing.T) *fixture {
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
		BusinessName:  "Acme Imports",
		Email:         uuid.NewString() + "@example.com",
		Status:        models.MerchantActive,
		RefundOverpay: true,
	}
	require.NoError(t, store.CreateMerchant(context.Background(), merchant))

	address := &models.PaymentAddress{
		MerchantID:     merchant.ID,
		Address:        "0xDEPOSIT01",
		Status:         models.AddressActive,
		ExpectedAmount: decimal.RequireFromString("100"),
		Currency:       "USDT",
		ExpiresAt:      time.Now().Add(time.Hour),
		Monitored:      true,
	}
	require.NoError(t, store.CreateAddress(context.Background(), address))

	f := &fixture{store: store, bus: &captureBus{}, events: &captureEvents{}, merchant: merchant, address: address, conf: 12}
	source := funcConfirmations(func(context.Context, string) (uint64, error) {
		return f.conf, nil
	})
	f.machine = NewMachine(store, source, f.bus, f.events, nil, 12, decimal.New(1, -8), nil)
	return f
}

func (f *fixture) detect(t *testing.T, amount string) *models.Transaction {
	t.Helper()
	evt := chain.TransferEvent{
		TxHash:      "0xfeed01",
		LogIndex:    0,
		FromAddress: "0xSENDER",
		ToAddress:   f.address.Address,
		Amount:      decimal.RequireFromString(amount),
		BlockNumber: 4_000_000,
	}
	require.NoError(t, f.machine.OnDetect(context.Background(), evt))
	row, err := f.store.TransactionByHash(context.Background(), evt.TxHash)
	require.NoError(t, err)
	return row
}

func TestOnDetectCreatesOnceAndSchedulesTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	row := f.detect(t, "100")
	require.Equal(t, models.TxConfirming, row.Status)
	require.Equal(t, []string{"payment.received"}, f.events.names)

	// Duplicate detection converges without a second received event.
	evt := chain.TransferEvent{TxHash: "0xfeed01", ToAddress: f.address.Address, Amount: decimal.RequireFromString("100"), Confirmations: 3}
	require.NoError(t, f.machine.OnDetect(ctx, evt))
	require.Equal(t, []string{"payment.received"}, f.events.names)

	ticks := f.bus.byQueue(queue.TransactionMonitor)
	require.Len(t, ticks, 2)
	var tick MonitorTick
	require.NoError(t, json.Unmarshal(ticks[0].Body, &tick))
	require.Equal(t, row.ID, tick.TxID)

	again, err := f.store.TransactionByHash(ctx, "0xfeed01")
	require.NoError(t, err)
	require.Equal(t, row.ID, again.ID)
	require.Equal(t, uint64(3), again.Confirmations)
}

func TestDetectionForForeignAddressIsDropped(t *testing.T) {
	f := newFixture(t)
	evt := chain.TransferEvent{TxHash: "0xnoise", ToAddress: "0xELSEWHERE", Amount: decimal.RequireFromString("1")}
	body, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, f.machine.HandleDetect(context.Background(), queue.NewMessage("k", body)))
	_, err = f.store.TransactionByHash(context.Background(), "0xnoise")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTickBelowThresholdRetries(t *testing.T) {
	f := newFixture(t)
	f.conf = 5
	row := f.detect(t, "100")

	err := f.machine.OnConfirmationTick(context.Background(), row.ID, 0)
	require.Error(t, err)
	_, retryable := queue.RetryDelay(err)
	require.True(t, retryable)

	reloaded, err := f.store.TransactionByID(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirming, reloaded.Status)
	require.Equal(t, uint64(5), reloaded.Confirmations)
}

func TestExactPaymentConfirmsAndSchedulesSettlement(t *testing.T) {
	f := newFixture(t)
	row := f.detect(t, "100")

	require.NoError(t, f.machine.OnConfirmationTick(context.Background(), row.ID, 0))

	reloaded, err := f.store.TransactionByID(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirmed, reloaded.Status)
	require.NotNil(t, reloaded.ConfirmedAt)
	require.Empty(t, reloaded.Metadata)

	require.Equal(t, []string{"payment.received", "payment.confirmed"}, f.events.names)
	require.Len(t, f.bus.byQueue(queue.SettlementSchedule), 1)
	require.Empty(t, f.bus.byQueue(queue.RefundProcess))
}

func TestConfirmationTickIsIdempotent(t *testing.T) {
	f := newFixture(t)
	row := f.detect(t, "100")

	for i := 0; i < 3; i++ {
		require.NoError(t, f.machine.OnConfirmationTick(context.Background(), row.ID, i))
	}
	reloaded, err := f.store.TransactionByID(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirmed, reloaded.Status)

	// Exactly one confirmed event and one settlement schedule.
	require.Equal(t, []string{"payment.received", "payment.confirmed"}, f.events.names)
	require.Len(t, f.bus.byQueue(queue.SettlementSchedule), 1)
}

func TestUnderpaymentAtOneSmallestUnit(t *testing.T) {
	f := newFixture(t)
	row := f.detect(t, "99.99999999")

	require.NoError(t, f.machine.OnConfirmationTick(context.Background(), row.ID, 0))

	reloaded, err := f.store.TransactionByID(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxUnderpaid, reloaded.Status)
	require.Equal(t, []string{"payment.received", "payment.underpaid"}, f.events.names)
	require.Empty(t, f.bus.byQueue(queue.SettlementSchedule))
}

func TestOverpaymentAtOneSmallestUnitConfirmsWithRefund(t *testing.T) {
	f := newFixture(t)
	row := f.detect(t, "100.00000001")

	require.NoError(t, f.machine.OnConfirmationTick(context.Background(), row.ID, 0))

	reloaded, err := f.store.TransactionByID(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirmed, reloaded.Status)
	require.Contains(t, reloaded.Metadata, "overpaid")

	refunds := f.bus.byQueue(queue.RefundProcess)
	require.Len(t, refunds, 1)
	var job refund.Job
	require.NoError(t, json.Unmarshal(refunds[0].Body, &job))
	require.Equal(t, row.ID, job.OriginalTxID)
	require.Equal(t, "0xSENDER", job.Destination)
	require.True(t, job.Amount.Equal(decimal.RequireFromString("0.00000001")))
	require.Equal(t, refund.ReasonOverpayment, job.Reason)
}

func TestOverpaymentWithoutRefundPolicy(t *testing.T) {
	f := newFixture(t)
	f.merchant.RefundOverpay = false
	require.NoError(t, f.store.UpdateMerchant(context.Background(), f.merchant))

	row := f.detect(t, "110")
	require.NoError(t, f.machine.OnConfirmationTick(context.Background(), row.ID, 0))

	reloaded, err := f.store.TransactionByID(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxConfirmed, reloaded.Status)
	require.Contains(t, reloaded.Metadata, "overpaid")
	require.Empty(t, f.bus.byQueue(queue.RefundProcess))
}

func TestSettlementCompleteThenAcknowledged(t *testing.T) {
	f := newFixture(t)
	row := f.detect(t, "100")
	require.NoError(t, f.machine.OnConfirmationTick(context.Background(), row.ID, 0))

	require.NoError(t, f.machine.OnSettlementComplete(context.Background(), row.ID, "0xsweep9"))
	reloaded, err := f.store.TransactionByID(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxSettled, reloaded.Status)
	require.Equal(t, "0xsweep9", reloaded.SettlementTxHash)

	require.NoError(t, f.machine.OnAcknowledged(context.Background(), row.ID))
	reloaded, err = f.store.TransactionByID(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxCompleted, reloaded.Status)

	require.True(t, strings.HasSuffix(strings.Join(f.events.names, ","), "transaction.settled,payment.completed"))

	// Terminal: replaying settlement conversion converges without error or
	// further events.
	count := len(f.events.names)
	require.NoError(t, f.machine.OnSettlementComplete(context.Background(), row.ID, "0xother"))
	require.Len(t, f.events.names, count)
}

func TestExpireOnlyFromPending(t *testing.T) {
	f := newFixture(t)
	row := f.detect(t, "100")

	err := f.machine.Expire(context.Background(), row.ID)
	require.ErrorIs(t, err, storage.ErrIllegalTransition)

	pending := &models.Transaction{
		MerchantID: f.merchant.ID,
		Status:     models.TxPending,
		Type:       models.TxTypePayment,
		Amount:     decimal.RequireFromString("50"),
	}
	require.NoError(t, f.store.CreateTransaction(context.Background(), pending))
	require.NoError(t, f.machine.Expire(context.Background(), pending.ID))

	reloaded, err := f.store.TransactionByID(context.Background(), pending.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxExpired, reloaded.Status)
}

func TestVanishedTransactionFailsAfterBudget(t *testing.T) {
	f := newFixture(t)
	row := f.detect(t, "100")

	source := funcConfirmations(func(context.Context, string) (uint64, error) {
		return 0, chain.ErrTxNotFound
	})
	f.machine.conf = source

	err := f.machine.OnConfirmationTick(context.Background(), row.ID, 1)
	require.Error(t, err)
	_, retryable := queue.RetryDelay(err)
	require.True(t, retryable)

	require.NoError(t, f.machine.OnConfirmationTick(context.Background(), row.ID, failAfterTicks))
	reloaded, err := f.store.TransactionByID(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxFailed, reloaded.Status)
	require.Contains(t, f.events.names, "payment.failed")
}
