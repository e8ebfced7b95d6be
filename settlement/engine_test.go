package settlement

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chainpay/chain"
	"chainpay/models"
	"chainpay/queue"
	"chainpay/storage"
	"chainpay/wallet"
)

type submittedTransfer struct {
	from   common.Address
	to     common.Address
	amount decimal.Decimal
}

type fakeChain struct {
	transfers []submittedTransfer
	balance   decimal.Decimal
	fee       decimal.Decimal
}

func (f *fakeChain) SubmitTransfer(_ context.Context, key *ecdsa.PrivateKey, to common.Address, amount decimal.Decimal) (*chain.TransferReceipt, error) {
	from := ethcrypto.PubkeyToAddress(key.PublicKey)
	f.transfers = append(f.transfers, submittedTransfer{from: from, to: to, amount: amount})
	return &chain.TransferReceipt{
		TxHash: fmt.Sprintf("0xsweep%d", len(f.transfers)),
		Fee:    f.fee,
	}, nil
}

func (f *fakeChain) TokenBalance(context.Context, common.Address) (decimal.Decimal, error) {
	return f.balance, nil
}

type completedCall struct {
	txID uuid.UUID
	hash string
}

type recordingCompleter struct {
	store *storage.Store
	calls []completedCall
}

func (r *recordingCompleter) OnSettlementComplete(ctx context.Context, txID uuid.UUID, hash string) error {
	r.calls = append(r.calls, completedCall{txID: txID, hash: hash})
	_, err := r.store.TransitionTx(ctx, txID, models.TxSettled, func(tx *models.Transaction) {
		tx.SettlementTxHash = hash
	})
	return err
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

type captureEvents struct {
	names []string
}

func (c *captureEvents) Emit(_ context.Context, _ uuid.UUID, event string, _ interface{}) error {
	c.names = append(c.names, event)
	return nil
}

type fixture struct {
	engine    *Engine
	store     *storage.Store
	chain     *fakeChain
	completer *recordingCompleter
	bus       *captureBus
	events    *captureEvents
	cipher    *wallet.KeyCipher
	hotKey    *ecdsa.PrivateKey
}

func newFixture(t *testing.T, cfg Config) *fixture {
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
	cipher, err := wallet.NewKeyCipher("test-deployment-secret")
	require.NoError(t, err)

	f := &fixture{
		store:     store,
		chain:     &fakeChain{},
		completer: &recordingCompleter{store: store},
		bus:       &captureBus{},
		events:    &captureEvents{},
		cipher:    cipher,
	}
	f.engine = NewEngine(store, f.chain, cipher, f.completer, f.events, f.bus, nil, cfg, nil)

	hotKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	f.hotKey = hotKey
	sealed, err := cipher.Seal(ethcrypto.FromECDSA(hotKey))
	require.NoError(t, err)
	hot := &models.PaymentAddress{
		Address:      ethcrypto.PubkeyToAddress(hotKey.PublicKey).Hex(),
		Type:         models.AddressHotWallet,
		Status:       models.AddressActive,
		EncryptedKey: sealed,
		Currency:     "USDT",
		ExpiresAt:    time.Now().Add(24 * 365 * time.Hour),
	}
	require.NoError(t, store.CreateAddress(context.Background(), hot))
	f.engine.SetHotWallet(hot)
	return f
}

func (f *fixture) seedMerchant(t *testing.T, settlementAddr string, autoSettle bool) *models.Merchant {
	t.Helper()
	m := &models.Merchant{
		BusinessName:      "Acme Imports",
		Email:             uuid.NewString() + "@example.com",
		Status:            models.MerchantActive,
		SettlementAddress: settlementAddr,
		AutoSettlement:    autoSettle,
	}
	require.NoError(t, f.store.CreateMerchant(context.Background(), m))
	return m
}

func (f *fixture) seedConfirmedPayment(t *testing.T, merchantID uuid.UUID, hash, amount string) (*models.PaymentAddress, *models.Transaction) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	sealed, err := f.cipher.Seal(ethcrypto.FromECDSA(key))
	require.NoError(t, err)
	addr := &models.PaymentAddress{
		MerchantID:     merchantID,
		Address:        ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		Status:         models.AddressActive,
		EncryptedKey:   sealed,
		ExpectedAmount: decimal.RequireFromString(amount),
		Currency:       "USDT",
		ExpiresAt:      time.Now().Add(time.Hour),
		Monitored:      true,
	}
	require.NoError(t, f.store.CreateAddress(context.Background(), addr))
	return addr, f.seedConfirmedOn(t, merchantID, addr, hash, amount)
}

func (f *fixture) seedConfirmedOn(t *testing.T, merchantID uuid.UUID, addr *models.PaymentAddress, hash, amount string) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	row, _, err := f.store.UpsertDetection(ctx, merchantID, addr.ID, storage.Detection{
		TxHash: hash,
		Amount: decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	now := time.Now().UTC()
	row, err = f.store.TransitionTx(ctx, row.ID, models.TxConfirmed, func(tx *models.Transaction) {
		tx.ConfirmedAt = &now
	})
	require.NoError(t, err)
	return row
}

func TestScheduleSettlementsGroupsByMerchant(t *testing.T) {
	f := newFixture(t, Config{})
	m1 := f.seedMerchant(t, "0x1111111111111111111111111111111111111111", true)
	m2 := f.seedMerchant(t, "0x2222222222222222222222222222222222222222", true)
	_, tx1 := f.seedConfirmedPayment(t, m1.ID, "0xa1", "10")
	_, tx2 := f.seedConfirmedPayment(t, m1.ID, "0xa2", "20")
	_, tx3 := f.seedConfirmedPayment(t, m2.ID, "0xb1", "30")

	n, err := f.engine.ScheduleSettlements(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, f.bus.published, 2)

	byMerchant := map[uuid.UUID][]uuid.UUID{}
	for _, p := range f.bus.published {
		require.Equal(t, queue.SettlementExecute, p.queue)
		var job ExecuteJob
		require.NoError(t, json.Unmarshal(p.msg.Body, &job))
		byMerchant[job.MerchantID] = job.TxIDs
	}
	require.ElementsMatch(t, []uuid.UUID{tx1.ID, tx2.ID}, byMerchant[m1.ID])
	require.ElementsMatch(t, []uuid.UUID{tx3.ID}, byMerchant[m2.ID])
}

func TestExecuteSweepsAggregatePerAddress(t *testing.T) {
	f := newFixture(t, Config{FeeFromHotWallet: true})
	f.chain.fee = decimal.RequireFromString("0.0003")
	m := f.seedMerchant(t, "0x3333333333333333333333333333333333333333", true)

	addr, tx1 := f.seedConfirmedPayment(t, m.ID, "0xc1", "40")
	tx2 := f.seedConfirmedOn(t, m.ID, addr, "0xc2", "60")

	job := ExecuteJob{MerchantID: m.ID, TxIDs: []uuid.UUID{tx1.ID, tx2.ID}}
	require.NoError(t, f.engine.Execute(context.Background(), job))

	// One aggregate transfer out of the deposit address.
	require.Len(t, f.chain.transfers, 1)
	require.True(t, f.chain.transfers[0].amount.Equal(decimal.RequireFromString("100")))
	require.Equal(t, common.HexToAddress(m.SettlementAddress), f.chain.transfers[0].to)
	require.Equal(t, common.HexToAddress(addr.Address), f.chain.transfers[0].from)

	require.Len(t, f.completer.calls, 2)
	for _, call := range f.completer.calls {
		require.Equal(t, "0xsweep1", call.hash)
	}

	addrRow, err := f.store.AddressByID(context.Background(), addr.ID)
	require.NoError(t, err)
	require.Equal(t, models.AddressUsed, addrRow.Status)

	// SETTLEMENT and FEE accounting rows exist.
	settlements, err := f.store.ListTransactions(context.Background(), m.ID, storage.TxFilter{Type: models.TxTypeSettlement})
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	require.True(t, settlements[0].Amount.Equal(decimal.RequireFromString("100")))

	fees, err := f.store.ListTransactions(context.Background(), m.ID, storage.TxFilter{Type: models.TxTypeFee})
	require.NoError(t, err)
	require.Len(t, fees, 1)
	require.Equal(t, "BNB", fees[0].Currency)

	require.Equal(t, []string{"settlement.completed"}, f.events.names)

	// Redelivery converges: everything is already SETTLED.
	require.NoError(t, f.engine.Execute(context.Background(), job))
	require.Len(t, f.chain.transfers, 1)
}

func TestExecuteFallsBackToHotWallet(t *testing.T) {
	f := newFixture(t, Config{})
	m := f.seedMerchant(t, "", false)
	_, tx := f.seedConfirmedPayment(t, m.ID, "0xd1", "15")

	require.NoError(t, f.engine.Execute(context.Background(), ExecuteJob{MerchantID: m.ID, TxIDs: []uuid.UUID{tx.ID}}))
	require.Len(t, f.chain.transfers, 1)
	hot, err := f.engine.hotWallet()
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(hot.Address), f.chain.transfers[0].to)
}

func TestColdTransferRespectsThreshold(t *testing.T) {
	cfg := Config{
		ColdAddress:  "0x4444444444444444444444444444444444444444",
		HotThreshold: decimal.RequireFromString("1000"),
		HotReserve:   decimal.RequireFromString("200"),
	}
	f := newFixture(t, cfg)

	f.chain.balance = decimal.RequireFromString("900")
	require.NoError(t, f.engine.TransferToColdStorage(context.Background()))
	require.Empty(t, f.chain.transfers)

	f.chain.balance = decimal.RequireFromString("1500")
	require.NoError(t, f.engine.TransferToColdStorage(context.Background()))
	require.Len(t, f.chain.transfers, 1)
	require.True(t, f.chain.transfers[0].amount.Equal(decimal.RequireFromString("1300")))
	require.Equal(t, common.HexToAddress(cfg.ColdAddress), f.chain.transfers[0].to)

	hot, err := f.engine.hotWallet()
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(hot.Address), f.chain.transfers[0].from)

	var rows []models.Transaction
	require.NoError(t, f.store.DB().Where("type = ?", models.TxTypeTransfer).Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, cfg.ColdAddress, rows[0].ToAddress)
}

func TestExportWritesParquetAndCSV(t *testing.T) {
	f := newFixture(t, Config{})
	m := f.seedMerchant(t, "0x5555555555555555555555555555555555555555", true)
	_, tx := f.seedConfirmedPayment(t, m.ID, "0xe1", "25")
	_, err := f.store.TransitionTx(context.Background(), tx.ID, models.TxSettled, func(row *models.Transaction) {
		row.SettlementTxHash = "0xsweepX"
	})
	require.NoError(t, err)

	dir := t.TempDir()
	x := NewExporter(f.store, dir)
	from := time.Now().Add(-time.Hour)
	to := time.Now().Add(time.Hour)
	path, err := x.Export(context.Background(), from, to)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.FileExists(t, path[:len(path)-len(".parquet")]+".csv")
}
