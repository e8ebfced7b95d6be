package settlement

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chainpay/audit"
	"chainpay/chain"
	"chainpay/models"
	"chainpay/observability/metrics"
	"chainpay/queue"
	"chainpay/storage"
	"chainpay/wallet"
	"chainpay/webhook"
)

const scheduleBatchSize = 500

// ErrNoHotWallet indicates the engine was asked to sweep before a hot wallet
// was provisioned.
var ErrNoHotWallet = errors.New("settlement: hot wallet not configured")

// Completer advances a payment once its sweep lands. Satisfied by
// *payment.Machine.
type Completer interface {
	OnSettlementComplete(ctx context.Context, txID uuid.UUID, sweepTxHash string) error
}

// Chain is the node surface the engine needs, satisfied by *chain.Client.
type Chain interface {
	SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount decimal.Decimal) (*chain.TransferReceipt, error)
	TokenBalance(ctx context.Context, holder common.Address) (decimal.Decimal, error)
}

// Events is the notification surface, satisfied by *webhook.Dispatcher.
type Events interface {
	Emit(ctx context.Context, merchantID uuid.UUID, event string, data interface{}) error
}

// Publisher is the slice of the bus the engine uses.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg queue.Message) error
}

// ExecuteJob is the settlement.execute queue payload: one merchant's batch of
// confirmed, unswept payments.
type ExecuteJob struct {
	MerchantID uuid.UUID   `json:"merchantId"`
	TxIDs      []uuid.UUID `json:"txIds"`
}

// Config tunes sweep destinations and the cold-storage policy.
type Config struct {
	ColdAddress  string
	HotThreshold decimal.Decimal
	HotReserve   decimal.Decimal
	// FeeFromHotWallet records sweep gas as platform FEE rows instead of
	// debiting the merchant's net amount.
	FeeFromHotWallet bool
}

// Engine sweeps confirmed payments into settlement destinations and
// rebalances hot-wallet excess into cold storage.
type Engine struct {
	store     *storage.Store
	chain     Chain
	cipher    *wallet.KeyCipher
	completer Completer
	events    Events
	bus       Publisher
	audit     *audit.Recorder
	cfg       Config
	logger    *slog.Logger
	nowFn     func() time.Time

	hotMu sync.RWMutex
	hot   *models.PaymentAddress

	// coldMu serializes cold-storage transfers process-wide.
	coldMu sync.Mutex
}

// Option customizes an engine.
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.nowFn = now }
}

// NewEngine wires a settlement engine.
func NewEngine(store *storage.Store, ch Chain, cipher *wallet.KeyCipher, completer Completer, events Events, bus Publisher, rec *audit.Recorder, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:     store,
		chain:     ch,
		cipher:    cipher,
		completer: completer,
		events:    events,
		bus:       bus,
		audit:     rec,
		cfg:       cfg,
		logger:    logger,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetHotWallet installs the controlled hot-wallet address used as the default
// sweep destination and the cold-transfer source.
func (e *Engine) SetHotWallet(addr *models.PaymentAddress) {
	e.hotMu.Lock()
	defer e.hotMu.Unlock()
	e.hot = addr
}

func (e *Engine) hotWallet() (*models.PaymentAddress, error) {
	e.hotMu.RLock()
	defer e.hotMu.RUnlock()
	if e.hot == nil {
		return nil, ErrNoHotWallet
	}
	return e.hot, nil
}

// ScheduleSettlements groups confirmed unswept payments by merchant and posts
// one execute job per group. Returns the number of jobs published.
func (e *Engine) ScheduleSettlements(ctx context.Context) (int, error) {
	rows, err := e.store.ConfirmedUnsettled(ctx, scheduleBatchSize)
	if err != nil {
		return 0, err
	}
	groups := make(map[uuid.UUID][]uuid.UUID)
	order := make([]uuid.UUID, 0)
	for _, row := range rows {
		if _, seen := groups[row.MerchantID]; !seen {
			order = append(order, row.MerchantID)
		}
		groups[row.MerchantID] = append(groups[row.MerchantID], row.ID)
	}
	published := 0
	for _, merchantID := range order {
		job := ExecuteJob{MerchantID: merchantID, TxIDs: groups[merchantID]}
		body, err := json.Marshal(job)
		if err != nil {
			return published, err
		}
		if err := e.bus.Publish(ctx, queue.SettlementExecute, queue.NewMessage(merchantID.String(), body)); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// Execute sweeps the batch. Transactions already past CONFIRMED are skipped,
// so redelivered jobs converge. Sweeps are grouped per source address and
// transfer the aggregate.
func (e *Engine) Execute(ctx context.Context, job ExecuteJob) error {
	merchant, err := e.store.MerchantByID(ctx, job.MerchantID)
	if err != nil {
		return err
	}
	destination, err := e.destinationFor(merchant)
	if err != nil {
		return err
	}

	type group struct {
		addressID uuid.UUID
		txs       []*models.Transaction
		total     decimal.Decimal
	}
	groups := make(map[uuid.UUID]*group)
	order := make([]uuid.UUID, 0)
	for _, txID := range job.TxIDs {
		row, err := e.store.TransactionByID(ctx, txID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		if row.Status != models.TxConfirmed || row.SettlementTxHash != "" || row.AddressID == nil {
			continue
		}
		g, ok := groups[*row.AddressID]
		if !ok {
			g = &group{addressID: *row.AddressID, total: decimal.Zero}
			groups[*row.AddressID] = g
			order = append(order, *row.AddressID)
		}
		g.txs = append(g.txs, row)
		g.total = g.total.Add(row.Amount)
	}

	swept := make([]string, 0, len(order))
	for _, addressID := range order {
		g := groups[addressID]
		receipt, err := e.sweepAddress(ctx, merchant, g.addressID, g.total, destination)
		if err != nil {
			return queue.Retry(fmt.Errorf("settlement: sweep %s: %w", g.addressID, err), 30*time.Second)
		}
		swept = append(swept, receipt.TxHash)

		now := e.nowFn()
		for _, tx := range g.txs {
			if err := e.completer.OnSettlementComplete(ctx, tx.ID, receipt.TxHash); err != nil {
				return err
			}
			if tx.ConfirmedAt != nil {
				metrics.Gateway().SettlementLatency.Observe(now.Sub(*tx.ConfirmedAt).Seconds())
			}
		}
		if _, err := e.store.UpdateAddressStatus(ctx, g.addressID, models.AddressActive, models.AddressUsed); err != nil {
			e.logger.Warn("mark address used failed", "address", g.addressID, "err", err)
		}
	}
	if len(swept) == 0 {
		return nil
	}

	e.audit.Record(ctx, "SETTLEMENT_EXECUTED", "merchant", merchant.ID.String(), &merchant.ID, "",
		nil, map[string]interface{}{"sweeps": swept, "destination": destination.Hex()}, "confirmed payments swept")
	e.emit(ctx, merchant.ID, webhook.EventSettlementCompleted, map[string]interface{}{
		"merchant":    map[string]interface{}{"id": merchant.ID},
		"destination": destination.Hex(),
		"sweepHashes": swept,
		"txIds":       job.TxIDs,
	})
	return nil
}

// sweepAddress signs and submits one aggregate transfer out of a deposit
// address, recording SETTLEMENT and FEE accounting rows.
func (e *Engine) sweepAddress(ctx context.Context, merchant *models.Merchant, addressID uuid.UUID, amount decimal.Decimal, destination common.Address) (*chain.TransferReceipt, error) {
	addr, err := e.store.AddressByID(ctx, addressID)
	if err != nil {
		return nil, err
	}
	if addr.EncryptedKey == "" {
		return nil, fmt.Errorf("settlement: address %s has no key", addr.Address)
	}
	receipt, err := e.transferFrom(ctx, addr.EncryptedKey, destination, amount)
	if err != nil {
		return nil, err
	}

	hash := receipt.TxHash
	settlementRow := &models.Transaction{
		MerchantID:  merchant.ID,
		AddressID:   &addr.ID,
		TxHash:      &hash,
		Status:      models.TxCompleted,
		Type:        models.TxTypeSettlement,
		Amount:      amount,
		Currency:    addr.Currency,
		FromAddress: addr.Address,
		ToAddress:   destination.Hex(),
	}
	if err := e.store.CreateTransaction(ctx, settlementRow); err != nil {
		e.logger.Error("settlement accounting row failed", "sweep", hash, "err", err)
	}
	if receipt.Fee.IsPositive() {
		feeRow := &models.Transaction{
			MerchantID:  merchant.ID,
			AddressID:   &addr.ID,
			Status:      models.TxCompleted,
			Type:        models.TxTypeFee,
			Amount:      receipt.Fee,
			Currency:    "BNB",
			FromAddress: e.feeSource(addr),
			ToAddress:   addr.Address,
			Metadata:    fmt.Sprintf(`{"sweepTxHash":%q}`, hash),
		}
		if err := e.store.CreateTransaction(ctx, feeRow); err != nil {
			e.logger.Error("fee accounting row failed", "sweep", hash, "err", err)
		}
	}
	return receipt, nil
}

func (e *Engine) feeSource(addr *models.PaymentAddress) string {
	if !e.cfg.FeeFromHotWallet {
		return addr.Address
	}
	hot, err := e.hotWallet()
	if err != nil {
		return ""
	}
	return hot.Address
}

// destinationFor resolves the sweep target: the merchant's settlement address
// when auto-settlement is on, otherwise the platform hot wallet.
func (e *Engine) destinationFor(merchant *models.Merchant) (common.Address, error) {
	if merchant.AutoSettlement && merchant.SettlementAddress != "" {
		return common.HexToAddress(merchant.SettlementAddress), nil
	}
	hot, err := e.hotWallet()
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(hot.Address), nil
}

// TransferToColdStorage moves hot-wallet excess above the threshold down to
// the reserve. At most one transfer is in flight across the process.
func (e *Engine) TransferToColdStorage(ctx context.Context) error {
	if e.cfg.ColdAddress == "" || !e.cfg.HotThreshold.IsPositive() {
		return nil
	}
	if !e.coldMu.TryLock() {
		return nil
	}
	defer e.coldMu.Unlock()

	hot, err := e.hotWallet()
	if err != nil {
		return err
	}
	balance, err := e.chain.TokenBalance(ctx, common.HexToAddress(hot.Address))
	if err != nil {
		return err
	}
	if balance.Cmp(e.cfg.HotThreshold) <= 0 {
		return nil
	}
	amount := balance.Sub(e.cfg.HotReserve)
	if !amount.IsPositive() {
		return nil
	}

	receipt, err := e.transferFrom(ctx, hot.EncryptedKey, common.HexToAddress(e.cfg.ColdAddress), amount)
	if err != nil {
		return err
	}
	hash := receipt.TxHash
	row := &models.Transaction{
		TxHash:      &hash,
		Status:      models.TxCompleted,
		Type:        models.TxTypeTransfer,
		Amount:      amount,
		Currency:    hot.Currency,
		FromAddress: hot.Address,
		ToAddress:   e.cfg.ColdAddress,
	}
	if err := e.store.CreateTransaction(ctx, row); err != nil {
		e.logger.Error("cold transfer accounting row failed", "hash", hash, "err", err)
	}
	metrics.Gateway().ColdTransfers.Inc()
	e.audit.Record(ctx, "COLD_TRANSFER", "payment_address", hot.ID.String(), nil, "",
		map[string]interface{}{"balance": balance}, map[string]interface{}{"transferred": amount, "txHash": hash},
		"hot wallet rebalanced to cold storage")
	return nil
}

func (e *Engine) transferFrom(ctx context.Context, encryptedKey string, to common.Address, amount decimal.Decimal) (*chain.TransferReceipt, error) {
	raw, err := e.cipher.Open(encryptedKey)
	if err != nil {
		return nil, err
	}
	defer zero(raw)
	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, err
	}
	return e.chain.SubmitTransfer(ctx, key, to, amount)
}

// HandleSchedule is the settlement.schedule queue handler.
func (e *Engine) HandleSchedule(ctx context.Context, _ queue.Message) error {
	if _, err := e.ScheduleSettlements(ctx); err != nil {
		return queue.Retry(err, 30*time.Second)
	}
	return nil
}

// HandleExecute is the settlement.execute queue handler.
func (e *Engine) HandleExecute(ctx context.Context, msg queue.Message) error {
	var job ExecuteJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return fmt.Errorf("settlement: decode job: %w", err)
	}
	return e.Execute(ctx, job)
}

// HandleColdTransfer is the coldstorage.transfer queue handler.
func (e *Engine) HandleColdTransfer(ctx context.Context, _ queue.Message) error {
	if err := e.TransferToColdStorage(ctx); err != nil {
		return queue.Retry(err, time.Minute)
	}
	return nil
}

// RunScheduler drives settlement scheduling and cold-storage rebalancing on a
// fixed cadence until ctx ends.
func (e *Engine) RunScheduler(ctx context.Context, interval time.Duration) {
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
			if _, err := e.ScheduleSettlements(ctx); err != nil {
				e.logger.Warn("settlement scheduling failed", "err", err)
			}
			if err := e.TransferToColdStorage(ctx); err != nil {
				e.logger.Warn("cold storage rebalance failed", "err", err)
			}
		}
	}
}

func (e *Engine) emit(ctx context.Context, merchantID uuid.UUID, event string, data interface{}) {
	if e.events == nil {
		return
	}
	if err := e.events.Emit(ctx, merchantID, event, data); err != nil {
		e.logger.Warn("settlement event publish failed", "event", event, "err", err)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
