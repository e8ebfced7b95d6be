package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"chainpay/address"
	"chainpay/audit"
	"chainpay/chain"
	"chainpay/config"
	"chainpay/gateway"
	"chainpay/models"
	"chainpay/observability/logging"
	"chainpay/payment"
	"chainpay/payout"
	"chainpay/queue"
	"chainpay/refund"
	"chainpay/settlement"
	"chainpay/storage"
	"chainpay/wallet"
	"chainpay/webhook"
)

const (
	sweepInterval     = time.Minute
	scheduleInterval  = time.Minute
	shutdownGrace     = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}
	logger := logging.Setup(logging.Options{
		Service: "chainpay-gateway",
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return err
	}
	store := storage.New(db)
	recorder := audit.NewRecorder(store, logger)

	bus, err := openBus(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	registry, err := wallet.NewRegistry(cfg.HDMnemonic, "", cfg.HDPathTemplate)
	if err != nil {
		return err
	}
	defer registry.Close()
	cipher, err := wallet.NewKeyCipher(cfg.WalletEncKey)
	if err != nil {
		return err
	}

	client, err := chain.Dial(ctx, cfg.BSCRPCURL, cfg.BSCWSURL, cfg.USDTContract, cfg.TokenDecimals)
	if err != nil {
		return err
	}
	defer client.Close()

	dispatcher := webhook.NewDispatcher(store, bus, cfg.WebhookSecret, logger,
		webhook.WithRetryDelay(cfg.WebhookRetryDelay))
	machine := payment.NewMachine(store, client, bus, dispatcher, recorder,
		cfg.RequiredConfirmations, client.SmallestUnit(), logger)
	addresses := address.NewManager(store, registry, cipher, dispatcher, recorder, logger)

	hot, err := provisionHotWallet(ctx, store, registry, cipher, logger)
	if err != nil {
		return err
	}

	settle := settlement.NewEngine(store, client, cipher, machine, dispatcher, bus, recorder,
		settlement.Config{
			ColdAddress:      cfg.ColdWalletAddress,
			HotThreshold:     cfg.HotWalletThreshold,
			HotReserve:       cfg.HotWalletReserve,
			FeeFromHotWallet: true,
		}, logger)
	settle.SetHotWallet(hot)
	exporter := settlement.NewExporter(store, cfg.ExportDir)

	backend, err := openPayoutBackend(cfg, client, cipher, hot)
	if err != nil {
		return err
	}
	policy, err := payout.LoadPolicy(cfg.PayoutPolicyPath)
	if err != nil {
		return err
	}
	payouts := payout.NewEngine(store, backend, policy, dispatcher, bus, recorder, "BSC", logger)
	refunds := refund.NewEngine(store, backend, dispatcher, bus, recorder, logger)

	subscriptions := []struct {
		queue   string
		workers int
		handler queue.Handler
	}{
		{queue.TransactionDetect, 4, machine.HandleDetect},
		{queue.TransactionMonitor, 4, machine.HandleMonitorTick},
		{queue.SettlementSchedule, 1, settle.HandleSchedule},
		{queue.SettlementExecute, 2, settle.HandleExecute},
		{queue.ColdStorageTransfer, 1, settle.HandleColdTransfer},
		{queue.PayoutExecute, 2, payouts.HandleExecute},
		{queue.RefundProcess, 2, refunds.HandleProcess},
		{queue.WebhookSend, 4, dispatcher.Handle},
	}
	for _, sub := range subscriptions {
		if err := bus.Subscribe(sub.queue, sub.workers, sub.handler); err != nil {
			return err
		}
	}

	nonces, err := gateway.OpenNonceStore(cfg.NonceDBPath)
	if err != nil {
		return err
	}
	defer nonces.Close()

	srv := gateway.NewServer(gateway.Deps{
		Store:      store,
		Addresses:  addresses,
		Payouts:    payouts,
		Refunds:    refunds,
		Webhooks:   dispatcher,
		Settlement: settle,
		Exporter:   exporter,
		Chain:      client,
		Nonces:     nonces,
		Audit:      recorder,
		JWTSecret:  cfg.JWTSecret,
		JWTTTL:     cfg.JWTExpiration,
		APIKeySalt: cfg.APIKeySalt,
		Logger:     logger,
	})

	monitor := chain.NewMonitor(client, store, bus, chain.MonitorConfig{
		Network:      "BSC",
		RewindBlocks: cfg.RewindBlocks,
	}, logger)
	go monitor.Run(ctx)
	go addresses.RunSweeper(ctx, sweepInterval)
	go settle.RunScheduler(ctx, scheduleInterval)
	go srv.IdempotencyGuard().RunSweeper(ctx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", httpSrv.Addr, "env", cfg.Env)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openBus connects RabbitMQ, or the in-process bus when RABBITMQ_URL is set
// to "memory" for single-node deployments.
func openBus(cfg config.Config, logger *slog.Logger) (queue.Bus, error) {
	onFail := func(q string, msg queue.Message, err error) {
		logger.Error("job failed terminally", "queue", q, "key", msg.Key, "attempt", msg.Attempt, "err", err)
	}
	if strings.EqualFold(strings.TrimSpace(cfg.RabbitURL), "memory") {
		return queue.NewMemoryBus(1024, onFail), nil
	}
	return queue.DialAMQP(cfg.RabbitURL, logger, onFail)
}

// provisionHotWallet loads the platform hot wallet, deriving and persisting
// one on first boot.
func provisionHotWallet(ctx context.Context, store *storage.Store, registry *wallet.Registry, cipher *wallet.KeyCipher, logger *slog.Logger) (*models.PaymentAddress, error) {
	hot, err := store.AddressByType(ctx, models.AddressHotWallet)
	if err == nil {
		return hot, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	row := &models.PaymentAddress{
		Type:      models.AddressHotWallet,
		Status:    models.AddressActive,
		Currency:  "USDT",
		ExpiresAt: time.Now().AddDate(100, 0, 0),
	}
	err = store.ReserveAddress(ctx, row, func(index uint32) error {
		account, err := registry.Derive(index)
		if err != nil {
			return err
		}
		defer account.Zero()
		sealed, err := cipher.Seal(account.PrivateKey)
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
	logger.Info("hot wallet provisioned", "address", row.Address, "path", row.DerivationPath)
	return row, nil
}

// openPayoutBackend selects the transfer executor configured for this
// deployment.
func openPayoutBackend(cfg config.Config, client *chain.Client, cipher *wallet.KeyCipher, hot *models.PaymentAddress) (payout.Backend, error) {
	if strings.EqualFold(cfg.PayoutBackend, "binance") {
		return payout.NewBinanceBackend(payout.BinanceConfig{
			APIKey:  cfg.BinanceAPIKey,
			Secret:  cfg.BinanceSecret,
			BaseURL: cfg.BinanceURL,
			Asset:   "USDT",
			Network: "BSC",
		})
	}
	return payout.NewOnChainBackend(client, cipher, hot, cfg.RequiredConfirmations), nil
}
