package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"chainpay/models"
	"chainpay/observability/metrics"
	"chainpay/queue"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxRange     = 1000
	backoffBase         = time.Second
	backoffCap          = time.Minute
)

// WatchStore is the persistence surface the monitor needs: the watch set and
// the durable block cursor.
type WatchStore interface {
	MonitoredAddresses(ctx context.Context) ([]models.PaymentAddress, error)
	ChainCursor(ctx context.Context, network string) (uint64, bool, error)
	SaveChainCursor(ctx context.Context, network string, block uint64) error
}

// Publisher is the slice of the bus the monitor uses.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg queue.Message) error
}

// MonitorConfig tunes the polling loop.
type MonitorConfig struct {
	Network       string
	RewindBlocks  uint64
	PollInterval  time.Duration
	MaxBlockRange uint64
}

// Monitor surfaces inbound token transfers to watched addresses as detection
// jobs. Detection is at-least-once; downstream deduplicates on
// (txHash, logIndex). The cursor only advances after the detection jobs for a
// range have been durably published.
type Monitor struct {
	reader Reader
	store  WatchStore
	bus    Publisher
	cfg    MonitorConfig
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewMonitor wires a monitor over the given node reader.
func NewMonitor(reader Reader, store WatchStore, bus Publisher, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = defaultMaxRange
	}
	if cfg.Network == "" {
		cfg.Network = "BSC"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{reader: reader, store: store, bus: bus, cfg: cfg, logger: logger, nowFn: time.Now}
}

// Run drives both detection sources until ctx ends: the push subscription as
// primary and the polling loop as the recovery path.
func (m *Monitor) Run(ctx context.Context) {
	go m.runSubscription(ctx)
	m.runPoller(ctx)
}

func (m *Monitor) runPoller(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.pollOnce(ctx); err != nil {
				failures++
				delay := backoffWithJitter(failures)
				m.logger.Warn("monitor poll failed", "err", err, "backoff", delay)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				continue
			}
			failures = 0
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) error {
	head, err := m.reader.HeadBlock(ctx)
	if err != nil {
		return fmt.Errorf("chain: head block: %w", err)
	}
	cursor, found, err := m.store.ChainCursor(ctx, m.cfg.Network)
	if err != nil {
		return fmt.Errorf("chain: load cursor: %w", err)
	}
	from := uint64(0)
	switch {
	case !found:
		// First run: start at the head, absorbing the rewind window.
		if head > m.cfg.RewindBlocks {
			from = head - m.cfg.RewindBlocks
		}
	case cursor >= m.cfg.RewindBlocks:
		from = cursor - m.cfg.RewindBlocks + 1
	}
	if from > head {
		return nil
	}
	to := head
	if to-from >= m.cfg.MaxBlockRange {
		to = from + m.cfg.MaxBlockRange - 1
	}

	watch, err := m.watchSet(ctx)
	if err != nil {
		return err
	}
	if len(watch) > 0 {
		events, err := m.reader.TransferLogs(ctx, from, to, watch)
		if err != nil {
			return err
		}
		for _, evt := range events {
			if err := m.publishDetection(ctx, evt); err != nil {
				// Do not advance the cursor past an unpublished detection.
				return err
			}
		}
	}
	if err := m.store.SaveChainCursor(ctx, m.cfg.Network, to); err != nil {
		return fmt.Errorf("chain: save cursor: %w", err)
	}
	return nil
}

func (m *Monitor) runSubscription(ctx context.Context) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := m.subscribeOnce(ctx); err != nil {
			failures++
			delay := backoffWithJitter(failures)
			m.logger.Warn("monitor subscription dropped", "err", err, "backoff", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
	}
}

func (m *Monitor) subscribeOnce(ctx context.Context) error {
	watch, err := m.watchSet(ctx)
	if err != nil {
		return err
	}
	sink := make(chan TransferEvent, 128)
	sub, err := m.reader.SubscribeTransfers(ctx, watch, sink)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	// Re-arm periodically so newly issued addresses join the watch set.
	refresh := time.NewTimer(time.Minute)
	defer refresh.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case <-refresh.C:
			return nil
		case evt := <-sink:
			if err := m.publishDetection(ctx, evt); err != nil {
				m.logger.Error("detection publish failed", "txHash", evt.TxHash, "err", err)
			}
		}
	}
}

func (m *Monitor) watchSet(ctx context.Context) ([]common.Address, error) {
	rows, err := m.store.MonitoredAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: watch set: %w", err)
	}
	out := make([]common.Address, 0, len(rows))
	for _, row := range rows {
		out = append(out, common.HexToAddress(row.Address))
	}
	return out, nil
}

func (m *Monitor) publishDetection(ctx context.Context, evt TransferEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("chain: encode detection: %w", err)
	}
	key := fmt.Sprintf("%s:%d", evt.TxHash, evt.LogIndex)
	if err := m.bus.Publish(ctx, queue.TransactionDetect, queue.NewMessage(key, body)); err != nil {
		return err
	}
	metrics.Gateway().PaymentsDetected.WithLabelValues(evt.Source).Inc()
	return nil
}

func backoffWithJitter(failures int) time.Duration {
	delay := queue.Backoff(backoffBase, backoffCap, failures)
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
