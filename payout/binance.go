package payout

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const binanceTimeout = 15 * time.Second

// BinanceConfig carries the custodial adapter credentials.
type BinanceConfig struct {
	APIKey  string
	Secret  string
	BaseURL string
	Asset   string
	Network string
}

// BinanceBackend executes payouts through the exchange's withdraw API. The
// returned reference is the exchange withdraw id, not an on-chain hash.
type BinanceBackend struct {
	cfg    BinanceConfig
	client *http.Client
	nowFn  func() time.Time
}

// NewBinanceBackend wires the custodial adapter.
func NewBinanceBackend(cfg BinanceConfig) (*BinanceBackend, error) {
	if cfg.APIKey == "" || cfg.Secret == "" {
		return nil, errors.New("payout: binance credentials required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	if cfg.Asset == "" {
		cfg.Asset = "USDT"
	}
	if cfg.Network == "" {
		cfg.Network = "BSC"
	}
	return &BinanceBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: binanceTimeout},
		nowFn:  time.Now,
	}, nil
}

func (b *BinanceBackend) Name() string { return "binance" }

// SubmitTransfer files a withdrawal and returns the exchange withdraw id.
func (b *BinanceBackend) SubmitTransfer(ctx context.Context, destination string, amount decimal.Decimal) (string, error) {
	params := url.Values{}
	params.Set("coin", b.cfg.Asset)
	params.Set("network", b.cfg.Network)
	params.Set("address", destination)
	params.Set("amount", amount.String())

	var result struct {
		ID string `json:"id"`
	}
	if err := b.signedRequest(ctx, http.MethodPost, "/sapi/v1/capital/withdraw/apply", params, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", errors.New("payout: binance returned no withdraw id")
	}
	return result.ID, nil
}

// TransferStatus maps the exchange withdraw lifecycle onto the backend state
// set. Status 6 is completed; 3 and 5 are terminal failures.
func (b *BinanceBackend) TransferStatus(ctx context.Context, reference string) (TransferState, error) {
	params := url.Values{}
	params.Set("coin", b.cfg.Asset)

	var history []struct {
		ID     string `json:"id"`
		Status int    `json:"status"`
	}
	if err := b.signedRequest(ctx, http.MethodGet, "/sapi/v1/capital/withdraw/history", params, &history); err != nil {
		return TransferPending, err
	}
	for _, entry := range history {
		if entry.ID != reference {
			continue
		}
		switch entry.Status {
		case 6:
			return TransferConfirmed, nil
		case 3, 5:
			return TransferFailed, nil
		default:
			return TransferPending, nil
		}
	}
	return TransferPending, nil
}

// Balance reads the free custodial balance of the configured asset.
func (b *BinanceBackend) Balance(ctx context.Context) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("asset", b.cfg.Asset)

	var assets []struct {
		Asset string `json:"asset"`
		Free  string `json:"free"`
	}
	if err := b.signedRequest(ctx, http.MethodPost, "/sapi/v3/asset/getUserAsset", params, &assets); err != nil {
		return decimal.Zero, err
	}
	for _, entry := range assets {
		if entry.Asset == b.cfg.Asset {
			return decimal.NewFromString(entry.Free)
		}
	}
	return decimal.Zero, nil
}

// signedRequest appends the timestamp, signs the query with HMAC-SHA256, and
// decodes the JSON response into out.
func (b *BinanceBackend) signedRequest(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	params.Set("timestamp", strconv.FormatInt(b.nowFn().UnixMilli(), 10))
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(b.cfg.Secret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, b.cfg.BaseURL+path+"?"+query, nil)
	if err != nil {
		return fmt.Errorf("payout: binance request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", b.cfg.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("payout: binance call: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("payout: binance read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("payout: binance status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("payout: binance decode: %w", err)
	}
	return nil
}
