package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MerchantStatus enumerates merchant lifecycle states.
type MerchantStatus string

const (
	MerchantPending   MerchantStatus = "PENDING"
	MerchantActive    MerchantStatus = "ACTIVE"
	MerchantSuspended MerchantStatus = "SUSPENDED"
)

// RiskLevel buckets merchants for payout and limit policy.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Merchant is the business identity owning addresses, transactions, webhooks
// and API keys.
type Merchant struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey"`
	BusinessName      string         `gorm:"size:255;not null"`
	Email             string         `gorm:"size:255;uniqueIndex;not null"`
	PasswordHash      string         `gorm:"size:255"`
	Status            MerchantStatus `gorm:"size:16;index;default:PENDING"`
	RiskLevel         RiskLevel      `gorm:"size:16;default:LOW"`
	DailyVolumeCap    decimal.Decimal `gorm:"type:numeric(26,8)"`
	MonthlyVolumeCap  decimal.Decimal `gorm:"type:numeric(26,8)"`
	MinTxAmount       decimal.Decimal `gorm:"type:numeric(26,8)"`
	MaxTxAmount       decimal.Decimal `gorm:"type:numeric(26,8)"`
	FeePercent        decimal.Decimal `gorm:"type:numeric(26,8)"`
	FeeFixed          decimal.Decimal `gorm:"type:numeric(26,8)"`
	SettlementAddress string          `gorm:"size:64"`
	AutoSettlement    bool            `gorm:"default:true"`
	RefundOverpay     bool            `gorm:"default:true"`
	IPWhitelist       string          `gorm:"type:text"`
	TestMode          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time

	APIKeys      []APIKey
	Addresses    []PaymentAddress
	Transactions []Transaction
	Webhooks     []Webhook
}

// APIKeyStatus enumerates credential states.
type APIKeyStatus string

const (
	APIKeyActive  APIKeyStatus = "ACTIVE"
	APIKeyRevoked APIKeyStatus = "REVOKED"
	APIKeyExpired APIKeyStatus = "EXPIRED"
)

// APIKey is a long-lived merchant credential. The raw sk_ secret is never
// persisted; only its SHA-256 digest survives creation.
type APIKey struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey"`
	MerchantID  uuid.UUID    `gorm:"type:uuid;index;not null"`
	PublicID    string       `gorm:"size:64;uniqueIndex;not null"`
	SecretHash  string       `gorm:"size:64;not null"`
	Status      APIKeyStatus `gorm:"size:16;index;default:ACTIVE"`
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	UseCount    int64
	IPAllowList string `gorm:"type:text"`
	ReadOnly    bool
	Permissions string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AddressType partitions addresses by custody role.
type AddressType string

const (
	AddressMerchantPayment AddressType = "MERCHANT_PAYMENT"
	AddressHotWallet       AddressType = "HOT_WALLET"
	AddressColdWallet      AddressType = "COLD_WALLET"
	AddressSettlement      AddressType = "SETTLEMENT"
)

// AddressStatus enumerates payment address lifecycle states.
type AddressStatus string

const (
	AddressActive      AddressStatus = "ACTIVE"
	AddressExpired     AddressStatus = "EXPIRED"
	AddressUsed        AddressStatus = "USED"
	AddressBlacklisted AddressStatus = "BLACKLISTED"
)

// PaymentAddress is a derived deposit address watched for inbound transfers.
type PaymentAddress struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey"`
	MerchantID     uuid.UUID     `gorm:"type:uuid;index;not null"`
	Address        string        `gorm:"size:64;uniqueIndex;not null"`
	Type           AddressType   `gorm:"size:24;index;default:MERCHANT_PAYMENT"`
	EncryptedKey   string        `gorm:"type:text"`
	DerivationPath string        `gorm:"size:128"`
	HDIndex        uint32        `gorm:"index"`
	Status         AddressStatus `gorm:"size:16;index;default:ACTIVE"`
	ExpectedAmount decimal.Decimal `gorm:"type:numeric(26,8)"`
	Currency       string          `gorm:"size:16;default:USDT"`
	ExpiresAt      time.Time       `gorm:"index"`
	Monitored      bool            `gorm:"index"`
	CallbackURL    string          `gorm:"size:512"`
	Reference      string          `gorm:"size:128;index"`
	Metadata       string          `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TxStatus enumerates transaction states. Transitions are monotonic along the
// confirmation DAG; terminal states are never left.
type TxStatus string

const (
	TxPending    TxStatus = "PENDING"
	TxConfirming TxStatus = "CONFIRMING"
	TxConfirmed  TxStatus = "CONFIRMED"
	TxFailed     TxStatus = "FAILED"
	TxExpired    TxStatus = "EXPIRED"
	TxSettled    TxStatus = "SETTLED"
	TxCompleted  TxStatus = "COMPLETED"
	TxUnderpaid  TxStatus = "UNDERPAID"
)

// TxType partitions money movements.
type TxType string

const (
	TxTypePayment    TxType = "PAYMENT"
	TxTypePayout     TxType = "PAYOUT"
	TxTypeRefund     TxType = "REFUND"
	TxTypeSettlement TxType = "SETTLEMENT"
	TxTypeFee        TxType = "FEE"
	TxTypeTransfer   TxType = "TRANSFER"
)

// Transaction records an on- or off-chain money movement.
type Transaction struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey"`
	MerchantID       uuid.UUID  `gorm:"type:uuid;index"`
	AddressID        *uuid.UUID `gorm:"type:uuid;index"`
	TxHash           *string    `gorm:"size:128;uniqueIndex"`
	LogIndex         uint       `gorm:"default:0"`
	Status           TxStatus   `gorm:"size:16;index;default:PENDING"`
	Type             TxType     `gorm:"size:16;index;default:PAYMENT"`
	Amount           decimal.Decimal `gorm:"type:numeric(26,8)"`
	FeeAmount        decimal.Decimal `gorm:"type:numeric(26,8)"`
	Currency         string          `gorm:"size:16;default:USDT"`
	Network          string          `gorm:"size:16;default:BSC"`
	FromAddress      string          `gorm:"size:64;index"`
	ToAddress        string          `gorm:"size:64;index"`
	Confirmations    uint64
	BlockNumber      uint64 `gorm:"index"`
	BlockHash        string `gorm:"size:128"`
	BlockTimestamp   *time.Time
	ConfirmedAt      *time.Time
	WebhookSent      bool
	SettlementTxHash string `gorm:"size:128"`
	Metadata         string `gorm:"type:text"`
	Reference        string `gorm:"size:128;index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Terminal reports whether no further status transition is legal.
func (s TxStatus) Terminal() bool {
	switch s {
	case TxCompleted, TxExpired, TxFailed:
		return true
	}
	return false
}

// txRank orders statuses along the confirmation DAG. Branch states
// (UNDERPAID) share the rank of the state they fork from.
var txRank = map[TxStatus]int{
	TxPending:    0,
	TxConfirming: 1,
	TxConfirmed:  2,
	TxUnderpaid:  2,
	TxSettled:    3,
	TxCompleted:  4,
	TxExpired:    4,
	TxFailed:     4,
}

// CanTransition reports whether moving from s to next respects monotonicity.
func (s TxStatus) CanTransition(next TxStatus) bool {
	if s == next {
		return false
	}
	if s.Terminal() {
		return false
	}
	from, ok := txRank[s]
	if !ok {
		return false
	}
	to, ok := txRank[next]
	if !ok {
		return false
	}
	switch {
	case next == TxExpired:
		return s == TxPending
	case next == TxFailed:
		return s == TxPending || s == TxConfirming
	case next == TxUnderpaid:
		return s == TxConfirming
	}
	return to > from
}

// WebhookStatus enumerates endpoint subscription states.
type WebhookStatus string

const (
	WebhookActive   WebhookStatus = "ACTIVE"
	WebhookInactive WebhookStatus = "INACTIVE"
	WebhookFailed   WebhookStatus = "FAILED"
)

// Webhook is a merchant endpoint subscription.
type Webhook struct {
	ID               uuid.UUID     `gorm:"type:uuid;primaryKey"`
	MerchantID       uuid.UUID     `gorm:"type:uuid;index;not null"`
	URL              string        `gorm:"size:512;not null"`
	Events           string        `gorm:"type:text;not null"`
	Status           WebhookStatus `gorm:"size:16;index;default:ACTIVE"`
	Secret           string        `gorm:"size:128"`
	FailedAttempts   int           `gorm:"default:0"`
	LastFailure      string        `gorm:"size:512"`
	LastSuccessAt    *time.Time
	LastAttemptAt    *time.Time
	MaxRetries       int  `gorm:"default:5"`
	RetryIntervalSec int  `gorm:"default:0"`
	RateLimit        int  `gorm:"default:0"`
	SendPayload      bool `gorm:"default:true"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// WebhookAttempt is the delivery audit trail for a subscription.
type WebhookAttempt struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	WebhookID   uuid.UUID `gorm:"type:uuid;index;not null"`
	Event       string    `gorm:"size:64;index"`
	Attempt     int
	Status      string `gorm:"size:16"`
	Error       string `gorm:"size:512"`
	NextRetryAt *time.Time
	CreatedAt   time.Time
}

// IdempotencyKey captures a request fingerprint with its stored response.
type IdempotencyKey struct {
	Key         string    `gorm:"primaryKey;size:128"`
	MerchantID  uuid.UUID `gorm:"type:uuid;index"`
	Method      string    `gorm:"size:8"`
	Path        string    `gorm:"size:255"`
	RequestHash string    `gorm:"size:64"`
	Status      int
	Response    []byte `gorm:"type:bytea"`
	CompletedAt *time.Time
	ExpiresAt   time.Time `gorm:"index"`
	CreatedAt   time.Time
}

// ChainCursor persists the last fully processed block per network so the
// monitor can resume after restart.
type ChainCursor struct {
	Network     string `gorm:"primaryKey;size:16"`
	BlockNumber uint64
	UpdatedAt   time.Time
}

// HDCursor tracks the next unused derivation index per key scope. All
// payment addresses share one scope so indexes, and therefore addresses, are
// globally unique.
type HDCursor struct {
	Scope     string `gorm:"primaryKey;size:32"`
	NextIndex uint32
	UpdatedAt time.Time
}

// AuditLog rows are append-only and never mutated.
type AuditLog struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	MerchantID  *uuid.UUID `gorm:"type:uuid;index"`
	ActorID     string     `gorm:"size:64"`
	Action      string     `gorm:"size:64;index"`
	EntityType  string     `gorm:"size:32;index"`
	EntityID    string     `gorm:"size:64;index"`
	PriorState  string     `gorm:"type:text"`
	NewState    string     `gorm:"type:text"`
	Description string     `gorm:"size:512"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the gateway.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Merchant{},
		&APIKey{},
		&PaymentAddress{},
		&Transaction{},
		&Webhook{},
		&WebhookAttempt{},
		&IdempotencyKey{},
		&ChainCursor{},
		&HDCursor{},
		&AuditLog{},
	)
}
