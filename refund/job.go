package refund

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reasons carried on refund jobs.
const (
	ReasonOverpayment = "OVERPAYMENT"
	ReasonMerchant    = "MERCHANT_REQUEST"
)

// Job is the refund.process queue payload. OriginalTxID points at the payment
// being reversed; Amount may be a partial slice of it. RefundTxID is set when
// the refund row already exists, as it does for merchant-requested refunds;
// overpayment jobs leave it nil and the handler materializes the row.
type Job struct {
	RefundTxID   *uuid.UUID      `json:"refundTxId,omitempty"`
	OriginalTxID uuid.UUID       `json:"originalTxId"`
	MerchantID   uuid.UUID       `json:"merchantId"`
	Amount       decimal.Decimal `json:"amount"`
	Destination  string          `json:"destination"`
	Reason       string          `json:"reason"`
}
