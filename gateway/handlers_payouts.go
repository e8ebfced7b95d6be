package gateway

import (
	"net/http"

	"github.com/shopspring/decimal"

	"chainpay/models"
	"chainpay/payout"
	"chainpay/refund"
	"chainpay/storage"
)

type createPayoutRequest struct {
	Amount   string `json:"amount"`
	Address  string `json:"address"`
	Currency string `json:"currency"`
	Network  string `json:"network"`
	Metadata string `json:"metadata"`
}

func (s *Server) handleCreatePayout(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req createPayoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "amount must be a decimal string")
		return
	}
	row, err := s.payouts.CreatePayout(r.Context(), payout.CreateParams{
		MerchantID:  p.MerchantID,
		Currency:    req.Currency,
		Amount:      amount,
		Destination: req.Address,
		Network:     req.Network,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusCreated, txView(row))
}

func (s *Server) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	rows, err := s.store.ListTransactions(r.Context(), p.MerchantID, storage.TxFilter{
		Type:   models.TxTypePayout,
		Status: models.TxStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	})
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	views := make([]map[string]interface{}, 0, len(rows))
	for i := range rows {
		views = append(views, txView(&rows[i]))
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleGetPayout(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	row, ok := s.ownedTransaction(w, r, p.MerchantID)
	if !ok {
		return
	}
	if row.Type != models.TxTypePayout {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "payout not found")
		return
	}
	writeData(w, http.StatusOK, txView(row))
}

type createRefundRequest struct {
	TransactionID string `json:"transactionId"`
	Amount        string `json:"amount"`
	Destination   string `json:"destination"`
	Reason        string `json:"reason"`
}

func (s *Server) handleCreateRefund(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req createRefundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	originalID, err := parseUUID(req.TransactionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "transactionId must be a UUID")
		return
	}
	amount := decimal.Zero
	if req.Amount != "" {
		if amount, err = decimal.NewFromString(req.Amount); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "amount must be a decimal string")
			return
		}
	}
	row, err := s.refunds.RequestRefund(r.Context(), refund.RequestParams{
		MerchantID:   p.MerchantID,
		OriginalTxID: originalID,
		Amount:       amount,
		Destination:  req.Destination,
		Reason:       req.Reason,
	})
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusCreated, txView(row))
}
