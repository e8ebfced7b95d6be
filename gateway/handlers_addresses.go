package gateway

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chainpay/address"
	"chainpay/models"
	"chainpay/storage"
)

type createAddressRequest struct {
	ExpectedAmount string `json:"expectedAmount"`
	Currency       string `json:"currency"`
	ExpiresIn      int    `json:"expiresIn"`
	Reference      string `json:"reference"`
	CallbackURL    string `json:"callbackUrl"`
	Metadata       string `json:"metadata"`
}

func (s *Server) handleCreateAddress(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req createAddressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.ExpectedAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "expectedAmount must be a decimal string")
		return
	}
	row, err := s.addresses.Issue(r.Context(), address.IssueParams{
		MerchantID:     p.MerchantID,
		Currency:       req.Currency,
		ExpectedAmount: amount,
		ExpiresInSec:   req.ExpiresIn,
		Reference:      req.Reference,
		CallbackURL:    req.CallbackURL,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusCreated, addressView(row))
}

func (s *Server) handleListAddresses(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	filter := storage.AddressFilter{
		Status:    models.AddressStatus(r.URL.Query().Get("status")),
		Reference: r.URL.Query().Get("reference"),
		Limit:     queryInt(r, "limit"),
		Offset:    queryInt(r, "offset"),
	}
	rows, err := s.store.ListAddresses(r.Context(), p.MerchantID, filter)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	views := make([]map[string]interface{}, 0, len(rows))
	for i := range rows {
		views = append(views, addressView(&rows[i]))
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleGetAddress(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid address id")
		return
	}
	row, err := s.store.AddressByID(r.Context(), id)
	if err != nil || row.MerchantID != p.MerchantID {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "address not found")
		return
	}
	writeData(w, http.StatusOK, addressView(row))
}

func (s *Server) handleAddressBalance(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	addr := chi.URLParam(r, "address")
	if !common.IsHexAddress(addr) {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid address")
		return
	}
	row, err := s.store.AddressByAddr(r.Context(), addr)
	if err != nil || row.MerchantID != p.MerchantID {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "address not found")
		return
	}
	balance, err := s.chain.TokenBalance(r.Context(), common.HexToAddress(row.Address))
	if err != nil {
		writeError(w, http.StatusBadGateway, "EXTERNAL", "chain node unavailable")
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"address":  row.Address,
		"currency": row.Currency,
		"balance":  balance,
	})
}

func addressView(a *models.PaymentAddress) map[string]interface{} {
	return map[string]interface{}{
		"id":             a.ID,
		"address":        a.Address,
		"status":         a.Status,
		"currency":       a.Currency,
		"expectedAmount": a.ExpectedAmount,
		"expiresAt":      a.ExpiresAt,
		"reference":      a.Reference,
		"callbackUrl":    a.CallbackURL,
		"createdAt":      a.CreatedAt,
	}
}

func queryInt(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
