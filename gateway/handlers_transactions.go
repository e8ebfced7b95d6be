package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chainpay/models"
	"chainpay/storage"
)

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	filter := storage.TxFilter{
		Status: models.TxStatus(r.URL.Query().Get("status")),
		Type:   models.TxType(r.URL.Query().Get("type")),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	rows, err := s.store.ListTransactions(r.Context(), p.MerchantID, filter)
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

func (s *Server) handleTransactionStats(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	stats, err := s.store.TransactionStats(r.Context(), p.MerchantID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	row, ok := s.ownedTransaction(w, r, p.MerchantID)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, txView(row))
}

type patchTransactionRequest struct {
	Status models.TxStatus `json:"status"`
}

// handlePatchTransaction is the admin override for stuck rows. Transitions
// still go through the state machine's legality rules.
func (s *Server) handlePatchTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid transaction id")
		return
	}
	var req patchTransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "status is required")
		return
	}
	prior, err := s.store.TransactionByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	updated, err := s.store.TransitionTx(r.Context(), id, req.Status, nil)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	p, _ := principalFrom(r.Context())
	s.audit.Record(r.Context(), "TX_STATUS_OVERRIDE", "transaction", id.String(),
		&updated.MerchantID, p.MerchantID.String(), prior.Status, updated.Status, "admin status override")
	writeData(w, http.StatusOK, txView(updated))
}

func (s *Server) ownedTransaction(w http.ResponseWriter, r *http.Request, merchantID uuid.UUID) (*models.Transaction, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid transaction id")
		return nil, false
	}
	row, err := s.store.TransactionByID(r.Context(), id)
	if err != nil || row.MerchantID != merchantID {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "transaction not found")
		return nil, false
	}
	return row, true
}

func txView(t *models.Transaction) map[string]interface{} {
	return map[string]interface{}{
		"id":               t.ID,
		"type":             t.Type,
		"status":           t.Status,
		"amount":           t.Amount,
		"currency":         t.Currency,
		"network":          t.Network,
		"txHash":           t.TxHash,
		"fromAddress":      t.FromAddress,
		"toAddress":        t.ToAddress,
		"confirmations":    t.Confirmations,
		"confirmedAt":      t.ConfirmedAt,
		"settlementTxHash": t.SettlementTxHash,
		"metadata":         t.Metadata,
		"createdAt":        t.CreatedAt,
	}
}
