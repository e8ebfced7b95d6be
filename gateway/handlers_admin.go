package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chainpay/models"
)

func (s *Server) handlePausePayouts(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	s.payouts.Policy().Pause()
	s.audit.Record(r.Context(), "PAYOUTS_PAUSED", "policy", "payouts", nil,
		p.MerchantID.String(), nil, nil, "operator pause")
	writeData(w, http.StatusOK, map[string]interface{}{"paused": true})
}

func (s *Server) handleResumePayouts(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	s.payouts.Policy().Resume()
	s.audit.Record(r.Context(), "PAYOUTS_RESUMED", "policy", "payouts", nil,
		p.MerchantID.String(), nil, nil, "operator resume")
	writeData(w, http.StatusOK, map[string]interface{}{"paused": false})
}

func (s *Server) handleRunSettlements(w http.ResponseWriter, r *http.Request) {
	scheduled, err := s.settlement.ScheduleSettlements(r.Context())
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"scheduled": scheduled})
}

type exportRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleExportSettlements(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	now := s.nowFn().UTC()
	from, to := now.Add(-24*time.Hour), now
	var err error
	if req.From != "" {
		if from, err = time.Parse(time.RFC3339, req.From); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "from must be RFC3339")
			return
		}
	}
	if req.To != "" {
		if to, err = time.Parse(time.RFC3339, req.To); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "to must be RFC3339")
			return
		}
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "VALIDATION", "from must precede to")
		return
	}
	path, err := s.exporter.Export(r.Context(), from, to)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"path": path})
}

type patchMerchantRequest struct {
	Status    *models.MerchantStatus `json:"status"`
	RiskLevel *models.RiskLevel      `json:"riskLevel"`
}

func (s *Server) handlePatchMerchant(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid merchant id")
		return
	}
	var req patchMerchantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	merchant, err := s.store.MerchantByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	if req.Status != nil {
		switch *req.Status {
		case models.MerchantPending, models.MerchantActive, models.MerchantSuspended:
			merchant.Status = *req.Status
		default:
			writeError(w, http.StatusBadRequest, "VALIDATION", "unknown merchant status")
			return
		}
	}
	if req.RiskLevel != nil {
		switch *req.RiskLevel {
		case models.RiskLow, models.RiskMedium, models.RiskHigh:
			merchant.RiskLevel = *req.RiskLevel
		default:
			writeError(w, http.StatusBadRequest, "VALIDATION", "unknown risk level")
			return
		}
	}
	if err := s.store.UpdateMerchant(r.Context(), merchant); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	p, _ := principalFrom(r.Context())
	s.audit.Record(r.Context(), "MERCHANT_GATED", "merchant", merchant.ID.String(),
		&merchant.ID, p.MerchantID.String(), nil, nil, "admin merchant update")
	writeData(w, http.StatusOK, merchantView(merchant))
}

func parseUUID(raw string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(raw))
}
