package gateway

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	merchant, err := s.store.MerchantByID(r.Context(), p.MerchantID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, merchantView(merchant))
}

type patchProfileRequest struct {
	BusinessName      *string `json:"businessName"`
	SettlementAddress *string `json:"settlementAddress"`
	AutoSettlement    *bool   `json:"autoSettlement"`
	RefundOverpay     *bool   `json:"refundOverpay"`
	TestMode          *bool   `json:"testMode"`
}

func (s *Server) handlePatchProfile(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req patchProfileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	merchant, err := s.store.MerchantByID(r.Context(), p.MerchantID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	if req.BusinessName != nil {
		name := strings.TrimSpace(*req.BusinessName)
		if name == "" {
			writeError(w, http.StatusBadRequest, "VALIDATION", "businessName cannot be empty")
			return
		}
		merchant.BusinessName = name
	}
	if req.SettlementAddress != nil {
		addr := strings.TrimSpace(*req.SettlementAddress)
		if addr != "" && !common.IsHexAddress(addr) {
			writeError(w, http.StatusBadRequest, "VALIDATION", "settlementAddress must be a hex address")
			return
		}
		merchant.SettlementAddress = addr
	}
	if req.AutoSettlement != nil {
		merchant.AutoSettlement = *req.AutoSettlement
	}
	if req.RefundOverpay != nil {
		merchant.RefundOverpay = *req.RefundOverpay
	}
	if req.TestMode != nil {
		merchant.TestMode = *req.TestMode
	}
	if err := s.store.UpdateMerchant(r.Context(), merchant); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	s.audit.Record(r.Context(), "MERCHANT_UPDATED", "merchant", merchant.ID.String(),
		&merchant.ID, p.MerchantID.String(), nil, nil, "profile updated")
	writeData(w, http.StatusOK, merchantView(merchant))
}
