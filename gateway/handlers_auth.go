package gateway

import (
	"net/http"
	"strings"

	"chainpay/models"
	"chainpay/storage"
	"errors"
)

type registerRequest struct {
	BusinessName string `json:"businessName"`
	Email        string `json:"email"`
	Password     string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.BusinessName = strings.TrimSpace(req.BusinessName)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.BusinessName == "" || req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "VALIDATION", "businessName and a valid email are required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "VALIDATION", "password must be at least 8 characters")
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	merchant := &models.Merchant{
		BusinessName: req.BusinessName,
		Email:        req.Email,
		PasswordHash: hash,
		Status:       models.MerchantActive,
		RiskLevel:    models.RiskLow,
	}
	if err := s.store.CreateMerchant(r.Context(), merchant); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, http.StatusConflict, "CONFLICT", "email already registered")
			return
		}
		writeDomainError(w, s.logger, err)
		return
	}

	pair, err := GenerateAPIKey(s.apiKeySalt)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	key := &models.APIKey{
		MerchantID: merchant.ID,
		PublicID:   pair.PublicID,
		SecretHash: pair.SigningKey,
		Status:     models.APIKeyActive,
	}
	if err := s.store.CreateAPIKey(r.Context(), key); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	token, err := IssueToken(s.jwtSecret, merchant.ID, RoleMerchant, s.jwtTTL, s.nowFn())
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	s.audit.Record(r.Context(), "MERCHANT_REGISTERED", "merchant", merchant.ID.String(),
		&merchant.ID, merchant.ID.String(), nil, nil, "merchant registered")

	writeData(w, http.StatusCreated, map[string]interface{}{
		"merchant":    merchantView(merchant),
		"token":       token,
		"credentials": pair,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	merchant, err := s.store.MerchantByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil || !VerifyPassword(merchant.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid email or password")
		return
	}
	if merchant.Status == models.MerchantSuspended {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "account suspended")
		return
	}
	token, err := IssueToken(s.jwtSecret, merchant.ID, RoleMerchant, s.jwtTTL, s.nowFn())
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"merchant": merchantView(merchant),
		"token":    token,
	})
}

func merchantView(m *models.Merchant) map[string]interface{} {
	return map[string]interface{}{
		"id":                m.ID,
		"businessName":      m.BusinessName,
		"email":             m.Email,
		"status":            m.Status,
		"riskLevel":         m.RiskLevel,
		"settlementAddress": m.SettlementAddress,
		"autoSettlement":    m.AutoSettlement,
		"refundOverpay":     m.RefundOverpay,
		"testMode":          m.TestMode,
		"createdAt":         m.CreatedAt,
	}
}
