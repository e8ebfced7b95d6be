package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chainpay/models"
	"chainpay/webhook"
)

type webhookRequest struct {
	URL              string   `json:"url"`
	Events           []string `json:"events"`
	Secret           string   `json:"secret"`
	MaxRetries       int      `json:"maxRetries"`
	RetryIntervalSec int      `json:"retryIntervalSec"`
	RateLimit        int      `json:"rateLimit"`
}

func (r webhookRequest) validate(w http.ResponseWriter) bool {
	if !strings.HasPrefix(r.URL, "https://") && !strings.HasPrefix(r.URL, "http://") {
		writeError(w, http.StatusBadRequest, "VALIDATION", "url must be an http(s) endpoint")
		return false
	}
	if len(r.Events) == 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION", "at least one event is required")
		return false
	}
	if invalid := webhook.ValidateEvents(r.Events); len(invalid) > 0 {
		writeErrorDetails(w, http.StatusBadRequest, "VALIDATION", "unknown event names",
			map[string]interface{}{"invalid": invalid})
		return false
	}
	return true
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req webhookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.validate(w) {
		return
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	hook := &models.Webhook{
		MerchantID:       p.MerchantID,
		URL:              req.URL,
		Events:           webhook.EncodeEvents(req.Events),
		Status:           models.WebhookActive,
		Secret:           req.Secret,
		MaxRetries:       maxRetries,
		RetryIntervalSec: req.RetryIntervalSec,
		RateLimit:        req.RateLimit,
		SendPayload:      true,
	}
	if err := s.store.CreateWebhook(r.Context(), hook); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusCreated, webhookView(hook))
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	rows, err := s.store.ListWebhooks(r.Context(), p.MerchantID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	views := make([]map[string]interface{}, 0, len(rows))
	for i := range rows {
		views = append(views, webhookView(&rows[i]))
	}
	writeData(w, http.StatusOK, views)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	hook, ok := s.ownedWebhook(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, webhookView(hook))
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	hook, ok := s.ownedWebhook(w, r)
	if !ok {
		return
	}
	var req webhookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.validate(w) {
		return
	}
	hook.URL = req.URL
	hook.Events = webhook.EncodeEvents(req.Events)
	if req.Secret != "" {
		hook.Secret = req.Secret
	}
	if req.MaxRetries > 0 {
		hook.MaxRetries = req.MaxRetries
	}
	hook.RetryIntervalSec = req.RetryIntervalSec
	hook.RateLimit = req.RateLimit
	// An update reactivates an endpoint flipped to FAILED.
	hook.Status = models.WebhookActive
	hook.FailedAttempts = 0
	if err := s.store.UpdateWebhook(r.Context(), hook); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, webhookView(hook))
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid webhook id")
		return
	}
	if err := s.store.DeleteWebhook(r.Context(), p.MerchantID, id); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// handleTestWebhook fires a synthetic signed event at the endpoint without
// touching its failure counters.
func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	hook, ok := s.ownedWebhook(w, r)
	if !ok {
		return
	}
	status, err := s.webhooks.DeliverTest(r.Context(), hook)
	if err != nil {
		writeData(w, http.StatusOK, map[string]interface{}{
			"delivered":  false,
			"statusCode": status,
			"error":      "endpoint unreachable or rejected the delivery",
		})
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"delivered":  true,
		"statusCode": status,
	})
}

func (s *Server) ownedWebhook(w http.ResponseWriter, r *http.Request) (*models.Webhook, bool) {
	p, _ := principalFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid webhook id")
		return nil, false
	}
	hook, err := s.store.WebhookByID(r.Context(), p.MerchantID, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "webhook not found")
		return nil, false
	}
	return hook, true
}

func webhookView(h *models.Webhook) map[string]interface{} {
	return map[string]interface{}{
		"id":               h.ID,
		"url":              h.URL,
		"events":           webhook.DecodeEvents(h.Events),
		"status":           h.Status,
		"maxRetries":       h.MaxRetries,
		"retryIntervalSec": h.RetryIntervalSec,
		"rateLimit":        h.RateLimit,
		"failedAttempts":   h.FailedAttempts,
		"lastSuccessAt":    h.LastSuccessAt,
		"createdAt":        h.CreatedAt,
	}
}
