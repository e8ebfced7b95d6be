package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"chainpay/address"
	"chainpay/payout"
	"chainpay/refund"
	"chainpay/storage"
)

// envelope is the uniform response shape for every route.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("response encode failed", "err", err)
	}
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Success: false, Error: &apiError{Code: code, Message: message}})
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, envelope{Success: false, Error: &apiError{Code: code, Message: message, Details: details}})
}

// writeDomainError maps domain sentinels onto the public taxonomy. Raw
// backend messages never reach the caller; only recognized sentinels carry
// their text through.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
	case errors.Is(err, storage.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "ILLEGAL_TRANSITION", err.Error())
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "CONFLICT", "resource already exists")
	case errors.Is(err, address.ErrInvalidAmount),
		errors.Is(err, address.ErrInvalidExpiry),
		errors.Is(err, payout.ErrInvalidAmount),
		errors.Is(err, payout.ErrInvalidDestination),
		errors.Is(err, payout.ErrUnsupportedNetwork),
		errors.Is(err, refund.ErrInvalidAmount),
		errors.Is(err, refund.ErrInvalidDestination):
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
	case errors.Is(err, address.ErrReferenceInUse):
		writeError(w, http.StatusConflict, "REFERENCE_IN_USE", err.Error())
	case errors.Is(err, payout.ErrAmountOutOfRange),
		errors.Is(err, payout.ErrInsufficientBalance),
		errors.Is(err, payout.ErrPolicyCap),
		errors.Is(err, refund.ErrNotRefundable),
		errors.Is(err, refund.ErrAmountExceedsOriginal),
		errors.Is(err, address.ErrCapacityExhausted):
		writeError(w, http.StatusUnprocessableEntity, "DOMAIN_VALIDATION", err.Error())
	case errors.Is(err, payout.ErrPayoutsPaused):
		writeError(w, http.StatusUnprocessableEntity, "PAYOUTS_PAUSED", err.Error())
	case errors.Is(err, payout.ErrMerchantGated):
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	default:
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return false
	}
	return true
}
