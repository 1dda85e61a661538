package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/carrymate/delivery-service/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errorStatuses = []struct {
	kind   error
	status int
	code   string
}{
	{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{domain.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{domain.ErrSelfBidNotAllowed, http.StatusConflict, "self_bid_not_allowed"},
	{domain.ErrFeeTooLow, http.StatusUnprocessableEntity, "fee_too_low"},
	{domain.ErrInvalidOtp, http.StatusUnprocessableEntity, "invalid_otp"},
	{domain.ErrTooManyAttempts, http.StatusTooManyRequests, "too_many_attempts"},
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeServiceError maps an engine error to its status. The message names the
// failed precondition; infrastructure failures are logged and hidden.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.kind) {
			msg := strings.TrimPrefix(err.Error(), e.kind.Error()+": ")
			writeError(w, e.status, e.code, msg)
			return
		}
	}
	logger.Error("request failed", "err", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal server error")
}
