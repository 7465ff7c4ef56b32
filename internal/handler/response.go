package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
)

type APIResponse struct {
	OK      bool   `json:"ok"`
	Escrow  any    `json:"escrow,omitempty"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func RespondSuccess(w http.ResponseWriter, status int, data any) {
	RespondJSON(w, status, APIResponse{OK: true, Data: data})
}

func RespondEscrow(w http.ResponseWriter, status int, e *domain.Escrow) {
	RespondJSON(w, status, APIResponse{OK: true, Escrow: toEscrowDTO(e)})
}

func RespondAppError(w http.ResponseWriter, appErr *AppError, details any) {
	RespondJSON(w, appErr.Status, APIResponse{
		OK:      false,
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: details,
	})
}

func RespondValidationError(w http.ResponseWriter, fields []FieldError) {
	RespondAppError(w, ErrValidationFailed, fields)
}

// RespondDomainError maps an error from the service layer onto its AppError.
// Anything unrecognised is logged and reported as a 500.
func RespondDomainError(w http.ResponseWriter, err error) {
	appErr, details := classify(err)
	if appErr == ErrInternalError {
		slog.Error("unhandled domain error", "error", err)
	}
	RespondAppError(w, appErr, details)
}

func classify(err error) (*AppError, any) {
	var te *domain.TransitionError
	if errors.As(err, &te) {
		return ErrInvalidStateTransition, map[string]string{"from": string(te.From), "to": string(te.To)}
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return ErrResourceNotFound, nil
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return ErrInvalidStateTransition, nil
	case errors.Is(err, domain.ErrInsufficientFunds):
		return ErrInsufficientFunds, nil
	case errors.Is(err, domain.ErrInsufficientLocked):
		return ErrInsufficientLocked, nil
	case errors.Is(err, domain.ErrUnauthorizedAction):
		return ErrUnauthorizedAction, nil
	case errors.Is(err, domain.ErrConfirmationPending):
		return ErrConfirmationPending, nil
	case errors.Is(err, domain.ErrDuplicateEvent):
		return ErrDuplicateEvent, nil
	case errors.Is(err, domain.ErrSelfTransfer):
		return ErrSelfTransfer, nil
	case errors.Is(err, domain.ErrVersionConflict):
		return ErrVersionConflict, nil
	case errors.Is(err, domain.ErrExternalProvider):
		return ErrExternalProvider, nil
	case errors.Is(err, domain.ErrInvalidCurrency):
		return ErrInvalidCurrency, nil
	case errors.Is(err, domain.ErrInvalidAmount):
		return ErrInvalidAmount, nil
	case errors.Is(err, domain.ErrAmountPrecision):
		return ErrAmountPrecision, nil
	case errors.Is(err, domain.ErrValidation):
		return ErrValidationFailed, map[string]string{"reason": err.Error()}
	case errors.Is(err, domain.ErrInvalidRequest):
		return ErrInvalidRequest, nil
	default:
		return ErrInternalError, nil
	}
}
