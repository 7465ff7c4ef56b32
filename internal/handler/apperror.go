package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrInvalidSignature = &AppError{http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature is invalid"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInvalidCurrency = &AppError{http.StatusBadRequest, "INVALID_CURRENCY", "Invalid currency"}
	ErrInvalidAmount   = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	ErrAmountPrecision = &AppError{http.StatusBadRequest, "AMOUNT_PRECISION", "Amount has more decimals than the currency allows"}

	ErrUnauthorizedAction = &AppError{http.StatusForbidden, "UNAUTHORIZED_ACTION", "You are not allowed to perform this action"}
	ErrAdminOnly          = &AppError{http.StatusForbidden, "ADMIN_ONLY", "Admin role required"}

	ErrInvalidStateTransition = &AppError{http.StatusConflict, "INVALID_STATE_TRANSITION", "Escrow cannot move to the requested state"}
	ErrDuplicateEvent         = &AppError{http.StatusConflict, "DUPLICATE_EVENT", "Event already processed"}
	ErrVersionConflict        = &AppError{http.StatusConflict, "VERSION_CONFLICT", "Resource was modified concurrently, please retry"}
	ErrMissingIdempotencyKey  = &AppError{http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "Idempotency-Key header is required"}
	ErrIdempotencyConflict    = &AppError{http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key already used with a different request"}

	ErrInsufficientFunds   = &AppError{http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", "Insufficient funds"}
	ErrInsufficientLocked  = &AppError{http.StatusUnprocessableEntity, "INSUFFICIENT_LOCKED", "Insufficient locked funds"}
	ErrConfirmationPending = &AppError{http.StatusUnprocessableEntity, "CONFIRMATION_PENDING", "Both parties must confirm before release"}
	ErrSelfTransfer        = &AppError{http.StatusUnprocessableEntity, "SELF_TRANSFER_NOT_ALLOWED", "Cannot transfer to the same wallet"}

	ErrExternalProvider = &AppError{http.StatusBadGateway, "EXTERNAL_PROVIDER_ERROR", "Custody provider request failed"}
)
