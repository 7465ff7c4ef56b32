package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientLocked     = errors.New("insufficient locked funds")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrUnauthorizedAction     = errors.New("unauthorized action")
	ErrDuplicateEvent         = errors.New("duplicate event")
	ErrExternalProvider       = errors.New("external provider error")
	ErrValidation             = errors.New("validation failed")
	ErrInvalidAmount          = errors.New("amount must be greater than zero")
	ErrAmountPrecision        = errors.New("amount exceeds currency precision")
	ErrInvalidCurrency        = errors.New("invalid currency")
	ErrSelfTransfer           = errors.New("cannot transfer to same wallet")
	ErrVersionConflict        = errors.New("optimistic lock conflict")
	ErrConfirmationPending    = errors.New("both parties must confirm before release")
	ErrLedgerMismatch         = errors.New("ledger does not match wallet balance")
	ErrInvalidRequest         = errors.New("invalid request")
)

// TransitionError names the state an escrow was in and the state a caller tried to move it to.
type TransitionError struct {
	From EscrowStatus
	To   EscrowStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }
