package domain

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EscrowKind string

const (
	// EscrowKindCustody escrows are funded by on-chain deposits to a reserved address.
	EscrowKindCustody EscrowKind = "custody"
	// EscrowKindWallet escrows are funded by locking the buyer's internal balance.
	EscrowKindWallet EscrowKind = "wallet"
)

func (k EscrowKind) IsValid() bool {
	return k == EscrowKindCustody || k == EscrowKindWallet
}

type EscrowStatus string

const (
	EscrowStatusCreated         EscrowStatus = "created"
	EscrowStatusPartiallyFunded EscrowStatus = "partially_funded"
	EscrowStatusFunded          EscrowStatus = "funded"
	EscrowStatusDisputed        EscrowStatus = "disputed"
	EscrowStatusReleased        EscrowStatus = "released"
	EscrowStatusRefunded        EscrowStatus = "refunded"
	EscrowStatusCancelled       EscrowStatus = "cancelled"
)

var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowStatusCreated:         {EscrowStatusPartiallyFunded, EscrowStatusFunded, EscrowStatusCancelled},
	EscrowStatusPartiallyFunded: {EscrowStatusPartiallyFunded, EscrowStatusFunded, EscrowStatusRefunded},
	EscrowStatusFunded:          {EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusDisputed},
	EscrowStatusDisputed:        {EscrowStatusReleased, EscrowStatusRefunded},
}

func (s EscrowStatus) IsValid() bool {
	switch s {
	case EscrowStatusCreated, EscrowStatusPartiallyFunded, EscrowStatusFunded, EscrowStatusDisputed,
		EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusCancelled:
		return true
	}
	return false
}

func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowStatusReleased || s == EscrowStatusRefunded || s == EscrowStatusCancelled
}

func (s EscrowStatus) CanTransitionTo(to EscrowStatus) bool {
	return slices.Contains(escrowTransitions[s], to)
}

// CheckTransition returns a *TransitionError when from may not move to to.
func CheckTransition(from, to EscrowStatus) error {
	if !from.CanTransitionTo(to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

type DisputeResolution string

const (
	ResolutionReleaseSeller DisputeResolution = "release_seller"
	ResolutionRefundBuyer   DisputeResolution = "refund_buyer"
)

func (r DisputeResolution) IsValid() bool {
	return r == ResolutionReleaseSeller || r == ResolutionRefundBuyer
}

type Dispute struct {
	Open       bool              `json:"open"`
	Reason     string            `json:"reason"`
	OpenedBy   uuid.UUID         `json:"opened_by"`
	OpenedAt   time.Time         `json:"opened_at"`
	Resolution DisputeResolution `json:"resolution,omitempty"`
	Notes      string            `json:"notes,omitempty"`
	ResolvedBy *uuid.UUID        `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

type Escrow struct {
	ID                    uuid.UUID
	Kind                  EscrowKind
	BuyerID               uuid.UUID
	SellerID              uuid.UUID
	Currency              Currency
	Amount                decimal.Decimal
	ReceivedAmount        decimal.Decimal
	Confirmations         int
	ConfirmationsRequired int
	DepositAddress        *string
	Status                EscrowStatus
	ExpiresAt             time.Time
	BuyerConfirmed        bool
	SellerConfirmed       bool
	Dispute               *Dispute
	Events                []EscrowEvent
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (e *Escrow) IsParticipant(userID uuid.UUID) bool {
	return userID == e.BuyerID || userID == e.SellerID
}

func (e *Escrow) DisputeOpen() bool {
	return e.Dispute != nil && e.Dispute.Open
}

// Overpayment is the part of ReceivedAmount above Amount, or zero.
func (e *Escrow) Overpayment() decimal.Decimal {
	over := e.ReceivedAmount.Sub(e.Amount)
	if over.IsPositive() {
		return over
	}
	return decimal.Zero
}

// FundingStatus derives created/partially_funded/funded from the received
// amount and confirmation depth.
func (e *Escrow) FundingStatus() EscrowStatus {
	switch {
	case e.ReceivedAmount.GreaterThanOrEqual(e.Amount) && e.Confirmations >= e.ConfirmationsRequired:
		return EscrowStatusFunded
	case e.ReceivedAmount.IsPositive():
		return EscrowStatusPartiallyFunded
	default:
		return EscrowStatusCreated
	}
}

type EscrowEventType string

const (
	EventEscrowCreated       EscrowEventType = "escrow.created"
	EventEscrowAccepted      EscrowEventType = "escrow.accepted"
	EventEscrowConfirmed     EscrowEventType = "escrow.confirmed"
	EventEscrowReleased      EscrowEventType = "escrow.released"
	EventEscrowRefunded      EscrowEventType = "escrow.refunded"
	EventEscrowCancelled     EscrowEventType = "escrow.cancelled"
	EventDisputeOpened       EscrowEventType = "dispute.opened"
	EventDisputeResolved     EscrowEventType = "dispute.resolved"
	EventWebhook             EscrowEventType = "webhook"
	EventWebhookPending      EscrowEventType = "webhook.pending"
	EventWebhookConfirmation EscrowEventType = "webhook.confirmation"
	EventWebhookLate         EscrowEventType = "webhook.late"
	EventWebhookRejected     EscrowEventType = "webhook.rejected"
	EventAutoCancel          EscrowEventType = "auto.cancel"
)

// EscrowEvent is one entry of an escrow's audit trail. EventID is unique per
// escrow and doubles as the dedup key for webhook deliveries.
type EscrowEvent struct {
	Seq       int
	Type      EscrowEventType
	EventID   string
	Actor     string
	Payload   json.RawMessage
	CreatedAt time.Time
}
