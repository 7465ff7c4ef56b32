package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/escrow"
	"github.com/josh-kwaku/escrow-ledger/internal/logging"
	"github.com/josh-kwaku/escrow-ledger/internal/money"
)

type escrowService interface {
	Create(ctx context.Context, req escrow.CreateRequest, actor domain.Actor) (*domain.Escrow, error)
	Get(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error)
	List(ctx context.Context, actor domain.Actor, limit, offset int) ([]domain.Escrow, int, error)
	Accept(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error)
	Confirm(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error)
	Release(ctx context.Context, id uuid.UUID, actor domain.Actor, opts escrow.ReleaseOptions) (*domain.Escrow, error)
	Refund(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error)
	Cancel(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error)
	OpenDispute(ctx context.Context, id uuid.UUID, actor domain.Actor, reason string) (*domain.Escrow, error)
	ResolveDispute(ctx context.Context, id uuid.UUID, actor domain.Actor, resolution domain.DisputeResolution, notes string) (*domain.Escrow, error)
}

type EscrowHandler struct {
	escrows escrowService
}

func NewEscrowHandler(escrows escrowService) *EscrowHandler {
	return &EscrowHandler{escrows: escrows}
}

type createEscrowRequest struct {
	BuyerID               string `json:"buyer_id"`
	SellerID              string `json:"seller_id"`
	Currency              string `json:"currency"`
	Amount                string `json:"amount"`
	DurationHours         int    `json:"duration_hours"`
	Kind                  string `json:"kind"`
	ConfirmationsRequired *int   `json:"confirmations_required"`
}

func (r createEscrowRequest) Validate() []FieldError {
	var errs []FieldError

	if _, err := uuid.Parse(r.BuyerID); err != nil {
		errs = append(errs, FieldError{Field: "buyer_id", Message: "must be a valid UUID"})
	}
	if _, err := uuid.Parse(r.SellerID); err != nil {
		errs = append(errs, FieldError{Field: "seller_id", Message: "must be a valid UUID"})
	}

	currency, err := domain.ParseCurrency(r.Currency)
	if err != nil {
		errs = append(errs, FieldError{Field: "currency", Message: "unsupported currency"})
	} else if _, err := money.Parse(r.Amount, currency); err != nil {
		errs = append(errs, FieldError{Field: "amount", Message: fmt.Sprintf("must be a positive amount with at most %d decimals", currency.Precision())})
	}

	if r.DurationHours < 0 {
		errs = append(errs, FieldError{Field: "duration_hours", Message: "must not be negative"})
	}
	if r.Kind != "" && !domain.EscrowKind(r.Kind).IsValid() {
		errs = append(errs, FieldError{Field: "kind", Message: "must be custody or wallet"})
	}
	if r.ConfirmationsRequired != nil && *r.ConfirmationsRequired < 0 {
		errs = append(errs, FieldError{Field: "confirmations_required", Message: "must not be negative"})
	}

	return errs
}

func (r createEscrowRequest) toServiceRequest() escrow.CreateRequest {
	currency, _ := domain.ParseCurrency(r.Currency)
	amount, _ := money.Parse(r.Amount, currency)
	return escrow.CreateRequest{
		BuyerID:               uuid.MustParse(r.BuyerID),
		SellerID:              uuid.MustParse(r.SellerID),
		Currency:              currency,
		Amount:                amount,
		Duration:              time.Duration(r.DurationHours) * time.Hour,
		Kind:                  domain.EscrowKind(r.Kind),
		ConfirmationsRequired: r.ConfirmationsRequired,
	}
}

func (h *EscrowHandler) Create(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	e, err := h.escrows.Create(r.Context(), req.toServiceRequest(), actor)
	if err != nil {
		log.Warn("escrow creation failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/escrows/%s", e.ID))
	RespondEscrow(w, http.StatusCreated, e)
}

func (h *EscrowHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	id, appErr := escrowIDFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	e, err := h.escrows.Get(r.Context(), id, actor)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondEscrow(w, http.StatusOK, e)
}

func (h *EscrowHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	limit, offset := pagination(r)

	escrows, total, err := h.escrows.List(r.Context(), actor, limit, offset)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	items := make([]escrowDTO, 0, len(escrows))
	for i := range escrows {
		items = append(items, toEscrowDTO(&escrows[i]))
	}
	RespondSuccess(w, http.StatusOK, map[string]any{
		"escrows": items,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *EscrowHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "accept", h.escrows.Accept)
}

func (h *EscrowHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "confirm", h.escrows.Confirm)
}

func (h *EscrowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel", h.escrows.Cancel)
}

func (h *EscrowHandler) Refund(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "refund", h.escrows.Refund)
}

type releaseRequest struct {
	Resolution string `json:"resolution"`
	Notes      string `json:"notes"`
}

func (h *EscrowHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Resolution != "" && !domain.DisputeResolution(req.Resolution).IsValid() {
		RespondValidationError(w, []FieldError{{Field: "resolution", Message: "must be release_seller or refund_buyer"}})
		return
	}

	h.transition(w, r, "release", func(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error) {
		return h.escrows.Release(ctx, id, actor, escrow.ReleaseOptions{
			Resolution: domain.DisputeResolution(req.Resolution),
			Notes:      req.Notes,
		})
	})
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (h *EscrowHandler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if req.Reason == "" {
		RespondValidationError(w, []FieldError{{Field: "reason", Message: "required"}})
		return
	}

	h.transition(w, r, "dispute", func(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error) {
		return h.escrows.OpenDispute(ctx, id, actor, req.Reason)
	})
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
	Notes      string `json:"notes"`
}

func (h *EscrowHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if !domain.DisputeResolution(req.Resolution).IsValid() {
		RespondValidationError(w, []FieldError{{Field: "resolution", Message: "must be release_seller or refund_buyer"}})
		return
	}

	h.transition(w, r, "resolve", func(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error) {
		return h.escrows.ResolveDispute(ctx, id, actor, domain.DisputeResolution(req.Resolution), req.Notes)
	})
}

// transition runs one escrow action for the authenticated actor and writes
// the resulting escrow.
func (h *EscrowHandler) transition(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error)) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	id, appErr := escrowIDFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	e, err := fn(r.Context(), id, actor)
	if err != nil {
		logging.FromContext(r.Context()).Warn("escrow action failed",
			"action", action,
			"escrow_id", id,
			"error", err,
		)
		RespondDomainError(w, err)
		return
	}
	RespondEscrow(w, http.StatusOK, e)
}

// decodeOptional decodes a JSON body when one was sent. An empty body is fine.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	RespondAppError(w, ErrInvalidRequest, nil)
	return false
}
