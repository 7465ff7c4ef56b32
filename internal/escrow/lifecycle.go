package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/logging"
	"github.com/josh-kwaku/escrow-ledger/internal/money"
)

const maxDuration = 30 * 24 * time.Hour

type CreateRequest struct {
	BuyerID  uuid.UUID
	SellerID uuid.UUID
	Currency domain.Currency
	Amount   decimal.Decimal
	Duration time.Duration
	Kind     domain.EscrowKind
	// ConfirmationsRequired overrides the currency default when set.
	ConfirmationsRequired *int
}

func (s *Service) Create(ctx context.Context, req CreateRequest, actor domain.Actor) (*domain.Escrow, error) {
	log := logging.FromContext(ctx)

	if err := s.validateCreate(&req, actor); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	now := s.now()
	e := &domain.Escrow{
		ID:                    uuid.New(),
		Kind:                  req.Kind,
		BuyerID:               req.BuyerID,
		SellerID:              req.SellerID,
		Currency:              req.Currency,
		Amount:                req.Amount,
		ReceivedAmount:        decimal.Zero,
		ConfirmationsRequired: *req.ConfirmationsRequired,
		Status:                domain.EscrowStatusCreated,
		ExpiresAt:             now.Add(req.Duration),
	}

	if e.Kind == domain.EscrowKindCustody {
		addr, err := s.custody.ReserveDepositAddress(ctx, e.Currency, e.ID.String())
		if err != nil {
			return nil, fmt.Errorf("Create: %w", err)
		}
		e.DepositAddress = &addr
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Create: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.escrows.Create(ctx, tx, e); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	sc := &txScope{svc: s, tx: tx, escrow: e}
	err = sc.emit(ctx, domain.EventEscrowCreated, "created", actor, map[string]any{
		"kind":                   e.Kind,
		"amount":                 e.Amount,
		"currency":               e.Currency,
		"confirmations_required": e.ConfirmationsRequired,
		"expires_at":             e.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Create: commit: %w", err)
	}

	s.publish(ctx, sc)
	e.Events = sc.events

	log.Info("escrow created",
		"escrow_id", e.ID,
		"kind", e.Kind,
		"buyer_id", e.BuyerID,
		"seller_id", e.SellerID,
		"amount", e.Amount,
		"currency", e.Currency,
	)
	return e, nil
}

func (s *Service) validateCreate(req *CreateRequest, actor domain.Actor) error {
	if req.BuyerID == uuid.Nil || req.SellerID == uuid.Nil {
		return fmt.Errorf("buyer and seller required: %w", domain.ErrValidation)
	}
	if req.BuyerID == req.SellerID {
		return fmt.Errorf("buyer and seller must differ: %w", domain.ErrValidation)
	}
	if !actor.IsAdmin() && actor.UserID != req.BuyerID && actor.UserID != req.SellerID {
		return fmt.Errorf("creator must be a participant: %w", domain.ErrUnauthorizedAction)
	}
	if err := money.Validate(req.Amount, req.Currency); err != nil {
		return err
	}

	if req.Kind == "" {
		req.Kind = domain.EscrowKindCustody
	}
	if !req.Kind.IsValid() {
		return fmt.Errorf("unknown kind %q: %w", req.Kind, domain.ErrValidation)
	}

	if req.Duration == 0 {
		req.Duration = s.opts.DefaultDuration
	}
	if req.Duration < 0 || req.Duration > maxDuration {
		return fmt.Errorf("duration out of range: %w", domain.ErrValidation)
	}

	if req.ConfirmationsRequired == nil {
		n := req.Currency.DefaultConfirmations()
		if req.Kind == domain.EscrowKindWallet {
			n = 0
		}
		req.ConfirmationsRequired = &n
	}
	if *req.ConfirmationsRequired < 0 {
		return fmt.Errorf("confirmations_required must not be negative: %w", domain.ErrValidation)
	}
	return nil
}

// Accept funds a wallet escrow by locking the buyer's balance.
func (s *Service) Accept(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error) {
	e, err := s.mutate(ctx, id, "Accept", func(sc *txScope) error {
		e := sc.escrow
		if e.Kind != domain.EscrowKindWallet {
			return fmt.Errorf("only wallet escrows can be accepted: %w", domain.ErrValidation)
		}
		if actor.UserID != e.BuyerID {
			return domain.ErrUnauthorizedAction
		}
		if err := sc.setStatus(domain.EscrowStatusFunded); err != nil {
			return err
		}
		if _, err := s.wallets.LockTx(ctx, sc.tx, e.BuyerID, e.Currency, e.Amount, escrowRef(e.ID)); err != nil {
			return err
		}
		e.ReceivedAmount = e.Amount
		return sc.emit(ctx, domain.EventEscrowAccepted, "", actor, map[string]any{"locked": e.Amount})
	})
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("escrow accepted", "escrow_id", id)
	return e, nil
}

// Confirm records that a participant is satisfied with the trade. Once both
// sides have confirmed the escrow releases to the seller in the same transaction.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error) {
	return s.mutate(ctx, id, "Confirm", func(sc *txScope) error {
		e := sc.escrow
		if !e.IsParticipant(actor.UserID) {
			return domain.ErrUnauthorizedAction
		}
		if e.Status != domain.EscrowStatusFunded {
			return &domain.TransitionError{From: e.Status, To: domain.EscrowStatusReleased}
		}

		switch actor.UserID {
		case e.BuyerID:
			if e.BuyerConfirmed {
				return nil
			}
			e.BuyerConfirmed = true
		case e.SellerID:
			if e.SellerConfirmed {
				return nil
			}
			e.SellerConfirmed = true
		}
		sc.dirty = true

		if err := sc.emit(ctx, domain.EventEscrowConfirmed, "", actor, nil); err != nil {
			return err
		}
		if e.BuyerConfirmed && e.SellerConfirmed {
			return s.releaseTx(ctx, sc, domain.SystemActor)
		}
		return nil
	})
}

// ReleaseOptions lets an admin settle a dispute through the release endpoint.
type ReleaseOptions struct {
	Resolution domain.DisputeResolution
	Notes      string
}

// Release pays the escrow amount to the seller. While a dispute is open only
// an admin may release, which also closes the dispute; otherwise an admin, or
// a participant once both sides have confirmed.
func (s *Service) Release(ctx context.Context, id uuid.UUID, actor domain.Actor, opts ReleaseOptions) (*domain.Escrow, error) {
	if opts.Resolution != "" {
		return s.ResolveDispute(ctx, id, actor, opts.Resolution, opts.Notes)
	}

	e, err := s.mutate(ctx, id, "Release", func(sc *txScope) error {
		e := sc.escrow
		if !actor.IsAdmin() && !e.IsParticipant(actor.UserID) {
			return domain.ErrUnauthorizedAction
		}
		if err := domain.CheckTransition(e.Status, domain.EscrowStatusReleased); err != nil {
			return err
		}
		switch {
		case e.Status == domain.EscrowStatusDisputed || e.DisputeOpen():
			if !actor.IsAdmin() {
				return fmt.Errorf("escrow is disputed: %w", domain.ErrUnauthorizedAction)
			}
			return s.settleDispute(ctx, sc, actor, domain.ResolutionReleaseSeller, "")
		case actor.IsAdmin():
		case !e.BuyerConfirmed || !e.SellerConfirmed:
			return domain.ErrConfirmationPending
		}
		return s.releaseTx(ctx, sc, actor)
	})
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("escrow released", "escrow_id", id, "actor", actor.String())
	return e, nil
}

// Refund returns the buyer's locked funds. While a dispute is open only an
// admin may refund, closing the dispute; otherwise the seller or an admin.
func (s *Service) Refund(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error) {
	e, err := s.mutate(ctx, id, "Refund", func(sc *txScope) error {
		e := sc.escrow
		if !actor.IsAdmin() && !e.IsParticipant(actor.UserID) {
			return domain.ErrUnauthorizedAction
		}
		if err := domain.CheckTransition(e.Status, domain.EscrowStatusRefunded); err != nil {
			return err
		}
		switch {
		case e.Status == domain.EscrowStatusDisputed || e.DisputeOpen():
			if !actor.IsAdmin() {
				return fmt.Errorf("escrow is disputed: %w", domain.ErrUnauthorizedAction)
			}
			return s.settleDispute(ctx, sc, actor, domain.ResolutionRefundBuyer, "")
		case actor.IsAdmin(), actor.UserID == e.SellerID:
		default:
			return fmt.Errorf("buyer cannot refund: %w", domain.ErrUnauthorizedAction)
		}
		return s.refundTx(ctx, sc, actor)
	})
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("escrow refunded", "escrow_id", id, "actor", actor.String())
	return e, nil
}

// Cancel abandons an escrow nobody has paid into yet. Cancelling an escrow
// that already finished is a no-op.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error) {
	return s.mutate(ctx, id, "Cancel", func(sc *txScope) error {
		e := sc.escrow
		if !actor.IsAdmin() && !e.IsParticipant(actor.UserID) {
			return domain.ErrUnauthorizedAction
		}
		if e.Status.IsTerminal() {
			return nil
		}
		if err := sc.setStatus(domain.EscrowStatusCancelled); err != nil {
			return err
		}
		return sc.emit(ctx, domain.EventEscrowCancelled, "", actor, nil)
	})
}

func (s *Service) OpenDispute(ctx context.Context, id uuid.UUID, actor domain.Actor, reason string) (*domain.Escrow, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("OpenDispute: reason required: %w", domain.ErrValidation)
	}

	e, err := s.mutate(ctx, id, "OpenDispute", func(sc *txScope) error {
		e := sc.escrow
		if !e.IsParticipant(actor.UserID) {
			return domain.ErrUnauthorizedAction
		}
		if err := sc.setStatus(domain.EscrowStatusDisputed); err != nil {
			return err
		}
		e.Dispute = &domain.Dispute{
			Open:     true,
			Reason:   reason,
			OpenedBy: actor.UserID,
			OpenedAt: s.now(),
		}
		sc.notifyUser(counterparty(e, actor.UserID), "dispute.opened", map[string]string{"reason": reason})
		return sc.emit(ctx, domain.EventDisputeOpened, "", actor, map[string]string{"reason": reason})
	})
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("dispute opened", "escrow_id", id, "opened_by", actor.UserID)
	return e, nil
}

// ResolveDispute settles a disputed escrow either way. Admin only.
func (s *Service) ResolveDispute(ctx context.Context, id uuid.UUID, actor domain.Actor, resolution domain.DisputeResolution, notes string) (*domain.Escrow, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("ResolveDispute: %w", domain.ErrUnauthorizedAction)
	}
	if !resolution.IsValid() {
		return nil, fmt.Errorf("ResolveDispute: unknown resolution %q: %w", resolution, domain.ErrValidation)
	}

	e, err := s.mutate(ctx, id, "ResolveDispute", func(sc *txScope) error {
		e := sc.escrow
		if e.Status != domain.EscrowStatusDisputed {
			target := domain.EscrowStatusReleased
			if resolution == domain.ResolutionRefundBuyer {
				target = domain.EscrowStatusRefunded
			}
			return &domain.TransitionError{From: e.Status, To: target}
		}
		return s.settleDispute(ctx, sc, actor, resolution, notes)
	})
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("dispute resolved", "escrow_id", id, "resolution", resolution)
	return e, nil
}

// Expire cancels an escrow that reached its deadline without any funding.
// It reports whether anything changed; an escrow that moved on in the
// meantime is left alone.
func (s *Service) Expire(ctx context.Context, id uuid.UUID) (bool, error) {
	cancelled := false
	_, err := s.mutate(ctx, id, "Expire", func(sc *txScope) error {
		e := sc.escrow
		if e.Status != domain.EscrowStatusCreated || e.ExpiresAt.After(s.now()) {
			return nil
		}
		ok, err := s.escrows.CancelIfCreated(ctx, sc.tx, e.ID)
		if err != nil || !ok {
			return err
		}
		e.Status = domain.EscrowStatusCancelled
		e.Version++
		cancelled = true
		return sc.emit(ctx, domain.EventAutoCancel, "auto.cancel", domain.SystemActor, map[string]any{
			"expires_at": e.ExpiresAt,
		})
	})
	if err != nil {
		return false, err
	}
	return cancelled, nil
}

// settleDispute moves the funds of a disputed escrow the way resolution says
// and closes the dispute. Both parties are told the outcome.
func (s *Service) settleDispute(ctx context.Context, sc *txScope, actor domain.Actor, resolution domain.DisputeResolution, notes string) error {
	e := sc.escrow

	var err error
	if resolution == domain.ResolutionReleaseSeller {
		err = s.releaseTx(ctx, sc, actor)
	} else {
		err = s.refundTx(ctx, sc, actor)
	}
	if err != nil {
		return err
	}

	now := s.now()
	adminID := actor.UserID
	if e.Dispute == nil {
		e.Dispute = &domain.Dispute{}
	}
	e.Dispute.Open = false
	e.Dispute.Resolution = resolution
	e.Dispute.Notes = notes
	e.Dispute.ResolvedBy = &adminID
	e.Dispute.ResolvedAt = &now

	data := map[string]string{"resolution": string(resolution), "notes": notes}
	sc.notifyUser(e.BuyerID, "dispute.resolved", data)
	sc.notifyUser(e.SellerID, "dispute.resolved", data)
	return sc.emit(ctx, domain.EventDisputeResolved, "", actor, data)
}

// releaseTx pays Amount from the buyer's lock to the seller and returns any
// overpayment to the buyer.
func (s *Service) releaseTx(ctx context.Context, sc *txScope, actor domain.Actor) error {
	e := sc.escrow
	if err := sc.setStatus(domain.EscrowStatusReleased); err != nil {
		return err
	}
	if err := s.wallets.ReleaseToTx(ctx, sc.tx, e.BuyerID, e.SellerID, e.Currency, e.Amount, escrowRef(e.ID)); err != nil {
		return err
	}

	payload := map[string]any{"amount": e.Amount}
	if over := e.Overpayment(); over.IsPositive() {
		if _, err := s.wallets.RefundTx(ctx, sc.tx, e.BuyerID, e.Currency, over, escrowRef(e.ID)+":overpayment"); err != nil {
			return err
		}
		payload["overpayment_refunded"] = over
	}

	sc.notifyUser(e.SellerID, "escrow.released", payload)
	return sc.emit(ctx, domain.EventEscrowReleased, "", actor, payload)
}

func (s *Service) refundTx(ctx context.Context, sc *txScope, actor domain.Actor) error {
	e := sc.escrow
	if err := sc.setStatus(domain.EscrowStatusRefunded); err != nil {
		return err
	}
	if e.ReceivedAmount.IsPositive() {
		if _, err := s.wallets.RefundTx(ctx, sc.tx, e.BuyerID, e.Currency, e.ReceivedAmount, escrowRef(e.ID)); err != nil {
			return err
		}
	}

	payload := map[string]any{"amount": e.ReceivedAmount}
	sc.notifyUser(e.BuyerID, "escrow.refunded", payload)
	return sc.emit(ctx, domain.EventEscrowRefunded, "", actor, payload)
}

func counterparty(e *domain.Escrow, userID uuid.UUID) uuid.UUID {
	if userID == e.BuyerID {
		return e.SellerID
	}
	return e.BuyerID
}
