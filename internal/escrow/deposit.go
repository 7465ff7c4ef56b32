package escrow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/logging"
	"github.com/josh-kwaku/escrow-ledger/internal/money"
)

// Outcome says what ApplyDeposit did with a deposit notification.
type Outcome string

const (
	// OutcomeApplied means the value was counted toward the escrow.
	OutcomeApplied Outcome = "applied"
	// OutcomePending means the transaction is too shallow to count yet.
	OutcomePending Outcome = "pending"
	// OutcomeConfirmation means a counted transaction gained depth.
	OutcomeConfirmation Outcome = "confirmation"
	// OutcomeLate means the escrow had already finished and the value went
	// to the buyer's available balance.
	OutcomeLate Outcome = "late"
	// OutcomeRejected means nothing creditable was paid: the value rounds to
	// zero at the currency's precision. The sighting is kept for audit.
	OutcomeRejected Outcome = "rejected"
)

// ApplyDeposit folds one deposit notification into the escrow it pays.
// Deliveries that add nothing new return domain.ErrDuplicateEvent.
func (s *Service) ApplyDeposit(ctx context.Context, id uuid.UUID, dep domain.DepositEvent) (Outcome, error) {
	var outcome Outcome
	e, err := s.mutate(ctx, id, "ApplyDeposit", func(sc *txScope) error {
		var err error
		outcome, err = s.applyDeposit(ctx, sc, dep)
		return err
	})
	if err != nil {
		return "", err
	}

	logging.FromContext(ctx).Info("deposit applied",
		"escrow_id", id,
		"txid", dep.TxID,
		"outcome", outcome,
		"confirmations", dep.Confirmations,
		"received", e.ReceivedAmount,
		"status", e.Status,
	)
	return outcome, nil
}

func (s *Service) applyDeposit(ctx context.Context, sc *txScope, dep domain.DepositEvent) (Outcome, error) {
	e := sc.escrow
	if e.DepositAddress == nil {
		return "", fmt.Errorf("escrow has no deposit address: %w", domain.ErrValidation)
	}
	if dep.TxID == "" {
		return "", fmt.Errorf("txid required: %w", domain.ErrValidation)
	}

	value, dust := money.Quantize(dep.ValueTo(*e.DepositAddress), e.Currency)

	countedID := "tx:" + dep.TxID
	counted, err := s.escrows.HasEvent(ctx, sc.tx, e.ID, countedID)
	if err != nil {
		return "", err
	}

	if counted {
		if e.Status.IsTerminal() || dep.Confirmations <= e.Confirmations {
			return "", domain.ErrDuplicateEvent
		}
		e.Confirmations = dep.Confirmations
		sc.dirty = true
		if err := s.refreshFunding(sc); err != nil {
			return "", err
		}
		eventID := fmt.Sprintf("%s:conf:%d", countedID, dep.Confirmations)
		err := sc.emit(ctx, domain.EventWebhookConfirmation, eventID, domain.SystemActor, map[string]any{
			"txid":          dep.TxID,
			"confirmations": dep.Confirmations,
		})
		return OutcomeConfirmation, err
	}

	payload := map[string]any{
		"txid":          dep.TxID,
		"confirmations": dep.Confirmations,
		"outputs":       dep.Outputs,
	}
	if dust.IsPositive() {
		payload["dust"] = dust
	}

	if !value.IsPositive() {
		payload["credited"] = "0"
		payload["reason"] = "value below currency precision"
		err := sc.emit(ctx, domain.EventWebhookRejected, countedID+":rejected", domain.SystemActor, payload)
		return OutcomeRejected, err
	}

	if dep.Confirmations < s.opts.MinCreditConfirmations {
		payload["credited"] = "0"
		err := sc.emit(ctx, domain.EventWebhookPending, countedID+":pending", domain.SystemActor, payload)
		return OutcomePending, err
	}

	ref := escrowRef(e.ID) + ":tx:" + dep.TxID
	meta := map[string]any{"escrow_id": e.ID, "txid": dep.TxID, "provider": dep.Provider}
	if _, err := s.wallets.CreditTx(ctx, sc.tx, e.BuyerID, e.Currency, value, ref, meta); err != nil {
		return "", err
	}
	payload["credited"] = value

	if e.Status.IsTerminal() {
		sc.notifyUser(e.BuyerID, "deposit.late", payload)
		err := sc.emit(ctx, domain.EventWebhookLate, countedID, domain.SystemActor, payload)
		return OutcomeLate, err
	}

	if _, err := s.wallets.LockTx(ctx, sc.tx, e.BuyerID, e.Currency, value, ref); err != nil {
		return "", err
	}
	e.ReceivedAmount = e.ReceivedAmount.Add(value)
	e.Confirmations = max(e.Confirmations, dep.Confirmations)
	sc.dirty = true
	if err := s.refreshFunding(sc); err != nil {
		return "", err
	}

	err = sc.emit(ctx, domain.EventWebhook, countedID, domain.SystemActor, payload)
	return OutcomeApplied, err
}

// refreshFunding moves an escrow that is still collecting funds to the
// status its received amount and depth call for.
func (s *Service) refreshFunding(sc *txScope) error {
	e := sc.escrow
	if e.Status != domain.EscrowStatusCreated && e.Status != domain.EscrowStatusPartiallyFunded {
		return nil
	}
	next := e.FundingStatus()
	if next == e.Status {
		return nil
	}
	if err := sc.setStatus(next); err != nil {
		return err
	}
	if next == domain.EscrowStatusFunded {
		data := map[string]any{"received": e.ReceivedAmount}
		sc.notifyUser(e.BuyerID, "escrow.funded", data)
		sc.notifyUser(e.SellerID, "escrow.funded", data)
	}
	return nil
}
