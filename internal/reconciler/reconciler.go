// Package reconciler matches custody deposit notifications to the escrows
// and wallets that own the paid addresses.
package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/escrow"
	"github.com/josh-kwaku/escrow-ledger/internal/logging"
)

type escrowLookup interface {
	ListByDepositAddresses(ctx context.Context, addresses []string) ([]domain.Escrow, error)
}

type depositApplier interface {
	ApplyDeposit(ctx context.Context, id uuid.UUID, dep domain.DepositEvent) (escrow.Outcome, error)
}

type walletDeposits interface {
	WalletsByDepositAddresses(ctx context.Context, addresses []string) ([]domain.Wallet, error)
	ApplyDeposit(ctx context.Context, w domain.Wallet, dep domain.DepositEvent) (*domain.LedgerEntry, error)
}

// Result counts what happened to each matched escrow or wallet.
type Result struct {
	Matched    int `json:"matched"`
	Applied    int `json:"applied"`
	Pending    int `json:"pending"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Failed     int `json:"failed"`
}

type Reconciler struct {
	escrows  escrowLookup
	applier  depositApplier
	wallets  walletDeposits
	minConfs int
}

func NewReconciler(escrows escrowLookup, applier depositApplier, wallets walletDeposits, minCreditConfirmations int) *Reconciler {
	return &Reconciler{
		escrows:  escrows,
		applier:  applier,
		wallets:  wallets,
		minConfs: minCreditConfirmations,
	}
}

// Reconcile applies dep to every escrow and wallet it pays. A failure on one
// target is logged and counted; the rest are still attempted. Only a failed
// address lookup is returned as an error.
func (r *Reconciler) Reconcile(ctx context.Context, dep domain.DepositEvent) (Result, error) {
	log := logging.FromContext(ctx).With("txid", dep.TxID, "provider", dep.Provider)
	addrs := dep.Addresses()

	escrows, err := r.escrows.ListByDepositAddresses(ctx, addrs)
	if err != nil {
		return Result{}, fmt.Errorf("Reconcile: %w", err)
	}
	var wallets []domain.Wallet
	if r.wallets != nil {
		wallets, err = r.wallets.WalletsByDepositAddresses(ctx, addrs)
		if err != nil {
			return Result{}, fmt.Errorf("Reconcile: %w", err)
		}
	}

	var res Result
	res.Matched = len(escrows) + len(wallets)

	for _, e := range escrows {
		outcome, err := r.applier.ApplyDeposit(ctx, e.ID, dep)
		switch {
		case errors.Is(err, domain.ErrDuplicateEvent):
			res.Duplicates++
		case err != nil:
			res.Failed++
			log.Error("failed to apply deposit to escrow", "escrow_id", e.ID, "error", err)
		case outcome == escrow.OutcomePending:
			res.Pending++
		case outcome == escrow.OutcomeRejected:
			res.Rejected++
			log.Warn("deposit below currency precision recorded without credit", "escrow_id", e.ID)
		default:
			res.Applied++
		}
	}

	for _, w := range wallets {
		if dep.Confirmations < r.minConfs {
			res.Pending++
			continue
		}
		_, err := r.wallets.ApplyDeposit(ctx, w, dep)
		switch {
		case errors.Is(err, domain.ErrDuplicateEvent):
			res.Duplicates++
		case errors.Is(err, domain.ErrInvalidAmount):
			res.Rejected++
			log.Warn("deposit below currency precision not credited",
				"wallet_id", w.ID,
				"address", *w.DepositAddress,
				"value", dep.ValueTo(*w.DepositAddress),
				"error", err,
			)
		case err != nil:
			res.Failed++
			log.Error("failed to apply deposit to wallet", "wallet_id", w.ID, "error", err)
		default:
			res.Applied++
		}
	}

	log.Info("deposit reconciled",
		"matched", res.Matched,
		"applied", res.Applied,
		"pending", res.Pending,
		"duplicates", res.Duplicates,
		"rejected", res.Rejected,
		"failed", res.Failed,
	)
	return res, nil
}
