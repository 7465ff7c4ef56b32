package wallet

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/escrow-ledger/internal/custody"
	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/logging"
	"github.com/josh-kwaku/escrow-ledger/internal/repository"
)

type Withdrawal struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Currency  domain.Currency
	Amount    decimal.Decimal
	Address   string
	TxID      string
	Reference string
}

// Withdraw sends amount to an external address. Funds are locked before the
// custody call and either paid out of locked on success or refunded to
// available when custody fails.
func (m *Manager) Withdraw(ctx context.Context, userID uuid.UUID, currency domain.Currency, amount decimal.Decimal, address string) (*Withdrawal, error) {
	log := logging.FromContext(ctx)

	if address == "" {
		return nil, fmt.Errorf("Withdraw: address required: %w", domain.ErrValidation)
	}

	wd := &Withdrawal{
		ID:       uuid.New(),
		UserID:   userID,
		Currency: currency,
		Amount:   amount,
		Address:  address,
	}
	wd.Reference = "withdrawal:" + wd.ID.String()

	if _, err := m.Lock(ctx, userID, currency, amount, wd.Reference); err != nil {
		return nil, fmt.Errorf("Withdraw: %w", err)
	}

	w, err := m.wallets.GetByUserAndCurrency(ctx, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("Withdraw: %w", err)
	}

	res, sendErr := m.custody.SendFromWallet(ctx, custody.SendRequest{
		Currency:   currency,
		WalletRef:  w.ID.String(),
		Reference:  wd.Reference,
		Recipients: []custody.Recipient{{Address: address, Amount: amount}},
		Secret:     m.custodySecret,
	})
	if sendErr != nil {
		log.Warn("withdrawal send failed, refunding", "withdrawal_id", wd.ID, "error", sendErr)
		if _, err := m.Refund(ctx, userID, currency, amount, wd.Reference); err != nil {
			log.Error("withdrawal refund failed", "withdrawal_id", wd.ID, "error", err)
			return nil, fmt.Errorf("Withdraw: refund after %v: %w", sendErr, err)
		}
		return nil, fmt.Errorf("Withdraw: %w", sendErr)
	}
	wd.TxID = res.TxID

	err = repository.InTx(ctx, m.db, func(tx *sql.Tx) error {
		locked, err := m.wallets.GetForUpdate(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		meta := map[string]any{"txid": res.TxID, "address": address}
		_, err = m.apply(ctx, tx, locked, domain.EntryTypeWithdrawal, decimal.Zero, amount.Neg(), wd.Reference, meta)
		return err
	})
	if err != nil {
		// The coins already left custody; the lock stays in place for manual settlement.
		log.Error("withdrawal sent but not recorded", "withdrawal_id", wd.ID, "txid", res.TxID, "error", err)
		return nil, fmt.Errorf("Withdraw: record: %w", err)
	}

	log.Info("withdrawal sent",
		"withdrawal_id", wd.ID,
		"user_id", userID,
		"currency", currency,
		"amount", amount,
		"txid", res.TxID,
	)
	return wd, nil
}
