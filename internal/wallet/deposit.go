package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/logging"
	"github.com/josh-kwaku/escrow-ledger/internal/money"
)

// DepositAddress returns the wallet's custody deposit address, reserving one
// the first time it is asked for.
func (m *Manager) DepositAddress(ctx context.Context, userID uuid.UUID, currency domain.Currency) (string, error) {
	w, err := m.EnsureWallet(ctx, userID, currency)
	if err != nil {
		return "", fmt.Errorf("DepositAddress: %w", err)
	}
	if w.DepositAddress != nil {
		return *w.DepositAddress, nil
	}

	addr, err := m.custody.ReserveDepositAddress(ctx, currency, "wallet:"+w.ID.String())
	if err != nil {
		return "", fmt.Errorf("DepositAddress: %w", err)
	}

	stored, err := m.wallets.SetDepositAddress(ctx, w.ID, addr)
	if err != nil {
		return "", fmt.Errorf("DepositAddress: %w", err)
	}
	if !stored {
		// A concurrent request won; use its address.
		w, err = m.wallets.GetByID(ctx, w.ID)
		if err != nil {
			return "", fmt.Errorf("DepositAddress: %w", err)
		}
		return *w.DepositAddress, nil
	}

	logging.FromContext(ctx).Info("deposit address reserved", "wallet_id", w.ID, "currency", currency)
	return addr, nil
}

// WalletsByDepositAddresses finds wallets whose own deposit address appears in addresses.
func (m *Manager) WalletsByDepositAddresses(ctx context.Context, addresses []string) ([]domain.Wallet, error) {
	wallets, err := m.wallets.ListByDepositAddresses(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("WalletsByDepositAddresses: %w", err)
	}
	return wallets, nil
}

// ApplyDeposit credits w with the outputs of dep paid to its deposit address,
// truncated to the currency's precision; the remainder is kept in the entry
// metadata. A txid is credited at most once per wallet; a replay returns
// domain.ErrDuplicateEvent. Nothing creditable yields domain.ErrInvalidAmount.
func (m *Manager) ApplyDeposit(ctx context.Context, w domain.Wallet, dep domain.DepositEvent) (*domain.LedgerEntry, error) {
	if w.DepositAddress == nil {
		return nil, fmt.Errorf("ApplyDeposit: wallet has no deposit address: %w", domain.ErrValidation)
	}
	value, dust := money.Quantize(dep.ValueTo(*w.DepositAddress), w.Currency)
	if !value.IsPositive() {
		return nil, fmt.Errorf("ApplyDeposit: %s paid %s below %s precision: %w",
			dep.TxID, dust, w.Currency, domain.ErrInvalidAmount)
	}

	meta := map[string]any{
		"txid":          dep.TxID,
		"provider":      dep.Provider,
		"confirmations": dep.Confirmations,
		"address":       *w.DepositAddress,
	}
	if dust.IsPositive() {
		meta["dust"] = dust
	}
	entry, err := m.Credit(ctx, w.UserID, w.Currency, value, "deposit:"+dep.TxID, meta)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			return nil, fmt.Errorf("ApplyDeposit: %w", domain.ErrDuplicateEvent)
		}
		return nil, fmt.Errorf("ApplyDeposit: %w", err)
	}
	return entry, nil
}
