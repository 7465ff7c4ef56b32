// Package wallet keeps per-user, per-currency balances. Every balance change
// goes through a locked wallet row and writes one ledger entry in the same
// transaction.
package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/escrow-ledger/internal/custody"
	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/logging"
	"github.com/josh-kwaku/escrow-ledger/internal/money"
	"github.com/josh-kwaku/escrow-ledger/internal/repository"
)

type walletRepo interface {
	Ensure(ctx context.Context, userID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	EnsureTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error)
	GetByUserAndCurrency(ctx context.Context, userID uuid.UUID, currency domain.Currency) (*domain.Wallet, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Wallet, error)
	ListByDepositAddresses(ctx context.Context, addresses []string) ([]domain.Wallet, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Wallet, error)
	UpdateBalances(ctx context.Context, tx *sql.Tx, w *domain.Wallet) error
	SetDepositAddress(ctx context.Context, id uuid.UUID, address string) (bool, error)
}

type ledgerRepo interface {
	Create(ctx context.Context, tx *sql.Tx, entry *domain.LedgerEntry) error
	GetByWalletID(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, int, error)
	SumByWallet(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, decimal.Decimal, error)
}

type custodyClient interface {
	ReserveDepositAddress(ctx context.Context, currency domain.Currency, walletRef string) (string, error)
	SendFromWallet(ctx context.Context, req custody.SendRequest) (*custody.SendResult, error)
}

type Manager struct {
	wallets       walletRepo
	ledger        ledgerRepo
	custody       custodyClient
	db            *sql.DB
	custodySecret string
}

func NewManager(wallets walletRepo, ledger ledgerRepo, custody custodyClient, db *sql.DB, custodySecret string) *Manager {
	return &Manager{
		wallets:       wallets,
		ledger:        ledger,
		custody:       custody,
		db:            db,
		custodySecret: custodySecret,
	}
}

// EnsureWallet returns the user's wallet in currency, creating it if needed.
func (m *Manager) EnsureWallet(ctx context.Context, userID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	if !currency.IsValid() {
		return nil, fmt.Errorf("EnsureWallet: %w", domain.ErrInvalidCurrency)
	}
	w, err := m.wallets.Ensure(ctx, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("EnsureWallet: %w", err)
	}
	return w, nil
}

func (m *Manager) ListWallets(ctx context.Context, userID uuid.UUID) ([]domain.Wallet, error) {
	wallets, err := m.wallets.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ListWallets: %w", err)
	}
	return wallets, nil
}

// Statement returns the user's ledger entries in currency, newest first, with the total count.
func (m *Manager) Statement(ctx context.Context, userID uuid.UUID, currency domain.Currency, limit, offset int) ([]domain.LedgerEntry, int, error) {
	w, err := m.wallets.GetByUserAndCurrency(ctx, userID, currency)
	if err != nil {
		return nil, 0, fmt.Errorf("Statement: %w", err)
	}
	entries, total, err := m.ledger.GetByWalletID(ctx, w.ID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("Statement: %w", err)
	}
	return entries, total, nil
}

// Credit adds amount to the user's available balance.
func (m *Manager) Credit(ctx context.Context, userID uuid.UUID, currency domain.Currency, amount decimal.Decimal, reference string, meta map[string]any) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	err := repository.InTx(ctx, m.db, func(tx *sql.Tx) error {
		var err error
		entry, err = m.CreditTx(ctx, tx, userID, currency, amount, reference, meta)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Credit: %w", err)
	}
	logging.FromContext(ctx).Info("wallet credited",
		"user_id", userID, "currency", currency, "amount", amount, "reference", reference)
	return entry, nil
}

func (m *Manager) CreditTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, currency domain.Currency, amount decimal.Decimal, reference string, meta map[string]any) (*domain.LedgerEntry, error) {
	if err := checkAmount(amount, currency); err != nil {
		return nil, fmt.Errorf("CreditTx: %w", err)
	}
	w, err := m.lockWallet(ctx, tx, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("CreditTx: %w", err)
	}
	entry, err := m.apply(ctx, tx, w, domain.EntryTypeDeposit, amount, decimal.Zero, reference, meta)
	if err != nil {
		return nil, fmt.Errorf("CreditTx: %w", err)
	}
	return entry, nil
}

// Lock moves amount from available to locked.
func (m *Manager) Lock(ctx context.Context, userID uuid.UUID, currency domain.Currency, amount decimal.Decimal, reference string) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	err := repository.InTx(ctx, m.db, func(tx *sql.Tx) error {
		var err error
		entry, err = m.LockTx(ctx, tx, userID, currency, amount, reference)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Lock: %w", err)
	}
	return entry, nil
}

func (m *Manager) LockTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, currency domain.Currency, amount decimal.Decimal, reference string) (*domain.LedgerEntry, error) {
	if err := checkAmount(amount, currency); err != nil {
		return nil, fmt.Errorf("LockTx: %w", err)
	}
	w, err := m.lockWallet(ctx, tx, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("LockTx: %w", err)
	}
	entry, err := m.apply(ctx, tx, w, domain.EntryTypeLock, amount.Neg(), amount, reference, nil)
	if err != nil {
		return nil, fmt.Errorf("LockTx: %w", err)
	}
	return entry, nil
}

// Refund moves amount from locked back to available.
func (m *Manager) Refund(ctx context.Context, userID uuid.UUID, currency domain.Currency, amount decimal.Decimal, reference string) (*domain.LedgerEntry, error) {
	var entry *domain.LedgerEntry
	err := repository.InTx(ctx, m.db, func(tx *sql.Tx) error {
		var err error
		entry, err = m.RefundTx(ctx, tx, userID, currency, amount, reference)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Refund: %w", err)
	}
	return entry, nil
}

func (m *Manager) RefundTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, currency domain.Currency, amount decimal.Decimal, reference string) (*domain.LedgerEntry, error) {
	if err := checkAmount(amount, currency); err != nil {
		return nil, fmt.Errorf("RefundTx: %w", err)
	}
	w, err := m.lockWallet(ctx, tx, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("RefundTx: %w", err)
	}
	entry, err := m.apply(ctx, tx, w, domain.EntryTypeRefund, amount, amount.Neg(), reference, nil)
	if err != nil {
		return nil, fmt.Errorf("RefundTx: %w", err)
	}
	return entry, nil
}

// ReleaseTo pays amount out of from's locked balance into to's available balance.
func (m *Manager) ReleaseTo(ctx context.Context, from, to uuid.UUID, currency domain.Currency, amount decimal.Decimal, reference string) error {
	err := repository.InTx(ctx, m.db, func(tx *sql.Tx) error {
		return m.ReleaseToTx(ctx, tx, from, to, currency, amount, reference)
	})
	if err != nil {
		return fmt.Errorf("ReleaseTo: %w", err)
	}
	return nil
}

func (m *Manager) ReleaseToTx(ctx context.Context, tx *sql.Tx, from, to uuid.UUID, currency domain.Currency, amount decimal.Decimal, reference string) error {
	if from == to {
		return fmt.Errorf("ReleaseToTx: %w", domain.ErrSelfTransfer)
	}
	if err := checkAmount(amount, currency); err != nil {
		return fmt.Errorf("ReleaseToTx: %w", err)
	}

	src, err := m.wallets.EnsureTx(ctx, tx, from, currency)
	if err != nil {
		return fmt.Errorf("ReleaseToTx: %w", err)
	}
	dst, err := m.wallets.EnsureTx(ctx, tx, to, currency)
	if err != nil {
		return fmt.Errorf("ReleaseToTx: %w", err)
	}

	locked, err := lockWalletsInOrder(ctx, tx, m.wallets, src.ID, dst.ID)
	if err != nil {
		return fmt.Errorf("ReleaseToTx: %w", err)
	}

	meta := map[string]any{"counterparty": to.String()}
	if _, err := m.apply(ctx, tx, locked[src.ID], domain.EntryTypeRelease, decimal.Zero, amount.Neg(), reference, meta); err != nil {
		return fmt.Errorf("ReleaseToTx: debit: %w", err)
	}
	meta = map[string]any{"counterparty": from.String()}
	if _, err := m.apply(ctx, tx, locked[dst.ID], domain.EntryTypeDeposit, amount, decimal.Zero, reference, meta); err != nil {
		return fmt.Errorf("ReleaseToTx: credit: %w", err)
	}
	return nil
}

// Verify replays the wallet's ledger and compares it with the stored balances.
func (m *Manager) Verify(ctx context.Context, userID uuid.UUID, currency domain.Currency) error {
	w, err := m.wallets.GetByUserAndCurrency(ctx, userID, currency)
	if err != nil {
		return fmt.Errorf("Verify: %w", err)
	}
	available, locked, err := m.ledger.SumByWallet(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("Verify: %w", err)
	}
	if !available.Equal(w.Available) || !locked.Equal(w.Locked) {
		return fmt.Errorf("Verify: wallet %s has %s/%s, ledger says %s/%s: %w",
			w.ID, w.Available, w.Locked, available, locked, domain.ErrLedgerMismatch)
	}
	return nil
}

func (m *Manager) lockWallet(ctx context.Context, tx *sql.Tx, userID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	w, err := m.wallets.EnsureTx(ctx, tx, userID, currency)
	if err != nil {
		return nil, err
	}
	return m.wallets.GetForUpdate(ctx, tx, w.ID)
}

// apply changes the locked wallet w by the given deltas and records the
// matching ledger entry. Balances are checked after the row lock is held.
func (m *Manager) apply(ctx context.Context, tx *sql.Tx, w *domain.Wallet, entryType domain.EntryType, availableDelta, lockedDelta decimal.Decimal, reference string, meta map[string]any) (*domain.LedgerEntry, error) {
	available := w.Available.Add(availableDelta)
	locked := w.Locked.Add(lockedDelta)

	if available.IsNegative() {
		return nil, fmt.Errorf("apply: %w", domain.ErrInsufficientFunds)
	}
	if locked.IsNegative() {
		return nil, fmt.Errorf("apply: %w", domain.ErrInsufficientLocked)
	}

	w.Available, w.Locked = available, locked
	if err := m.wallets.UpdateBalances(ctx, tx, w); err != nil {
		return nil, fmt.Errorf("apply: %w", err)
	}

	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("apply: metadata: %w", err)
	}
	if meta == nil {
		metadata = nil
	}

	entry := &domain.LedgerEntry{
		WalletID:     w.ID,
		EntryType:    entryType,
		Amount:       availableDelta,
		LockedDelta:  lockedDelta,
		Currency:     w.Currency,
		Reference:    reference,
		Metadata:     metadata,
		BalanceAfter: available,
		LockedAfter:  locked,
	}
	if err := m.ledger.Create(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("apply: %w", err)
	}
	return entry, nil
}

func checkAmount(amount decimal.Decimal, currency domain.Currency) error {
	return money.Validate(amount, currency)
}

// lockWalletsInOrder takes row locks in a fixed id order so two transfers
// touching the same pair of wallets cannot deadlock.
func lockWalletsInOrder(ctx context.Context, tx *sql.Tx, wallets walletRepo, ids ...uuid.UUID) (map[uuid.UUID]*domain.Wallet, error) {
	sorted := make([]uuid.UUID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})

	result := make(map[uuid.UUID]*domain.Wallet, len(ids))
	for _, id := range sorted {
		w, err := wallets.GetForUpdate(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("lockWalletsInOrder: %w", err)
		}
		result[id] = w
	}
	return result, nil
}
