package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
)

const ledgerColumns = `id, wallet_id, entry_type, amount, locked_delta, currency,
	reference, metadata, balance_after, locked_after, created_at`

type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Create appends entry and fills in its ID and CreatedAt. A second deposit
// with the same (wallet, reference) fails with domain.ErrDuplicateEvent.
func (r *LedgerRepository) Create(ctx context.Context, tx *sql.Tx, entry *domain.LedgerEntry) error {
	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	err := tx.QueryRowContext(ctx,
		`INSERT INTO ledger_entries (
			wallet_id, entry_type, amount, locked_delta, currency,
			reference, metadata, balance_after, locked_after
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		entry.WalletID, entry.EntryType, entry.Amount, entry.LockedDelta, entry.Currency,
		entry.Reference, string(metadata), entry.BalanceAfter, entry.LockedAfter,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("Create: reference %q: %w", entry.Reference, domain.ErrDuplicateEvent)
		}
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *LedgerRepository) GetByWalletID(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE wallet_id = $1`, walletID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("GetByWalletID: count: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE wallet_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`,
		walletID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("GetByWalletID: %w", err)
	}
	entries, err := collectLedgerEntries(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("GetByWalletID: %w", err)
	}
	return entries, total, nil
}

func (r *LedgerRepository) GetByReference(ctx context.Context, reference string) ([]domain.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE reference = $1 ORDER BY id`, reference,
	)
	if err != nil {
		return nil, fmt.Errorf("GetByReference: %w", err)
	}
	entries, err := collectLedgerEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("GetByReference: %w", err)
	}
	return entries, nil
}

// SumByWallet replays the ledger for a wallet, returning what its available
// and locked balances should be.
func (r *LedgerRepository) SumByWallet(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, decimal.Decimal, error) {
	var available, locked decimal.Decimal
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0), COALESCE(SUM(locked_delta), 0)
		FROM ledger_entries WHERE wallet_id = $1`, walletID,
	).Scan(&available, &locked)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("SumByWallet: %w", err)
	}
	return available, locked, nil
}

func collectLedgerEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return entries, nil
}

func scanLedgerEntry(s scanner) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var metadata []byte
	err := s.Scan(
		&e.ID, &e.WalletID, &e.EntryType, &e.Amount, &e.LockedDelta, &e.Currency,
		&e.Reference, &metadata, &e.BalanceAfter, &e.LockedAfter, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Metadata = metadata
	return &e, nil
}
