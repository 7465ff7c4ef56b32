package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
)

const walletColumns = `id, user_id, currency, available, locked, deposit_address,
	version, created_at, updated_at`

type WalletRepository struct {
	db *sql.DB
}

func NewWalletRepository(db *sql.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

// Ensure returns the (userID, currency) wallet, creating an empty one if none exists.
func (r *WalletRepository) Ensure(ctx context.Context, userID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	w, err := ensureWallet(ctx, r.db, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("Ensure: %w", err)
	}
	return w, nil
}

// EnsureTx is Ensure inside the caller's transaction.
func (r *WalletRepository) EnsureTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	w, err := ensureWallet(ctx, tx, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("EnsureTx: %w", err)
	}
	return w, nil
}

func ensureWallet(ctx context.Context, q querier, userID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	_, err := q.ExecContext(ctx,
		`INSERT INTO wallets (id, user_id, currency) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, currency) DO NOTHING`,
		uuid.New(), userID, currency,
	)
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}

	row := q.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 AND currency = $2`,
		userID, currency,
	)
	w, err := scanWallet(row)
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	return w, nil
}

func (r *WalletRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Wallet, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id,
	)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return w, nil
}

func (r *WalletRepository) GetByUserAndCurrency(ctx context.Context, userID uuid.UUID, currency domain.Currency) (*domain.Wallet, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 AND currency = $2`,
		userID, currency,
	)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByUserAndCurrency: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByUserAndCurrency: %w", err)
	}
	return w, nil
}

func (r *WalletRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Wallet, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 ORDER BY currency`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("GetByUserID: %w", err)
	}
	wallets, err := collectWallets(rows)
	if err != nil {
		return nil, fmt.Errorf("GetByUserID: %w", err)
	}
	return wallets, nil
}

func (r *WalletRepository) ListByDepositAddresses(ctx context.Context, addresses []string) ([]domain.Wallet, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE deposit_address = ANY($1)`,
		pq.Array(addresses),
	)
	if err != nil {
		return nil, fmt.Errorf("ListByDepositAddresses: %w", err)
	}
	wallets, err := collectWallets(rows)
	if err != nil {
		return nil, fmt.Errorf("ListByDepositAddresses: %w", err)
	}
	return wallets, nil
}

func (r *WalletRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Wallet, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id,
	)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return w, nil
}

// UpdateBalances writes w's balances if nobody else has bumped its version
// since it was read, then advances w.Version.
func (r *WalletRepository) UpdateBalances(ctx context.Context, tx *sql.Tx, w *domain.Wallet) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE wallets SET available = $1, locked = $2, version = version + 1, updated_at = now()
		WHERE id = $3 AND version = $4`,
		w.Available, w.Locked, w.ID, w.Version,
	)
	if err != nil {
		return fmt.Errorf("UpdateBalances: %w", err)
	}
	if err := expectOneRow(res, "UpdateBalances"); err != nil {
		return err
	}
	w.Version++
	return nil
}

// SetDepositAddress stores address unless the wallet already has one. It
// reports whether address was stored.
func (r *WalletRepository) SetDepositAddress(ctx context.Context, id uuid.UUID, address string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE wallets SET deposit_address = $1, updated_at = now()
		WHERE id = $2 AND deposit_address IS NULL`,
		address, id,
	)
	if err != nil {
		return false, fmt.Errorf("SetDepositAddress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("SetDepositAddress: rows affected: %w", err)
	}
	return n == 1, nil
}

func collectWallets(rows *sql.Rows) ([]domain.Wallet, error) {
	defer rows.Close()

	var wallets []domain.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		wallets = append(wallets, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return wallets, nil
}

func scanWallet(s scanner) (*domain.Wallet, error) {
	var w domain.Wallet
	err := s.Scan(
		&w.ID, &w.UserID, &w.Currency, &w.Available, &w.Locked, &w.DepositAddress,
		&w.Version, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
