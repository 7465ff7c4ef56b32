package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
)

// SeedWallet creates a wallet holding available, backed by a single deposit
// entry so the ledger still sums to the balance.
func SeedWallet(t *testing.T, db *sql.DB, userID uuid.UUID, currency domain.Currency, available string) *domain.Wallet {
	t.Helper()

	amount := decimal.RequireFromString(available)
	w := &domain.Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  currency,
		Available: amount,
		Locked:    decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}

	_, err := db.Exec(
		`INSERT INTO wallets (id, user_id, currency, available, locked, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $5)`,
		w.ID, w.UserID, w.Currency, w.Available, w.CreatedAt,
	)
	if err != nil {
		t.Fatalf("seed wallet %s/%s: %v", userID, currency, err)
	}

	if amount.IsPositive() {
		_, err = db.Exec(
			`INSERT INTO ledger_entries (wallet_id, entry_type, amount, locked_delta, currency, reference, balance_after, locked_after)
			 VALUES ($1, 'deposit', $2, 0, $3, $4, $2, 0)`,
			w.ID, amount, currency, "seed:"+w.ID.String(),
		)
		if err != nil {
			t.Fatalf("seed opening entry %s: %v", w.ID, err)
		}
	}
	return w
}

func GetWalletBalances(t *testing.T, db *sql.DB, userID uuid.UUID, currency domain.Currency) (available, locked decimal.Decimal) {
	t.Helper()

	err := db.QueryRow(
		`SELECT available, locked FROM wallets WHERE user_id = $1 AND currency = $2`,
		userID, currency,
	).Scan(&available, &locked)
	if err == sql.ErrNoRows {
		return decimal.Zero, decimal.Zero
	}
	if err != nil {
		t.Fatalf("get wallet balances %s/%s: %v", userID, currency, err)
	}
	return available, locked
}

func CountLedgerEntries(t *testing.T, db *sql.DB, reference string) int {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM ledger_entries WHERE reference = $1`, reference).Scan(&count)
	if err != nil {
		t.Fatalf("count ledger entries for %s: %v", reference, err)
	}
	return count
}

// SumAllBalances totals available plus locked across every wallet in currency.
func SumAllBalances(t *testing.T, db *sql.DB, currency domain.Currency) decimal.Decimal {
	t.Helper()

	var total decimal.Decimal
	err := db.QueryRow(
		`SELECT COALESCE(SUM(available + locked), 0) FROM wallets WHERE currency = $1`, currency,
	).Scan(&total)
	if err != nil {
		t.Fatalf("sum balances %s: %v", currency, err)
	}
	return total
}

// BackdateEscrow moves an escrow's expiry into the past.
func BackdateEscrow(t *testing.T, db *sql.DB, id uuid.UUID) {
	t.Helper()

	_, err := db.Exec(`UPDATE escrows SET expires_at = now() - interval '1 minute' WHERE id = $1`, id)
	if err != nil {
		t.Fatalf("backdate escrow %s: %v", id, err)
	}
}

func CountEscrowEvents(t *testing.T, db *sql.DB, id uuid.UUID, eventType domain.EscrowEventType) int {
	t.Helper()

	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM escrow_events WHERE escrow_id = $1 AND event_type = $2`, id, eventType,
	).Scan(&count)
	if err != nil {
		t.Fatalf("count escrow events %s: %v", id, err)
	}
	return count
}
