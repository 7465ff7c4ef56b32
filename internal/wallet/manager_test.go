package wallet_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/escrow-ledger/internal/custody"
	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/repository"
	"github.com/josh-kwaku/escrow-ledger/internal/testutil"
	"github.com/josh-kwaku/escrow-ledger/internal/wallet"
)

type fakeCustody struct {
	mu      sync.Mutex
	sendErr error
	sent    []custody.SendRequest
	reserve int
}

func (f *fakeCustody) ReserveDepositAddress(_ context.Context, currency domain.Currency, walletRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserve++
	return "addr-" + string(currency) + "-" + walletRef, nil
}

func (f *fakeCustody) SendFromWallet(_ context.Context, req custody.SendRequest) (*custody.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, req)
	return &custody.SendResult{TxID: "tx-" + req.Reference}, nil
}

func setupManager(t *testing.T, db *sql.DB, c *fakeCustody) *wallet.Manager {
	t.Helper()
	return wallet.NewManager(
		repository.NewWalletRepository(db),
		repository.NewLedgerRepository(db),
		c,
		db,
		"custody-secret",
	)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertBalances(t *testing.T, db *sql.DB, userID uuid.UUID, currency domain.Currency, available, locked string) {
	t.Helper()
	a, l := testutil.GetWalletBalances(t, db, userID, currency)
	assert.True(t, a.Equal(dec(available)), "available: want %s, got %s", available, a)
	assert.True(t, l.Equal(dec(locked)), "locked: want %s, got %s", locked, l)
}

func TestLockAndRefund(t *testing.T) {
	db := testutil.SetupTestDB(t)
	m := setupManager(t, db, &fakeCustody{})
	ctx := context.Background()

	user := uuid.New()
	testutil.SeedWallet(t, db, user, domain.CurrencyUSDT, "50")

	entry, err := m.Lock(ctx, user, domain.CurrencyUSDT, dec("30"), "order:1")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryTypeLock, entry.EntryType)
	assert.True(t, entry.BalanceAfter.Equal(dec("20")))
	assert.True(t, entry.LockedAfter.Equal(dec("30")))
	assertBalances(t, db, user, domain.CurrencyUSDT, "20", "30")

	_, err = m.Lock(ctx, user, domain.CurrencyUSDT, dec("30"), "order:2")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = m.Refund(ctx, user, domain.CurrencyUSDT, dec("30"), "order:1")
	require.NoError(t, err)
	assertBalances(t, db, user, domain.CurrencyUSDT, "50", "0")

	_, err = m.Refund(ctx, user, domain.CurrencyUSDT, dec("1"), "order:1")
	require.ErrorIs(t, err, domain.ErrInsufficientLocked)

	require.NoError(t, m.Verify(ctx, user, domain.CurrencyUSDT))
}

func TestLock_Concurrent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	m := setupManager(t, db, &fakeCustody{})
	ctx := context.Background()

	user := uuid.New()
	testutil.SeedWallet(t, db, user, domain.CurrencyUSDT, "50")

	var wg sync.WaitGroup
	results := make(chan error, 2)

	for i := range 2 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := m.Lock(ctx, user, domain.CurrencyUSDT, dec("30"), uuid.NewString())
			results <- err
		}(i)
	}

	wg.Wait()
	close(results)

	var successes, failures int
	for err := range results {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
			failures++
		}
	}

	assert.Equal(t, 1, successes, "exactly one lock should succeed")
	assert.Equal(t, 1, failures, "exactly one lock should fail")
	assertBalances(t, db, user, domain.CurrencyUSDT, "20", "30")
	require.NoError(t, m.Verify(ctx, user, domain.CurrencyUSDT))
}

func TestReleaseTo(t *testing.T) {
	db := testutil.SetupTestDB(t)
	m := setupManager(t, db, &fakeCustody{})
	ctx := context.Background()

	buyer, seller := uuid.New(), uuid.New()
	testutil.SeedWallet(t, db, buyer, domain.CurrencyBTC, "1.5")

	_, err := m.Lock(ctx, buyer, domain.CurrencyBTC, dec("1.25"), "escrow:x")
	require.NoError(t, err)

	before := testutil.SumAllBalances(t, db, domain.CurrencyBTC)

	require.NoError(t, m.ReleaseTo(ctx, buyer, seller, domain.CurrencyBTC, dec("1.25"), "escrow:x"))

	assertBalances(t, db, buyer, domain.CurrencyBTC, "0.25", "0")
	assertBalances(t, db, seller, domain.CurrencyBTC, "1.25", "0")
	assert.True(t, before.Equal(testutil.SumAllBalances(t, db, domain.CurrencyBTC)), "release must conserve value")
	entries, err := repository.NewLedgerRepository(db).GetByReference(ctx, "escrow:x")
	require.NoError(t, err)
	types := make([]domain.EntryType, 0, len(entries))
	for _, e := range entries {
		types = append(types, e.EntryType)
	}
	assert.Equal(t, []domain.EntryType{domain.EntryTypeLock, domain.EntryTypeRelease, domain.EntryTypeDeposit}, types,
		"lock, trade_release and deposit share the reference")

	require.NoError(t, m.Verify(ctx, buyer, domain.CurrencyBTC))
	require.NoError(t, m.Verify(ctx, seller, domain.CurrencyBTC))
}

func TestReleaseTo_Rejects(t *testing.T) {
	db := testutil.SetupTestDB(t)
	m := setupManager(t, db, &fakeCustody{})
	ctx := context.Background()

	buyer, seller := uuid.New(), uuid.New()
	testutil.SeedWallet(t, db, buyer, domain.CurrencyUSDT, "10")

	tests := []struct {
		name    string
		from    uuid.UUID
		to      uuid.UUID
		amount  string
		wantErr error
	}{
		{"self transfer", buyer, buyer, "1", domain.ErrSelfTransfer},
		{"nothing locked", buyer, seller, "1", domain.ErrInsufficientLocked},
		{"zero amount", buyer, seller, "0", domain.ErrInvalidAmount},
		{"too precise", buyer, seller, "0.0000001", domain.ErrAmountPrecision},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := m.ReleaseTo(ctx, tc.from, tc.to, domain.CurrencyUSDT, dec(tc.amount), "escrow:bad")
			require.ErrorIs(t, err, tc.wantErr)
		})
	}

	assertBalances(t, db, buyer, domain.CurrencyUSDT, "10", "0")
	assert.Equal(t, 0, testutil.CountLedgerEntries(t, db, "escrow:bad"))
}

func TestCredit_DuplicateReference(t *testing.T) {
	db := testutil.SetupTestDB(t)
	m := setupManager(t, db, &fakeCustody{})
	ctx := context.Background()

	user := uuid.New()
	_, err := m.Credit(ctx, user, domain.CurrencyNGN, dec("5000.50"), "admin:gift-1", map[string]any{"note": "gift card"})
	require.NoError(t, err)

	_, err = m.Credit(ctx, user, domain.CurrencyNGN, dec("5000.50"), "admin:gift-1", nil)
	require.ErrorIs(t, err, domain.ErrDuplicateEvent)

	assertBalances(t, db, user, domain.CurrencyNGN, "5000.50", "0")
}

func TestDepositAddressAndApplyDeposit(t *testing.T) {
	db := testutil.SetupTestDB(t)
	c := &fakeCustody{}
	m := setupManager(t, db, c)
	ctx := context.Background()

	user := uuid.New()
	addr, err := m.DepositAddress(ctx, user, domain.CurrencyLTC)
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	again, err := m.DepositAddress(ctx, user, domain.CurrencyLTC)
	require.NoError(t, err)
	assert.Equal(t, addr, again)
	assert.Equal(t, 1, c.reserve, "address is reserved once")

	wallets, err := m.WalletsByDepositAddresses(ctx, []string{addr, "someone-else"})
	require.NoError(t, err)
	require.Len(t, wallets, 1)

	dep := domain.DepositEvent{
		Provider:      "mock",
		TxID:          "ltc-1",
		Confirmations: 6,
		Outputs: []domain.DepositOutput{
			{Address: addr, Value: dec("0.4")},
			{Address: "change", Value: dec("9")},
			{Address: addr, Value: dec("0.1")},
		},
	}
	_, err = m.ApplyDeposit(ctx, wallets[0], dep)
	require.NoError(t, err)

	_, err = m.ApplyDeposit(ctx, wallets[0], dep)
	require.ErrorIs(t, err, domain.ErrDuplicateEvent)

	assertBalances(t, db, user, domain.CurrencyLTC, "0.5", "0")
	require.NoError(t, m.Verify(ctx, user, domain.CurrencyLTC))
}

func TestApplyDeposit_Precision(t *testing.T) {
	db := testutil.SetupTestDB(t)
	m := setupManager(t, db, &fakeCustody{})
	ctx := context.Background()

	user := uuid.New()
	addr, err := m.DepositAddress(ctx, user, domain.CurrencyUSDT)
	require.NoError(t, err)
	wallets, err := m.WalletsByDepositAddresses(ctx, []string{addr})
	require.NoError(t, err)
	require.Len(t, wallets, 1)

	deposit := func(txid, value string) domain.DepositEvent {
		return domain.DepositEvent{
			Provider:      "mock",
			TxID:          txid,
			Confirmations: 3,
			Outputs:       []domain.DepositOutput{{Address: addr, Value: dec(value)}},
		}
	}

	entry, err := m.ApplyDeposit(ctx, wallets[0], deposit("usdt-1", "10.1234567"))
	require.NoError(t, err)
	assert.True(t, entry.Amount.Equal(dec("10.123456")))
	var meta map[string]any
	require.NoError(t, json.Unmarshal(entry.Metadata, &meta))
	assert.Equal(t, "0.0000007", meta["dust"])

	_, err = m.ApplyDeposit(ctx, wallets[0], deposit("usdt-2", "0.0000004"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = m.ApplyDeposit(ctx, wallets[0], deposit("usdt-3", "0"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	assertBalances(t, db, user, domain.CurrencyUSDT, "10.123456", "0")
	require.NoError(t, m.Verify(ctx, user, domain.CurrencyUSDT))
}

func TestWithdraw(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	t.Run("sent", func(t *testing.T) {
		c := &fakeCustody{}
		m := setupManager(t, db, c)
		user := uuid.New()
		testutil.SeedWallet(t, db, user, domain.CurrencyETH, "2")

		wd, err := m.Withdraw(ctx, user, domain.CurrencyETH, dec("0.75"), "0xabc")
		require.NoError(t, err)
		assert.NotEmpty(t, wd.TxID)
		require.Len(t, c.sent, 1)
		assert.Equal(t, "custody-secret", c.sent[0].Secret)
		assert.Equal(t, wd.Reference, c.sent[0].Reference)

		assertBalances(t, db, user, domain.CurrencyETH, "1.25", "0")
		require.NoError(t, m.Verify(ctx, user, domain.CurrencyETH))
	})

	t.Run("custody failure refunds", func(t *testing.T) {
		c := &fakeCustody{sendErr: errors.Join(domain.ErrExternalProvider, errors.New("node offline"))}
		m := setupManager(t, db, c)
		user := uuid.New()
		testutil.SeedWallet(t, db, user, domain.CurrencyETH, "2")

		_, err := m.Withdraw(ctx, user, domain.CurrencyETH, dec("0.75"), "0xabc")
		require.ErrorIs(t, err, domain.ErrExternalProvider)

		assertBalances(t, db, user, domain.CurrencyETH, "2", "0")
		require.NoError(t, m.Verify(ctx, user, domain.CurrencyETH))
	})

	t.Run("insufficient funds never calls custody", func(t *testing.T) {
		c := &fakeCustody{}
		m := setupManager(t, db, c)
		user := uuid.New()
		testutil.SeedWallet(t, db, user, domain.CurrencyETH, "0.1")

		_, err := m.Withdraw(ctx, user, domain.CurrencyETH, dec("1"), "0xabc")
		require.ErrorIs(t, err, domain.ErrInsufficientFunds)
		assert.Empty(t, c.sent)
	})
}

func TestLedgerIsAppendOnly(t *testing.T) {
	db := testutil.SetupTestDB(t)
	user := uuid.New()
	w := testutil.SeedWallet(t, db, user, domain.CurrencyUSD, "10")

	_, err := db.Exec(`UPDATE ledger_entries SET amount = 1000 WHERE wallet_id = $1`, w.ID)
	require.Error(t, err)

	_, err = db.Exec(`DELETE FROM ledger_entries WHERE wallet_id = $1`, w.ID)
	require.Error(t, err)
}
