package escrow_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/escrow-ledger/internal/custody"
	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/escrow"
	"github.com/josh-kwaku/escrow-ledger/internal/notify"
	"github.com/josh-kwaku/escrow-ledger/internal/repository"
	"github.com/josh-kwaku/escrow-ledger/internal/sweeper"
	"github.com/josh-kwaku/escrow-ledger/internal/testutil"
	"github.com/josh-kwaku/escrow-ledger/internal/wallet"
)

type fakeCustody struct {
	reserveErr error
}

func (f *fakeCustody) ReserveDepositAddress(_ context.Context, currency domain.Currency, walletRef string) (string, error) {
	if f.reserveErr != nil {
		return "", f.reserveErr
	}
	return "dep-" + string(currency) + "-" + walletRef, nil
}

func (f *fakeCustody) SendFromWallet(_ context.Context, req custody.SendRequest) (*custody.SendResult, error) {
	return &custody.SendResult{TxID: "tx-" + req.Reference}, nil
}

type fixture struct {
	db      *sql.DB
	svc     *escrow.Service
	wallets *wallet.Manager
	repo    *repository.EscrowRepository
	hub     *notify.Hub
	custody *fakeCustody
	buyer   domain.Actor
	seller  domain.Actor
	admin   domain.Actor
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)

	f := &fixture{
		db:      db,
		repo:    repository.NewEscrowRepository(db),
		hub:     notify.NewHub(slog.Default()),
		custody: &fakeCustody{},
		buyer:   domain.Actor{UserID: uuid.New(), Role: domain.RoleUser},
		seller:  domain.Actor{UserID: uuid.New(), Role: domain.RoleUser},
		admin:   domain.Actor{UserID: uuid.New(), Role: domain.RoleAdmin},
	}
	f.wallets = wallet.NewManager(
		repository.NewWalletRepository(db),
		repository.NewLedgerRepository(db),
		f.custody,
		db,
		"",
	)
	f.svc = escrow.NewService(f.repo, f.wallets, f.custody, f.hub, db, escrow.Options{
		MinCreditConfirmations: 1,
		DefaultDuration:        24 * time.Hour,
	})
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func intPtr(n int) *int { return &n }

func (f *fixture) createCustody(t *testing.T, amount string, confs int) *domain.Escrow {
	t.Helper()
	e, err := f.svc.Create(context.Background(), escrow.CreateRequest{
		BuyerID:               f.buyer.UserID,
		SellerID:              f.seller.UserID,
		Currency:              domain.CurrencyUSDT,
		Amount:                dec(amount),
		Kind:                  domain.EscrowKindCustody,
		ConfirmationsRequired: intPtr(confs),
	}, f.buyer)
	require.NoError(t, err)
	require.NotNil(t, e.DepositAddress)
	return e
}

func (f *fixture) deposit(t *testing.T, e *domain.Escrow, txid, value string, confs int) (escrow.Outcome, error) {
	t.Helper()
	return f.svc.ApplyDeposit(context.Background(), e.ID, domain.DepositEvent{
		Provider:      "mock",
		TxID:          txid,
		Confirmations: confs,
		Outputs:       []domain.DepositOutput{{Address: *e.DepositAddress, Value: dec(value)}},
	})
}

func (f *fixture) funded(t *testing.T, amount string) *domain.Escrow {
	t.Helper()
	e := f.createCustody(t, amount, 1)
	_, err := f.deposit(t, e, "fund-"+e.ID.String(), amount, 1)
	require.NoError(t, err)
	return f.get(t, e.ID)
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *domain.Escrow {
	t.Helper()
	e, err := f.svc.Get(context.Background(), id, f.admin)
	require.NoError(t, err)
	return e
}

func (f *fixture) assertBalances(t *testing.T, user uuid.UUID, available, locked string) {
	t.Helper()
	a, l := testutil.GetWalletBalances(t, f.db, user, domain.CurrencyUSDT)
	assert.True(t, a.Equal(dec(available)), "available: want %s, got %s", available, a)
	assert.True(t, l.Equal(dec(locked)), "locked: want %s, got %s", locked, l)
}

func (f *fixture) verifyLedgers(t *testing.T) {
	t.Helper()
	for _, u := range []uuid.UUID{f.buyer.UserID, f.seller.UserID} {
		err := f.wallets.Verify(context.Background(), u, domain.CurrencyUSDT)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		require.NoError(t, err)
	}
}

func eventTypes(e *domain.Escrow) []domain.EscrowEventType {
	types := make([]domain.EscrowEventType, 0, len(e.Events))
	for _, ev := range e.Events {
		types = append(types, ev.Type)
	}
	return types
}

func TestCustodyFunding_PartialThenFull(t *testing.T) {
	f := setup(t)
	e := f.createCustody(t, "100", 2)
	assert.Equal(t, domain.EscrowStatusCreated, e.Status)

	outcome, err := f.deposit(t, e, "T1", "60", 1)
	require.NoError(t, err)
	assert.Equal(t, escrow.OutcomeApplied, outcome)

	got := f.get(t, e.ID)
	assert.Equal(t, domain.EscrowStatusPartiallyFunded, got.Status)
	assert.True(t, got.ReceivedAmount.Equal(dec("60")))

	_, err = f.deposit(t, e, "T2", "40", 2)
	require.NoError(t, err)

	got = f.get(t, e.ID)
	assert.Equal(t, domain.EscrowStatusFunded, got.Status)
	assert.True(t, got.ReceivedAmount.Equal(dec("100")))
	assert.Equal(t, 2, got.Confirmations)
	f.assertBalances(t, f.buyer.UserID, "0", "100")

	assert.Equal(t, []domain.EscrowEventType{
		domain.EventEscrowCreated, domain.EventWebhook, domain.EventWebhook,
	}, eventTypes(got))
	for i, ev := range got.Events {
		assert.Equal(t, i+1, ev.Seq, "events are numbered in order")
	}

	_, err = f.svc.Confirm(context.Background(), e.ID, f.buyer)
	require.NoError(t, err)
	released, err := f.svc.Confirm(context.Background(), e.ID, f.seller)
	require.NoError(t, err)

	assert.Equal(t, domain.EscrowStatusReleased, released.Status)
	f.assertBalances(t, f.buyer.UserID, "0", "0")
	f.assertBalances(t, f.seller.UserID, "100", "0")
	f.verifyLedgers(t)
}

func TestApplyDeposit_Replays(t *testing.T) {
	f := setup(t)
	e := f.createCustody(t, "100", 6)

	_, err := f.deposit(t, e, "T1", "60", 1)
	require.NoError(t, err)

	_, err = f.deposit(t, e, "T1", "60", 1)
	require.ErrorIs(t, err, domain.ErrDuplicateEvent)

	outcome, err := f.deposit(t, e, "T1", "60", 3)
	require.NoError(t, err)
	assert.Equal(t, escrow.OutcomeConfirmation, outcome)

	_, err = f.deposit(t, e, "T1", "60", 2)
	require.ErrorIs(t, err, domain.ErrDuplicateEvent, "a shallower replay adds nothing")

	got := f.get(t, e.ID)
	assert.True(t, got.ReceivedAmount.Equal(dec("60")), "value is counted once")
	assert.Equal(t, 3, got.Confirmations)
	assert.Equal(t, 2, testutil.CountLedgerEntries(t, f.db, "escrow:"+e.ID.String()+":tx:T1"))
	f.assertBalances(t, f.buyer.UserID, "0", "60")
	f.verifyLedgers(t)
}

func TestApplyDeposit_BelowMinimumConfirmations(t *testing.T) {
	f := setup(t)
	e := f.createCustody(t, "100", 1)

	outcome, err := f.deposit(t, e, "T1", "100", 0)
	require.NoError(t, err)
	assert.Equal(t, escrow.OutcomePending, outcome)

	got := f.get(t, e.ID)
	assert.Equal(t, domain.EscrowStatusCreated, got.Status)
	assert.True(t, got.ReceivedAmount.IsZero())
	assert.Equal(t, 1, testutil.CountEscrowEvents(t, f.db, e.ID, domain.EventWebhookPending))

	_, err = f.deposit(t, e, "T1", "100", 0)
	require.ErrorIs(t, err, domain.ErrDuplicateEvent)

	outcome, err = f.deposit(t, e, "T1", "100", 1)
	require.NoError(t, err)
	assert.Equal(t, escrow.OutcomeApplied, outcome)
	assert.Equal(t, domain.EscrowStatusFunded, f.get(t, e.ID).Status)
}

func TestApplyDeposit_DepthFundsEscrow(t *testing.T) {
	f := setup(t)
	e := f.createCustody(t, "100", 2)

	_, err := f.deposit(t, e, "T1", "100", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusPartiallyFunded, f.get(t, e.ID).Status)

	_, err = f.deposit(t, e, "T1", "100", 2)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusFunded, f.get(t, e.ID).Status)
}

func TestApplyDeposit_LateDepositCreditsBuyer(t *testing.T) {
	f := setup(t)
	e := f.createCustody(t, "100", 1)

	_, err := f.svc.Cancel(context.Background(), e.ID, f.seller)
	require.NoError(t, err)

	outcome, err := f.deposit(t, e, "T9", "25", 3)
	require.NoError(t, err)
	assert.Equal(t, escrow.OutcomeLate, outcome)

	got := f.get(t, e.ID)
	assert.Equal(t, domain.EscrowStatusCancelled, got.Status)
	assert.True(t, got.ReceivedAmount.IsZero())
	f.assertBalances(t, f.buyer.UserID, "25", "0")

	_, err = f.deposit(t, e, "T9", "25", 4)
	require.ErrorIs(t, err, domain.ErrDuplicateEvent)
	f.verifyLedgers(t)
}

func TestApplyDeposit_SubPrecisionValue(t *testing.T) {
	f := setup(t)
	e := f.createCustody(t, "10", 1)

	outcome, err := f.deposit(t, e, "T1", "10.1234567", 1)
	require.NoError(t, err)
	assert.Equal(t, escrow.OutcomeApplied, outcome)

	got := f.get(t, e.ID)
	assert.Equal(t, domain.EscrowStatusFunded, got.Status)
	assert.True(t, got.ReceivedAmount.Equal(dec("10.123456")), "credited at currency precision")
	f.assertBalances(t, f.buyer.UserID, "0", "10.123456")

	var payload map[string]any
	for _, ev := range got.Events {
		if ev.Type == domain.EventWebhook {
			require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		}
	}
	require.NotNil(t, payload)
	assert.Equal(t, "0.0000007", payload["dust"])
	f.verifyLedgers(t)
}

func TestApplyDeposit_DustOnlyIsRecorded(t *testing.T) {
	f := setup(t)
	e := f.createCustody(t, "10", 1)

	outcome, err := f.deposit(t, e, "T1", "0.0000001", 3)
	require.NoError(t, err)
	assert.Equal(t, escrow.OutcomeRejected, outcome)

	got := f.get(t, e.ID)
	assert.Equal(t, domain.EscrowStatusCreated, got.Status)
	assert.True(t, got.ReceivedAmount.IsZero())
	assert.Equal(t, 1, testutil.CountEscrowEvents(t, f.db, e.ID, domain.EventWebhookRejected))

	_, err = f.deposit(t, e, "T1", "0.0000001", 3)
	require.ErrorIs(t, err, domain.ErrDuplicateEvent)

	outcome, err = f.deposit(t, e, "T2", "0", 3)
	require.NoError(t, err)
	assert.Equal(t, escrow.OutcomeRejected, outcome)
	assert.Equal(t, 2, testutil.CountEscrowEvents(t, f.db, e.ID, domain.EventWebhookRejected))
}

func TestApplyDeposit_ConcurrentTransactions(t *testing.T) {
	f := setup(t)
	e := f.createCustody(t, "100", 1)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, txid := range []string{"A", "B", "C", "D"} {
		wg.Add(1)
		go func(txid string) {
			defer wg.Done()
			_, err := f.deposit(t, e, txid, "25", 1)
			errs <- err
		}(txid)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	got := f.get(t, e.ID)
	assert.True(t, got.ReceivedAmount.Equal(dec("100")))
	assert.Equal(t, domain.EscrowStatusFunded, got.Status)
	f.assertBalances(t, f.buyer.UserID, "0", "100")
	f.verifyLedgers(t)
}

func TestRelease_RefundsOverpayment(t *testing.T) {
	f := setup(t)
	e := f.createCustody(t, "100", 1)

	_, err := f.deposit(t, e, "T1", "120", 1)
	require.NoError(t, err)

	got, err := f.svc.Release(context.Background(), e.ID, f.admin, escrow.ReleaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusReleased, got.Status)

	f.assertBalances(t, f.seller.UserID, "100", "0")
	f.assertBalances(t, f.buyer.UserID, "20", "0")
	f.verifyLedgers(t)
}

func TestRelease_Authorization(t *testing.T) {
	f := setup(t)
	e := f.funded(t, "50")
	stranger := domain.Actor{UserID: uuid.New(), Role: domain.RoleUser}

	_, err := f.svc.Release(context.Background(), e.ID, f.buyer, escrow.ReleaseOptions{})
	require.ErrorIs(t, err, domain.ErrConfirmationPending)

	_, err = f.svc.Release(context.Background(), e.ID, stranger, escrow.ReleaseOptions{})
	require.ErrorIs(t, err, domain.ErrUnauthorizedAction)

	_, err = f.svc.Confirm(context.Background(), e.ID, stranger)
	require.ErrorIs(t, err, domain.ErrUnauthorizedAction)

	f.assertBalances(t, f.buyer.UserID, "0", "50")
	assert.Equal(t, domain.EscrowStatusFunded, f.get(t, e.ID).Status)
}

func TestRefund_SellerOrAdmin(t *testing.T) {
	f := setup(t)
	e := f.funded(t, "40")

	_, err := f.svc.Refund(context.Background(), e.ID, f.buyer)
	require.ErrorIs(t, err, domain.ErrUnauthorizedAction)

	got, err := f.svc.Refund(context.Background(), e.ID, f.seller)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusRefunded, got.Status)
	f.assertBalances(t, f.buyer.UserID, "40", "0")

	_, err = f.svc.Release(context.Background(), e.ID, f.admin, escrow.ReleaseOptions{})
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.EscrowStatusRefunded, te.From)
	assert.Equal(t, domain.EscrowStatusReleased, te.To)
	f.verifyLedgers(t)
}

func TestRefund_PartiallyFunded(t *testing.T) {
	f := setup(t)
	e := f.createCustody(t, "100", 1)
	_, err := f.deposit(t, e, "T1", "30", 1)
	require.NoError(t, err)

	got, err := f.svc.Refund(context.Background(), e.ID, f.admin)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusRefunded, got.Status)
	f.assertBalances(t, f.buyer.UserID, "30", "0")
}

func TestDispute_AdminResolvesWithRefund(t *testing.T) {
	f := setup(t)
	e := f.funded(t, "100")
	ctx := context.Background()

	sub, cancel, err := f.hub.Subscribe(ctx, notify.UserChannel(f.buyer.UserID))
	require.NoError(t, err)
	defer cancel()

	_, err = f.svc.OpenDispute(ctx, e.ID, f.buyer, "   ")
	require.ErrorIs(t, err, domain.ErrValidation)

	disputed, err := f.svc.OpenDispute(ctx, e.ID, f.buyer, "item never arrived")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusDisputed, disputed.Status)
	require.NotNil(t, disputed.Dispute)
	assert.True(t, disputed.Dispute.Open)

	_, err = f.svc.Release(ctx, e.ID, f.seller, escrow.ReleaseOptions{})
	require.ErrorIs(t, err, domain.ErrUnauthorizedAction)

	_, err = f.svc.Refund(ctx, e.ID, f.seller)
	require.ErrorIs(t, err, domain.ErrUnauthorizedAction)

	resolved, err := f.svc.Release(ctx, e.ID, f.admin, escrow.ReleaseOptions{
		Resolution: domain.ResolutionRefundBuyer,
		Notes:      "seller could not show proof of delivery",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusRefunded, resolved.Status)
	assert.False(t, resolved.Dispute.Open)
	assert.Equal(t, domain.ResolutionRefundBuyer, resolved.Dispute.Resolution)
	require.NotNil(t, resolved.Dispute.ResolvedBy)
	assert.Equal(t, f.admin.UserID, *resolved.Dispute.ResolvedBy)

	f.assertBalances(t, f.buyer.UserID, "100", "0")
	f.verifyLedgers(t)

	select {
	case msg := <-sub:
		var ev notify.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, "escrow.refunded", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("buyer was not notified")
	}
}

func TestDisputed_AdminReleaseAndRefundCloseDispute(t *testing.T) {
	tests := []struct {
		name       string
		settle     func(f *fixture, id uuid.UUID) (*domain.Escrow, error)
		wantStatus domain.EscrowStatus
		resolution domain.DisputeResolution
	}{
		{
			name: "release",
			settle: func(f *fixture, id uuid.UUID) (*domain.Escrow, error) {
				return f.svc.Release(context.Background(), id, f.admin, escrow.ReleaseOptions{})
			},
			wantStatus: domain.EscrowStatusReleased,
			resolution: domain.ResolutionReleaseSeller,
		},
		{
			name: "refund",
			settle: func(f *fixture, id uuid.UUID) (*domain.Escrow, error) {
				return f.svc.Refund(context.Background(), id, f.admin)
			},
			wantStatus: domain.EscrowStatusRefunded,
			resolution: domain.ResolutionRefundBuyer,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()
			e := f.funded(t, "25")

			_, err := f.svc.OpenDispute(ctx, e.ID, f.buyer, "late shipment")
			require.NoError(t, err)

			sub, cancel, err := f.hub.Subscribe(ctx, notify.UserChannel(f.seller.UserID))
			require.NoError(t, err)
			defer cancel()

			settled, err := tc.settle(f, e.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, settled.Status)

			got := f.get(t, e.ID)
			require.NotNil(t, got.Dispute)
			assert.False(t, got.Dispute.Open)
			assert.Equal(t, tc.resolution, got.Dispute.Resolution)
			require.NotNil(t, got.Dispute.ResolvedBy)
			assert.Equal(t, f.admin.UserID, *got.Dispute.ResolvedBy)
			assert.NotNil(t, got.Dispute.ResolvedAt)
			assert.Equal(t, 1, testutil.CountEscrowEvents(t, f.db, e.ID, domain.EventDisputeResolved))

			var types []string
			for len(sub) > 0 {
				var ev notify.Event
				require.NoError(t, json.Unmarshal(<-sub, &ev))
				types = append(types, ev.Type)
			}
			assert.Contains(t, types, "dispute.resolved")
			f.verifyLedgers(t)
		})
	}
}

func TestResolveDispute_ReleaseSeller(t *testing.T) {
	f := setup(t)
	e := f.funded(t, "10")
	ctx := context.Background()

	_, err := f.svc.ResolveDispute(ctx, e.ID, f.admin, domain.ResolutionReleaseSeller, "")
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition, "nothing to resolve yet")

	_, err = f.svc.OpenDispute(ctx, e.ID, f.seller, "buyer unresponsive")
	require.NoError(t, err)

	_, err = f.svc.ResolveDispute(ctx, e.ID, f.seller, domain.ResolutionReleaseSeller, "")
	require.ErrorIs(t, err, domain.ErrUnauthorizedAction)

	got, err := f.svc.ResolveDispute(ctx, e.ID, f.admin, domain.ResolutionReleaseSeller, "proof accepted")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusReleased, got.Status)
	f.assertBalances(t, f.seller.UserID, "10", "0")
	f.verifyLedgers(t)
}

func TestWalletEscrow_AcceptAndConfirm(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.SeedWallet(t, f.db, f.buyer.UserID, domain.CurrencyUSDT, "50")

	e, err := f.svc.Create(ctx, escrow.CreateRequest{
		BuyerID:  f.buyer.UserID,
		SellerID: f.seller.UserID,
		Currency: domain.CurrencyUSDT,
		Amount:   dec("30"),
		Kind:     domain.EscrowKindWallet,
	}, f.seller)
	require.NoError(t, err)
	assert.Nil(t, e.DepositAddress)
	assert.Equal(t, 0, e.ConfirmationsRequired)

	_, err = f.svc.Accept(ctx, e.ID, f.seller)
	require.ErrorIs(t, err, domain.ErrUnauthorizedAction)

	accepted, err := f.svc.Accept(ctx, e.ID, f.buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusFunded, accepted.Status)
	f.assertBalances(t, f.buyer.UserID, "20", "30")

	_, err = f.svc.Accept(ctx, e.ID, f.buyer)
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	confirmed, err := f.svc.Confirm(ctx, e.ID, f.buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusFunded, confirmed.Status)
	assert.True(t, confirmed.BuyerConfirmed)

	released, err := f.svc.Confirm(ctx, e.ID, f.seller)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusReleased, released.Status)

	f.assertBalances(t, f.buyer.UserID, "20", "0")
	f.assertBalances(t, f.seller.UserID, "30", "0")

	got := f.get(t, e.ID)
	assert.Equal(t, []domain.EscrowEventType{
		domain.EventEscrowCreated, domain.EventEscrowAccepted, domain.EventEscrowConfirmed,
		domain.EventEscrowConfirmed, domain.EventEscrowReleased,
	}, eventTypes(got))
	f.verifyLedgers(t)
}

func TestWalletEscrow_AcceptWithoutFunds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.SeedWallet(t, f.db, f.buyer.UserID, domain.CurrencyUSDT, "5")

	e, err := f.svc.Create(ctx, escrow.CreateRequest{
		BuyerID:  f.buyer.UserID,
		SellerID: f.seller.UserID,
		Currency: domain.CurrencyUSDT,
		Amount:   dec("30"),
		Kind:     domain.EscrowKindWallet,
	}, f.buyer)
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, e.ID, f.buyer)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	got := f.get(t, e.ID)
	assert.Equal(t, domain.EscrowStatusCreated, got.Status)
	assert.Len(t, got.Events, 1, "failed accept leaves no trace")
	f.assertBalances(t, f.buyer.UserID, "5", "0")
}

func TestCancel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	e := f.createCustody(t, "10", 1)
	cancelled, err := f.svc.Cancel(ctx, e.ID, f.buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusCancelled, cancelled.Status)

	again, err := f.svc.Cancel(ctx, e.ID, f.buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusCancelled, again.Status)
	assert.Equal(t, 1, testutil.CountEscrowEvents(t, f.db, e.ID, domain.EventEscrowCancelled))

	funded := f.funded(t, "10")
	_, err = f.svc.Cancel(ctx, funded.ID, f.buyer)
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.EscrowStatusFunded, te.From)
	assert.Equal(t, domain.EscrowStatusCancelled, te.To)
}

func TestRelease_UnfundedEscrow(t *testing.T) {
	f := setup(t)
	e := f.createCustody(t, "10", 1)

	_, err := f.svc.Release(context.Background(), e.ID, f.admin, escrow.ReleaseOptions{})
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.EscrowStatusCreated, te.From)
	assert.Equal(t, domain.EscrowStatusReleased, te.To)

	got := f.get(t, e.ID)
	assert.Equal(t, domain.EscrowStatusCreated, got.Status)
	assert.Len(t, got.Events, 1)
}

func TestCreate_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	stranger := domain.Actor{UserID: uuid.New(), Role: domain.RoleUser}

	tests := []struct {
		name    string
		req     escrow.CreateRequest
		actor   domain.Actor
		wantErr error
	}{
		{
			name:    "same buyer and seller",
			req:     escrow.CreateRequest{BuyerID: f.buyer.UserID, SellerID: f.buyer.UserID, Currency: domain.CurrencyUSDT, Amount: dec("1")},
			actor:   f.buyer,
			wantErr: domain.ErrValidation,
		},
		{
			name:    "zero amount",
			req:     escrow.CreateRequest{BuyerID: f.buyer.UserID, SellerID: f.seller.UserID, Currency: domain.CurrencyUSDT, Amount: decimal.Zero},
			actor:   f.buyer,
			wantErr: domain.ErrInvalidAmount,
		},
		{
			name:    "too many decimals",
			req:     escrow.CreateRequest{BuyerID: f.buyer.UserID, SellerID: f.seller.UserID, Currency: domain.CurrencyUSD, Amount: dec("1.001")},
			actor:   f.buyer,
			wantErr: domain.ErrAmountPrecision,
		},
		{
			name:    "unknown currency",
			req:     escrow.CreateRequest{BuyerID: f.buyer.UserID, SellerID: f.seller.UserID, Currency: "DOGE", Amount: dec("1")},
			actor:   f.buyer,
			wantErr: domain.ErrInvalidCurrency,
		},
		{
			name:    "creator not a participant",
			req:     escrow.CreateRequest{BuyerID: f.buyer.UserID, SellerID: f.seller.UserID, Currency: domain.CurrencyUSDT, Amount: dec("1")},
			actor:   stranger,
			wantErr: domain.ErrUnauthorizedAction,
		},
		{
			name:    "negative duration",
			req:     escrow.CreateRequest{BuyerID: f.buyer.UserID, SellerID: f.seller.UserID, Currency: domain.CurrencyUSDT, Amount: dec("1"), Duration: -time.Hour},
			actor:   f.buyer,
			wantErr: domain.ErrValidation,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.req, tc.actor)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestCreate_CustodyFailurePersistsNothing(t *testing.T) {
	f := setup(t)
	f.custody.reserveErr = errors.Join(domain.ErrExternalProvider, errors.New("503"))

	_, err := f.svc.Create(context.Background(), escrow.CreateRequest{
		BuyerID:  f.buyer.UserID,
		SellerID: f.seller.UserID,
		Currency: domain.CurrencyBTC,
		Amount:   dec("0.01"),
	}, f.buyer)
	require.ErrorIs(t, err, domain.ErrExternalProvider)

	var count int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM escrows`).Scan(&count))
	assert.Zero(t, count)
}

func TestCreate_DefaultsFromCurrency(t *testing.T) {
	f := setup(t)

	e, err := f.svc.Create(context.Background(), escrow.CreateRequest{
		BuyerID:  f.buyer.UserID,
		SellerID: f.seller.UserID,
		Currency: domain.CurrencyBTC,
		Amount:   dec("0.5"),
	}, f.buyer)
	require.NoError(t, err)

	assert.Equal(t, domain.EscrowKindCustody, e.Kind)
	assert.Equal(t, domain.CurrencyBTC.DefaultConfirmations(), e.ConfirmationsRequired)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), e.ExpiresAt, time.Minute)
	assert.Equal(t, "dep-BTC-"+e.ID.String(), *e.DepositAddress)
}

func TestGet_HiddenFromOutsiders(t *testing.T) {
	f := setup(t)
	e := f.createCustody(t, "1", 1)

	_, err := f.svc.Get(context.Background(), e.ID, domain.Actor{UserID: uuid.New(), Role: domain.RoleUser})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.Get(context.Background(), e.ID, f.seller)
	require.NoError(t, err)

	list, total, err := f.svc.List(context.Background(), f.seller, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, e.ID, list[0].ID)
}

func TestSweep_CancelsExpiredEscrow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	expired := f.createCustody(t, "10", 1)
	testutil.BackdateEscrow(t, f.db, expired.ID)
	live := f.createCustody(t, "10", 1)
	fundedLate := f.createCustody(t, "10", 1)
	_, err := f.deposit(t, fundedLate, "T1", "10", 1)
	require.NoError(t, err)
	testutil.BackdateEscrow(t, f.db, fundedLate.ID)

	sw := sweeper.NewSweeper(f.repo, f.svc, repository.NewIdempotencyRepository(f.db), slog.Default(), time.Minute, 50)

	rep := sw.Sweep(ctx)
	assert.Equal(t, 1, rep.Scanned)
	assert.Equal(t, 1, rep.Cancelled)

	got := f.get(t, expired.ID)
	assert.Equal(t, domain.EscrowStatusCancelled, got.Status)
	require.Len(t, got.Events, 2)
	assert.Equal(t, domain.EventAutoCancel, got.Events[1].Type)
	assert.Equal(t, "system", got.Events[1].Actor)

	assert.Equal(t, domain.EscrowStatusCreated, f.get(t, live.ID).Status)
	assert.Equal(t, domain.EscrowStatusFunded, f.get(t, fundedLate.ID).Status)

	rep = sw.Sweep(ctx)
	assert.Equal(t, sweeper.Report{}, rep, "second sweep is a no-op")
	assert.Equal(t, 1, testutil.CountEscrowEvents(t, f.db, expired.ID, domain.EventAutoCancel))
}

func TestExpire_IgnoresLiveEscrow(t *testing.T) {
	f := setup(t)
	e := f.createCustody(t, "10", 1)

	cancelled, err := f.svc.Expire(context.Background(), e.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, domain.EscrowStatusCreated, f.get(t, e.ID).Status)
}
