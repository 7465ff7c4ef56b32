// Package escrow drives trades through their lifecycle. Every mutation locks
// the escrow row, moves wallet balances through the wallet manager inside the
// same transaction, appends one audit event and publishes after commit.
package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/notify"
)

type escrowRepo interface {
	Create(ctx context.Context, tx *sql.Tx, e *domain.Escrow) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Escrow, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Escrow, error)
	Update(ctx context.Context, tx *sql.Tx, e *domain.Escrow) error
	CancelIfCreated(ctx context.Context, tx *sql.Tx, id uuid.UUID) (bool, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Escrow, int, error)
	AppendEvent(ctx context.Context, tx *sql.Tx, escrowID uuid.UUID, ev *domain.EscrowEvent) error
	HasEvent(ctx context.Context, tx *sql.Tx, escrowID uuid.UUID, eventID string) (bool, error)
}

type walletManager interface {
	CreditTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, currency domain.Currency, amount decimal.Decimal, reference string, meta map[string]any) (*domain.LedgerEntry, error)
	LockTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, currency domain.Currency, amount decimal.Decimal, reference string) (*domain.LedgerEntry, error)
	RefundTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, currency domain.Currency, amount decimal.Decimal, reference string) (*domain.LedgerEntry, error)
	ReleaseToTx(ctx context.Context, tx *sql.Tx, from, to uuid.UUID, currency domain.Currency, amount decimal.Decimal, reference string) error
}

type addressReserver interface {
	ReserveDepositAddress(ctx context.Context, currency domain.Currency, walletRef string) (string, error)
}

type Options struct {
	// MinCreditConfirmations is the depth at which a deposit starts to count
	// toward an escrow's received amount. Shallower sightings are recorded
	// for audit only.
	MinCreditConfirmations int
	DefaultDuration        time.Duration
}

type Service struct {
	escrows  escrowRepo
	wallets  walletManager
	custody  addressReserver
	notifier notify.Publisher
	db       *sql.DB
	opts     Options
	now      func() time.Time
}

func NewService(
	escrows escrowRepo,
	wallets walletManager,
	custody addressReserver,
	notifier notify.Publisher,
	db *sql.DB,
	opts Options,
) *Service {
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = 24 * time.Hour
	}
	return &Service{
		escrows:  escrows,
		wallets:  wallets,
		custody:  custody,
		notifier: notifier,
		db:       db,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the escrow with its event trail. Callers who are neither a
// participant nor an admin get domain.ErrNotFound.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error) {
	e, err := s.escrows.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if !actor.IsAdmin() && !e.IsParticipant(actor.UserID) {
		return nil, fmt.Errorf("Get: %w", domain.ErrNotFound)
	}
	return e, nil
}

func (s *Service) List(ctx context.Context, actor domain.Actor, limit, offset int) ([]domain.Escrow, int, error) {
	escrows, total, err := s.escrows.ListByUser(ctx, actor.UserID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("List: %w", err)
	}
	return escrows, total, nil
}

// txScope collects what a mutation did so it can be published after commit.
type txScope struct {
	svc     *Service
	tx      *sql.Tx
	escrow  *domain.Escrow
	events  []domain.EscrowEvent
	notices []notice
	dirty   bool
}

type notice struct {
	channel string
	ev      notify.Event
}

// emit appends an audit event inside the transaction. A repeated eventID
// yields domain.ErrDuplicateEvent without aborting the transaction.
func (sc *txScope) emit(ctx context.Context, typ domain.EscrowEventType, eventID string, actor domain.Actor, payload any) error {
	if eventID == "" {
		eventID = uuid.NewString()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	if payload == nil {
		raw = nil
	}

	ev := domain.EscrowEvent{
		Type:    typ,
		EventID: eventID,
		Actor:   actor.String(),
		Payload: raw,
	}
	if err := sc.svc.escrows.AppendEvent(ctx, sc.tx, sc.escrow.ID, &ev); err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	sc.events = append(sc.events, ev)
	return nil
}

func (sc *txScope) notifyUser(userID uuid.UUID, typ string, data any) {
	sc.notices = append(sc.notices, notice{
		channel: notify.UserChannel(userID),
		ev:      notify.Event{Type: typ, EscrowID: sc.escrow.ID, Status: string(sc.escrow.Status), Data: data},
	})
}

// setStatus validates and applies a transition.
func (sc *txScope) setStatus(to domain.EscrowStatus) error {
	if err := domain.CheckTransition(sc.escrow.Status, to); err != nil {
		return err
	}
	sc.escrow.Status = to
	sc.dirty = true
	return nil
}

// mutate runs fn with the escrow row locked. Nothing is persisted unless fn
// returns nil.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, op string, fn func(sc *txScope) error) (*domain.Escrow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: begin tx: %w", op, err)
	}
	defer tx.Rollback()

	e, err := s.escrows.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sc := &txScope{svc: s, tx: tx, escrow: e}
	if err := fn(sc); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if sc.dirty {
		if err := s.escrows.Update(ctx, tx, e); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: commit: %w", op, err)
	}

	s.publish(ctx, sc)
	return e, nil
}

func (s *Service) publish(ctx context.Context, sc *txScope) {
	if s.notifier == nil {
		return
	}
	for _, ev := range sc.events {
		s.notifier.Publish(ctx, notify.EscrowChannel(sc.escrow.ID), notify.Event{
			Type:     string(ev.Type),
			EscrowID: sc.escrow.ID,
			Status:   string(sc.escrow.Status),
			Data:     ev.Payload,
			At:       ev.CreatedAt,
		})
	}
	for _, n := range sc.notices {
		n.ev.At = s.now()
		s.notifier.Publish(ctx, n.channel, n.ev)
	}
}

func escrowRef(id uuid.UUID) string { return "escrow:" + id.String() }

