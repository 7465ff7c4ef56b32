package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
)

const escrowColumns = `id, kind, buyer_id, seller_id, currency, amount, received_amount,
	confirmations, confirmations_required, deposit_address, status, expires_at,
	buyer_confirmed, seller_confirmed, dispute, version, created_at, updated_at`

type EscrowRepository struct {
	db *sql.DB
}

func NewEscrowRepository(db *sql.DB) *EscrowRepository {
	return &EscrowRepository{db: db}
}

func (r *EscrowRepository) Create(ctx context.Context, tx *sql.Tx, e *domain.Escrow) error {
	dispute, err := marshalDispute(e.Dispute)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO escrows (
			id, kind, buyer_id, seller_id, currency, amount, received_amount,
			confirmations, confirmations_required, deposit_address, status, expires_at,
			buyer_confirmed, seller_confirmed, dispute
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING version, created_at, updated_at`,
		e.ID, e.Kind, e.BuyerID, e.SellerID, e.Currency, e.Amount, e.ReceivedAmount,
		e.Confirmations, e.ConfirmationsRequired, e.DepositAddress, e.Status, e.ExpiresAt,
		e.BuyerConfirmed, e.SellerConfirmed, dispute,
	).Scan(&e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// GetByID loads an escrow together with its event trail.
func (r *EscrowRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Escrow, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id,
	)
	e, err := scanEscrow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}

	e.Events, err = listEvents(ctx, r.db, id)
	if err != nil {
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return e, nil
}

// GetForUpdate locks the escrow row for the rest of tx. Events are not loaded.
func (r *EscrowRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Escrow, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id,
	)
	e, err := scanEscrow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return e, nil
}

// Update persists the mutable fields of e under a version check and advances e.Version.
func (r *EscrowRepository) Update(ctx context.Context, tx *sql.Tx, e *domain.Escrow) error {
	dispute, err := marshalDispute(e.Dispute)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE escrows SET
			status = $1, received_amount = $2, confirmations = $3,
			buyer_confirmed = $4, seller_confirmed = $5, dispute = $6,
			version = version + 1, updated_at = now()
		WHERE id = $7 AND version = $8`,
		e.Status, e.ReceivedAmount, e.Confirmations,
		e.BuyerConfirmed, e.SellerConfirmed, dispute,
		e.ID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	if err := expectOneRow(res, "Update"); err != nil {
		return err
	}
	e.Version++
	return nil
}

// CancelIfCreated moves the escrow to cancelled only while it is still in
// created. It reports whether the row changed.
func (r *EscrowRepository) CancelIfCreated(ctx context.Context, tx *sql.Tx, id uuid.UUID) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE escrows SET status = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		domain.EscrowStatusCancelled, id, domain.EscrowStatusCreated,
	)
	if err != nil {
		return false, fmt.Errorf("CancelIfCreated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("CancelIfCreated: rows affected: %w", err)
	}
	return n == 1, nil
}

// ListByDepositAddresses returns escrows of any status paid through one of addresses.
func (r *EscrowRepository) ListByDepositAddresses(ctx context.Context, addresses []string) ([]domain.Escrow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE deposit_address = ANY($1) ORDER BY created_at`,
		pq.Array(addresses),
	)
	if err != nil {
		return nil, fmt.Errorf("ListByDepositAddresses: %w", err)
	}
	escrows, err := collectEscrows(rows)
	if err != nil {
		return nil, fmt.Errorf("ListByDepositAddresses: %w", err)
	}
	return escrows, nil
}

// ListExpired returns up to limit escrows still in created whose deadline is at or before now.
func (r *EscrowRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Escrow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1 AND expires_at <= $2 ORDER BY expires_at LIMIT $3`,
		domain.EscrowStatusCreated, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListExpired: %w", err)
	}
	escrows, err := collectEscrows(rows)
	if err != nil {
		return nil, fmt.Errorf("ListExpired: %w", err)
	}
	return escrows, nil
}

func (r *EscrowRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Escrow, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM escrows WHERE buyer_id = $1 OR seller_id = $1`, userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByUser: count: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByUser: %w", err)
	}
	escrows, err := collectEscrows(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByUser: %w", err)
	}
	return escrows, total, nil
}

// AppendEvent adds ev at the next sequence number for the escrow. The caller
// must hold the escrow row lock. If an event with the same EventID already
// exists nothing is written and domain.ErrDuplicateEvent is returned; the
// transaction stays usable.
func (r *EscrowRepository) AppendEvent(ctx context.Context, tx *sql.Tx, escrowID uuid.UUID, ev *domain.EscrowEvent) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	err := tx.QueryRowContext(ctx,
		`INSERT INTO escrow_events (escrow_id, seq, event_type, event_id, actor, payload)
		SELECT $1::uuid, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5::jsonb
		FROM escrow_events WHERE escrow_id = $1
		ON CONFLICT (escrow_id, event_id) DO NOTHING
		RETURNING seq, created_at`,
		escrowID, ev.Type, ev.EventID, ev.Actor, string(payload),
	).Scan(&ev.Seq, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("AppendEvent: %s: %w", ev.EventID, domain.ErrDuplicateEvent)
		}
		return fmt.Errorf("AppendEvent: %w", err)
	}
	return nil
}

func (r *EscrowRepository) HasEvent(ctx context.Context, tx *sql.Tx, escrowID uuid.UUID, eventID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_events WHERE escrow_id = $1 AND event_id = $2)`,
		escrowID, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("HasEvent: %w", err)
	}
	return exists, nil
}

func listEvents(ctx context.Context, q querier, escrowID uuid.UUID) ([]domain.EscrowEvent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT seq, event_type, event_id, actor, payload, created_at
		FROM escrow_events WHERE escrow_id = $1 ORDER BY seq`, escrowID,
	)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	defer rows.Close()

	var events []domain.EscrowEvent
	for rows.Next() {
		var ev domain.EscrowEvent
		var payload []byte
		if err := rows.Scan(&ev.Seq, &ev.Type, &ev.EventID, &ev.Actor, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		ev.Payload = payload
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: rows: %w", err)
	}
	return events, nil
}

func collectEscrows(rows *sql.Rows) ([]domain.Escrow, error) {
	defer rows.Close()

	var escrows []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		escrows = append(escrows, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return escrows, nil
}

func scanEscrow(s scanner) (*domain.Escrow, error) {
	var e domain.Escrow
	var dispute []byte
	err := s.Scan(
		&e.ID, &e.Kind, &e.BuyerID, &e.SellerID, &e.Currency, &e.Amount, &e.ReceivedAmount,
		&e.Confirmations, &e.ConfirmationsRequired, &e.DepositAddress, &e.Status, &e.ExpiresAt,
		&e.BuyerConfirmed, &e.SellerConfirmed, &dispute, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(dispute) > 0 {
		e.Dispute = &domain.Dispute{}
		if err := json.Unmarshal(dispute, e.Dispute); err != nil {
			return nil, fmt.Errorf("dispute: %w", err)
		}
	}
	return &e, nil
}

func marshalDispute(d *domain.Dispute) (any, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal dispute: %w", err)
	}
	return string(b), nil
}
