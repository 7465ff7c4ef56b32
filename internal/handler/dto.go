package handler

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/money"
	"github.com/josh-kwaku/escrow-ledger/internal/wallet"
)

type escrowEventDTO struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	EventID   string          `json:"event_id"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type escrowDTO struct {
	ID                    uuid.UUID        `json:"id"`
	Kind                  string           `json:"kind"`
	BuyerID               uuid.UUID        `json:"buyer_id"`
	SellerID              uuid.UUID        `json:"seller_id"`
	Currency              string           `json:"currency"`
	Amount                string           `json:"amount"`
	ReceivedAmount        string           `json:"received_amount"`
	Confirmations         int              `json:"confirmations"`
	ConfirmationsRequired int              `json:"confirmations_required"`
	DepositAddress        *string          `json:"deposit_address,omitempty"`
	Status                string           `json:"status"`
	ExpiresAt             time.Time        `json:"expires_at"`
	BuyerConfirmed        bool             `json:"buyer_confirmed"`
	SellerConfirmed       bool             `json:"seller_confirmed"`
	Dispute               *domain.Dispute  `json:"dispute,omitempty"`
	Events                []escrowEventDTO `json:"events,omitempty"`
	Version               int64            `json:"version"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

func toEscrowDTO(e *domain.Escrow) escrowDTO {
	dto := escrowDTO{
		ID:                    e.ID,
		Kind:                  string(e.Kind),
		BuyerID:               e.BuyerID,
		SellerID:              e.SellerID,
		Currency:              string(e.Currency),
		Amount:                money.Format(e.Amount, e.Currency),
		ReceivedAmount:        money.Format(e.ReceivedAmount, e.Currency),
		Confirmations:         e.Confirmations,
		ConfirmationsRequired: e.ConfirmationsRequired,
		DepositAddress:        e.DepositAddress,
		Status:                string(e.Status),
		ExpiresAt:             e.ExpiresAt,
		BuyerConfirmed:        e.BuyerConfirmed,
		SellerConfirmed:       e.SellerConfirmed,
		Dispute:               e.Dispute,
		Version:               e.Version,
		CreatedAt:             e.CreatedAt,
		UpdatedAt:             e.UpdatedAt,
	}
	for _, ev := range e.Events {
		dto.Events = append(dto.Events, escrowEventDTO{
			Seq:       ev.Seq,
			Type:      string(ev.Type),
			EventID:   ev.EventID,
			Actor:     ev.Actor,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt,
		})
	}
	return dto
}

type walletDTO struct {
	ID             uuid.UUID `json:"id"`
	Currency       string    `json:"currency"`
	Available      string    `json:"available"`
	Locked         string    `json:"locked"`
	Total          string    `json:"total"`
	DepositAddress *string   `json:"deposit_address,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toWalletDTO(w *domain.Wallet) walletDTO {
	return walletDTO{
		ID:             w.ID,
		Currency:       string(w.Currency),
		Available:      money.Format(w.Available, w.Currency),
		Locked:         money.Format(w.Locked, w.Currency),
		Total:          money.Format(w.Total(), w.Currency),
		DepositAddress: w.DepositAddress,
		UpdatedAt:      w.UpdatedAt,
	}
}

type ledgerEntryDTO struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	Amount       string          `json:"amount"`
	LockedDelta  string          `json:"locked_delta"`
	Currency     string          `json:"currency"`
	Reference    string          `json:"reference"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	BalanceAfter string          `json:"balance_after"`
	LockedAfter  string          `json:"locked_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

func toLedgerEntryDTO(e *domain.LedgerEntry) ledgerEntryDTO {
	return ledgerEntryDTO{
		ID:           e.ID,
		Type:         string(e.EntryType),
		Amount:       money.Format(e.Amount, e.Currency),
		LockedDelta:  money.Format(e.LockedDelta, e.Currency),
		Currency:     string(e.Currency),
		Reference:    e.Reference,
		Metadata:     e.Metadata,
		BalanceAfter: money.Format(e.BalanceAfter, e.Currency),
		LockedAfter:  money.Format(e.LockedAfter, e.Currency),
		CreatedAt:    e.CreatedAt,
	}
}

type withdrawalDTO struct {
	ID        uuid.UUID `json:"id"`
	Currency  string    `json:"currency"`
	Amount    string    `json:"amount"`
	Address   string    `json:"address"`
	TxID      string    `json:"txid"`
	Reference string    `json:"reference"`
}

func toWithdrawalDTO(wd *wallet.Withdrawal) withdrawalDTO {
	return withdrawalDTO{
		ID:        wd.ID,
		Currency:  string(wd.Currency),
		Amount:    money.Format(wd.Amount, wd.Currency),
		Address:   wd.Address,
		TxID:      wd.TxID,
		Reference: wd.Reference,
	}
}
