package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/logging"
	"github.com/josh-kwaku/escrow-ledger/internal/money"
	"github.com/josh-kwaku/escrow-ledger/internal/wallet"
)

type walletService interface {
	ListWallets(ctx context.Context, userID uuid.UUID) ([]domain.Wallet, error)
	Statement(ctx context.Context, userID uuid.UUID, currency domain.Currency, limit, offset int) ([]domain.LedgerEntry, int, error)
	DepositAddress(ctx context.Context, userID uuid.UUID, currency domain.Currency) (string, error)
	Withdraw(ctx context.Context, userID uuid.UUID, currency domain.Currency, amount decimal.Decimal, address string) (*wallet.Withdrawal, error)
	Credit(ctx context.Context, userID uuid.UUID, currency domain.Currency, amount decimal.Decimal, reference string, meta map[string]any) (*domain.LedgerEntry, error)
}

type WalletHandler struct {
	wallets walletService
}

func NewWalletHandler(wallets walletService) *WalletHandler {
	return &WalletHandler{wallets: wallets}
}

func (h *WalletHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	wallets, err := h.wallets.ListWallets(r.Context(), actor.UserID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	items := make([]walletDTO, 0, len(wallets))
	for i := range wallets {
		items = append(items, toWalletDTO(&wallets[i]))
	}
	RespondSuccess(w, http.StatusOK, items)
}

func (h *WalletHandler) Entries(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	currency, appErr := currencyFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	limit, offset := pagination(r)

	entries, total, err := h.wallets.Statement(r.Context(), actor.UserID, currency, limit, offset)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	items := make([]ledgerEntryDTO, 0, len(entries))
	for i := range entries {
		items = append(items, toLedgerEntryDTO(&entries[i]))
	}
	RespondSuccess(w, http.StatusOK, map[string]any{
		"entries": items,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *WalletHandler) DepositAddress(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	currency, appErr := currencyFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	addr, err := h.wallets.DepositAddress(r.Context(), actor.UserID, currency)
	if err != nil {
		logging.FromContext(r.Context()).Warn("deposit address reservation failed", "currency", currency, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, map[string]string{"currency": string(currency), "address": addr})
}

type withdrawRequest struct {
	Amount  string `json:"amount"`
	Address string `json:"address"`
}

func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	currency, appErr := currencyFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	var fields []FieldError
	amount, err := money.Parse(req.Amount, currency)
	if err != nil {
		fields = append(fields, FieldError{Field: "amount", Message: fmt.Sprintf("must be a positive amount with at most %d decimals", currency.Precision())})
	}
	if strings.TrimSpace(req.Address) == "" {
		fields = append(fields, FieldError{Field: "address", Message: "required"})
	}
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	wd, err := h.wallets.Withdraw(r.Context(), actor.UserID, currency, amount, strings.TrimSpace(req.Address))
	if err != nil {
		logging.FromContext(r.Context()).Warn("withdrawal failed", "currency", currency, "error", err)
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusCreated, toWithdrawalDTO(wd))
}

type adminCreditRequest struct {
	UserID    string `json:"user_id"`
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
	Note      string `json:"note"`
}

// AdminCredit tops up a user's available balance from an off-platform
// source such as a bank transfer or gift card. The reference makes the
// credit idempotent.
func (h *WalletHandler) AdminCredit(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	if !actor.IsAdmin() {
		RespondAppError(w, ErrAdminOnly, nil)
		return
	}

	var req adminCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	var fields []FieldError
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		fields = append(fields, FieldError{Field: "user_id", Message: "must be a valid UUID"})
	}
	currency, err := domain.ParseCurrency(req.Currency)
	if err != nil {
		fields = append(fields, FieldError{Field: "currency", Message: "unsupported currency"})
	}
	var amount decimal.Decimal
	if currency != "" {
		if amount, err = money.Parse(req.Amount, currency); err != nil {
			fields = append(fields, FieldError{Field: "amount", Message: fmt.Sprintf("must be a positive amount with at most %d decimals", currency.Precision())})
		}
	}
	if strings.TrimSpace(req.Reference) == "" {
		fields = append(fields, FieldError{Field: "reference", Message: "required"})
	}
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	meta := map[string]any{"credited_by": actor.UserID, "note": req.Note}
	entry, err := h.wallets.Credit(r.Context(), userID, currency, amount, "admin:"+strings.TrimSpace(req.Reference), meta)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	logging.FromContext(r.Context()).Info("admin credit applied",
		"user_id", userID,
		"currency", currency,
		"amount", amount,
		"ledger_entry_id", entry.ID,
	)
	RespondSuccess(w, http.StatusCreated, toLedgerEntryDTO(entry))
}
