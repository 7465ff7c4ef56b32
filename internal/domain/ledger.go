package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryTypeDeposit    EntryType = "deposit"
	EntryTypeWithdrawal EntryType = "withdrawal"
	EntryTypeLock       EntryType = "lock"
	EntryTypeRelease    EntryType = "trade_release"
	EntryTypeRefund     EntryType = "refund"
	EntryTypeFee        EntryType = "fee"
)

// LedgerEntry is an immutable balance movement. Amount is the signed change
// to the wallet's available balance and LockedDelta the signed change to its
// locked balance, so summing both columns over a wallet reproduces it.
type LedgerEntry struct {
	ID           int64
	WalletID     uuid.UUID
	EntryType    EntryType
	Amount       decimal.Decimal
	LockedDelta  decimal.Decimal
	Currency     Currency
	Reference    string
	Metadata     json.RawMessage
	BalanceAfter decimal.Decimal
	LockedAfter  decimal.Decimal
	CreatedAt    time.Time
}
