package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Wallet struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Currency       Currency
	Available      decimal.Decimal
	Locked         decimal.Decimal
	DepositAddress *string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (w *Wallet) Total() decimal.Decimal {
	return w.Available.Add(w.Locked)
}
