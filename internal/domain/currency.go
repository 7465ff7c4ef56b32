package domain

import "strings"

type Currency string

const (
	CurrencyBTC  Currency = "BTC"
	CurrencyETH  Currency = "ETH"
	CurrencyLTC  Currency = "LTC"
	CurrencyTRX  Currency = "TRX"
	CurrencyUSDT Currency = "USDT"
	CurrencyUSDC Currency = "USDC"
	CurrencyNGN  Currency = "NGN"
	CurrencyUSD  Currency = "USD"
)

type currencyInfo struct {
	precision     int32
	confirmations int
}

var currencies = map[Currency]currencyInfo{
	CurrencyBTC:  {precision: 8, confirmations: 2},
	CurrencyETH:  {precision: 18, confirmations: 12},
	CurrencyLTC:  {precision: 8, confirmations: 6},
	CurrencyTRX:  {precision: 6, confirmations: 19},
	CurrencyUSDT: {precision: 6, confirmations: 2},
	CurrencyUSDC: {precision: 6, confirmations: 12},
	CurrencyNGN:  {precision: 2, confirmations: 0},
	CurrencyUSD:  {precision: 2, confirmations: 0},
}

func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", ErrInvalidCurrency
	}
	return c, nil
}

func (c Currency) IsValid() bool {
	_, ok := currencies[c]
	return ok
}

// Precision is the number of fractional digits an amount in c may carry.
func (c Currency) Precision() int32 {
	return currencies[c].precision
}

// DefaultConfirmations is the block depth required before a deposit in c
// funds an escrow. Fiat currencies have no chain and return zero.
func (c Currency) DefaultConfirmations() int {
	return currencies[c].confirmations
}
