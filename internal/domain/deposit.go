package domain

import "github.com/shopspring/decimal"

type DepositOutput struct {
	Address string          `json:"address"`
	Value   decimal.Decimal `json:"value"`
}

// DepositEvent is a normalized custody webhook notification.
type DepositEvent struct {
	Provider      string
	Event         string
	TxID          string
	Confirmations int
	Outputs       []DepositOutput
}

// Addresses returns the distinct output addresses in delivery order.
func (d DepositEvent) Addresses() []string {
	seen := make(map[string]struct{}, len(d.Outputs))
	addrs := make([]string, 0, len(d.Outputs))
	for _, o := range d.Outputs {
		if _, ok := seen[o.Address]; ok {
			continue
		}
		seen[o.Address] = struct{}{}
		addrs = append(addrs, o.Address)
	}
	return addrs
}

// ValueTo sums every output paying address.
func (d DepositEvent) ValueTo(address string) decimal.Decimal {
	total := decimal.Zero
	for _, o := range d.Outputs {
		if o.Address == address {
			total = total.Add(o.Value)
		}
	}
	return total
}
