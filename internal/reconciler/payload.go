package reconciler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
)

type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		ID            string `json:"id"`
		TxID          string `json:"txid"`
		Confirmations int    `json:"confirmations"`
		Outputs       []struct {
			Address string          `json:"address"`
			Value   decimal.Decimal `json:"value"`
		} `json:"outputs"`
	} `json:"data"`
}

// ParsePayload normalizes a custody webhook body. Output values may be JSON
// numbers or strings; both are read as exact decimals.
func ParsePayload(provider string, body []byte) (domain.DepositEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.DepositEvent{}, fmt.Errorf("ParsePayload: %w: %w", domain.ErrInvalidRequest, err)
	}

	txid := strings.TrimSpace(p.Data.TxID)
	if txid == "" {
		txid = strings.TrimSpace(p.Data.ID)
	}
	if txid == "" {
		return domain.DepositEvent{}, fmt.Errorf("ParsePayload: missing txid: %w", domain.ErrInvalidRequest)
	}
	if p.Data.Confirmations < 0 {
		return domain.DepositEvent{}, fmt.Errorf("ParsePayload: negative confirmations: %w", domain.ErrInvalidRequest)
	}
	if len(p.Data.Outputs) == 0 {
		return domain.DepositEvent{}, fmt.Errorf("ParsePayload: no outputs: %w", domain.ErrInvalidRequest)
	}

	dep := domain.DepositEvent{
		Provider:      provider,
		Event:         p.Event,
		TxID:          txid,
		Confirmations: p.Data.Confirmations,
		Outputs:       make([]domain.DepositOutput, 0, len(p.Data.Outputs)),
	}
	for i, o := range p.Data.Outputs {
		addr := strings.TrimSpace(o.Address)
		if addr == "" {
			return domain.DepositEvent{}, fmt.Errorf("ParsePayload: output %d has no address: %w", i, domain.ErrInvalidRequest)
		}
		if o.Value.IsNegative() {
			return domain.DepositEvent{}, fmt.Errorf("ParsePayload: output %d has negative value: %w", i, domain.ErrInvalidRequest)
		}
		dep.Outputs = append(dep.Outputs, domain.DepositOutput{Address: addr, Value: o.Value})
	}
	return dep, nil
}
