// Package custody talks to the external custody service that owns on-chain
// wallets: it hands out deposit addresses and broadcasts withdrawals.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/logging"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
	backoff    func() backoff.BackOff
}

func NewClient(baseURL string, timeout time.Duration, maxRetries uint64) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

type Recipient struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

// SendRequest moves funds out of a custody wallet. Reference is forwarded so
// the custody side can drop a resent request.
type SendRequest struct {
	Currency   domain.Currency
	WalletRef  string
	Reference  string
	Recipients []Recipient
	Secret     string
}

type SendResult struct {
	TxID string `json:"txid"`
}

type reserveAddressPayload struct {
	Currency  string `json:"currency"`
	WalletRef string `json:"wallet_ref"`
}

type reserveAddressResponse struct {
	Address string `json:"address"`
}

type sendPayload struct {
	Currency   string      `json:"currency"`
	WalletRef  string      `json:"wallet_ref"`
	Reference  string      `json:"reference"`
	Recipients []Recipient `json:"recipients"`
	Secret     string      `json:"secret,omitempty"`
}

func (c *Client) ReserveDepositAddress(ctx context.Context, currency domain.Currency, walletRef string) (string, error) {
	var out reserveAddressResponse
	err := c.post(ctx, "/addresses", reserveAddressPayload{
		Currency:  string(currency),
		WalletRef: walletRef,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("ReserveDepositAddress: %w", err)
	}
	if out.Address == "" {
		return "", fmt.Errorf("ReserveDepositAddress: empty address: %w", domain.ErrExternalProvider)
	}
	return out.Address, nil
}

func (c *Client) SendFromWallet(ctx context.Context, req SendRequest) (*SendResult, error) {
	var out SendResult
	err := c.post(ctx, "/send", sendPayload{
		Currency:   string(req.Currency),
		WalletRef:  req.WalletRef,
		Reference:  req.Reference,
		Recipients: req.Recipients,
		Secret:     req.Secret,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("SendFromWallet: %w", err)
	}
	if out.TxID == "" {
		return nil, fmt.Errorf("SendFromWallet: empty txid: %w", domain.ErrExternalProvider)
	}
	return &out, nil
}

// post retries transport failures and 5xx answers with exponential backoff.
// 4xx answers are final. Every error returned wraps domain.ErrExternalProvider.
func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	log := logging.FromContext(ctx)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("post %s: marshal: %w", path, err)
	}

	attempt := 0
	op := func() error {
		attempt++
		return c.do(ctx, path, body, out)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.backoff(), c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		log.Warn("custody request failed, retrying",
			"path", path,
			"attempt", attempt,
			"retry_in_ms", wait.Milliseconds(),
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return fmt.Errorf("post %s: %w: %w", path, domain.ErrExternalProvider, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, body []byte, out any) error {
	log := logging.FromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	log.Info("custody response received",
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
