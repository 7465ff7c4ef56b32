// Command mock-custody stands in for the custody provider during local
// development. It hands out deterministic deposit addresses, accepts sends
// and can push signed deposit webhooks at the API.
package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/escrow-ledger/internal/logging"
)

type config struct {
	Port          int    `env:"PORT" envDefault:"8081"`
	WebhookURL    string `env:"WEBHOOK_URL" envDefault:"http://api:8080/webhooks/mock"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
}

type server struct {
	cfg    config
	client *http.Client

	mu    sync.Mutex
	sends map[string]string
}

func main() {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Init("mock-custody", cfg.LogLevel, cfg.AppEnv)

	s := &server{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		sends:  make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /addresses", s.reserveAddress)
	mux.HandleFunc("POST /send", s.send)
	mux.HandleFunc("POST /simulate/deposit", s.simulateDeposit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("mock custody started", "addr", addr, "webhook_url", cfg.WebhookURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
}

// depositAddress derives a stable address so a restarted mock keeps
// routing deposits to the same escrow or wallet.
func depositAddress(currency, walletRef string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(currency) + "|" + walletRef))
	return strings.ToLower(currency) + "1" + hex.EncodeToString(sum[:])[:38]
}

func (s *server) reserveAddress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Currency  string `json:"currency"`
		WalletRef string `json:"wallet_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Currency == "" || req.WalletRef == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "currency and wallet_ref required"})
		return
	}

	addr := depositAddress(req.Currency, req.WalletRef)
	logging.FromContext(r.Context()).Info("address reserved", "currency", req.Currency, "wallet_ref", req.WalletRef, "address", addr)
	writeJSON(w, http.StatusOK, map[string]string{"address": addr})
}

func (s *server) send(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Currency   string `json:"currency"`
		WalletRef  string `json:"wallet_ref"`
		Reference  string `json:"reference"`
		Recipients []struct {
			Address string          `json:"address"`
			Amount  decimal.Decimal `json:"amount"`
		} `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" || len(req.Recipients) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reference and recipients required"})
		return
	}

	s.mu.Lock()
	txid, seen := s.sends[req.Reference]
	if !seen {
		txid = strings.ReplaceAll(uuid.NewString(), "-", "")
		s.sends[req.Reference] = txid
	}
	s.mu.Unlock()

	logging.FromContext(r.Context()).Info("send accepted",
		"reference", req.Reference,
		"txid", txid,
		"replay", seen,
		"recipients", len(req.Recipients),
	)
	writeJSON(w, http.StatusOK, map[string]string{"txid": txid})
}

type simulateRequest struct {
	Address       string          `json:"address"`
	Value         decimal.Decimal `json:"value"`
	Confirmations int             `json:"confirmations"`
	TxID          string          `json:"txid"`
}

// simulateDeposit builds a deposit notification, signs it the way the real
// provider does and posts it to the API, retrying while the API is down.
func (s *server) simulateDeposit(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" || !req.Value.IsPositive() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address and positive value required"})
		return
	}
	if req.TxID == "" {
		req.TxID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	body, err := json.Marshal(map[string]any{
		"event": "deposit",
		"data": map[string]any{
			"txid":          req.TxID,
			"confirmations": req.Confirmations,
			"outputs": []map[string]any{
				{"address": req.Address, "value": req.Value},
			},
		},
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	status, respBody, err := s.deliver(r.Context(), body)
	if err != nil {
		logging.FromContext(r.Context()).Error("webhook delivery failed", "txid", req.TxID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"txid":             req.TxID,
		"webhook_status":   status,
		"webhook_response": json.RawMessage(respBody),
	})
}

func (s *server) deliver(ctx context.Context, body []byte) (int, []byte, error) {
	var (
		status   int
		respBody []byte
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 15 * time.Second

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.cfg.WebhookSecret != "" {
			req.Header.Set("X-Webhook-Signature", sign(body, s.cfg.WebhookSecret))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return err
		}
		status, respBody = resp.StatusCode, buf.Bytes()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return status, respBody, err
	}
	if !json.Valid(respBody) {
		respBody = []byte("null")
	}
	return status, respBody, nil
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
