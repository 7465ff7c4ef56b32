package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/logging"
	"github.com/josh-kwaku/escrow-ledger/internal/reconciler"
)

type depositReconciler interface {
	Reconcile(ctx context.Context, dep domain.DepositEvent) (reconciler.Result, error)
}

type WebhookHandler struct {
	reconciler depositReconciler
	secret     string
}

// NewWebhookHandler builds the custody webhook endpoint. An empty secret
// disables signature checks and is meant for local development only.
func NewWebhookHandler(r depositReconciler, secret string) *WebhookHandler {
	return &WebhookHandler{reconciler: r, secret: secret}
}

func (h *WebhookHandler) ReceiveDeposit(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	log := logging.FromContext(r.Context()).With("provider", provider)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		log.Error("failed to read webhook body", "error", err)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if h.secret == "" {
		log.Warn("webhook signature check disabled, WEBHOOK_SECRET is empty")
	} else if !verifyHMAC(body, r.Header.Get("X-Webhook-Signature"), h.secret) {
		log.Warn("webhook signature verification failed")
		RespondAppError(w, ErrInvalidSignature, nil)
		return
	}

	dep, err := reconciler.ParsePayload(provider, body)
	if err != nil {
		log.Warn("failed to parse webhook payload", "error", err)
		RespondAppError(w, ErrInvalidRequest, map[string]string{"reason": err.Error()})
		return
	}

	ctx := logging.WithLogger(r.Context(), log)
	res, err := h.reconciler.Reconcile(ctx, dep)
	if err != nil {
		log.Error("deposit reconciliation failed", "txid", dep.TxID, "error", err)
		RespondAppError(w, ErrInternalError, nil)
		return
	}

	RespondSuccess(w, http.StatusOK, res)
}

func verifyHMAC(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
