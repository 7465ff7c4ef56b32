package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/logging"
	"github.com/josh-kwaku/escrow-ledger/internal/notify"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

type escrowReader interface {
	Get(ctx context.Context, id uuid.UUID, actor domain.Actor) (*domain.Escrow, error)
}

// StreamHandler pushes escrow change notifications to websocket clients.
type StreamHandler struct {
	escrows    escrowReader
	subscriber notify.Subscriber
	upgrader   websocket.Upgrader
}

func NewStreamHandler(escrows escrowReader, subscriber notify.Subscriber) *StreamHandler {
	return &StreamHandler{
		escrows:    escrows,
		subscriber: subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *StreamHandler) Escrow(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	id, appErr := escrowIDFromPath(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	if _, err := h.escrows.Get(r.Context(), id, actor); err != nil {
		RespondDomainError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "escrow_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	msgs, unsubscribe, err := h.subscriber.Subscribe(ctx, notify.EscrowChannel(id))
	if err != nil {
		log.Error("escrow subscription failed", "escrow_id", id, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(streamWriteWait))
		return
	}
	defer unsubscribe()

	log.Info("escrow stream opened", "escrow_id", id)
	go readPump(conn, cancel)

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("escrow stream closed", "escrow_id", id)
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Info("escrow stream write failed", "escrow_id", id, "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pongs and close frames are processed.
// It cancels the stream once the client goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
