package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/josh-kwaku/escrow-ledger/internal/config"
	"github.com/josh-kwaku/escrow-ledger/internal/custody"
	"github.com/josh-kwaku/escrow-ledger/internal/escrow"
	"github.com/josh-kwaku/escrow-ledger/internal/handler"
	"github.com/josh-kwaku/escrow-ledger/internal/logging"
	"github.com/josh-kwaku/escrow-ledger/internal/middleware"
	"github.com/josh-kwaku/escrow-ledger/internal/notify"
	"github.com/josh-kwaku/escrow-ledger/internal/reconciler"
	"github.com/josh-kwaku/escrow-ledger/internal/repository"
	"github.com/josh-kwaku/escrow-ledger/internal/sweeper"
	"github.com/josh-kwaku/escrow-ledger/internal/wallet"
)

const dbConnectAttempts = 30

func main() {
	if err := run(); err != nil {
		slog.Error("escrow api exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.Init("escrow-api", cfg.LogLevel, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	}, dbConnectAttempts)
	if err != nil {
		return err
	}
	defer db.Close()

	escrowRepo := repository.NewEscrowRepository(db)
	walletRepo := repository.NewWalletRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	idempotencyRepo := repository.NewIdempotencyRepository(db)

	hub := notify.NewHub(logger)
	publishers := notify.Multi{hub}
	var subscriber notify.Subscriber = hub
	var redisCheck *notify.RedisPublisher

	if cfg.RedisURL != "" {
		rdb, err := notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		redisCheck = notify.NewRedisPublisher(rdb, logger)
		// Redis replaces the hub so every replica sees every publish.
		publishers = notify.Multi{redisCheck}
		subscriber = redisCheck
		logger.Info("notifications via redis")
	}

	if len(cfg.KafkaBrokers) > 0 {
		kafka := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer func() {
			if err := kafka.Close(); err != nil {
				logger.Warn("kafka writer close failed", "error", err)
			}
		}()
		publishers = append(publishers, kafka)
		logger.Info("escrow events mirrored to kafka", "topic", cfg.KafkaTopic)
	}

	custodyClient := custody.NewClient(cfg.CustodyBaseURL, cfg.CustodyTimeout, cfg.CustodyMaxRetries)
	wallets := wallet.NewManager(walletRepo, ledgerRepo, custodyClient, db, cfg.CustodyWalletSecret)
	escrows := escrow.NewService(escrowRepo, wallets, custodyClient, publishers, db, escrow.Options{
		MinCreditConfirmations: cfg.MinCreditConfirmations,
		DefaultDuration:        time.Duration(cfg.DefaultEscrowHours) * time.Hour,
	})
	recon := reconciler.NewReconciler(escrowRepo, escrows, wallets, cfg.MinCreditConfirmations)
	sweep := sweeper.NewSweeper(escrowRepo, escrows, idempotencyRepo, logger, cfg.SweepInterval, cfg.SweepBatchSize)

	var health *handler.HealthHandler
	if redisCheck != nil {
		health = handler.NewHealthHandler(db, redisCheck)
	} else {
		health = handler.NewHealthHandler(db, nil)
	}
	escrowHandler := handler.NewEscrowHandler(escrows)
	walletHandler := handler.NewWalletHandler(wallets)
	webhookHandler := handler.NewWebhookHandler(recon, cfg.WebhookSecret)
	streamHandler := handler.NewStreamHandler(escrows, subscriber)

	public := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h, middleware.Recovery, middleware.Tracing, middleware.Logging)
	}
	protected := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h,
			middleware.Recovery,
			middleware.Tracing,
			middleware.Auth(cfg.JWTSecret),
			middleware.Logging,
			middleware.Idempotency(idempotencyRepo),
		)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", public(health.Liveness))
	mux.Handle("GET /health/ready", public(health.Readiness))
	mux.Handle("POST /webhooks/{provider}", public(webhookHandler.ReceiveDeposit))

	mux.Handle("POST /escrows", protected(escrowHandler.Create))
	mux.Handle("GET /escrows", protected(escrowHandler.List))
	mux.Handle("GET /escrows/{id}", protected(escrowHandler.Get))
	mux.Handle("GET /escrows/{id}/stream", protected(streamHandler.Escrow))
	mux.Handle("POST /escrows/{id}/accept", protected(escrowHandler.Accept))
	mux.Handle("POST /escrows/{id}/confirm", protected(escrowHandler.Confirm))
	mux.Handle("POST /escrows/{id}/release", protected(escrowHandler.Release))
	mux.Handle("POST /escrows/{id}/refund", protected(escrowHandler.Refund))
	mux.Handle("POST /escrows/{id}/cancel", protected(escrowHandler.Cancel))
	mux.Handle("POST /escrows/{id}/dispute", protected(escrowHandler.OpenDispute))
	mux.Handle("POST /escrows/{id}/resolve", protected(escrowHandler.Resolve))

	mux.Handle("GET /wallets", protected(walletHandler.List))
	mux.Handle("GET /wallets/{currency}/entries", protected(walletHandler.Entries))
	mux.Handle("GET /wallets/{currency}/deposit-address", protected(walletHandler.DepositAddress))
	mux.Handle("POST /wallets/{currency}/withdrawals", protected(walletHandler.Withdraw))
	mux.Handle("POST /admin/wallets/credit", protected(walletHandler.AdminCredit))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sweep.Start(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
