// Package sweeper cancels escrows that expired before anyone funded them.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/escrow-ledger/internal/domain"
	"github.com/josh-kwaku/escrow-ledger/internal/logging"
)

type expiredLister interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Escrow, error)
}

type expirer interface {
	Expire(ctx context.Context, id uuid.UUID) (bool, error)
}

type idempotencyPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type Sweeper struct {
	escrows     expiredLister
	expirer     expirer
	idempotency idempotencyPurger
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	now         func() time.Time
}

// Report summarizes one sweep.
type Report struct {
	Scanned   int
	Cancelled int
	Failed    int
	Purged    int64
}

func NewSweeper(
	escrows expiredLister,
	expirer expirer,
	idempotency idempotencyPurger,
	logger *slog.Logger,
	interval time.Duration,
	batchSize int,
) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		escrows:     escrows,
		expirer:     expirer,
		idempotency: idempotency,
		logger:      logger,
		interval:    interval,
		batchSize:   batchSize,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("expiry sweeper started", "interval", s.interval, "batch_size", s.batchSize)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(logging.WithLogger(ctx, s.logger))
		}
	}
}

// Sweep cancels one batch of expired escrows. Escrows that changed since
// they were listed are skipped; failures are retried on the next tick.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	var rep Report
	now := s.now()

	expired, err := s.escrows.ListExpired(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("failed to list expired escrows", "error", err)
		return rep
	}
	rep.Scanned = len(expired)

	for _, e := range expired {
		cancelled, err := s.expirer.Expire(ctx, e.ID)
		if err != nil {
			rep.Failed++
			s.logger.Error("failed to expire escrow", "escrow_id", e.ID, "error", err)
			continue
		}
		if cancelled {
			rep.Cancelled++
			s.logger.Info("escrow expired", "escrow_id", e.ID, "expires_at", e.ExpiresAt)
		}
	}

	if s.idempotency != nil {
		n, err := s.idempotency.PurgeExpired(ctx, now)
		if err != nil {
			s.logger.Error("failed to purge idempotency keys", "error", err)
		}
		rep.Purged = n
	}

	if rep.Scanned > 0 || rep.Purged > 0 {
		s.logger.Info("sweep complete",
			"scanned", rep.Scanned,
			"cancelled", rep.Cancelled,
			"failed", rep.Failed,
			"idempotency_purged", rep.Purged,
		)
	}
	return rep
}
