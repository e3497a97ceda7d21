package service

import (
	"context"
	"time"

	"github.com/qcom/accounts/internal/metrics"
	"github.com/qcom/accounts/internal/repository"
	"github.com/sirupsen/logrus"
)

// LedgerSweeper periodically deletes expired refresh token records from ledgers that have
// no native expiry.
type LedgerSweeper struct {
	ledger   repository.Sweeper
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	now      func() time.Time
}

func NewLedgerSweeper(ledger repository.Sweeper, interval time.Duration, m *metrics.Metrics, logger *logrus.Logger) *LedgerSweeper {
	return &LedgerSweeper{
		ledger:   ledger,
		interval: interval,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (s *LedgerSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval.String()).Info("Refresh token sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Refresh token sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *LedgerSweeper) Sweep(ctx context.Context) int {
	deleted, err := s.ledger.DeleteExpired(ctx, s.now())
	if err != nil {
		s.logger.WithError(err).Error("Failed to sweep expired refresh tokens")
		return 0
	}

	if deleted > 0 {
		s.metrics.SweptTokens.Add(float64(deleted))
		s.logger.WithField("deleted", deleted).Debug("Swept expired refresh tokens")
	}
	return deleted
}
