// Package retention prunes deployment records that have aged out of their
// compliance window.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/snooky23/apple-deploy-sub001/internal/repository"
)

// Sweeper periodically deletes expired deployment records. App Store and
// enterprise records carry multi-year retention; the repository applies the
// per-type policy, the sweeper only supplies the clock.
type Sweeper struct {
	repo     repository.DeploymentRepository
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

// New returns a sweeper running at the given interval.
func New(repo repository.DeploymentRepository, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Sweeper{repo: repo, logger: logger, interval: interval, now: time.Now}
}

// Run sweeps until ctx is cancelled. One pass runs immediately on start.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	pruned, err := s.repo.DeleteDeploymentsExpiredBefore(opCtx, s.now().UTC())
	if err != nil {
		s.logger.Warn("retention sweep failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("retention sweep pruned records", "count", pruned)
	}
}
