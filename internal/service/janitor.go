package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/engramd/engramd/internal/metrics"
)

// sweepBatch bounds one janitor pass.
const sweepBatch = 200

// runJanitor soft-deletes expired memory units on the configured interval.
func (s *Service) runJanitor(ctx context.Context) error {
	interval := s.cfg.Janitor.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.SweepExpired(ctx); err != nil {
				s.logger.Warn("TTL sweep failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("TTL sweep", zap.Int("expired", n))
			}
		}
	}
}

// SweepExpired removes units whose TTL elapsed: vector point first, then the
// row is deactivated. That order means an interrupted sweep leaves a unit
// that retrieval already filters by expiry, never an exposed half-state.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	units, err := s.store.ListExpired(ctx, time.Now().UTC(), sweepBatch)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, u := range units {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}
		if err := s.vector.Delete(ctx, u.UnitID); err != nil {
			s.logger.Warn("expired unit vector delete failed",
				zap.String("unit_id", u.UnitID), zap.Error(err))
			continue
		}
		if err := s.store.DeactivateMemoryUnit(ctx, u.UnitID); err != nil {
			s.logger.Warn("expired unit deactivate failed",
				zap.String("unit_id", u.UnitID), zap.Error(err))
			continue
		}
		metrics.UnitsExpired.Inc()
		swept++
	}
	return swept, nil
}
