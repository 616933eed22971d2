package service

import (
	"context"
	"fmt"
	"inkpress/internal/logger"
	"time"
)

// ExpiredSweeper reclaims expired credential rows.
type ExpiredSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Sweeper periodically deletes expired credentials. Validation already
// rejects expired tokens, so the sweeper only reclaims space; skipping a
// run is harmless.
type Sweeper struct {
	store    ExpiredSweeper
	interval time.Duration
	log      logger.Logger
}

// NewSweeper creates a sweeper ticking at the given interval.
func NewSweeper(store ExpiredSweeper, interval time.Duration, log logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{store: store, interval: interval, log: log}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("credential sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.store.SweepExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error(err, "credential sweep failed")
				continue
			}
			if n > 0 {
				s.log.Info(fmt.Sprintf("reclaimed %d expired credentials", n))
			}
		}
	}
}
