package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/origin-registry/telemetry"
)

// Sweeper runs periodic cleanup of expired entries in a Bolt store. The Redis
// backend expires keys itself, so no sweeper is needed there.
type Sweeper struct {
	store    *Bolt
	interval time.Duration
	logger   *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the cleanup interval.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.interval = d
	}
}

// WithSweeperLogger sets the logger for the sweeper.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// NewSweeper creates a sweeper for the given store. Default interval: 1m.
func NewSweeper(store *Bolt, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		interval: 1 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the sweep loop. It blocks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("sweeper started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	start := time.Now()
	reclaimed, err := s.store.Sweep(ctx)
	duration := time.Since(start)

	telemetry.RecordSweep(ctx, reclaimed, duration)

	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if reclaimed > 0 {
		s.logger.Info("swept expired entries", "reclaimed", reclaimed, "duration", duration)
	}
}
