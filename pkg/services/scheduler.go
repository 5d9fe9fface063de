package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/substrate-ops/inventory-engine/pkg/apperrors"
	"github.com/substrate-ops/inventory-engine/pkg/config"
)

// Scheduler drives recurring sync cycles, one goroutine per configured
// source. Each source ticks on its own interval; a tick that lands while
// the previous cycle is still running is skipped, not queued.
type Scheduler struct {
	sync   SyncService
	cfg    *config.SyncConfig
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler.
func NewScheduler(syncSvc SyncService, cfg *config.SyncConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{sync: syncSvc, cfg: cfg, logger: logger}
}

// Start launches the per-source loops. Each source runs an immediate first
// cycle, then repeats on its interval until ctx is canceled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i := range s.cfg.Sources {
		src := &s.cfg.Sources[i]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runLoop(ctx, src)
		}()
	}

	s.logger.Info("scheduler started", zap.Int("sources", len(s.cfg.Sources)))
}

// Stop cancels the loops and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context, src *config.SourceConfig) {
	logger := s.logger.With(zap.String("source", src.Key()))

	s.runOnce(ctx, src, logger)

	ticker := time.NewTicker(src.Interval(s.cfg))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, src, logger)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, src *config.SourceConfig, logger *zap.Logger) {
	result, err := s.sync.RunCycle(ctx, src)
	switch {
	case errors.Is(err, apperrors.ErrCycleRunning):
		logger.Warn("previous cycle still running, skipping tick")
	case errors.Is(err, context.Canceled):
	case err != nil:
		logger.Error("sync cycle failed", zap.Error(err))
	default:
		logger.Debug("scheduled cycle finished", zap.String("status", result.Status))
	}
}
