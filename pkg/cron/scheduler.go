// Package cron provides scheduled background jobs using robfig/cron.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ShadowCleaner removes personal rules that repeat the shared rule they shadow
type ShadowCleaner interface {
	CleanupRedundantShadows(ctx context.Context) (int64, error)
}

// Scheduler manages background scheduled jobs using robfig/cron.
type Scheduler struct {
	cron     *cron.Cron
	cleaner  ShadowCleaner
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a new job scheduler. schedule uses the standard 5-field format.
func NewScheduler(cleaner ShadowCleaner, schedule string, logger *slog.Logger) *Scheduler {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	return &Scheduler{
		cron:     c,
		cleaner:  cleaner,
		schedule: schedule,
		timeout:  10 * time.Minute,
		logger:   logger,
	}
}

// Start begins scheduled jobs.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.cleanupShadows); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		slog.Int("jobs", len(s.cron.Entries())),
		slog.String("cleanup_schedule", s.schedule),
	)
	return nil
}

// Stop gracefully stops all scheduled jobs.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("cron scheduler stopping")
	return s.cron.Stop()
}

// RunNow triggers the shadow cleanup outside its schedule
func (s *Scheduler) RunNow() {
	go s.cleanupShadows()
}

func (s *Scheduler) cleanupShadows() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	started := time.Now()
	s.logger.Info("starting redundant shadow cleanup")

	n, err := s.cleaner.CleanupRedundantShadows(ctx)
	if err != nil {
		s.logger.Error("redundant shadow cleanup failed", slog.Any("error", err))
		return
	}

	s.logger.Info("redundant shadow cleanup completed",
		slog.Int64("rows_deleted", n),
		slog.Duration("took", time.Since(started)),
	)
}
