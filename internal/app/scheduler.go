package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/scholarstream/application-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.ReconcileSchedule, s.jobs.ReconcileStaleAttempts); err != nil {
		s.logger.Error("failed to schedule checkout reconciliation job", "error", err)
	} else {
		s.logger.Info("scheduled checkout reconciliation job", "schedule", s.config.ReconcileSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.EscalationSchedule, s.jobs.EscalateStuckAttempts); err != nil {
		s.logger.Error("failed to schedule stuck checkout escalation job", "error", err)
	} else {
		s.logger.Info("scheduled stuck checkout escalation job", "schedule", s.config.EscalationSchedule)
	}

	s.cron.Start()
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
