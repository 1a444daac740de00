// Package scheduler runs the portfolio maintenance jobs and optional model
// retraining on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/patrickwarner/openbid/internal/bidding"
	"github.com/patrickwarner/openbid/internal/config"
	"github.com/patrickwarner/openbid/internal/portfolio"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 5 * time.Minute

// PortfolioJobs is the subset of the optimizer the scheduler drives.
type PortfolioJobs interface {
	Recalibrate(ctx context.Context) (portfolio.JobReport, error)
	ResetDailyBudgets(ctx context.Context) (portfolio.JobReport, error)
}

// Retrainer refits the revenue model.
type Retrainer interface {
	RetrainRevenueModel(ctx context.Context) (bidding.RetrainResult, error)
}

var (
	_ PortfolioJobs = (*portfolio.Optimizer)(nil)
	_ Retrainer     = (*bidding.Pipeline)(nil)
)

// Scheduler wraps a cron instance. Schedules are evaluated in UTC so the
// daily reset lines up with the UTC day the ledger uses.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
	timeout time.Duration
}

// New creates a stopped Scheduler. Jobs run with a context derived from
// baseCtx, so cancelling it aborts in-flight runs.
func New(baseCtx context.Context, logger *zap.Logger) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	cl := cronLogger{l: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		baseCtx: baseCtx,
		timeout: DefaultJobTimeout,
	}
}

// Register adds the recalibration and daily reset jobs, plus retraining
// when cfg.RetrainSchedule is set and retrainer is non-nil.
func (s *Scheduler) Register(cfg config.Config, jobs PortfolioJobs, retrainer Retrainer) error {
	if _, err := s.Add(portfolio.JobRecalibrate, cfg.RecalibrateSchedule, func(ctx context.Context) error {
		_, err := jobs.Recalibrate(ctx)
		return err
	}); err != nil {
		return err
	}
	if _, err := s.Add(portfolio.JobDailyReset, cfg.DailyResetSchedule, func(ctx context.Context) error {
		_, err := jobs.ResetDailyBudgets(ctx)
		return err
	}); err != nil {
		return err
	}
	if cfg.RetrainSchedule == "" || retrainer == nil {
		return nil
	}
	_, err := s.Add("retrain", cfg.RetrainSchedule, func(ctx context.Context) error {
		_, err := retrainer.RetrainRevenueModel(ctx)
		return err
	})
	return err
}

// Add schedules job under name.
func (s *Scheduler) Add(name, spec string, job func(context.Context) error) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return 0, fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.logger.Info("job scheduled", zap.String("job", name), zap.String("spec", spec))
	return id, nil
}

func (s *Scheduler) run(name string, job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.timeout)
	defer cancel()
	start := time.Now()
	if err := job(ctx); err != nil {
		s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
		return
	}
	s.logger.Info("scheduled job finished", zap.String("job", name), zap.Duration("duration", time.Since(start)))
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", zap.Int("jobs", s.Entries()))
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
