package worker

import (
	"context"
	"fmt"
	"time"

	"rental-service/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 50 * time.Second

// AttemptExpirer cancels payment attempts whose link expired.
type AttemptExpirer interface {
	ExpireStaleAttempts(ctx context.Context) (int, error)
}

// Scheduler runs the periodic maintenance jobs.
type Scheduler struct {
	cron     *cron.Cron
	payments AttemptExpirer
	logger   *zap.Logger
}

// NewScheduler creates a scheduler with its jobs registered. expireSpec is a
// six field cron expression (seconds first).
func NewScheduler(expireSpec string, payments AttemptExpirer) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithSeconds(),
		),
		payments: payments,
		logger:   util.GetLogger(),
	}

	if err := s.registerJobs(expireSpec); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) registerJobs(expireSpec string) error {
	if _, err := s.cron.AddFunc(expireSpec, s.expireStaleAttempts); err != nil {
		return fmt.Errorf("failed to register ExpireStaleAttempts job: %w", err)
	}
	s.logger.Info("Cron jobs registered", zap.Int("jobs", len(s.cron.Entries())))
	return nil
}

func (s *Scheduler) expireStaleAttempts() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ExpireStaleAttempts job panicked", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.payments.ExpireStaleAttempts(ctx)
	if err != nil {
		s.logger.Error("ExpireStaleAttempts job failed", zap.Int("expired", n), zap.Error(err))
		return
	}
	s.logger.Debug("ExpireStaleAttempts job finished", zap.Int("expired", n))
}

// Start begins the cron scheduler
func (s *Scheduler) Start() {
	s.logger.Info("Starting cron scheduler...")
	s.cron.Start()
}

// Stop waits for running jobs and stops the scheduler
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping cron scheduler...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron scheduler stopped")
}
