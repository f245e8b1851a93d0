package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/lock"
)

const lockName = "settlement-sweep"

// ErrSweepRunning is returned when another process or goroutine holds the
// sweep lock.
var ErrSweepRunning = errors.New("settlement sweep already running")

// Sweeper settles every deposit that has reached its due date.
type Sweeper interface {
	SettleDue(ctx context.Context) (domain.SweepReport, error)
}

type Config struct {
	// Schedule is a standard 5-field cron expression.
	Schedule string
	Location *time.Location
	LockTTL  time.Duration
}

// Scheduler fires the daily settlement sweep. Runs from the cron and from
// the admin trigger share one lock, so sweeps never overlap.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	locker  lock.Locker
	lockTTL time.Duration
	logger  *zap.Logger
}

// cronLogger routes the cron library's logging into zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

func New(cfg Config, sweeper Sweeper, locker lock.Locker, logger *zap.Logger) (*Scheduler, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	cl := cronLogger{s: logger.Named("cron").Sugar()}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	s := &Scheduler{
		cron:    c,
		sweeper: sweeper,
		locker:  locker,
		lockTTL: cfg.LockTTL,
		logger:  logger,
	}

	if _, err := c.AddFunc(cfg.Schedule, s.runScheduled); err != nil {
		return nil, fmt.Errorf("invalid settlement schedule %q: %w", cfg.Schedule, err)
	}
	logger.Info("scheduled settlement sweep", zap.String("schedule", cfg.Schedule), zap.String("location", loc.String()))
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron; the returned context is done once a running sweep
// has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Next reports when the sweep fires next. Zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTTL)
	defer cancel()

	if _, err := s.RunSettlement(ctx); err != nil {
		if errors.Is(err, ErrSweepRunning) {
			s.logger.Info("settlement sweep skipped: held elsewhere")
			return
		}
		s.logger.Error("settlement sweep failed", zap.Error(err))
	}
}

// RunSettlement runs one sweep under the sweep lock.
func (s *Scheduler) RunSettlement(ctx context.Context) (domain.SweepReport, error) {
	release, err := s.locker.Acquire(ctx, lockName, s.lockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return domain.SweepReport{}, ErrSweepRunning
	}
	if err != nil {
		return domain.SweepReport{}, fmt.Errorf("sweep lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("sweep lock release failed", zap.Error(err))
		}
	}()

	return s.sweeper.SettleDue(ctx)
}
