// Package cron runs the periodic retention sweep against the store on a
// cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/swarmstore/internal/config"
	"github.com/basket/swarmstore/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime computes the next activation of a cron expression after now.
func NextRunTime(expr string, now time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expr %q: %w", expr, err)
	}
	return schedule.Next(now), nil
}

// Config holds the dependencies for the retention sweeper.
type Config struct {
	Store     *persistence.Store
	Retention config.RetentionConfig
	Logger    *slog.Logger

	// Interval is the wakeup granularity, not the sweep cadence; the cron
	// expression decides when a wakeup actually sweeps. Defaults to 1 minute.
	Interval time.Duration

	// OnSweep, when set, receives the result of each successful scheduled
	// sweep.
	OnSweep func(persistence.RetentionResult)
}

// Sweeper periodically checks whether the retention schedule is due and
// runs the purge when it is.
type Sweeper struct {
	store     *persistence.Store
	retention config.RetentionConfig
	logger    *slog.Logger
	interval  time.Duration
	onSweep   func(persistence.RetentionResult)

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	nextRun time.Time
}

// NewSweeper creates a Sweeper. Returns an error when the schedule does not
// parse: a daemon silently never sweeping is worse than failing startup.
func NewSweeper(cfg Config) (*Sweeper, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	next, err := NextRunTime(cfg.Retention.Schedule, time.Now())
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		store:     cfg.Store,
		retention: cfg.Retention,
		logger:    logger.With("component", "retention"),
		interval:  interval,
		onSweep:   cfg.OnSweep,
		nextRun:   next,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started",
		"schedule", s.retention.Schedule, "next_run", s.nextRun)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(s.nextRun) {
				continue
			}
			s.sweep(ctx, now)
		}
	}
}

// Sweep runs one retention pass immediately, regardless of schedule.
func (s *Sweeper) Sweep(ctx context.Context) (persistence.RetentionResult, error) {
	return s.store.RunRetention(ctx,
		s.retention.EventsDays,
		s.retention.AuditLogDays,
		s.retention.SessionsDays,
	)
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time) {
	result, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
	} else {
		s.logger.Info("retention sweep completed",
			"purged_events", result.PurgedEvents,
			"purged_audit_logs", result.PurgedAuditLogs,
			"purged_sessions", result.PurgedSessions,
		)
		if s.onSweep != nil {
			s.onSweep(result)
		}
	}

	next, err := NextRunTime(s.retention.Schedule, now)
	if err != nil {
		s.logger.Error("compute next retention run", "error", err)
		next = now.Add(24 * time.Hour)
	}
	s.nextRun = next
}
