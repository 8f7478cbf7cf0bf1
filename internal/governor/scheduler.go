package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour,
// dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime computes the next fire time for a cron expression.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched.Next(after), nil
}

// Scheduler runs governor passes on a cron schedule. It ticks once a
// minute and fires when the schedule's next run time has passed.
type Scheduler struct {
	governor *Governor
	logger   *slog.Logger
	expr     string
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expression up front so a bad config
// fails at startup, not at 3am.
func NewScheduler(g *Governor, logger *slog.Logger, expr string) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return nil, fmt.Errorf("parse governor schedule %q: %w", expr, err)
	}
	return &Scheduler{
		governor: g,
		logger:   logger,
		expr:     expr,
		interval: time.Minute,
	}, nil
}

// Start begins the scheduler loop in a background goroutine. An initial
// pass runs immediately so a long-idle machine is brought within bounds
// right away.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("governor scheduler started", "schedule", s.expr)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("governor scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.fire(ctx)
	next, err := NextRunTime(s.expr, time.Now())
	if err != nil {
		s.logger.Error("governor schedule", "error", err)
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			s.fire(ctx)
			next, err = NextRunTime(s.expr, now)
			if err != nil {
				s.logger.Error("governor schedule", "error", err)
				return
			}
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	report, err := s.governor.Run(ctx)
	if err != nil {
		s.logger.Error("governor pass", "error", err, "evicted", report.Evicted, "freed_bytes", report.FreedBytes)
		return
	}
	s.logger.Debug("governor pass completed",
		"retiered", report.Retiered, "evicted", report.Evicted,
		"freed_bytes", report.FreedBytes, "usage_bytes", report.UsageAfter)
}
