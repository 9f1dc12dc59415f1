package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/taskhub/reminder-worker/internal/config"
	"github.com/taskhub/reminder-worker/internal/domain"
	"github.com/taskhub/reminder-worker/internal/ledger"
)

// TaskSource lists the tasks to check. *taskapi.Client satisfies it.
type TaskSource interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
}

// ReminderPublisher publishes one reminder. *publisher.Publisher satisfies it.
type ReminderPublisher interface {
	Publish(ctx context.Context, task domain.Task) error
	// Available is false while the broker is down and reconnecting.
	Available() bool
}

// PollerHooks carries the metric callback functions injected by main.
// Nil hooks are no-ops.
type PollerHooks struct {
	OnCycle         func(result string, overdue int)
	OnPublished     func()
	OnPublishFailed func()
	OnSkipped       func()
	OnSwept         func(remaining int)
}

func (h *PollerHooks) fill() {
	if h.OnCycle == nil {
		h.OnCycle = func(string, int) {}
	}
	if h.OnPublished == nil {
		h.OnPublished = func() {}
	}
	if h.OnPublishFailed == nil {
		h.OnPublishFailed = func() {}
	}
	if h.OnSkipped == nil {
		h.OnSkipped = func() {}
	}
	if h.OnSwept == nil {
		h.OnSwept = func(int) {}
	}
}

// Poller periodically fetches tasks, selects the overdue ones and publishes
// a reminder for each task not reminded within the dedupe window.
//
// The first cycle runs immediately; later cycles follow the cron schedule.
type Poller struct {
	tasks     TaskSource
	ledger    ledger.Ledger
	publisher ReminderPublisher
	schedule  cron.Schedule
	backoff   time.Duration
	logger    *zap.Logger
	hooks     PollerHooks

	now func() time.Time
}

// NewPoller builds a poller from cfg. A non-empty cfg.PollSchedule is parsed
// as a standard five-field cron expression and replaces the fixed interval.
func NewPoller(
	cfg config.ReminderConfig,
	tasks TaskSource,
	l ledger.Ledger,
	pub ReminderPublisher,
	logger *zap.Logger,
	hooks PollerHooks,
) (*Poller, error) {
	var schedule cron.Schedule = cron.Every(cfg.PollInterval())
	if cfg.PollSchedule != "" {
		parsed, err := cron.ParseStandard(cfg.PollSchedule)
		if err != nil {
			return nil, fmt.Errorf("parse poll schedule %q: %w", cfg.PollSchedule, err)
		}
		schedule = parsed
	}
	hooks.fill()

	return &Poller{
		tasks:     tasks,
		ledger:    l,
		publisher: pub,
		schedule:  schedule,
		backoff:   cfg.ErrorBackoff,
		logger:    logger,
		hooks:     hooks,
		now:       time.Now,
	}, nil
}

// WithClock replaces the time source. Used by tests.
func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

// WithSchedule replaces the cycle schedule. Used by tests.
func (p *Poller) WithSchedule(s cron.Schedule) *Poller {
	p.schedule = s
	return p
}

// Run executes poll cycles until ctx is cancelled. Nothing else stops it:
// fetch failures wait for the next scheduled cycle and a panicking cycle
// backs off before resuming.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("overdue poller started", zap.Duration("error_backoff", p.backoff))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("overdue poller stopping")
			return nil
		case <-timer.C:
		}

		wait := p.cycle(ctx)
		p.logger.Debug("next poll scheduled", zap.Duration("in", wait))
		timer.Reset(wait)
	}
}

// cycle runs one RunCycle and returns how long to wait before the next.
func (p *Poller) cycle(ctx context.Context) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll cycle panicked, backing off",
				zap.Any("panic", r),
				zap.Duration("retry_in", p.backoff),
				zap.Stack("stack"),
			)
			p.hooks.OnCycle("panic", 0)
			wait = p.backoff
		}
	}()

	if err := p.RunCycle(ctx, p.now()); err != nil && ctx.Err() == nil {
		p.logger.Warn("failed to fetch tasks", zap.Error(err))
		p.hooks.OnCycle("fetch_error", 0)
	}

	now := p.now()
	wait = p.schedule.Next(now).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// RunCycle performs a single poll at now. It returns an error only when the
// task list cannot be fetched; per-task failures are logged and counted.
func (p *Poller) RunCycle(ctx context.Context, now time.Time) error {
	tasks, err := p.tasks.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("fetch tasks: %w", err)
	}

	overdue := domain.FilterOverdue(tasks, now)
	p.logger.Info("poll cycle",
		zap.Int("fetched", len(tasks)),
		zap.Int("overdue", len(overdue)),
		zap.Time("today", domain.UTCDate(now)),
	)

	for i, task := range overdue {
		if ctx.Err() != nil {
			break
		}
		// unclaimed tasks are picked up again next cycle
		if !p.publisher.Available() {
			p.logger.Warn("broker unavailable, deferring reminders to next cycle",
				zap.Int("deferred", len(overdue)-i),
			)
			break
		}
		p.remind(ctx, task, now)
	}

	p.sweep(ctx, now)
	p.hooks.OnCycle("ok", len(overdue))
	return nil
}

func (p *Poller) remind(ctx context.Context, task domain.Task, now time.Time) {
	log := p.logger.With(zap.Int("task_id", task.ID))

	claim, err := p.ledger.Claim(ctx, task.ID, now)
	if err != nil {
		// without a stamp there is no dedupe, so skip rather than risk a duplicate
		log.Error("dedupe ledger claim failed, skipping task", zap.Error(err))
		return
	}
	if !claim.Claimed {
		log.Info("reminder already sent within window, skipping",
			zap.Duration("elapsed", now.Sub(claim.Last)),
		)
		p.hooks.OnSkipped()
		return
	}

	if err := p.publisher.Publish(ctx, task); err != nil {
		log.Error("failed to publish reminder", zap.Error(err))
		p.hooks.OnPublishFailed()
		return
	}
	p.hooks.OnPublished()
}

func (p *Poller) sweep(ctx context.Context, now time.Time) {
	removed, err := p.ledger.Sweep(ctx, now)
	if err != nil {
		p.logger.Warn("dedupe ledger sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		p.logger.Debug("swept expired dedupe records", zap.Int("removed", removed))
	}
	if size, err := p.ledger.Size(ctx); err == nil {
		p.hooks.OnSwept(size)
	}
}
