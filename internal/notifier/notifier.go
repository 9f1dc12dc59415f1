// Package notifier delivers reminder events to their audience.
package notifier

import (
	"context"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/taskhub/reminder-worker/internal/domain"
	"github.com/taskhub/reminder-worker/internal/ratelimiter"
)

// Notifier abstracts one delivery sink. Faking this interface in tests gives
// full control over delivery outcomes.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event domain.ReminderEvent) error
}

// LogNotifier writes the reminder as a warning-level log line.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, event domain.ReminderEvent) error {
	n.logger.Warn(event.Message(),
		zap.Int("task_id", event.TaskID),
		zap.Int("user_id", event.UserID),
		zap.Time("due_date", event.DueDate.Time),
	)
	return nil
}

// Multi delivers to every sink in order and stops at the first failure.
type Multi []Notifier

func (m Multi) Name() string {
	names := make([]string, len(m))
	for i, n := range m {
		names[i] = n.Name()
	}
	return strings.Join(names, "+")
}

func (m Multi) Notify(ctx context.Context, event domain.ReminderEvent) error {
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Close releases sinks that hold resources.
func (m Multi) Close() error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, closeSink(n))
	}
	return err
}

func closeSink(n Notifier) error {
	if c, ok := n.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Hooks carries the metric callbacks injected by main.
type Hooks struct {
	OnDelivered func(sink string, latency time.Duration)
	OnFailed    func(sink string)
}

type limited struct {
	next     Notifier
	limiters *ratelimiter.SinkLimiters
	hooks    Hooks
}

// Limit wraps n so each delivery first takes a token from the sink's limiter
// and reports its outcome through hooks. Nil hooks are no-ops.
func Limit(n Notifier, limiters *ratelimiter.SinkLimiters, hooks Hooks) Notifier {
	if hooks.OnDelivered == nil {
		hooks.OnDelivered = func(string, time.Duration) {}
	}
	if hooks.OnFailed == nil {
		hooks.OnFailed = func(string) {}
	}
	return &limited{next: n, limiters: limiters, hooks: hooks}
}

func (l *limited) Name() string { return l.next.Name() }

func (l *limited) Close() error { return closeSink(l.next) }

func (l *limited) Notify(ctx context.Context, event domain.ReminderEvent) error {
	if err := l.limiters.Wait(ctx, l.next.Name()); err != nil {
		return err
	}
	start := time.Now()
	if err := l.next.Notify(ctx, event); err != nil {
		l.hooks.OnFailed(l.next.Name())
		return err
	}
	l.hooks.OnDelivered(l.next.Name(), time.Since(start))
	return nil
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
