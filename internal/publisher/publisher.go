// Package publisher turns overdue tasks into durable reminder messages.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/taskhub/reminder-worker/internal/broker"
	"github.com/taskhub/reminder-worker/internal/domain"
)

// ChannelSource hands out a live publish channel. *broker.Manager satisfies it.
type ChannelSource interface {
	PublishChannel(ctx context.Context) (broker.Channel, error)
	Available() bool
}

// UserLookup resolves the owner of a task. *taskapi.Client satisfies it.
type UserLookup interface {
	GetUser(ctx context.Context, id int) (*domain.User, error)
}

// Publisher publishes one ReminderEvent per call. It does not retry; the
// caller decides what a failed publish means.
type Publisher struct {
	channels    ChannelSource
	users       UserLookup
	queue       string
	placeholder string
	logger      *zap.Logger

	now func() time.Time
}

func New(channels ChannelSource, users UserLookup, queue, placeholder string, logger *zap.Logger) *Publisher {
	return &Publisher{
		channels:    channels,
		users:       users,
		queue:       queue,
		placeholder: placeholder,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock replaces the publish timestamp source. Used by tests.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now
	return p
}

// Available is false while the broker is known to be down and reconnecting.
func (p *Publisher) Available() bool {
	return p.channels.Available()
}

// Publish sends a persistent reminder for task to the reminder queue.
func (p *Publisher) Publish(ctx context.Context, task domain.Task) error {
	ch, err := p.channels.PublishChannel(ctx)
	if err != nil {
		return fmt.Errorf("obtain publish channel: %w", err)
	}

	event := domain.NewReminderEvent(task, p.userFullName(ctx, task), p.now())

	if err := broker.DeclareQueue(ch, p.queue); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal reminder event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    event.Timestamp.Time,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish reminder for task %d: %w", task.ID, err)
	}

	p.logger.Info("reminder published",
		zap.Int("task_id", task.ID),
		zap.Int("user_id", task.UserID),
		zap.String("message_id", msg.MessageId),
		zap.String("queue", p.queue),
	)
	return nil
}

// userFullName never fails: a lookup error or an empty name degrades to the
// placeholder so the reminder still goes out.
func (p *Publisher) userFullName(ctx context.Context, task domain.Task) string {
	user, err := p.users.GetUser(ctx, task.UserID)
	if err != nil {
		p.logger.Warn("user lookup failed, using placeholder name",
			zap.Int("task_id", task.ID),
			zap.Int("user_id", task.UserID),
			zap.Error(err),
		)
		return p.placeholder
	}
	if user == nil || user.FullName == "" {
		return p.placeholder
	}
	return user.FullName
}
