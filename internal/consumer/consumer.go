// Package consumer drains the reminder queue and hands each event to a
// notifier, acknowledging only what was delivered.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/taskhub/reminder-worker/internal/broker"
	"github.com/taskhub/reminder-worker/internal/config"
	"github.com/taskhub/reminder-worker/internal/domain"
	"github.com/taskhub/reminder-worker/internal/notifier"
)

// ChannelSource hands out the consume channel. *broker.Manager satisfies it.
type ChannelSource interface {
	ConsumeChannel(ctx context.Context) (broker.Channel, error)
}

// Hooks carries the metric callbacks injected by main.
type Hooks struct {
	OnAcked    func()
	OnRequeued func()
}

type Consumer struct {
	channels ChannelSource
	notifier notifier.Notifier
	queue    string
	tag      string
	retry    time.Duration
	logger   *zap.Logger
	hooks    Hooks
}

// New builds a consumer for cfg.Queue. cfg.RetryDelay is the pause after a
// failed subscription attempt and before a failed delivery is requeued.
func New(channels ChannelSource, n notifier.Notifier, cfg config.BrokerConfig, logger *zap.Logger, hooks Hooks) *Consumer {
	if hooks.OnAcked == nil {
		hooks.OnAcked = func() {}
	}
	if hooks.OnRequeued == nil {
		hooks.OnRequeued = func() {}
	}
	return &Consumer{
		channels: channels,
		notifier: n,
		queue:    cfg.Queue,
		tag:      cfg.ConsumerTag,
		retry:    cfg.RetryDelay,
		logger:   logger.With(zap.String("queue", cfg.Queue), zap.String("consumer_tag", cfg.ConsumerTag)),
		hooks:    hooks,
	}
}

// Run subscribes and processes deliveries until ctx is cancelled. A closed
// delivery stream leads to a fresh subscription on whatever channel the
// broker manager hands out next.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping")
			return nil
		}
		if errors.Is(err, broker.ErrClosed) {
			c.logger.Info("consumer stopping, broker closed")
			return nil
		}

		if err == nil {
			c.logger.Warn("delivery stream closed, resubscribing")
			continue
		}

		c.logger.Warn("consumer subscription failed, retrying",
			zap.Duration("retry_in", c.retry),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping")
			return nil
		case <-time.After(c.retry):
		}
	}
}

// consume runs one subscription. It returns nil when the delivery stream
// closes.
func (c *Consumer) consume(ctx context.Context) error {
	deliveries, err := c.subscribe(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("consumer subscribed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) subscribe(ctx context.Context) (<-chan amqp.Delivery, error) {
	ch, err := c.channels.ConsumeChannel(ctx)
	if err != nil {
		return nil, err
	}
	if err := broker.DeclareQueue(ch, c.queue); err != nil {
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}
	return deliveries, nil
}

// handle acks d once the notifier succeeds and requeues it otherwise.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	log := c.logger.With(
		zap.Uint64("delivery_tag", d.DeliveryTag),
		zap.String("message_id", d.MessageId),
		zap.Bool("redelivered", d.Redelivered),
	)

	event, err := domain.DecodeReminderEvent(d.Body)
	if err != nil {
		log.Error("failed to decode reminder event", zap.Error(err))
		c.requeue(ctx, d, log)
		return
	}
	log = log.With(zap.Int("task_id", event.TaskID))

	if err := c.notifier.Notify(ctx, event); err != nil {
		log.Error("failed to deliver reminder", zap.String("sink", c.notifier.Name()), zap.Error(err))
		c.requeue(ctx, d, log)
		return
	}

	if err := d.Ack(false); err != nil {
		log.Error("failed to ack delivery", zap.Error(err))
		return
	}
	c.hooks.OnAcked()
	log.Debug("reminder delivered")
}

// requeue pauses for the retry delay before returning d to the queue, so a
// message that keeps failing is redelivered at most once per delay.
func (c *Consumer) requeue(ctx context.Context, d amqp.Delivery, log *zap.Logger) {
	select {
	case <-ctx.Done():
	case <-time.After(c.retry):
	}
	if err := d.Nack(false, true); err != nil {
		log.Error("failed to nack delivery", zap.Error(err))
		return
	}
	c.hooks.OnRequeued()
}
