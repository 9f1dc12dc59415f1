package broker

import (
	"context"
	"fmt"
	"net"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/taskhub/reminder-worker/internal/config"
)

// Channel is the subset of *amqp.Channel used by the publisher and consumer.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection used by the Manager.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection. DialAMQP is the production dialer;
// tests inject fakes.
type Dialer func(url string, cfg amqp.Config) (Connection, error)

// DialAMQP dials RabbitMQ with amqp091-go.
func DialAMQP(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// URL builds the AMQP URI for cfg, credentials included.
func URL(cfg config.BrokerConfig) string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		Vhost:    cfg.VHost,
	}.String()
}

// Endpoint is a log-safe description of the broker address.
func Endpoint(cfg config.BrokerConfig) string {
	return fmt.Sprintf("%s vhost=%s", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), cfg.VHost)
}

// DeclareQueue declares name as a durable, non-exclusive, non-auto-delete
// queue. Declaring an existing queue with the same flags is a no-op.
func DeclareQueue(ch Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}
