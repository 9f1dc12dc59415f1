// Package brokertest provides in-memory fakes of the broker interfaces for
// tests. The fakes model just enough RabbitMQ behaviour to exercise
// acknowledgement, requeue and connection loss.
package brokertest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/taskhub/reminder-worker/internal/broker"
)

var ErrDialRefused = errors.New("dial tcp: connection refused")

// Dialer hands out fake connections. The first Failures calls fail.
type Dialer struct {
	mu       sync.Mutex
	failures int
	attempts int
	conns    []*Connection
	configs  []amqp.Config
	urls     []string
}

func NewDialer(failures int) *Dialer {
	return &Dialer{failures: failures}
}

func (d *Dialer) Dial(url string, cfg amqp.Config) (broker.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts++
	d.urls = append(d.urls, url)
	d.configs = append(d.configs, cfg)
	if d.failures > 0 {
		d.failures--
		return nil, ErrDialRefused
	}
	c := NewConnection()
	d.conns = append(d.conns, c)
	return c, nil
}

// SetFailures makes the next n dials fail.
func (d *Dialer) SetFailures(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *Dialer) Connections() []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Connection(nil), d.conns...)
}

// Last returns the most recently opened connection, or nil.
func (d *Dialer) Last() *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *Dialer) Configs() []amqp.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]amqp.Config(nil), d.configs...)
}

// Connection is a fake broker connection.
type Connection struct {
	mu         sync.Mutex
	closed     bool
	closeCalls int
	notify     []chan *amqp.Error
	channels   []*Channel
	channelErr error
	closeErr   error
}

func NewConnection() *Connection {
	return &Connection{}
}

func (c *Connection) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := NewChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close is a graceful close: listeners see their channel closed without an error.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, n := range c.notify {
		close(n)
	}
	c.notify = nil
	return c.closeErr
}

// Drop simulates the broker going away: every channel is closed and the
// close listeners receive an error.
func (c *Connection) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.forceClose()
	}
	for _, n := range c.notify {
		n <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true}
		close(n)
	}
	c.notify = nil
}

func (c *Connection) SetChannelErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelErr = err
}

func (c *Connection) SetCloseErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
}

func (c *Connection) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// Declaration records a QueueDeclare call.
type Declaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// Published records a PublishWithContext call.
type Published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// Nack records a negative acknowledgement.
type Nack struct {
	Tag     uint64
	Requeue bool
}

// Channel is a fake AMQP channel. It also acts as the Acknowledger of the
// deliveries it produces; a requeued delivery is redelivered on the same
// consumer stream with Redelivered set.
type Channel struct {
	mu         sync.Mutex
	closed     bool
	closeCalls int

	declared  []Declaration
	published []Published
	prefetch  int
	consumers []string
	stream    chan amqp.Delivery
	inflight  map[uint64]amqp.Delivery
	nextTag   uint64
	acked     []uint64
	nacked    []Nack

	DeclareErr error
	PublishErr error
	QosErr     error
	ConsumeErr error
	CloseErr   error
}

func NewChannel() *Channel {
	return &Channel{inflight: make(map[uint64]amqp.Delivery)}
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if c.DeclareErr != nil {
		return amqp.Queue{}, c.DeclareErr
	}
	c.declared = append(c.declared, Declaration{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive})
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.published = append(c.published, Published{Exchange: exchange, Key: key, Msg: msg})
	return nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.QosErr != nil {
		return c.QosErr
	}
	c.prefetch = prefetchCount
	return nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	if autoAck {
		return nil, errors.New("brokertest: auto-ack consumers are not supported")
	}
	c.consumers = append(c.consumers, consumer)
	c.stream = make(chan amqp.Delivery, 64)
	return c.stream, nil
}

// Deliver pushes body to the active consumer stream and returns its tag.
func (c *Channel) Deliver(body []byte) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTag++
	d := amqp.Delivery{
		Acknowledger: c,
		DeliveryTag:  c.nextTag,
		ContentType:  "application/json",
		Body:         body,
	}
	c.inflight[d.DeliveryTag] = d
	c.stream <- d
	return d.DeliveryTag
}

func (c *Channel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	delete(c.inflight, tag)
	c.acked = append(c.acked, tag)
	return nil
}

func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.nacked = append(c.nacked, Nack{Tag: tag, Requeue: requeue})
	d, ok := c.inflight[tag]
	delete(c.inflight, tag)
	if ok && requeue && c.stream != nil {
		c.nextTag++
		d.DeliveryTag = c.nextTag
		d.Redelivered = true
		c.inflight[d.DeliveryTag] = d
		c.stream <- d
	}
	return nil
}

func (c *Channel) Reject(tag uint64, requeue bool) error {
	return c.Nack(tag, false, requeue)
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked()
	return c.CloseErr
}

func (c *Channel) forceClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closeLocked()
	}
}

func (c *Channel) closeLocked() {
	c.closed = true
	if c.stream != nil {
		close(c.stream)
		c.stream = nil
	}
}

func (c *Channel) Declared() []Declaration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Declaration(nil), c.declared...)
}

func (c *Channel) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

func (c *Channel) Prefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetch
}

func (c *Channel) Consumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.consumers...)
}

// Subscribed reports whether a consumer stream is open.
func (c *Channel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

func (c *Channel) Acked() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.acked...)
}

func (c *Channel) Nacked() []Nack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Nack(nil), c.nacked...)
}

func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

var (
	_ broker.Connection = (*Connection)(nil)
	_ broker.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)
