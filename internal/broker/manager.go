// Package broker owns the RabbitMQ connection shared by the publisher and the
// consumer. Each of them gets a dedicated channel over that connection.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/taskhub/reminder-worker/internal/config"
)

var (
	ErrConnectExhausted = errors.New("broker connect attempts exhausted")
	ErrClosed           = errors.New("broker manager closed")
	ErrUnavailable      = errors.New("broker unavailable, recovery in progress")
)

// Hooks are optional callbacks fired on connectivity changes (metrics).
type Hooks struct {
	OnConnected    func()
	OnDisconnected func()
}

// Manager establishes the broker connection, keeps it alive, and hands out
// the publish and consume channels.
//
// Two reconnect paths exist:
//
//	Connect         bounded attempts with a fixed delay; used at startup and by
//	                the publisher when it finds no live connection.
//	recovery loop   unbounded redials every RecoveryInterval; started when an
//	                established connection drops, or explicitly via StartRecovery.
type Manager struct {
	cfg    config.BrokerConfig
	url    string
	dial   Dialer
	logger *zap.Logger
	hooks  Hooks

	// connectMu serialises dialing so the publisher and the recovery loop
	// never open two connections at once.
	connectMu sync.Mutex

	mu         sync.Mutex
	conn       Connection
	pubCh      Channel
	conCh      Channel
	ready      chan struct{} // closed while a connection is live
	recovering bool
	closed     bool
	done       chan struct{}
}

func NewManager(cfg config.BrokerConfig, dial Dialer, logger *zap.Logger, hooks Hooks) *Manager {
	if dial == nil {
		dial = DialAMQP
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 10 * time.Second
	}
	if hooks.OnConnected == nil {
		hooks.OnConnected = func() {}
	}
	if hooks.OnDisconnected == nil {
		hooks.OnDisconnected = func() {}
	}
	return &Manager{
		cfg:    cfg,
		url:    URL(cfg),
		dial:   dial,
		logger: logger.With(zap.String("broker", Endpoint(cfg))),
		hooks:  hooks,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Connect opens the connection and both channels, retrying up to
// ConnectAttempts times with RetryDelay between attempts. It is a no-op when
// a live connection already exists.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.isClosed() {
		return ErrClosed
	}
	if m.Connected() {
		return nil
	}

	var (
		attempt int
		lastErr error
	)
	backoff := retry.WithMaxRetries(uint64(m.cfg.ConnectAttempts-1), retry.NewConstant(m.cfg.RetryDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := m.dialOnce()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrClosed) {
			return err
		}
		if attempt < m.cfg.ConnectAttempts {
			m.logger.Warn("broker connection failed, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", m.cfg.ConnectAttempts),
				zap.Duration("retry_in", m.cfg.RetryDelay),
				zap.Error(err),
			)
		}
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		m.logger.Info("broker connection established", zap.Int("attempt", attempt))
		return nil
	case errors.Is(err, ErrClosed):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("connect to broker: %w", ctx.Err())
	}

	m.logger.Error("failed to connect to broker",
		zap.Int("attempts", attempt),
		zap.Error(lastErr),
	)
	return fmt.Errorf("%w after %d attempts: %w", ErrConnectExhausted, attempt, lastErr)
}

// dialOnce makes a single connection attempt. Callers hold connectMu.
func (m *Manager) dialOnce() error {
	if m.isClosed() {
		return ErrClosed
	}

	conn, err := m.dial(m.url, m.amqpConfig())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	con, err := conn.Channel()
	if err != nil {
		_ = pub.Close()
		_ = conn.Close()
		return fmt.Errorf("open consume channel: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = con.Close()
		_ = pub.Close()
		_ = conn.Close()
		return ErrClosed
	}
	m.conn, m.pubCh, m.conCh = conn, pub, con
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
	m.mu.Unlock()

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go m.watch(conn, closeCh)

	m.hooks.OnConnected()
	return nil
}

func (m *Manager) amqpConfig() amqp.Config {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("task-reminder-worker")
	return amqp.Config{
		Vhost:      m.cfg.VHost,
		Heartbeat:  m.cfg.Heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(m.cfg.DialTimeout),
	}
}

// watch waits for conn to close. A close carrying an error is unexpected and
// starts recovery; a graceful close (nil error) ends the watch.
func (m *Manager) watch(conn Connection, closeCh <-chan *amqp.Error) {
	amqpErr, ok := <-closeCh
	if !ok || amqpErr == nil {
		return
	}
	m.logger.Warn("broker connection lost",
		zap.Int("code", amqpErr.Code),
		zap.String("reason", amqpErr.Reason),
	)

	m.mu.Lock()
	m.markLostLocked(conn)
	m.mu.Unlock()
}

// markLostLocked forgets conn if it is still the current connection and
// starts the recovery loop. m.mu must be held.
func (m *Manager) markLostLocked(conn Connection) {
	if m.closed || m.conn != conn {
		return
	}
	m.conn, m.pubCh, m.conCh = nil, nil, nil
	m.ready = make(chan struct{})
	m.hooks.OnDisconnected()
	m.startRecoveryLocked()
}

// StartRecovery launches the background redial loop if no connection is live.
// The supervisor uses it to keep retrying after a failed startup when the
// worker is not configured to fail fast.
func (m *Manager) StartRecovery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && !m.conn.IsClosed() {
		return
	}
	m.startRecoveryLocked()
}

func (m *Manager) startRecoveryLocked() {
	if m.recovering || m.closed {
		return
	}
	m.recovering = true
	go m.recoveryLoop()
}

func (m *Manager) recoveryLoop() {
	defer func() {
		m.mu.Lock()
		m.recovering = false
		m.mu.Unlock()
	}()

	m.logger.Info("broker recovery started", zap.Duration("interval", m.cfg.RecoveryInterval))

	timer := time.NewTimer(m.cfg.RecoveryInterval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-m.done:
			return
		case <-timer.C:
		}

		m.connectMu.Lock()
		if m.Connected() {
			m.connectMu.Unlock()
			return
		}
		err := m.dialOnce()
		m.connectMu.Unlock()

		switch {
		case err == nil:
			m.logger.Info("broker connection recovered", zap.Int("attempt", attempt))
			return
		case errors.Is(err, ErrClosed):
			return
		}

		m.logger.Warn("broker recovery attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", m.cfg.RecoveryInterval),
			zap.Error(err),
		)
		timer.Reset(m.cfg.RecoveryInterval)
	}
}

// Connected reports whether a live connection exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && !m.conn.IsClosed()
}

// Available reports whether publishing can be attempted: a connection is
// live, or none is but the recovery loop is not running either, so
// PublishChannel may still try Connect.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if m.conn != nil && !m.conn.IsClosed() {
		return true
	}
	return !m.recovering
}

// PublishChannel returns the live publish channel. When no connection is
// live it runs Connect first, unless the recovery loop already owns
// redialing, in which case it returns ErrUnavailable at once.
func (m *Manager) PublishChannel(ctx context.Context) (Channel, error) {
	ch, live, err := m.liveChannel(&m.pubCh)
	if err != nil || live {
		return ch, err
	}
	if m.isRecovering() {
		return nil, ErrUnavailable
	}

	m.logger.Warn("broker not available, attempting reconnect")
	if err := m.Connect(ctx); err != nil {
		return nil, err
	}

	ch, live, err = m.liveChannel(&m.pubCh)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, errors.New("broker connection lost during reconnect")
	}
	return ch, nil
}

// ConsumeChannel returns the live consume channel, blocking until a
// connection is available or ctx is done.
func (m *Manager) ConsumeChannel(ctx context.Context) (Channel, error) {
	for {
		ch, live, err := m.liveChannel(&m.conCh)
		if err != nil || live {
			return ch, err
		}

		m.mu.Lock()
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrClosed
		case <-ready:
		}
	}
}

// liveChannel returns the channel held in slot, reopening it on the
// current connection if it was closed. live is false when there is no live
// connection; a connection found closed is marked lost.
func (m *Manager) liveChannel(slot *Channel) (ch Channel, live bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	if m.conn == nil {
		return nil, false, nil
	}
	if m.conn.IsClosed() {
		m.markLostLocked(m.conn)
		return nil, false, nil
	}

	if *slot != nil && !(*slot).IsClosed() {
		return *slot, true, nil
	}

	fresh, err := m.conn.Channel()
	if err != nil {
		return nil, true, fmt.Errorf("reopen channel: %w", err)
	}
	*slot = fresh
	m.logger.Info("broker channel reopened")
	return fresh, true, nil
}

// Close closes the publish channel, the consume channel and then the
// connection. Every step runs even if an earlier one fails; the combined
// error is returned for logging.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	conn, pub, con := m.conn, m.pubCh, m.conCh
	m.conn, m.pubCh, m.conCh = nil, nil, nil
	m.mu.Unlock()

	var err error
	err = multierr.Append(err, closeChannel("publish", pub))
	err = multierr.Append(err, closeChannel("consume", con))
	if conn != nil && !conn.IsClosed() {
		if cerr := conn.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close connection: %w", cerr))
		}
	}
	return err
}

func closeChannel(name string, ch Channel) error {
	if ch == nil || ch.IsClosed() {
		return nil
	}
	if err := ch.Close(); err != nil {
		return fmt.Errorf("close %s channel: %w", name, err)
	}
	return nil
}

func (m *Manager) isRecovering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovering
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
