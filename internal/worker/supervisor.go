package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the supervisor lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrInvalidState = errors.New("invalid lifecycle transition")

// Broker is the connection lifecycle the supervisor drives. *broker.Manager
// satisfies it.
type Broker interface {
	Connect(ctx context.Context) error
	StartRecovery()
	Connected() bool
	Close() error
}

// Runner is a long-lived task that returns when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Supervisor owns the worker's goroutines: broker startup followed by the
// consumer, and the poller. They share one cancellation signal.
type Supervisor struct {
	broker   Broker
	poller   Runner
	consumer Runner
	failFast bool
	logger   *zap.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	fatal  chan error
}

// NewSupervisor wires the tasks. consumer may be nil when consumption is
// disabled. With failFast set, a broker that cannot be reached within the
// connect budget ends the worker and the error is reported on Fatal.
func NewSupervisor(b Broker, poller, consumer Runner, failFast bool, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		broker:   b,
		poller:   poller,
		consumer: consumer,
		failFast: failFast,
		logger:   logger,
		state:    StateCreated,
		done:     make(chan struct{}),
		fatal:    make(chan error, 1),
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fatal delivers at most one error: the reason the worker stopped on its own.
func (s *Supervisor) Fatal() <-chan error {
	return s.fatal
}

// Start launches the tasks and returns immediately in StateRunning. It may
// only be called once.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return fmt.Errorf("%w: start while %s", ErrInvalidState, s.state)
	}
	s.state = StateStarting

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(guard("broker", s.logger, func() error { return s.runBroker(gctx) }))
	g.Go(guard("poller", s.logger, func() error { return s.poller.Run(gctx) }))

	go func() {
		err := g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("worker task failed", zap.Error(err))
			s.fatal <- err
		}
		close(s.done)
	}()

	s.state = StateRunning
	s.logger.Info("worker started",
		zap.Bool("consumer_enabled", s.consumer != nil),
		zap.Bool("fail_fast", s.failFast),
	)
	return nil
}

func (s *Supervisor) runBroker(ctx context.Context) error {
	if err := s.broker.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if s.failFast {
			return fmt.Errorf("broker startup: %w", err)
		}
		s.logger.Warn("broker unavailable, continuing without it", zap.Error(err))
		s.broker.StartRecovery()
	}

	if s.consumer == nil {
		return nil
	}
	return s.consumer.Run(ctx)
}

// Stop cancels the tasks, waits for them until ctx is done and releases the
// broker. It always ends in StateStopped; release errors are only logged.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	switch s.state {
	case StateStopping, StateStopped:
		s.mu.Unlock()
		return
	}
	started := s.state != StateCreated
	s.state = StateStopping
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("worker stopping")

	if started {
		cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			s.logger.Warn("timed out waiting for worker tasks", zap.Error(ctx.Err()))
		}
	}

	if err := s.broker.Close(); err != nil {
		s.logger.Warn("error releasing broker resources", zap.Error(err))
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info("worker stopped")
}

// guard converts a panic in fn into an error so one task cannot crash the process.
func guard(name string, logger *zap.Logger, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("worker task panicked", zap.String("task", name), zap.Any("panic", r), zap.Stack("stack"))
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		return fn()
	}
}
