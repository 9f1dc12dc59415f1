package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBroker struct {
	mu         sync.Mutex
	connectErr error
	connects   int
	recoveries int
	closes     int
	closeErr   error
	connected  bool
}

func (b *fakeBroker) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected = true
	return nil
}

func (b *fakeBroker) StartRecovery() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recoveries++
}

func (b *fakeBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	b.connected = false
	return b.closeErr
}

func (b *fakeBroker) counts() (connects, recoveries, closes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects, b.recoveries, b.closes
}

// blockingRunner runs until cancelled, or panics when told to.
type blockingRunner struct {
	started chan struct{}
	stopped chan struct{}
	panics  bool
	ignore  <-chan struct{} // when set, ctx is ignored until this closes
}

func newRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{}), stopped: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context) error {
	close(r.started)
	defer close(r.stopped)
	if r.panics {
		panic("consumer blew up")
	}
	if r.ignore != nil {
		<-r.ignore
		return nil
	}
	<-ctx.Done()
	return nil
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSupervisor_Lifecycle(t *testing.T) {
	b := &fakeBroker{}
	poller, consumer := newRunner(), newRunner()
	s := NewSupervisor(b, poller, consumer, true, zap.NewNop())
	assert.Equal(t, StateCreated, s.State())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State())

	waitClosed(t, poller.started, "poller start")
	waitClosed(t, consumer.started, "consumer start")
	assert.True(t, b.Connected())

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)

	s.Stop(context.Background())
	assert.Equal(t, StateStopped, s.State())
	waitClosed(t, poller.stopped, "poller stop")
	waitClosed(t, consumer.stopped, "consumer stop")

	_, _, closes := b.counts()
	assert.Equal(t, 1, closes)

	s.Stop(context.Background())
	_, _, closes = b.counts()
	assert.Equal(t, 1, closes, "second Stop is a no-op")

	select {
	case err := <-s.Fatal():
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}
}

func TestSupervisor_FailFastOnBrokerStartup(t *testing.T) {
	b := &fakeBroker{connectErr: errors.New("connect attempts exhausted")}
	poller, consumer := newRunner(), newRunner()
	s := NewSupervisor(b, poller, consumer, true, zap.NewNop())

	require.NoError(t, s.Start(context.Background()))

	select {
	case err := <-s.Fatal():
		assert.ErrorContains(t, err, "broker startup")
		assert.ErrorIs(t, err, b.connectErr)
	case <-time.After(time.Second):
		t.Fatal("expected a fatal error")
	}

	waitClosed(t, poller.stopped, "poller stop after fatal")
	select {
	case <-consumer.started:
		t.Fatal("consumer must not start without a broker")
	default:
	}

	s.Stop(context.Background())
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisor_DegradedModeKeepsRunning(t *testing.T) {
	b := &fakeBroker{connectErr: errors.New("connect attempts exhausted")}
	poller, consumer := newRunner(), newRunner()
	s := NewSupervisor(b, poller, consumer, false, zap.NewNop())

	require.NoError(t, s.Start(context.Background()))
	waitClosed(t, consumer.started, "consumer start")
	waitClosed(t, poller.started, "poller start")

	_, recoveries, _ := b.counts()
	assert.Equal(t, 1, recoveries)
	assert.Equal(t, StateRunning, s.State())

	s.Stop(context.Background())
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisor_ConsumerDisabled(t *testing.T) {
	b := &fakeBroker{}
	poller := newRunner()
	s := NewSupervisor(b, poller, nil, true, zap.NewNop())

	require.NoError(t, s.Start(context.Background()))
	waitClosed(t, poller.started, "poller start")

	require.Eventually(t, func() bool {
		connects, _, _ := b.counts()
		return connects == 1
	}, time.Second, time.Millisecond)

	s.Stop(context.Background())
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisor_PanicBecomesFatalError(t *testing.T) {
	b := &fakeBroker{}
	poller, consumer := newRunner(), newRunner()
	consumer.panics = true
	s := NewSupervisor(b, poller, consumer, true, zap.NewNop())

	require.NoError(t, s.Start(context.Background()))

	select {
	case err := <-s.Fatal():
		assert.ErrorContains(t, err, "broker panicked")
	case <-time.After(time.Second):
		t.Fatal("expected a fatal error")
	}
	waitClosed(t, poller.stopped, "poller stop after panic")

	s.Stop(context.Background())
}

func TestSupervisor_StopEndsStoppedDespiteErrors(t *testing.T) {
	b := &fakeBroker{closeErr: errors.New("close publish channel: channel/connection is not open")}
	release := make(chan struct{})
	defer close(release)
	poller := newRunner()
	poller.ignore = release
	s := NewSupervisor(b, poller, nil, true, zap.NewNop())

	require.NoError(t, s.Start(context.Background()))
	waitClosed(t, poller.started, "poller start")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Stop(ctx)

	assert.Equal(t, StateStopped, s.State())
	_, _, closes := b.counts()
	assert.Equal(t, 1, closes)
}

func TestSupervisor_StopBeforeStart(t *testing.T) {
	b := &fakeBroker{}
	s := NewSupervisor(b, newRunner(), nil, true, zap.NewNop())

	s.Stop(context.Background())

	assert.Equal(t, StateStopped, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), ErrInvalidState)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "state(9)", State(9).String())
}
