package consumer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskhub/reminder-worker/internal/broker"
	"github.com/taskhub/reminder-worker/internal/broker/brokertest"
	"github.com/taskhub/reminder-worker/internal/config"
	"github.com/taskhub/reminder-worker/internal/consumer"
	"github.com/taskhub/reminder-worker/internal/domain"
)

const validBody = `{"TaskId":42,"Title":"Renew passport","DueDate":"2025-06-14T00:00:00Z","UserId":5,"UserFullName":"Ada","Timestamp":"2025-06-15T08:00:00Z"}`

// fakeNotifier fails the first `failures` deliveries.
type fakeNotifier struct {
	mu       sync.Mutex
	failures int
	events   []domain.ReminderEvent
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) Notify(_ context.Context, e domain.ReminderEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("sink unavailable")
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeNotifier) Events() []domain.ReminderEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ReminderEvent(nil), f.events...)
}

func brokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		Host:             "rabbit",
		Port:             5672,
		VHost:            "/",
		Username:         "guest",
		Password:         "guest",
		Queue:            "Remainder",
		ConsumerTag:      "TaskRemainderConsumer",
		ConnectAttempts:  3,
		RetryDelay:       time.Millisecond,
		RecoveryInterval: 5 * time.Millisecond,
		Heartbeat:        10 * time.Second,
		DialTimeout:      time.Second,
	}
}

type harness struct {
	dialer   *brokertest.Dialer
	manager  *broker.Manager
	notifier *fakeNotifier
	acked    int
	requeued int
	mu       sync.Mutex
	done     chan error
	cancel   context.CancelFunc
}

func start(t *testing.T, failures int) *harness {
	t.Helper()
	return newHarness(t, failures, brokerConfig())
}

func startWithDelay(t *testing.T, delay time.Duration) *harness {
	t.Helper()
	cfg := brokerConfig()
	cfg.RetryDelay = delay
	return newHarness(t, 0, cfg)
}

func newHarness(t *testing.T, failures int, cfg config.BrokerConfig) *harness {
	t.Helper()
	h := &harness{
		dialer:   brokertest.NewDialer(0),
		notifier: &fakeNotifier{failures: failures},
		done:     make(chan error, 1),
	}
	h.manager = broker.NewManager(cfg, h.dialer.Dial, zap.NewNop(), broker.Hooks{})
	require.NoError(t, h.manager.Connect(context.Background()))

	c := consumer.New(h.manager, h.notifier, cfg, zap.NewNop(), consumer.Hooks{
		OnAcked:    func() { h.mu.Lock(); h.acked++; h.mu.Unlock() },
		OnRequeued: func() { h.mu.Lock(); h.requeued++; h.mu.Unlock() },
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- c.Run(ctx) }()

	t.Cleanup(func() {
		h.stop(t)
		_ = h.manager.Close()
	})
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- nil
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}
}

func (h *harness) counts() (acked, requeued int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acked, h.requeued
}

// consumeChannel waits for the consumer to subscribe on the latest connection.
func (h *harness) consumeChannel(t *testing.T) *brokertest.Channel {
	t.Helper()
	var ch *brokertest.Channel
	require.Eventually(t, func() bool {
		conn := h.dialer.Last()
		if conn == nil {
			return false
		}
		chs := conn.Channels()
		if len(chs) < 2 || !chs[1].Subscribed() {
			return false
		}
		ch = chs[1]
		return true
	}, 2*time.Second, time.Millisecond)
	return ch
}

func TestConsumer_AcksAfterDelivery(t *testing.T) {
	h := start(t, 0)
	ch := h.consumeChannel(t)

	assert.Equal(t, 1, ch.Prefetch())
	assert.Equal(t, []string{"TaskRemainderConsumer"}, ch.Consumers())
	require.NotEmpty(t, ch.Declared())
	assert.True(t, ch.Declared()[0].Durable)

	tag := ch.Deliver([]byte(validBody))

	require.Eventually(t, func() bool { return len(ch.Acked()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint64{tag}, ch.Acked())
	assert.Empty(t, ch.Nacked())

	events := h.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, 42, events[0].TaskID)
	assert.Equal(t, "Ada", events[0].UserFullName)
}

func TestConsumer_RequeuesFailedDelivery(t *testing.T) {
	h := start(t, 1)
	ch := h.consumeChannel(t)

	first := ch.Deliver([]byte(validBody))

	require.Eventually(t, func() bool {
		acked, _ := h.counts()
		return acked == 1
	}, time.Second, time.Millisecond)

	nacked := ch.Nacked()
	require.Len(t, nacked, 1)
	assert.Equal(t, brokertest.Nack{Tag: first, Requeue: true}, nacked[0])
	assert.NotEqual(t, first, ch.Acked()[0], "the redelivered copy is acked")
	assert.Len(t, h.notifier.Events(), 1, "notified exactly once on success")

	_, requeued := h.counts()
	assert.Equal(t, 1, requeued)
}

func TestConsumer_RequeuesUndecodablePayload(t *testing.T) {
	h := start(t, 0)
	ch := h.consumeChannel(t)

	ch.Deliver([]byte(`{"TaskId":`))

	require.Eventually(t, func() bool { return len(ch.Nacked()) >= 1 }, time.Second, time.Millisecond)
	h.stop(t)

	for _, n := range ch.Nacked() {
		assert.True(t, n.Requeue)
	}
	assert.Empty(t, ch.Acked())
	assert.Empty(t, h.notifier.Events())
}

func TestConsumer_AcksWellFormedEmptyEvent(t *testing.T) {
	h := start(t, 0)
	ch := h.consumeChannel(t)

	empty := ch.Deliver([]byte(`{}`))
	valid := ch.Deliver([]byte(validBody))

	require.Eventually(t, func() bool { return len(ch.Acked()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint64{empty, valid}, ch.Acked())
	assert.Empty(t, ch.Nacked())
}

func TestConsumer_RequeueWaitsRetryDelay(t *testing.T) {
	h := startWithDelay(t, 20*time.Millisecond)
	ch := h.consumeChannel(t)

	ch.Deliver([]byte(`{"TaskId":`))
	time.Sleep(110 * time.Millisecond)
	h.stop(t)

	// one requeue per 20ms delay, not a tight loop
	assert.NotEmpty(t, ch.Nacked())
	assert.LessOrEqual(t, len(ch.Nacked()), 6)
}

func TestConsumer_ResubscribesAfterConnectionLoss(t *testing.T) {
	h := start(t, 0)
	before := h.consumeChannel(t)
	lost := h.dialer.Last()

	lost.Drop()

	require.Eventually(t, func() bool { return h.dialer.Last() != lost }, 2*time.Second, time.Millisecond)
	after := h.consumeChannel(t)
	assert.NotSame(t, before, after)

	tag := after.Deliver([]byte(validBody))
	require.Eventually(t, func() bool { return len(after.Acked()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint64{tag}, after.Acked())
	assert.Len(t, after.Consumers(), 1)
}
