package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/taskhub/reminder-worker/internal/domain"
	"github.com/taskhub/reminder-worker/internal/ratelimiter"
)

var testEvent = domain.ReminderEvent{
	TaskID:       42,
	Title:        "Renew passport",
	DueDate:      domain.NewTimestamp(time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)),
	UserID:       5,
	UserFullName: "Ada Lovelace",
	Timestamp:    domain.NewTimestamp(time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)),
}

type recordingNotifier struct {
	name  string
	err   error
	calls int
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Notify(context.Context, domain.ReminderEvent) error {
	r.calls++
	return r.err
}

func TestLogNotifier_WritesWarning(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	require.NoError(t, NewLogNotifier(zap.New(core)).Notify(context.Background(), testEvent))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "Hi Ada Lovelace your Task is due Renew passport (Task ID: 42)", entries[0].Message)
	assert.Equal(t, int64(42), entries[0].ContextMap()["task_id"])
}

func TestWebhookNotifier_PostsEvent(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), testEvent))
	assert.Equal(t, float64(42), got["TaskId"])
	assert.Equal(t, "Ada Lovelace", got["UserFullName"])
}

func TestWebhookNotifier_Non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), testEvent)
	assert.ErrorContains(t, err, "502")
}

func TestMulti_StopsAtFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	first := &recordingNotifier{name: "log"}
	second := &recordingNotifier{name: "webhook", err: boom}
	third := &recordingNotifier{name: "pager"}

	m := Multi{first, second, third}

	assert.ErrorIs(t, m.Notify(context.Background(), testEvent), boom)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 0, third.calls)
	assert.Equal(t, "log+webhook+pager", m.Name())
}

func TestLimit_ReportsOutcome(t *testing.T) {
	var delivered, failed []string
	hooks := Hooks{
		OnDelivered: func(sink string, _ time.Duration) { delivered = append(delivered, sink) },
		OnFailed:    func(sink string) { failed = append(failed, sink) },
	}
	limiters := ratelimiter.New(10)

	ok := Limit(&recordingNotifier{name: "log"}, limiters, hooks)
	bad := Limit(&recordingNotifier{name: "webhook", err: errors.New("down")}, limiters, hooks)

	require.NoError(t, ok.Notify(context.Background(), testEvent))
	require.Error(t, bad.Notify(context.Background(), testEvent))

	assert.Equal(t, []string{"log"}, delivered)
	assert.Equal(t, []string{"webhook"}, failed)
	assert.Equal(t, "log", ok.Name())
}

func TestLimit_CancelledWhileWaiting(t *testing.T) {
	inner := &recordingNotifier{name: "log"}
	n := Limit(inner, ratelimiter.New(1), Hooks{})

	require.NoError(t, n.Notify(context.Background(), testEvent))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, n.Notify(ctx, testEvent))
	assert.Equal(t, 1, inner.calls)
}

type closingNotifier struct {
	recordingNotifier
	closed bool
}

func (c *closingNotifier) Close() error {
	c.closed = true
	return nil
}

func TestMulti_CloseReachesWrappedSinks(t *testing.T) {
	inner := &closingNotifier{recordingNotifier: recordingNotifier{name: "webhook"}}
	m := Multi{Limit(inner, ratelimiter.New(1), Hooks{}), &recordingNotifier{name: "log"}}

	require.NoError(t, m.Close())
	assert.True(t, inner.closed)
}
