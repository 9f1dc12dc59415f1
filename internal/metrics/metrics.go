package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups all Prometheus instruments used across the worker.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	PollCycles         *prometheus.CounterVec
	OverdueTasks       prometheus.Gauge
	RemindersPublished prometheus.Counter
	RemindersFailed    prometheus.Counter
	RemindersSkipped   prometheus.Counter
	LedgerSize         prometheus.Gauge

	Deliveries          *prometheus.CounterVec
	NotificationsSent   *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec
	NotificationLatency *prometheus.HistogramVec

	BrokerConnected prometheus.Gauge
	BrokerDrops     prometheus.Counter
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_poll_cycles_total",
			Help: "Poll cycles by outcome (ok, fetch_error, panic).",
		}, []string{"result"}),
		OverdueTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reminder_overdue_tasks",
			Help: "Overdue tasks found by the most recent poll cycle.",
		}),
		RemindersPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_published_total",
			Help: "Reminder messages published to the broker.",
		}),
		RemindersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_publish_failed_total",
			Help: "Reminder publishes that returned an error.",
		}),
		RemindersSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reminders_skipped_total",
			Help: "Overdue tasks skipped because they were reminded within the dedupe window.",
		}),
		LedgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reminder_ledger_entries",
			Help: "Dedupe records held after the most recent sweep.",
		}),

		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_deliveries_total",
			Help: "Consumed queue deliveries by outcome (acked, requeued).",
		}, []string{"outcome"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of successfully delivered notifications.",
		}, []string{"sink"}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Total number of failed notification attempts.",
		}, []string{"sink"}),
		NotificationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_processing_seconds",
			Help:    "Time spent delivering a reminder to a sink.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),

		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_connected",
			Help: "1 while a broker connection is live.",
		}),
		BrokerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_connection_drops_total",
			Help: "Unexpected broker connection losses.",
		}),
	}

	reg.MustRegister(
		m.PollCycles,
		m.OverdueTasks,
		m.RemindersPublished,
		m.RemindersFailed,
		m.RemindersSkipped,
		m.LedgerSize,
		m.Deliveries,
		m.NotificationsSent,
		m.NotificationsFailed,
		m.NotificationLatency,
		m.BrokerConnected,
		m.BrokerDrops,
	)

	return m
}

// PollerHooks returns the callbacks expected by worker.PollerHooks.
func (m *Metrics) PollerHooks() (
	onCycle func(result string, overdue int),
	onPublished func(),
	onPublishFailed func(),
	onSkipped func(),
	onSwept func(remaining int),
) {
	onCycle = func(result string, overdue int) {
		m.PollCycles.WithLabelValues(result).Inc()
		if result == "ok" {
			m.OverdueTasks.Set(float64(overdue))
		}
	}
	onPublished = m.RemindersPublished.Inc
	onPublishFailed = m.RemindersFailed.Inc
	onSkipped = m.RemindersSkipped.Inc
	onSwept = func(remaining int) { m.LedgerSize.Set(float64(remaining)) }
	return
}

// NotifierHooks returns the callbacks expected by notifier.Hooks.
func (m *Metrics) NotifierHooks() (
	onDelivered func(sink string, latency time.Duration),
	onFailed func(sink string),
) {
	onDelivered = func(sink string, latency time.Duration) {
		m.NotificationsSent.WithLabelValues(sink).Inc()
		m.NotificationLatency.WithLabelValues(sink).Observe(latency.Seconds())
	}
	onFailed = func(sink string) {
		m.NotificationsFailed.WithLabelValues(sink).Inc()
	}
	return
}

// ConsumerHooks returns the callbacks expected by consumer.Hooks.
func (m *Metrics) ConsumerHooks() (onAcked, onRequeued func()) {
	onAcked = m.Deliveries.WithLabelValues("acked").Inc
	onRequeued = m.Deliveries.WithLabelValues("requeued").Inc
	return
}

// BrokerHooks returns the callbacks expected by broker.Hooks.
func (m *Metrics) BrokerHooks() (onConnected, onDisconnected func()) {
	onConnected = func() { m.BrokerConnected.Set(1) }
	onDisconnected = func() {
		m.BrokerConnected.Set(0)
		m.BrokerDrops.Inc()
	}
	return
}
