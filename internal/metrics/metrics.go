// Package metrics exposes Prometheus instrumentation for the
// dispatch pipeline. Each binary registers a PromRecorder on the
// default registry: the API reports submission counts on /metrics,
// the worker serves delivery and sweep metrics on its own metrics
// port. Tests use Noop or a fresh registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives dispatch pipeline events.
type Recorder interface {
	// NotificationQueued counts accepted submissions per channel and priority.
	NotificationQueued(channel, priority string)
	// DeliveryAttempt counts one adapter call and observes its duration.
	// outcome is one of sent, retried, failed.
	DeliveryAttempt(channel, outcome string, seconds float64)
	// RetryScheduled counts re-enqueued deliveries per channel.
	RetryScheduled(channel string)
	// StallRecovered counts notifications rescued by the sweeper.
	StallRecovered(count int)
	// QueueDepth records the broker backlog per queue.
	QueueDepth(queue string, depth int)
}

// PromRecorder implements Recorder on a Prometheus registry.
type PromRecorder struct {
	queued     *prometheus.CounterVec
	attempts   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    *prometheus.CounterVec
	stalls     prometheus.Counter
	queueDepth *prometheus.GaugeVec
}

// NewPromRecorder registers the dispatch metrics with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in
// tests.
func NewPromRecorder(reg prometheus.Registerer) *PromRecorder {
	factory := promauto.With(reg)

	return &PromRecorder{
		queued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifyq_notifications_queued_total",
				Help: "Total number of notifications accepted and enqueued",
			},
			[]string{"channel", "priority"},
		),
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifyq_delivery_attempts_total",
				Help: "Total number of delivery attempts by outcome",
			},
			[]string{"channel", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notifyq_delivery_duration_seconds",
				Help:    "Duration of provider delivery calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifyq_retries_scheduled_total",
				Help: "Total number of deliveries re-enqueued for retry",
			},
			[]string{"channel"},
		),
		stalls: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "notifyq_stalls_recovered_total",
				Help: "Total number of stalled notifications recovered by the sweeper",
			},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "notifyq_queue_depth",
				Help: "Pending tasks per broker queue",
			},
			[]string{"queue"},
		),
	}
}

func (r *PromRecorder) NotificationQueued(channel, priority string) {
	r.queued.WithLabelValues(channel, priority).Inc()
}

func (r *PromRecorder) DeliveryAttempt(channel, outcome string, seconds float64) {
	r.attempts.WithLabelValues(channel, outcome).Inc()
	r.duration.WithLabelValues(channel).Observe(seconds)
}

func (r *PromRecorder) RetryScheduled(channel string) {
	r.retries.WithLabelValues(channel).Inc()
}

func (r *PromRecorder) StallRecovered(count int) {
	r.stalls.Add(float64(count))
}

func (r *PromRecorder) QueueDepth(queue string, depth int) {
	r.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// Noop discards all events.
type Noop struct{}

func (Noop) NotificationQueued(channel, priority string)              {}
func (Noop) DeliveryAttempt(channel, outcome string, seconds float64) {}
func (Noop) RetryScheduled(channel string)                            {}
func (Noop) StallRecovered(count int)                                 {}
func (Noop) QueueDepth(queue string, depth int)                       {}
