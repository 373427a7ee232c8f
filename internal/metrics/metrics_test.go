package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPromRecorder(t *testing.T) {
	r := NewPromRecorder(prometheus.NewRegistry())

	r.NotificationQueued("email", "high")
	r.NotificationQueued("email", "high")
	r.DeliveryAttempt("sms", "sent", 0.25)
	r.RetryScheduled("push")
	r.StallRecovered(3)
	r.QueueDepth("urgent", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.queued.WithLabelValues("email", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.attempts.WithLabelValues("sms", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.retries.WithLabelValues("push")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.stalls))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.queueDepth.WithLabelValues("urgent")))
}

func TestPromRecorderSeparateRegistries(t *testing.T) {
	// Two recorders must not collide on metric registration.
	a := NewPromRecorder(prometheus.NewRegistry())
	b := NewPromRecorder(prometheus.NewRegistry())

	a.NotificationQueued("email", "low")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.queued.WithLabelValues("email", "low")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.queued.WithLabelValues("email", "low")))
}

func TestNoopImplementsRecorder(t *testing.T) {
	var _ Recorder = Noop{}
	var _ Recorder = (*PromRecorder)(nil)
}
