// Package metrics exports bus and dispatch telemetry to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trickstertwo/xpos"
	"github.com/trickstertwo/xpos/event"
	"github.com/trickstertwo/xpos/fsm"
)

// Handler latency buckets, in seconds.
var defaultBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5,
}

// Metrics is a bus Observer plus the dispatcher rejection hook.
type Metrics struct {
	events     *prometheus.CounterVec
	handler    *prometheus.HistogramVec
	staged     *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

var _ xpos.Observer = (*Metrics)(nil)

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpos",
			Subsystem: "bus",
			Name:      "events_total",
			Help:      "Bus lifecycle events by type and outcome.",
		}, []string{"type", "outcome"}),
		handler: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xpos",
			Subsystem: "bus",
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling one delivery, by consumer group or session.",
			Buckets:   defaultBuckets,
		}, []string{"group"}),
		staged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpos",
			Subsystem: "session",
			Name:      "staged_messages_total",
			Help:      "Outbound messages resolved by session commit or rollback.",
		}, []string{"session", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xpos",
			Subsystem: "dispatch",
			Name:      "rejections_total",
			Help:      "Events rejected as illegal in the receiver's current state.",
		}, []string{"receiver", "kind"}),
	}
	reg.MustRegister(m.events, m.handler, m.staged, m.rejections)
	return m
}

func (m *Metrics) OnEvent(e xpos.BusEvent) {
	outcome := "ok"
	if e.Err != nil {
		outcome = "error"
	}
	m.events.WithLabelValues(string(e.Type), outcome).Inc()

	switch e.Type {
	case xpos.EventConsumeDone:
		m.handler.WithLabelValues(e.Group).Observe(e.Duration.Seconds())
	case xpos.EventCommit:
		m.staged.WithLabelValues(e.Group, "committed").Add(float64(e.Staged))
	case xpos.EventRollback:
		m.staged.WithLabelValues(e.Group, "discarded").Add(float64(e.Staged))
	}
}

// Rejected counts an absorbed IllegalState. It matches dispatch.RejectFunc.
func (m *Metrics) Rejected(receiver string, kind event.Kind, _ *fsm.IllegalStateError) {
	m.rejections.WithLabelValues(receiver, string(kind)).Inc()
}
