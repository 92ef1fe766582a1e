package bus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// collectors holds the prometheus instruments the bus updates as it routes
type collectors struct {
	sent         *prometheus.CounterVec
	dropped      prometheus.Counter
	timeouts     prometheus.Counter
	activeAgents prometheus.Gauge
	avgResponse  prometheus.Gauge
}

// RegisterMetrics attaches prometheus collectors to the bus. Safe to skip
// entirely; the Metrics() snapshot works without it.
func (b *Bus) RegisterMetrics(reg prometheus.Registerer) error {
	c := &collectors{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hivecortex",
			Subsystem: "bus",
			Name:      "messages_sent_total",
			Help:      "Messages enqueued by the bus, by type and priority.",
		}, []string{"type", "priority"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hivecortex",
			Subsystem: "bus",
			Name:      "messages_dropped_total",
			Help:      "Low-priority messages shed under backpressure.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hivecortex",
			Subsystem: "bus",
			Name:      "request_timeouts_total",
			Help:      "Request/response exchanges that timed out.",
		}),
		activeAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hivecortex",
			Subsystem: "bus",
			Name:      "active_agents",
			Help:      "Registered mailboxes.",
		}),
		avgResponse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hivecortex",
			Subsystem: "bus",
			Name:      "average_response_seconds",
			Help:      "EWMA of request/response round-trip time.",
		}),
	}

	for _, col := range []prometheus.Collector{c.sent, c.dropped, c.timeouts, c.activeAgents, c.avgResponse} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}

	b.collectors = c
	return nil
}
