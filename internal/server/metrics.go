package server

import (
	"net/http"

	"meshcast/internal/sequencing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "meshcast"

// Metrics holds the transport's counters on a private registry so several
// transports can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	received  prometheus.Counter
	delivered prometheus.Counter
	dropped   *prometheus.CounterVec
	acksSent  prometheus.Counter
	sent      prometheus.Counter
}

func newMetrics(peers func() int, gateStats func() (sequencing.Stats, bool)) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_received_total",
			Help:      "Datagrams handed to the pipeline.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_delivered_total",
			Help:      "Messages passed to an application handler.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped by the pipeline, by reason.",
		}, []string{"reason"}),
		acksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "acks_sent_total",
			Help:      "Automatic acknowledgements sent.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Messages broadcast by this node.",
		}),
	}

	gateCounter := func(name, help string, pick func(sequencing.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gate",
			Name:      name,
			Help:      help,
		}, func() float64 {
			st, ok := gateStats()
			if !ok {
				return 0
			}
			return float64(pick(st))
		})
	}

	m.registry.MustRegister(
		m.received, m.delivered, m.dropped, m.acksSent, m.sent,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "peers",
			Help:      "Peers currently known from heartbeats.",
		}, func() float64 { return float64(peers()) }),
		gateCounter("gaps_skipped_total", "Gaps given up on after the gap timeout.",
			func(s sequencing.Stats) uint64 { return s.GapsSkipped }),
		gateCounter("overflow_total", "Arrivals dropped because the gate was full.",
			func(s sequencing.Stats) uint64 { return s.Overflow }),
		gateCounter("stale_total", "Arrivals that came after the gate moved past them.",
			func(s sequencing.Stats) uint64 { return s.Stale }),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) drop(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}
