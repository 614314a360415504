package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "truman"

// Metrics owns a private registry so that several engines in one process
// (tests, embedded hosts) never collide on registration. All methods are
// safe on a nil receiver.
type Metrics struct {
	Registry *prometheus.Registry

	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	dials          *prometheus.CounterVec
	relayed        prometheus.Counter
	events         *prometheus.CounterVec
	peers          *prometheus.GaugeVec
	queued         prometheus.Gauge
	pingLatency    prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport, by frame type.",
		}, []string{"type"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames accepted from peers, by frame type.",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped before handling, by reason.",
		}, []string{"reason"}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dials_total",
			Help:      "Outbound dial attempts, by result.",
		}, []string{"result"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_relayed_total",
			Help:      "Gossip frames forwarded on behalf of another origin.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events produced for the host, by event type.",
		}, []string{"type"}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Registry records, by connection status.",
		}, []string{"status"}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_queued",
			Help:      "Events waiting for the next collect.",
		}),
		pingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_latency_seconds",
			Help:      "Round trip time of answered probes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		}),
	}
	m.Registry.MustRegister(
		m.framesSent, m.framesReceived, m.framesDropped, m.dials, m.relayed,
		m.events, m.peers, m.queued, m.pingLatency,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) IncFrameSent(typ string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(typ).Inc()
}

func (m *Metrics) IncFrameReceived(typ string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) IncDrop(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncDial(result string) {
	if m == nil {
		return
	}
	m.dials.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRelayed() {
	if m == nil {
		return
	}
	m.relayed.Inc()
}

func (m *Metrics) IncEvent(typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ).Inc()
}

func (m *Metrics) SetPeers(byStatus map[string]int) {
	if m == nil {
		return
	}
	for status, n := range byStatus {
		m.peers.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(n))
}

func (m *Metrics) ObservePing(d time.Duration) {
	if m == nil {
		return
	}
	m.pingLatency.Observe(d.Seconds())
}
