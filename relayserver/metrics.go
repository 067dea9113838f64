package relayserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics is the relay server's Prometheus surface plus the small set of
// plain counters the accept loop updates directly. A dedicated registry (not
// the global default) keeps this safe to construct more than once, e.g. in
// tests.
type metrics struct {
	registry *prometheus.Registry

	connectedPeers   prometheus.Gauge
	peakConnections  prometheus.Gauge
	totalConnections prometheus.Counter
	verifiedPeers    prometheus.Gauge
	rejectedTotal    prometheus.Counter
	activeCircuits   prometheus.Gauge
	totalCircuits    prometheus.Counter

	mu    sync.Mutex
	peak  int
	start time.Time
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		start:    time.Now(),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cider_relay_connected_peers",
			Help: "Peers currently connected to this relay.",
		}),
		peakConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cider_relay_peak_connections",
			Help: "Highest simultaneous connection count observed since start.",
		}),
		totalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cider_relay_connections_total",
			Help: "Total inbound connections accepted since start.",
		}),
		verifiedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cider_relay_verified_peers",
			Help: "Connected peers that have identified with the expected protocol.",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cider_relay_rejected_total",
			Help: "Peers disconnected for failing or timing out identification.",
		}),
		activeCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cider_relay_active_circuits",
			Help: "Currently connected peers reached via a relayed (circuit) address.",
		}),
		totalCircuits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cider_relay_circuits_total",
			Help: "Total relayed connections observed since start.",
		}),
	}
	reg.MustRegister(
		m.connectedPeers, m.peakConnections, m.totalConnections,
		m.verifiedPeers, m.rejectedTotal, m.activeCircuits, m.totalCircuits,
	)
	return m
}

func (m *metrics) connected(n int) {
	m.connectedPeers.Set(float64(n))
	m.mu.Lock()
	if n > m.peak {
		m.peak = n
		m.peakConnections.Set(float64(n))
	}
	m.mu.Unlock()
}

func (m *metrics) uptime() time.Duration { return time.Since(m.start) }

// httpHandler exposes the registry at /metrics for mounting on an http.Server
// whose lifecycle the caller owns.
func (m *metrics) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return mux
}
