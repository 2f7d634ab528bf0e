package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes prometheus collectors for the mesh core. All methods are
// safe on a nil receiver so components can run without a registry.
type Metrics struct {
	framesIn      *prometheus.CounterVec
	framesDropped *prometheus.CounterVec
	duplicates    prometheus.Counter
	chunksOut     prometheus.Counter
	reassembled   prometheus.Counter
	assemblyLost  prometheus.Counter
	retries       prometheus.Counter
	abandoned     prometheus.Counter
	acked         prometheus.Counter
	pending       prometheus.Gauge
	peerTimeouts  prometheus.Counter
	rtt           prometheus.Histogram
	directPeers   prometheus.Gauge
	knownPeers    prometheus.Gauge
	stability     prometheus.Gauge
	requests      *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcounter_frames_received_total",
			Help: "Inbound wire records grouped by type",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcounter_frames_dropped_total",
			Help: "Inbound frames dropped grouped by reason",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcounter_duplicate_messages_total",
			Help: "Mesh messages suppressed by the dedup cache",
		}),
		chunksOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcounter_chunks_sent_total",
			Help: "Chunk records handed to the transport",
		}),
		reassembled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcounter_messages_reassembled_total",
			Help: "Payloads completed from chunk records",
		}),
		assemblyLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcounter_assemblies_discarded_total",
			Help: "Partial assemblies discarded on timeout or capacity",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcounter_delivery_retries_total",
			Help: "Retry attempts scheduled by the delivery queue",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcounter_delivery_abandoned_total",
			Help: "Messages abandoned after exhausting retries",
		}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcounter_delivery_acked_total",
			Help: "Messages acknowledged by every target",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshcounter_delivery_pending",
			Help: "Messages awaiting acknowledgement",
		}),
		peerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshcounter_peer_timeouts_total",
			Help: "Peers declared timed out by keepalive",
		}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcounter_ping_rtt_seconds",
			Help:    "Keepalive round-trip time",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		directPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshcounter_topology_direct_peers",
			Help: "Directly connected peers",
		}),
		knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshcounter_topology_known_peers",
			Help: "Peers present in the local topology view",
		}),
		stability: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshcounter_mesh_stability",
			Help: "Edge density relative to the minimum desired degree",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcounter_topology_requests_total",
			Help: "Connect/disconnect requests issued grouped by kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.framesIn, m.framesDropped, m.duplicates, m.chunksOut, m.reassembled,
		m.assemblyLost, m.retries, m.abandoned, m.acked, m.pending,
		m.peerTimeouts, m.rtt, m.directPeers, m.knownPeers, m.stability, m.requests,
	)
	return m
}

// Handler returns the HTTP handler exposing reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) ChunksSent(n int) {
	if m == nil {
		return
	}
	m.chunksOut.Add(float64(n))
}

func (m *Metrics) Reassembled() {
	if m == nil {
		return
	}
	m.reassembled.Inc()
}

func (m *Metrics) AssembliesDiscarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.assemblyLost.Add(float64(n))
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) Abandoned() {
	if m == nil {
		return
	}
	m.abandoned.Inc()
}

func (m *Metrics) Acked() {
	if m == nil {
		return
	}
	m.acked.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) PeerTimeout() {
	if m == nil {
		return
	}
	m.peerTimeouts.Inc()
}

func (m *Metrics) ObserveRTT(d time.Duration) {
	if m == nil {
		return
	}
	m.rtt.Observe(d.Seconds())
}

// SetTopology records the gauges derived from mesh health.
func (m *Metrics) SetTopology(direct, known int, stability float64) {
	if m == nil {
		return
	}
	m.directPeers.Set(float64(direct))
	m.knownPeers.Set(float64(known))
	m.stability.Set(stability)
}

func (m *Metrics) TopologyRequest(kind string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind).Inc()
}
