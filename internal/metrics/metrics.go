// Package metrics provides the Prometheus metrics exposed by both the
// client and server processes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tunnelmux"

// Metrics holds every counter/gauge/histogram this system exposes. A nil
// *Metrics is valid and every method on it is a no-op, so callers can wire
// metrics optionally without threading a bool through every call site.
type Metrics struct {
	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsClosed     prometheus.Counter
	StreamCloseReason *prometheus.CounterVec

	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter

	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter

	DialDuration prometheus.Histogram
	DialErrors   prometheus.Counter
}

// New registers a fresh set of metrics against reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of logical streams currently open on this side.",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total logical streams opened.",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total logical streams closed.",
		}),
		StreamCloseReason: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_close_reason_total",
			Help:      "Stream closures by reason.",
		}, []string{"reason"}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames written to the tunnel.",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames read from the tunnel.",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes written to the tunnel.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes read from the tunnel.",
		}),
		DialDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Upstream dial latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		DialErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_errors_total",
			Help:      "Total upstream dial failures.",
		}),
	}
}

// Reasons used with StreamCloseReason.
const (
	ReasonLocal      = "local"
	ReasonPeer       = "peer"
	ReasonIdle       = "idle"
	ReasonTunnelLoss = "tunnel_loss"
)

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
}

func (m *Metrics) StreamClosed(reason string) {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
	m.StreamCloseReason.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameSent(payloadLen int) {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
	m.BytesSent.Add(float64(payloadLen))
}

func (m *Metrics) FrameReceived(payloadLen int) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	m.BytesReceived.Add(float64(payloadLen))
}

func (m *Metrics) DialObserved(seconds float64, err error) {
	if m == nil {
		return
	}
	m.DialDuration.Observe(seconds)
	if err != nil {
		m.DialErrors.Inc()
	}
}

// Serve starts an HTTP server exposing /metrics on addr. It blocks until the
// listener fails or is closed; callers run it in its own goroutine.
func Serve(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
