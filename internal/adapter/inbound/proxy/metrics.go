package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus instruments on a private
// registry so tests can create servers without collector collisions.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tunnelBytes     prometheus.Counter
}

// NewMetrics creates and registers the instrument set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellgate",
			Name:      "requests_total",
			Help:      "Requests handled, by arm and status code.",
		}, []string{"arm", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellgate",
			Name:      "request_duration_seconds",
			Help:      "Request wall time, by arm.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"arm"}),
		tunnelBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "shellgate",
			Name:      "tunnel_bytes_total",
			Help:      "Bytes relayed through CONNECT tunnels, both directions.",
		}),
	}
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(arm string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(arm, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(arm).Observe(elapsed.Seconds())
}

// AddTunnelBytes accumulates relayed tunnel traffic.
func (m *Metrics) AddTunnelBytes(n int64) {
	if n > 0 {
		m.tunnelBytes.Add(float64(n))
	}
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
