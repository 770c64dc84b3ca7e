package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the reconciliation worker.
type Metrics interface {
	IncLifecycle(kind string)
	IncDecision(action string)
	IncDisableFailed()
	IncHistoryAppended(action string)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncLifecycle(string)       {}
func (Noop) IncDecision(string)        {}
func (Noop) IncDisableFailed()         {}
func (Noop) IncHistoryAppended(string) {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	lifecycle     *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	disableFailed prometheus.Counter
	history       *prometheus.CounterVec
	once          sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events handled by kind",
		}, []string{"kind"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_decisions_total",
			Help:      "Permission policy decisions by action",
		}, []string{"action"}),
		disableFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disable_failed_total",
			Help:      "Disable requests the host refused or failed",
		}),
		history: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_appended_total",
			Help:      "History entries appended by action",
		}, []string{"action"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.lifecycle, p.decisions, p.disableFailed, p.history)
	})
}

func (p *Prom) IncLifecycle(kind string) {
	p.lifecycle.WithLabelValues(kind).Inc()
}

func (p *Prom) IncDecision(action string) {
	p.decisions.WithLabelValues(action).Inc()
}

func (p *Prom) IncDisableFailed() {
	p.disableFailed.Inc()
}

func (p *Prom) IncHistoryAppended(action string) {
	p.history.WithLabelValues(action).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
