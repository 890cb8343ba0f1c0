package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's instrument set on its own registry, so
// tests can create as many as they like without duplicate registration
// panics.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted      prometheus.Counter
	RunsCompleted    *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec
	MessagesInbound  *prometheus.CounterVec
	SecurityBlocked  *prometheus.CounterVec
	ClientsConnected prometheus.Gauge
	RequestDuration  *prometheus.HistogramVec
	BusDropped       prometheus.Counter
	BusSubscribers   prometheus.Gauge
	RateLimitDenied  prometheus.Counter
	ApprovalLatency  prometheus.Histogram
}

// NewMetrics registers all gateway instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentgate_runs_started_total",
			Help: "Agent runs started.",
		}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_runs_completed_total",
			Help: "Agent runs finished, by terminal status.",
		}, []string{"status"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_events_published_total",
			Help: "Events published on the bus, by type.",
		}, []string{"type"}),
		MessagesInbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_messages_inbound_total",
			Help: "Inbound messages accepted, by channel.",
		}, []string{"channel"}),
		SecurityBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_security_blocked_total",
			Help: "Requests and messages denied by policy, by reason.",
		}, []string{"reason"}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentgate_clients_connected",
			Help: "Currently connected control-plane clients.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentgate_request_duration_seconds",
			Help:    "Control-plane request handling time, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		BusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentgate_bus_dropped_total",
			Help: "Events evicted from lagging subscriber mailboxes.",
		}),
		BusSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentgate_bus_subscribers",
			Help: "Active event bus subscriptions.",
		}),
		RateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentgate_ratelimit_denied_total",
			Help: "Requests and messages rejected by the rate limiter.",
		}),
		ApprovalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentgate_approval_latency_seconds",
			Help:    "Time from approval request to operator decision.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}),
	}
	reg.MustRegister(
		m.RunsStarted, m.RunsCompleted, m.EventsPublished,
		m.MessagesInbound, m.SecurityBlocked, m.ClientsConnected,
		m.RequestDuration, m.BusDropped, m.BusSubscribers,
		m.RateLimitDenied, m.ApprovalLatency,
	)
	return m
}

// Handler serves the text exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
