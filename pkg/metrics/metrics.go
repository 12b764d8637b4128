package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "porthole_sessions_active",
			Help: "Number of non-terminal sessions by status and ide",
		},
		[]string{"status", "ide"},
	)

	LaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "porthole_launches_total",
			Help: "Total launch attempts by outcome (complete, pending-timeout, error, conflict)",
		},
		[]string{"outcome"},
	)

	SessionsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "porthole_sessions_reaped_total",
			Help: "Total sessions cancelled by the idle reaper",
		},
	)

	// Poller metrics
	PollCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "porthole_poll_cycles_total",
			Help: "Total poll reconciliation cycles",
		},
	)

	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "porthole_poll_duration_seconds",
			Help:    "Duration of poll reconciliation cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	PollWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "porthole_poll_warnings_total",
			Help: "Per-user scheduler read failures absorbed by the poller",
		},
	)

	// Scheduler CLI metrics
	SchedulerCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "porthole_scheduler_commands_total",
			Help: "Scheduler CLI invocations by command and result",
		},
		[]string{"command", "result"},
	)

	MalformedQueueRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "porthole_malformed_queue_rows_total",
			Help: "Scheduler queue rows dropped by the parser",
		},
	)

	// Tunnel metrics
	TunnelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "porthole_tunnels_open",
			Help: "Number of live forward tunnels",
		},
	)

	TunnelFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "porthole_tunnel_failures_total",
			Help: "Tunnel failures by kind (probe-timeout, process-exit)",
		},
		[]string{"kind"},
	)

	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "porthole_proxy_requests_total",
			Help: "Proxied HTTP requests by ide",
		},
		[]string{"ide"},
	)

	ProxyWebsocketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "porthole_proxy_websockets_total",
			Help: "Proxied WebSocket upgrades by ide",
		},
		[]string{"ide"},
	)

	ProxyUpstreamErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "porthole_proxy_upstream_errors_total",
			Help: "Upstream failures surfaced as 502 or socket close",
		},
	)
)

// Register registers all metrics with Prometheus
func Register() {
	prometheus.MustRegister(
		SessionsActive,
		LaunchesTotal,
		SessionsReapedTotal,
		PollCyclesTotal,
		PollDuration,
		PollWarningsTotal,
		SchedulerCommandsTotal,
		MalformedQueueRowsTotal,
		TunnelsOpen,
		TunnelFailuresTotal,
		ProxyRequestsTotal,
		ProxyWebsocketsTotal,
		ProxyUpstreamErrorsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
