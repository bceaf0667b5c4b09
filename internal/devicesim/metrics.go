package devicesim

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/espwasm/wasmctl/internal/protocol"
)

// Metrics holds the simulator's Prometheus collectors. Each Device owns a
// private registry so several simulators can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	droppedTotal     prometheus.Counter
	replayedTotal    prometheus.Counter
	bytesWritten     prometheus.Counter
	bytesRead        prometheus.Counter
	commitsTotal     *prometheus.CounterVec
	connectionsTotal prometheus.Counter
	connectionsOpen  prometheus.Gauge
	taskState        prometheus.Gauge
}

// NewMetrics registers the simulator collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasmsim_requests_total",
				Help: "Total number of requests handled, by message tag",
			},
			[]string{"tag"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasmsim_error_responses_total",
				Help: "Total number of error responses, by error kind",
			},
			[]string{"kind"},
		),
		droppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wasmsim_responses_dropped_total",
				Help: "Responses withheld by fault injection",
			},
		),
		replayedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wasmsim_responses_replayed_total",
				Help: "Resent requests answered from the connection's last response",
			},
		),
		bytesWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wasmsim_chunk_bytes_written_total",
				Help: "Total chunk bytes written to staging",
			},
		),
		bytesRead: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wasmsim_chunk_bytes_read_total",
				Help: "Total chunk bytes served to downloads",
			},
		),
		commitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasmsim_commits_total",
				Help: "Upload commits, by result",
			},
			[]string{"result"},
		),
		connectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wasmsim_connections_total",
				Help: "Total number of accepted connections",
			},
		),
		connectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wasmsim_connections_open",
				Help: "Currently open connections",
			},
		),
		taskState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wasmsim_task_state",
				Help: "Task slot state (1 unloaded, 2 loaded, 3 running, 4 stopped)",
			},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) recordRequest(tag protocol.Tag) {
	m.requestsTotal.WithLabelValues(tag.String()).Inc()
}

func (m *Metrics) recordTaskState(s protocol.TaskState) {
	m.taskState.Set(float64(s))
}
