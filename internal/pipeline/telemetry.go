package pipeline

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors the pipeline maintains.
type Metrics struct {
	Requests     *prometheus.CounterVec
	Durations    *prometheus.HistogramVec
	AsyncDropped prometheus.Counter
}

// NewMetrics builds and registers the pipeline collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirbox_requests_total",
			Help: "FHIR interactions processed, by type, interaction and status.",
		}, []string{"resource_type", "interaction", "status"}),
		Durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fhirbox_request_duration_seconds",
			Help:    "FHIR interaction latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"resource_type", "interaction"}),
		AsyncDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fhirbox_async_tasks_dropped_total",
			Help: "Async plugin tasks dropped because the executor queue was full.",
		}),
	}
	reg.MustRegister(m.Requests, m.Durations, m.AsyncDropped)
	return m
}

// Telemetry counts finished interactions. It observes the request snapshot
// only; durations are recorded by the HTTP middleware which sees the full
// span.
type Telemetry struct {
	metrics *Metrics
}

func NewTelemetry(metrics *Metrics) *Telemetry {
	return &Telemetry{metrics: metrics}
}

func (t *Telemetry) Name() string { return "telemetry" }
func (t *Telemetry) Kind() Kind   { return KindTelemetry }
func (t *Telemetry) Order() int   { return 0 }
func (t *Telemetry) Mode() Mode   { return ModeAsync }

func (t *Telemetry) Execute(_ context.Context, req *Request) (*Result, error) {
	t.metrics.Requests.WithLabelValues(
		req.ResourceType,
		string(req.Interaction),
		strconv.Itoa(req.ResponseStatus),
	).Inc()
	return Continue(), nil
}
