package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Prometheus holds the counters this repo exposes alongside the datadog
// gauges: malformed-row counts, sensor-fault counts, finalize outcomes, and
// event-sink drops. These map to the error taxonomy in spec.md section 7.
type Prometheus struct {
	registry *prometheus.Registry

	MalformedRows  *prometheus.CounterVec
	SensorFaults   *prometheus.CounterVec
	FinalizeResult *prometheus.CounterVec
	SinkDrops      *prometheus.CounterVec
	HistorianRetry *prometheus.CounterVec
}

// NewPrometheus builds a fresh registry and registers the monitor's
// counters on it.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		MalformedRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "extruder_monitor_malformed_rows_total",
			Help: "Historian rows dropped for being unparsable or structurally invalid.",
		}, []string{"machine_id"}),
		SensorFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "extruder_monitor_sensor_fault_total",
			Help: "Readings classified SENSOR_FAULT.",
		}, []string{"machine_id"}),
		FinalizeResult: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "extruder_monitor_baseline_finalize_total",
			Help: "Baseline finalize attempts by outcome.",
		}, []string{"outcome"}),
		SinkDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "extruder_monitor_sink_drops_total",
			Help: "Event sink publications dropped (timeout or error).",
		}, []string{"event_type"}),
		HistorianRetry: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "extruder_monitor_historian_retry_total",
			Help: "Historian fetch retries after a transient failure.",
		}, []string{"machine_id"}),
	}
}

// Serve starts an HTTP server exposing /metrics on addr. It runs until the
// process exits; failures are logged, not fatal, mirroring the teacher's
// posture that observability must never take the main control loop down
// with it.
func (p *Prometheus) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))

	log.Info().Str("address", addr).Msg("Starting Prometheus metrics endpoint")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Prometheus metrics endpoint stopped")
	}
}
