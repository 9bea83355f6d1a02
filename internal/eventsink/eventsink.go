// Package eventsink implements the event sink (§4.H): state transitions,
// material-change events, and evaluation snapshots, published
// fire-and-forget with a short deadline. Per §5 and §7, the core must
// never block on, or be brought down by, sink unavailability; a failed
// or slow publish is counted for observability and otherwise ignored.
package eventsink

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/extruder-monitor/internal/model"
	"github.com/thatsimonsguy/extruder-monitor/internal/telemetry"
)

// Sink receives the three event families the core emits. Implementations
// must not block the caller beyond their own internal deadline.
type Sink interface {
	OnStateTransition(model.StateTransition)
	OnMaterialChange(model.MaterialChangeEvent)
	OnEvaluation(model.Evaluation)
}

// Multi fans one event out to every wrapped sink, each under its own
// deadline, and never lets one sink's failure affect another's.
type Multi struct {
	sinks   []Sink
	prom    *telemetry.Prometheus
	timeout time.Duration
}

// NewMulti composes sinks behind a shared publish deadline.
func NewMulti(prom *telemetry.Prometheus, timeout time.Duration, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, prom: prom, timeout: timeout}
}

func (m *Multi) OnStateTransition(t model.StateTransition) {
	m.fanOut("state_transition", func(ctx context.Context, s Sink) { s.OnStateTransition(t) })
}

func (m *Multi) OnMaterialChange(e model.MaterialChangeEvent) {
	m.fanOut("material_change", func(ctx context.Context, s Sink) { s.OnMaterialChange(e) })
}

func (m *Multi) OnEvaluation(e model.Evaluation) {
	m.fanOut("evaluation", func(ctx context.Context, s Sink) { s.OnEvaluation(e) })
}

// fanOut runs fn against every wrapped sink with a deadline, but does not
// actually cancel the sink's own goroutine if it overruns; the deadline
// only gates how long the caller waits before moving on and counting a
// drop, since sinks are fire-and-forget and must never block the poller.
func (m *Multi) fanOut(eventType string, fn func(context.Context, Sink)) {
	for _, s := range m.sinks {
		s := s
		done := make(chan struct{})
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)

		go func() {
			defer close(done)
			fn(ctx, s)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			log.Warn().Str("event_type", eventType).Msg("Event sink publish exceeded its deadline")
			if m.prom != nil {
				m.prom.SinkDrops.WithLabelValues(eventType).Inc()
			}
		}
		cancel()
	}
}

// LogSink publishes every event as a structured log line, the simplest
// always-on sink.
type LogSink struct{}

func (LogSink) OnStateTransition(t model.StateTransition) {
	log.Info().
		Str("machine_id", t.MachineID).
		Str("from", string(t.FromState)).
		Str("to", string(t.ToState)).
		Float64("confidence", t.Confidence).
		Time("at", t.At).
		Msg("State transition")
}

func (LogSink) OnMaterialChange(e model.MaterialChangeEvent) {
	log.Info().
		Str("machine_id", e.MachineID).
		Str("previous_material", e.PreviousMaterial).
		Str("new_material", e.NewMaterial).
		Time("at", e.At).
		Msg("Material change")
}

func (LogSink) OnEvaluation(e model.Evaluation) {
	log.Debug().
		Str("machine_id", e.MachineID).
		Str("material_id", e.MaterialID).
		Str("process_status", string(e.ProcessStatus)).
		Bool("ml_warning", e.MLWarningFlag).
		Msg("Evaluation snapshot")
}

// DatadogSink emits gauges and counters for dashboards, mirroring the
// teacher's package-level Gauge calls from its control loop.
type DatadogSink struct {
	dd *telemetry.Datadog
}

// NewDatadogSink wraps an already-constructed Datadog client.
func NewDatadogSink(dd *telemetry.Datadog) *DatadogSink {
	return &DatadogSink{dd: dd}
}

func (s *DatadogSink) OnStateTransition(t model.StateTransition) {
	s.dd.Incr("extruder_monitor.state_transition", "machine:"+t.MachineID, "to_state:"+string(t.ToState))
}

func (s *DatadogSink) OnMaterialChange(e model.MaterialChangeEvent) {
	s.dd.Incr("extruder_monitor.material_change", "machine:"+e.MachineID)
}

func (s *DatadogSink) OnEvaluation(e model.Evaluation) {
	severity := processStatusGauge(e.ProcessStatus)
	s.dd.Gauge("extruder_monitor.process_status", severity, "machine:"+e.MachineID, "material:"+e.MaterialID)
	if e.MLWarningFlag {
		s.dd.Incr("extruder_monitor.ml_warning", "machine:"+e.MachineID)
	}
}

func processStatusGauge(status model.ProcessStatus) float64 {
	switch status {
	case model.ProcessGreen:
		return 0
	case model.ProcessOrange:
		return 1
	case model.ProcessRed:
		return 2
	default:
		return -1
	}
}
