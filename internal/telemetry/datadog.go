// Package telemetry wires the two metrics backends this repo carries
// forward from the corpus: DataDog's dogstatsd client (the teacher's own
// internal/datadog package) for gauges emitted on the hot path, and a
// Prometheus registry (modeled on 99souls-ariadne's metrics wiring) for
// counters the statsd push model handles poorly.
package telemetry

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"
)

// Datadog wraps a dogstatsd client. A nil client (construction failed, or
// telemetry disabled) makes Gauge/Incr silent no-ops, exactly as the
// teacher's package-level Gauge does when dogstatsd is nil.
type Datadog struct {
	client *statsd.Client
}

// NewDatadog constructs a statsd client against addr. Construction failure
// is logged and non-fatal: the returned Datadog simply drops metrics.
func NewDatadog(addr, namespace string, tags []string) *Datadog {
	client, err := statsd.New(addr)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return &Datadog{}
	}

	client.Namespace = namespace
	client.Tags = tags

	log.Info().
		Str("addr", addr).
		Str("namespace", namespace).
		Strs("tags", tags).
		Msg("Datadog metrics initialized")

	return &Datadog{client: client}
}

// Gauge emits a gauge metric, logging (not failing) on transport error.
func (d *Datadog) Gauge(name string, value float64, tags ...string) {
	if d.client == nil {
		return
	}
	if err := d.client.Gauge(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
	}
}

// Incr emits a counter increment, logging (not failing) on transport error.
func (d *Datadog) Incr(name string, tags ...string) {
	if d.client == nil {
		return
	}
	if err := d.client.Incr(name, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit counter metric")
	}
}
