// Package poller runs one supervisor goroutine per machine: fetch from the
// historian, append to the ring buffer, derive metrics, classify state,
// feed the baseline learner, score with the ML service, evaluate, and fan
// out to the event sink. It is grounded on the teacher's main control loop
// (cmd/hvac-controller/main.go's per-zone goroutine and its ticker-driven
// poll cycle), generalized from a fixed zone set to a configured machine
// list and from thermostat control to condition monitoring.
//
// Per §5, each machine's poller is the sole writer of its ring buffer and
// state detector; the evaluator and read API only ever touch an atomically
// published snapshot.
package poller

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/extruder-monitor/db"
	"github.com/thatsimonsguy/extruder-monitor/internal/baseline"
	"github.com/thatsimonsguy/extruder-monitor/internal/config"
	"github.com/thatsimonsguy/extruder-monitor/internal/eventsink"
	"github.com/thatsimonsguy/extruder-monitor/internal/evaluator"
	"github.com/thatsimonsguy/extruder-monitor/internal/historian"
	"github.com/thatsimonsguy/extruder-monitor/internal/metricengine"
	"github.com/thatsimonsguy/extruder-monitor/internal/mlclient"
	"github.com/thatsimonsguy/extruder-monitor/internal/model"
	"github.com/thatsimonsguy/extruder-monitor/internal/profile"
	"github.com/thatsimonsguy/extruder-monitor/internal/ringbuffer"
	"github.com/thatsimonsguy/extruder-monitor/internal/statedetector"
	"github.com/thatsimonsguy/extruder-monitor/internal/telemetry"
)

// Snapshot is the atomically published, read-only view of one machine's
// current state for the evaluator and read API to consume without
// touching the poller's internals.
type Snapshot struct {
	MachineID  string
	MaterialID string
	Reading    model.Reading
	Metrics    model.DerivedMetrics
	State      model.MachineStateInfo
	Evaluation model.Evaluation
}

// Machine runs the supervisor loop for one machine. It owns its ring
// buffer and state detector exclusively; nothing else may write them.
type Machine struct {
	id string

	conn     *sql.DB
	watcher  *config.Watcher
	hist     historian.Client
	ml       *mlclient.Client
	profiles *profile.Registry
	learner  *baseline.Learner
	sink     eventsink.Sink
	prom     *telemetry.Prometheus

	buf      *ringbuffer.Buffer
	detector *statedetector.Detector
	snapshot atomic.Pointer[Snapshot]

	watermark       time.Time
	currentMaterial string
}

// Deps bundles the shared collaborators every Machine needs, so New's
// signature doesn't grow with every new dependency.
type Deps struct {
	Conn     *sql.DB
	Watcher  *config.Watcher
	Historian historian.Client
	ML       *mlclient.Client
	Profiles *profile.Registry
	Learner  *baseline.Learner
	Sink     eventsink.Sink
	Prom     *telemetry.Prometheus
}

// New constructs a Machine for machineID, ready to Run.
func New(machineID string, deps Deps) *Machine {
	thresholds := deps.Watcher.Current().ThresholdsFor(machineID)
	return &Machine{
		id:       machineID,
		conn:     deps.Conn,
		watcher:  deps.Watcher,
		hist:     deps.Historian,
		ml:       deps.ML,
		profiles: deps.Profiles,
		learner:  deps.Learner,
		sink:     deps.Sink,
		prom:     deps.Prom,
		buf:      ringbuffer.New(ringbuffer.DefaultCapacity),
		detector: statedetector.New(thresholds),
	}
}

// Snapshot returns the most recently published snapshot, or nil before the
// first successful cycle.
func (m *Machine) Snapshot() *Snapshot {
	return m.snapshot.Load()
}

// Run loops until ctx is cancelled, sleeping up to the configured poll
// interval between cycles (§5: "between polls, the task sleeps up to
// poll_interval, or reacts sooner to a reload signal"). Each cycle's
// suspension points (historian fetch, persistence, sink publish) never
// hold a lock across the call.
func (m *Machine) Run(ctx context.Context) {
	log.Info().Str("machine_id", m.id).Msg("Poller starting")

	for {
		cfg := m.watcher.Current()
		m.detector.SetThresholds(cfg.ThresholdsFor(m.id))

		if cfg.Historian.Enabled {
			m.cycle(ctx, cfg)
		}

		interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
		select {
		case <-ctx.Done():
			log.Info().Str("machine_id", m.id).Msg("Poller stopping")
			return
		case <-time.After(interval):
		}
	}
}

// cycle runs one fetch-classify-learn-evaluate-publish pass.
func (m *Machine) cycle(ctx context.Context, cfg *config.Config) {
	m.checkMaterialChange(cfg)

	fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.FetchTimeoutSeconds)*time.Second)
	defer cancel()

	readings, newWatermark, err := historian.FetchWithRetry(fetchCtx, m.hist, m.id, m.watermark, cfg.MaxRowsPerPoll, time.Duration(cfg.FetchTimeoutSeconds)*time.Second, m.prom)
	if err != nil {
		log.Warn().Err(err).Str("machine_id", m.id).Msg("Historian fetch failed for this cycle")
		return
	}
	m.watermark = newWatermark

	for _, r := range readings {
		m.processReading(ctx, cfg, r)
	}
}

// checkMaterialChange diffs the operator-assigned material against the
// last one this poller observed, recording and publishing a
// MaterialChangeEvent on change (§4.H).
func (m *Machine) checkMaterialChange(cfg *config.Config) {
	next := cfg.MaterialFor(m.id)
	if next == m.currentMaterial {
		return
	}

	event := model.MaterialChangeEvent{
		MachineID:        m.id,
		PreviousMaterial: m.currentMaterial,
		NewMaterial:      next,
		At:               time.Now().UTC(),
	}
	m.currentMaterial = next

	tx, err := db.StartTransaction(m.conn)
	if err != nil {
		log.Warn().Err(err).Str("machine_id", m.id).Msg("Failed to start transaction for material change")
	} else if err := db.RecordMaterialChangeWithTx(tx, event); err != nil {
		log.Warn().Err(err).Str("machine_id", m.id).Msg("Failed to record material change")
		db.RollbackTransaction(tx)
	} else if err := db.CommitTransaction(tx); err != nil {
		log.Warn().Err(err).Str("machine_id", m.id).Msg("Failed to commit material change")
	}

	if m.sink != nil {
		m.sink.OnMaterialChange(event)
	}
}

// processReading appends one reading to the buffer, derives metrics,
// classifies state, feeds the learner, scores with ML, evaluates, and
// publishes. A rejected (late/duplicate) append still updates the
// watermark upstream but contributes nothing else this cycle.
func (m *Machine) processReading(ctx context.Context, cfg *config.Config, r model.Reading) {
	if !m.buf.Append(r) {
		return
	}

	snapshot := m.buf.Snapshot()
	history := snapshot[:len(snapshot)-1]
	metrics := metricengine.Compute(history, r)

	now := r.Timestamp
	var stateInfo model.MachineStateInfo
	if info, ok := m.detector.CheckStale(true, r.Timestamp, time.Now().UTC()); ok {
		stateInfo = info
	} else {
		prevState := m.lastPublishedState()
		stateInfo = m.detector.Classify(r, metrics, now)
		if prevState != "" && prevState != stateInfo.State {
			m.recordTransition(model.StateTransition{
				MachineID:  m.id,
				FromState:  prevState,
				ToState:    stateInfo.State,
				At:         now,
				Confidence: stateInfo.Confidence,
			})
		}
	}
	stateInfo.MachineID = m.id

	if stateInfo.State == model.StateSensorFault && m.prom != nil {
		m.prom.SensorFaults.WithLabelValues(m.id).Inc()
	}

	resolved, err := m.profiles.Resolve(m.id, m.currentMaterial)
	if err != nil {
		log.Warn().Err(err).Str("machine_id", m.id).Msg("Failed to resolve profile")
	}

	m.feedLearner(resolved, stateInfo, metrics, r, now)

	eval := m.evaluate(cfg, ctx, r, metrics, stateInfo, resolved)

	m.snapshot.Store(&Snapshot{
		MachineID:  m.id,
		MaterialID: m.currentMaterial,
		Reading:    r,
		Metrics:    metrics,
		State:      stateInfo,
		Evaluation: eval,
	})

	if m.sink != nil {
		m.sink.OnEvaluation(eval)
	}
}

func (m *Machine) lastPublishedState() model.MachineState {
	if s := m.snapshot.Load(); s != nil {
		return s.State.State
	}
	return ""
}

func (m *Machine) recordTransition(t model.StateTransition) {
	tx, err := db.StartTransaction(m.conn)
	if err != nil {
		log.Warn().Err(err).Str("machine_id", m.id).Msg("Failed to start transaction for state transition")
		return
	}
	if err := db.RecordStateTransitionWithTx(tx, t); err != nil {
		log.Warn().Err(err).Str("machine_id", m.id).Msg("Failed to record state transition")
		db.RollbackTransaction(tx)
		return
	}
	if err := db.CommitTransaction(tx); err != nil {
		log.Warn().Err(err).Str("machine_id", m.id).Msg("Failed to commit state transition")
		return
	}
	if m.sink != nil {
		m.sink.OnStateTransition(t)
	}
}

// feedLearner ingests one sample per expected metric into the baseline
// learner, silently doing nothing when no profile is resolved (§4.F
// gates ingest on profile + PRODUCTION + learning mode internally).
func (m *Machine) feedLearner(p *model.Profile, stateInfo model.MachineStateInfo, metrics model.DerivedMetrics, r model.Reading, at time.Time) {
	if p == nil {
		return
	}
	values := map[string]*float64{
		"screw_rpm":   r.ScrewRPM,
		"pressure":    r.Pressure,
		"temp_zone_1": r.TempZones[0],
		"temp_zone_2": r.TempZones[1],
		"temp_zone_3": r.TempZones[2],
		"temp_zone_4": r.TempZones[3],
		"temp_avg":    metrics.TempAvg,
		"temp_spread": metrics.TempSpread,
	}
	for metric, v := range values {
		if err := m.learner.Ingest(p.ProfileID, metric, v, stateInfo.State, at); err != nil {
			log.Warn().Err(err).Str("machine_id", m.id).Str("metric", metric).Msg("Baseline ingest failed")
		}
	}
}

// evaluate assembles the evaluator Input, optionally scores with the ML
// service, and returns the evaluation snapshot.
func (m *Machine) evaluate(cfg *config.Config, ctx context.Context, r model.Reading, metrics model.DerivedMetrics, stateInfo model.MachineStateInfo, p *model.Profile) model.Evaluation {
	in := evaluator.Input{
		Reading: r,
		Metrics: metrics,
		State:   stateInfo,
		Profile: p,
	}

	if p != nil {
		stats, err := db.GetBaselineStats(m.conn, p.ProfileID)
		if err != nil {
			log.Warn().Err(err).Str("machine_id", m.id).Msg("Failed to load baseline stats")
		} else {
			in.BaselineStats = stats
		}
	}

	if m.ml != nil {
		if score, confidence, err := m.scoreML(ctx, cfg, r, p, in.BaselineStats); err == nil {
			in.MLScore = score
			in.MLConfidence = confidence
		}
	}

	eval := evaluator.Evaluate(in)
	eval.MachineID = m.id
	eval.MaterialID = m.currentMaterial
	eval.At = r.Timestamp
	return eval
}

func (m *Machine) scoreML(ctx context.Context, cfg *config.Config, r model.Reading, p *model.Profile, stats map[string]model.BaselineStats) (*float64, *float64, error) {
	mlCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.MLTimeoutSeconds)*time.Second)
	defer cancel()

	req := mlclient.Request{
		MachineID: m.id,
		SensorID:  "combined",
		Timestamp: r.Timestamp,
		Readings:  readingToMap(r),
	}
	if p != nil {
		req.ProfileID = p.ProfileID
		req.MaterialID = p.MaterialID
	}
	if len(stats) > 0 {
		payload := make(map[string]mlclient.BaselineStatsPayload, len(stats))
		for metric, s := range stats {
			payload[metric] = mlclient.BaselineStatsPayload{Mean: s.Mean, Std: s.Std, P05: s.P05, P95: s.P95}
		}
		req.BaselineStats = payload
	}

	resp, err := m.ml.Score(mlCtx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("ml scoring failed: %w", err)
	}
	if resp == nil {
		return nil, nil, nil
	}
	score, confidence := resp.Score, resp.Confidence
	return &score, &confidence, nil
}

func readingToMap(r model.Reading) map[string]float64 {
	out := make(map[string]float64, 6)
	if r.ScrewRPM != nil {
		out["screw_rpm"] = *r.ScrewRPM
	}
	if r.Pressure != nil {
		out["pressure"] = *r.Pressure
	}
	for i, z := range r.TempZones {
		if z != nil {
			out[fmt.Sprintf("temp_zone_%d", i+1)] = *z
		}
	}
	return out
}
