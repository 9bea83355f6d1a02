// Package baseline implements the baseline learner (§4.F): start_learning,
// ingest, finalize, and reset, plus the is_learning predicate the alarm
// path and ingestion pipeline both consult. Per §5, baseline operations
// are serialized per profile and independent across profiles; Learner
// keeps one mutex per profile ID, following the teacher's
// internal/controllers pattern of a small per-entity lock guarding a
// shared store rather than one lock for the whole subsystem.
package baseline

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/thatsimonsguy/extruder-monitor/db"
	"github.com/thatsimonsguy/extruder-monitor/internal/model"
	"github.com/thatsimonsguy/extruder-monitor/internal/telemetry"
)

// MinSamplesPerMetric is the §4.F MIN_SAMPLES_PER_METRIC default.
const MinSamplesPerMetric = 100

// InsufficientSamplesError is returned by Finalize when one or more
// expected metrics have fewer than MinSamplesPerMetric samples. No state
// is changed when this error is returned.
type InsufficientSamplesError struct {
	ProfileID        string
	DeficientMetrics []string
}

func (e *InsufficientSamplesError) Error() string {
	return fmt.Sprintf("profile %s has insufficient samples for metrics: %v", e.ProfileID, e.DeficientMetrics)
}

// InvariantError marks a caller-visible invariant breach per §7. Finalize
// returns it for a profile that is not in learning mode. Ingest never
// returns it: a sample offered to a profile that is not learning (a ready
// profile included) is dropped without an error.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return e.Msg }

// OperationTracker is satisfied by *shutdown.Coordinator. Finalize and
// Reset register themselves as in-flight for their duration so a
// shutdown in progress waits for a commit or rollback instead of racing
// it.
type OperationTracker interface {
	BeginOperation() func()
}

type noopTracker struct{}

func (noopTracker) BeginOperation() func() { return func() {} }

// Learner owns the per-profile serialization for baseline operations
// against the SQLite store.
type Learner struct {
	conn    *sql.DB
	tracker OperationTracker
	prom    *telemetry.Prometheus

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wraps an open database connection as a Learner.
func New(conn *sql.DB) *Learner {
	return &Learner{conn: conn, tracker: noopTracker{}, locks: make(map[string]*sync.Mutex)}
}

// WithTracker registers a shutdown coordinator so Finalize/Reset are
// tracked as in-flight operations during graceful shutdown.
func (l *Learner) WithTracker(tracker OperationTracker) *Learner {
	l.tracker = tracker
	return l
}

// WithProm registers the Prometheus counters Finalize reports its outcome
// to.
func (l *Learner) WithProm(prom *telemetry.Prometheus) *Learner {
	l.prom = prom
	return l
}

func (l *Learner) lockFor(profileID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[profileID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[profileID] = m
	}
	return m
}

// StartLearning sets the profile to learning mode, clearing prior stats
// and samples. Idempotent on a profile already learning.
func (l *Learner) StartLearning(profileID string) error {
	pm := l.lockFor(profileID)
	pm.Lock()
	defer pm.Unlock()

	tx, err := db.StartTransaction(l.conn)
	if err != nil {
		return err
	}
	if err := db.StartLearningWithTx(tx, profileID); err != nil {
		db.RollbackTransaction(tx)
		return err
	}
	return db.CommitTransaction(tx)
}

// IsLearning reports whether a profile is currently accumulating samples.
func (l *Learner) IsLearning(profileID string) (bool, error) {
	p, err := db.GetProfileByID(l.conn, profileID)
	if err != nil {
		return false, err
	}
	return p.BaselineLearning, nil
}

// Ingest persists one sample if and only if the profile is in learning
// mode and the reading was taken in PRODUCTION. A nil value is dropped
// without error, as are samples outside PRODUCTION or for a profile that
// is not learning; duplicate (profile, metric, timestamp) keys are
// silently ignored.
func (l *Learner) Ingest(profileID, metricName string, value *float64, stateAtSample model.MachineState, at time.Time) error {
	if value == nil {
		return nil
	}
	if stateAtSample != model.StateProduction {
		return nil
	}

	pm := l.lockFor(profileID)
	pm.Lock()
	defer pm.Unlock()

	p, err := db.GetProfileByID(l.conn, profileID)
	if err != nil {
		return err
	}
	if !p.BaselineLearning {
		return nil
	}

	tx, err := db.StartTransaction(l.conn)
	if err != nil {
		return err
	}
	if err := db.InsertSampleWithTx(tx, profileID, metricName, *value, at); err != nil {
		db.RollbackTransaction(tx)
		return err
	}
	return db.CommitTransaction(tx)
}

// Finalize requires at least MinSamplesPerMetric samples for every metric
// in model.ExpectedBaselineMetrics. On success it computes and atomically
// commits mean, sample standard deviation, and the 5th/95th percentiles
// per metric, deletes the samples, and flips the profile's lifecycle
// flags.
func (l *Learner) Finalize(profileID string) error {
	done := l.tracker.BeginOperation()
	defer done()

	pm := l.lockFor(profileID)
	pm.Lock()
	defer pm.Unlock()

	p, err := db.GetProfileByID(l.conn, profileID)
	if err != nil {
		return err
	}
	if !p.BaselineLearning {
		return &InvariantError{Msg: fmt.Sprintf("profile %s is not in learning mode", profileID)}
	}

	counts, err := db.CountSamples(l.conn, profileID)
	if err != nil {
		return err
	}

	var deficient []string
	for _, metric := range model.ExpectedBaselineMetrics {
		if counts[metric] < MinSamplesPerMetric {
			deficient = append(deficient, metric)
		}
	}
	if len(deficient) > 0 {
		l.recordFinalizeResult("insufficient")
		return &InsufficientSamplesError{ProfileID: profileID, DeficientMetrics: deficient}
	}

	stats := make(map[string]model.BaselineStats, len(model.ExpectedBaselineMetrics))
	for _, metric := range model.ExpectedBaselineMetrics {
		samples, err := db.GetSamples(l.conn, profileID, metric)
		if err != nil {
			return err
		}
		stats[metric] = computeStats(profileID, metric, samples)
	}

	tx, err := db.StartTransaction(l.conn)
	if err != nil {
		return err
	}
	if err := db.FinalizeWithTx(tx, profileID, stats); err != nil {
		db.RollbackTransaction(tx)
		return err
	}
	if err := db.CommitTransaction(tx); err != nil {
		return err
	}
	l.recordFinalizeResult("success")
	return nil
}

// recordFinalizeResult increments the per-outcome finalize counter when a
// Prometheus exporter is registered.
func (l *Learner) recordFinalizeResult(outcome string) {
	if l.prom == nil {
		return
	}
	l.prom.FinalizeResult.WithLabelValues(outcome).Inc()
}

// Reset clears a profile's lifecycle flags, stats, and samples. When
// archive is true, the existing stats are gzip-compressed to JSON and
// retained under a timestamped archive key for audit; reset makes no
// guarantee about the archive's further use.
func (l *Learner) Reset(profileID string, archive bool, at time.Time) error {
	done := l.tracker.BeginOperation()
	defer done()

	pm := l.lockFor(profileID)
	pm.Lock()
	defer pm.Unlock()

	var blob []byte
	archiveKey := fmt.Sprintf("%s-%d", profileID, at.UnixNano())

	if archive {
		stats, err := db.GetBaselineStats(l.conn, profileID)
		if err != nil {
			return err
		}
		b, err := compressStats(stats)
		if err != nil {
			return fmt.Errorf("failed to compress baseline archive for %s: %w", profileID, err)
		}
		blob = b
	}

	tx, err := db.StartTransaction(l.conn)
	if err != nil {
		return err
	}
	if err := db.ResetWithTx(tx, profileID, archiveKey, archive, at, blob); err != nil {
		db.RollbackTransaction(tx)
		return err
	}
	return db.CommitTransaction(tx)
}

// computeStats computes mean, sample standard deviation (divisor n-1),
// and the empirical 5th/95th percentiles (linear interpolation between
// ranks) for one metric's samples.
func computeStats(profileID, metric string, samples []model.BaselineSample) model.BaselineStats {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	sort.Float64s(values)

	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	std := math.Sqrt(sq / (n - 1))

	return model.BaselineStats{
		ProfileID:   profileID,
		MetricName:  metric,
		Mean:        mean,
		Std:         std,
		P05:         percentile(values, 0.05),
		P95:         percentile(values, 0.95),
		SampleCount: len(values),
	}
}

// percentile returns the empirical percentile p (0..1) of sorted, using
// linear interpolation between the bracketing ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

func compressStats(stats map[string]model.BaselineStats) ([]byte, error) {
	raw, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
