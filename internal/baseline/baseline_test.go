package baseline

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tdb "github.com/thatsimonsguy/extruder-monitor/db"
	"github.com/thatsimonsguy/extruder-monitor/internal/model"
	"github.com/thatsimonsguy/extruder-monitor/internal/telemetry"
)

func newTestLearner(t *testing.T) (*Learner, *sql.DB, string) {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = conn.Exec(`
CREATE TABLE profiles (
	profile_id TEXT PRIMARY KEY, machine_id TEXT NOT NULL DEFAULT '', material_id TEXT NOT NULL,
	baseline_learning BOOLEAN NOT NULL DEFAULT 1, baseline_ready BOOLEAN NOT NULL DEFAULT 0,
	UNIQUE(machine_id, material_id)
);
CREATE TABLE baseline_stats (profile_id TEXT, metric_name TEXT, mean REAL, std REAL, p05 REAL, p95 REAL, sample_count INTEGER, PRIMARY KEY(profile_id, metric_name));
CREATE TABLE baseline_samples (profile_id TEXT, metric_name TEXT, value REAL, timestamp TEXT, PRIMARY KEY(profile_id, metric_name, timestamp));
CREATE TABLE baseline_archive (archive_key TEXT, profile_id TEXT, metric_name TEXT, mean REAL, std REAL, p05 REAL, p95 REAL, sample_count INTEGER, archived_at TEXT, blob BLOB, PRIMARY KEY(archive_key, metric_name));
`)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	tx, err := tdb.StartTransaction(conn)
	require.NoError(t, err)
	require.NoError(t, tdb.CreateProfileWithTx(tx, "p1", "extruder-1", "PP-H"))
	require.NoError(t, tdb.CommitTransaction(tx))

	return New(conn), conn, "p1"
}

func f(v float64) *float64 { return &v }

// S3: learning ingest and finalize.
func TestFinalize_ComputesStatsAndClearsSamples(t *testing.T) {
	l, conn, profileID := newTestLearner(t)

	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	pressures := []float64{368, 369, 370, 371, 372}
	for i := 0; i < 120; i++ {
		v := pressures[i%len(pressures)]
		require.NoError(t, l.Ingest(profileID, "pressure", f(v), model.StateProduction, base.Add(time.Duration(i)*time.Second)))
	}
	for _, metric := range []string{"screw_rpm", "temp_zone_1", "temp_zone_2", "temp_zone_3", "temp_zone_4", "temp_avg", "temp_spread"} {
		for i := 0; i < MinSamplesPerMetric; i++ {
			require.NoError(t, l.Ingest(profileID, metric, f(100), model.StateProduction, base.Add(time.Duration(i)*time.Second)))
		}
	}

	require.NoError(t, l.Finalize(profileID))

	stats, err := tdb.GetBaselineStats(conn, profileID)
	require.NoError(t, err)
	assert.InDelta(t, 370.0, stats["pressure"].Mean, 0.5)
	assert.Greater(t, stats["pressure"].Std, 0.0)

	counts, err := tdb.CountSamples(conn, profileID)
	require.NoError(t, err)
	assert.Empty(t, counts)

	p, err := tdb.GetProfileByID(conn, profileID)
	require.NoError(t, err)
	assert.True(t, p.BaselineReady)
	assert.False(t, p.BaselineLearning)
}

// Invariant 3, learning gate: non-PRODUCTION readings add no samples.
func TestIngest_LearningGateRejectsNonProduction(t *testing.T) {
	l, conn, profileID := newTestLearner(t)
	at := time.Now().UTC()

	require.NoError(t, l.Ingest(profileID, "pressure", f(370), model.StateIdle, at))
	require.NoError(t, l.Ingest(profileID, "pressure", f(370), model.StateOff, at.Add(time.Second)))
	require.NoError(t, l.Ingest(profileID, "pressure", f(370), model.StateSensorFault, at.Add(2*time.Second)))

	counts, err := tdb.CountSamples(conn, profileID)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestIngest_DropsNullValues(t *testing.T) {
	l, conn, profileID := newTestLearner(t)
	require.NoError(t, l.Ingest(profileID, "pressure", nil, model.StateProduction, time.Now().UTC()))

	counts, err := tdb.CountSamples(conn, profileID)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestFinalize_InsufficientSamplesNamesDeficientMetrics(t *testing.T) {
	l, _, profileID := newTestLearner(t)
	at := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Ingest(profileID, "pressure", f(370), model.StateProduction, at.Add(time.Duration(i)*time.Second)))
	}

	err := l.Finalize(profileID)
	require.Error(t, err)
	var insufficient *InsufficientSamplesError
	require.ErrorAs(t, err, &insufficient)
	assert.Contains(t, insufficient.DeficientMetrics, "pressure")
	assert.Contains(t, insufficient.DeficientMetrics, "screw_rpm")
}

func TestFinalize_RecordsOutcomeOnPrometheus(t *testing.T) {
	prom := telemetry.NewPrometheus()

	l, _, profileID := newTestLearner(t)
	l.WithProm(prom)
	at := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Ingest(profileID, "pressure", f(370), model.StateProduction, at.Add(time.Duration(i)*time.Second)))
	}
	require.Error(t, l.Finalize(profileID))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.FinalizeResult.WithLabelValues("insufficient")))

	l2, _, profileID2 := newTestLearner(t)
	l2.WithProm(prom)
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	metrics := []string{"pressure", "screw_rpm", "temp_zone_1", "temp_zone_2", "temp_zone_3", "temp_zone_4", "temp_avg", "temp_spread"}
	for _, metric := range metrics {
		for i := 0; i < MinSamplesPerMetric; i++ {
			require.NoError(t, l2.Ingest(profileID2, metric, f(370), model.StateProduction, base.Add(time.Duration(i)*time.Second)))
		}
	}
	require.NoError(t, l2.Finalize(profileID2))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.FinalizeResult.WithLabelValues("success")))
}

func TestResetClearsFlagsAndArchives(t *testing.T) {
	l, conn, profileID := newTestLearner(t)
	at := time.Now().UTC()
	for _, metric := range model.ExpectedBaselineMetrics {
		for i := 0; i < MinSamplesPerMetric; i++ {
			require.NoError(t, l.Ingest(profileID, metric, f(100), model.StateProduction, at.Add(time.Duration(i)*time.Second)))
		}
	}
	require.NoError(t, l.Finalize(profileID))

	require.NoError(t, l.Reset(profileID, true, at.Add(time.Hour)))

	p, err := tdb.GetProfileByID(conn, profileID)
	require.NoError(t, err)
	assert.False(t, p.BaselineReady)
	assert.False(t, p.BaselineLearning)

	var archived int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM baseline_archive WHERE profile_id = ?`, profileID).Scan(&archived))
	assert.Greater(t, archived, 0)
}

func TestStartLearning_IdempotentAndClearsPriorState(t *testing.T) {
	l, conn, profileID := newTestLearner(t)
	require.NoError(t, l.StartLearning(profileID))
	learning, err := l.IsLearning(profileID)
	require.NoError(t, err)
	assert.True(t, learning)

	require.NoError(t, l.Ingest(profileID, "pressure", f(370), model.StateProduction, time.Now().UTC()))

	require.NoError(t, l.StartLearning(profileID))
	learning, err = l.IsLearning(profileID)
	require.NoError(t, err)
	assert.True(t, learning)

	counts, err := tdb.CountSamples(conn, profileID)
	require.NoError(t, err)
	assert.Empty(t, counts, "StartLearning must clear samples collected before it")
}
