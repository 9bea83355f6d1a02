package db

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/extruder-monitor/internal/model"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = conn.Exec(schema)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestCreateProfileAndLookup(t *testing.T) {
	conn := newTestDB(t)
	tx, err := StartTransaction(conn)
	require.NoError(t, err)
	require.NoError(t, CreateProfileWithTx(tx, "p1", "extruder-1", "PP-H"))
	require.NoError(t, CommitTransaction(tx))

	p, err := GetProfileByMachineAndMaterial(conn, "extruder-1", "PP-H")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "p1", p.ProfileID)
	assert.True(t, p.BaselineLearning)
	assert.False(t, p.BaselineReady)
}

func TestLookupFallsBackToMaterialDefault(t *testing.T) {
	conn := newTestDB(t)
	tx, err := StartTransaction(conn)
	require.NoError(t, err)
	require.NoError(t, CreateProfileWithTx(tx, "default-pp", "", "PP-H"))
	require.NoError(t, CommitTransaction(tx))

	p, err := GetProfileByMachineAndMaterial(conn, "extruder-9", "PP-H")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "default-pp", p.ProfileID)
}

func TestLookupAbsentReturnsNil(t *testing.T) {
	conn := newTestDB(t)
	p, err := GetProfileByMachineAndMaterial(conn, "extruder-1", "ABS")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDuplicateMachineMaterialRejected(t *testing.T) {
	conn := newTestDB(t)
	tx, err := StartTransaction(conn)
	require.NoError(t, err)
	require.NoError(t, CreateProfileWithTx(tx, "p1", "extruder-1", "PP-H"))
	require.NoError(t, CommitTransaction(tx))

	tx2, err := StartTransaction(conn)
	require.NoError(t, err)
	err = CreateProfileWithTx(tx2, "p2", "extruder-1", "PP-H")
	assert.Error(t, err, "the unique constraint on (machine_id, material_id) must reject the duplicate")
	RollbackTransaction(tx2)
}

func TestIngestAndFinalizeAtomicity(t *testing.T) {
	conn := newTestDB(t)
	tx, err := StartTransaction(conn)
	require.NoError(t, err)
	require.NoError(t, CreateProfileWithTx(tx, "p1", "extruder-1", "PP-H"))
	require.NoError(t, CommitTransaction(tx))

	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		tx, err := StartTransaction(conn)
		require.NoError(t, err)
		require.NoError(t, InsertSampleWithTx(tx, "p1", "pressure", 370.0, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, CommitTransaction(tx))
	}

	counts, err := CountSamples(conn, "p1")
	require.NoError(t, err)
	assert.Equal(t, 120, counts["pressure"])

	stats := map[string]model.BaselineStats{
		"pressure": {ProfileID: "p1", MetricName: "pressure", Mean: 370, Std: 1.2, P05: 368, P95: 372, SampleCount: 120},
	}
	tx, err = StartTransaction(conn)
	require.NoError(t, err)
	require.NoError(t, FinalizeWithTx(tx, "p1", stats))
	require.NoError(t, CommitTransaction(tx))

	p, err := GetProfileByID(conn, "p1")
	require.NoError(t, err)
	assert.True(t, p.BaselineReady)
	assert.False(t, p.BaselineLearning)

	counts, err = CountSamples(conn, "p1")
	require.NoError(t, err)
	assert.Empty(t, counts, "samples must be gone once finalize commits")

	got, err := GetBaselineStats(conn, "p1")
	require.NoError(t, err)
	assert.InDelta(t, 370.0, got["pressure"].Mean, 0.001)
}

func TestResetArchivesOnRequest(t *testing.T) {
	conn := newTestDB(t)
	tx, err := StartTransaction(conn)
	require.NoError(t, err)
	require.NoError(t, CreateProfileWithTx(tx, "p1", "extruder-1", "PP-H"))
	require.NoError(t, FinalizeWithTx(tx, "p1", map[string]model.BaselineStats{
		"pressure": {MetricName: "pressure", Mean: 370, Std: 1.2, P05: 368, P95: 372, SampleCount: 120},
	}))
	require.NoError(t, CommitTransaction(tx))

	tx, err = StartTransaction(conn)
	require.NoError(t, err)
	require.NoError(t, ResetWithTx(tx, "p1", "p1-archive-1", true, time.Now().UTC(), []byte("compressed-snapshot")))
	require.NoError(t, CommitTransaction(tx))

	p, err := GetProfileByID(conn, "p1")
	require.NoError(t, err)
	assert.False(t, p.BaselineReady)
	assert.False(t, p.BaselineLearning)

	var archivedMean float64
	err = conn.QueryRow(`SELECT mean FROM baseline_archive WHERE archive_key = ? AND metric_name = ?`, "p1-archive-1", "pressure").Scan(&archivedMean)
	require.NoError(t, err)
	assert.InDelta(t, 370.0, archivedMean, 0.001)
}

func TestRecordStateTransition(t *testing.T) {
	conn := newTestDB(t)
	at := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	tx, err := StartTransaction(conn)
	require.NoError(t, err)
	require.NoError(t, RecordStateTransitionWithTx(tx, model.StateTransition{
		MachineID: "extruder-1", FromState: model.StateIdle, ToState: model.StateProduction, At: at, Confidence: 0.9,
	}))
	require.NoError(t, CommitTransaction(tx))

	transitions, err := GetStateTransitions(conn, "extruder-1")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, model.StateProduction, transitions[0].ToState)
}
