package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/extruder-monitor/internal/model"
)

// StartTransaction starts a new database transaction.
func StartTransaction(conn *sql.DB) (*sql.Tx, error) {
	tx, err := conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// CreateProfileWithTx inserts a new profile with the §4.E creation
// defaults (baseline_learning=true, baseline_ready=false).
func CreateProfileWithTx(tx *sql.Tx, profileID, machineID, materialID string) error {
	_, err := tx.Exec(`INSERT INTO profiles (profile_id, machine_id, material_id, baseline_learning, baseline_ready) VALUES (?, ?, ?, 1, 0)`,
		profileID, machineID, materialID)
	if err != nil {
		return fmt.Errorf("failed to create profile %s: %w", profileID, err)
	}
	return nil
}

// StartLearningWithTx sets a profile into learning mode and clears any
// stats and samples it may already carry (§4.F start_learning).
func StartLearningWithTx(tx *sql.Tx, profileID string) error {
	if _, err := tx.Exec(`UPDATE profiles SET baseline_learning = 1, baseline_ready = 0 WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("failed to set profile %s to learning mode: %w", profileID, err)
	}
	if _, err := tx.Exec(`DELETE FROM baseline_stats WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("failed to clear baseline stats for %s: %w", profileID, err)
	}
	if _, err := tx.Exec(`DELETE FROM baseline_samples WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("failed to clear baseline samples for %s: %w", profileID, err)
	}
	return nil
}

// InsertSampleWithTx persists one sample, ignoring a duplicate
// (profile, metric, timestamp) key per §4.F ingest.
func InsertSampleWithTx(tx *sql.Tx, profileID, metricName string, value float64, at time.Time) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO baseline_samples (profile_id, metric_name, value, timestamp) VALUES (?, ?, ?, ?)`,
		profileID, metricName, value, at.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert sample for %s/%s: %w", profileID, metricName, err)
	}
	return nil
}

// FinalizeWithTx writes frozen stats for every metric and deletes the
// profile's samples, flipping the lifecycle flags, all within the
// caller's transaction so the operation is all-or-nothing (§4.F finalize,
// invariant 4).
func FinalizeWithTx(tx *sql.Tx, profileID string, stats map[string]model.BaselineStats) error {
	for metric, s := range stats {
		_, err := tx.Exec(`INSERT OR REPLACE INTO baseline_stats (profile_id, metric_name, mean, std, p05, p95, sample_count) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			profileID, metric, s.Mean, s.Std, s.P05, s.P95, s.SampleCount)
		if err != nil {
			return fmt.Errorf("failed to write baseline stats for %s/%s: %w", profileID, metric, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM baseline_samples WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("failed to delete samples for %s: %w", profileID, err)
	}
	if _, err := tx.Exec(`UPDATE profiles SET baseline_learning = 0, baseline_ready = 1 WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("failed to flip lifecycle flags for %s: %w", profileID, err)
	}
	return nil
}

// archivedStat is an intermediate row shape for ResetWithTx's archive copy.
type archivedStat struct {
	metric               string
	mean, std, p05, p95  float64
	count                int
}

// ResetWithTx clears a profile's flags, stats, and samples. If archive is
// true the existing stats are copied into baseline_archive under
// archiveKey before being dropped (§4.F reset). blob is an optional
// caller-compressed snapshot (see internal/baseline's gzip archive
// encoding) stored alongside each metric row for later inspection.
func ResetWithTx(tx *sql.Tx, profileID, archiveKey string, archive bool, archivedAt time.Time, blob []byte) error {
	if archive {
		rows, err := tx.Query(`SELECT metric_name, mean, std, p05, p95, sample_count FROM baseline_stats WHERE profile_id = ?`, profileID)
		if err != nil {
			return fmt.Errorf("failed to read stats to archive for %s: %w", profileID, err)
		}
		var toArchive []archivedStat
		for rows.Next() {
			var r archivedStat
			if err := rows.Scan(&r.metric, &r.mean, &r.std, &r.p05, &r.p95, &r.count); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan stats to archive for %s: %w", profileID, err)
			}
			toArchive = append(toArchive, r)
		}
		rows.Close()

		for _, r := range toArchive {
			_, err := tx.Exec(`INSERT OR REPLACE INTO baseline_archive (archive_key, profile_id, metric_name, mean, std, p05, p95, sample_count, archived_at, blob) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				archiveKey, profileID, r.metric, r.mean, r.std, r.p05, r.p95, r.count, archivedAt.Format(time.RFC3339Nano), blob)
			if err != nil {
				return fmt.Errorf("failed to archive stats for %s/%s: %w", profileID, r.metric, err)
			}
		}
	}

	if _, err := tx.Exec(`DELETE FROM baseline_stats WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("failed to clear baseline stats for %s: %w", profileID, err)
	}
	if _, err := tx.Exec(`DELETE FROM baseline_samples WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("failed to clear baseline samples for %s: %w", profileID, err)
	}
	if _, err := tx.Exec(`UPDATE profiles SET baseline_learning = 0, baseline_ready = 0 WHERE profile_id = ?`, profileID); err != nil {
		return fmt.Errorf("failed to clear lifecycle flags for %s: %w", profileID, err)
	}
	return nil
}

// RecordStateTransitionWithTx appends one row to the state-transition log.
func RecordStateTransitionWithTx(tx *sql.Tx, t model.StateTransition) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO state_transitions (machine_id, from_state, to_state, at, confidence) VALUES (?, ?, ?, ?, ?)`,
		t.MachineID, string(t.FromState), string(t.ToState), t.At.Format(time.RFC3339Nano), t.Confidence)
	if err != nil {
		return fmt.Errorf("failed to record state transition for %s: %w", t.MachineID, err)
	}
	return nil
}

// RecordMaterialChangeWithTx appends one row to the material-change log.
func RecordMaterialChangeWithTx(tx *sql.Tx, e model.MaterialChangeEvent) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO material_changes (machine_id, previous_material, new_material, at) VALUES (?, ?, ?, ?)`,
		e.MachineID, e.PreviousMaterial, e.NewMaterial, e.At.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record material change for %s: %w", e.MachineID, err)
	}
	return nil
}
