package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/extruder-monitor/internal/model"
)

// GetProfileByID retrieves a single profile by its ID.
func GetProfileByID(conn *sql.DB, profileID string) (*model.Profile, error) {
	var p model.Profile
	err := conn.QueryRow(`SELECT profile_id, machine_id, material_id, baseline_learning, baseline_ready FROM profiles WHERE profile_id = ?`, profileID).
		Scan(&p.ProfileID, &p.MachineID, &p.MaterialID, &p.BaselineLearning, &p.BaselineReady)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile %s: %w", profileID, err)
	}
	return &p, nil
}

// GetProfileByMachineAndMaterial implements the §4.E lookup: a
// machine-specific profile if present, else the material-default (empty
// machine_id) profile, else nil.
func GetProfileByMachineAndMaterial(conn *sql.DB, machineID, materialID string) (*model.Profile, error) {
	p, err := queryProfile(conn, machineID, materialID)
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	p, err = queryProfile(conn, "", materialID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func queryProfile(conn *sql.DB, machineID, materialID string) (*model.Profile, error) {
	var p model.Profile
	err := conn.QueryRow(`SELECT profile_id, machine_id, material_id, baseline_learning, baseline_ready FROM profiles WHERE machine_id = ? AND material_id = ?`, machineID, materialID).
		Scan(&p.ProfileID, &p.MachineID, &p.MaterialID, &p.BaselineLearning, &p.BaselineReady)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetAllProfiles retrieves every profile in the registry.
func GetAllProfiles(conn *sql.DB) ([]model.Profile, error) {
	rows, err := conn.Query(`SELECT profile_id, machine_id, material_id, baseline_learning, baseline_ready FROM profiles`)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []model.Profile
	for rows.Next() {
		var p model.Profile
		if err := rows.Scan(&p.ProfileID, &p.MachineID, &p.MaterialID, &p.BaselineLearning, &p.BaselineReady); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// GetBaselineStats retrieves every frozen metric statistic for a profile.
func GetBaselineStats(conn *sql.DB, profileID string) (map[string]model.BaselineStats, error) {
	rows, err := conn.Query(`SELECT profile_id, metric_name, mean, std, p05, p95, sample_count FROM baseline_stats WHERE profile_id = ?`, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query baseline stats for %s: %w", profileID, err)
	}
	defer rows.Close()

	stats := make(map[string]model.BaselineStats)
	for rows.Next() {
		var s model.BaselineStats
		if err := rows.Scan(&s.ProfileID, &s.MetricName, &s.Mean, &s.Std, &s.P05, &s.P95, &s.SampleCount); err != nil {
			return nil, fmt.Errorf("failed to scan baseline stats: %w", err)
		}
		stats[s.MetricName] = s
	}
	return stats, nil
}

// CountSamples returns the number of pending samples recorded per metric
// for a profile still in learning mode.
func CountSamples(conn *sql.DB, profileID string) (map[string]int, error) {
	rows, err := conn.Query(`SELECT metric_name, COUNT(*) FROM baseline_samples WHERE profile_id = ? GROUP BY metric_name`, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to count samples for %s: %w", profileID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var metric string
		var n int
		if err := rows.Scan(&metric, &n); err != nil {
			return nil, fmt.Errorf("failed to scan sample count: %w", err)
		}
		counts[metric] = n
	}
	return counts, nil
}

// GetSamples retrieves every pending sample for one metric of a profile,
// ordered by sample timestamp, oldest first.
func GetSamples(conn *sql.DB, profileID, metricName string) ([]model.BaselineSample, error) {
	rows, err := conn.Query(`SELECT profile_id, metric_name, value, timestamp FROM baseline_samples WHERE profile_id = ? AND metric_name = ? ORDER BY timestamp ASC`, profileID, metricName)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples for %s/%s: %w", profileID, metricName, err)
	}
	defer rows.Close()

	var samples []model.BaselineSample
	for rows.Next() {
		var s model.BaselineSample
		var ts string
		if err := rows.Scan(&s.ProfileID, &s.MetricName, &s.Value, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		samples = append(samples, s)
	}
	return samples, nil
}

// GetStateTransitions retrieves the full transition log for a machine,
// oldest first.
func GetStateTransitions(conn *sql.DB, machineID string) ([]model.StateTransition, error) {
	rows, err := conn.Query(`SELECT machine_id, from_state, to_state, at, confidence FROM state_transitions WHERE machine_id = ? ORDER BY at ASC`, machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query state transitions for %s: %w", machineID, err)
	}
	defer rows.Close()

	var out []model.StateTransition
	for rows.Next() {
		var s model.StateTransition
		var from, to, ts string
		if err := rows.Scan(&s.MachineID, &from, &to, &ts, &s.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan state transition: %w", err)
		}
		s.FromState = model.MachineState(from)
		s.ToState = model.MachineState(to)
		s.At, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, s)
	}
	return out, nil
}
