// Package db is the SQLite-backed persistence layer: profiles, frozen
// baseline statistics, in-flight baseline samples, state-transition and
// material-change logs, and archived baseline snapshots (§6 Persisted
// state). It follows the teacher's db package shape: Open creates and
// schemas a fresh file on first run, queries.go holds reads,
// transactions.go holds the atomic multi-statement writes finalize/reset
// require.
package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	profile_id        TEXT PRIMARY KEY,
	machine_id        TEXT NOT NULL DEFAULT '',
	material_id       TEXT NOT NULL,
	baseline_learning BOOLEAN NOT NULL DEFAULT 1,
	baseline_ready    BOOLEAN NOT NULL DEFAULT 0,
	UNIQUE(machine_id, material_id)
);

CREATE TABLE IF NOT EXISTS baseline_stats (
	profile_id   TEXT NOT NULL,
	metric_name  TEXT NOT NULL,
	mean         REAL NOT NULL,
	std          REAL NOT NULL,
	p05          REAL NOT NULL,
	p95          REAL NOT NULL,
	sample_count INTEGER NOT NULL,
	PRIMARY KEY (profile_id, metric_name)
);

CREATE TABLE IF NOT EXISTS baseline_samples (
	profile_id  TEXT NOT NULL,
	metric_name TEXT NOT NULL,
	value       REAL NOT NULL,
	timestamp   TEXT NOT NULL,
	PRIMARY KEY (profile_id, metric_name, timestamp)
);

CREATE TABLE IF NOT EXISTS state_transitions (
	machine_id  TEXT NOT NULL,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	at          TEXT NOT NULL,
	confidence  REAL NOT NULL,
	PRIMARY KEY (machine_id, at)
);

CREATE TABLE IF NOT EXISTS material_changes (
	machine_id        TEXT NOT NULL,
	previous_material TEXT NOT NULL,
	new_material      TEXT NOT NULL,
	at                TEXT NOT NULL,
	PRIMARY KEY (machine_id, at)
);

CREATE TABLE IF NOT EXISTS baseline_archive (
	archive_key  TEXT NOT NULL,
	profile_id   TEXT NOT NULL,
	metric_name  TEXT NOT NULL,
	mean         REAL NOT NULL,
	std          REAL NOT NULL,
	p05          REAL NOT NULL,
	p95          REAL NOT NULL,
	sample_count INTEGER NOT NULL,
	archived_at  TEXT NOT NULL,
	blob         BLOB,
	PRIMARY KEY (archive_key, metric_name)
);
`

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema. Mirrors the teacher's InitializeIfMissing + Seed
// split, collapsed into one step: this schema has no config-derived seed
// data, just DDL that is safe to re-apply on every start.
func Open(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create database file: %w", err)
		}
		f.Close()
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return conn, nil
}

// ValidateDatabase logs row counts for the core tables, mirroring the
// teacher's startup sanity check.
func ValidateDatabase(conn *sql.DB) error {
	tables := []string{"profiles", "baseline_stats", "baseline_samples", "state_transitions", "material_changes"}
	for _, table := range tables {
		var count int
		if err := conn.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return fmt.Errorf("failed to query table %s: %w", table, err)
		}
		log.Printf("Table %s has %d records", table, count)
	}
	return nil
}
