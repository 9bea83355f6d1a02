// Package historian implements the tabular historian source described in
// §6: readings ordered by timestamp ascending, in UTC, read through a
// watermark so repeated polls never reprocess old rows. The concrete
// binding here is SQLite (github.com/mattn/go-sqlite3, the teacher's own
// driver), with the logical column names straight out of the spec.
package historian

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/extruder-monitor/internal/model"
	"github.com/thatsimonsguy/extruder-monitor/internal/telemetry"
)

// Client fetches readings for one machine since a watermark, returning
// the new watermark only when the fetch actually succeeded. A cancelled
// or failed fetch must not advance the watermark (§5 cancellation
// guarantees).
type Client interface {
	Fetch(ctx context.Context, machineID string, since time.Time, limit int) (readings []model.Reading, newWatermark time.Time, err error)
	Close() error
}

// SQLiteClient reads from a single table holding every machine's rows,
// keyed by machine_id and ordered by timestamp.
type SQLiteClient struct {
	db    *sql.DB
	table string
	prom  *telemetry.Prometheus
}

// Open connects to the historian database at path and pings it. It does
// not check that the configured table exists; a missing table surfaces as
// a Fetch error.
func Open(path, table string, prom *telemetry.Prometheus) (*SQLiteClient, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open historian database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to reach historian database: %w", err)
	}
	return &SQLiteClient{db: conn, table: table, prom: prom}, nil
}

// Fetch retrieves up to limit rows for machineID with timestamp strictly
// after since, ordered ascending. Malformed rows (unparsable numeric
// fields) are dropped and counted, not returned as an error; the rest of
// the batch still proceeds (§7 malformed reading).
func (c *SQLiteClient) Fetch(ctx context.Context, machineID string, since time.Time, limit int) ([]model.Reading, time.Time, error) {
	query := fmt.Sprintf(`SELECT timestamp, screw_rpm, pressure, temp_zone_1, temp_zone_2, temp_zone_3, temp_zone_4, motor_load, throughput
		FROM %s WHERE machine_id = ? AND timestamp > ? ORDER BY timestamp ASC LIMIT ?`, c.table)

	rows, err := c.db.QueryContext(ctx, query, machineID, since.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, since, fmt.Errorf("failed to fetch readings for %s: %w", machineID, err)
	}
	defer rows.Close()

	var out []model.Reading
	watermark := since

	for rows.Next() {
		var tsStr string
		var rpm, pressure, t1, t2, t3, t4, load, throughput sql.NullFloat64

		if err := rows.Scan(&tsStr, &rpm, &pressure, &t1, &t2, &t3, &t4, &load, &throughput); err != nil {
			log.Warn().Err(err).Str("machine_id", machineID).Msg("Malformed historian row")
			if c.prom != nil {
				c.prom.MalformedRows.WithLabelValues(machineID).Inc()
			}
			continue
		}

		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			log.Warn().Err(err).Str("machine_id", machineID).Str("timestamp", tsStr).Msg("Unparsable historian timestamp")
			if c.prom != nil {
				c.prom.MalformedRows.WithLabelValues(machineID).Inc()
			}
			continue
		}

		reading := model.Reading{
			MachineID:     machineID,
			Timestamp:     ts.UTC(),
			ScrewRPM:      nullableFloat(rpm),
			Pressure:      nullableFloat(pressure),
			TempZones:     [model.TempZoneCount]*float64{nullableFloat(t1), nullableFloat(t2), nullableFloat(t3), nullableFloat(t4)},
			MotorLoadPct:  nullableFloat(load),
			ThroughputKgH: nullableFloat(throughput),
		}
		out = append(out, reading)
		if reading.Timestamp.After(watermark) {
			watermark = reading.Timestamp
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, since, fmt.Errorf("fetch cancelled: %w", err)
	}

	return out, watermark, nil
}

// Close releases the underlying database connection.
func (c *SQLiteClient) Close() error {
	return c.db.Close()
}

// FetchWithRetry wraps Fetch with the §7 transient-failure policy:
// exponential backoff (base 2s, cap 60s, jittered) until deadline (one
// budget shared by all attempts) elapses or ctx is cancelled. On success it
// returns the fetch's new watermark; on final failure it returns since
// unchanged, so a failed fetch never advances the watermark.
func FetchWithRetry(ctx context.Context, client Client, machineID string, since time.Time, limit int, deadline time.Duration, prom *telemetry.Prometheus) ([]model.Reading, time.Time, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for attempt := 0; ; attempt++ {
		readings, watermark, err := client.Fetch(attemptCtx, machineID, since, limit)
		if err == nil {
			return readings, watermark, nil
		}

		if prom != nil {
			prom.HistorianRetry.WithLabelValues(machineID).Inc()
		}
		log.Warn().Err(err).Str("machine_id", machineID).Int("attempt", attempt).Msg("Historian fetch failed, retrying")

		wait := nextBackoff(attempt)
		select {
		case <-attemptCtx.Done():
			return nil, since, fmt.Errorf("historian fetch for %s exhausted retry deadline: %w", machineID, err)
		case <-time.After(wait):
		}
	}
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
