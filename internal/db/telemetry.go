package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"

	"github.com/banshee-data/pursuit/internal/telemetry"
)

// TelemetryRun is one recorded session of the control loop.
type TelemetryRun struct {
	RunID     string     `json:"run_id"`
	DeviceID  string     `json:"device_id"`
	Mode      string     `json:"mode"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Cycles    int64      `json:"cycles"`
	ControlHz *float64   `json:"control_hz,omitempty"`
	Dropped   int64      `json:"dropped"`
}

// CreateTelemetryRun inserts a new run and returns it with a fresh id.
func (db *DB) CreateTelemetryRun(deviceID, mode string, startedAt time.Time) (*TelemetryRun, error) {
	run := &TelemetryRun{
		RunID:     uuid.NewString(),
		DeviceID:  deviceID,
		Mode:      mode,
		StartedAt: startedAt,
	}
	_, err := db.Exec(`INSERT INTO telemetry_runs (run_id, device_id, mode, started_at)
	          VALUES (?, ?, ?, ?)`, run.RunID, deviceID, mode, startedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry run: %w", err)
	}
	return run, nil
}

// FinishTelemetryRun records the end of a run with its loop statistics.
func (db *DB) FinishTelemetryRun(runID string, endedAt time.Time, cycles int64, controlHz float64, dropped uint64) error {
	result, err := db.Exec(`UPDATE telemetry_runs
	          SET ended_at = ?, cycles = ?, control_hz = ?, dropped = ?
	          WHERE run_id = ?`, endedAt.Unix(), cycles, controlHz, int64(dropped), runID)
	if err != nil {
		return fmt.Errorf("failed to finish telemetry run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("telemetry run %s not found", runID)
	}
	return nil
}

// GetTelemetryRun returns a run by id, or nil if it does not exist.
func (db *DB) GetTelemetryRun(runID string) (*TelemetryRun, error) {
	row := db.QueryRow(`SELECT run_id, device_id, mode, started_at, ended_at, cycles, control_hz, dropped
	          FROM telemetry_runs
	          WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get telemetry run: %w", err)
	}
	return run, nil
}

// ListTelemetryRuns returns the runs for a device, newest first. An empty
// deviceID lists every device.
func (db *DB) ListTelemetryRuns(deviceID string, limit int) ([]TelemetryRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT run_id, device_id, mode, started_at, ended_at, cycles, control_hz, dropped
	          FROM telemetry_runs
	          WHERE ? = '' OR device_id = ?
	          ORDER BY started_at DESC, rowid DESC
	          LIMIT ?`, deviceID, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry runs: %w", err)
	}
	defer rows.Close()

	var runs []TelemetryRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan telemetry run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// DeleteTelemetryRun removes a run and its samples.
func (db *DB) DeleteTelemetryRun(runID string) error {
	result, err := db.Exec(`DELETE FROM telemetry_runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete telemetry run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("telemetry run %s not found", runID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*TelemetryRun, error) {
	var run TelemetryRun
	var started int64
	var ended sql.NullInt64
	var hz sql.NullFloat64
	if err := s.Scan(&run.RunID, &run.DeviceID, &run.Mode, &started, &ended, &run.Cycles, &hz, &run.Dropped); err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(started, 0)
	if ended.Valid {
		t := time.Unix(ended.Int64, 0)
		run.EndedAt = &t
	}
	if hz.Valid {
		run.ControlHz = &hz.Float64
	}
	return &run, nil
}

// InsertTelemetrySamples writes a batch of samples in one transaction. It
// satisfies telemetry.Store.
func (db *DB) InsertTelemetrySamples(runID string, samples []telemetry.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO telemetry_samples (
			run_id, ts_unix_nanos, x_mm, y_mm, z_mm, distance_m,
			pan_deg, tilt_deg, encoder_pan_deg, encoder_tilt_deg,
			focus_steps, focus_moved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		var encPan, encTilt sql.NullFloat64
		if s.EncoderOK {
			encPan = sql.NullFloat64{Float64: s.EncoderPanDeg, Valid: true}
			encTilt = sql.NullFloat64{Float64: s.EncoderTiltDeg, Valid: true}
		}
		moved := 0
		if s.FocusMoved {
			moved = 1
		}
		if _, err := stmt.Exec(runID, s.Timestamp.UnixNano(), s.Position.X, s.Position.Y, s.Position.Z,
			s.DistanceM, s.PanDeg, s.TiltDeg, encPan, encTilt, s.FocusSteps, moved); err != nil {
			return fmt.Errorf("failed to insert telemetry sample: %w", err)
		}
	}
	return tx.Commit()
}

// GetTelemetrySamples returns a run's samples in time order.
func (db *DB) GetTelemetrySamples(runID string) ([]telemetry.Sample, error) {
	rows, err := db.Query(`SELECT ts_unix_nanos, x_mm, y_mm, z_mm, distance_m,
	              pan_deg, tilt_deg, encoder_pan_deg, encoder_tilt_deg, focus_steps, focus_moved
	          FROM telemetry_samples
	          WHERE run_id = ?
	          ORDER BY ts_unix_nanos ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry samples: %w", err)
	}
	defer rows.Close()

	var samples []telemetry.Sample
	for rows.Next() {
		var s telemetry.Sample
		var ts int64
		var x, y, z float64
		var encPan, encTilt sql.NullFloat64
		var moved int
		if err := rows.Scan(&ts, &x, &y, &z, &s.DistanceM, &s.PanDeg, &s.TiltDeg,
			&encPan, &encTilt, &s.FocusSteps, &moved); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry sample: %w", err)
		}
		s.Timestamp = time.Unix(0, ts)
		s.Position = r3.Vector{X: x, Y: y, Z: z}
		if encPan.Valid && encTilt.Valid {
			s.EncoderPanDeg, s.EncoderTiltDeg, s.EncoderOK = encPan.Float64, encTilt.Float64, true
		}
		s.FocusMoved = moved == 1
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
