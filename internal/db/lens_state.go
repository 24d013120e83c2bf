package db

import (
	"database/sql"
	"fmt"

	"github.com/banshee-data/pursuit/internal/config"
)

// LoadLensState returns the persisted lens positions for device, or nil if
// nothing has been saved yet.
func (db *DB) LoadLensState(device string) (*config.LensState, error) {
	var s config.LensState
	err := db.QueryRow(`SELECT zoom_position, focus_position, iris_position
	          FROM lens_state
	          WHERE device_id = ?`, device).Scan(&s.ZoomPosition, &s.FocusPosition, &s.IrisPosition)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lens state for %s: %w", device, err)
	}
	return &s, nil
}

// SaveLensState upserts the lens positions for device.
func (db *DB) SaveLensState(device string, s config.LensState) error {
	_, err := db.Exec(`INSERT INTO lens_state (device_id, zoom_position, focus_position, iris_position)
	          VALUES (?, ?, ?, ?)
	          ON CONFLICT (device_id) DO UPDATE SET
	              zoom_position = excluded.zoom_position,
	              focus_position = excluded.focus_position,
	              iris_position = excluded.iris_position,
	              updated_at = strftime('%s', 'now')`,
		device, s.ZoomPosition, s.FocusPosition, s.IrisPosition)
	if err != nil {
		return fmt.Errorf("failed to save lens state for %s: %w", device, err)
	}
	return nil
}
