package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

type CameraRow struct {
	ID              int64
	DeviceID        int64
	Name            string
	Address         string
	Port            int
	Username        string
	Password        string
	SnapshotURL     string
	Status          string
	DefaultStreamID *int64
	Streams         []CameraStreamRow
}

type CameraStreamRow struct {
	ID           int64
	CameraID     int64
	StreamType   string
	URLPrefix    string
	StreamSuffix string
	FullURL      string
	IsActive     bool
}

// GetCameraByDeviceID loads a camera and its active streams, or ErrNotFound.
func (db *DB) GetCameraByDeviceID(ctx context.Context, deviceID int64) (CameraRow, error) {
	var c CameraRow
	err := db.Pool.QueryRow(ctx, `
		SELECT id, device_id, name, address, port,
			COALESCE(username, ''), COALESCE(password, ''),
			COALESCE(snapshot_url, ''), status, default_stream_id
		FROM cameras WHERE device_id = $1
	`, deviceID).Scan(&c.ID, &c.DeviceID, &c.Name, &c.Address, &c.Port,
		&c.Username, &c.Password, &c.SnapshotURL, &c.Status, &c.DefaultStreamID)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT id, camera_id, stream_type,
			COALESCE(url_prefix, ''), COALESCE(stream_suffix, ''), COALESCE(full_url, ''),
			is_active
		FROM camera_streams WHERE camera_id = $1 AND is_active ORDER BY id
	`, c.ID)
	if err != nil {
		return c, err
	}
	defer rows.Close()

	for rows.Next() {
		var s CameraStreamRow
		if err := rows.Scan(&s.ID, &s.CameraID, &s.StreamType,
			&s.URLPrefix, &s.StreamSuffix, &s.FullURL, &s.IsActive); err != nil {
			return c, err
		}
		c.Streams = append(c.Streams, s)
	}
	return c, rows.Err()
}

// UpdateCameraStatus records the liveness probe result for a camera.
func (db *DB) UpdateCameraStatus(ctx context.Context, cameraID int64, status string, heartbeat time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE cameras SET status = $2, last_heartbeat = $3, updated_at = now()
		WHERE id = $1
	`, cameraID, status, heartbeat)
	return err
}
