package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// DeviceRow mirrors the devices table, joined with the model name.
type DeviceRow struct {
	ID               int64
	Name             string
	DeviceModelID    int64
	ModelName        string
	MQTTClientID     string
	TopicPrefix      string
	Parameters       []byte // raw JSONB
	Values           []byte // raw JSONB
	Status           string
	LastSeen         *time.Time
	PollInterval     int
	PollIntervalUnit string
	Enabled          bool
}

const deviceColumns = `
	d.id, d.name, d.device_model_id, m.name, d.mqtt_client_id, d.topic_prefix,
	d.parameters, d."values", d.status, d.last_seen,
	d.poll_interval, d.poll_interval_unit, d.enabled`

func scanDevice(row interface{ Scan(...any) error }) (DeviceRow, error) {
	var d DeviceRow
	err := row.Scan(&d.ID, &d.Name, &d.DeviceModelID, &d.ModelName,
		&d.MQTTClientID, &d.TopicPrefix, &d.Parameters, &d.Values,
		&d.Status, &d.LastSeen, &d.PollInterval, &d.PollIntervalUnit, &d.Enabled)
	return d, err
}

// ListDevices returns all devices. When enabledOnly is set, disabled devices
// are filtered out.
func (db *DB) ListDevices(ctx context.Context, enabledOnly bool) ([]DeviceRow, error) {
	q := `SELECT ` + deviceColumns + `
		FROM devices d JOIN device_models m ON m.id = d.device_model_id`
	if enabledOnly {
		q += ` WHERE d.enabled`
	}
	q += ` ORDER BY d.id`

	rows, err := db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceRow
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (db *DB) GetDevice(ctx context.Context, id int64) (DeviceRow, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+deviceColumns+`
		FROM devices d JOIN device_models m ON m.id = d.device_model_id
		WHERE d.id = $1`, id)
	d, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

// InsertDevice creates a device and returns its id.
func (db *DB) InsertDevice(ctx context.Context, d DeviceRow) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO devices (name, device_model_id, mqtt_client_id, topic_prefix,
			parameters, poll_interval, poll_interval_unit, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, d.Name, d.DeviceModelID, d.MQTTClientID, d.TopicPrefix,
		d.Parameters, d.PollInterval, d.PollIntervalUnit, d.Enabled).Scan(&id)
	return id, err
}

func (db *DB) UpdateDevice(ctx context.Context, d DeviceRow) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE devices SET name = $2, device_model_id = $3, mqtt_client_id = $4,
			topic_prefix = $5, parameters = $6, poll_interval = $7,
			poll_interval_unit = $8, enabled = $9, updated_at = now()
		WHERE id = $1
	`, d.ID, d.Name, d.DeviceModelID, d.MQTTClientID, d.TopicPrefix,
		d.Parameters, d.PollInterval, d.PollIntervalUnit, d.Enabled)
	return err
}

func (db *DB) DeleteDevice(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id)
	return err
}

// UpdateDeviceValues persists the cached telemetry snapshot and last_seen.
func (db *DB) UpdateDeviceValues(ctx context.Context, id int64, values []byte, lastSeen time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE devices SET "values" = $2, last_seen = $3, updated_at = now()
		WHERE id = $1
	`, id, values, lastSeen)
	return err
}

// UpdateDeviceStatus records the liveness poll result.
func (db *DB) UpdateDeviceStatus(ctx context.Context, id int64, status string, lastSeen time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE devices SET status = $2, last_seen = $3, updated_at = now()
		WHERE id = $1
	`, id, status, lastSeen)
	return err
}
