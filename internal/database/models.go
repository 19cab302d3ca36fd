package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type DeviceModelRow struct {
	ID           int64
	Name         string
	Manufacturer string
}

func (db *DB) ListDeviceModels(ctx context.Context) ([]DeviceModelRow, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, name, COALESCE(manufacturer, '') FROM device_models ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceModelRow
	for rows.Next() {
		var m DeviceModelRow
		if err := rows.Scan(&m.ID, &m.Name, &m.Manufacturer); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetTopicSchema returns the raw kind='topic' schema JSON for a model, or
// ErrNotFound when the model has none.
func (db *DB) GetTopicSchema(ctx context.Context, modelID int64) ([]byte, error) {
	var raw []byte
	err := db.Pool.QueryRow(ctx,
		`SELECT schema FROM device_schemas WHERE model_id = $1 AND kind = 'topic'`,
		modelID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return raw, err
}
