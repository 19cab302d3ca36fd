package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ActionRow mirrors the actions table. Chain is the raw JSONB node list;
// parsing lives in the actions package.
type ActionRow struct {
	ID          int64
	Name        string
	Description string
	Chain       []byte
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const actionColumns = `id, name, COALESCE(description, ''), chain, enabled, created_at, updated_at`

func scanAction(row interface{ Scan(...any) error }) (ActionRow, error) {
	var a ActionRow
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Chain, &a.Enabled, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (db *DB) ListActions(ctx context.Context, enabledOnly bool) ([]ActionRow, error) {
	q := `SELECT ` + actionColumns + ` FROM actions`
	if enabledOnly {
		q += ` WHERE enabled`
	}
	q += ` ORDER BY id`

	rows, err := db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionRow
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DB) GetAction(ctx context.Context, id int64) (ActionRow, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// ActionNameExists reports whether another action (excluding excludeID)
// already uses the name. Action names are globally unique.
func (db *DB) ActionNameExists(ctx context.Context, name string, excludeID int64) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM actions WHERE name = $1 AND id <> $2)`,
		name, excludeID).Scan(&exists)
	return exists, err
}

func (db *DB) InsertAction(ctx context.Context, a ActionRow) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO actions (name, description, chain, enabled)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, a.Name, a.Description, a.Chain, a.Enabled).Scan(&id)
	return id, err
}

func (db *DB) UpdateAction(ctx context.Context, a ActionRow) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE actions SET name = $2, description = $3, chain = $4, enabled = $5,
			updated_at = now()
		WHERE id = $1
	`, a.ID, a.Name, a.Description, a.Chain, a.Enabled)
	return err
}

func (db *DB) DeleteAction(ctx context.Context, id int64) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM actions WHERE id = $1`, id)
	return err
}
