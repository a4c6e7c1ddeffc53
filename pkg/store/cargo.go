package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/types"
)

const cargoColumns = `id, owner, backend, driver_ref, managed,
	managed_by_sandbox_id, size_limit_mb, created_at, last_accessed_at`

// CreateCargo inserts a new cargo row.
func (s *Store) CreateCargo(ctx context.Context, c *types.Cargo) error {
	return createCargo(ctx, s.db, c)
}

// CreateCargo inserts a new cargo row inside the transaction.
func (t *Tx) CreateCargo(ctx context.Context, c *types.Cargo) error {
	return createCargo(ctx, t.tx, c)
}

func createCargo(ctx context.Context, q querier, c *types.Cargo) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO cargos (`+cargoColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Owner, c.Backend, c.DriverRef, c.Managed,
		c.ManagedBySandboxID, c.SizeLimitMB, c.CreatedAt, c.LastAccessedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cargo: %w", err)
	}
	return nil
}

// GetCargo retrieves a cargo by id.
func (s *Store) GetCargo(ctx context.Context, id string) (*types.Cargo, error) {
	return getCargo(ctx, s.db, id)
}

// GetCargo retrieves a cargo by id inside the transaction.
func (t *Tx) GetCargo(ctx context.Context, id string) (*types.Cargo, error) {
	return getCargo(ctx, t.tx, id)
}

func getCargo(ctx context.Context, q querier, id string) (*types.Cargo, error) {
	row := q.QueryRowContext(ctx, `SELECT `+cargoColumns+` FROM cargos WHERE id = ?`, id)
	c, err := scanCargo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.New(errdefs.KindNotFound, "cargo not found: %s", id)
	}
	return c, err
}

// UpdateCargo writes a cargo row back.
func (s *Store) UpdateCargo(ctx context.Context, c *types.Cargo) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cargos SET
			managed = ?, managed_by_sandbox_id = ?, size_limit_mb = ?,
			last_accessed_at = ?
		WHERE id = ?`,
		c.Managed, c.ManagedBySandboxID, c.SizeLimitMB, c.LastAccessedAt, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update cargo: %w", err)
	}
	return nil
}

// DeleteCargo removes a cargo row. Idempotent.
func (s *Store) DeleteCargo(ctx context.Context, id string) error {
	return deleteCargo(ctx, s.db, id)
}

// DeleteCargo removes a cargo row inside the transaction.
func (t *Tx) DeleteCargo(ctx context.Context, id string) error {
	return deleteCargo(ctx, t.tx, id)
}

func deleteCargo(ctx context.Context, q querier, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM cargos WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete cargo: %w", err)
	}
	return nil
}

// ListCargos lists cargos for an owner, ascending by id, starting after
// cursor. managed filters by the managed flag; nil lists external only
// (the default listing hides sandbox-managed cargos).
func (s *Store) ListCargos(ctx context.Context, owner string, managed *bool, limit int, cursor string) ([]*types.Cargo, error) {
	if limit <= 0 {
		limit = 50
	}
	wantManaged := false
	if managed != nil {
		wantManaged = *managed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cargoColumns+` FROM cargos
		WHERE owner = ? AND managed = ? AND id > ?
		ORDER BY id ASC LIMIT ?`, owner, wantManaged, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cargos: %w", err)
	}
	defer rows.Close()
	return scanCargos(rows)
}

// ListOrphanManagedCargos returns managed cargos whose owning sandbox is
// gone or tombstoned.
func (s *Store) ListOrphanManagedCargos(ctx context.Context) ([]*types.Cargo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cargoColumns+` FROM cargos c
		WHERE c.managed = 1 AND (
			c.managed_by_sandbox_id = ''
			OR NOT EXISTS (
				SELECT 1 FROM sandboxes sb
				WHERE sb.id = c.managed_by_sandbox_id AND sb.deleted_at IS NULL
			)
		)
		ORDER BY c.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphan cargos: %w", err)
	}
	defer rows.Close()
	return scanCargos(rows)
}

func scanCargo(r rowScanner) (*types.Cargo, error) {
	var c types.Cargo
	err := r.Scan(&c.ID, &c.Owner, &c.Backend, &c.DriverRef, &c.Managed,
		&c.ManagedBySandboxID, &c.SizeLimitMB, &c.CreatedAt, &c.LastAccessedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCargos(rows *sql.Rows) ([]*types.Cargo, error) {
	var out []*types.Cargo
	for rows.Next() {
		c, err := scanCargo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cargo: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
