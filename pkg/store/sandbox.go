package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/types"
)

const sandboxColumns = `id, owner, profile_id, cargo_id, current_session_id,
	expires_at, idle_expires_at, deleted_at, version, created_at, last_active_at`

// CreateSandbox inserts a new sandbox row.
func (s *Store) CreateSandbox(ctx context.Context, sb *types.Sandbox) error {
	return createSandbox(ctx, s.db, sb)
}

// CreateSandbox inserts a new sandbox row inside the transaction.
func (t *Tx) CreateSandbox(ctx context.Context, sb *types.Sandbox) error {
	return createSandbox(ctx, t.tx, sb)
}

func createSandbox(ctx context.Context, q querier, sb *types.Sandbox) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sandboxes (`+sandboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sb.ID, sb.Owner, sb.ProfileID, sb.CargoID, sb.CurrentSessionID,
		nullTime(sb.ExpiresAt), nullTime(sb.IdleExpiresAt), nullTime(sb.DeletedAt),
		sb.Version, sb.CreatedAt, sb.LastActiveAt)
	if err != nil {
		return fmt.Errorf("failed to insert sandbox: %w", err)
	}
	return nil
}

// GetSandbox retrieves a sandbox by id.
func (s *Store) GetSandbox(ctx context.Context, id string) (*types.Sandbox, error) {
	return getSandbox(ctx, s.db, id)
}

// GetSandbox retrieves a sandbox by id inside the transaction.
func (t *Tx) GetSandbox(ctx context.Context, id string) (*types.Sandbox, error) {
	return getSandbox(ctx, t.tx, id)
}

func getSandbox(ctx context.Context, q querier, id string) (*types.Sandbox, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sandboxColumns+` FROM sandboxes WHERE id = ?`, id)
	sb, err := scanSandbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.New(errdefs.KindNotFound, "sandbox not found: %s", id)
	}
	return sb, err
}

// GetSandboxForOwner retrieves a sandbox by id, scoped to owner.
func (s *Store) GetSandboxForOwner(ctx context.Context, id, owner string) (*types.Sandbox, error) {
	sb, err := s.GetSandbox(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.Owner != owner {
		return nil, errdefs.New(errdefs.KindNotFound, "sandbox not found: %s", id)
	}
	return sb, nil
}

// UpdateSandbox writes a sandbox row back under optimistic locking: the
// update applies only when the stored version still matches, and bumps the
// version on success.
func (s *Store) UpdateSandbox(ctx context.Context, sb *types.Sandbox) error {
	return updateSandbox(ctx, s.db, sb)
}

// UpdateSandbox writes a sandbox row inside the transaction.
func (t *Tx) UpdateSandbox(ctx context.Context, sb *types.Sandbox) error {
	return updateSandbox(ctx, t.tx, sb)
}

func updateSandbox(ctx context.Context, q querier, sb *types.Sandbox) error {
	res, err := q.ExecContext(ctx, `
		UPDATE sandboxes SET
			cargo_id = ?, current_session_id = ?,
			expires_at = ?, idle_expires_at = ?, deleted_at = ?,
			version = version + 1, last_active_at = ?
		WHERE id = ? AND version = ?`,
		sb.CargoID, sb.CurrentSessionID,
		nullTime(sb.ExpiresAt), nullTime(sb.IdleExpiresAt), nullTime(sb.DeletedAt),
		sb.LastActiveAt, sb.ID, sb.Version)
	if err != nil {
		return fmt.Errorf("failed to update sandbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return errdefs.New(errdefs.KindConflict, "sandbox %s modified concurrently", sb.ID)
	}
	sb.Version++
	return nil
}

// ListSandboxes lists sandboxes for an owner, ascending by id, starting
// after cursor.
func (s *Store) ListSandboxes(ctx context.Context, owner string, limit int, cursor string) ([]*types.Sandbox, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sandboxColumns+` FROM sandboxes
		WHERE owner = ? AND deleted_at IS NULL AND id > ?
		ORDER BY id ASC LIMIT ?`, owner, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxes(rows)
}

// ListIdleExpiredSandboxes returns living sandboxes whose idle deadline has
// passed.
func (s *Store) ListIdleExpiredSandboxes(ctx context.Context, now time.Time) ([]*types.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sandboxColumns+` FROM sandboxes
		WHERE deleted_at IS NULL AND idle_expires_at IS NOT NULL AND idle_expires_at < ?
		ORDER BY id ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query idle-expired sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxes(rows)
}

// ListExpiredSandboxes returns living sandboxes whose hard TTL has passed.
func (s *Store) ListExpiredSandboxes(ctx context.Context, now time.Time) ([]*types.Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sandboxColumns+` FROM sandboxes
		WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY id ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxes(rows)
}

// ListLivingSandboxesByCargo returns non-tombstoned sandboxes referencing
// the cargo.
func (s *Store) ListLivingSandboxesByCargo(ctx context.Context, cargoID string) ([]*types.Sandbox, error) {
	return listLivingSandboxesByCargo(ctx, s.db, cargoID)
}

// ListLivingSandboxesByCargo runs the cargo reference query inside the
// transaction.
func (t *Tx) ListLivingSandboxesByCargo(ctx context.Context, cargoID string) ([]*types.Sandbox, error) {
	return listLivingSandboxesByCargo(ctx, t.tx, cargoID)
}

func listLivingSandboxesByCargo(ctx context.Context, q querier, cargoID string) ([]*types.Sandbox, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+sandboxColumns+` FROM sandboxes
		WHERE cargo_id = ? AND deleted_at IS NULL
		ORDER BY id ASC`, cargoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sandboxes by cargo: %w", err)
	}
	defer rows.Close()
	return scanSandboxes(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSandbox(r rowScanner) (*types.Sandbox, error) {
	var sb types.Sandbox
	var expires, idle, deleted sql.NullTime
	err := r.Scan(&sb.ID, &sb.Owner, &sb.ProfileID, &sb.CargoID, &sb.CurrentSessionID,
		&expires, &idle, &deleted, &sb.Version, &sb.CreatedAt, &sb.LastActiveAt)
	if err != nil {
		return nil, err
	}
	sb.ExpiresAt = timePtr(expires)
	sb.IdleExpiresAt = timePtr(idle)
	sb.DeletedAt = timePtr(deleted)
	return &sb, nil
}

func scanSandboxes(rows *sql.Rows) ([]*types.Sandbox, error) {
	var out []*types.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sandbox: %w", err)
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
