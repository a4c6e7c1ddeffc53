package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/types"
)

const sessionColumns = `id, sandbox_id, profile_id, runtime_type, container_id,
	endpoint, containers, desired_state, observed_state, last_observed_at,
	created_at, last_active_at`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	return createSession(ctx, s.db, sess)
}

// CreateSession inserts a new session row inside the transaction.
func (t *Tx) CreateSession(ctx context.Context, sess *types.Session) error {
	return createSession(ctx, t.tx, sess)
}

func createSession(ctx context.Context, q querier, sess *types.Session) error {
	containers, err := json.Marshal(sess.Containers)
	if err != nil {
		return fmt.Errorf("failed to marshal session containers: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.SandboxID, sess.ProfileID, sess.RuntimeType, sess.ContainerID,
		sess.Endpoint, string(containers), sess.DesiredState, sess.ObservedState,
		sess.LastObservedAt, sess.CreatedAt, sess.LastActiveAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	return getSession(ctx, s.db, id)
}

// GetSession retrieves a session by id inside the transaction.
func (t *Tx) GetSession(ctx context.Context, id string) (*types.Session, error) {
	return getSession(ctx, t.tx, id)
}

func getSession(ctx context.Context, q querier, id string) (*types.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.New(errdefs.KindNotFound, "session not found: %s", id)
	}
	return sess, err
}

// SessionExists reports whether a session row with the given id exists.
func (s *Store) SessionExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query session existence: %w", err)
	}
	return true, nil
}

// UpdateSession writes a session row back.
func (s *Store) UpdateSession(ctx context.Context, sess *types.Session) error {
	return updateSession(ctx, s.db, sess)
}

// UpdateSession writes a session row back inside the transaction.
func (t *Tx) UpdateSession(ctx context.Context, sess *types.Session) error {
	return updateSession(ctx, t.tx, sess)
}

func updateSession(ctx context.Context, q querier, sess *types.Session) error {
	containers, err := json.Marshal(sess.Containers)
	if err != nil {
		return fmt.Errorf("failed to marshal session containers: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE sessions SET
			runtime_type = ?, container_id = ?, endpoint = ?, containers = ?,
			desired_state = ?, observed_state = ?, last_observed_at = ?,
			last_active_at = ?
		WHERE id = ?`,
		sess.RuntimeType, sess.ContainerID, sess.Endpoint, string(containers),
		sess.DesiredState, sess.ObservedState, sess.LastObservedAt,
		sess.LastActiveAt, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// ListSessionsBySandbox returns all sessions belonging to a sandbox.
func (s *Store) ListSessionsBySandbox(ctx context.Context, sandboxID string) ([]*types.Session, error) {
	return listSessionsBySandbox(ctx, s.db, sandboxID)
}

// ListSessionsBySandbox runs the lookup inside the transaction.
func (t *Tx) ListSessionsBySandbox(ctx context.Context, sandboxID string) ([]*types.Session, error) {
	return listSessionsBySandbox(ctx, t.tx, sandboxID)
}

func listSessionsBySandbox(ctx context.Context, q querier, sandboxID string) ([]*types.Session, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE sandbox_id = ? ORDER BY created_at ASC`, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session row. Idempotent.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return deleteSession(ctx, s.db, id)
}

// DeleteSession removes a session row inside the transaction.
func (t *Tx) DeleteSession(ctx context.Context, id string) error {
	return deleteSession(ctx, t.tx, id)
}

func deleteSession(ctx context.Context, q querier, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func scanSession(r rowScanner) (*types.Session, error) {
	var sess types.Session
	var containers string
	err := r.Scan(&sess.ID, &sess.SandboxID, &sess.ProfileID, &sess.RuntimeType,
		&sess.ContainerID, &sess.Endpoint, &containers, &sess.DesiredState,
		&sess.ObservedState, &sess.LastObservedAt, &sess.CreatedAt, &sess.LastActiveAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(containers), &sess.Containers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session containers: %w", err)
	}
	return &sess, nil
}
