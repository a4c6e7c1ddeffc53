package store

import (
	"context"
	"fmt"
)

// CountLivingSandboxes returns the number of non-tombstoned sandboxes.
func (s *Store) CountLivingSandboxes(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sandboxes WHERE deleted_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sandboxes: %w", err)
	}
	return n, nil
}

// CountSessionsByState returns session counts keyed by observed state.
func (s *Store) CountSessionsByState(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT observed_state, COUNT(*) FROM sessions GROUP BY observed_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan session count: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}

// CountCargos returns managed and external cargo counts.
func (s *Store) CountCargos(ctx context.Context) (managed, external int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN managed = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN managed = 0 THEN 1 ELSE 0 END), 0)
		FROM cargos`).Scan(&managed, &external)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count cargos: %w", err)
	}
	return managed, external, nil
}
