package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/bay/pkg/types"
)

// GetIdempotencyRecord retrieves the record for (owner, key), or nil when
// absent. Expired rows are treated as absent; they are replaced on the next
// save.
func (s *Store) GetIdempotencyRecord(ctx context.Context, owner, key string, now time.Time) (*types.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT owner, key, fingerprint, response, status_code, created_at, expires_at
		FROM idempotency_keys WHERE owner = ? AND key = ?`, owner, key)

	var rec types.IdempotencyRecord
	err := row.Scan(&rec.Owner, &rec.Key, &rec.Fingerprint, &rec.Response,
		&rec.StatusCode, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query idempotency record: %w", err)
	}
	if now.After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

// SaveIdempotencyRecord persists a record. A live row under the same
// (owner, key) wins: the insert is rejected with ErrIdempotencyExists so the
// caller can re-read what the concurrent writer stored. An expired row is
// replaced in place.
func (s *Store) SaveIdempotencyRecord(ctx context.Context, rec *types.IdempotencyRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys
			(owner, key, fingerprint, response, status_code, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, key) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			response = excluded.response,
			status_code = excluded.status_code,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE idempotency_keys.expires_at < excluded.created_at`,
		rec.Owner, rec.Key, rec.Fingerprint, rec.Response,
		rec.StatusCode, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save idempotency record: %w", err)
	}
	// A live row makes the conditional upsert a no-op; surface that so the
	// caller re-reads what the concurrent writer stored.
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrIdempotencyExists
	}
	return nil
}

// ErrIdempotencyExists signals a live record already holds (owner, key).
var ErrIdempotencyExists = errors.New("idempotency record exists")
