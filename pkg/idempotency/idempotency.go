// Package idempotency caches responses of mutating requests keyed by
// (owner, Idempotency-Key) so retries replay instead of re-executing.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/metrics"
	"github.com/cuemby/bay/pkg/store"
	"github.com/cuemby/bay/pkg/types"
)

// Service is the idempotency layer over the store.
type Service struct {
	store *store.Store
	ttl   time.Duration
}

// NewService builds an idempotency service with the given record TTL.
func NewService(st *store.Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{store: st, ttl: ttl}
}

// Fingerprint derives the request fingerprint: sha256 over method, path and
// body. Two requests under one key must match exactly to be the same
// request.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Check looks up a prior response for (owner, key). A nil record means the
// request should execute. A live record with a different fingerprint is a
// conflict: the client reused a key for a different request.
func (s *Service) Check(ctx context.Context, owner, key, fingerprint string) (*types.IdempotencyRecord, error) {
	rec, err := s.store.GetIdempotencyRecord(ctx, owner, key, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		metrics.IdempotencyHits.WithLabelValues("miss").Inc()
		return nil, nil
	}
	if rec.Fingerprint != fingerprint {
		metrics.IdempotencyHits.WithLabelValues("conflict").Inc()
		return nil, errdefs.New(errdefs.KindConflict,
			"idempotency key reused with a different request")
	}
	metrics.IdempotencyHits.WithLabelValues("replay").Inc()
	return rec, nil
}

// Save records a response for replay. Losing a save race to a concurrent
// writer is fine: the winner's response is the canonical one.
func (s *Service) Save(ctx context.Context, owner, key, fingerprint string, statusCode int, response []byte) error {
	now := time.Now().UTC()
	rec := &types.IdempotencyRecord{
		Owner:       owner,
		Key:         key,
		Fingerprint: fingerprint,
		Response:    response,
		StatusCode:  statusCode,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	err := s.store.SaveIdempotencyRecord(ctx, rec)
	if errors.Is(err, store.ErrIdempotencyExists) {
		log.WithComponent("idempotency").Debug().
			Str("key", key).
			Msg("lost idempotency save race")
		return nil
	}
	return err
}
