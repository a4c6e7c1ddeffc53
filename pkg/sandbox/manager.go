// Package sandbox implements the sandbox state machine: creation with cargo
// linkage, lazy session materialization, TTL and idle bookkeeping, and the
// delete cascade. Every mutation runs under the per-sandbox lock and the
// database write lock, in that order.
package sandbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/bay/pkg/adapter"
	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/session"
	"github.com/cuemby/bay/pkg/store"
	"github.com/cuemby/bay/pkg/types"
)

// Manager owns sandbox lifecycle.
type Manager struct {
	store    *store.Store
	sessions *session.Manager
	cargos   *cargo.Manager
	pool     *adapter.Pool
	cfg      *config.Config
	locks    *Registry
}

// NewManager builds a sandbox manager.
func NewManager(st *store.Store, sessions *session.Manager, cargos *cargo.Manager, pool *adapter.Pool, cfg *config.Config) *Manager {
	return &Manager{
		store:    st,
		sessions: sessions,
		cargos:   cargos,
		pool:     pool,
		cfg:      cfg,
		locks:    NewRegistry(),
	}
}

// Locks exposes the lock registry for the GC scheduler's bulk cleanup.
func (m *Manager) Locks() *Registry {
	return m.locks
}

// CreateOptions controls sandbox creation.
type CreateOptions struct {
	ProfileID string

	// TTLSeconds is the hard lifetime. Zero or negative means infinite.
	TTLSeconds int64

	// CargoID attaches an existing external cargo. Empty creates a managed
	// cargo owned by the new sandbox.
	CargoID string
}

// Create makes an idle sandbox with its cargo linked. A managed cargo
// created here is rolled back if the sandbox row cannot be persisted.
func (m *Manager) Create(ctx context.Context, owner string, opts CreateOptions) (*types.Sandbox, error) {
	profile := m.cfg.Profile(opts.ProfileID)
	if profile == nil {
		return nil, errdefs.New(errdefs.KindValidation, "unknown profile: %q", opts.ProfileID)
	}

	now := time.Now().UTC()
	sb := &types.Sandbox{
		ID:           uuid.NewString(),
		Owner:        owner,
		ProfileID:    opts.ProfileID,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if opts.TTLSeconds > 0 {
		expires := now.Add(time.Duration(opts.TTLSeconds) * time.Second)
		sb.ExpiresAt = &expires
	}

	managedCargo := false
	if opts.CargoID != "" {
		c, err := m.cargos.Get(ctx, opts.CargoID, owner)
		if err != nil {
			return nil, err
		}
		sb.CargoID = c.ID
	} else {
		c, err := m.cargos.Create(ctx, owner, cargo.CreateOptions{
			Managed:            true,
			ManagedBySandboxID: sb.ID,
		})
		if err != nil {
			return nil, err
		}
		sb.CargoID = c.ID
		managedCargo = true
	}

	if err := m.store.CreateSandbox(ctx, sb); err != nil {
		if managedCargo {
			if cErr := m.cargos.DeleteInternalByID(context.WithoutCancel(ctx), sb.CargoID); cErr != nil {
				log.WithSandboxID(sb.ID).Warn().Err(cErr).Msg("failed to roll back managed cargo")
			}
		}
		return nil, err
	}

	log.WithSandboxID(sb.ID).Info().
		Str("owner", owner).
		Str("profile_id", opts.ProfileID).
		Bool("managed_cargo", managedCargo).
		Msg("sandbox created")
	return sb, nil
}

// Get retrieves a sandbox together with its current session row (nil when
// idle), which the caller needs to derive the external status.
func (m *Manager) Get(ctx context.Context, id, owner string) (*types.Sandbox, *types.Session, error) {
	sb, err := m.store.GetSandboxForOwner(ctx, id, owner)
	if err != nil {
		return nil, nil, err
	}
	sess := m.currentSession(ctx, sb)
	return sb, sess, nil
}

// List pages an owner's living sandboxes ascending by id.
func (m *Manager) List(ctx context.Context, owner string, limit int, cursor string) ([]*types.Sandbox, error) {
	return m.store.ListSandboxes(ctx, owner, limit, cursor)
}

func (m *Manager) currentSession(ctx context.Context, sb *types.Sandbox) *types.Session {
	if sb.CurrentSessionID == "" {
		return nil
	}
	sess, err := m.store.GetSession(ctx, sb.CurrentSessionID)
	if err != nil {
		return nil
	}
	return sess
}

// EnsureRunning returns a running session for the sandbox, reusing the
// current one when it is healthy and materializing a fresh one otherwise.
// Runs under the sandbox mutex; driver calls happen inside it on purpose,
// that is what serializes sandbox state transitions.
func (m *Manager) EnsureRunning(ctx context.Context, id, owner string) (*types.Session, error) {
	mu := m.locks.Get(id)
	mu.Lock()
	defer mu.Unlock()

	sb, err := m.store.GetSandboxForOwner(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if err := rejectUnusable(sb); err != nil {
		return nil, err
	}

	profile := m.cfg.Profile(sb.ProfileID)
	if profile == nil {
		return nil, errdefs.New(errdefs.KindValidation, "unknown profile: %q", sb.ProfileID)
	}

	// Reuse the current session when it is observably running and its
	// primary endpoint answers. Anything else (failed, stopped, unhealthy)
	// is treated as absent and torn down before a fresh materialization.
	if sess := m.currentSession(ctx, sb); sess != nil {
		if sess.ObservedState == types.SessionStateRunning &&
			m.pool.Get(sess.Endpoint, sess.RuntimeType).Health(ctx) {
			return sess, nil
		}
		log.WithSandboxID(sb.ID).Warn().Str("session_id", sess.ID).
			Str("observed_state", string(sess.ObservedState)).
			Msg("current session unusable, materializing a fresh one")
		if err := m.sessions.Destroy(ctx, sess); err != nil {
			return nil, err
		}
	}

	var cargoRow *types.Cargo
	if sb.CargoID != "" {
		c, err := m.store.GetCargo(ctx, sb.CargoID)
		if err != nil {
			return nil, err
		}
		cargoRow = c
	}

	sess, err := m.sessions.Create(ctx, sb.ID, profile)
	if err != nil {
		return nil, err
	}
	if err := m.sessions.EnsureRunning(ctx, sess, cargoRow, profile); err != nil {
		return nil, err
	}

	// Commit the linkage under the database write lock, refetching to catch
	// a concurrent delete or expiry.
	err = m.store.Locked(ctx, func(tx *store.Tx) error {
		fresh, err := tx.GetSandbox(ctx, sb.ID)
		if err != nil {
			return err
		}
		if err := rejectUnusable(fresh); err != nil {
			return err
		}
		now := time.Now().UTC()
		idle := now.Add(profile.IdleTimeout())
		fresh.CurrentSessionID = sess.ID
		fresh.IdleExpiresAt = &idle
		fresh.LastActiveAt = now
		return tx.UpdateSandbox(ctx, fresh)
	})
	if err != nil {
		if dErr := m.sessions.Destroy(context.WithoutCancel(ctx), sess); dErr != nil {
			log.WithSandboxID(sb.ID).Warn().Err(dErr).Msg("failed to destroy orphaned session")
		}
		return nil, err
	}

	return sess, nil
}

// Keepalive extends the idle deadline of a sandbox with a running session.
// It never starts a session and never touches the hard TTL.
func (m *Manager) Keepalive(ctx context.Context, id, owner string) (*types.Sandbox, error) {
	mu := m.locks.Get(id)
	mu.Lock()
	defer mu.Unlock()

	var out *types.Sandbox
	err := m.store.Locked(ctx, func(tx *store.Tx) error {
		sb, err := tx.GetSandbox(ctx, id)
		if err != nil {
			return err
		}
		if sb.Owner != owner {
			return errdefs.New(errdefs.KindNotFound, "sandbox not found: %s", id)
		}
		if err := rejectUnusable(sb); err != nil {
			return err
		}

		if sb.IdleExpiresAt != nil {
			profile := m.cfg.Profile(sb.ProfileID)
			window := 5 * time.Minute
			if profile != nil {
				window = profile.IdleTimeout()
			}
			idle := time.Now().UTC().Add(window)
			sb.IdleExpiresAt = &idle
			sb.LastActiveAt = time.Now().UTC()
			if err := tx.UpdateSandbox(ctx, sb); err != nil {
				return err
			}
		}
		out = sb
		return nil
	})
	return out, err
}

// ExtendTTL pushes the hard deadline out by extendBy. Infinite-TTL and
// already-expired sandboxes refuse the extension.
func (m *Manager) ExtendTTL(ctx context.Context, id, owner string, extendBy time.Duration) (*types.Sandbox, error) {
	if extendBy <= 0 {
		return nil, errdefs.New(errdefs.KindValidation, "extend_by must be positive")
	}

	mu := m.locks.Get(id)
	mu.Lock()
	defer mu.Unlock()

	var out *types.Sandbox
	err := m.store.Locked(ctx, func(tx *store.Tx) error {
		sb, err := tx.GetSandbox(ctx, id)
		if err != nil {
			return err
		}
		if sb.Owner != owner {
			return errdefs.New(errdefs.KindNotFound, "sandbox not found: %s", id)
		}
		if sb.DeletedAt != nil {
			return errdefs.New(errdefs.KindNotFound, "sandbox not found: %s", id)
		}
		if sb.ExpiresAt == nil {
			return errdefs.New(errdefs.KindSandboxTTLInfinite,
				"sandbox %s has infinite TTL, nothing to extend", id)
		}
		now := time.Now().UTC()
		if now.After(*sb.ExpiresAt) {
			return errdefs.New(errdefs.KindSandboxExpired, "sandbox %s already expired", id)
		}

		expires := sb.ExpiresAt.Add(extendBy)
		sb.ExpiresAt = &expires
		sb.LastActiveAt = now
		if err := tx.UpdateSandbox(ctx, sb); err != nil {
			return err
		}
		out = sb
		return nil
	})
	return out, err
}

// Stop destroys every session of the sandbox and clears the session
// linkage. Cargo is preserved. Idempotent when no session exists.
func (m *Manager) Stop(ctx context.Context, id, owner string) error {
	mu := m.locks.Get(id)
	mu.Lock()
	defer mu.Unlock()

	sb, err := m.store.GetSandboxForOwner(ctx, id, owner)
	if err != nil {
		return err
	}
	if sb.DeletedAt != nil {
		return errdefs.New(errdefs.KindNotFound, "sandbox not found: %s", id)
	}

	if err := m.destroySessions(ctx, sb.ID); err != nil {
		return err
	}

	return m.store.Locked(ctx, func(tx *store.Tx) error {
		fresh, err := tx.GetSandbox(ctx, sb.ID)
		if err != nil {
			return err
		}
		fresh.CurrentSessionID = ""
		fresh.IdleExpiresAt = nil
		fresh.LastActiveAt = time.Now().UTC()
		return tx.UpdateSandbox(ctx, fresh)
	})
}

// Delete tombstones the sandbox, destroys its sessions, and cascades the
// managed cargo. External cargo is untouched. Idempotent.
func (m *Manager) Delete(ctx context.Context, id, owner string) error {
	mu := m.locks.Get(id)
	mu.Lock()
	defer mu.Unlock()

	sb, err := m.store.GetSandboxForOwner(ctx, id, owner)
	if err != nil {
		return err
	}
	if sb.DeletedAt != nil {
		return nil
	}

	if err := m.DeleteInternal(ctx, sb); err != nil {
		return err
	}
	m.locks.Remove(id)
	return nil
}

// DeleteInternal runs the delete cascade without owner checks or lock
// bookkeeping. The GC's expired-sandbox task shares it; callers hold the
// sandbox mutex.
func (m *Manager) DeleteInternal(ctx context.Context, sb *types.Sandbox) error {
	if err := m.destroySessions(ctx, sb.ID); err != nil {
		return err
	}

	cascadeCargo := ""
	if sb.CargoID != "" {
		c, err := m.store.GetCargo(ctx, sb.CargoID)
		if err == nil && c.Managed && c.ManagedBySandboxID == sb.ID {
			cascadeCargo = c.ID
		} else if err != nil && !errdefs.IsNotFound(err) {
			return err
		}
	}

	err := m.store.Locked(ctx, func(tx *store.Tx) error {
		fresh, err := tx.GetSandbox(ctx, sb.ID)
		if err != nil {
			return err
		}
		if fresh.DeletedAt != nil {
			return nil
		}
		now := time.Now().UTC()
		fresh.DeletedAt = &now
		fresh.CurrentSessionID = ""
		fresh.IdleExpiresAt = nil
		if cascadeCargo != "" {
			fresh.CargoID = ""
		}
		fresh.LastActiveAt = now
		return tx.UpdateSandbox(ctx, fresh)
	})
	if err != nil {
		return err
	}

	if cascadeCargo != "" {
		if err := m.cargos.DeleteInternalByID(ctx, cascadeCargo); err != nil {
			return err
		}
	}

	log.WithSandboxID(sb.ID).Info().Msg("sandbox deleted")
	return nil
}

func (m *Manager) destroySessions(ctx context.Context, sandboxID string) error {
	sessions, err := m.store.ListSessionsBySandbox(ctx, sandboxID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := m.sessions.Destroy(ctx, sess); err != nil {
			return err
		}
	}
	return nil
}

// rejectUnusable refuses operations on tombstoned or expired sandboxes.
func rejectUnusable(sb *types.Sandbox) error {
	if sb.DeletedAt != nil {
		return errdefs.New(errdefs.KindNotFound, "sandbox not found: %s", sb.ID)
	}
	if sb.Expired(time.Now().UTC()) {
		return errdefs.New(errdefs.KindSandboxExpired, "sandbox %s expired", sb.ID)
	}
	return nil
}
