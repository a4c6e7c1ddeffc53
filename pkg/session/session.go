// Package session manages runtime container groups: materialization of
// pending sessions into running containers, readiness probing, and teardown.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/bay/pkg/adapter"
	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/driver"
	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/store"
	"github.com/cuemby/bay/pkg/types"
)

// Manager owns session lifecycle. It is the only component that talks to
// the driver about session containers.
type Manager struct {
	store      *store.Store
	driver     driver.Driver
	pool       *adapter.Pool
	cfg        config.DriverConfig
	instanceID string
}

// NewManager builds a session manager. instanceID labels every container
// this orchestrator instance creates.
func NewManager(st *store.Store, drv driver.Driver, pool *adapter.Pool, cfg config.DriverConfig, instanceID string) *Manager {
	return &Manager{store: st, driver: drv, pool: pool, cfg: cfg, instanceID: instanceID}
}

// Create persists a pending session. No containers exist yet.
func (m *Manager) Create(ctx context.Context, sandboxID string, profile *config.Profile) (*types.Session, error) {
	now := time.Now().UTC()
	primary := profile.Primary()

	sess := &types.Session{
		ID:             uuid.NewString(),
		SandboxID:      sandboxID,
		ProfileID:      profile.ID,
		RuntimeType:    primary.RuntimeType,
		DesiredState:   types.SessionStateRunning,
		ObservedState:  types.SessionStatePending,
		LastObservedAt: now,
		CreatedAt:      now,
		LastActiveAt:   now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// EnsureRunning materializes a pending session into running containers.
// Any failure tears down everything created and leaves the session failed,
// so a session is either fully running or fully absent from the engine.
func (m *Manager) EnsureRunning(ctx context.Context, sess *types.Session, cargo *types.Cargo, profile *config.Profile) error {
	if sess.ObservedState == types.SessionStateRunning {
		return nil
	}

	if err := m.transition(ctx, sess, types.SessionStateStarting); err != nil {
		return err
	}

	err := m.materialize(ctx, sess, cargo, profile)
	if err != nil {
		if tErr := m.transition(context.WithoutCancel(ctx), sess, types.SessionStateFailed); tErr != nil {
			log.WithSessionID(sess.ID).Error().Err(tErr).Msg("failed to record session failure")
		}
		return err
	}
	return nil
}

func (m *Manager) materialize(ctx context.Context, sess *types.Session, cargo *types.Cargo, profile *config.Profile) error {
	multi := len(profile.Containers) > 1
	parallel := profile.StartOrder == config.StartParallel

	networkID := ""
	if multi {
		var err error
		networkID, err = m.driver.CreateNetwork(ctx, sess.ID)
		if err != nil {
			return err
		}
	}

	cargoID := ""
	if cargo != nil {
		cargoID = cargo.ID
	}

	specs := make([]driver.CreateSpec, len(profile.Containers))
	for i, cs := range profile.Containers {
		member := ""
		if multi {
			member = cs.Name
		}
		specs[i] = driver.CreateSpec{
			SessionID:     sess.ID,
			SandboxID:     sess.SandboxID,
			Member:        member,
			Image:         cs.Image,
			RuntimePort:   cs.RuntimePort,
			CPULimit:      cs.CPULimit,
			MemoryLimitMB: cs.MemoryLimitMB,
			Labels:        types.ContainerLabels(sess.ID, sess.SandboxID, cargoID, m.instanceID),
			NetworkID:     networkID,
			Cargo:         cargo,
		}
	}

	teardown := func(ids []string) {
		cleanupCtx := context.WithoutCancel(ctx)
		for _, id := range ids {
			if id == "" {
				continue
			}
			if err := m.driver.DestroyContainer(cleanupCtx, id); err != nil {
				log.WithSessionID(sess.ID).Warn().Err(err).Str("container_id", id).
					Msg("teardown destroy failed")
			}
		}
		if multi {
			if err := m.driver.RemoveNetwork(cleanupCtx, sess.ID); err != nil {
				log.WithSessionID(sess.ID).Warn().Err(err).Msg("teardown network removal failed")
			}
		}
	}

	ids, err := m.driver.CreateGroup(ctx, specs, parallel)
	if err != nil {
		if multi {
			if nErr := m.driver.RemoveNetwork(context.WithoutCancel(ctx), sess.ID); nErr != nil {
				log.WithSessionID(sess.ID).Warn().Err(nErr).Msg("teardown network removal failed")
			}
		}
		return err
	}

	members := make([]driver.GroupStart, len(ids))
	for i, id := range ids {
		members[i] = driver.GroupStart{ContainerID: id, RuntimePort: profile.Containers[i].RuntimePort}
	}
	endpoints, err := m.driver.StartGroup(ctx, members, parallel)
	if err != nil {
		teardown(ids)
		return err
	}

	containers := make([]*types.SessionContainer, len(ids))
	for i, cs := range profile.Containers {
		containers[i] = &types.SessionContainer{
			Name:         cs.Name,
			ContainerID:  ids[i],
			Endpoint:     endpoints[i],
			Status:       "starting",
			RuntimeType:  cs.RuntimeType,
			Capabilities: cs.Capabilities,
		}
	}

	ready := m.probeAll(ctx, containers)

	primary := profile.Primary()
	primaryReady := false
	allReady := true
	for i, c := range containers {
		if ready[i] {
			c.Status = "running"
		} else {
			c.Status = "failed"
			allReady = false
		}
		if c.Name == primary.Name {
			primaryReady = ready[i]
		}
	}

	rollback := !primaryReady || (profile.WaitForAll && !allReady)
	if rollback {
		teardown(ids)
		return errdefs.New(errdefs.KindSessionNotReady,
			"session %s did not become ready within %s", sess.ID, m.startupTimeout())
	}

	sess.Containers = containers
	for _, c := range containers {
		if c.Name == primary.Name {
			sess.ContainerID = c.ContainerID
			sess.Endpoint = c.Endpoint
		}
	}

	state := types.SessionStateRunning
	if !allReady {
		state = types.SessionStateDegraded
	}
	if err := m.transition(ctx, sess, state); err != nil {
		teardown(ids)
		return err
	}

	log.WithSessionID(sess.ID).Info().
		Str("sandbox_id", sess.SandboxID).
		Int("containers", len(containers)).
		Str("state", string(state)).
		Msg("session materialized")
	return nil
}

func (m *Manager) startupTimeout() time.Duration {
	if t := m.cfg.StartupTimeout(); t > 0 {
		return t
	}
	return 2 * time.Minute
}

// probeAll probes every container's health endpoint concurrently, each with
// linear backoff bounded by the startup deadline.
func (m *Manager) probeAll(ctx context.Context, containers []*types.SessionContainer) []bool {
	ready := make([]bool, len(containers))

	var wg sync.WaitGroup
	for i, c := range containers {
		wg.Add(1)
		go func(i int, c *types.SessionContainer) {
			defer wg.Done()
			ready[i] = m.probeReady(ctx, c.Endpoint, c.RuntimeType)
		}(i, c)
	}
	wg.Wait()
	return ready
}

func (m *Manager) probeReady(ctx context.Context, endpoint string, kind types.RuntimeType) bool {
	if endpoint == "" {
		return false
	}
	a := m.pool.Get(endpoint, kind)

	deadline := time.Now().Add(m.startupTimeout())
	delay := 250 * time.Millisecond
	for time.Now().Before(deadline) {
		if a.Health(ctx) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if delay < 2*time.Second {
			delay += 250 * time.Millisecond
		}
	}
	return false
}

// Stop stops all session containers and removes the session network. The
// row survives in the stopped state.
func (m *Manager) Stop(ctx context.Context, sess *types.Session) error {
	if err := m.transition(ctx, sess, types.SessionStateStopping); err != nil {
		return err
	}

	for _, id := range m.containerIDs(sess) {
		if err := m.driver.StopContainer(ctx, id); err != nil {
			log.WithSessionID(sess.ID).Warn().Err(err).Str("container_id", id).Msg("stop failed")
		}
	}
	if sess.Multi() {
		if err := m.driver.RemoveNetwork(ctx, sess.ID); err != nil {
			log.WithSessionID(sess.ID).Warn().Err(err).Msg("network removal failed")
		}
	}

	m.clearEndpoints(sess)
	return m.transition(ctx, sess, types.SessionStateStopped)
}

// Destroy force-removes all session containers, the session network, and
// the row itself. Idempotent against already-gone containers.
func (m *Manager) Destroy(ctx context.Context, sess *types.Session) error {
	for _, id := range m.containerIDs(sess) {
		if err := m.driver.DestroyContainer(ctx, id); err != nil {
			return err
		}
	}
	if sess.Multi() {
		if err := m.driver.RemoveNetwork(ctx, sess.ID); err != nil {
			log.WithSessionID(sess.ID).Warn().Err(err).Msg("network removal failed")
		}
	}

	if err := m.store.DeleteSession(ctx, sess.ID); err != nil {
		return err
	}
	log.WithSessionID(sess.ID).Info().Msg("session destroyed")
	return nil
}

// Get retrieves a session row.
func (m *Manager) Get(ctx context.Context, id string) (*types.Session, error) {
	return m.store.GetSession(ctx, id)
}

func (m *Manager) containerIDs(sess *types.Session) []string {
	var ids []string
	seen := map[string]bool{}
	for _, c := range sess.Containers {
		if c.ContainerID != "" && !seen[c.ContainerID] {
			ids = append(ids, c.ContainerID)
			seen[c.ContainerID] = true
		}
	}
	if sess.ContainerID != "" && !seen[sess.ContainerID] {
		ids = append(ids, sess.ContainerID)
	}
	return ids
}

func (m *Manager) clearEndpoints(sess *types.Session) {
	sess.Endpoint = ""
	for _, c := range sess.Containers {
		c.Endpoint = ""
		c.Status = "stopped"
	}
}

func (m *Manager) transition(ctx context.Context, sess *types.Session, state types.SessionState) error {
	now := time.Now().UTC()
	sess.ObservedState = state
	sess.LastObservedAt = now
	sess.LastActiveAt = now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to transition session to %s: %w", state, err)
	}
	return nil
}
