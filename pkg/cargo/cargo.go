// Package cargo manages persistent workspace volumes: creation against the
// driver backend, owner-scoped listing, and the referential delete rules
// that keep volumes from vanishing under living sandboxes.
package cargo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/driver"
	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/store"
	"github.com/cuemby/bay/pkg/types"
)

// Manager owns cargo lifecycle.
type Manager struct {
	store   *store.Store
	driver  driver.Driver
	backend types.CargoBackend
	cfg     config.CargoConfig
}

// NewManager builds a cargo manager. The backend kind follows the driver
// type: engine volumes locally, claims on a cluster.
func NewManager(st *store.Store, drv driver.Driver, driverType config.DriverType, cfg config.CargoConfig) *Manager {
	backend := types.CargoBackendDockerVolume
	if driverType == config.DriverCluster {
		backend = types.CargoBackendClusterClaim
	}
	return &Manager{store: st, driver: drv, backend: backend, cfg: cfg}
}

// CreateOptions controls cargo creation.
type CreateOptions struct {
	Managed            bool
	ManagedBySandboxID string
	SizeLimitMB        int64
}

// Create provisions the backend volume and persists the row. Volume first,
// row second: a failed insert destroys the volume so nothing dangles.
func (m *Manager) Create(ctx context.Context, owner string, opts CreateOptions) (*types.Cargo, error) {
	now := time.Now().UTC()
	sizeLimit := opts.SizeLimitMB
	if sizeLimit <= 0 {
		sizeLimit = m.cfg.DefaultSizeLimitMB
	}

	c := &types.Cargo{
		ID:                 uuid.NewString(),
		Owner:              owner,
		Backend:            m.backend,
		Managed:            opts.Managed,
		ManagedBySandboxID: opts.ManagedBySandboxID,
		SizeLimitMB:        sizeLimit,
		CreatedAt:          now,
		LastAccessedAt:     now,
	}
	c.DriverRef = "bay-cargo-" + c.ID

	if err := m.driver.CreateVolume(ctx, c.DriverRef, sizeLimit, types.VolumeLabels(owner, c.ID)); err != nil {
		return nil, fmt.Errorf("failed to create cargo volume: %w", err)
	}

	if err := m.store.CreateCargo(ctx, c); err != nil {
		if dErr := m.driver.DeleteVolume(context.WithoutCancel(ctx), c.DriverRef); dErr != nil {
			log.WithCargoID(c.ID).Warn().Err(dErr).Msg("failed to destroy volume after insert failure")
		}
		return nil, err
	}

	log.WithCargoID(c.ID).Info().Bool("managed", c.Managed).Msg("cargo created")
	return c, nil
}

// Get retrieves an owner's cargo. A foreign owner's cargo is reported as
// not found, never as forbidden.
func (m *Manager) Get(ctx context.Context, id, owner string) (*types.Cargo, error) {
	c, err := m.store.GetCargo(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Owner != owner {
		return nil, errdefs.New(errdefs.KindNotFound, "cargo not found: %s", id)
	}
	return c, nil
}

// List pages an owner's cargos ascending by id. A nil managed filter lists
// external cargos only.
func (m *Manager) List(ctx context.Context, owner string, managed *bool, limit int, cursor string) ([]*types.Cargo, error) {
	return m.store.ListCargos(ctx, owner, managed, limit, cursor)
}

// Delete removes a cargo subject to the referential rules: an external
// cargo referenced by a living sandbox is protected, a managed cargo is
// protected while its managing sandbox lives unless forced. Volume deletion
// precedes row deletion so a failed volume delete leaves a retryable row.
func (m *Manager) Delete(ctx context.Context, id, owner string, force bool) error {
	c, err := m.Get(ctx, id, owner)
	if err != nil {
		return err
	}

	if c.Managed {
		if !force && c.ManagedBySandboxID != "" {
			sb, err := m.store.GetSandbox(ctx, c.ManagedBySandboxID)
			if err == nil && sb.DeletedAt == nil {
				return errdefs.New(errdefs.KindConflict,
					"cargo %s is managed by sandbox %s", id, c.ManagedBySandboxID)
			}
			if err != nil && !errdefs.IsNotFound(err) {
				return err
			}
		}
	} else {
		blocking, err := m.store.ListLivingSandboxesByCargo(ctx, id)
		if err != nil {
			return err
		}
		if len(blocking) > 0 {
			ids := make([]string, len(blocking))
			for i, sb := range blocking {
				ids[i] = sb.ID
			}
			return errdefs.New(errdefs.KindConflict,
				"cargo %s is attached to living sandboxes", id).
				WithDetail("blocking_sandbox_ids", ids)
		}
	}

	return m.destroy(ctx, c)
}

// DeleteInternalByID removes a cargo without owner or referential checks.
// Idempotent; GC and the sandbox cascade use it.
func (m *Manager) DeleteInternalByID(ctx context.Context, id string) error {
	c, err := m.store.GetCargo(ctx, id)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.destroy(ctx, c)
}

func (m *Manager) destroy(ctx context.Context, c *types.Cargo) error {
	if err := m.driver.DeleteVolume(ctx, c.DriverRef); err != nil {
		return fmt.Errorf("failed to delete cargo volume: %w", err)
	}
	if err := m.store.DeleteCargo(ctx, c.ID); err != nil {
		return err
	}
	log.WithCargoID(c.ID).Info().Msg("cargo deleted")
	return nil
}
