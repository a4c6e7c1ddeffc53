package cargo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/driver"
	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/store"
	"github.com/cuemby/bay/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *driver.Fake, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := driver.NewFake()
	m := NewManager(st, f, config.DriverLocalEngine, config.CargoConfig{DefaultSizeLimitMB: 1024})
	return m, f, st
}

func addSandbox(t *testing.T, st *store.Store, owner, cargoID string, deleted bool) *types.Sandbox {
	t.Helper()
	now := time.Now().UTC()
	sb := &types.Sandbox{
		ID:           uuid.NewString(),
		Owner:        owner,
		ProfileID:    "default",
		CargoID:      cargoID,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if deleted {
		sb.DeletedAt = &now
	}
	require.NoError(t, st.CreateSandbox(context.Background(), sb))
	return sb
}

func TestCreateAndGet(t *testing.T) {
	m, f, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.Create(ctx, "alice", CreateOptions{})
	require.NoError(t, err)
	assert.False(t, c.Managed)
	assert.Equal(t, types.CargoBackendDockerVolume, c.Backend)
	assert.Equal(t, int64(1024), c.SizeLimitMB, "default size limit applies")

	exists, err := f.VolumeExists(ctx, c.DriverRef)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := m.Get(ctx, c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	// Foreign owners see not-found, not forbidden.
	_, err = m.Get(ctx, c.ID, "mallory")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteExternalBlockedByLivingSandbox(t *testing.T) {
	m, f, st := newTestManager(t)
	ctx := context.Background()

	c, err := m.Create(ctx, "alice", CreateOptions{})
	require.NoError(t, err)
	sb := addSandbox(t, st, "alice", c.ID, false)

	err = m.Delete(ctx, c.ID, "alice", false)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	var e *errdefs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, []string{sb.ID}, e.Details["blocking_sandbox_ids"])

	// Tombstoning the sandbox unblocks the delete.
	now := time.Now().UTC()
	sb.DeletedAt = &now
	require.NoError(t, st.UpdateSandbox(ctx, sb))

	require.NoError(t, m.Delete(ctx, c.ID, "alice", false))
	exists, err := f.VolumeExists(ctx, c.DriverRef)
	require.NoError(t, err)
	assert.False(t, exists, "volume is gone after delete")

	_, err = m.Get(ctx, c.ID, "alice")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteManaged(t *testing.T) {
	m, _, st := newTestManager(t)
	ctx := context.Background()

	sb := addSandbox(t, st, "alice", "", false)
	c, err := m.Create(ctx, "alice", CreateOptions{Managed: true, ManagedBySandboxID: sb.ID})
	require.NoError(t, err)

	// Protected while the managing sandbox lives.
	err = m.Delete(ctx, c.ID, "alice", false)
	assert.True(t, errdefs.IsConflict(err))

	// Force overrides the protection.
	require.NoError(t, m.Delete(ctx, c.ID, "alice", true))
}

func TestDeleteManagedAfterSandboxTombstoned(t *testing.T) {
	m, _, st := newTestManager(t)
	ctx := context.Background()

	sb := addSandbox(t, st, "alice", "", true)
	c, err := m.Create(ctx, "alice", CreateOptions{Managed: true, ManagedBySandboxID: sb.ID})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, c.ID, "alice", false))
}

func TestDeleteInternalIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	c, err := m.Create(ctx, "alice", CreateOptions{Managed: true})
	require.NoError(t, err)

	require.NoError(t, m.DeleteInternalByID(ctx, c.ID))
	require.NoError(t, m.DeleteInternalByID(ctx, c.ID), "second delete is a no-op")
}

func TestListDefaultsToExternal(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	ext, err := m.Create(ctx, "alice", CreateOptions{})
	require.NoError(t, err)
	_, err = m.Create(ctx, "alice", CreateOptions{Managed: true})
	require.NoError(t, err)

	got, err := m.List(ctx, "alice", nil, 10, "")
	require.NoError(t, err)
	require.Len(t, got, 1, "default listing hides managed cargos")
	assert.Equal(t, ext.ID, got[0].ID)

	managed := true
	got, err = m.List(ctx, "alice", &managed, 10, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Managed)
}
