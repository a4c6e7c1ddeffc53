package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/bay/pkg/adapter"
	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/driver"
	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/session"
	"github.com/cuemby/bay/pkg/store"
	"github.com/cuemby/bay/pkg/types"
)

type fixture struct {
	m      *Manager
	f      *driver.Fake
	st     *store.Store
	cargos *cargo.Manager
	cfg    *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Driver.StartupTimeoutSeconds = 1
	cfg.Profiles = []*config.Profile{{
		ID:           "python-default",
		Image:        "bay/code-runtime:latest",
		RuntimeType:  types.RuntimeTypeCode,
		RuntimePort:  8000,
		Capabilities: []string{types.CapabilityPython, types.CapabilityShell, types.CapabilityFilesystem},
	}}
	require.NoError(t, cfg.Validate())

	f := driver.NewFake()
	pool := adapter.NewPool(config.RuntimeHTTPConfig{RequestTimeoutSecs: 2})
	sessions := session.NewManager(st, f, pool, cfg.Driver, "test-instance")
	cargos := cargo.NewManager(st, f, cfg.Driver.Type, cfg.Cargo)
	m := NewManager(st, sessions, cargos, pool, cfg)
	return &fixture{m: m, f: f, st: st, cargos: cargos, cfg: cfg}
}

func (fx *fixture) healthy(t *testing.T) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	fx.f.EndpointFn = func(driver.CreateSpec) string { return srv.URL }
}

func TestCreateWithManagedCargo(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sb, err := fx.m.Create(ctx, "alice", CreateOptions{ProfileID: "python-default", TTLSeconds: 3600})
	require.NoError(t, err)
	require.NotNil(t, sb.ExpiresAt)
	assert.Nil(t, sb.IdleExpiresAt)
	assert.Equal(t, types.SandboxStatusIdle, sb.Status(time.Now().UTC(), nil))

	c, err := fx.cargos.Get(ctx, sb.CargoID, "alice")
	require.NoError(t, err)
	assert.True(t, c.Managed)
	assert.Equal(t, sb.ID, c.ManagedBySandboxID)
}

func TestCreateWithExternalCargo(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	c, err := fx.cargos.Create(ctx, "alice", cargo.CreateOptions{})
	require.NoError(t, err)

	sb, err := fx.m.Create(ctx, "alice", CreateOptions{ProfileID: "python-default", CargoID: c.ID})
	require.NoError(t, err)
	assert.Equal(t, c.ID, sb.CargoID)
	assert.Nil(t, sb.ExpiresAt, "zero ttl means infinite")

	// A foreign cargo cannot be attached.
	_, err = fx.m.Create(ctx, "mallory", CreateOptions{ProfileID: "python-default", CargoID: c.ID})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCreateUnknownProfile(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.m.Create(context.Background(), "alice", CreateOptions{ProfileID: "nope"})
	assert.True(t, errdefs.IsValidation(err))
}

func TestEnsureRunningMaterializesAndReuses(t *testing.T) {
	fx := newFixture(t)
	fx.healthy(t)
	ctx := context.Background()

	sb, err := fx.m.Create(ctx, "alice", CreateOptions{ProfileID: "python-default"})
	require.NoError(t, err)

	sess, err := fx.m.EnsureRunning(ctx, sb.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStateRunning, sess.ObservedState)

	fresh, cur, err := fx.m.Get(ctx, sb.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, fresh.CurrentSessionID)
	require.NotNil(t, fresh.IdleExpiresAt)
	assert.Equal(t, types.SandboxStatusReady, fresh.Status(time.Now().UTC(), cur))

	// A healthy running session is reused, not replaced.
	again, err := fx.m.EnsureRunning(ctx, sb.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)
	assert.Equal(t, 1, fx.f.ContainerCount())
}

func TestEnsureRunningReplacesUnhealthySession(t *testing.T) {
	fx := newFixture(t)
	fx.healthy(t)
	ctx := context.Background()

	sb, err := fx.m.Create(ctx, "alice", CreateOptions{ProfileID: "python-default"})
	require.NoError(t, err)
	sess, err := fx.m.EnsureRunning(ctx, sb.ID, "alice")
	require.NoError(t, err)

	// Kill the endpoint behind the session: health goes red.
	stored, err := fx.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	stored.Endpoint = "http://127.0.0.1:1"
	require.NoError(t, fx.st.UpdateSession(ctx, stored))

	replacement, err := fx.m.EnsureRunning(ctx, sb.ID, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, replacement.ID, "unhealthy session is replaced")

	_, err = fx.st.GetSession(ctx, sess.ID)
	assert.True(t, errdefs.IsNotFound(err), "old session row is destroyed")
}

func TestEnsureRunningRejectsExpired(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sb, err := fx.m.Create(ctx, "alice", CreateOptions{ProfileID: "python-default", TTLSeconds: 3600})
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	sb.ExpiresAt = &past
	require.NoError(t, fx.st.UpdateSandbox(ctx, sb))

	_, err = fx.m.EnsureRunning(ctx, sb.ID, "alice")
	assert.True(t, errdefs.IsSandboxExpired(err))
}

func TestKeepalive(t *testing.T) {
	fx := newFixture(t)
	fx.healthy(t)
	ctx := context.Background()

	sb, err := fx.m.Create(ctx, "alice", CreateOptions{ProfileID: "python-default"})
	require.NoError(t, err)

	// Keepalive on an idle sandbox never starts a session.
	got, err := fx.m.Keepalive(ctx, sb.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, got.CurrentSessionID)
	assert.Nil(t, got.IdleExpiresAt)
	assert.Equal(t, 0, fx.f.ContainerCount())

	_, err = fx.m.EnsureRunning(ctx, sb.ID, "alice")
	require.NoError(t, err)
	before, _, err := fx.m.Get(ctx, sb.ID, "alice")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	after, err := fx.m.Keepalive(ctx, sb.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, after.IdleExpiresAt)
	assert.True(t, after.IdleExpiresAt.After(*before.IdleExpiresAt), "idle deadline extended")
	assert.Equal(t, before.ExpiresAt, after.ExpiresAt, "hard TTL untouched")
}

func TestExtendTTL(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	t.Run("rejects non-positive", func(t *testing.T) {
		sb, err := fx.m.Create(ctx, "alice", CreateOptions{ProfileID: "python-default", TTLSeconds: 60})
		require.NoError(t, err)
		_, err = fx.m.ExtendTTL(ctx, sb.ID, "alice", 0)
		assert.True(t, errdefs.IsValidation(err))
	})

	t.Run("rejects infinite ttl", func(t *testing.T) {
		sb, err := fx.m.Create(ctx, "alice", CreateOptions{ProfileID: "python-default"})
		require.NoError(t, err)
		_, err = fx.m.ExtendTTL(ctx, sb.ID, "alice", time.Minute)
		assert.True(t, errdefs.IsKind(err, errdefs.KindSandboxTTLInfinite))
	})

	t.Run("rejects expired", func(t *testing.T) {
		sb, err := fx.m.Create(ctx, "alice", CreateOptions{ProfileID: "python-default", TTLSeconds: 60})
		require.NoError(t, err)
		past := time.Now().UTC().Add(-time.Minute)
		sb.ExpiresAt = &past
		require.NoError(t, fx.st.UpdateSandbox(ctx, sb))

		_, err = fx.m.ExtendTTL(ctx, sb.ID, "alice", time.Minute)
		assert.True(t, errdefs.IsSandboxExpired(err))
	})

	t.Run("extends", func(t *testing.T) {
		sb, err := fx.m.Create(ctx, "alice", CreateOptions{ProfileID: "python-default", TTLSeconds: 60})
		require.NoError(t, err)
		was := *sb.ExpiresAt

		got, err := fx.m.ExtendTTL(ctx, sb.ID, "alice", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, was.Add(time.Hour), *got.ExpiresAt)
	})
}

func TestStopPreservesCargo(t *testing.T) {
	fx := newFixture(t)
	fx.healthy(t)
	ctx := context.Background()

	sb, err := fx.m.Create(ctx, "alice", CreateOptions{ProfileID: "python-default"})
	require.NoError(t, err)
	_, err = fx.m.EnsureRunning(ctx, sb.ID, "alice")
	require.NoError(t, err)

	require.NoError(t, fx.m.Stop(ctx, sb.ID, "alice"))
	fresh, _, err := fx.m.Get(ctx, sb.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, fresh.CurrentSessionID)
	assert.Nil(t, fresh.IdleExpiresAt)
	assert.Equal(t, 0, fx.f.ContainerCount())

	_, err = fx.cargos.Get(ctx, fresh.CargoID, "alice")
	require.NoError(t, err, "stop preserves cargo")

	// Stop with no session is a no-op.
	require.NoError(t, fx.m.Stop(ctx, sb.ID, "alice"))
}

func TestDeleteCascadesManagedCargo(t *testing.T) {
	fx := newFixture(t)
	fx.healthy(t)
	ctx := context.Background()

	sb, err := fx.m.Create(ctx, "alice", CreateOptions{ProfileID: "python-default"})
	require.NoError(t, err)
	cargoID := sb.CargoID
	_, err = fx.m.EnsureRunning(ctx, sb.ID, "alice")
	require.NoError(t, err)

	require.NoError(t, fx.m.Delete(ctx, sb.ID, "alice"))
	assert.Equal(t, 0, fx.f.ContainerCount())
	assert.Equal(t, 0, fx.m.Locks().Len(), "lock entry dropped on delete")

	sbRow, err := fx.st.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	require.NotNil(t, sbRow.DeletedAt, "row is tombstoned, never hard-deleted")
	assert.Empty(t, sbRow.CargoID)

	_, err = fx.cargos.Get(ctx, cargoID, "alice")
	assert.True(t, errdefs.IsNotFound(err), "managed cargo cascaded")

	// Idempotent.
	require.NoError(t, fx.m.Delete(ctx, sb.ID, "alice"))
}

func TestDeletePreservesExternalCargo(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	c, err := fx.cargos.Create(ctx, "alice", cargo.CreateOptions{})
	require.NoError(t, err)
	sb, err := fx.m.Create(ctx, "alice", CreateOptions{ProfileID: "python-default", CargoID: c.ID})
	require.NoError(t, err)

	require.NoError(t, fx.m.Delete(ctx, sb.ID, "alice"))

	_, err = fx.cargos.Get(ctx, c.ID, "alice")
	require.NoError(t, err, "external cargo survives sandbox delete")
}
