package gc

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
	"github.com/cuemby/bay/pkg/coordinate"
	"github.com/cuemby/bay/pkg/driver"
	"github.com/cuemby/bay/pkg/errdefs"
	"github.com/cuemby/bay/pkg/sandbox"
	"github.com/cuemby/bay/pkg/session"
	"github.com/cuemby/bay/pkg/store"
	"github.com/cuemby/bay/pkg/types"
)

type fixture struct {
	gc        *Scheduler
	sandboxes *sandbox.Manager
	cargos    *cargo.Manager
	st        *store.Store
	f         *driver.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Driver.StartupTimeoutSeconds = 1
	cfg.GC.InstanceID = "test-instance"
	cfg.GC.OrphanContainers = config.GCTaskConfig{Enabled: true}
	cfg.Profiles = []*config.Profile{{
		ID:           "python-default",
		Image:        "bay/code-runtime:latest",
		RuntimeType:  types.RuntimeTypeCode,
		RuntimePort:  8000,
		Capabilities: []string{types.CapabilityPython},
	}}
	require.NoError(t, cfg.Validate())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	f := driver.NewFake()
	f.EndpointFn = func(driver.CreateSpec) string { return srv.URL }

	pool := adapter.NewPool(config.RuntimeHTTPConfig{RequestTimeoutSecs: 2})
	sessions := session.NewManager(st, f, pool, cfg.Driver, "test-instance")
	cargos := cargo.NewManager(st, f, cfg.Driver.Type, cfg.Cargo)
	sandboxes := sandbox.NewManager(st, sessions, cargos, pool, cfg)
	gc := New(st, sandboxes, sessions, cargos, f, coordinate.NewStatic(), nil, cfg.GC)
	return &fixture{gc: gc, sandboxes: sandboxes, cargos: cargos, st: st, f: f}
}

func taskReport(t *testing.T, report *CycleReport, name string) *TaskReport {
	t.Helper()
	for _, tr := range report.Tasks {
		if tr.Task == name {
			return tr
		}
	}
	t.Fatalf("task %s not in report", name)
	return nil
}

// running creates a sandbox with a materialized session.
func (fx *fixture) running(t *testing.T, ttl int64) *types.Sandbox {
	t.Helper()
	sb, err := fx.sandboxes.Create(context.Background(), "alice",
		sandbox.CreateOptions{ProfileID: "python-default", TTLSeconds: ttl})
	require.NoError(t, err)
	_, err = fx.sandboxes.EnsureRunning(context.Background(), sb.ID, "alice")
	require.NoError(t, err)
	return sb
}

func TestIdleSessionReclaim(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sb := fx.running(t, 0)

	// Move the idle deadline into the past.
	row, err := fx.st.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	row.IdleExpiresAt = &past
	require.NoError(t, fx.st.UpdateSandbox(ctx, row))

	report := fx.gc.RunOnce(ctx)
	assert.Equal(t, 1, taskReport(t, report, TaskIdleSessions).Cleaned)

	fresh, err := fx.st.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.CurrentSessionID)
	assert.Nil(t, fresh.IdleExpiresAt)
	assert.Nil(t, fresh.DeletedAt, "idle reclaim never tombstones")
	assert.Equal(t, 0, fx.f.ContainerCount())
}

func TestIdleReclaimSkipsRefreshedSandbox(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sb := fx.running(t, 0)

	// The idle deadline is in the future: a candidate list from an earlier
	// snapshot must be re-verified.
	report := fx.gc.RunOnce(ctx)
	assert.Equal(t, 0, taskReport(t, report, TaskIdleSessions).Cleaned)

	fresh, err := fx.st.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.CurrentSessionID, "live session untouched")
	assert.Equal(t, 1, fx.f.ContainerCount())
}

func TestExpiredSandboxReclaim(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sb := fx.running(t, 3600)
	cargoID := sb.CargoID

	row, err := fx.st.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	row.ExpiresAt = &past
	require.NoError(t, fx.st.UpdateSandbox(ctx, row))

	report := fx.gc.RunOnce(ctx)
	assert.Equal(t, 1, taskReport(t, report, TaskExpiredSandboxes).Cleaned)

	fresh, err := fx.st.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.DeletedAt, "expired sandbox is tombstoned")
	assert.Empty(t, fresh.CurrentSessionID)
	assert.Equal(t, 0, fx.f.ContainerCount())

	_, err = fx.cargos.Get(ctx, cargoID, "alice")
	assert.True(t, errdefs.IsNotFound(err), "managed cargo cascaded")

	assert.Equal(t, 0, fx.sandboxes.Locks().Len(), "locks dropped for tombstoned sandboxes")

	// A second cycle finds nothing.
	report = fx.gc.RunOnce(ctx)
	assert.Equal(t, 0, taskReport(t, report, TaskExpiredSandboxes).Cleaned)
}

func TestOrphanCargoReclaim(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// A managed cargo whose managing sandbox reference is empty.
	c, err := fx.cargos.Create(ctx, "alice", cargo.CreateOptions{Managed: true})
	require.NoError(t, err)

	report := fx.gc.RunOnce(ctx)
	assert.Equal(t, 1, taskReport(t, report, TaskOrphanCargos).Cleaned)

	_, err = fx.cargos.Get(ctx, c.ID, "alice")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestOrphanContainerStrictMatching(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fullLabels := func(sessionID string) map[string]string {
		return types.ContainerLabels(sessionID, "sb-x", "cg-x", "test-instance")
	}

	// Orphan: full label set, our instance, session row absent.
	orphan, err := fx.f.CreateContainer(ctx, driver.CreateSpec{
		SessionID: "gone", SandboxID: "sb-x", Image: "img",
		Labels: fullLabels("gone"),
	})
	require.NoError(t, err)

	// Partial labels: never destroyed.
	partial := fullLabels("also-gone")
	delete(partial, types.LabelCargoID)
	survivorPartial, err := fx.f.CreateContainer(ctx, driver.CreateSpec{
		SessionID: "also-gone", SandboxID: "sb-x", Image: "img",
		Labels: partial,
	})
	require.NoError(t, err)

	// Foreign instance id: filtered out.
	foreign := types.ContainerLabels("foreign-gone", "sb-x", "cg-x", "other-instance")
	survivorForeign, err := fx.f.CreateContainer(ctx, driver.CreateSpec{
		SessionID: "foreign-gone", SandboxID: "sb-x", Image: "img",
		Labels: foreign,
	})
	require.NoError(t, err)

	report := fx.gc.RunOnce(ctx)
	tr := taskReport(t, report, TaskOrphanContainers)
	assert.Equal(t, 1, tr.Cleaned)

	assert.Contains(t, fx.f.Destroyed, orphan)
	assert.NotContains(t, fx.f.Destroyed, survivorPartial)
	assert.NotContains(t, fx.f.Destroyed, survivorForeign)
}

func TestOrphanContainerSparesLiveSessions(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.running(t, 0)

	report := fx.gc.RunOnce(ctx)
	tr := taskReport(t, report, TaskOrphanContainers)
	assert.Equal(t, 0, tr.Cleaned)
	assert.Equal(t, 1, fx.f.ContainerCount(), "container with a live session row survives")
}

type fixedCoordinator struct{ leader bool }

func (c *fixedCoordinator) IsLeader() bool { return c.leader }
func (c *fixedCoordinator) Close() error   { return nil }

func TestNonLeaderSkipsCycle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sb := fx.running(t, 0)

	row, err := fx.st.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	row.IdleExpiresAt = &past
	require.NoError(t, fx.st.UpdateSandbox(ctx, row))

	fx.gc.coord = &fixedCoordinator{leader: false}
	report := fx.gc.RunOnce(ctx)
	assert.True(t, report.Skipped)
	assert.Empty(t, report.Tasks)

	fresh, err := fx.st.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.CurrentSessionID, "no mutation without the lease")
}

func TestIdleReclaimHandlesEachSandboxIndependently(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	a := fx.running(t, 0)
	b := fx.running(t, 0)
	past := time.Now().UTC().Add(-time.Minute)
	for _, id := range []string{a.ID, b.ID} {
		row, err := fx.st.GetSandbox(ctx, id)
		require.NoError(t, err)
		row.IdleExpiresAt = &past
		require.NoError(t, fx.st.UpdateSandbox(ctx, row))
	}

	report := fx.gc.RunOnce(ctx)
	tr := taskReport(t, report, TaskIdleSessions)
	assert.Equal(t, 2, tr.Cleaned, "both sandboxes reclaimed independently")
	assert.Empty(t, tr.Errors)
}
