// Package gc reclaims idle sessions, expired sandboxes, orphaned managed
// cargos and — in strict mode — orphaned containers. One scheduler runs per
// process; a coordinator decides which instance in a shared-database
// deployment actually collects.
package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/coordinate"
	"github.com/cuemby/bay/pkg/driver"
	"github.com/cuemby/bay/pkg/events"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/metrics"
	"github.com/cuemby/bay/pkg/sandbox"
	"github.com/cuemby/bay/pkg/session"
	"github.com/cuemby/bay/pkg/store"
	"github.com/cuemby/bay/pkg/types"
)

// Task names, used in reports and metric labels.
const (
	TaskIdleSessions     = "idle_sessions"
	TaskExpiredSandboxes = "expired_sandboxes"
	TaskOrphanCargos     = "orphan_cargos"
	TaskOrphanContainers = "orphan_containers"
)

// TaskReport is the outcome of one task within a cycle.
type TaskReport struct {
	Task    string   `json:"task"`
	Cleaned int      `json:"cleaned"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

func (r *TaskReport) recordErr(err error) {
	r.Errors = append(r.Errors, err.Error())
	metrics.GCErrors.WithLabelValues(r.Task).Inc()
}

// CycleReport is the outcome of one full GC cycle.
type CycleReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Skipped   bool          `json:"skipped"`
	Tasks     []*TaskReport `json:"tasks,omitempty"`
}

// Scheduler drives periodic collection cycles.
type Scheduler struct {
	store     *store.Store
	sandboxes *sandbox.Manager
	sessions  *session.Manager
	cargos    *cargo.Manager
	driver    driver.Driver
	coord     coordinate.Coordinator
	broker    *events.Broker
	cfg       config.GCConfig

	// runMu serializes the periodic loop against manual triggers.
	runMu sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a scheduler. broker may be nil.
func New(st *store.Store, sandboxes *sandbox.Manager, sessions *session.Manager,
	cargos *cargo.Manager, drv driver.Driver, coord coordinate.Coordinator,
	broker *events.Broker, cfg config.GCConfig) *Scheduler {
	return &Scheduler{
		store:     st,
		sandboxes: sandboxes,
		sessions:  sessions,
		cargos:    cargos,
		driver:    drv,
		coord:     coord,
		broker:    broker,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the periodic loop. A disabled scheduler starts nothing and
// Stop remains safe to call.
func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		close(s.doneCh)
		return
	}
	go s.loop()
}

// Stop cancels the loop and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)

	if s.cfg.RunOnStartup {
		s.RunOnce(context.Background())
	}

	interval := s.cfg.GCInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce executes one full cycle: T1 idle sessions, T2 expired sandboxes,
// T3 orphan cargos, T4 orphan containers, strictly in that order. The cycle
// is skipped entirely when this instance does not hold the coordinator
// lease.
func (s *Scheduler) RunOnce(ctx context.Context) *CycleReport {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	report := &CycleReport{StartedAt: time.Now().UTC()}
	if !s.coord.IsLeader() {
		report.Skipped = true
		log.WithComponent("gc").Debug().Msg("not the leader, skipping cycle")
		return report
	}

	timer := metrics.NewTimer()
	logger := log.WithComponent("gc")
	logger.Debug().Msg("gc cycle started")

	tasks := []struct {
		name    string
		enabled bool
		run     func(context.Context, *TaskReport)
	}{
		{TaskIdleSessions, s.cfg.IdleSessions.Enabled, s.collectIdleSessions},
		{TaskExpiredSandboxes, s.cfg.ExpiredSandboxes.Enabled, s.collectExpiredSandboxes},
		{TaskOrphanCargos, s.cfg.OrphanCargos.Enabled, s.collectOrphanCargos},
		{TaskOrphanContainers, s.cfg.OrphanContainers.Enabled, s.collectOrphanContainers},
	}

	for _, task := range tasks {
		if !task.enabled {
			continue
		}
		tr := &TaskReport{Task: task.name}
		task.run(ctx, tr)
		metrics.GCCleaned.WithLabelValues(task.name).Add(float64(tr.Cleaned))
		report.Tasks = append(report.Tasks, tr)
	}

	report.Duration = timer.Duration()
	metrics.GCCycles.Inc()
	timer.ObserveDuration(metrics.GCCycleDuration)

	cleaned, errs := 0, 0
	for _, tr := range report.Tasks {
		cleaned += tr.Cleaned
		errs += len(tr.Errors)
	}
	logger.Info().
		Int("cleaned", cleaned).
		Int("errors", errs).
		Dur("duration", report.Duration).
		Msg("gc cycle finished")

	if s.broker != nil {
		s.broker.Publish(events.GCCycleDone,
			fmt.Sprintf("gc cycle cleaned %d items", cleaned),
			map[string]string{"cleaned": fmt.Sprintf("%d", cleaned)})
	}
	return report
}

// collectIdleSessions destroys the sessions of sandboxes whose idle deadline
// passed, then clears the session linkage. The deadline is re-checked under
// the sandbox lock: a keepalive racing the cycle wins.
func (s *Scheduler) collectIdleSessions(ctx context.Context, tr *TaskReport) {
	candidates, err := s.store.ListIdleExpiredSandboxes(ctx, time.Now().UTC())
	if err != nil {
		tr.recordErr(fmt.Errorf("failed to list idle sandboxes: %w", err))
		return
	}

	for _, cand := range candidates {
		if err := s.reclaimIdle(ctx, cand.ID); err != nil {
			if err == errSkipped {
				tr.Skipped++
				continue
			}
			tr.recordErr(fmt.Errorf("sandbox %s: %w", cand.ID, err))
			continue
		}
		tr.Cleaned++
	}
}

// errSkipped marks per-item skips inside a task.
var errSkipped = fmt.Errorf("skipped")

func (s *Scheduler) reclaimIdle(ctx context.Context, id string) error {
	mu := s.sandboxes.Locks().Get(id)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	sb, err := s.store.GetSandbox(ctx, id)
	if err != nil {
		return err
	}
	if sb.DeletedAt != nil || sb.IdleExpiresAt == nil || sb.IdleExpiresAt.After(now) {
		return errSkipped
	}

	// Driver teardown is best-effort; a failed destroy still releases the
	// session linkage so the orphan-container task can finish the job.
	sessions, err := s.store.ListSessionsBySandbox(ctx, id)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := s.sessions.Destroy(ctx, sess); err != nil {
			log.WithSandboxID(id).Warn().Err(err).
				Str("session_id", sess.ID).
				Msg("failed to destroy idle session")
		}
	}

	err = s.store.Locked(ctx, func(tx *store.Tx) error {
		fresh, err := tx.GetSandbox(ctx, id)
		if err != nil {
			return err
		}
		if fresh.DeletedAt != nil {
			return nil
		}
		if fresh.IdleExpiresAt != nil && fresh.IdleExpiresAt.After(now) {
			return nil
		}
		fresh.CurrentSessionID = ""
		fresh.IdleExpiresAt = nil
		return tx.UpdateSandbox(ctx, fresh)
	})
	if err != nil {
		return err
	}

	log.WithSandboxID(id).Info().Msg("idle session reclaimed")
	return nil
}

// collectExpiredSandboxes tombstones sandboxes whose hard TTL passed and
// cascades their managed cargo.
func (s *Scheduler) collectExpiredSandboxes(ctx context.Context, tr *TaskReport) {
	candidates, err := s.store.ListExpiredSandboxes(ctx, time.Now().UTC())
	if err != nil {
		tr.recordErr(fmt.Errorf("failed to list expired sandboxes: %w", err))
		return
	}

	var tombstoned []string
	for _, cand := range candidates {
		if err := s.reclaimExpired(ctx, cand.ID); err != nil {
			if err == errSkipped {
				tr.Skipped++
				continue
			}
			tr.recordErr(fmt.Errorf("sandbox %s: %w", cand.ID, err))
			continue
		}
		tombstoned = append(tombstoned, cand.ID)
		tr.Cleaned++
		metrics.SandboxesDeleted.WithLabelValues("expired").Inc()
		if s.broker != nil {
			s.broker.Publish(events.SandboxExpired, "sandbox expired",
				map[string]string{"sandbox_id": cand.ID})
		}
	}

	s.sandboxes.Locks().RemoveBulk(tombstoned)
}

func (s *Scheduler) reclaimExpired(ctx context.Context, id string) error {
	mu := s.sandboxes.Locks().Get(id)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	sb, err := s.store.GetSandbox(ctx, id)
	if err != nil {
		return err
	}
	if sb.DeletedAt != nil || !sb.Expired(now) {
		return errSkipped
	}

	// Sessions first, then the tombstone, then the cargo cascade: an
	// interrupt at any point leaves a state a later cycle can complete.
	return s.sandboxes.DeleteInternal(ctx, sb)
}

// collectOrphanCargos removes managed cargos whose managing sandbox is gone
// or tombstoned.
func (s *Scheduler) collectOrphanCargos(ctx context.Context, tr *TaskReport) {
	orphans, err := s.store.ListOrphanManagedCargos(ctx)
	if err != nil {
		tr.recordErr(fmt.Errorf("failed to list orphan cargos: %w", err))
		return
	}

	for _, c := range orphans {
		if err := s.cargos.DeleteInternalByID(ctx, c.ID); err != nil {
			tr.recordErr(fmt.Errorf("cargo %s: %w", c.ID, err))
			continue
		}
		log.WithCargoID(c.ID).Info().Msg("orphan cargo removed")
		tr.Cleaned++
	}
}

// collectOrphanContainers destroys runtime instances this orchestrator
// instance created whose session row no longer exists. Every check must
// pass; a partial match is always a skip.
func (s *Scheduler) collectOrphanContainers(ctx context.Context, tr *TaskReport) {
	instances, err := s.driver.ListRuntimeInstances(ctx, map[string]string{
		types.LabelManaged:    types.ManagedLabelValue,
		types.LabelInstanceID: s.cfg.InstanceID,
	})
	if err != nil {
		tr.recordErr(fmt.Errorf("failed to list runtime instances: %w", err))
		return
	}

	for _, inst := range instances {
		orphan, err := s.isOrphanInstance(ctx, inst)
		if err != nil {
			tr.recordErr(fmt.Errorf("instance %s: %w", inst.ID, err))
			continue
		}
		if !orphan {
			tr.Skipped++
			continue
		}
		if err := s.driver.DestroyRuntimeInstance(ctx, inst.ID); err != nil {
			tr.recordErr(fmt.Errorf("instance %s: %w", inst.ID, err))
			continue
		}
		log.WithComponent("gc").Info().
			Str("instance", inst.ID).
			Str("name", inst.Name).
			Msg("orphan container destroyed")
		tr.Cleaned++
	}
}

func (s *Scheduler) isOrphanInstance(ctx context.Context, inst *driver.RuntimeInstance) (bool, error) {
	if !types.IsSessionContainerName(inst.Name) {
		return false, nil
	}
	for _, label := range types.RequiredContainerLabels {
		if _, ok := inst.Labels[label]; !ok {
			return false, nil
		}
	}
	if inst.Labels[types.LabelManaged] != types.ManagedLabelValue {
		return false, nil
	}
	if inst.Labels[types.LabelInstanceID] != s.cfg.InstanceID {
		return false, nil
	}
	sessionID := inst.Labels[types.LabelSessionID]
	if sessionID == "" {
		return false, nil
	}
	exists, err := s.store.SessionExists(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return !exists, nil
}
