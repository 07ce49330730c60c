package scheduler

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/carterbs/gardener/internal/backlog"
	"github.com/carterbs/gardener/internal/config"
	"github.com/carterbs/gardener/internal/fsm"
	"github.com/carterbs/gardener/internal/priority"
	"github.com/carterbs/gardener/internal/runtime"
	"github.com/carterbs/gardener/internal/taskident"
	"github.com/carterbs/gardener/internal/worker"
)

func openTestStore(t *testing.T) *backlog.Store {
	t.Helper()
	store, err := backlog.Open(filepath.Join(t.TempDir(), "backlog.db"))
	if err != nil {
		t.Fatalf("backlog.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedTask(t *testing.T, store *backlog.Store, title string) {
	t.Helper()
	if _, err := store.UpsertTask(backlog.NewTask{
		Kind:     taskident.KindMaintenance,
		Title:    title,
		Details:  "details",
		ScopeKey: "scope",
		Priority: priority.P1,
		Source:   "test",
	}); err != nil {
		t.Fatalf("UpsertTask() error: %v", err)
	}
}

// stubDriver hands back a scripted outcome for every RunTask call and
// records which task IDs it was asked to drive.
type stubDriver struct {
	mu      sync.Mutex
	outcome worker.Outcome
	err     error
	calls   []string
}

func (d *stubDriver) RunTask(workerID string, task backlog.BacklogTask) (worker.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, task.TaskID)
	return d.outcome, d.err
}

func (d *stubDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func testConfig(parallelism uint32) config.AppConfig {
	cfg := config.DefaultAppConfig()
	cfg.Orchestrator.Parallelism = parallelism
	cfg.Scheduler.LeaseTimeoutSeconds = 900
	cfg.Scheduler.ReconcileIntervalSeconds = 1
	cfg.Scheduler.StarvationThresholdSeconds = 3600
	return cfg
}

func TestPoolClaimsAndCompletesSeededTasks(t *testing.T) {
	store := openTestStore(t)
	seedTask(t, store, "task one")
	seedTask(t, store, "task two")

	driver := &stubDriver{outcome: worker.Outcome{FinalState: fsm.StateComplete}}
	target := 2
	pool := NewPool(store, driver, runtime.ProductionClock{}, testConfig(2), &target)

	pool.Start()
	deadline := time.Now().Add(5 * time.Second)
	for pool.Completed() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	pool.Stop()

	if got := pool.Completed(); got != 2 {
		t.Fatalf("Completed() = %d, want 2 (driver calls=%d)", got, driver.callCount())
	}
}

func TestPoolLeavesFailedTaskLeasedForRecoverStale(t *testing.T) {
	store := openTestStore(t)
	seedTask(t, store, "flaky task")

	driver := &stubDriver{outcome: worker.Outcome{FinalState: fsm.StateFailed, FailureReason: "boom"}}
	target := 1
	pool := NewPool(store, driver, runtime.ProductionClock{}, testConfig(1), &target)

	pool.Start()
	deadline := time.Now().Add(2 * time.Second)
	for driver.callCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	pool.Stop()

	if pool.Completed() != 0 {
		t.Fatalf("Completed() = %d, want 0 for a failed task", pool.Completed())
	}
	tasks, err := store.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks() error: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != backlog.StatusInProgress {
		t.Fatalf("tasks = %+v, want the single task still leased (in_progress) for recover_stale to reclaim", tasks)
	}
}

func TestPoolReconcileRecoversStaleLeases(t *testing.T) {
	store := openTestStore(t)
	seedTask(t, store, "stale task")

	clock := runtime.NewFakeClock(time.Now())
	driver := &stubDriver{outcome: worker.Outcome{FinalState: fsm.StateParked}}
	cfg := testConfig(1)
	cfg.Scheduler.LeaseTimeoutSeconds = 1
	target := 1
	pool := NewPool(store, driver, clock, cfg, &target)

	// Claim directly so the lease is taken out before the pool's own
	// loop runs, simulating a worker that died mid-task.
	if _, err := store.ClaimNext("ghost-worker", 1); err != nil {
		t.Fatalf("ClaimNext() error: %v", err)
	}
	clock.Advance(10 * time.Second)

	pool.reconcileOnce()

	snap := pool.Metrics()
	if snap.RequeueCount != 1 {
		t.Fatalf("RequeueCount = %d, want 1", snap.RequeueCount)
	}
	tasks, err := store.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks() error: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != backlog.StatusReady {
		t.Fatalf("tasks = %+v, want the stale lease requeued to ready", tasks)
	}
}

func TestPoolRefreshesQueueDepthMetrics(t *testing.T) {
	store := openTestStore(t)
	seedTask(t, store, "p1 task")

	pool := NewPool(store, &stubDriver{}, runtime.ProductionClock{}, testConfig(1), nil)
	pool.refreshQueueDepthMetrics()

	if got := pool.Metrics().QueueDepthP1; got != 1 {
		t.Fatalf("QueueDepthP1 = %d, want 1", got)
	}
}
