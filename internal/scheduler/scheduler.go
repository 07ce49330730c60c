// Package scheduler is the fixed-parallelism worker pool: a FIFO queue
// of work requests (one per worker slot) feeds a claim loop that runs
// claim_next -> FSM turn -> mark_complete for each claimed task, a
// periodic reconcile pass recovers stale leases, and a starvation
// watchdog flags a backlog with ready work but no forward progress.
// Grounded on original_source/.../scheduler.rs for the WorkRequest and
// metrics vocabulary (not its run_stub_complete demo, which fakes
// completion instead of driving a real FSM) and on
// cuemby-warren/pkg/scheduler/scheduler.go for the ticker/stopCh
// goroutine idiom.
package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/carterbs/gardener/internal/backlog"
	"github.com/carterbs/gardener/internal/config"
	"github.com/carterbs/gardener/internal/fsm"
	"github.com/carterbs/gardener/internal/gardenerlog"
	"github.com/carterbs/gardener/internal/runtime"
	"github.com/carterbs/gardener/internal/worker"
)

// claimPollInterval is how often the claim loop refreshes queue-depth
// metrics while otherwise idle between work requests.
const claimPollInterval = 2 * time.Second

// emptyQueueBackoff is how long a worker slot waits before re-requesting
// work after finding the backlog empty.
const emptyQueueBackoff = 3 * time.Second

// WorkRequest is one worker slot's ask for its next task, FIFO-ordered
// through Pool's request channel.
type WorkRequest struct {
	RequestID uint64
	WorkerID  string
}

// TaskDriver drives one claimed task through the FSM to a terminal
// state. FSMTaskDriver wrapping worker.RunTask is the only production
// implementation; tests substitute a stub.
type TaskDriver interface {
	RunTask(workerID string, task backlog.BacklogTask) (worker.Outcome, error)
}

// FSMTaskDriver adapts worker.RunTask to the TaskDriver interface.
type FSMTaskDriver struct {
	Deps worker.Dependencies
}

func (d FSMTaskDriver) RunTask(workerID string, task backlog.BacklogTask) (worker.Outcome, error) {
	return worker.RunTask(d.Deps, workerID, task)
}

// Metrics are the pool's exported counters, safe for concurrent update
// from every worker goroutine and concurrent read by a caller polling
// for observability.
type Metrics struct {
	ClaimLatencyMs          atomic.Uint64
	QueueDepthP0            atomic.Int64
	QueueDepthP1            atomic.Int64
	QueueDepthP2            atomic.Int64
	RequeueCount            atomic.Uint64
	StarvationWatchdogCount atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to log or
// serialize.
type MetricsSnapshot struct {
	ClaimLatencyMs          uint64
	QueueDepthP0            int64
	QueueDepthP1            int64
	QueueDepthP2            int64
	RequeueCount            uint64
	StarvationWatchdogCount uint64
}

func (m *Metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ClaimLatencyMs:          m.ClaimLatencyMs.Load(),
		QueueDepthP0:            m.QueueDepthP0.Load(),
		QueueDepthP1:            m.QueueDepthP1.Load(),
		QueueDepthP2:            m.QueueDepthP2.Load(),
		RequeueCount:            m.RequeueCount.Load(),
		StarvationWatchdogCount: m.StarvationWatchdogCount.Load(),
	}
}

// Pool is the fixed-parallelism worker pool. Build with NewPool, then
// Start/Stop it to run against real time.
type Pool struct {
	store  *backlog.Store
	driver TaskDriver
	clock  runtime.Clock
	logger zerolog.Logger

	leaseSecs           int64
	reconcileInterval   time.Duration
	starvationThreshold time.Duration
	parallelism         int
	target              *int

	metrics       Metrics
	requests      chan WorkRequest
	nextRequestID atomic.Uint64
	completed     atomic.Int64

	mu             sync.Mutex
	lastProgressAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool builds a Pool from cfg's orchestrator/scheduler sections.
// target, when non-nil, caps the number of tasks the pool will drive to
// completion before retiring each worker slot instead of requesting
// another task; nil runs the pool until Stop is called.
func NewPool(store *backlog.Store, driver TaskDriver, clock runtime.Clock, cfg config.AppConfig, target *int) *Pool {
	parallelism := int(cfg.Orchestrator.Parallelism)
	if parallelism < 1 {
		parallelism = 1
	}
	return &Pool{
		store:               store,
		driver:              driver,
		clock:               clock,
		logger:              gardenerlog.WithComponent("scheduler"),
		leaseSecs:           int64(cfg.Scheduler.LeaseTimeoutSeconds),
		reconcileInterval:   time.Duration(cfg.Scheduler.ReconcileIntervalSeconds) * time.Second,
		starvationThreshold: time.Duration(cfg.Scheduler.StarvationThresholdSeconds) * time.Second,
		parallelism:         parallelism,
		target:              target,
		requests:            make(chan WorkRequest, parallelism*2+1),
		stopCh:              make(chan struct{}),
		lastProgressAt:      clock.Now(),
	}
}

// Start launches the fixed set of worker slots, the claim loop, and the
// reconcile loop. It returns immediately; call Stop to wind the pool
// down.
func (p *Pool) Start() {
	for i := 0; i < p.parallelism; i++ {
		p.enqueueRequest(fmt.Sprintf("worker-%d", i))
	}
	p.wg.Add(2)
	go p.claimLoop()
	go p.reconcileLoop()
}

// Stop signals every goroutine to exit and waits for them to drain.
// Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool's current counters.
func (p *Pool) Metrics() MetricsSnapshot {
	return p.metrics.snapshot()
}

// Completed returns the number of tasks the pool has driven to the
// Complete FSM state.
func (p *Pool) Completed() int64 {
	return p.completed.Load()
}

func (p *Pool) enqueueRequest(workerID string) {
	req := WorkRequest{RequestID: p.nextRequestID.Add(1), WorkerID: workerID}
	select {
	case p.requests <- req:
	case <-p.stopCh:
	}
}

func (p *Pool) claimLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case req := <-p.requests:
			p.handleRequest(req)
		case <-ticker.C:
			p.refreshQueueDepthMetrics()
		}
	}
}

// handleRequest attempts to claim a task for req's worker slot. A
// claimed task runs in its own goroutine so the claim loop keeps
// servicing other slots' requests concurrently; on completion (or on
// finding the backlog empty) the slot re-enters the request queue,
// unless target has already been reached.
func (p *Pool) handleRequest(req WorkRequest) {
	if p.target != nil && int(p.completed.Load()) >= *p.target {
		return
	}

	claimStart := p.clock.Now()
	task, err := p.store.ClaimNext(req.WorkerID, p.leaseSecs)
	if err != nil {
		p.logger.Error().Err(err).Str("worker_id", req.WorkerID).Msg("claim_next failed")
		p.scheduleRetryRequest(req.WorkerID)
		return
	}
	if task == nil {
		p.scheduleRetryRequest(req.WorkerID)
		return
	}
	p.metrics.ClaimLatencyMs.Store(uint64(p.clock.Now().Sub(claimStart).Milliseconds()))

	p.wg.Add(1)
	go func(task backlog.BacklogTask) {
		defer p.wg.Done()
		p.runClaimedTask(req.WorkerID, task)
		p.enqueueRequest(req.WorkerID)
	}(*task)
}

func (p *Pool) scheduleRetryRequest(workerID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.clock.SleepUntil(p.clock.Now().Add(emptyQueueBackoff))
		p.enqueueRequest(workerID)
	}()
}

func (p *Pool) runClaimedTask(workerID string, task backlog.BacklogTask) {
	if _, err := p.store.MarkInProgress(task.TaskID, workerID); err != nil {
		p.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("mark_in_progress failed")
	}

	outcome, err := p.driver.RunTask(workerID, task)
	if err != nil {
		p.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("task driver returned a wiring error")
		return
	}

	switch outcome.FinalState {
	case fsm.StateComplete:
		if ok, err := p.store.MarkComplete(task.TaskID, workerID); err != nil || !ok {
			p.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("mark_complete failed after successful run")
			return
		}
		p.completed.Add(1)
		p.recordProgress()
	default:
		// Failed/Parked is terminal for this FSM instance; the lease is
		// left in place. The task is in_progress, so the next reconcile
		// pass's recover_stale requeues it to ready whether or not its
		// lease has expired; the pool loop never retries it directly.
		p.logger.Warn().
			Str("task_id", task.TaskID).
			Str("final_state", string(outcome.FinalState)).
			Str("reason", outcome.FailureReason).
			Msg("task did not complete")
	}
}

func (p *Pool) reconcileLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reconcileOnce()
		}
	}
}

func (p *Pool) reconcileOnce() {
	now := p.clock.Now()
	n, err := p.store.RecoverStaleLeases(now.UnixMilli())
	if err != nil {
		p.logger.Error().Err(err).Msg("recover_stale failed")
		return
	}
	if n > 0 {
		p.metrics.RequeueCount.Add(uint64(n))
		p.recordProgress()
		p.logger.Info().Int("count", n).Msg("recovered stale leases")
	}
	p.refreshQueueDepthMetrics()
	p.checkStarvation(now)
}

func (p *Pool) refreshQueueDepthMetrics() {
	p0, p1, p2, err := p.store.CountTasksByPriority()
	if err != nil {
		p.logger.Error().Err(err).Msg("count_tasks_by_priority failed")
		return
	}
	p.metrics.QueueDepthP0.Store(int64(p0))
	p.metrics.QueueDepthP1.Store(int64(p1))
	p.metrics.QueueDepthP2.Store(int64(p2))
}

func (p *Pool) recordProgress() {
	p.mu.Lock()
	p.lastProgressAt = p.clock.Now()
	p.mu.Unlock()
}

// checkStarvation flags (via StarvationWatchdogCount) a pool that has
// ready tasks in the backlog but has made no forward progress
// (completion or lease recovery) for longer than starvationThreshold.
func (p *Pool) checkStarvation(now time.Time) {
	p.mu.Lock()
	last := p.lastProgressAt
	p.mu.Unlock()
	if p.starvationThreshold <= 0 || now.Sub(last) <= p.starvationThreshold {
		return
	}
	active, err := p.store.CountActiveTasks()
	if err != nil {
		p.logger.Error().Err(err).Msg("count_active_tasks failed")
		return
	}
	if active > 0 {
		p.metrics.StarvationWatchdogCount.Add(1)
		p.logger.Warn().
			Dur("since_last_progress", now.Sub(last)).
			Int("active_tasks", active).
			Msg("starvation watchdog triggered")
	}
}
