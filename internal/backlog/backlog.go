// Package backlog is the durable, priority-ordered task queue gardener
// workers claim from. It is backed by a single SQLite file: one writer
// goroutine serializes every mutation behind a buffered command channel
// (mirroring a single-writer-connection model over a shared-nothing pool
// of read-only connections), while reads round-robin across a small
// fixed pool so list/count queries never block behind an in-flight
// claim or upsert.
package backlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/carterbs/gardener/internal/gardenerrors"
	"github.com/carterbs/gardener/internal/priority"
	"github.com/carterbs/gardener/internal/taskident"
)

const readPoolSize = 4

// TaskStatus is a backlog task's lifecycle state.
type TaskStatus string

const (
	StatusReady      TaskStatus = "ready"
	StatusLeased     TaskStatus = "leased"
	StatusInProgress TaskStatus = "in_progress"
	StatusComplete   TaskStatus = "complete"
	StatusFailed     TaskStatus = "failed"
)

func (s TaskStatus) AsStr() string { return string(s) }

func taskStatusFromDB(value string) (TaskStatus, bool) {
	switch TaskStatus(value) {
	case StatusReady, StatusLeased, StatusInProgress, StatusComplete, StatusFailed:
		return TaskStatus(value), true
	default:
		return "", false
	}
}

// BacklogTask is one stored row.
type BacklogTask struct {
	TaskID         string
	Kind           taskident.TaskKind
	Title          string
	Details        string
	Rationale      string
	ScopeKey       string
	Priority       priority.Priority
	Status         TaskStatus
	LastUpdated    int64
	LeaseOwner     *string
	LeaseExpiresAt *int64
	Source         string
	RelatedPR      *int64
	RelatedBranch  *string
	AttemptCount   int64
	CreatedAt      int64
}

// NewTask is the caller-supplied shape for Upsert; task_id is derived
// from its identity tuple, never supplied directly.
type NewTask struct {
	Kind          taskident.TaskKind
	Title         string
	Details       string
	Rationale     string
	ScopeKey      string
	Priority      priority.Priority
	Source        string
	RelatedPR     *int64
	RelatedBranch *string
}

func (t NewTask) taskID() string {
	return taskident.ComputeTaskID(taskident.TaskIdentity{
		Kind:          t.Kind,
		Title:         t.Title,
		ScopeKey:      t.ScopeKey,
		RelatedPR:     t.RelatedPR,
		RelatedBranch: t.RelatedBranch,
	})
}

type writeCmd struct {
	kind       string
	task       NewTask
	taskID     string
	leaseOwner string
	leaseSecs  int64
	now        int64
	reply      chan writeReply
}

type writeReply struct {
	task  *BacklogTask
	ok    bool
	count int
	err   error
}

// Store is the durable backlog: a writer goroutine behind a buffered
// command channel, plus a small round-robin pool of read-only
// connections for queries that should never block on a write.
type Store struct {
	dbPath   string
	writeDB  *sql.DB
	writeCh  chan writeCmd
	closeCh  chan struct{}
	wg       sync.WaitGroup
	readPool []*sql.DB
	readNext atomic.Uint64
	nowFn    func() int64
}

func defaultNow() int64 { return time.Now().UnixMilli() }

// Open opens (creating if absent) the SQLite-backed backlog at path,
// rejecting zero-byte or corrupt files, running pending migrations, and
// starting the writer goroutine. Stale in_progress/expired leases are
// recovered back to ready before Open returns.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, gardenerrors.Database("create backlog parent dir", err)
		}
	}

	existed := false
	if info, err := os.Stat(path); err == nil {
		existed = true
		if info.Size() == 0 {
			return nil, gardenerrors.Database(fmt.Sprintf("backlog database is 0 bytes (corrupt): %s", path), nil)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	writeDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, gardenerrors.Database("open write connection", err)
	}
	writeDB.SetMaxOpenConns(1)

	if existed {
		var integrity string
		if err := writeDB.QueryRow("PRAGMA quick_check").Scan(&integrity); err != nil {
			writeDB.Close()
			return nil, gardenerrors.Database("integrity check", err)
		}
		if integrity != "ok" {
			writeDB.Close()
			return nil, gardenerrors.Database(fmt.Sprintf("backlog database failed integrity check: %s", integrity), nil)
		}
	}

	if err := runMigrations(writeDB); err != nil {
		writeDB.Close()
		return nil, err
	}

	readPool := make([]*sql.DB, 0, readPoolSize)
	for i := 0; i < readPoolSize; i++ {
		roDSN := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(3000)", path)
		conn, err := sql.Open("sqlite3", roDSN)
		if err != nil {
			writeDB.Close()
			for _, c := range readPool {
				c.Close()
			}
			return nil, gardenerrors.Database("open read connection", err)
		}
		conn.SetMaxOpenConns(1)
		readPool = append(readPool, conn)
	}

	s := &Store{
		dbPath:   path,
		writeDB:  writeDB,
		writeCh:  make(chan writeCmd, 128),
		closeCh:  make(chan struct{}),
		readPool: readPool,
		nowFn:    defaultNow,
	}
	s.wg.Add(1)
	go s.writerLoop()

	if _, err := s.RecoverStaleLeases(s.nowFn()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// DBPath returns the backlog's underlying file path.
func (s *Store) DBPath() string { return s.dbPath }

// Close stops the writer goroutine (flushing any already-queued writes)
// and closes every connection.
func (s *Store) Close() error {
	close(s.closeCh)
	s.wg.Wait()
	s.writeDB.Close()
	for _, c := range s.readPool {
		c.Close()
	}
	return nil
}

func (s *Store) writerLoop() {
	defer s.wg.Done()
	for {
		select {
		case cmd := <-s.writeCh:
			s.dispatch(cmd)
		case <-s.closeCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case cmd := <-s.writeCh:
					s.dispatch(cmd)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) dispatch(cmd writeCmd) {
	switch cmd.kind {
	case "upsert":
		task, err := upsertTask(s.writeDB, cmd.task, cmd.now)
		cmd.reply <- writeReply{task: task, err: err}
	case "claim_next":
		task, err := claimNext(s.writeDB, cmd.leaseOwner, cmd.now+cmd.leaseSecs*1000, cmd.now)
		cmd.reply <- writeReply{task: task, err: err}
	case "mark_in_progress":
		ok, err := markInProgress(s.writeDB, cmd.taskID, cmd.leaseOwner, cmd.now)
		cmd.reply <- writeReply{ok: ok, err: err}
	case "mark_complete":
		ok, err := markComplete(s.writeDB, cmd.taskID, cmd.leaseOwner, cmd.now)
		cmd.reply <- writeReply{ok: ok, err: err}
	case "release_lease":
		ok, err := releaseLease(s.writeDB, cmd.taskID, cmd.leaseOwner, cmd.now)
		cmd.reply <- writeReply{ok: ok, err: err}
	case "recover_stale":
		count, err := recoverStale(s.writeDB, cmd.now)
		cmd.reply <- writeReply{count: count, err: err}
	}
}

func (s *Store) send(cmd writeCmd) writeReply {
	cmd.reply = make(chan writeReply, 1)
	select {
	case s.writeCh <- cmd:
	case <-s.closeCh:
		return writeReply{err: gardenerrors.Database("store is closed", nil)}
	}
	return <-cmd.reply
}

// UpsertTask inserts a new task or, if one already exists with the same
// canonical identity, updates its mutable fields in place — with a
// priority-upgrade-only rule (never downgrades an existing row's
// priority) and a lease/status-preserving rule for tasks already
// claimed or in progress.
func (s *Store) UpsertTask(task NewTask) (*BacklogTask, error) {
	reply := s.send(writeCmd{kind: "upsert", task: task, now: s.nowFn()})
	return reply.task, reply.err
}

// ClaimNext atomically selects and leases the highest-priority ready
// task (ties broken by retry-first, then oldest last_updated, then
// oldest created_at), incrementing its attempt_count.
func (s *Store) ClaimNext(leaseOwner string, leaseDurationSecs int64) (*BacklogTask, error) {
	reply := s.send(writeCmd{kind: "claim_next", leaseOwner: leaseOwner, leaseSecs: leaseDurationSecs, now: s.nowFn()})
	return reply.task, reply.err
}

// MarkInProgress transitions a leased task to in_progress, only if
// leaseOwner still holds its lease.
func (s *Store) MarkInProgress(taskID, leaseOwner string) (bool, error) {
	reply := s.send(writeCmd{kind: "mark_in_progress", taskID: taskID, leaseOwner: leaseOwner, now: s.nowFn()})
	return reply.ok, reply.err
}

// MarkComplete transitions a leased/in-progress task to complete and
// clears its lease, only if leaseOwner still holds it.
func (s *Store) MarkComplete(taskID, leaseOwner string) (bool, error) {
	reply := s.send(writeCmd{kind: "mark_complete", taskID: taskID, leaseOwner: leaseOwner, now: s.nowFn()})
	return reply.ok, reply.err
}

// ReleaseLease returns a leased/in-progress task to ready, clearing its
// lease, only if leaseOwner still holds it.
func (s *Store) ReleaseLease(taskID, leaseOwner string) (bool, error) {
	reply := s.send(writeCmd{kind: "release_lease", taskID: taskID, leaseOwner: leaseOwner, now: s.nowFn()})
	return reply.ok, reply.err
}

// RecoverStaleLeases requeues every in_progress task and every leased
// task whose lease has expired (or never had an expiry) back to ready.
func (s *Store) RecoverStaleLeases(now int64) (int, error) {
	reply := s.send(writeCmd{kind: "recover_stale", now: now})
	return reply.count, reply.err
}

func (s *Store) readConn() *sql.DB {
	idx := s.readNext.Add(1) % uint64(len(s.readPool))
	return s.readPool[idx]
}

// ListTasks returns every task, ordered priority first, then
// retry-before-fresh, then oldest-first.
func (s *Store) ListTasks() ([]BacklogTask, error) {
	rows, err := s.readConn().Query(listTasksQuery)
	if err != nil {
		return nil, gardenerrors.Database("list tasks", err)
	}
	defer rows.Close()

	var tasks []BacklogTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, gardenerrors.Database("list tasks", err)
	}
	return tasks, nil
}

// GetTask fetches a single task by id, returning (nil, nil) if absent.
func (s *Store) GetTask(taskID string) (*BacklogTask, error) {
	return fetchTask(s.readConn().QueryRow, taskID)
}

// CountTasksByPriority returns (p0, p1, p2) counts of non-complete tasks.
func (s *Store) CountTasksByPriority() (p0, p1, p2 int, err error) {
	row := s.readConn().QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN priority = 'P0' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN priority = 'P1' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN priority = 'P2' THEN 1 ELSE 0 END), 0)
		FROM backlog_tasks
		WHERE status <> 'complete'`)
	if scanErr := row.Scan(&p0, &p1, &p2); scanErr != nil {
		return 0, 0, 0, gardenerrors.Database("count tasks by priority", scanErr)
	}
	return p0, p1, p2, nil
}

// CountActiveTasks counts tasks that are neither complete nor failed.
func (s *Store) CountActiveTasks() (int, error) {
	var count int
	row := s.readConn().QueryRow(`SELECT COUNT(*) FROM backlog_tasks WHERE status NOT IN ('complete', 'failed')`)
	if err := row.Scan(&count); err != nil {
		return 0, gardenerrors.Database("count active tasks", err)
	}
	return count, nil
}
