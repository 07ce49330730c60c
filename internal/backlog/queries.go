package backlog

import (
	"database/sql"

	"github.com/carterbs/gardener/internal/gardenerrors"
	"github.com/carterbs/gardener/internal/priority"
	"github.com/carterbs/gardener/internal/taskident"
)

const taskColumns = `task_id, kind, title, details, scope_key, priority, status, last_updated,
	lease_owner, lease_expires_at, source, related_pr, related_branch, rationale,
	attempt_count, created_at`

const priorityOrderClause = `
	CASE priority WHEN 'P0' THEN 0 WHEN 'P1' THEN 1 ELSE 2 END,
	CASE WHEN attempt_count > 0 THEN 0 ELSE 1 END,
	attempt_count DESC,
	last_updated ASC,
	created_at ASC`

const listTasksQuery = `SELECT ` + taskColumns + ` FROM backlog_tasks ORDER BY` + priorityOrderClause

func upsertTask(db *sql.DB, task NewTask, now int64) (*BacklogTask, error) {
	taskID := task.taskID()
	_, err := db.Exec(`
		INSERT INTO backlog_tasks (
			task_id, kind, title, details, scope_key, priority, status, last_updated,
			lease_owner, lease_expires_at, source, related_pr, related_branch, rationale,
			attempt_count, created_at
		) VALUES (
			?, ?, ?, ?, ?, ?, 'ready', ?, NULL, NULL, ?, ?, ?, ?, 0, ?
		)
		ON CONFLICT(task_id) DO UPDATE SET
			title = excluded.title,
			details = excluded.details,
			scope_key = excluded.scope_key,
			priority = CASE
				WHEN CASE excluded.priority WHEN 'P0' THEN 0 WHEN 'P1' THEN 1 ELSE 2 END
				   < CASE backlog_tasks.priority WHEN 'P0' THEN 0 WHEN 'P1' THEN 1 ELSE 2 END
				THEN excluded.priority
				ELSE backlog_tasks.priority
			END,
			status = CASE
				WHEN backlog_tasks.status IN ('leased', 'in_progress') THEN backlog_tasks.status
				ELSE 'ready'
			END,
			last_updated = excluded.last_updated,
			lease_owner = CASE
				WHEN backlog_tasks.status IN ('leased', 'in_progress') THEN backlog_tasks.lease_owner
				ELSE NULL
			END,
			lease_expires_at = CASE
				WHEN backlog_tasks.status IN ('leased', 'in_progress') THEN backlog_tasks.lease_expires_at
				ELSE NULL
			END,
			source = excluded.source,
			related_pr = excluded.related_pr,
			related_branch = excluded.related_branch,
			rationale = excluded.rationale`,
		taskID, task.Kind.AsStr(), task.Title, task.Details, task.ScopeKey, task.Priority,
		now, task.Source, task.RelatedPR, task.RelatedBranch, task.Rationale, now,
	)
	if err != nil {
		return nil, gardenerrors.Database("upsert task", err)
	}

	row, err := fetchTask(db.QueryRow, taskID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, gardenerrors.Database("row missing after upsert", nil)
	}
	return row, nil
}

func claimNext(db *sql.DB, leaseOwner string, leaseExpiresAt, now int64) (*BacklogTask, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, gardenerrors.Database("begin claim transaction", err)
	}
	defer tx.Rollback()

	var taskID string
	err = tx.QueryRow(`
		SELECT task_id FROM backlog_tasks
		WHERE status = 'ready'
		ORDER BY` + priorityOrderClause + `
		LIMIT 1`).Scan(&taskID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, gardenerrors.Database("select claim candidate", err)
	}

	res, err := tx.Exec(`
		UPDATE backlog_tasks
		SET status = 'leased', lease_owner = ?, lease_expires_at = ?,
		    last_updated = ?, attempt_count = attempt_count + 1
		WHERE task_id = ? AND status = 'ready'`,
		leaseOwner, leaseExpiresAt, now, taskID)
	if err != nil {
		return nil, gardenerrors.Database("claim task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, gardenerrors.Database("claim task", err)
	}
	if affected == 0 {
		return nil, nil
	}

	claimed, err := fetchTask(tx.QueryRow, taskID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, gardenerrors.Database("commit claim", err)
	}
	return claimed, nil
}

func markInProgress(db *sql.DB, taskID, leaseOwner string, now int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE backlog_tasks
		SET status = 'in_progress', last_updated = ?
		WHERE task_id = ? AND status = 'leased' AND lease_owner = ?`,
		now, taskID, leaseOwner)
	return changed(res, err, "mark in progress")
}

func markComplete(db *sql.DB, taskID, leaseOwner string, now int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE backlog_tasks
		SET status = 'complete', lease_owner = NULL, lease_expires_at = NULL, last_updated = ?
		WHERE task_id = ? AND lease_owner = ? AND status IN ('leased', 'in_progress')`,
		now, taskID, leaseOwner)
	return changed(res, err, "mark complete")
}

func releaseLease(db *sql.DB, taskID, leaseOwner string, now int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE backlog_tasks
		SET status = 'ready', lease_owner = NULL, lease_expires_at = NULL, last_updated = ?
		WHERE task_id = ? AND lease_owner = ? AND status IN ('leased', 'in_progress')`,
		now, taskID, leaseOwner)
	return changed(res, err, "release lease")
}

func recoverStale(db *sql.DB, now int64) (int, error) {
	res, err := db.Exec(`
		UPDATE backlog_tasks
		SET status = 'ready', lease_owner = NULL, lease_expires_at = NULL, last_updated = ?
		WHERE status = 'in_progress'
		   OR (status = 'leased' AND (lease_expires_at IS NULL OR lease_expires_at < ?))`,
		now, now)
	if err != nil {
		return 0, gardenerrors.Database("recover stale leases", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, gardenerrors.Database("recover stale leases", err)
	}
	return int(affected), nil
}

func changed(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, gardenerrors.Database(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, gardenerrors.Database(op, err)
	}
	return affected > 0, nil
}

// rowScanner abstracts over *sql.DB.QueryRow and *sql.Tx.QueryRow so
// fetchTask can be used from either a pooled connection or an
// in-progress transaction.
type rowScanner func(query string, args ...any) *sql.Row

func fetchTask(scan rowScanner, taskID string) (*BacklogTask, error) {
	row := scan(`SELECT `+taskColumns+` FROM backlog_tasks WHERE task_id = ?`, taskID)
	task, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, gardenerrors.Database("fetch task", err)
	}
	return &task, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTaskRow(row scannable) (BacklogTask, error) {
	var (
		t      BacklogTask
		kind   string
		prio   string
		status string
	)
	err := row.Scan(
		&t.TaskID, &kind, &t.Title, &t.Details, &t.ScopeKey, &prio, &status, &t.LastUpdated,
		&t.LeaseOwner, &t.LeaseExpiresAt, &t.Source, &t.RelatedPR, &t.RelatedBranch, &t.Rationale,
		&t.AttemptCount, &t.CreatedAt,
	)
	if err != nil {
		return BacklogTask{}, err
	}
	t.Kind = taskident.TaskKind(kind)
	t.Priority = priority.FromDB(prio)
	parsedStatus, ok := taskStatusFromDB(status)
	if !ok {
		return BacklogTask{}, gardenerrors.Database("invalid status in row: "+status, nil)
	}
	t.Status = parsedStatus
	return t, nil
}

func scanTask(rows *sql.Rows) (BacklogTask, error) {
	return scanTaskRow(rows)
}
