package backlog

import (
	"database/sql"
	"time"

	"github.com/carterbs/gardener/internal/gardenerrors"
)

// migration is one ordered, idempotent schema step. Migrations are
// tracked in schema_migrations so reopening an existing database only
// applies the ones it hasn't seen yet.
type migration struct {
	version int64
	sql     string
}

var migrationsList = []migration{
	{1, migration0001},
	{2, migration0002},
}

const migration0001 = `
CREATE TABLE IF NOT EXISTS backlog_tasks (
	task_id          TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	title            TEXT NOT NULL,
	details          TEXT NOT NULL,
	scope_key        TEXT NOT NULL,
	priority         TEXT NOT NULL,
	status           TEXT NOT NULL,
	last_updated     INTEGER NOT NULL,
	lease_owner      TEXT,
	lease_expires_at INTEGER,
	source           TEXT NOT NULL,
	related_pr       INTEGER,
	related_branch   TEXT,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backlog_tasks_status ON backlog_tasks(status);
`

const migration0002 = `
ALTER TABLE backlog_tasks ADD COLUMN rationale TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS idx_backlog_tasks_priority_status ON backlog_tasks(priority, status);
`

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return gardenerrors.Database("create schema_migrations", err)
	}

	for _, m := range migrationsList {
		var exists int
		err := db.QueryRow(`SELECT 1 FROM schema_migrations WHERE version = ? LIMIT 1`, m.version).Scan(&exists)
		if err == nil {
			continue // already applied
		}
		if err != sql.ErrNoRows {
			return gardenerrors.Database("check migration status", err)
		}

		tx, err := db.Begin()
		if err != nil {
			return gardenerrors.Database("begin migration transaction", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return gardenerrors.Database("apply migration", err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`, m.version, time.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return gardenerrors.Database("record migration", err)
		}
		if err := tx.Commit(); err != nil {
			return gardenerrors.Database("commit migration", err)
		}
	}
	return nil
}
