// Package sqlite persists the run registry in a local SQLite database.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/namastexlabs/automagik/internal/log"
)

// migrations are applied in order; user_version tracks how far we got.
var migrations = []string{
	`CREATE TABLE runs (
		id TEXT PRIMARY KEY,
		workflow_name TEXT NOT NULL,
		session_id TEXT NOT NULL,
		session_name TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		updated_at INTEGER NOT NULL,
		workspace_path TEXT NOT NULL DEFAULT '',
		workspace_persistent INTEGER NOT NULL DEFAULT 0,
		git_branch TEXT NOT NULL DEFAULT '',
		repository_url TEXT NOT NULL DEFAULT '',
		input_format TEXT NOT NULL DEFAULT 'text',
		max_turns INTEGER NOT NULL DEFAULT 0,
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		create_pr_on_success INTEGER NOT NULL DEFAULT 0,
		pr_title TEXT NOT NULL DEFAULT '',
		pr_body TEXT NOT NULL DEFAULT '',
		claude_session_id TEXT NOT NULL DEFAULT '',
		turns INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_created_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		tools_used TEXT NOT NULL DEFAULT '[]',
		last_heartbeat INTEGER NOT NULL DEFAULT 0,
		final_result TEXT,
		error TEXT
	)`,
	`CREATE INDEX idx_runs_status ON runs(status)`,
	`CREATE INDEX idx_runs_session ON runs(session_id)`,
	`CREATE INDEX idx_runs_created_at ON runs(created_at DESC)`,
	`ALTER TABLE runs ADD COLUMN auto_merge INTEGER NOT NULL DEFAULT 0`,
}

// Open connects to the database at path, applying pragmas and any pending
// schema migrations. Use ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	// One writer at a time keeps the driver's locking simple.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Info(log.CatDB, "database ready", "path", path)
	return db, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			return fmt.Errorf("bump schema version: %w", err)
		}
	}
	if version < len(migrations) {
		log.Info(log.CatDB, "schema migrated", "from", version, "to", len(migrations))
	}
	return nil
}
