package thread

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Database drivers: optional archival backend, dialect chosen by the
	// caller at construction time (spec.md's "7 days archived log" retention
	// tier, as distinct from the 24h active JSON-file view).
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Archive persists terminal Thread Records into a SQL table for the
// 7-day archived-log retention tier (spec.md §4.9 Lifecycles), separate
// from Registry's 24h in-memory-plus-JSON-file active view. Grounded on
// pkg/memory.SQLSessionService's multi-dialect database/sql wrapper
// (postgres/mysql/sqlite selected by dialect string, schema created
// idempotently with IF NOT EXISTS).
type Archive struct {
	db      *sql.DB
	dialect string
}

const createThreadsTableSQL = `
CREATE TABLE IF NOT EXISTS thread_archive (
    thread_id VARCHAR(255) PRIMARY KEY,
    directive_id VARCHAR(255) NOT NULL,
    parent_thread_id VARCHAR(255),
    status VARCHAR(50) NOT NULL,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    usage_json TEXT NOT NULL,
    final_result_json TEXT,
    error TEXT,
    archived_at TIMESTAMP NOT NULL
);
`

// NewArchive opens an archival store against an already-connected db
// handle. dialect must be one of "postgres", "mysql", "sqlite" — it only
// selects the insert statement's placeholder style ($N for postgres, ?
// otherwise); the schema statement is the same for all three.
func NewArchive(db *sql.DB, dialect string) (*Archive, error) {
	if db == nil {
		return nil, fmt.Errorf("thread: archive requires a database connection")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("thread: unsupported archive dialect %q", dialect)
	}

	a := &Archive{db: db, dialect: dialect}
	if _, err := db.Exec(createThreadsTableSQL); err != nil {
		return nil, fmt.Errorf("thread: init archive schema: %w", err)
	}
	return a, nil
}

// Append writes a terminal record to the archive. Non-terminal records
// are rejected — the archive only ever holds completed history.
func (a *Archive) Append(rec Record) error {
	if !rec.Status.Terminal() {
		return fmt.Errorf("thread: archive requires a terminal record, got status %q", rec.Status)
	}

	usageJSON, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("thread: marshal usage: %w", err)
	}
	var resultJSON []byte
	if rec.FinalResult != nil {
		resultJSON, err = json.Marshal(rec.FinalResult)
		if err != nil {
			return fmt.Errorf("thread: marshal final_result: %w", err)
		}
	}

	_, err = a.db.Exec(
		a.insertSQL(),
		rec.ThreadID, rec.DirectiveID, rec.ParentThreadID, string(rec.Status),
		rec.StartedAt, rec.EndedAt, string(usageJSON), nullableString(resultJSON), rec.Error, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("thread: archive insert: %w", err)
	}
	return nil
}

// insertSQL returns the archive insert statement with dialect-appropriate
// placeholders — postgres wants $1..$N, mysql/sqlite want ?, same split
// pkg/memory.SQLSessionService makes throughout its own queries.
func (a *Archive) insertSQL() string {
	const columns = `(thread_id, directive_id, parent_thread_id, status, started_at, ended_at, usage_json, final_result_json, error, archived_at)`
	if a.dialect == "postgres" {
		return `INSERT INTO thread_archive ` + columns + ` VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	}
	return `INSERT INTO thread_archive ` + columns + ` VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// Close releases the underlying database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
