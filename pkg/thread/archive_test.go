package thread

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewArchive_RejectsUnknownDialect(t *testing.T) {
	db := openSQLite(t)
	_, err := NewArchive(db, "oracle")
	require.Error(t, err)
}

func TestArchive_AppendRejectsNonTerminalRecord(t *testing.T) {
	db := openSQLite(t)
	a, err := NewArchive(db, "sqlite")
	require.NoError(t, err)

	err = a.Append(Record{ThreadID: "t1", Status: StatusRunning, StartedAt: time.Now()})
	require.Error(t, err)
}

func TestArchive_AppendPersistsTerminalRecord(t *testing.T) {
	db := openSQLite(t)
	a, err := NewArchive(db, "sqlite")
	require.NoError(t, err)

	ended := time.Now()
	err = a.Append(Record{
		ThreadID:    "t1",
		DirectiveID: "deploy_staging",
		Status:      StatusCompleted,
		StartedAt:   ended.Add(-time.Minute),
		EndedAt:     &ended,
		Usage:       Usage{Turns: 3},
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM thread_archive WHERE thread_id = ?", "t1").Scan(&count))
	require.Equal(t, 1, count)
}
