package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSteps = []string{
	`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT NOT NULL);`,
	`ALTER TABLE notes ADD COLUMN tag TEXT NOT NULL DEFAULT '';`,
}

func TestNewSqliteDBMemory(t *testing.T) {
	database, err := NewSqliteDB(WithMaxOpenConns(1))
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT);")
	require.NoError(t, err)

	_, err = database.Exec("INSERT INTO t (v) VALUES (?)", "x")
	require.NoError(t, err)

	var n int
	require.NoError(t, database.Get(&n, "SELECT COUNT(*) FROM t"))
	assert.Equal(t, 1, n)
}

func TestNewSqliteDBFileCreatesParent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "journal.db")

	database, err := NewSqliteDB(WithPath(dbPath), WithMaxOpenConns(1))
	require.NoError(t, err)
	defer database.Close()

	assert.DirExists(t, filepath.Dir(dbPath))
	assert.FileExists(t, dbPath)
}

func TestNewSqliteDBCustomPragmas(t *testing.T) {
	database, err := NewSqliteDB(WithPragmas("PRAGMA foreign_keys=ON;"), WithMaxOpenConns(1))
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t2 (id INTEGER PRIMARY KEY);")
	assert.NoError(t, err)
}

func TestMigrationsRunOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	database, err := NewSqliteDB(WithPath(dbPath), WithMaxOpenConns(1), WithMigrations(testSteps[0]))
	require.NoError(t, err)
	_, err = database.Exec("INSERT INTO notes (body) VALUES (?)", "first")
	require.NoError(t, err)
	require.NoError(t, database.Close())

	// reopening applies only the new step and keeps the data
	database, err = NewSqliteDB(WithPath(dbPath), WithMaxOpenConns(1), WithMigrations(testSteps...))
	require.NoError(t, err)
	defer database.Close()

	version, err := SchemaVersion(context.Background(), database)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	var tag string
	require.NoError(t, database.Get(&tag, "SELECT tag FROM notes WHERE body = ?", "first"))
	assert.Equal(t, "", tag)

	require.NoError(t, Migrate(context.Background(), database, testSteps))
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	database, err := NewSqliteDB(WithMaxOpenConns(1), WithMigrations(testSteps...))
	require.NoError(t, err)
	defer database.Close()

	err = Migrate(context.Background(), database, testSteps[:1])
	assert.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestMigrateFailedStepKeepsVersion(t *testing.T) {
	database, err := NewSqliteDB(WithMaxOpenConns(1))
	require.NoError(t, err)
	defer database.Close()

	ctx := context.Background()
	err = Migrate(ctx, database, []string{testSteps[0], "ALTER TABLE missing ADD COLUMN x TEXT;"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version 2")

	version, err := SchemaVersion(ctx, database)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}
