// Package db opens the SQLite files cbox keeps its state in and brings
// their schema up to date.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/cbox/internal/utils"
)

const MemoryPath = ":memory:"

const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA temp_store=MEMORY;
`

// ErrSchemaTooNew means the file was written by a newer cbox.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

type config struct {
	path            string
	pragmas         string
	migrations      []string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
	logger          *slog.Logger
}

// SqliteOption configures NewSqliteDB.
type SqliteOption func(*config)

// WithPath sets the database file. MemoryPath opens an in-memory database,
// one per connection.
func WithPath(path string) SqliteOption {
	return func(c *config) {
		c.path = path
	}
}

// WithPragmas replaces the default pragmas.
func WithPragmas(pragmas string) SqliteOption {
	return func(c *config) {
		c.pragmas = pragmas
	}
}

// WithMigrations runs Migrate with steps once connected.
func WithMigrations(steps ...string) SqliteOption {
	return func(c *config) {
		c.migrations = steps
	}
}

func WithMaxOpenConns(n int) SqliteOption {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

func WithMaxIdleConns(n int) SqliteOption {
	return func(c *config) {
		c.maxIdleConns = n
	}
}

func WithConnMaxLifetime(d time.Duration) SqliteOption {
	return func(c *config) {
		c.connMaxLifetime = d
	}
}

func WithLogger(logger *slog.Logger) SqliteOption {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewSqliteDB connects, applies the pragmas and migrates. Parent
// directories of a file database are created.
func NewSqliteDB(opts ...SqliteOption) (*sqlx.DB, error) {
	cfg := &config{
		path:         MemoryPath,
		pragmas:      defaultPragma,
		maxIdleConns: 2,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	dsn := MemoryPath
	if cfg.path != MemoryPath {
		if err := utils.EnsureParent(cfg.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)
	}

	cfg.logger.Debug("db open", "driver", driverID, "path", cfg.path)
	conn, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.maxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.maxOpenConns)
	}
	if cfg.maxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.maxIdleConns)
	}
	if cfg.connMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.connMaxLifetime)
	}

	if _, err := conn.Exec(cfg.pragmas); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	if len(cfg.migrations) > 0 {
		from, err := SchemaVersion(context.Background(), conn)
		if err == nil {
			err = Migrate(context.Background(), conn, cfg.migrations)
		}
		if err != nil {
			conn.Close()
			return nil, err
		}
		if from < len(cfg.migrations) {
			cfg.logger.Debug("db migrated", "path", cfg.path, "from", from, "to", len(cfg.migrations))
		}
	}

	return conn, nil
}

// SchemaVersion reads the version Migrate recorded in the file.
func SchemaVersion(ctx context.Context, conn *sqlx.DB) (int, error) {
	var version int
	if err := conn.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies the steps past the file's schema version. Step i brings
// the schema to version i+1. Each step commits together with its version,
// so a failing step leaves the file at the previous one.
func Migrate(ctx context.Context, conn *sqlx.DB, steps []string) error {
	current, err := SchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	if current > len(steps) {
		return fmt.Errorf("%w: file is at version %d, this build knows %d", ErrSchemaTooNew, current, len(steps))
	}

	for i := current; i < len(steps); i++ {
		if err := migrateStep(ctx, conn, steps[i], i+1); err != nil {
			return fmt.Errorf("migrate to version %d: %w", i+1, err)
		}
	}
	return nil
}

func migrateStep(ctx context.Context, conn *sqlx.DB, step string, version int) error {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, step); err != nil {
		return err
	}
	// pragmas take no bind parameters
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}
