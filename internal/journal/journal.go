// Package journal keeps the state cbox needs across runs: where each job's
// change feed was left, and a history of finished sessions.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/cbox/internal/db"
	"github.com/openmined/cbox/internal/jobs"
)

// migrations are applied in order, never edited once released
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS checkpoints (
    job TEXT PRIMARY KEY,
    seq TEXT NOT NULL,
    updated_at TEXT NOT NULL -- RFC3339
);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    job TEXT NOT NULL,
    command TEXT NOT NULL,
    local TEXT NOT NULL,
    remote TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    created INTEGER NOT NULL DEFAULT 0,
    updated INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    unchanged INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);`,
}

var ErrNotOpen = errors.New("journal not open")

// fixed width so started_at sorts as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// JobKey identifies a job across runs. Credentials never end up in it.
func JobKey(job jobs.Job) string {
	return job.Local + "|" + job.Masked().Remote
}

// SessionRecord is one finished session as stored.
type SessionRecord struct {
	ID        string    `json:"id"`
	Job       jobs.Job  `json:"job"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Deleted   int       `json:"deleted"`
	Unchanged int       `json:"unchanged"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
}

type dbSession struct {
	ID         string `db:"id"`
	Job        string `db:"job"`
	Command    string `db:"command"`
	Local      string `db:"local"`
	Remote     string `db:"remote"`
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
	Created    int    `db:"created"`
	Updated    int    `db:"updated"`
	Deleted    int    `db:"deleted"`
	Unchanged  int    `db:"unchanged"`
	Failed     int    `db:"failed"`
	Error      string `db:"error"`
}

type Journal struct {
	db     *sqlx.DB
	dbPath string
	log    *slog.Logger
}

func NewJournal(dbPath string, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{dbPath: dbPath, log: logger}
}

// Open creates the database file if needed and migrates its schema.
func (j *Journal) Open() error {
	if j.db != nil {
		return errors.New("journal already open")
	}

	conn, err := db.NewSqliteDB(
		db.WithPath(j.dbPath),
		db.WithMaxOpenConns(1),
		db.WithMigrations(migrations...),
		db.WithLogger(j.log),
	)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	j.db = conn
	return nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return ErrNotOpen
	}
	err := j.db.Close()
	j.db = nil
	if err != nil {
		j.log.Error("journal close", "error", err)
		return err
	}
	return nil
}

// LoadCheckpoint returns the saved sequence for key, or "" if none.
func (j *Journal) LoadCheckpoint(ctx context.Context, key string) (string, error) {
	if j.db == nil {
		return "", ErrNotOpen
	}

	var seq string
	err := j.db.GetContext(ctx, &seq, "SELECT seq FROM checkpoints WHERE job = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load checkpoint for %s: %w", key, err)
	}
	return seq, nil
}

func (j *Journal) SaveCheckpoint(ctx context.Context, key, seq string) error {
	if j.db == nil {
		return ErrNotOpen
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (job, seq, updated_at) VALUES (?, ?, ?)`,
		key, seq, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", key, err)
	}
	j.log.Debug("journal checkpoint", "job", key, "seq", seq)
	return nil
}

// ResetCheckpoint forgets the feed position of key.
func (j *Journal) ResetCheckpoint(ctx context.Context, key string) error {
	if j.db == nil {
		return ErrNotOpen
	}
	if _, err := j.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE job = ?", key); err != nil {
		return fmt.Errorf("failed to reset checkpoint for %s: %w", key, err)
	}
	return nil
}

// RecordSession appends a finished session. The job is stored with its
// credentials masked.
func (j *Journal) RecordSession(ctx context.Context, rec SessionRecord) error {
	if j.db == nil {
		return ErrNotOpen
	}

	job := rec.Job.Masked()
	row := dbSession{
		ID:         rec.ID,
		Job:        JobKey(rec.Job),
		Command:    string(job.Command),
		Local:      job.Local,
		Remote:     job.Remote,
		StartedAt:  rec.Started.UTC().Format(timeLayout),
		FinishedAt: rec.Finished.UTC().Format(timeLayout),
		Created:    rec.Created,
		Updated:    rec.Updated,
		Deleted:    rec.Deleted,
		Unchanged:  rec.Unchanged,
		Failed:     rec.Failed,
		Error:      rec.Error,
	}

	query := `INSERT OR REPLACE INTO sessions
	          (id, job, command, local, remote, started_at, finished_at, created, updated, deleted, unchanged, failed, error)
	          VALUES (:id, :job, :command, :local, :remote, :started_at, :finished_at, :created, :updated, :deleted, :unchanged, :failed, :error)`
	if _, err := j.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to record session %s: %w", rec.ID, err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (j *Journal) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if j.db == nil {
		return nil, ErrNotOpen
	}

	var rows []dbSession
	err := j.db.SelectContext(ctx, &rows,
		`SELECT id, job, command, local, remote, started_at, finished_at, created, updated, deleted, unchanged, failed, error
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	records := make([]SessionRecord, 0, len(rows))
	for _, row := range rows {
		started, err := time.Parse(timeLayout, row.StartedAt)
		if err != nil {
			j.log.Warn("journal skip session", "id", row.ID, "started_at", row.StartedAt, "error", err)
			continue
		}
		finished, _ := time.Parse(timeLayout, row.FinishedAt)

		records = append(records, SessionRecord{
			ID:        row.ID,
			Job:       jobs.Job{Local: row.Local, Remote: row.Remote, Command: jobs.Command(row.Command)},
			Started:   started,
			Finished:  finished,
			Created:   row.Created,
			Updated:   row.Updated,
			Deleted:   row.Deleted,
			Unchanged: row.Unchanged,
			Failed:    row.Failed,
			Error:     row.Error,
		})
	}
	return records, nil
}
