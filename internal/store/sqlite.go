package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailcore/internal/model"
)

// SQLiteStore implements Store and Snapshotter using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var (
	_ Store       = (*SQLiteStore)(nil)
	_ Snapshotter = (*SQLiteStore)(nil)
)

// jobRow mirrors the jobs table. Times are unix milliseconds so that
// ordering by next_attempt_at is numeric.
type jobRow struct {
	ID            int64  `db:"id"`
	Kind          string `db:"kind"`
	Payload       []byte `db:"payload"`
	Status        string `db:"status"`
	Attempts      int    `db:"attempts"`
	NextAttemptAt int64  `db:"next_attempt_at"`
	CreatedAt     int64  `db:"created_at"`
	LastError     string `db:"last_error"`
}

func (r jobRow) job() model.Job {
	return model.Job{
		ID:            r.ID,
		Kind:          model.JobKind(r.Kind),
		Payload:       r.Payload,
		Status:        model.JobStatus(r.Status),
		Attempts:      r.Attempts,
		NextAttemptAt: time.UnixMilli(r.NextAttemptAt),
		CreatedAt:     time.UnixMilli(r.CreatedAt),
		LastError:     r.LastError,
	}
}

const jobColumns = `id, kind, payload, status, attempts, next_attempt_at, created_at, last_error`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:"
	// databases from splitting across pool connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Insert persists a new pending job. A zero NextAttemptAt or CreatedAt is
// set to now.
func (s *SQLiteStore) Insert(ctx context.Context, job *model.Job) (int64, error) {
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.CreatedAt
	}
	if job.Status == "" {
		job.Status = model.JobPending
	}
	if job.Payload == nil {
		job.Payload = []byte{}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (kind, payload, status, attempts, next_attempt_at, created_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(job.Kind), job.Payload, string(job.Status), job.Attempts,
		job.NextAttemptAt.UnixMilli(), job.CreatedAt.UnixMilli(), job.LastError,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting %s job: %w", job.Kind, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading job id: %w", err)
	}
	job.ID = id
	return id, nil
}

// NextPending returns the earliest scheduled pending job.
func (s *SQLiteStore) NextPending(ctx context.Context) (*model.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending'
		ORDER BY next_attempt_at, id
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading next pending job: %w", err)
	}

	job := row.job()
	return &job, nil
}

// Update writes the mutable fields of job.
func (s *SQLiteStore) Update(ctx context.Context, job *model.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`,
		string(job.Status), job.Attempts, job.NextAttemptAt.UnixMilli(),
		job.LastError, job.ID,
	)
	if err != nil {
		return fmt.Errorf("updating job %d: %w", job.ID, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("updating job %d: %w", job.ID, ErrNotFound)
	}
	return nil
}

// Delete removes a job by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting job %d: %w", id, err)
	}
	return nil
}

// Get retrieves a single job by ID.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*model.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting job %d: %w", id, err)
	}

	job := row.job()
	return &job, nil
}

// List returns every stored job ordered by ID.
func (s *SQLiteStore) List(ctx context.Context) ([]model.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT "+jobColumns+" FROM jobs ORDER BY id"); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	jobs := make([]model.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.job())
	}
	return jobs, nil
}

// ResetInProgress returns in-progress jobs to pending.
func (s *SQLiteStore) ResetInProgress(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = 'pending' WHERE status = 'in_progress'")
	if err != nil {
		return 0, fmt.Errorf("resetting in-progress jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteKind removes all jobs of kind.
func (s *SQLiteStore) DeleteKind(ctx context.Context, kind model.JobKind) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE kind = ?", string(kind))
	if err != nil {
		return 0, fmt.Errorf("deleting %s jobs: %w", kind, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetConfig reads a config value.
func (s *SQLiteStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM config WHERE keyname = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading config %q: %w", key, err)
	}
	return value, true, nil
}

// SetConfig writes a config value.
func (s *SQLiteStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO config (keyname, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("writing config %q: %w", key, err)
	}
	return nil
}

// SetConfigs writes all values in one transaction.
func (s *SQLiteStore) SetConfigs(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		"INSERT OR REPLACE INTO config (keyname, value) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("preparing config statement: %w", err)
	}
	defer stmt.Close()

	for k, v := range values {
		if _, err := stmt.ExecContext(ctx, k, v); err != nil {
			return fmt.Errorf("writing config %q: %w", k, err)
		}
	}

	return tx.Commit()
}

// Export writes a consistent copy of the database to path.
func (s *SQLiteStore) Export(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("exporting backup: %s already exists", path)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("exporting backup to %s: %w", path, err)
	}
	return nil
}

// Restore replaces all jobs and configuration with the contents of the
// snapshot database at path.
func (s *SQLiteStore) Restore(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("restoring backup %s: %w", path, ErrNotFound)
	}

	conn, err := s.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS snap", path); err != nil {
		return fmt.Errorf("attaching snapshot %s: %w", path, err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), "DETACH DATABASE snap")

	var tables int
	err = conn.GetContext(ctx, &tables, `
		SELECT COUNT(*) FROM snap.sqlite_master
		WHERE type = 'table' AND name IN ('jobs', 'config')`)
	if err != nil {
		return fmt.Errorf("inspecting snapshot: %w", err)
	}
	if tables != 2 {
		return fmt.Errorf("restoring backup %s: not a mailcore snapshot", path)
	}

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		"DELETE FROM jobs",
		"INSERT INTO jobs (" + jobColumns + ") SELECT " + jobColumns + " FROM snap.jobs",
		"DELETE FROM config",
		"INSERT INTO config (keyname, value) SELECT keyname, value FROM snap.config",
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("restoring backup: %w", err)
		}
	}

	return tx.Commit()
}
