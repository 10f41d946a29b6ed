// Package jobs runs archive ingestion in the background and keeps a
// pollable record of every run in SQLite.
package jobs

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/eteran/lightbox/internal/ingest"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

var ErrNotFound = errors.New("job not found")

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is the pollable record of one ingestion run.
type Job struct {
	ID        string          `json:"id"`
	Owner     string          `json:"-"`
	Filename  string          `json:"filename"`
	Status    Status          `json:"status"`
	Processed int             `json:"processed"`
	Total     int             `json:"total"`
	Summary   *ingest.Summary `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists jobs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// initSchema applies every embedded migration in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// OpenStore opens (creating if needed) the SQLite database at path. Jobs
// left pending or processing by a previous process are marked failed.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("jobs database path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create jobs data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Serialize writers; progress updates come from many goroutines.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}

	res, err := db.ExecContext(ctx,
		`UPDATE ingest_jobs SET status = ?, error = ?, updated_at = ? WHERE status IN (?, ?)`,
		StatusFailed, "interrupted by restart", s.now(), StatusPending, StatusProcessing,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("Marked interrupted ingestion jobs as failed", "count", n)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, job *Job) error {
	now := s.now()
	job.Status = StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_jobs (id, owner, filename, status, processed, total, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?, ?)`,
		job.ID, job.Owner, job.Filename, job.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET status = ?, updated_at = ? WHERE id = ?`,
		StatusProcessing, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, id string, processed int, total int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET processed = ?, total = ?, updated_at = ? WHERE id = ?`,
		processed, total, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("update job %s progress: %w", id, err)
	}
	return nil
}

// Finish records the final status. summary may be nil when ingestion never
// started.
func (s *Store) Finish(ctx context.Context, id string, status Status, summary *ingest.Summary, errMsg string) error {
	var summaryJSON sql.NullString
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("encode job %s summary: %w", id, err)
		}
		summaryJSON = sql.NullString{String: string(b), Valid: true}
	}

	var errText sql.NullString
	if errMsg != "" {
		errText = sql.NullString{String: errMsg, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET status = ?, summary = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, summaryJSON, errText, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	return nil
}

// Get returns the job if it belongs to owner. Jobs of other owners are
// reported as not found.
func (s *Store) Get(ctx context.Context, owner string, id string) (*Job, error) {
	var (
		job         Job
		summaryJSON sql.NullString
		errText     sql.NullString
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, filename, status, processed, total, summary, error, created_at, updated_at
		 FROM ingest_jobs WHERE id = ? AND owner = ?`,
		id, owner,
	).Scan(&job.ID, &job.Owner, &job.Filename, &job.Status, &job.Processed, &job.Total, &summaryJSON, &errText, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job %s: %w", id, err)
	}

	if summaryJSON.Valid {
		job.Summary = &ingest.Summary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), job.Summary); err != nil {
			return nil, fmt.Errorf("decode job %s summary: %w", id, err)
		}
	}
	job.Error = errText.String

	return &job, nil
}
