// Package jobstore keeps job progress and log lines in SQLite or Redis. The
// queue backend owns job state; this store only holds what workers report
// while a job runs.
package jobstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// LogLine is one line logged by a job.
type LogLine struct {
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists job progress and logs.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the store at path and applies the schema. An empty path opens a
// private in-memory database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if strings.TrimSpace(path) != "" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database alive.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func checkKey(queue, jobID string) error {
	if strings.TrimSpace(queue) == "" {
		return fmt.Errorf("queue is required")
	}
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("job id is required")
	}
	return nil
}

// SetProgress records progress (0-100) for a job.
func (s *Store) SetProgress(ctx context.Context, queue, jobID string, progress int) error {
	if err := checkKey(queue, jobID); err != nil {
		return err
	}
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress %d out of range", progress)
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO job_progress (queue, job_id, progress, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (queue, job_id) DO UPDATE SET
		   progress = excluded.progress,
		   updated_at = excluded.updated_at`,
		queue, jobID, progress, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// Progress returns the last recorded progress. ok is false when the job never
// reported any.
func (s *Store) Progress(ctx context.Context, queue, jobID string) (progress int, ok bool, err error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT progress FROM job_progress WHERE queue = ? AND job_id = ?`,
		queue, jobID,
	)
	if err := row.Scan(&progress); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get progress: %w", err)
	}
	return progress, true, nil
}

// AppendLog appends one line to a job's log.
func (s *Store) AppendLog(ctx context.Context, queue, jobID, line string) error {
	if err := checkKey(queue, jobID); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO job_logs (queue, job_id, line, created_at) VALUES (?, ?, ?, ?)`,
		queue, jobID, line, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// Logs returns up to limit of the most recent lines, oldest first. A limit
// <= 0 returns every line.
func (s *Store) Logs(ctx context.Context, queue, jobID string, limit int) ([]LogLine, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT line, created_at FROM (
		   SELECT id, line, created_at FROM job_logs
		   WHERE queue = ? AND job_id = ?
		   ORDER BY id DESC
		   LIMIT ?
		 ) ORDER BY id ASC`,
		queue, jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	lines := []LogLine{}
	for rows.Next() {
		var (
			l  LogLine
			ms int64
		)
		if err := rows.Scan(&l.Line, &ms); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		l.CreatedAt = fromMillis(ms)
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}
	return lines, nil
}

// DeleteJob drops everything recorded for one job.
func (s *Store) DeleteJob(ctx context.Context, queue, jobID string) error {
	return s.deleteWhere(ctx, `queue = ? AND job_id = ?`, queue, jobID)
}

// DeleteQueue drops everything recorded for a queue.
func (s *Store) DeleteQueue(ctx context.Context, queue string) error {
	return s.deleteWhere(ctx, `queue = ?`, queue)
}

func (s *Store) deleteWhere(ctx context.Context, where string, args ...any) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"job_progress", "job_logs"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+where, args...); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
