// Package history keeps an append-only upload log on disk so the front end
// can recover links after a crash or re-open. It is bookkeeping only: a
// history write failure never fails the job it records.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

type Entry struct {
	JobID         string    `json:"job_id"`
	Service       string    `json:"service"`
	File          string    `json:"file"`
	Status        string    `json:"status"`
	Message       string    `json:"message,omitempty"`
	ViewerURL     string    `json:"viewer_url,omitempty"`
	ThumbURL      string    `json:"thumb_url,omitempty"`
	Checksum      string    `json:"checksum,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Open opens (and creates if needed) the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, `
CREATE TABLE IF NOT EXISTS upload_log (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id         TEXT NOT NULL,
  service        TEXT NOT NULL,
  file           TEXT NOT NULL,
  status         TEXT NOT NULL,
  message        TEXT,
  viewer_url     TEXT,
  thumb_url      TEXT,
  checksum       TEXT,
  correlation_id TEXT,
  created_at     TEXT NOT NULL,
  completed_at   TEXT NOT NULL
);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap upload_log: %w", err)
	}
	if _, err := db.ExecContext(pctx,
		`CREATE INDEX IF NOT EXISTS idx_upload_log_file ON upload_log(file, completed_at);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap upload_log index: %w", err)
	}

	return &Store{db: db}, nil
}

// Record appends one terminal job outcome.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.JobID == "" {
		return fmt.Errorf("job id is empty")
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO upload_log(
  job_id, service, file, status, message, viewer_url, thumb_url, checksum,
  correlation_id, created_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.JobID, e.Service, e.File, e.Status, e.Message, e.ViewerURL, e.ThumbURL,
		e.Checksum, e.CorrelationID,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert upload_log: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT job_id, service, file, status, message, viewer_url, thumb_url, checksum,
       correlation_id, created_at, completed_at
FROM upload_log
ORDER BY id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query upload_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdS, completedS string
		if err := rows.Scan(&e.JobID, &e.Service, &e.File, &e.Status, &e.Message,
			&e.ViewerURL, &e.ThumbURL, &e.Checksum, &e.CorrelationID,
			&createdS, &completedS); err != nil {
			return nil, fmt.Errorf("scan upload_log: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
			e.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, completedS); err == nil {
			e.CompletedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
