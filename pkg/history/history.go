// Package history keeps the conversion ledger: one row per completed
// job, hit or miss, success or failure.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/penguin-orz/datamax2/pkg/models"
)

// Ledger records and queries conversion outcomes.
type Ledger interface {
	// Record stores one conversion outcome.
	Record(ctx context.Context, rec models.ConversionRecord) error
	// Recent returns the newest records, up to limit.
	Recent(ctx context.Context, limit int) ([]models.ConversionRecord, error)
	// Summary returns aggregates grouped by format pair, optionally
	// filtered to one source format.
	Summary(ctx context.Context, sourceFormat string) ([]models.ConversionSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteLedger implements Ledger with a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS conversions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	source_format TEXT NOT NULL,
	target_format TEXT NOT NULL,
	status TEXT NOT NULL,
	cache_hit INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	bytes_in INTEGER NOT NULL DEFAULT 0,
	bytes_out INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_conversions_formats ON conversions(source_format, target_format);
CREATE INDEX IF NOT EXISTS idx_conversions_time ON conversions(created_at);
`

// New creates a SQLiteLedger and runs auto-migration.
func New(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// Record stores one conversion outcome.
func (l *SQLiteLedger) Record(ctx context.Context, rec models.ConversionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO conversions (job_id, fingerprint, source_format, target_format, status, cache_hit, duration_ms, bytes_in, bytes_out, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Fingerprint, rec.SourceFormat, rec.TargetFormat, string(rec.Status),
		rec.CacheHit, rec.DurationMs, rec.BytesIn, rec.BytesOut, rec.Error, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record conversion: %w", err)
	}
	return nil
}

// Recent returns the newest records, up to limit.
func (l *SQLiteLedger) Recent(ctx context.Context, limit int) ([]models.ConversionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, job_id, fingerprint, source_format, target_format, status, cache_hit, duration_ms, bytes_in, bytes_out, error, created_at
		 FROM conversions ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []models.ConversionRecord
	for rows.Next() {
		var r models.ConversionRecord
		var status string
		if err := rows.Scan(&r.ID, &r.JobID, &r.Fingerprint, &r.SourceFormat, &r.TargetFormat,
			&status, &r.CacheHit, &r.DurationMs, &r.BytesIn, &r.BytesOut, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.Status = models.JobState(status)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summary returns aggregates grouped by format pair.
func (l *SQLiteLedger) Summary(ctx context.Context, sourceFormat string) ([]models.ConversionSummary, error) {
	query := `SELECT source_format, target_format, COUNT(*),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END),
			AVG(duration_ms), COALESCE(SUM(bytes_out), 0)
		 FROM conversions`
	args := []any{string(models.JobFailed)}
	if sourceFormat != "" {
		query += ` WHERE source_format = ?`
		args = append(args, sourceFormat)
	}
	query += ` GROUP BY source_format, target_format ORDER BY source_format, target_format`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.ConversionSummary
	for rows.Next() {
		var s models.ConversionSummary
		if err := rows.Scan(&s.SourceFormat, &s.TargetFormat, &s.Count, &s.Failures,
			&s.CacheHits, &s.AvgMs, &s.TotalBytes); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Close releases the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
