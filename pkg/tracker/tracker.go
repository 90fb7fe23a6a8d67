package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/preflight/pkg/models"
)

// Tracker records and queries budget consumption history.
type Tracker interface {
	// Record stores a consumption record.
	Record(ctx context.Context, rec models.ConsumptionRecord) error
	// History returns records on or after the given UTC day, newest first.
	History(ctx context.Context, since string) ([]models.ConsumptionRecord, error)
	// Daily returns per-day totals on or after the given UTC day, newest first.
	Daily(ctx context.Context, since string) ([]models.DailyUsage, error)
	// Prune deletes records for days before the given UTC day.
	Prune(ctx context.Context, before string) (int64, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS consumption_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	day TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	planned INTEGER NOT NULL,
	used_after INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_consumption_day ON consumption_records(day);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create tracker db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores a consumption record.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.ConsumptionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO consumption_records (day, run_id, planned, used_after, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Date, rec.RunID, rec.Planned, rec.UsedAfter, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record consumption: %w", err)
	}
	return nil
}

// History returns consumption records since a given day.
func (t *SQLiteTracker) History(ctx context.Context, since string) ([]models.ConsumptionRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, day, run_id, planned, used_after, created_at
		 FROM consumption_records WHERE day >= ? ORDER BY id DESC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []models.ConsumptionRecord
	for rows.Next() {
		var r models.ConsumptionRecord
		if err := rows.Scan(&r.ID, &r.Date, &r.RunID, &r.Planned, &r.UsedAfter, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Daily returns aggregated consumption grouped by day.
func (t *SQLiteTracker) Daily(ctx context.Context, since string) ([]models.DailyUsage, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT day, COUNT(*), COALESCE(SUM(planned), 0)
		 FROM consumption_records WHERE day >= ? GROUP BY day ORDER BY day DESC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("daily usage: %w", err)
	}
	defer rows.Close()

	var days []models.DailyUsage
	for rows.Next() {
		var d models.DailyUsage
		if err := rows.Scan(&d.Date, &d.Runs, &d.Requests); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// Prune deletes records older than the given day.
func (t *SQLiteTracker) Prune(ctx context.Context, before string) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM consumption_records WHERE day < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
