package claim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/preflight/pkg/models"
)

// SQLiteStore keeps claims and markers in a shared SQLite database. Acquire is
// a conditional insert, so it behaves like exclusive-create across processes.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

const createClaimTables = `
CREATE TABLE IF NOT EXISTS claims (
	key TEXT PRIMARY KEY,
	holder_id TEXT NOT NULL,
	host TEXT NOT NULL,
	pid INTEGER NOT NULL,
	acquired_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS markers (
	key TEXT PRIMARY KEY,
	done_at DATETIME NOT NULL
);
`

// NewSQLiteStore opens (or creates) the database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create claim db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open claim db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createClaimTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate claim db: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath, now: time.Now}, nil
}

// Location implements Claimer.
func (s *SQLiteStore) Location(key string) string {
	return s.path + "#claims/" + key
}

// Acquire inserts the claim row unless one already exists.
func (s *SQLiteStore) Acquire(ctx context.Context, key string) error {
	h := newHolder(key, s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO claims (key, holder_id, host, pid, acquired_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		key, h.HolderID, h.Host, h.PID, h.AcquiredAt,
	)
	if err != nil {
		return fmt.Errorf("acquire claim %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire claim %q: %w", key, err)
	}
	if n == 0 {
		return ErrHeld
	}
	return nil
}

// Release deletes the claim row.
func (s *SQLiteStore) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE key = ?`, key); err != nil {
		return fmt.Errorf("release claim %q: %w", key, err)
	}
	return nil
}

// Inspect returns the holder row for key.
func (s *SQLiteStore) Inspect(ctx context.Context, key string) (models.ClaimInfo, error) {
	info := models.ClaimInfo{Key: key, Location: s.Location(key)}
	err := s.db.QueryRowContext(ctx,
		`SELECT holder_id, host, pid, acquired_at FROM claims WHERE key = ?`, key,
	).Scan(&info.HolderID, &info.Host, &info.PID, &info.AcquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ClaimInfo{}, ErrNotHeld
	}
	if err != nil {
		return models.ClaimInfo{}, fmt.Errorf("inspect claim %q: %w", key, err)
	}
	return info, nil
}

// Done reports whether a marker row exists.
func (s *SQLiteStore) Done(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM markers WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check marker %q: %w", key, err)
	}
	return n > 0, nil
}

// MarkDone inserts the marker row. Marking twice keeps the first timestamp.
func (s *SQLiteStore) MarkDone(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO markers (key, done_at) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		key, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("write marker %q: %w", key, err)
	}
	return nil
}

// ClearDone deletes the marker row.
func (s *SQLiteStore) ClearDone(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM markers WHERE key = ?`, key); err != nil {
		return fmt.Errorf("clear marker %q: %w", key, err)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
