// Package persist offers best-effort durability for core state: a
// versioned snapshot blob saved and restored across process restarts.
// Absence is normal, a version mismatch or a stale save is rejected,
// and callers are expected to carry on from scratch when Load fails.
package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

var (
	// ErrNoSnapshot means nothing was ever saved.
	ErrNoSnapshot = errors.New("no snapshot saved")

	// ErrVersionMismatch means the saved snapshot belongs to another
	// schema version and must not be restored.
	ErrVersionMismatch = errors.New("snapshot version mismatch")

	// ErrSnapshotStale means the saved snapshot outlived its shelf life.
	ErrSnapshotStale = errors.New("snapshot too old")
)

// MaxSnapshotAge is how long a saved snapshot stays restorable.
const MaxSnapshotAge = 24 * time.Hour

// Snapshot is one versioned state blob.
type Snapshot struct {
	Version int
	SavedAt time.Time
	Blob    []byte
}

// Store saves and restores snapshots.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, version int) (Snapshot, error)
	Close() error
}

// SQLiteStore keeps the latest snapshot in a single-row SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	maxAge time.Duration
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the snapshot database at path.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("busy_timeout pragma failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("journal_mode pragma failed", zap.Error(err))
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS snapshots (
			id       INTEGER PRIMARY KEY CHECK (id = 1),
			version  INTEGER NOT NULL,
			saved_at INTEGER NOT NULL,
			blob     BLOB NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize snapshot schema: %w", err)
	}

	return &SQLiteStore{db: db, maxAge: MaxSnapshotAge, logger: logger}, nil
}

// Save replaces the stored snapshot. A zero SavedAt is stamped with
// the current time.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, version, saved_at, blob) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version,
			saved_at = excluded.saved_at, blob = excluded.blob`,
		snap.Version, savedAt.UnixMilli(), snap.Blob)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug("snapshot saved",
		zap.Int("version", snap.Version),
		zap.Int("bytes", len(snap.Blob)))
	return nil
}

// Load returns the stored snapshot if it matches the expected version
// and is younger than the shelf life.
func (s *SQLiteStore) Load(ctx context.Context, version int) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, saved_at, blob FROM snapshots WHERE id = 1`)

	var snap Snapshot
	var savedAt int64
	if err := row.Scan(&snap.Version, &savedAt, &snap.Blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrNoSnapshot
		}
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	snap.SavedAt = time.UnixMilli(savedAt)

	if snap.Version != version {
		return Snapshot{}, fmt.Errorf("%w: saved %d, want %d", ErrVersionMismatch, snap.Version, version)
	}
	if age := time.Since(snap.SavedAt); age > s.maxAge {
		return Snapshot{}, fmt.Errorf("%w: saved %s ago", ErrSnapshotStale, age.Round(time.Minute))
	}
	return snap, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
