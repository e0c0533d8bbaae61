package fallback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/illmade-knight/go-telemetry-relay/pkg/types"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS fallback_records (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL,
	payload     TEXT NOT NULL,
	reason      TEXT NOT NULL,
	enqueued_at TEXT NOT NULL
)`

const timeLayout = time.RFC3339Nano

// SQLiteStore keeps fallback records in a local SQLite database. Each Append is
// its own committed transaction with synchronous=FULL, so a returned nil means
// the row is on disk.
type SQLiteStore struct {
	db     *sql.DB
	insert *sql.Stmt
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite fallback store requires a path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create fallback directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// One writer keeps appends strictly ordered and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create fallback schema: %w", err)
	}
	insert, err := db.PrepareContext(ctx, `INSERT INTO fallback_records (id, payload, reason, enqueued_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare fallback insert: %w", err)
	}

	logger.Info().Str("path", path).Msg("SQLite fallback store opened.")
	return &SQLiteStore{
		db:     db,
		insert: insert,
		logger: logger.With().Str("component", "SQLiteFallbackStore").Logger(),
	}, nil
}

// Append inserts one record.
func (s *SQLiteStore) Append(ctx context.Context, record types.FallbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.insert.ExecContext(ctx, record.ID, record.Payload, record.Reason, record.EnqueuedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to insert fallback record %s: %w", record.ID, err)
	}
	s.logger.Debug().Str("record_id", record.ID).Str("reason", record.Reason).Msg("Fallback record stored.")
	return nil
}

// Count returns the number of stored records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fallback_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count fallback records: %w", err)
	}
	return n, nil
}

// Close releases the database. Further appends fail with ErrStoreClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.insert.Close()
	s.logger.Info().Msg("Closing SQLite fallback store...")
	return s.db.Close()
}
