package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store is the local structured store for accounts, folders, emails, and
// sync cursors. It is the only shared mutable resource in the sync core;
// cursor-writing operations require the folder lock (LockFolder) so two
// overlapping passes for the same folder cannot interleave merges and
// corrupt the watermark.
type Store struct {
	db     *sqlx.DB
	logger *logrus.Logger

	mu          sync.Mutex
	folderLocks map[int64]*sync.Mutex
}

// Open opens (or creates) the SQLite database at dbPath, enables WAL mode,
// and applies pending schema migrations.
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	applied, err := migrate.Exec(db.DB, "sqlite3", migrationSource, migrate.Up)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.WithFields(logrus.Fields{"path": dbPath, "migrations": applied}).Info("Store opened")

	return &Store{
		db:          db,
		logger:      logger,
		folderLocks: make(map[int64]*sync.Mutex),
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LockFolder acquires the single-writer lock for a folder's cursor row and
// returns the release function. Sync passes hold it for the duration of one
// folder's merge sequence.
func (s *Store) LockFolder(folderID int64) func() {
	s.mu.Lock()
	l, ok := s.folderLocks[folderID]
	if !ok {
		l = &sync.Mutex{}
		s.folderLocks[folderID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// timeFormat is the column encoding for timestamps.
const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
