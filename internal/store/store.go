// Package store persists documents in SQLite: one row of metadata per
// document and an append-only log of encoded substrate updates, compacted
// into a single snapshot once it grows past a threshold.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DatabaseFile is the file name of the store inside its data directory.
const DatabaseFile = "docsync.db"

// DefaultCompactAfter is the update-log length that triggers compaction.
const DefaultCompactAfter = 200

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Options configure a Store.
type Options struct {
	// CompactAfter is the number of logged updates after which a document's
	// log is replaced by one snapshot. Zero means DefaultCompactAfter.
	CompactAfter int
	Logger       *slog.Logger
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Store is a SQLite-backed document store.
type Store struct {
	mu           sync.RWMutex
	db           *sql.DB
	path         string
	compactAfter int
	logger       *slog.Logger
	now          func() time.Time
}

// Open opens or creates the store in dataDir.
func Open(dataDir string, opts Options) (*Store, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	path := filepath.Join(dataDir, DatabaseFile)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// A single connection keeps writes serialized and pragmas in effect.
	db.SetMaxOpenConns(1)
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing schema: %w", err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	compactAfter := opts.CompactAfter
	if compactAfter <= 0 {
		compactAfter = DefaultCompactAfter
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:           db,
		path:         path,
		compactAfter: compactAfter,
		logger:       logger.With("component", "store", "path", path),
		now:          now,
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// conn returns the open database or ErrClosed. The caller holds s.mu.
func (s *Store) conn() (*sql.DB, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
