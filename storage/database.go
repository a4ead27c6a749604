package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "chat.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS contacts (
  contact_id      INTEGER PRIMARY KEY AUTOINCREMENT,
  address         TEXT NOT NULL UNIQUE,
  name            TEXT NOT NULL DEFAULT '',
  public_key      BLOB,
  key_fingerprint TEXT NOT NULL DEFAULT '',
  status          TEXT CHECK(status IN ('unknown','trusted','blocked')) DEFAULT 'unknown',
  added_timestamp INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id        INTEGER PRIMARY KEY AUTOINCREMENT,
  chat_id           INTEGER NOT NULL,
  protocol_id       TEXT NOT NULL,
  direction         TEXT NOT NULL CHECK(direction IN ('in','out')),
  status            TEXT NOT NULL CHECK(status IN ('in','pending','sent','received','error')),
  contact_id        INTEGER NOT NULL DEFAULT 0,
  address           TEXT NOT NULL DEFAULT '',
  receipt_id        TEXT NOT NULL DEFAULT '',
  created_timestamp INTEGER NOT NULL,
  server_timestamp  INTEGER,
  content_text      TEXT NOT NULL DEFAULT '',
  attachment        BLOB,
  encryption        TEXT NOT NULL,
  signing           TEXT NOT NULL,
  coder_errors      BLOB,
  error_condition   TEXT,
  error_text        TEXT,
  UNIQUE (protocol_id, direction)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_chat_time
ON messages (chat_id, created_timestamp, message_id);
`,
	`
CREATE TABLE IF NOT EXISTS transmissions (
  transmission_id    INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id         INTEGER NOT NULL REFERENCES messages(message_id) ON DELETE CASCADE,
  contact_id         INTEGER NOT NULL,
  address            TEXT NOT NULL,
  received_timestamp INTEGER,
  UNIQUE (message_id, contact_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transmissions_message
ON transmissions (message_id, transmission_id);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type      TEXT NOT NULL,
  contact_address TEXT,
  details         TEXT NOT NULL,
  severity        TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp       INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_type
ON security_events (event_type, timestamp DESC, id DESC);
`,
}

// Store persists conversations, contacts and the security audit log in
// SQLite. It implements models.Persister and chat.Store.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	retention time.Duration

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open opens (or creates) chat.db under dataDir.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the database at dbPath, migrates the schema and starts the
// maintenance loop.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:        db,
		retention: DefaultSecurityEventRetention,
		stop:      make(chan struct{}),
	}
	for _, step := range []func() error{db.Ping, store.enableWALMode, store.migrate, store.checkpointWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	store.wg.Add(1)
	go store.maintain(DefaultWALCheckpointInterval)
	return store, nil
}

// Close stops maintenance and closes the database. It is safe to call more
// than once.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// migrate applies the migrations newer than PRAGMA user_version in one
// transaction.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range migrations[version:] {
		n := version + i + 1
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", n, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", n)); err != nil {
			return fmt.Errorf("set schema version %d: %w", n, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// maintain truncates the WAL and prunes expired audit events every interval.
func (s *Store) maintain(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.checkpointWAL()
			_, _ = s.pruneExpired()
		}
	}
}
