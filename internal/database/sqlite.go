package database

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// JournalMode selects SQLite's journaling strategy for a store.
type JournalMode string

const (
	// JournalWAL lets readers proceed while a writer is active. Used for the
	// read-heavy metadata store.
	JournalWAL JournalMode = "WAL"
	// JournalDelete is the classic rollback journal. Used for small stores with
	// rapid tiny writes (locks), where WAL files have been seen to corrupt.
	JournalDelete JournalMode = "DELETE"
)

// ParseJournalMode maps a config value ("wal", "delete", "") to a JournalMode.
func ParseJournalMode(s string) (JournalMode, error) {
	switch strings.ToLower(s) {
	case "", "wal":
		return JournalWAL, nil
	case "delete":
		return JournalDelete, nil
	}
	return "", fmt.Errorf("unknown journal mode: %q", s)
}

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

// connectionString builds a go-sqlite3 DSN that applies the PRAGMAs to every
// connection the driver opens, not only the first one.
// In-memory databases use a uniquely named memdb so that all pooled
// connections see the same data.
func connectionString(path string, mode JournalMode, busy time.Duration, immediate bool) string {
	q := url.Values{}
	q.Set("_foreign_keys", "1")
	q.Set("_busy_timeout", strconv.FormatInt(busy.Milliseconds(), 10))
	q.Set("_journal_mode", string(mode))
	q.Set("_synchronous", "NORMAL")
	if immediate {
		q.Set("_txlock", "immediate")
	}

	if path == MemoryPath {
		// A leading slash shares the memdb database between all connections
		// of this process. Unlike shared-cache mode it takes ordinary
		// database locks, so writers wait out the busy timeout.
		q.Set("vfs", "memdb")
		q.Del("_journal_mode")
		return "file:/mem-" + uuid.New().String() + "?" + q.Encode()
	}
	return "file:" + path + "?" + q.Encode()
}

// OpenConnection opens a *sql.DB with the standard docstore PRAGMAs.
// This is exported for tools and tests that need a configured SQLite handle
// without the pool or schema management.
func OpenConnection(path string, mode JournalMode) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", connectionString(path, mode, 5*time.Second, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// IsTransient reports whether err is a contention or I/O error worth retrying.
func IsTransient(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
		return true
	}
	return false
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
