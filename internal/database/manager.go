// Package database manages the file-backed SQLite stores: pooled connections,
// scoped transactions, and first-use schema setup (base tables plus migrations)
// guarded by a cross-process lock on the database file.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"docstore/internal/docs"
	"docstore/internal/encryption"
	"docstore/internal/migrations"
)

// ErrClosed is returned when a closed Manager is used.
var ErrClosed = errors.New("database closed")

// Schema describes the tables a store owns.
type Schema struct {
	Name       string                 // short store name used in logs and backup file names
	Base       string                 // idempotent DDL run before migrations
	Migrations []migrations.Migration // applied in version order after Base
}

// Options configures a Manager.
type Options struct {
	Path        string // database file, or MemoryPath
	JournalMode JournalMode
	PoolSize    int           // defaults to 8
	BusyTimeout time.Duration // defaults to 5s

	// ImmediateTx makes every transaction take SQLite's write lock at BEGIN,
	// so read-then-write sequences cannot interleave with another writer.
	ImmediateTx bool

	Schema Schema

	BackupDir  string               // defaults to <dir of Path>/backups
	SkipBackup bool                 // no copy before migrations (tests)
	Sealer     encryption.Sealer // seals backups when set

	InitLockTimeout time.Duration // defaults to 30s

	Logger docs.Logger
	Clock  docs.Clock
}

func (o *Options) setDefaults() {
	if o.PoolSize <= 0 {
		o.PoolSize = 8
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.JournalMode == "" {
		o.JournalMode = JournalWAL
	}
	if o.InitLockTimeout <= 0 {
		o.InitLockTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = docs.NewNopLogger()
	}
	if o.Clock == nil {
		o.Clock = docs.RealClock{}
	}
	if o.BackupDir == "" && o.Path != MemoryPath {
		o.BackupDir = filepath.Join(filepath.Dir(o.Path), "backups")
	}
}

// Manager owns one SQLite database: a bounded pool of connections and the
// migration engine for its schema.
type Manager struct {
	opts   Options
	db     *sql.DB
	engine *migrations.Engine

	pool  chan *sql.Conn
	freed chan struct{} // signalled when a discarded connection frees a slot
	done  chan struct{} // closed by Close

	mu     sync.Mutex
	open   int // connections created for the pool
	closed bool

	initOnce sync.Once
	initErr  error
}

// Open opens the database at opts.Path and makes sure its schema is current.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	opts.setDefaults()

	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if opts.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", connectionString(opts.Path, opts.JournalMode, opts.BusyTimeout, opts.ImmediateTx))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	m := &Manager{
		opts: opts,
		db:   db,
		pool:  make(chan *sql.Conn, opts.PoolSize),
		freed: make(chan struct{}, opts.PoolSize),
		done:  make(chan struct{}),
	}

	engineOpts := []migrations.Option{
		migrations.WithLogger(opts.Logger),
		migrations.WithClock(opts.Clock),
	}
	if !opts.SkipBackup && opts.Path != MemoryPath {
		engineOpts = append(engineOpts, migrations.WithBackup(m.Backup))
	}
	m.engine = migrations.NewEngine(db, engineOpts...)
	if err := m.engine.Register(opts.Schema.Migrations...); err != nil {
		db.Close()
		return nil, fmt.Errorf("registering %s migrations: %w", opts.Schema.Name, err)
	}

	if err := m.ensureSchema(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// ensureSchema creates the base tables and applies pending migrations once per
// Manager. The work runs under the database file's init lock so that
// concurrent startups never race on CREATE TABLE or migrations.
func (m *Manager) ensureSchema(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.initErr = m.initialize(ctx)
	})
	return m.initErr
}

func (m *Manager) initialize(ctx context.Context) error {
	if m.opts.Path != MemoryPath {
		lock, err := acquireInitLock(m.opts.Path, m.opts.InitLockTimeout)
		if err != nil {
			return fmt.Errorf("locking %s for schema setup: %w", m.opts.Schema.Name, err)
		}
		defer lock.release()
	}

	if m.opts.Schema.Base != "" {
		if _, err := m.db.ExecContext(ctx, m.opts.Schema.Base); err != nil {
			return fmt.Errorf("creating %s base schema: %w", m.opts.Schema.Name, err)
		}
	}

	res, err := m.engine.Migrate(ctx, migrations.Latest)
	if err != nil {
		return fmt.Errorf("migrating %s schema: %w", m.opts.Schema.Name, err)
	}
	if len(res.Applied)+len(res.Skipped) > 0 {
		m.opts.Logger.Info("schema migrated",
			"store", m.opts.Schema.Name,
			"applied", res.Applied,
			"skipped", res.Skipped,
			"backup", res.BackupPath,
		)
	}
	return nil
}

// GetConnection checks a connection out of the pool for the duration of fn.
// On return the connection is rolled back if fn left a transaction open and
// then put back into the pool, whatever fn returned or panicked with.
func (m *Manager) GetConnection(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.checkout(ctx)
	if err != nil {
		return err
	}
	defer m.checkin(conn)

	return fn(conn)
}

// Transaction runs fn in a transaction on a pooled connection. The transaction
// commits when fn returns nil and rolls back when it returns an error or panics.
func (m *Manager) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return m.GetConnection(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	})
}

func (m *Manager) checkout(ctx context.Context) (*sql.Conn, error) {
	for {
		select {
		case c := <-m.pool:
			return m.claim(c)
		default:
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if m.open < m.opts.PoolSize {
			m.open++
			m.mu.Unlock()

			c, err := m.db.Conn(ctx)
			if err != nil {
				m.release()
				return nil, fmt.Errorf("opening connection: %w", err)
			}
			return c, nil
		}
		m.mu.Unlock()

		select {
		case c := <-m.pool:
			return m.claim(c)
		case <-m.freed:
			// A slot opened up; try to create a connection for it.
		case <-m.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for connection: %w", ctx.Err())
		}
	}
}

// claim hands out a pooled connection unless the Manager closed meanwhile.
func (m *Manager) claim(c *sql.Conn) (*sql.Conn, error) {
	select {
	case <-m.done:
		m.discard(c)
		return nil, ErrClosed
	default:
		return c, nil
	}
}

func (m *Manager) checkin(c *sql.Conn) {
	if err := rollbackIfOpen(c); err != nil {
		m.opts.Logger.Warn("discarding connection after failed rollback", "store", m.opts.Schema.Name, "error", err)
		m.discard(c)
		return
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		m.discard(c)
		return
	}
	// At most PoolSize connections exist, so this never blocks.
	m.pool <- c
}

func (m *Manager) discard(c *sql.Conn) {
	c.Close()
	m.release()
}

// release gives up a pool slot and wakes one waiter.
func (m *Manager) release() {
	m.mu.Lock()
	m.open--
	m.mu.Unlock()
	select {
	case m.freed <- struct{}{}:
	default:
	}
}

// rollbackIfOpen rolls back a transaction left open on the raw connection.
func rollbackIfOpen(c *sql.Conn) error {
	return c.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok || sc.AutoCommit() {
			return nil
		}
		_, err := sc.Exec("ROLLBACK", nil)
		return err
	})
}

// DB returns the underlying handle for callers that manage their own statements.
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Engine returns the store's migration engine.
func (m *Manager) Engine() *migrations.Engine {
	return m.engine
}

// Name returns the schema name of the store.
func (m *Manager) Name() string {
	return m.opts.Schema.Name
}

// Path returns the database file path (or MemoryPath).
func (m *Manager) Path() string {
	return m.opts.Path
}

// Clock returns the clock configured for the store.
func (m *Manager) Clock() docs.Clock {
	return m.opts.Clock
}

// Close closes pooled connections and the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)

	for {
		select {
		case c := <-m.pool:
			m.discard(c)
			continue
		default:
		}
		break
	}
	return m.db.Close()
}
