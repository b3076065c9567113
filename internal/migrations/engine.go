package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"docstore/internal/docs"
)

// Latest is the target version meaning "every registered migration".
const Latest = 0

var migrationRunsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "docstore_migrations_total",
		Help: "Migrations executed, by direction and result.",
	},
	[]string{"direction", "result"},
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS migration_history (
	version     INTEGER PRIMARY KEY,
	description TEXT NOT NULL,
	applied_at  TIMESTAMP NOT NULL,
	success     BOOLEAN NOT NULL DEFAULT 1
)`

// BackupFunc copies the database before the engine changes it and returns the
// location of the copy.
type BackupFunc func(ctx context.Context) (string, error)

// Engine applies and reverts migrations against one database.
type Engine struct {
	db         *sql.DB
	migrations []Migration
	backup     BackupFunc
	logger     docs.Logger
	clock      docs.Clock

	mu sync.Mutex // serializes Migrate and Rollback
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackup sets the function used to back up the database before a batch.
// Without it no backup is taken.
func WithBackup(fn BackupFunc) Option {
	return func(e *Engine) { e.backup = fn }
}

// WithLogger sets the engine's logger.
func WithLogger(l docs.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the clock used for ledger timestamps.
func WithClock(c docs.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates an engine for db. Register migrations before calling Migrate.
func NewEngine(db *sql.DB, opts ...Option) *Engine {
	e := &Engine{
		db:     db,
		logger: docs.NewNopLogger(),
		clock:  docs.RealClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds migrations. They may be given in any order; the engine keeps
// them sorted by version.
func (e *Engine) Register(ms ...Migration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range ms {
		if m.Version() <= 0 {
			return fmt.Errorf("migration %q: version must be positive, got %d", m.Description(), m.Version())
		}
		for _, existing := range e.migrations {
			if existing.Version() == m.Version() {
				return fmt.Errorf("%w: %d (%q and %q)", ErrDuplicateVersion, m.Version(), existing.Description(), m.Description())
			}
		}
		e.migrations = append(e.migrations, m)
	}
	slices.SortFunc(e.migrations, func(a, b Migration) int { return a.Version() - b.Version() })
	return nil
}

// Migrations returns the registered migrations in ascending version order.
func (e *Engine) Migrations() []Migration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.migrations)
}

func (e *Engine) ensureLedger(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("creating migration_history table: %w", err)
	}
	return nil
}

// CurrentVersion returns the highest successfully applied version, or 0.
func (e *Engine) CurrentVersion(ctx context.Context) (int, error) {
	if err := e.ensureLedger(ctx); err != nil {
		return 0, err
	}
	var version int
	err := e.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM migration_history WHERE success = 1",
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading current schema version: %w", err)
	}
	return version, nil
}

// Pending returns the migrations newer than the current version, capped at
// target unless target is Latest.
func (e *Engine) Pending(ctx context.Context, target int) ([]Migration, error) {
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, m := range e.Migrations() {
		if m.Version() <= current {
			continue
		}
		if target != Latest && m.Version() > target {
			break
		}
		pending = append(pending, m)
	}
	return pending, nil
}

// Migrate applies pending migrations up to target in ascending order, each in
// its own transaction. The first failure rolls back that migration, records a
// failed ledger row and stops the batch.
func (e *Engine) Migrate(ctx context.Context, target int) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, m := range e.migrations {
		if m.Version() > current && (target == Latest || m.Version() <= target) {
			pending = append(pending, m)
		}
	}

	result := &Result{}
	if len(pending) == 0 {
		e.logger.Debug("schema up to date", "version", current)
		return result, nil
	}

	if e.backup != nil {
		path, err := e.backup(ctx)
		if err != nil {
			return nil, fmt.Errorf("backing up before migration: %w", err)
		}
		result.BackupPath = path
		e.logger.Info("database backed up", "path", path)
	}

	for _, m := range pending {
		applied, err := e.apply(ctx, m)
		if err != nil {
			migrationRunsTotal.WithLabelValues("upgrade", "failure").Inc()
			e.recordFailure(ctx, m)
			e.logger.Error("migration failed", "version", m.Version(), "description", m.Description(), "error", err)
			return result, &MigrationError{
				Version:     m.Version(),
				Description: m.Description(),
				Direction:   "upgrade",
				BackupPath:  result.BackupPath,
				Err:         err,
			}
		}
		migrationRunsTotal.WithLabelValues("upgrade", "success").Inc()
		if applied {
			result.Applied = append(result.Applied, m.Version())
			e.logger.Info("migration applied", "version", m.Version(), "description", m.Description())
		} else {
			result.Skipped = append(result.Skipped, m.Version())
			e.logger.Info("migration not applicable, recorded as applied", "version", m.Version(), "description", m.Description())
		}
	}
	return result, nil
}

// apply runs one migration inside a transaction. It reports false when the
// migration's precondition check declined it.
func (e *Engine) apply(ctx context.Context, m Migration) (applied bool, err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			applied, err = false, fmt.Errorf("panic: %v", p)
		}
	}()
	defer tx.Rollback()

	applied = true
	if c, ok := m.(Checker); ok {
		applied, err = c.CheckCanApply(ctx, tx)
		if err != nil {
			return false, fmt.Errorf("checking preconditions: %w", err)
		}
	}
	if applied {
		if err := m.Upgrade(ctx, tx); err != nil {
			return false, err
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO migration_history (version, description, applied_at, success) VALUES (?, ?, ?, 1)",
		m.Version(), m.Description(), e.clock.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("recording migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return applied, nil
}

// recordFailure writes a failed ledger row outside the rolled-back transaction.
func (e *Engine) recordFailure(ctx context.Context, m Migration) {
	_, err := e.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO migration_history (version, description, applied_at, success) VALUES (?, ?, ?, 0)",
		m.Version(), m.Description(), e.clock.Now().UTC(),
	)
	if err != nil {
		e.logger.Error("recording migration failure", "version", m.Version(), "error", err)
	}
}

// Rollback reverts applied migrations newer than target, newest first. Each
// downgrade runs in its own transaction together with the removal of its
// ledger row.
func (e *Engine) Rollback(ctx context.Context, target int) (*Result, error) {
	if target < 0 {
		return nil, fmt.Errorf("rollback target must not be negative, got %d", target)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureLedger(ctx); err != nil {
		return nil, err
	}
	applied, err := e.history(ctx, true)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[int]Migration, len(e.migrations))
	for _, m := range e.migrations {
		byVersion[m.Version()] = m
	}

	var toRevert []Migration
	for i := len(applied) - 1; i >= 0; i-- {
		rec := applied[i]
		if rec.Version <= target {
			break
		}
		m, ok := byVersion[rec.Version]
		if !ok {
			return nil, fmt.Errorf("migration %d is recorded as applied but not registered", rec.Version)
		}
		toRevert = append(toRevert, m)
	}

	result := &Result{}
	if len(toRevert) == 0 {
		return result, nil
	}

	if e.backup != nil {
		path, err := e.backup(ctx)
		if err != nil {
			return nil, fmt.Errorf("backing up before rollback: %w", err)
		}
		result.BackupPath = path
		e.logger.Info("database backed up", "path", path)
	}

	for _, m := range toRevert {
		if err := e.revert(ctx, m); err != nil {
			migrationRunsTotal.WithLabelValues("downgrade", "failure").Inc()
			e.logger.Error("rollback failed", "version", m.Version(), "description", m.Description(), "error", err)
			return result, &MigrationError{
				Version:     m.Version(),
				Description: m.Description(),
				Direction:   "downgrade",
				BackupPath:  result.BackupPath,
				Err:         err,
			}
		}
		migrationRunsTotal.WithLabelValues("downgrade", "success").Inc()
		result.Applied = append(result.Applied, m.Version())
		e.logger.Info("migration reverted", "version", m.Version(), "description", m.Description())
	}
	return result, nil
}

func (e *Engine) revert(ctx context.Context, m Migration) (err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	defer tx.Rollback()

	if err := m.Downgrade(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM migration_history WHERE version = ?", m.Version()); err != nil {
		return fmt.Errorf("removing ledger row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// History returns the successfully applied migrations in version order.
func (e *Engine) History(ctx context.Context) ([]Record, error) {
	if err := e.ensureLedger(ctx); err != nil {
		return nil, err
	}
	return e.history(ctx, true)
}

// Failures returns ledger rows of migrations whose last attempt failed.
func (e *Engine) Failures(ctx context.Context) ([]Record, error) {
	if err := e.ensureLedger(ctx); err != nil {
		return nil, err
	}
	return e.history(ctx, false)
}

func (e *Engine) history(ctx context.Context, success bool) ([]Record, error) {
	rows, err := e.db.QueryContext(ctx,
		"SELECT version, description, applied_at, success FROM migration_history WHERE success = ? ORDER BY version",
		success,
	)
	if err != nil {
		return nil, fmt.Errorf("reading migration history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Version, &r.Description, &r.AppliedAt, &r.Success); err != nil {
			return nil, fmt.Errorf("scanning migration history: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading migration history: %w", err)
	}
	return records, nil
}
