// Package migrations implements versioned, transactional schema evolution for the
// SQLite stores. Each store registers its migrations with an Engine; the engine keeps
// an append-only ledger in the migration_history table of the same database.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one versioned schema change.
type Migration interface {
	Version() int
	Description() string
	Upgrade(ctx context.Context, tx *sql.Tx) error
	Downgrade(ctx context.Context, tx *sql.Tx) error
}

// Checker is implemented by migrations whose preconditions may not hold, for
// example when the schema already has the change or a table does not exist yet.
// Migrations that do not implement it are always applicable.
type Checker interface {
	CheckCanApply(ctx context.Context, tx *sql.Tx) (bool, error)
}

// Func adapts plain functions to the Migration interface.
type Func struct {
	V     int
	Desc  string
	Up    func(ctx context.Context, tx *sql.Tx) error
	Down  func(ctx context.Context, tx *sql.Tx) error
	Check func(ctx context.Context, tx *sql.Tx) (bool, error)
}

func (f *Func) Version() int        { return f.V }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Upgrade(ctx context.Context, tx *sql.Tx) error {
	if f.Up == nil {
		return nil
	}
	return f.Up(ctx, tx)
}

func (f *Func) Downgrade(ctx context.Context, tx *sql.Tx) error {
	if f.Down == nil {
		return fmt.Errorf("migration %d (%s): %w", f.V, f.Desc, ErrIrreversible)
	}
	return f.Down(ctx, tx)
}

func (f *Func) CheckCanApply(ctx context.Context, tx *sql.Tx) (bool, error) {
	if f.Check == nil {
		return true, nil
	}
	return f.Check(ctx, tx)
}

// Record is one row of the migration ledger.
type Record struct {
	Version     int
	Description string
	AppliedAt   time.Time
	Success     bool
}

// Result summarizes one Migrate or Rollback call.
type Result struct {
	Applied    []int  // versions whose upgrade (or downgrade) ran
	Skipped    []int  // versions recorded without running because CheckCanApply was false
	BackupPath string // empty when no backup was taken
}

var (
	_ Migration = (*Func)(nil)
	_ Checker   = (*Func)(nil)
)
