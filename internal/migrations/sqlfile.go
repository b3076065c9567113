package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// SQLMigration is a migration backed by SQL text, typically loaded from
// embedded <version>_<description>.up.sql / .down.sql files.
type SQLMigration struct {
	version     int
	description string
	up          string
	down        string
	check       func(ctx context.Context, tx *sql.Tx) (bool, error)
}

// NewSQLMigration creates a migration from literal SQL. An empty down script
// makes the migration irreversible.
func NewSQLMigration(version int, description, up, down string) *SQLMigration {
	return &SQLMigration{version: version, description: description, up: up, down: down}
}

// WithCheck attaches a precondition to the migration and returns it.
func (m *SQLMigration) WithCheck(check func(ctx context.Context, tx *sql.Tx) (bool, error)) *SQLMigration {
	m.check = check
	return m
}

func (m *SQLMigration) Version() int        { return m.version }
func (m *SQLMigration) Description() string { return m.description }

func (m *SQLMigration) Upgrade(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, m.up); err != nil {
		return fmt.Errorf("executing up script: %w", err)
	}
	return nil
}

func (m *SQLMigration) Downgrade(ctx context.Context, tx *sql.Tx) error {
	if strings.TrimSpace(m.down) == "" {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.description, ErrIrreversible)
	}
	if _, err := tx.ExecContext(ctx, m.down); err != nil {
		return fmt.Errorf("executing down script: %w", err)
	}
	return nil
}

func (m *SQLMigration) CheckCanApply(ctx context.Context, tx *sql.Tx) (bool, error) {
	if m.check == nil {
		return true, nil
	}
	return m.check(ctx, tx)
}

// LoadSQL reads the SQL migrations in dir of fsys. Files follow the
// golang-migrate naming convention, e.g. 0004_seed_sync_metadata.up.sql.
// Down files are optional.
func LoadSQL(fsys fs.FS, dir string) ([]*SQLMigration, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("opening migration source %s: %w", dir, err)
	}
	defer src.Close()

	version, err := src.First()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading first migration: %w", err)
	}

	var out []*SQLMigration
	for {
		m, err := readSQLMigration(src, version)
		if err != nil {
			return nil, err
		}
		out = append(out, m)

		next, err := src.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("finding migration after %d: %w", version, err)
		}
		version = next
	}
	return out, nil
}

func readSQLMigration(src source.Driver, version uint) (*SQLMigration, error) {
	r, identifier, err := src.ReadUp(version)
	if err != nil {
		return nil, fmt.Errorf("reading up script for %d: %w", version, err)
	}
	up, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, fmt.Errorf("reading up script for %d: %w", version, err)
	}

	var down []byte
	r, _, err = src.ReadDown(version)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading down script for %d: %w", version, err)
	default:
		down, err = io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("reading down script for %d: %w", version, err)
		}
	}

	return &SQLMigration{
		version:     int(version),
		description: strings.ReplaceAll(identifier, "_", " "),
		up:          string(up),
		down:        string(down),
	}, nil
}

var (
	_ Migration = (*SQLMigration)(nil)
	_ Checker   = (*SQLMigration)(nil)
)
