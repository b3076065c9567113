package migrations

import (
	"errors"
	"fmt"
)

var (
	// ErrIrreversible is returned by migrations that have no downgrade.
	ErrIrreversible = errors.New("migration cannot be reversed")

	// ErrDuplicateVersion is returned when two migrations share a version.
	ErrDuplicateVersion = errors.New("duplicate migration version")
)

// MigrationError reports a failed upgrade or downgrade. The batch stops at the
// failing migration; BackupPath names the copy taken before the batch started.
type MigrationError struct {
	Version     int
	Description string
	Direction   string // "upgrade" or "downgrade"
	BackupPath  string
	Err         error
}

func (e *MigrationError) Error() string {
	msg := fmt.Sprintf("%s of migration %d (%s) failed: %v", e.Direction, e.Version, e.Description, e.Err)
	if e.BackupPath != "" {
		msg += fmt.Sprintf(" (restore from backup %s)", e.BackupPath)
	}
	return msg
}

func (e *MigrationError) Unwrap() error { return e.Err }
