package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"docstore/internal/database"
	"docstore/internal/docs"
)

// NewTestManager opens a database with schema in a temporary directory.
// Backups are skipped. The database is closed when the test completes.
func NewTestManager(t *testing.T, schema database.Schema, clock docs.Clock) *database.Manager {
	t.Helper()
	return OpenTestManager(t, filepath.Join(t.TempDir(), schema.Name+".db"), schema, clock)
}

// OpenTestManager is NewTestManager for a caller-chosen path, for tests that
// prepare the file before the schema is applied.
func OpenTestManager(t *testing.T, path string, schema database.Schema, clock docs.Clock) *database.Manager {
	t.Helper()

	m, err := database.Open(context.Background(), database.Options{
		Path:        path,
		Schema:      schema,
		SkipBackup:  true,
		ImmediateTx: true,
		Clock:       clock,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
	})
	return m
}
