package locks

import (
	"embed"

	"docstore/internal/database"
	"docstore/internal/migrations"
)

const baseSchema = `
CREATE TABLE IF NOT EXISTS locks (
	file_id     TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	acquired_at TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);`

//go:embed sql/*.sql
var sqlFiles embed.FS

// Schema returns the lock store's schema.
func Schema() (database.Schema, error) {
	sqlMigrations, err := migrations.LoadSQL(sqlFiles, "sql")
	if err != nil {
		return database.Schema{}, err
	}
	ms := make([]migrations.Migration, 0, len(sqlMigrations))
	for _, m := range sqlMigrations {
		ms = append(ms, m)
	}
	return database.Schema{Name: "locks", Base: baseSchema, Migrations: ms}, nil
}
