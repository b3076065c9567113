package repository

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"slices"

	"docstore/internal/database"
	"docstore/internal/docs"
	"docstore/internal/migrations"
)

// fileColumns is the column order used by every SELECT of a full record.
const fileColumns = `stable_id, id, filename, doc_id, doc_id_type, file_type, mime_type,
	file_size, label, variant, version, is_gold_standard, doc_collections, doc_metadata,
	file_metadata, status, created_by, deleted, sync_status, sync_hash, remote_version,
	local_modified_at, created_at, updated_at`

// filesTable returns the DDL of the current files table. primaryKey is the
// column constrained as PRIMARY KEY: stable_id today, id for databases that
// predate stable ids.
func filesTable(name, primaryKey string) string {
	stableID, id := "stable_id TEXT NOT NULL", "id TEXT NOT NULL"
	if primaryKey == "id" {
		id = "id TEXT PRIMARY KEY"
	} else {
		stableID = "stable_id TEXT PRIMARY KEY"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	%s,
	filename          TEXT NOT NULL DEFAULT '',
	doc_id            TEXT NOT NULL,
	doc_id_type       TEXT NOT NULL DEFAULT '',
	file_type         TEXT NOT NULL,
	mime_type         TEXT NOT NULL DEFAULT '',
	file_size         INTEGER NOT NULL DEFAULT 0,
	label             TEXT NOT NULL DEFAULT '',
	variant           TEXT NOT NULL DEFAULT '',
	version           INTEGER,
	is_gold_standard  BOOLEAN NOT NULL DEFAULT 0,
	doc_collections   TEXT NOT NULL DEFAULT '[]',
	doc_metadata      TEXT NOT NULL DEFAULT '{}',
	file_metadata     TEXT NOT NULL DEFAULT '{}',
	status            TEXT NOT NULL DEFAULT '',
	created_by        TEXT NOT NULL DEFAULT '',
	deleted           BOOLEAN NOT NULL DEFAULT 0,
	sync_status       TEXT NOT NULL DEFAULT 'modified',
	sync_hash         TEXT,
	remote_version    INTEGER,
	local_modified_at TIMESTAMP,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);`, name, stableID, id)
}

var baseSchema = filesTable("files", "stable_id") + `
CREATE TABLE IF NOT EXISTS sync_metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);`

//go:embed sql/*.sql
var sqlFiles embed.FS

// Schema returns the metadata store's schema: the base tables plus every
// migration needed to bring an older database to the same shape. ids assigns
// stable ids to rows that predate them; clock stamps rows touched by data
// migrations.
func Schema(ids docs.IDGenerator, clock docs.Clock) (database.Schema, error) {
	sqlMigrations, err := migrations.LoadSQL(sqlFiles, "sql")
	if err != nil {
		return database.Schema{}, err
	}

	ms := []migrations.Migration{
		addStableIDs(ids),
		addSyncColumns(),
		rekeyOnStableID(),
	}
	for _, m := range sqlMigrations {
		ms = append(ms, m)
	}
	ms = append(ms, repairInheritance(clock))

	return database.Schema{Name: "metadata", Base: baseSchema, Migrations: ms}, nil
}

func addStableIDs(ids docs.IDGenerator) migrations.Migration {
	return &migrations.Func{
		V:    1,
		Desc: "add stable_id to files",
		Check: func(ctx context.Context, tx *sql.Tx) (bool, error) {
			has, err := migrations.ColumnExists(ctx, tx, "files", "stable_id")
			return !has, err
		},
		Up: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "ALTER TABLE files ADD COLUMN stable_id TEXT"); err != nil {
				return err
			}

			rows, err := tx.QueryContext(ctx, "SELECT rowid FROM files")
			if err != nil {
				return err
			}
			var rowids []int64
			for rows.Next() {
				var rowid int64
				if err := rows.Scan(&rowid); err != nil {
					rows.Close()
					return err
				}
				rowids = append(rowids, rowid)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			used := make(map[string]struct{}, len(rowids))
			for _, rowid := range rowids {
				sid := ids.New()
				for {
					if _, dup := used[sid]; !dup {
						break
					}
					sid = ids.New()
				}
				used[sid] = struct{}{}
				if _, err := tx.ExecContext(ctx, "UPDATE files SET stable_id = ? WHERE rowid = ?", sid, rowid); err != nil {
					return err
				}
			}
			return nil
		},
		Down: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "ALTER TABLE files DROP COLUMN stable_id")
			return err
		},
	}
}

var syncColumns = []struct{ name, ddl string }{
	{"deleted", "BOOLEAN NOT NULL DEFAULT 0"},
	{"sync_status", "TEXT NOT NULL DEFAULT 'modified'"},
	{"sync_hash", "TEXT"},
	{"remote_version", "INTEGER"},
	{"local_modified_at", "TIMESTAMP"},
}

func addSyncColumns() migrations.Migration {
	return &migrations.Func{
		V:    2,
		Desc: "add sync tracking columns to files",
		Check: func(ctx context.Context, tx *sql.Tx) (bool, error) {
			has, err := migrations.ColumnExists(ctx, tx, "files", "sync_status")
			return !has, err
		},
		Up: func(ctx context.Context, tx *sql.Tx) error {
			for _, c := range syncColumns {
				if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE files ADD COLUMN %s %s", c.name, c.ddl)); err != nil {
					return fmt.Errorf("adding %s: %w", c.name, err)
				}
			}
			return nil
		},
		Down: func(ctx context.Context, tx *sql.Tx) error {
			for _, c := range slices.Backward(syncColumns) {
				if _, err := tx.ExecContext(ctx, "ALTER TABLE files DROP COLUMN "+c.name); err != nil {
					return fmt.Errorf("dropping %s: %w", c.name, err)
				}
			}
			return nil
		},
	}
}

// rekeyOnStableID rebuilds files so that stable_id is the primary key and id
// (the content hash) may repeat.
func rekeyOnStableID() migrations.Migration {
	rebuild := func(ctx context.Context, tx *sql.Tx, primaryKey string) error {
		stmts := []string{
			"DROP TABLE IF EXISTS files_rebuild",
			filesTable("files_rebuild", primaryKey),
			`INSERT INTO files_rebuild (` + fileColumns + `)
			SELECT stable_id, id, COALESCE(filename, ''), doc_id, COALESCE(doc_id_type, ''), file_type,
				COALESCE(mime_type, ''), COALESCE(file_size, 0), COALESCE(label, ''), COALESCE(variant, ''),
				version, COALESCE(is_gold_standard, 0), COALESCE(doc_collections, '[]'),
				COALESCE(doc_metadata, '{}'), COALESCE(file_metadata, '{}'), COALESCE(status, ''),
				COALESCE(created_by, ''), deleted, sync_status, sync_hash, remote_version,
				local_modified_at, COALESCE(created_at, CURRENT_TIMESTAMP),
				COALESCE(updated_at, created_at, CURRENT_TIMESTAMP)
			FROM files`,
			"DROP TABLE files",
			"ALTER TABLE files_rebuild RENAME TO files",
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}

	return &migrations.Func{
		V:    3,
		Desc: "make stable_id the primary key of files",
		Check: func(ctx context.Context, tx *sql.Tx) (bool, error) {
			pk, err := migrations.PrimaryKeyColumns(ctx, tx, "files")
			return !slices.Equal(pk, []string{"stable_id"}), err
		},
		Up: func(ctx context.Context, tx *sql.Tx) error {
			return rebuild(ctx, tx, "stable_id")
		},
		// Fails while two records share content, which an id primary key cannot hold.
		Down: func(ctx context.Context, tx *sql.Tx) error {
			return rebuild(ctx, tx, "id")
		},
	}
}

func repairInheritance(clock docs.Clock) migrations.Migration {
	return &migrations.Func{
		V:    6,
		Desc: "align TEI collections with their PDF",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := repairCollections(ctx, tx, clock.Now())
			return err
		},
		Down: func(context.Context, *sql.Tx) error { return nil },
	}
}
