package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// TableExists reports whether table exists in the schema visible to tx.
func TableExists(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return n > 0, nil
}

// ColumnExists reports whether table has column. A missing table reports false.
func ColumnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}

// PrimaryKeyColumns returns the primary key columns of table in key order.
func PrimaryKeyColumns(ctx context.Context, tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk", table,
	)
	if err != nil {
		return nil, fmt.Errorf("reading primary key of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("reading primary key of %s: %w", table, err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
