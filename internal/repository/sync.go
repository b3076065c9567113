package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"docstore/internal/docs"
)

// Keys seeded in sync_metadata.
const (
	SyncKeyLastSyncTime    = "last_sync_time"
	SyncKeyRemoteVersion   = "remote_version"
	SyncKeyInProgress      = "sync_in_progress"
	SyncKeyLastSyncSummary = "last_sync_summary"
)

// MarkSynced records that the record addressed by id matches the remote copy.
// Soft-deleted records can be marked too, once their deletion has been pushed.
func (r *Repository) MarkSynced(ctx context.Context, id, syncHash string, remoteVersion int64) error {
	err := r.write(ctx, func(tx *sql.Tx) error {
		cur, err := findRecord(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: file %s", docs.ErrNotFound, id)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE files
			SET sync_status = ?, sync_hash = ?, remote_version = ?, updated_at = ?
			WHERE stable_id = ?`,
			string(docs.SyncStatusSynced), syncHash, remoteVersion, r.clock.Now().UTC(), cur.StableID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("marking %s synced: %w", id, err)
	}
	return nil
}

// ListBySyncStatus returns all records, deleted ones included, in the given
// sync state.
func (r *Repository) ListBySyncStatus(ctx context.Context, status docs.SyncStatus) ([]*docs.FileRecord, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown sync status %q", docs.ErrInvalid, status)
	}
	return r.List(ctx, ListFilter{SyncStatus: status, IncludeDeleted: true})
}

// GetSyncMetadata returns the value stored under key and whether it exists.
func (r *Repository) GetSyncMetadata(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.read(ctx, func(q querier) error {
		return q.QueryRowContext(ctx, "SELECT value FROM sync_metadata WHERE key = ?", key).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading sync metadata %s: %w", key, err)
	}
	return value, true, nil
}

// SetSyncMetadata stores value under key.
func (r *Repository) SetSyncMetadata(ctx context.Context, key, value string) error {
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_metadata (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("writing sync metadata %s: %w", key, err)
	}
	return nil
}

// ContentReferenceCount returns how many live records point at the content
// stored under hash with the given type. Content may leave the blob store
// only when this is zero.
func (r *Repository) ContentReferenceCount(ctx context.Context, hash string, t docs.FileType) (int, error) {
	var n int
	err := r.read(ctx, func(q querier) error {
		return q.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM files WHERE id = ? AND file_type = ? AND deleted = 0", hash, string(t),
		).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("counting references to %s: %w", hash, err)
	}
	return n, nil
}

// Stats summarizes the repository.
type Stats struct {
	Files        int // live records
	Deleted      int // soft-deleted records awaiting collection
	Documents    int // distinct doc_ids among live records
	ByType       map[docs.FileType]int
	BySyncStatus map[docs.SyncStatus]int // all records
}

// Stats counts records by type and sync state.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ByType:       make(map[docs.FileType]int),
		BySyncStatus: make(map[docs.SyncStatus]int),
	}
	err := r.read(ctx, func(q querier) error {
		if err := q.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(deleted = 0), 0), COALESCE(SUM(deleted = 1), 0),
			       COUNT(DISTINCT CASE WHEN deleted = 0 THEN doc_id END)
			FROM files`,
		).Scan(&st.Files, &st.Deleted, &st.Documents); err != nil {
			return err
		}

		if err := groupCount(ctx, q, "SELECT file_type, COUNT(*) FROM files WHERE deleted = 0 GROUP BY file_type",
			func(k string, n int) { st.ByType[docs.FileType(k)] = n }); err != nil {
			return err
		}
		return groupCount(ctx, q, "SELECT sync_status, COUNT(*) FROM files GROUP BY sync_status",
			func(k string, n int) { st.BySyncStatus[docs.SyncStatus(k)] = n })
	})
	if err != nil {
		return nil, fmt.Errorf("computing repository stats: %w", err)
	}
	return st, nil
}

func groupCount(ctx context.Context, q querier, query string, fn func(key string, n int)) error {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		fn(key, n)
	}
	return rows.Err()
}
