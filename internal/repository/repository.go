// Package repository stores file metadata: physical files grouped into logical
// documents by doc_id, their collections and versions, soft deletion, and the
// bookkeeping that drives synchronization with a remote copy.
//
// Collections and bibliographic metadata belong to a document's PDF record.
// TEI records carry a copy of the PDF's collections so that collection queries
// stay simple; every write that changes a PDF's collections rewrites the copies
// in the same transaction.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"docstore/internal/database"
	"docstore/internal/docs"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docstore_repository_cache_hits_total",
		Help: "Record lookups served from the repository cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docstore_repository_cache_misses_total",
		Help: "Record lookups that went to the database.",
	})
)

// maxStableIDAttempts bounds retries when a generated stable id collides.
const maxStableIDAttempts = 5

// Options configures a Repository.
type Options struct {
	IDs       docs.IDGenerator // stable ids; defaults to docs.ShortIDGenerator
	Clock     docs.Clock
	Logger    docs.Logger
	CacheSize int // records cached by lookup id; 0 disables the cache
	CacheTTL  time.Duration
}

// Repository is the file metadata store.
type Repository struct {
	db     *database.Manager
	ids    docs.IDGenerator
	clock  docs.Clock
	logger docs.Logger
	cache  *expirable.LRU[string, *docs.FileRecord]

	// gen counts writes. A lookup only caches its result if no write
	// finished while it was reading.
	cacheMu sync.Mutex
	gen     uint64
}

// New creates a Repository over a database opened with Schema.
func New(db *database.Manager, opts Options) *Repository {
	r := &Repository{
		db:     db,
		ids:    opts.IDs,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
	if r.ids == nil {
		r.ids = docs.ShortIDGenerator{}
	}
	if r.clock == nil {
		r.clock = docs.RealClock{}
	}
	if r.logger == nil {
		r.logger = docs.NewNopLogger()
	}
	if opts.CacheSize > 0 {
		r.cache = expirable.NewLRU[string, *docs.FileRecord](opts.CacheSize, nil, opts.CacheTTL)
	}
	return r
}

// querier is satisfied by *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repository) read(ctx context.Context, fn func(q querier) error) error {
	return r.db.GetConnection(ctx, func(conn *sql.Conn) error { return fn(conn) })
}

func (r *Repository) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := r.db.Transaction(ctx, fn)
	r.invalidate()
	return err
}

func (r *Repository) invalidate() {
	if r.cache == nil {
		return
	}
	r.cacheMu.Lock()
	r.gen++
	r.cache.Purge()
	r.cacheMu.Unlock()
}

func (r *Repository) generation() uint64 {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return r.gen
}

// remember caches rec unless a write has finished since gen was taken.
func (r *Repository) remember(id string, rec *docs.FileRecord, gen uint64) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if r.gen == gen {
		r.cache.Add(id, rec.Clone())
	}
}

// Insert stores a new record with sync status "modified" and returns it.
// A stable id is generated unless c.StableID is set; an explicit stable id
// that is already taken yields docs.ErrDuplicate.
func (r *Repository) Insert(ctx context.Context, c *docs.FileCreate) (*docs.FileRecord, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		sid := c.StableID
		if sid == "" {
			sid = r.ids.New()
		}

		rec, err := r.insert(ctx, c, sid)
		if err == nil {
			r.logger.Info("file inserted", "stable_id", rec.StableID, "doc_id", rec.DocID, "file_type", rec.FileType)
			return rec, nil
		}
		if !database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("inserting file: %w", err)
		}
		if c.StableID != "" {
			return nil, fmt.Errorf("%w: stable id %q already exists", docs.ErrDuplicate, sid)
		}
		if attempt == maxStableIDAttempts {
			return nil, fmt.Errorf("generating unique stable id: %w", err)
		}
	}
}

func (r *Repository) insert(ctx context.Context, c *docs.FileCreate, stableID string) (*docs.FileRecord, error) {
	docMeta, err := encodeMetadata(c.DocMetadata)
	if err != nil {
		return nil, err
	}
	fileMeta, err := encodeMetadata(c.FileMetadata)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()
	var out *docs.FileRecord

	err = r.write(ctx, func(tx *sql.Tx) error {
		collections := c.DocCollections
		if c.FileType == docs.FileTypeTEI {
			inherited, ok, err := pdfCollections(ctx, tx, c.DocID)
			if err != nil {
				return err
			}
			if ok {
				collections = inherited
			}
		}

		var version sql.NullInt64
		if c.Version != nil {
			version = sql.NullInt64{Int64: int64(*c.Version), Valid: true}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO files (`+fileColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, NULL, NULL, ?, ?, ?)`,
			stableID, c.ID, c.Filename, c.DocID, c.DocIDType, string(c.FileType), c.MimeType,
			c.FileSize, c.Label, c.Variant, version, c.IsGoldStandard,
			encodeCollections(collections), docMeta, fileMeta,
			c.Status, c.CreatedBy, string(docs.SyncStatusModified), now, now, now,
		)
		if err != nil {
			return err
		}

		if c.FileType == docs.FileTypePDF {
			if _, err := propagateCollections(ctx, tx, c.DocID, collections, now); err != nil {
				return err
			}
		}

		out, err = findRecord(ctx, tx, stableID, true)
		return err
	})
	return out, err
}

// GetByIDOrStableID returns the live record addressed by either its stable id
// or its content hash, or nil when there is none. When several live records
// share a content hash the newest is returned.
func (r *Repository) GetByIDOrStableID(ctx context.Context, id string) (*docs.FileRecord, error) {
	return r.GetByID(ctx, id, false)
}

// GetByID is GetByIDOrStableID with control over soft-deleted records.
func (r *Repository) GetByID(ctx context.Context, id string, includeDeleted bool) (*docs.FileRecord, error) {
	useCache := r.cache != nil && !includeDeleted
	if useCache {
		if rec, ok := r.cache.Get(id); ok {
			cacheHitsTotal.Inc()
			return rec.Clone(), nil
		}
		cacheMissesTotal.Inc()
	}

	gen := r.generation()
	var rec *docs.FileRecord
	err := r.read(ctx, func(q querier) error {
		var err error
		rec, err = findRecord(ctx, q, id, includeDeleted)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finding file %s: %w", id, err)
	}
	if useCache && rec != nil {
		r.remember(id, rec, gen)
	}
	return rec, nil
}

// Update applies a partial update to the live record addressed by id.
// Unless u sets SyncStatus the record is marked modified.
func (r *Repository) Update(ctx context.Context, id string, u *docs.FileUpdate) (*docs.FileRecord, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}

	var out *docs.FileRecord
	err := r.write(ctx, func(tx *sql.Tx) error {
		cur, err := findRecord(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: file %s", docs.ErrNotFound, id)
		}
		now := r.clock.Now().UTC()

		var sets []string
		var args []any
		set := func(col string, v any) {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}

		if u.ID != nil {
			set("id", *u.ID)
		}
		if u.Filename != nil {
			set("filename", *u.Filename)
		}
		if u.FileSize != nil {
			set("file_size", *u.FileSize)
		}
		if u.Label != nil {
			set("label", *u.Label)
		}
		if u.Variant != nil {
			set("variant", *u.Variant)
		}
		if u.Version != nil {
			set("version", *u.Version)
		}
		if u.IsGoldStandard != nil {
			set("is_gold_standard", *u.IsGoldStandard)
		}
		if u.DocMetadata != nil {
			enc, err := encodeMetadata(u.DocMetadata)
			if err != nil {
				return err
			}
			set("doc_metadata", enc)
		}
		if u.FileMetadata != nil {
			enc, err := encodeMetadata(u.FileMetadata)
			if err != nil {
				return err
			}
			set("file_metadata", enc)
		}
		if u.Status != nil {
			set("status", *u.Status)
		}
		if u.DocCollections != nil {
			if cur.FileType == docs.FileTypeTEI {
				_, hasPDF, err := pdfCollections(ctx, tx, cur.DocID)
				if err != nil {
					return err
				}
				if hasPDF {
					return fmt.Errorf("%w: collections of TEI file %s follow its PDF", docs.ErrInvalid, cur.StableID)
				}
			}
			set("doc_collections", encodeCollections(*u.DocCollections))
		}
		if u.SyncStatus != nil {
			set("sync_status", string(*u.SyncStatus))
		} else {
			set("sync_status", string(docs.SyncStatusModified))
			set("local_modified_at", now)
		}
		if u.SyncHash != nil {
			set("sync_hash", *u.SyncHash)
		}
		if u.RemoteVersion != nil {
			set("remote_version", *u.RemoteVersion)
		}
		set("updated_at", now)

		args = append(args, cur.StableID)
		if _, err := tx.ExecContext(ctx,
			"UPDATE files SET "+strings.Join(sets, ", ")+" WHERE stable_id = ?", args...,
		); err != nil {
			return err
		}

		if u.DocCollections != nil && cur.FileType == docs.FileTypePDF {
			if _, err := propagateCollections(ctx, tx, cur.DocID, *u.DocCollections, now); err != nil {
				return err
			}
		}

		out, err = findRecord(ctx, tx, cur.StableID, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("updating file %s: %w", id, err)
	}
	return out, nil
}

// Delete soft-deletes the live record addressed by id and marks it for
// remote deletion. Stored content is left alone.
func (r *Repository) Delete(ctx context.Context, id string) error {
	err := r.write(ctx, func(tx *sql.Tx) error {
		cur, err := findRecord(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: file %s", docs.ErrNotFound, id)
		}
		now := r.clock.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE files
			SET deleted = 1, sync_status = ?, local_modified_at = ?, updated_at = ?
			WHERE stable_id = ?`,
			string(docs.SyncStatusPendingDelete), now, now, cur.StableID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting file %s: %w", id, err)
	}
	r.logger.Info("file deleted", "id", id)
	return nil
}

// PermanentlyDelete removes the record's row, deleted or not. The caller owns
// the decision whether its content may leave the blob store
// (see ContentReferenceCount).
func (r *Repository) PermanentlyDelete(ctx context.Context, id string) error {
	err := r.write(ctx, func(tx *sql.Tx) error {
		cur, err := findRecord(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: file %s", docs.ErrNotFound, id)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM files WHERE stable_id = ?", cur.StableID)
		return err
	})
	if err != nil {
		return fmt.Errorf("permanently deleting file %s: %w", id, err)
	}
	r.logger.Info("file permanently deleted", "id", id)
	return nil
}

// findRecord resolves id as a stable id first and as a content hash second.
// It returns nil, nil when nothing matches.
func findRecord(ctx context.Context, q querier, id string, includeDeleted bool) (*docs.FileRecord, error) {
	query := "SELECT " + fileColumns + " FROM files WHERE (stable_id = ? OR id = ?)"
	if !includeDeleted {
		query += " AND deleted = 0"
	}
	query += " ORDER BY stable_id = ? DESC, deleted ASC, created_at DESC LIMIT 1"

	rec, err := scanRecord(q.QueryRowContext(ctx, query, id, id, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]*docs.FileRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*docs.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanRecord scans the fileColumns of a row, followed by any extra columns
// into extra.
func scanRecord(s scanner, extra ...any) (*docs.FileRecord, error) {
	var (
		rec                            docs.FileRecord
		fileType, syncStatus           string
		version, remoteVersion         sql.NullInt64
		syncHash                       sql.NullString
		localModifiedAt                sql.NullTime
		collections, docMeta, fileMeta string
	)
	dest := []any{
		&rec.StableID, &rec.ID, &rec.Filename, &rec.DocID, &rec.DocIDType, &fileType, &rec.MimeType,
		&rec.FileSize, &rec.Label, &rec.Variant, &version, &rec.IsGoldStandard, &collections, &docMeta,
		&fileMeta, &rec.Status, &rec.CreatedBy, &rec.Deleted, &syncStatus, &syncHash, &remoteVersion,
		&localModifiedAt, &rec.CreatedAt, &rec.UpdatedAt,
	}
	err := s.Scan(append(dest, extra...)...)
	if err != nil {
		return nil, err
	}

	rec.FileType = docs.FileType(fileType)
	rec.SyncStatus = docs.SyncStatus(syncStatus)
	rec.SyncHash = syncHash.String
	if version.Valid {
		v := int(version.Int64)
		rec.Version = &v
	}
	if remoteVersion.Valid {
		v := remoteVersion.Int64
		rec.RemoteVersion = &v
	}
	if localModifiedAt.Valid {
		rec.LocalModifiedAt = localModifiedAt.Time.UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	if rec.DocCollections, err = decodeCollections(collections); err != nil {
		return nil, fmt.Errorf("decoding doc_collections of %s: %w", rec.StableID, err)
	}
	if rec.DocMetadata, err = decodeMetadata(docMeta); err != nil {
		return nil, fmt.Errorf("decoding doc_metadata of %s: %w", rec.StableID, err)
	}
	if rec.FileMetadata, err = decodeMetadata(fileMeta); err != nil {
		return nil, fmt.Errorf("decoding file_metadata of %s: %w", rec.StableID, err)
	}
	return &rec, nil
}

// JSON columns are stored in a canonical form (encoding/json output, "[]" and
// "{}" for empty values) so they can be compared as strings in SQL.

func encodeCollections(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func decodeCollections(s string) ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: metadata is not JSON: %v", docs.ErrInvalid, err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
