package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"docstore/internal/docs"
)

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	DocID      string
	FileType   docs.FileType
	Variant    string
	Status     string
	SyncStatus docs.SyncStatus

	// Collection matches records whose document belongs to the collection,
	// judged by the PDF's collections when the document has one.
	Collection string

	IncludeDeleted bool
	Limit          int
	Offset         int
}

// effectiveCollections yields a record's collections as inherited from its
// document's PDF, falling back to its own.
const effectiveCollections = `COALESCE(
	(SELECT p.doc_collections FROM files p
	 WHERE p.doc_id = f.doc_id AND p.file_type = 'pdf' AND p.deleted = 0
	 ORDER BY p.created_at LIMIT 1),
	f.doc_collections)`

// List returns the records matching filter ordered by document, type and age.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]*docs.FileRecord, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}

	if !filter.IncludeDeleted {
		where = append(where, "f.deleted = 0")
	}
	if filter.DocID != "" {
		add("f.doc_id = ?", filter.DocID)
	}
	if filter.FileType != "" {
		add("f.file_type = ?", string(filter.FileType))
	}
	if filter.Variant != "" {
		add("f.variant = ?", filter.Variant)
	}
	if filter.Status != "" {
		add("f.status = ?", filter.Status)
	}
	if filter.SyncStatus != "" {
		add("f.sync_status = ?", string(filter.SyncStatus))
	}
	if filter.Collection != "" {
		add("EXISTS (SELECT 1 FROM json_each("+effectiveCollections+") c WHERE c.value = ?)", filter.Collection)
	}

	query := "SELECT " + prefixed("f", fileColumns) + " FROM files f"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY f.doc_id, f.file_type, f.created_at, f.stable_id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	var out []*docs.FileRecord
	err := r.read(ctx, func(q querier) error {
		var err error
		out, err = queryRecords(ctx, q, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return out, nil
}

// GetByDocID returns every live record of a document.
func (r *Repository) GetByDocID(ctx context.Context, docID string) ([]*docs.FileRecord, error) {
	return r.List(ctx, ListFilter{DocID: docID})
}

// GetPDFForDocument returns the document's source PDF, or nil.
func (r *Repository) GetPDFForDocument(ctx context.Context, docID string) (*docs.FileRecord, error) {
	return r.first(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE doc_id = ? AND file_type = 'pdf' AND deleted = 0
		ORDER BY created_at LIMIT 1`, docID)
}

// GetLatestTEIVersion returns the numbered TEI version with the highest
// version number, or nil. An empty variant matches any variant.
func (r *Repository) GetLatestTEIVersion(ctx context.Context, docID, variant string) (*docs.FileRecord, error) {
	return r.first(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE doc_id = ? AND file_type = 'tei' AND deleted = 0 AND version IS NOT NULL
		  AND (? = '' OR variant = ?)
		ORDER BY version DESC, created_at DESC LIMIT 1`, docID, variant, variant)
}

// GetGoldStandard returns the document's canonical TEI, or nil. An empty
// variant matches any variant.
func (r *Repository) GetGoldStandard(ctx context.Context, docID, variant string) (*docs.FileRecord, error) {
	return r.first(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE doc_id = ? AND file_type = 'tei' AND deleted = 0 AND is_gold_standard = 1
		  AND (? = '' OR variant = ?)
		ORDER BY created_at DESC LIMIT 1`, docID, variant, variant)
}

// GetAllVersions returns the numbered TEI versions of a document in version
// order. An empty variant matches any variant.
func (r *Repository) GetAllVersions(ctx context.Context, docID, variant string) ([]*docs.FileRecord, error) {
	var out []*docs.FileRecord
	err := r.read(ctx, func(q querier) error {
		var err error
		out, err = queryRecords(ctx, q, `
			SELECT `+fileColumns+` FROM files
			WHERE doc_id = ? AND file_type = 'tei' AND deleted = 0 AND version IS NOT NULL
			  AND (? = '' OR variant = ?)
			ORDER BY version, created_at`, docID, variant, variant)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing versions of %s: %w", docID, err)
	}
	return out, nil
}

// GetWithInheritedMetadata returns the live record with the collections and
// document metadata of its document's PDF. The record's own file metadata is
// kept. Returns nil when the record does not exist.
func (r *Repository) GetWithInheritedMetadata(ctx context.Context, id string) (*docs.FileRecord, error) {
	// The record and its document's PDF are read in one statement so the pair
	// is consistent.
	query := "SELECT " + prefixed("f", fileColumns) + `, p.doc_collections, p.doc_metadata
		FROM files f
		LEFT JOIN files p ON p.stable_id = (
			SELECT stable_id FROM files
			WHERE doc_id = f.doc_id AND file_type = 'pdf' AND deleted = 0
			ORDER BY created_at LIMIT 1)
		WHERE (f.stable_id = ? OR f.id = ?) AND f.deleted = 0
		ORDER BY f.stable_id = ? DESC, f.created_at DESC LIMIT 1`

	var (
		rec                  *docs.FileRecord
		pdfColls, pdfDocMeta sql.NullString
	)
	err := r.read(ctx, func(q querier) error {
		var err error
		rec, err = scanRecord(q.QueryRowContext(ctx, query, id, id, id), &pdfColls, &pdfDocMeta)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding file %s: %w", id, err)
	}
	if rec.FileType == docs.FileTypePDF || !pdfColls.Valid {
		return rec, nil
	}

	if rec.DocCollections, err = decodeCollections(pdfColls.String); err != nil {
		return nil, fmt.Errorf("decoding doc_collections of the pdf of %s: %w", rec.DocID, err)
	}
	if rec.DocMetadata, err = decodeMetadata(pdfDocMeta.String); err != nil {
		return nil, fmt.Errorf("decoding doc_metadata of the pdf of %s: %w", rec.DocID, err)
	}
	return rec, nil
}

// GetDeletedForGC returns soft-deleted records last touched strictly before
// deletedBefore, optionally restricted to one sync status.
func (r *Repository) GetDeletedForGC(ctx context.Context, deletedBefore time.Time, status *docs.SyncStatus) ([]*docs.FileRecord, error) {
	query := "SELECT " + fileColumns + " FROM files WHERE deleted = 1 AND updated_at < ?"
	args := []any{deletedBefore.UTC()}
	if status != nil {
		query += " AND sync_status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY updated_at"

	var out []*docs.FileRecord
	err := r.read(ctx, func(q querier) error {
		var err error
		out, err = queryRecords(ctx, q, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing deleted files: %w", err)
	}
	return out, nil
}

func (r *Repository) first(ctx context.Context, query string, args ...any) (*docs.FileRecord, error) {
	var out []*docs.FileRecord
	err := r.read(ctx, func(q querier) error {
		var err error
		out, err = queryRecords(ctx, q, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

// prefixed qualifies each column of a comma-separated list with alias.
func prefixed(alias, columns string) string {
	fields := strings.Split(columns, ",")
	for i, f := range fields {
		fields[i] = alias + "." + strings.TrimSpace(f)
	}
	return strings.Join(fields, ", ")
}
