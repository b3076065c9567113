package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"docstore/internal/docs"
)

// pdfCollections returns the collections of the document's live PDF and
// whether there is one.
func pdfCollections(ctx context.Context, q querier, docID string) ([]string, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `
		SELECT doc_collections FROM files
		WHERE doc_id = ? AND file_type = 'pdf' AND deleted = 0
		ORDER BY created_at LIMIT 1`, docID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	ids, err := decodeCollections(raw)
	return ids, true, err
}

// propagateCollections copies a PDF's collections onto the live TEI records of
// its document, marking the changed ones modified.
func propagateCollections(ctx context.Context, tx *sql.Tx, docID string, ids []string, now time.Time) (int64, error) {
	enc := encodeCollections(ids)
	res, err := tx.ExecContext(ctx, `
		UPDATE files
		SET doc_collections = ?, sync_status = 'modified', local_modified_at = ?, updated_at = ?
		WHERE doc_id = ? AND file_type = 'tei' AND deleted = 0 AND doc_collections != ?`,
		enc, now, now, docID, enc,
	)
	if err != nil {
		return 0, fmt.Errorf("propagating collections of %s: %w", docID, err)
	}
	return res.RowsAffected()
}

// repairCollections rewrites every live TEI record whose collections differ
// from its document's PDF.
func repairCollections(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	const pdfList = `(SELECT p.doc_collections FROM files p
		WHERE p.doc_id = files.doc_id AND p.file_type = 'pdf' AND p.deleted = 0
		ORDER BY p.created_at LIMIT 1)`

	res, err := tx.ExecContext(ctx, `
		UPDATE files
		SET doc_collections = `+pdfList+`, sync_status = 'modified', local_modified_at = ?, updated_at = ?
		WHERE file_type = 'tei' AND deleted = 0
		  AND `+pdfList+` IS NOT NULL
		  AND doc_collections != `+pdfList,
		now.UTC(), now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("repairing collection inheritance: %w", err)
	}
	return res.RowsAffected()
}

// RepairCollectionInheritance realigns TEI collections with their PDFs and
// returns how many records changed.
func (r *Repository) RepairCollectionInheritance(ctx context.Context) (int, error) {
	var n int64
	err := r.write(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = repairCollections(ctx, tx, r.clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("collection inheritance repaired", "records", n)
	}
	return int(n), nil
}

// SetDocumentCollections replaces the collections of every live record of a
// document.
func (r *Repository) SetDocumentCollections(ctx context.Context, docID string, ids []string) error {
	if err := docs.ValidateCollections(ids); err != nil {
		return err
	}
	err := r.write(ctx, func(tx *sql.Tx) error {
		now := r.clock.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE files
			SET doc_collections = ?, sync_status = 'modified', local_modified_at = ?, updated_at = ?
			WHERE doc_id = ? AND deleted = 0`,
			encodeCollections(ids), now, now, docID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: document %s", docs.ErrNotFound, docID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("setting collections of %s: %w", docID, err)
	}
	return nil
}

// CollectionRemoval reports what RemoveCollection changed.
type CollectionRemoval struct {
	Updated int // records left in at least one other collection
	Deleted int // records soft-deleted because no collection was left
}

// RemoveCollection takes a collection away from every document in it.
// Documents that belonged to no other collection are soft-deleted along with
// all their files.
func (r *Repository) RemoveCollection(ctx context.Context, collectionID string) (*CollectionRemoval, error) {
	if collectionID == "" {
		return nil, fmt.Errorf("%w: empty collection id", docs.ErrInvalid)
	}

	out := &CollectionRemoval{}
	err := r.write(ctx, func(tx *sql.Tx) error {
		affected, err := documentsInCollection(ctx, tx, collectionID)
		if err != nil {
			return err
		}

		now := r.clock.Now().UTC()
		for docID, current := range affected {
			remaining := slices.DeleteFunc(slices.Clone(current), func(id string) bool { return id == collectionID })

			if len(remaining) == 0 {
				res, err := tx.ExecContext(ctx, `
					UPDATE files
					SET deleted = 1, sync_status = ?, local_modified_at = ?, updated_at = ?
					WHERE doc_id = ? AND deleted = 0`,
					string(docs.SyncStatusPendingDelete), now, now, docID,
				)
				if err != nil {
					return fmt.Errorf("deleting document %s: %w", docID, err)
				}
				n, _ := res.RowsAffected()
				out.Deleted += int(n)
				continue
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE files
				SET doc_collections = ?, sync_status = ?, local_modified_at = ?, updated_at = ?
				WHERE doc_id = ? AND deleted = 0`,
				encodeCollections(remaining), string(docs.SyncStatusModified), now, now, docID,
			)
			if err != nil {
				return fmt.Errorf("updating document %s: %w", docID, err)
			}
			n, _ := res.RowsAffected()
			out.Updated += int(n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("removing collection %s: %w", collectionID, err)
	}

	r.logger.Info("collection removed", "collection", collectionID, "updated", out.Updated, "deleted", out.Deleted)
	return out, nil
}

// documentsInCollection maps each document with a live record in the
// collection to the document's authoritative collection list: the PDF's when
// there is one, otherwise the first matching record's.
func documentsInCollection(ctx context.Context, tx *sql.Tx, collectionID string) (map[string][]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT f.doc_id, `+effectiveCollections+`
		FROM files f
		WHERE f.deleted = 0
		  AND EXISTS (SELECT 1 FROM json_each(`+effectiveCollections+`) c WHERE c.value = ?)
		ORDER BY f.doc_id, f.created_at`, collectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("finding documents in %s: %w", collectionID, err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var docID, raw string
		if err := rows.Scan(&docID, &raw); err != nil {
			return nil, err
		}
		if _, seen := out[docID]; seen {
			continue
		}
		ids, err := decodeCollections(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding collections of %s: %w", docID, err)
		}
		out[docID] = ids
	}
	return out, rows.Err()
}

// SetGoldStandard makes the TEI record addressed by id the canonical one for
// its document and variant, clearing the flag on its siblings.
func (r *Repository) SetGoldStandard(ctx context.Context, id string) (*docs.FileRecord, error) {
	var out *docs.FileRecord
	err := r.write(ctx, func(tx *sql.Tx) error {
		cur, err := findRecord(ctx, tx, id, false)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: file %s", docs.ErrNotFound, id)
		}
		if cur.FileType != docs.FileTypeTEI {
			return fmt.Errorf("%w: %s is a %s file, only TEI files can be gold standard", docs.ErrInvalid, cur.StableID, cur.FileType)
		}

		now := r.clock.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE files
			SET is_gold_standard = 0, sync_status = 'modified', local_modified_at = ?, updated_at = ?
			WHERE doc_id = ? AND variant = ? AND file_type = 'tei' AND deleted = 0
			  AND is_gold_standard = 1 AND stable_id != ?`,
			now, now, cur.DocID, cur.Variant, cur.StableID,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE files
			SET is_gold_standard = 1, sync_status = 'modified', local_modified_at = ?, updated_at = ?
			WHERE stable_id = ?`,
			now, now, cur.StableID,
		); err != nil {
			return err
		}

		out, err = findRecord(ctx, tx, cur.StableID, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("setting gold standard %s: %w", id, err)
	}
	return out, nil
}
