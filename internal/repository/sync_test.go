package repository

import (
	"context"
	"errors"
	"testing"

	"docstore/internal/docs"
)

func TestRepository_MarkSynced(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)
	a := mustInsert(t, repo, pdfCreate("doc-1", "a"))
	b := mustInsert(t, repo, pdfCreate("doc-2", "b"))

	if err := repo.MarkSynced(ctx, a.StableID, "remote-hash", 7); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}
	got, _ := repo.GetByIDOrStableID(ctx, a.StableID)
	if got.SyncStatus != docs.SyncStatusSynced || got.SyncHash != "remote-hash" || *got.RemoteVersion != 7 {
		t.Errorf("MarkSynced() left %q %q %v", got.SyncStatus, got.SyncHash, got.RemoteVersion)
	}

	modified, err := repo.ListBySyncStatus(ctx, docs.SyncStatusModified)
	if err != nil {
		t.Fatalf("ListBySyncStatus() error = %v", err)
	}
	if len(modified) != 1 || modified[0].StableID != b.StableID {
		t.Errorf("ListBySyncStatus(modified) = %v, want [%s]", modified, b.StableID)
	}

	// Pending deletions stay listed after the soft delete.
	if err := repo.Delete(ctx, b.StableID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	pending, _ := repo.ListBySyncStatus(ctx, docs.SyncStatusPendingDelete)
	if len(pending) != 1 || pending[0].StableID != b.StableID {
		t.Errorf("ListBySyncStatus(pending_delete) = %v, want [%s]", pending, b.StableID)
	}

	if _, err := repo.ListBySyncStatus(ctx, "bogus"); !errors.Is(err, docs.ErrInvalid) {
		t.Errorf("ListBySyncStatus(bogus) error = %v, want ErrInvalid", err)
	}
	if err := repo.MarkSynced(ctx, "missing", "", 0); !errors.Is(err, docs.ErrNotFound) {
		t.Errorf("MarkSynced(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRepository_SyncMetadata(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	v, ok, err := repo.GetSyncMetadata(ctx, SyncKeyRemoteVersion)
	if err != nil || !ok || v != "0" {
		t.Errorf("GetSyncMetadata() = %q, %v, %v, want seeded 0", v, ok, err)
	}
	if err := repo.SetSyncMetadata(ctx, SyncKeyRemoteVersion, "12"); err != nil {
		t.Fatalf("SetSyncMetadata() error = %v", err)
	}
	if v, _, _ := repo.GetSyncMetadata(ctx, SyncKeyRemoteVersion); v != "12" {
		t.Errorf("GetSyncMetadata() = %q, want 12", v)
	}
	if _, ok, err := repo.GetSyncMetadata(ctx, "unknown"); ok || err != nil {
		t.Errorf("GetSyncMetadata(unknown) = %v, %v, want false, nil", ok, err)
	}
}

func TestRepository_ContentReferenceCount(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)
	a := mustInsert(t, repo, pdfCreate("doc-1", "shared"))
	b := mustInsert(t, repo, pdfCreate("doc-2", "shared"))

	count := func() int {
		t.Helper()
		n, err := repo.ContentReferenceCount(ctx, a.ID, docs.FileTypePDF)
		if err != nil {
			t.Fatalf("ContentReferenceCount() error = %v", err)
		}
		return n
	}

	if n := count(); n != 2 {
		t.Errorf("ContentReferenceCount() = %d, want 2", n)
	}
	repo.Delete(ctx, a.StableID)
	if n := count(); n != 1 {
		t.Errorf("ContentReferenceCount() after one delete = %d, want 1", n)
	}
	repo.Delete(ctx, b.StableID)
	if n := count(); n != 0 {
		t.Errorf("ContentReferenceCount() after both deletes = %d, want 0", n)
	}
	if n, _ := repo.ContentReferenceCount(ctx, a.ID, docs.FileTypeTEI); n != 0 {
		t.Errorf("ContentReferenceCount(tei) = %d, want 0", n)
	}
}

func TestRepository_Stats(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)
	mustInsert(t, repo, pdfCreate("doc-1", "pdf-1"))
	mustInsert(t, repo, teiCreate("doc-1", "tei-1", "", nil))
	gone := mustInsert(t, repo, pdfCreate("doc-2", "pdf-2"))
	repo.Delete(ctx, gone.StableID)

	st, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Files != 2 || st.Deleted != 1 || st.Documents != 1 {
		t.Errorf("Stats() = files %d deleted %d documents %d, want 2 1 1", st.Files, st.Deleted, st.Documents)
	}
	if st.ByType[docs.FileTypePDF] != 1 || st.ByType[docs.FileTypeTEI] != 1 {
		t.Errorf("Stats().ByType = %v", st.ByType)
	}
	if st.BySyncStatus[docs.SyncStatusModified] != 2 || st.BySyncStatus[docs.SyncStatusPendingDelete] != 1 {
		t.Errorf("Stats().BySyncStatus = %v", st.BySyncStatus)
	}
}
