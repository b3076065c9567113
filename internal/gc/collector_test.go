package gc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"docstore/internal/blobstore"
	"docstore/internal/docs"
	"docstore/internal/repository"
	"docstore/internal/testutil"
)

type env struct {
	repo  *repository.Repository
	blobs *blobstore.Store
	clock *testutil.StubClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := testutil.FixedClock()
	schema, err := repository.Schema(docs.ShortIDGenerator{}, clock)
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	db := testutil.NewTestManager(t, schema, clock)
	blobs, err := blobstore.New(filepath.Join(t.TempDir(), "files"), nil)
	if err != nil {
		t.Fatalf("blobstore.New() error = %v", err)
	}
	return &env{
		repo:  repository.New(db, repository.Options{Clock: clock}),
		blobs: blobs,
		clock: clock,
	}
}

// ingest stores content and records it as docID's PDF.
func (e *env) ingest(t *testing.T, docID, content string) *docs.FileRecord {
	t.Helper()
	saved, err := e.blobs.Save([]byte(content), docs.FileTypePDF)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	rec, err := e.repo.Insert(context.Background(), &docs.FileCreate{
		ID:       saved.Hash,
		DocID:    docID,
		FileType: docs.FileTypePDF,
		FileSize: saved.Size,
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	return rec
}

func (e *env) remove(t *testing.T, rec *docs.FileRecord) {
	t.Helper()
	if err := e.repo.Delete(context.Background(), rec.StableID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}

func (e *env) exists(t *testing.T, rec *docs.FileRecord) bool {
	t.Helper()
	got, err := e.repo.GetByID(context.Background(), rec.StableID, true)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	return got != nil
}

func TestCollector_RunOnce_NothingToDo(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, "doc-1", "live")

	c := New(e.repo, e.blobs, Options{GracePeriod: time.Hour, Clock: e.clock})
	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Purged != 0 || res.BlobsDeleted != 0 || res.Errors != 0 {
		t.Errorf("RunOnce() = %+v, want no work", res)
	}
}

func TestCollector_RunOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	orphan := e.ingest(t, "doc-1", "alone")
	sharedGone := e.ingest(t, "doc-2", "shared")
	sharedLive := e.ingest(t, "doc-3", "shared")
	recent := e.ingest(t, "doc-4", "recent")

	e.remove(t, orphan)
	e.remove(t, sharedGone)
	e.clock.Advance(48 * time.Hour)
	e.remove(t, recent)
	e.clock.Advance(time.Hour)

	c := New(e.repo, e.blobs, Options{GracePeriod: 24 * time.Hour, Clock: e.clock})
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Purged != 2 || res.BlobsDeleted != 1 || res.BlobsKept != 1 || res.Errors != 0 {
		t.Errorf("RunOnce() = %+v, want 2 purged, 1 blob deleted, 1 kept", res)
	}

	tests := []struct {
		name       string
		rec        *docs.FileRecord
		wantRecord bool
		wantBlob   bool
	}{
		{"unshared content is erased", orphan, false, false},
		{"shared content survives its deleted copy", sharedGone, false, true},
		{"live copy is untouched", sharedLive, true, true},
		{"deletion inside grace period is kept", recent, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.exists(t, tt.rec); got != tt.wantRecord {
				t.Errorf("record exists = %v, want %v", got, tt.wantRecord)
			}
			if got := e.blobs.Exists(tt.rec.ID, tt.rec.FileType); got != tt.wantBlob {
				t.Errorf("blob exists = %v, want %v", got, tt.wantBlob)
			}
		})
	}

	// A second pass finds nothing new.
	res, err = c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if res.Purged != 0 {
		t.Errorf("second RunOnce() purged %d, want 0", res.Purged)
	}
}

func TestCollector_RunOnce_SyncStatusFilter(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	pending := e.ingest(t, "doc-1", "pending")
	synced := e.ingest(t, "doc-2", "synced")
	e.remove(t, pending)
	e.remove(t, synced)
	if err := e.repo.MarkSynced(ctx, synced.StableID, "remote-hash", 3); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}
	e.clock.Advance(2 * time.Hour)

	status := docs.SyncStatusSynced
	c := New(e.repo, e.blobs, Options{GracePeriod: time.Hour, SyncStatus: &status, Clock: e.clock})
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Purged != 1 {
		t.Fatalf("RunOnce() purged %d, want 1", res.Purged)
	}
	if e.exists(t, synced) {
		t.Error("synced deletion was not purged")
	}
	if !e.exists(t, pending) {
		t.Error("deletion pending upload was purged")
	}
}

func TestCollector_RunOnce_MissingBlob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	rec := e.ingest(t, "doc-1", "content")
	if _, err := e.blobs.Delete(rec.ID, rec.FileType); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	e.remove(t, rec)
	e.clock.Advance(2 * time.Hour)

	c := New(e.repo, e.blobs, Options{GracePeriod: time.Hour, Clock: e.clock})
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Purged != 1 || res.BlobsDeleted != 0 || res.Errors != 0 {
		t.Errorf("RunOnce() = %+v, want 1 purged and no errors", res)
	}
}

func TestCollector_RunOnce_WaitsForHeldContent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	old := e.ingest(t, "doc-1", "content")
	e.remove(t, old)
	e.clock.Advance(2 * time.Hour)

	// A writer is between saving identical bytes and committing its record.
	release := e.blobs.Hold(old.ID)
	saved, err := e.blobs.Save([]byte("content"), docs.FileTypePDF)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved.Created {
		t.Fatal("Save() created a new blob, want deduplicated")
	}

	c := New(e.repo, e.blobs, Options{GracePeriod: time.Hour, Clock: e.clock})
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.RunOnce(ctx)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		release()
		t.Fatalf("RunOnce() finished while content was held: %+v, %v", out.res, out.err)
	case <-time.After(50 * time.Millisecond):
	}

	fresh, err := e.repo.Insert(ctx, &docs.FileCreate{
		ID:       saved.Hash,
		DocID:    "doc-2",
		FileType: docs.FileTypePDF,
		FileSize: saved.Size,
	})
	if err != nil {
		release()
		t.Fatalf("Insert() error = %v", err)
	}
	release()

	out := <-done
	if out.err != nil {
		t.Fatalf("RunOnce() error = %v", out.err)
	}
	if out.res.Purged != 1 || out.res.BlobsDeleted != 0 || out.res.BlobsKept != 1 {
		t.Errorf("RunOnce() = %+v, want 1 purged and the blob kept", out.res)
	}
	if !e.blobs.Exists(fresh.ID, fresh.FileType) {
		t.Error("blob of the new record was deleted")
	}
}
