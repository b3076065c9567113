// Package gc erases soft-deleted records and the blobs nothing else uses.
//
// A record is purged once it has been deleted for longer than the grace
// period. Its blob goes with it only when no live record still references the
// same content; the hash is shared by every copy of identical bytes.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"docstore/internal/blobstore"
	"docstore/internal/docs"
	"docstore/internal/repository"
)

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docstore_gc_runs_total",
		Help: "Garbage collection runs.",
	})
	recordsPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docstore_gc_records_purged_total",
		Help: "Soft-deleted records permanently removed.",
	})
	blobsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docstore_gc_blobs_deleted_total",
		Help: "Blobs removed because no live record referenced them.",
	})
	durationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docstore_gc_duration_seconds",
		Help:    "Duration of garbage collection runs.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// Result summarizes one run.
type Result struct {
	Purged       int // records permanently deleted
	BlobsDeleted int
	BlobsKept    int // purged records whose content is still referenced
	Errors       int
	Duration     time.Duration
}

// Options configures a Collector.
type Options struct {
	GracePeriod time.Duration
	SyncStatus  *docs.SyncStatus // purge only records in this state when set
	Clock       docs.Clock
	Logger      docs.Logger
}

// Collector runs garbage collection over a repository and its blob store.
type Collector struct {
	repo  *repository.Repository
	blobs *blobstore.Store
	opts  Options

	mu sync.Mutex // one run at a time
}

func New(repo *repository.Repository, blobs *blobstore.Store, opts Options) *Collector {
	if opts.Clock == nil {
		opts.Clock = docs.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = docs.NewNopLogger()
	}
	return &Collector{repo: repo, blobs: blobs, opts: opts}
}

// RunOnce performs one collection pass. Per-record failures are logged and
// counted; an error is returned only when the candidates cannot be listed.
func (c *Collector) RunOnce(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	cutoff := c.opts.Clock.Now().Add(-c.opts.GracePeriod)
	c.opts.Logger.Debug("gc started", "cutoff", cutoff)

	candidates, err := c.repo.GetDeletedForGC(ctx, cutoff, c.opts.SyncStatus)
	if err != nil {
		return nil, fmt.Errorf("listing gc candidates: %w", err)
	}

	res := &Result{}
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		c.collect(ctx, rec, res)
	}
	res.Duration = time.Since(start)

	runsTotal.Inc()
	recordsPurgedTotal.Add(float64(res.Purged))
	blobsDeletedTotal.Add(float64(res.BlobsDeleted))
	durationSeconds.Observe(res.Duration.Seconds())

	c.opts.Logger.Info("gc finished",
		"purged", res.Purged,
		"blobs_deleted", res.BlobsDeleted,
		"blobs_kept", res.BlobsKept,
		"errors", res.Errors,
		"duration", res.Duration,
	)
	return res, nil
}

func (c *Collector) collect(ctx context.Context, rec *docs.FileRecord, res *Result) {
	log := c.opts.Logger
	if err := c.repo.PermanentlyDelete(ctx, rec.StableID); err != nil {
		if errors.Is(err, docs.ErrNotFound) {
			// Purged by someone else since the listing.
			return
		}
		log.Error("gc: purge failed", "stable_id", rec.StableID, "error", err)
		res.Errors++
		return
	}
	res.Purged++

	release := c.blobs.Hold(rec.ID)
	defer release()
	refs, err := c.repo.ContentReferenceCount(ctx, rec.ID, rec.FileType)
	if err != nil {
		log.Error("gc: counting references failed", "hash", rec.ID, "error", err)
		res.Errors++
		return
	}
	if refs > 0 {
		log.Debug("gc: blob still referenced", "hash", rec.ID, "references", refs)
		res.BlobsKept++
		return
	}

	removed, err := c.blobs.Delete(rec.ID, rec.FileType)
	if err != nil {
		log.Error("gc: blob delete failed", "hash", rec.ID, "error", err)
		res.Errors++
		return
	}
	if removed {
		res.BlobsDeleted++
	}
	log.Debug("gc: record purged", "stable_id", rec.StableID, "hash", rec.ID, "blob_removed", removed)
}
