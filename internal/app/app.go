package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"docstore/internal/blobstore"
	"docstore/internal/config"
	"docstore/internal/database"
	"docstore/internal/docs"
	"docstore/internal/encryption"
	"docstore/internal/gc"
	"docstore/internal/locks"
	"docstore/internal/repository"
)

// App is the application layer between the CLI and the stores.
// It constructs all dependencies from config, exposes the operations that
// span more than one store, and closes everything on Close.
type App struct {
	cfg    *config.Config
	clock  docs.Clock
	logger docs.Logger
	op     *Operation

	logFile  *os.File
	metadata *database.Manager
	lockDB   *database.Manager

	repo      *repository.Repository
	blobs     *blobstore.Store
	locks     *locks.Manager
	collector *gc.Collector
}

type settings struct {
	logger  docs.Logger
	clock   docs.Clock
	ids     docs.IDGenerator
	console io.Writer
	level   slog.Level
}

// Option customizes New.
type Option func(*settings)

// WithLogger replaces the file and console logger.
func WithLogger(l docs.Logger) Option { return func(s *settings) { s.logger = l } }

func WithClock(c docs.Clock) Option { return func(s *settings) { s.clock = c } }

// WithIDGenerator sets the generator for stable ids.
func WithIDGenerator(g docs.IDGenerator) Option { return func(s *settings) { s.ids = g } }

// WithConsole directs console log output to w at the given minimum level.
func WithConsole(w io.Writer, level slog.Level) Option {
	return func(s *settings) { s.console, s.level = w, level }
}

// New creates a fully wired App from cfg. Opening the stores creates or
// migrates their schemas. operation names the command being run (e.g.
// "gc run"). The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, operation string, opts ...Option) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := settings{
		clock:   docs.RealClock{},
		ids:     docs.ShortIDGenerator{},
		console: os.Stderr,
		level:   slog.LevelInfo,
	}
	for _, o := range opts {
		o(&s)
	}

	a := &App{cfg: cfg, clock: s.clock, op: NewOperation(operation, s.clock.Now())}
	defer func() {
		if err != nil {
			a.Finish(err)
			a.Close()
		}
	}()

	a.logger = s.logger
	if a.logger == nil {
		l, f, err := newLogger(cfg.LogDir, a.op.ID, s.console, s.level)
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
		a.logger, a.logFile = &slogAdapter{l: l}, f
	}
	a.logger.Debug("operation started", "operation", operation)

	enc, err := encryption.NewSealerFromConfig(cfg.Backup.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating backup sealer: %w", err)
	}
	if enc != nil && !enc.IsConfigured() {
		return nil, fmt.Errorf("backup encryption keys not found: run 'docstore backup keygen' first")
	}

	repoSchema, err := repository.Schema(s.ids, s.clock)
	if err != nil {
		return nil, fmt.Errorf("loading metadata schema: %w", err)
	}
	if a.metadata, err = a.openStore(ctx, cfg.Metadata, repoSchema, enc); err != nil {
		return nil, err
	}

	lockSchema, err := locks.Schema()
	if err != nil {
		return nil, fmt.Errorf("loading lock schema: %w", err)
	}
	if a.lockDB, err = a.openStore(ctx, cfg.Locks.Database, lockSchema, enc); err != nil {
		return nil, err
	}

	if a.blobs, err = blobstore.New(cfg.Blobs.Root, a.logger); err != nil {
		return nil, fmt.Errorf("creating blob store: %w", err)
	}

	a.repo = repository.New(a.metadata, repository.Options{
		IDs:       s.ids,
		Clock:     s.clock,
		Logger:    a.logger,
		CacheSize: cfg.Cache.Size,
		CacheTTL:  time.Duration(cfg.Cache.TTLSeconds) * time.Second,
	})

	a.locks = locks.New(a.lockDB, locks.Options{
		Timeout:    time.Duration(cfg.Locks.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Locks.MaxRetries,
		Clock:      s.clock,
		Logger:     a.logger,
	})

	gcOpts := gc.Options{
		GracePeriod: time.Duration(cfg.GC.GracePeriodHours) * time.Hour,
		Clock:       s.clock,
		Logger:      a.logger,
	}
	if cfg.GC.SyncStatus != "" {
		status := docs.SyncStatus(cfg.GC.SyncStatus)
		if !status.Valid() {
			return nil, fmt.Errorf("gc.sync_status: unknown sync status %q", cfg.GC.SyncStatus)
		}
		gcOpts.SyncStatus = &status
	}
	a.collector = gc.New(a.repo, a.blobs, gcOpts)

	return a, nil
}

func (a *App) openStore(ctx context.Context, dc config.DatabaseConfig, schema database.Schema, enc encryption.Sealer) (*database.Manager, error) {
	opts, err := database.OptionsFromConfig(dc, schema)
	if err != nil {
		return nil, fmt.Errorf("configuring %s store: %w", schema.Name, err)
	}
	opts.ImmediateTx = true
	opts.BackupDir = a.cfg.Backup.Dir
	opts.SkipBackup = a.cfg.Backup.Skip
	opts.Sealer = enc
	opts.Logger = a.logger
	opts.Clock = a.clock

	m, err := database.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", schema.Name, err)
	}
	return m, nil
}

func (a *App) Repository() *repository.Repository { return a.repo }
func (a *App) Blobs() *blobstore.Store              { return a.blobs }
func (a *App) Locks() *locks.Manager                { return a.locks }
func (a *App) Operation() *Operation                { return a.op }

// Finish records the outcome of the operation; Close logs it.
func (a *App) Finish(err error) {
	a.op.Finish(err, a.clock.Now())
}

// Close finishes the operation (as a success unless Finish was called) and
// closes the stores and the log file.
func (a *App) Close() error {
	var errs []error

	if a.logger != nil {
		a.Finish(nil)
		a.logger.Info("operation finished",
			"operation", a.op.Name,
			"status", a.op.Status,
			"duration", a.op.Duration(),
		)
	}
	for _, db := range []*database.Manager{a.lockDB, a.metadata} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s store: %w", db.Name(), err))
		}
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
	}
	return errors.Join(errs...)
}

// Ingest stores data in the blob store and records it under c. The id and
// file size of c are derived from data; the remaining fields are taken as given.
func (a *App) Ingest(ctx context.Context, data []byte, c *docs.FileCreate) (*docs.FileRecord, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nothing to ingest", docs.ErrInvalid)
	}
	create := *c
	create.ID = blobstore.Hash(data)
	create.FileSize = int64(len(data))
	if err := create.Validate(); err != nil {
		return nil, err
	}

	release := a.blobs.Hold(create.ID)
	saved, err := a.blobs.Save(data, create.FileType)
	if err != nil {
		release()
		return nil, fmt.Errorf("ingesting %s: %w", create.DocID, err)
	}

	rec, err := a.repo.Insert(ctx, &create)
	if err != nil {
		if saved.Created {
			a.deleteIfUnreferenced(ctx, saved.Hash, create.FileType)
		}
		release()
		return nil, fmt.Errorf("ingesting %s: %w", create.DocID, err)
	}
	release()
	a.logger.Info("file ingested",
		"stable_id", rec.StableID,
		"doc_id", rec.DocID,
		"file_type", rec.FileType,
		"hash", rec.ID,
		"deduplicated", !saved.Created,
	)
	return rec, nil
}

// ReplaceContent swaps the physical content of the record addressed by id (a
// content hash or stable id). The stable id is kept and the record is marked
// modified. The previous blob is removed when nothing else references it.
func (a *App) ReplaceContent(ctx context.Context, id string, data []byte) (*docs.FileRecord, error) {
	cur, err := a.repo.GetByIDOrStableID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: file %s", docs.ErrNotFound, id)
	}

	release := a.blobs.Hold(blobstore.Hash(data))
	saved, err := a.blobs.Save(data, cur.FileType)
	if err != nil {
		release()
		return nil, fmt.Errorf("replacing content of %s: %w", cur.StableID, err)
	}
	if saved.Hash == cur.ID {
		release()
		return cur, nil
	}
	rec, err := a.repo.Update(ctx, cur.StableID, &docs.FileUpdate{ID: &saved.Hash, FileSize: &saved.Size})
	if err != nil {
		if saved.Created {
			a.deleteIfUnreferenced(ctx, saved.Hash, cur.FileType)
		}
		release()
		return nil, fmt.Errorf("replacing content of %s: %w", cur.StableID, err)
	}
	release()
	a.dropIfUnreferenced(ctx, cur.ID, cur.FileType)

	a.logger.Info("file content replaced", "stable_id", rec.StableID, "old_hash", cur.ID, "new_hash", rec.ID)
	return rec, nil
}

// dropIfUnreferenced deletes a blob no live record points at. Failures are
// logged; a leftover blob only costs space.
func (a *App) dropIfUnreferenced(ctx context.Context, hash string, t docs.FileType) {
	release := a.blobs.Hold(hash)
	defer release()
	a.deleteIfUnreferenced(ctx, hash, t)
}

// deleteIfUnreferenced is dropIfUnreferenced for callers already holding hash.
func (a *App) deleteIfUnreferenced(ctx context.Context, hash string, t docs.FileType) {
	refs, err := a.repo.ContentReferenceCount(ctx, hash, t)
	if err != nil {
		a.logger.Warn("could not count blob references", "hash", hash, "error", err)
		return
	}
	if refs > 0 {
		return
	}
	if _, err := a.blobs.Delete(hash, t); err != nil {
		a.logger.Warn("could not delete unreferenced blob", "hash", hash, "error", err)
	}
}

// RunGC performs one garbage collection pass.
func (a *App) RunGC(ctx context.Context) (*gc.Result, error) {
	return a.collector.RunOnce(ctx)
}

// RepairCollections reruns the collection-inheritance consistency pass and
// returns the number of records it corrected.
func (a *App) RepairCollections(ctx context.Context) (int, error) {
	return a.repo.RepairCollectionInheritance(ctx)
}

func (a *App) ListLocks(ctx context.Context, sessionID string) ([]locks.Lock, error) {
	return a.locks.ListLocks(ctx, sessionID)
}

func (a *App) PurgeStaleLocks(ctx context.Context) (int, error) {
	return a.locks.PurgeStale(ctx)
}

// Stats gathers blob store and repository counts.
func (a *App) Stats(ctx context.Context) (*blobstore.Stats, *repository.Stats, error) {
	bs, err := a.blobs.Stats()
	if err != nil {
		return nil, nil, err
	}
	rs, err := a.repo.Stats(ctx)
	if err != nil {
		return nil, nil, err
	}
	return bs, rs, nil
}

// VerifyReport lists integrity problems between the blob store and the records.
type VerifyReport struct {
	Checked int
	Corrupt []blobstore.Blob    // content no longer matches its hash
	Missing []*docs.FileRecord // live records whose blob is gone
}

// OK reports whether no problems were found.
func (r *VerifyReport) OK() bool {
	return len(r.Corrupt) == 0 && len(r.Missing) == 0
}

const verifyPageSize = 500

// VerifyBlobs rehashes every blob and checks that every live record has one.
func (a *App) VerifyBlobs(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{}
	err := a.blobs.Walk(func(b blobstore.Blob) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := a.blobs.Verify(b.Hash, b.Type)
		if err != nil {
			return err
		}
		report.Checked++
		if !ok {
			a.logger.Error("blob content does not match its hash", "hash", b.Hash, "file_type", b.Type)
			report.Corrupt = append(report.Corrupt, b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("verifying blobs: %w", err)
	}

	for offset := 0; ; offset += verifyPageSize {
		page, err := a.repo.List(ctx, repository.ListFilter{Limit: verifyPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("verifying records: %w", err)
		}
		for _, rec := range page {
			if !a.blobs.Exists(rec.ID, rec.FileType) {
				a.logger.Error("record content missing", "stable_id", rec.StableID, "hash", rec.ID)
				report.Missing = append(report.Missing, rec)
			}
		}
		if len(page) < verifyPageSize {
			break
		}
	}
	return report, nil
}
