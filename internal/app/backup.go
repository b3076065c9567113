package app

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/natefinch/atomic"

	"docstore/internal/config"
	"docstore/internal/database"
	"docstore/internal/docs"
	"docstore/internal/encryption"
	"docstore/internal/locks"
	"docstore/internal/repository"
)

// Backup copies every file-backed store into the backup directory and
// returns the paths written. In-memory stores are skipped.
func (a *App) Backup(ctx context.Context) ([]string, error) {
	var paths []string
	for _, db := range []*database.Manager{a.metadata, a.lockDB} {
		if db.Path() == database.MemoryPath {
			a.logger.Info("skipping backup of in-memory store", "store", db.Name())
			continue
		}
		path, err := db.Backup(ctx)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// SetupBackupEncryption generates the key pair that seals backups. The private
// key is protected by passphrase. Existing keys are never overwritten.
func SetupBackupEncryption(cfg config.EncryptionConfig, passphrase string) error {
	s, err := sealerFor(cfg)
	if err != nil {
		return err
	}
	return s.Setup(passphrase)
}

func sealerFor(cfg config.EncryptionConfig) (encryption.Sealer, error) {
	s, err := encryption.NewSealerFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("backup encryption is not enabled in the config")
	}
	return s, nil
}

// RestoredBackup is a decrypted backup written back to disk.
type RestoredBackup struct {
	Path   string
	Header encryption.Header
}

var sqliteMagic = []byte("SQLite format 3\x00")

// DecryptBackup restores a plaintext copy of the sealed backup src at dst.
// An empty dst strips the sealed suffix from src. Backups of unknown stores,
// or taken at a schema version newer than this build knows, are refused.
func DecryptBackup(cfg config.EncryptionConfig, src, dst, passphrase string) (*RestoredBackup, error) {
	s, err := sealerFor(cfg)
	if err != nil {
		return nil, err
	}
	if dst == "" {
		if !strings.HasSuffix(src, database.SealedSuffix) {
			return nil, fmt.Errorf("%s does not look like a sealed backup; give an output path", src)
		}
		dst = strings.TrimSuffix(src, database.SealedSuffix)
	}
	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("refusing to overwrite %s", dst)
	}

	o, err := s.Unlock(passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlocking private key: %w", err)
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("opening backup: %w", err)
	}
	defer f.Close()

	h, r, err := o.Open(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", src, err)
	}
	latest, err := latestSchemaVersion(h.Store)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", src, err)
	}
	if h.SchemaVersion > latest {
		return nil, fmt.Errorf("%s backup is at schema version %d, this docstore only knows up to %d", h.Store, h.SchemaVersion, latest)
	}

	payload := bufio.NewReader(r)
	if head, err := payload.Peek(len(sqliteMagic)); err != nil || !bytes.Equal(head, sqliteMagic) {
		return nil, fmt.Errorf("reading %s: payload is not an SQLite database", src)
	}
	// atomic.WriteFile leaves no partial file behind when the stream fails
	// its authentication midway.
	if err := atomic.WriteFile(dst, payload); err != nil {
		return nil, fmt.Errorf("writing %s: %w", dst, err)
	}
	return &RestoredBackup{Path: dst, Header: *h}, nil
}

// latestSchemaVersion returns the newest migration version known for store.
func latestSchemaVersion(store string) (int, error) {
	var schema database.Schema
	var err error
	switch store {
	case "metadata":
		schema, err = repository.Schema(docs.ShortIDGenerator{}, docs.RealClock{})
	case "locks":
		schema, err = locks.Schema()
	default:
		return 0, fmt.Errorf("backup of unknown store %q", store)
	}
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, m := range schema.Migrations {
		latest = max(latest, m.Version())
	}
	return latest, nil
}
