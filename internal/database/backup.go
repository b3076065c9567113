package database

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"docstore/internal/encryption"
)

// SealedSuffix is appended to backups written through a Sealer.
const SealedSuffix = ".age"

// Backup writes a consistent copy of the database into the backup directory
// and returns its path. With a Sealer configured only the sealed copy is kept;
// its header records the store name and the schema version at backup time.
func (m *Manager) Backup(ctx context.Context) (string, error) {
	if m.opts.Path == MemoryPath {
		return "", fmt.Errorf("cannot back up an in-memory database")
	}
	if err := os.MkdirAll(m.opts.BackupDir, 0700); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	now := m.opts.Clock.Now().UTC()
	name := fmt.Sprintf("%s-%s-%s.db",
		m.opts.Schema.Name,
		now.Format("20060102T150405Z"),
		uuid.New().String()[:8],
	)
	dest := filepath.Join(m.opts.BackupDir, name)

	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return "", fmt.Errorf("backing up %s: %w", m.opts.Schema.Name, err)
	}

	if m.opts.Sealer == nil {
		m.opts.Logger.Info("backup written", "store", m.opts.Schema.Name, "path", dest)
		return dest, nil
	}

	version, err := m.engine.CurrentVersion(ctx)
	if err != nil {
		os.Remove(dest)
		return "", err
	}
	h := encryption.Header{Store: m.opts.Schema.Name, SchemaVersion: version, CreatedAt: now}
	sealed, err := sealFile(m.opts.Sealer, dest, h)
	os.Remove(dest)
	if err != nil {
		return "", fmt.Errorf("sealing %s backup: %w", m.opts.Schema.Name, err)
	}
	m.opts.Logger.Info("backup written", "store", m.opts.Schema.Name, "path", sealed, "schema_version", version, "sealed", true)
	return sealed, nil
}

// sealFile streams src into src+SealedSuffix. The output is removed on failure.
func sealFile(s encryption.Sealer, src string, h encryption.Header) (_ string, err error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dest := src + SealedSuffix
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	w, err := s.Seal(out, h)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(w, in); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return dest, nil
}
