package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for docstore.
type Config struct {
	BaseDir  string         `toml:"base_dir"`
	LogDir   string         `toml:"log_dir"`
	Metadata DatabaseConfig `toml:"metadata"`
	Locks    LockConfig     `toml:"locks"`
	Blobs    BlobConfig     `toml:"blobs"`
	Backup   BackupConfig   `toml:"backup"`
	GC       GCConfig       `toml:"gc"`
	Cache    CacheConfig    `toml:"cache"`
}

// DatabaseConfig represents configuration for one SQLite store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type          string `toml:"type"`                      // "sqlite" or "memory"
	Path          string `toml:"path,omitempty"`            // only used for type=sqlite
	JournalMode   string `toml:"journal_mode,omitempty"`    // "wal" or "delete"
	PoolSize      int    `toml:"pool_size,omitempty"`       // max pooled connections; defaults to 8
	BusyTimeoutMS int    `toml:"busy_timeout_ms,omitempty"` // defaults to 5000
}

// LockConfig configures the editing-lock store.
type LockConfig struct {
	Database       DatabaseConfig `toml:"database"`
	TimeoutSeconds int            `toml:"timeout_seconds"` // staleness threshold; defaults to 90
	MaxRetries     int            `toml:"max_retries"`     // retries on transient errors; defaults to 5
}

// BlobConfig configures the content-addressable store.
type BlobConfig struct {
	Root string `toml:"root"`
}

// BackupConfig controls the copies taken before schema migrations.
type BackupConfig struct {
	Dir        string           `toml:"dir,omitempty"` // defaults to <base_dir>/backups
	Skip       bool             `toml:"skip"`          // disable pre-migration backups
	Encryption EncryptionConfig `toml:"encryption"`
}

// EncryptionConfig selects how backups are encrypted.
// Type "" leaves backups in plaintext.
type EncryptionConfig struct {
	Type           string `toml:"type,omitempty"`             // "", "age", or "test"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`  // only used for type=age
	PrivateKeyPath string `toml:"private_key_path,omitempty"` // only used for type=age
}

// GCConfig configures garbage collection of soft-deleted records.
type GCConfig struct {
	GracePeriodHours int    `toml:"grace_period_hours"`    // only records deleted longer ago are purged
	SyncStatus       string `toml:"sync_status,omitempty"` // optional sync status filter
}

// CacheConfig configures the repository's record cache. Size 0 disables it.
type CacheConfig struct {
	Size       int `toml:"size"`
	TTLSeconds int `toml:"ttl_seconds"`
}

const (
	DefaultPoolSize       = 8
	DefaultBusyTimeoutMS  = 5000
	DefaultLockTimeout    = 90
	DefaultLockMaxRetries = 5
)

// NewConfig creates a new Config rooted at baseDir with default paths.
// The metadata store uses WAL; the lock store uses a rollback journal.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Metadata: DatabaseConfig{
			Type:          "sqlite",
			Path:          filepath.Join(baseDir, "db", "metadata.db"),
			JournalMode:   "wal",
			PoolSize:      DefaultPoolSize,
			BusyTimeoutMS: DefaultBusyTimeoutMS,
		},
		Locks: LockConfig{
			Database: DatabaseConfig{
				Type:          "sqlite",
				Path:          filepath.Join(baseDir, "db", "locks.db"),
				JournalMode:   "delete",
				PoolSize:      2,
				BusyTimeoutMS: DefaultBusyTimeoutMS,
			},
			TimeoutSeconds: DefaultLockTimeout,
			MaxRetries:     DefaultLockMaxRetries,
		},
		Blobs:  BlobConfig{Root: filepath.Join(baseDir, "files")},
		Backup: BackupConfig{Dir: filepath.Join(baseDir, "backups")},
		GC:     GCConfig{GracePeriodHours: 24 * 7},
		Cache:  CacheConfig{Size: 1024, TTLSeconds: 60},
	}
}

// Validate checks the tagged unions and required paths.
func (c *Config) Validate() error {
	if err := c.Metadata.validate("metadata"); err != nil {
		return err
	}
	if err := c.Locks.Database.validate("locks.database"); err != nil {
		return err
	}
	if c.Blobs.Root == "" {
		return fmt.Errorf("blobs.root is required")
	}
	if c.Locks.TimeoutSeconds < 0 || c.Locks.MaxRetries < 0 {
		return fmt.Errorf("locks.timeout_seconds and locks.max_retries must not be negative")
	}
	switch c.Backup.Encryption.Type {
	case "", "test":
	case "age":
		if c.Backup.Encryption.PublicKeyPath == "" || c.Backup.Encryption.PrivateKeyPath == "" {
			return fmt.Errorf("backup.encryption: key paths required for age encryption")
		}
	default:
		return fmt.Errorf("backup.encryption: unknown encryption type: %q", c.Backup.Encryption.Type)
	}
	return nil
}

func (d DatabaseConfig) validate(section string) error {
	switch d.Type {
	case "sqlite":
		if d.Path == "" {
			return fmt.Errorf("%s.path required for sqlite database", section)
		}
	case "memory":
	default:
		return fmt.Errorf("%s: unknown database type: %q", section, d.Type)
	}
	switch d.JournalMode {
	case "", "wal", "delete":
	default:
		return fmt.Errorf("%s: unknown journal mode: %q", section, d.JournalMode)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
