package database

import (
	"fmt"
	"time"

	"docstore/internal/config"
)

// OptionsFromConfig translates a store's config section into Options.
// Backup, logging and clock settings are left for the caller.
func OptionsFromConfig(cfg config.DatabaseConfig, schema Schema) (Options, error) {
	mode, err := ParseJournalMode(cfg.JournalMode)
	if err != nil {
		return Options{}, err
	}

	opts := Options{
		JournalMode: mode,
		PoolSize:    cfg.PoolSize,
		BusyTimeout: time.Duration(cfg.BusyTimeoutMS) * time.Millisecond,
		Schema:      schema,
	}

	switch cfg.Type {
	case "sqlite":
		if cfg.Path == "" {
			return Options{}, fmt.Errorf("path required for sqlite database")
		}
		opts.Path = cfg.Path
	case "memory":
		opts.Path = MemoryPath
	default:
		return Options{}, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
	return opts, nil
}
