package config

import (
	"fmt"
	"time"
)

type StorageType string

const (
	StorageTypeNone   StorageType = "none"   // No persistence
	StorageTypeMemory StorageType = "memory" // In-memory (using BuntDB)
	StorageTypeBuntDB StorageType = "buntdb" // Persistent BuntDB
	StorageTypePebble StorageType = "pebble" // Persistent Pebble
)

type StorageConfig struct {
	Type StorageType

	// BuntDB specific config
	BuntDB *BuntDBConfig

	// Pebble specific config
	Pebble *PebbleConfig
}

type BuntDBConfig struct {
	Path string // empty or ":memory:" for in-memory
}

type PebbleConfig struct {
	Dir string // data directory, required

	// Fsync is one of "always", "interval", "never". Empty means "always".
	Fsync         string
	FsyncInterval time.Duration
}

// Validate ensures the storage configuration is valid
func (sc StorageConfig) Validate() error {
	switch sc.Type {
	case StorageTypeNone, StorageTypeMemory:
		// No validation needed
		return nil

	case StorageTypeBuntDB:
		if sc.BuntDB == nil {
			return fmt.Errorf("BuntDB config is required for BuntDB storage type")
		}
		// Path can be empty (defaults to :memory:)
		return nil

	case StorageTypePebble:
		if sc.Pebble == nil || sc.Pebble.Dir == "" {
			return fmt.Errorf("Pebble config with a data directory is required for Pebble storage type")
		}
		switch sc.Pebble.Fsync {
		case "", "always", "interval", "never":
			return nil
		default:
			return fmt.Errorf("invalid pebble fsync mode %q; use always|interval|never", sc.Pebble.Fsync)
		}

	case "":
		return fmt.Errorf("storage type not specified")

	default:
		return fmt.Errorf("unknown storage type: %s", sc.Type)
	}
}
