package storage

import "errors"

// Common errors
var (
	ErrKeyNotFound = errors.New("key not found")
)

const (
	KeyPrefixExchange = "exchange:"
	KeyPrefixQueue    = "queue:"
	KeyPrefixBinding  = "binding:"
	KeyPrefixMessage  = "message:"        // Per-queue append log: message:<queue>:<seq>
	KeySeqCounter     = "system:msgseqno" // Global message sequence counter
)

// StorageProvider is the low-level storage abstraction
// This is what different backends (BuntDB, Pebble) implement.
// Keys and Scan visit keys in ascending byte order.
type StorageProvider interface {
	// Initialize prepares the storage backend
	Initialize() error

	// Close cleanly shuts down the storage backend
	Close() error

	// Basic operations
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error

	// Batch operations, applied atomically
	SetBatch(items map[string][]byte) error
	DeleteBatch(keys []string) error

	// Scanning/iteration
	Keys(prefix string) ([]string, error)
	Scan(prefix string, fn func(key string, value []byte) error) error

	// Compact reclaims space left by deleted keys
	Compact() error
}
