package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	// FsyncModeAlways requests a WAL fsync on each committed batch/write.
	FsyncModeAlways FsyncMode = iota
	// FsyncModeInterval lets Pebble coalesce WAL syncs for writes within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever never forces WAL syncs from the application.
	FsyncModeNever
)

// ParseFsyncMode maps "always", "interval" and "never" onto FsyncMode. Empty means always.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "always":
		return FsyncModeAlways, nil
	case "interval":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	default:
		return 0, fmt.Errorf("invalid fsync mode %q; use always|interval|never", s)
	}
}

// PebbleOptions configures the Pebble provider.
type PebbleOptions struct {
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS vfs.FS
}

type PebbleProvider struct {
	dir       string
	opts      PebbleOptions
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

// NewPebbleProvider creates a Pebble storage provider rooted at dir
func NewPebbleProvider(dir string, opts PebbleOptions) *PebbleProvider {
	return &PebbleProvider{
		dir:  dir,
		opts: opts,
	}
}

// Initialize opens the Pebble database
func (p *PebbleProvider) Initialize() error {
	if p.dir == "" {
		return errors.New("pebble: data directory is required")
	}

	po := &pebble.Options{}
	if p.opts.FS != nil {
		po.FS = p.opts.FS
	}

	p.writeOpts = pebble.NoSync
	switch p.opts.Fsync {
	case FsyncModeAlways:
		p.writeOpts = pebble.Sync
	case FsyncModeInterval:
		interval := p.opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
		p.writeOpts = pebble.Sync
	case FsyncModeNever:
	}

	db, err := pebble.Open(p.dir, po)
	if err != nil {
		return fmt.Errorf("opening pebble: %w", err)
	}
	p.db = db
	return nil
}

// Close closes the Pebble database
func (p *PebbleProvider) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Set stores a key-value pair
func (p *PebbleProvider) Set(key string, value []byte) error {
	return p.db.Set([]byte(key), value, p.writeOpts)
}

// Get copies the value for key
func (p *PebbleProvider) Get(key string) ([]byte, error) {
	val, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (p *PebbleProvider) Delete(key string) error {
	return p.db.Delete([]byte(key), p.writeOpts)
}

// SetBatch stores multiple key-value pairs in one atomic batch
func (p *PebbleProvider) SetBatch(items map[string][]byte) error {
	b := p.db.NewBatch()
	defer b.Close()
	for key, value := range items {
		if err := b.Set([]byte(key), value, nil); err != nil {
			return err
		}
	}
	return b.Commit(p.writeOpts)
}

// DeleteBatch removes multiple keys in one atomic batch
func (p *PebbleProvider) DeleteBatch(keys []string) error {
	b := p.db.NewBatch()
	defer b.Close()
	for _, key := range keys {
		if err := b.Delete([]byte(key), nil); err != nil {
			return err
		}
	}
	return b.Commit(p.writeOpts)
}

// Keys returns all keys with the given prefix
func (p *PebbleProvider) Keys(prefix string) ([]string, error) {
	var keys []string
	err := p.Scan(prefix, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// Scan iterates over all keys with the given prefix in key order
func (p *PebbleProvider) Scan(prefix string, fn func(key string, value []byte) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}

	for iter.First(); iter.Valid(); iter.Next() {
		value := append([]byte(nil), iter.Value()...)
		if err := fn(string(iter.Key()), value); err != nil {
			iter.Close()
			return err
		}
	}
	return iter.Close()
}

// Compact compacts the whole keyspace.
func (p *PebbleProvider) Compact() error {
	return p.db.Compact([]byte{0x00}, []byte{0xff}, true)
}

// prefixUpperBound returns the smallest key greater than every key starting with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // no upper bound
}
