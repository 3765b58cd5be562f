package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/edirooss/substancecache/internal/cacheerr"
)

// diskCacheVersion is the current on-disk schema version (spec §4.3).
const diskCacheVersion = 1

// diskCache is the versioned, checksummed envelope persisted to disk.
// Grounded on original_source/src/cache/persistence.rs's DiskCache, ported
// from rmp_serde to vmihailenco/msgpack.
type diskCache struct {
	Version     uint32    `msgpack:"version"`
	CreatedAt   time.Time `msgpack:"created_at"`
	Checksum    string    `msgpack:"checksum"`
	RecordCount int       `msgpack:"record_count"`
	Records     []Record  `msgpack:"records"`
}

func computeChecksum(records []Record) (string, []byte, error) {
	b, err := msgpack.Marshal(records)
	if err != nil {
		return "", nil, fmt.Errorf("%w: marshal records: %v", cacheerr.ErrPersistIO, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

func newDiskCache(records []Record) (diskCache, error) {
	checksum, _, err := computeChecksum(records)
	if err != nil {
		return diskCache{}, err
	}
	return diskCache{
		Version:     diskCacheVersion,
		CreatedAt:   time.Now(),
		Checksum:    checksum,
		RecordCount: len(records),
		Records:     records,
	}, nil
}

// validate checks the version, count, and checksum fields of a loaded cache.
func (c diskCache) validate() error {
	if c.Version > diskCacheVersion {
		return fmt.Errorf("%w: version %d newer than supported %d", cacheerr.ErrLoadIntegrity, c.Version, diskCacheVersion)
	}
	if c.RecordCount != len(c.Records) {
		return fmt.Errorf("%w: record count mismatch: declared %d, got %d", cacheerr.ErrLoadIntegrity, c.RecordCount, len(c.Records))
	}
	computed, _, err := computeChecksum(c.Records)
	if err != nil {
		return err
	}
	if computed != c.Checksum {
		return fmt.Errorf("%w: checksum mismatch, cache may be corrupt", cacheerr.ErrLoadIntegrity)
	}
	return nil
}

// LoadFromDisk reads and validates a persisted snapshot, returning a freshly
// built Snapshot (with the given alias table applied) on success.
func LoadFromDisk(path string, aliases AliasTable) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read cache file %q: %v", cacheerr.ErrPersistIO, path, err)
	}

	var dc diskCache
	if err := msgpack.Unmarshal(b, &dc); err != nil {
		return nil, fmt.Errorf("%w: deserialize cache file %q: %v", cacheerr.ErrLoadIntegrity, path, err)
	}

	if err := dc.validate(); err != nil {
		return nil, err
	}

	return BuildWithAliases(dc.Records, aliases), nil
}

// PersistToDisk writes the snapshot's records to path atomically: serialize
// to path+".tmp", then rename over path. Parent directories are created if
// missing. Aliases are intentionally not persisted (spec §4.3): they are
// reloaded from their own sources on the next startup.
func PersistToDisk(s *Snapshot, path string) error {
	dc, err := newDiskCache(s.Records)
	if err != nil {
		return err
	}

	b, err := msgpack.Marshal(dc)
	if err != nil {
		return fmt.Errorf("%w: serialize cache: %v", cacheerr.ErrPersistIO, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create cache directory %q: %v", cacheerr.ErrPersistIO, dir, err)
		}
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open temp cache file %q: %v", cacheerr.ErrPersistIO, tmpPath, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("%w: write temp cache file %q: %v", cacheerr.ErrPersistIO, tmpPath, err)
	}
	_ = f.Sync() // best-effort fsync before rename, per spec's Save contract
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close temp cache file %q: %v", cacheerr.ErrPersistIO, tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename temp cache file to %q: %v", cacheerr.ErrPersistIO, path, err)
	}

	return nil
}

// CacheExistsAndValid reports whether a cache file at path exists and passes
// its integrity check, without building a full snapshot from it.
func CacheExistsAndValid(path string) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var dc diskCache
	if err := msgpack.Unmarshal(b, &dc); err != nil {
		return false
	}
	return dc.validate() == nil
}

// DeleteCache removes the cache file at path.
func DeleteCache(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: delete cache file %q: %v", cacheerr.ErrPersistIO, path, err)
	}
	return nil
}
