// Package cache provides a self-cleaning resumption cache mapping a
// claimed inode to its already-computed content fingerprint, so a worker
// restarted after a crash doesn't re-read and re-hash content it already
// fingerprinted in a prior attempt.
package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketName      = "fingerprints"
	fingerprintSize = 32 // sha256.Size
)

// Cache provides persistent caching of inode fingerprints using BoltDB.
// Implements self-cleaning: each run creates a new database, only entries
// looked up (hit or fresh store) survive into the next run's file.
type Cache struct {
	readDB  *bolt.DB // existing cache, read-only
	writeDB *bolt.DB // new cache being written this run; BoltDB locks this file
	path    string   // final path, for the atomic swap in Close
	enabled bool
}

// Open opens the existing cache at path for reading and creates a new
// cache alongside it for writing. BoltDB's own file locking on the ".new"
// file prevents two instances from racing on the same cache. Returns a
// disabled (no-op) cache if path is empty.
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}
	var err error

	if _, statErr := os.Stat(path); statErr == nil {
		c.readDB, err = bolt.Open(path, 0o600, &bolt.Options{
			ReadOnly: true,
			Timeout:  1 * time.Second,
		})
		if err != nil {
			c.readDB = nil // continue without a read cache
		}
	}

	newPath := path + ".new"
	c.writeDB, err = bolt.Open(newPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new cache (locked by another instance?): %w", err)
	}

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes both databases and atomically replaces the old cache file
// with the new one. Only replaces if the write database closed cleanly,
// to avoid losing the prior run's cache on a failed write.
func (c *Cache) Close() error {
	var errs []error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			errs = append(errs, err)
		} else if err := os.Rename(c.path+".new", c.path); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

const keyVersion byte = 1 // increment when key format changes

// makeKey builds a deterministic lookup key: ver(1) + medium_hash + NUL +
// ino(8) + size(8) + mtime(8). Any change to size or mtime invalidates
// the entry, since either means the content may no longer match.
func makeKey(mediumHash string, ino uint64, size int64, mtime time.Time) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(keyVersion)
	buf.WriteString(mediumHash)
	buf.WriteByte(0)
	_ = binary.Write(buf, binary.BigEndian, ino)
	_ = binary.Write(buf, binary.BigEndian, size)
	_ = binary.Write(buf, binary.BigEndian, mtime.UnixNano())
	return buf.Bytes()
}

// Lookup retrieves a previously computed fingerprint for (mediumHash,
// ino, size, mtime); any change in size or mtime is a miss. On a hit, the
// entry is copied into the new database (self-cleaning). Returns (nil,
// nil) on a miss, (nil, err) only on a read error.
func (c *Cache) Lookup(mediumHash string, ino uint64, size int64, mtime time.Time) ([]byte, error) {
	if !c.enabled || c.readDB == nil {
		return nil, nil
	}

	key := makeKey(mediumHash, ino, size, mtime)
	var fingerprint []byte

	err := c.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		data := b.Get(key)
		if len(data) == fingerprintSize {
			fingerprint = make([]byte, fingerprintSize)
			copy(fingerprint, data)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if fingerprint == nil {
		return nil, nil
	}

	_ = c.Store(mediumHash, ino, size, mtime, fingerprint)
	return fingerprint, nil
}

// Store saves a fingerprint for (mediumHash, ino, size, mtime) into the
// new database.
func (c *Cache) Store(mediumHash string, ino uint64, size int64, mtime time.Time, fingerprint []byte) error {
	if !c.enabled || c.writeDB == nil || len(fingerprint) != fingerprintSize {
		return nil
	}

	err := c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(makeKey(mediumHash, ino, size, mtime), fingerprint)
	})
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}
