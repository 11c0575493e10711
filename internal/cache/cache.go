// Package cache provides a self-cleaning, BoltDB-backed cache of
// already-verified whole-file checksums, so a repeat run with
// skip-existing does not have to re-read or re-parse an MHL to recover a
// file's hash.
//
// The open/read-old/write-new/atomic-swap lifecycle relies on BoltDB's own
// file locking on the ".new" path to prevent concurrent instances from
// stepping on each other. Keys are whole-file (path, size, mtime) tuples
// mapping to the 16-character xxhash64be hex digest; inode is deliberately
// left out of the key since nothing upstream of this package tracks one.
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

const bucketName = "hashes"

// Cache is a disabled no-op when opened with an empty path.
type Cache struct {
	readDB  *bolt.DB
	writeDB *bolt.DB
	path    string
	enabled bool
}

// Open opens the existing cache at path for reading and creates a fresh
// one at path+".new" for writing. Returns a disabled cache when path is "".
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}

	if _, statErr := os.Stat(path); statErr == nil {
		readDB, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
		if err == nil {
			c.readDB = readDB
		}
	}

	writeDB, err := bolt.Open(path+".new", 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new cache (locked by another instance?): %w", err)
	}
	c.writeDB = writeDB

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes both databases and, if the write database closed cleanly,
// atomically replaces the old cache file with the new one.
func (c *Cache) Close() error {
	var firstErr error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if err := os.Rename(c.path+".new", c.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

const keyVersion byte = 1

func makeKey(path string, size int64, mtime time.Time) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(keyVersion)
	buf.WriteString(path)
	buf.WriteByte(0)
	_ = binary.Write(buf, binary.BigEndian, size)
	_ = binary.Write(buf, binary.BigEndian, mtime.UnixNano())
	return buf.Bytes()
}

// Lookup returns a previously-stored hash for (path, size, mtime). A
// cache hit is copied into the new (write) database, so an entry survives
// as long as something keeps looking it up run after run — an unused
// entry is dropped when Close swaps the databases.
func (c *Cache) Lookup(path string, size int64, mtime time.Time) (string, bool) {
	if !c.enabled || c.readDB == nil {
		return "", false
	}

	key := makeKey(path, size, mtime)
	var hash string

	_ = c.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		if data := b.Get(key); len(data) > 0 {
			hash = string(data)
		}
		return nil
	})

	if hash == "" {
		return "", false
	}
	c.Store(path, size, mtime, hash)
	return hash, true
}

// Store records hash for (path, size, mtime) in the write database.
func (c *Cache) Store(path string, size int64, mtime time.Time, hash string) {
	if !c.enabled || c.writeDB == nil || hash == "" {
		return
	}
	_ = c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(makeKey(path, size, mtime), []byte(hash))
	})
}
