// Package metacache is a disk-backed key to bytes cache on bbolt.
package metacache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("metacache closed")

// Cache stores values in named buckets. Reads are promoted to an in-memory map.
// A Cache opened with an empty path keeps everything in memory.
type Cache struct {
	db *bolt.DB
	mu sync.RWMutex // Protects mem and closed

	mem    map[string][]byte
	closed bool
}

// Open opens or creates the cache file at path.
func Open(path string) (*Cache, error) {
	if path == "" {
		// Memory-only mode (no persistence)
		return &Cache{mem: make(map[string][]byte)}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	return &Cache{db: db, mem: make(map[string][]byte)}, nil
}

// Close releases the database file.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func memKey(bucket, key string) string {
	return bucket + ":" + key
}

// Get returns a copy of the value stored under bucket/key.
func (c *Cache) Get(bucket, key string) ([]byte, bool) {
	mk := memKey(bucket, key)

	c.mu.RLock()
	if data, ok := c.mem[mk]; ok {
		c.mu.RUnlock()
		return clone(data), true
	}
	closed := c.closed
	c.mu.RUnlock()

	if c.db == nil || closed {
		return nil, false
	}

	var data []byte
	c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			data = clone(v)
		}
		return nil
	})

	if data == nil {
		return nil, false
	}

	// Promote to memory cache
	c.mu.Lock()
	c.mem[mk] = data
	c.mu.Unlock()

	return clone(data), true
}

// Put stores value under bucket/key, creating the bucket if needed.
func (c *Cache) Put(bucket, key string, value []byte) error {
	data := clone(value)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mem[memKey(bucket, key)] = data
	c.mu.Unlock()

	if c.db == nil {
		return nil
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes bucket/key. Deleting a missing key is not an error.
func (c *Cache) Delete(bucket, key string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	delete(c.mem, memKey(bucket, key))
	c.mu.Unlock()

	if c.db == nil {
		return nil
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Keys lists the keys of a bucket in sorted order.
func (c *Cache) Keys(bucket string) []string {
	seen := make(map[string]struct{})
	prefix := bucket + ":"

	c.mu.RLock()
	for mk := range c.mem {
		if len(mk) > len(prefix) && mk[:len(prefix)] == prefix {
			seen[mk[len(prefix):]] = struct{}{}
		}
	}
	closed := c.closed
	c.mu.RUnlock()

	if c.db != nil && !closed {
		c.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(bucket))
			if b == nil {
				return nil
			}
			return b.ForEach(func(k, _ []byte) error {
				seen[string(k)] = struct{}{}
				return nil
			})
		})
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
