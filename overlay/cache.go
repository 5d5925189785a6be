package overlay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// Cache holds the last known status label per path.
type Cache interface {
	Get(path string) (string, bool)
	Put(path, status string) error
	Clear() error
	Len() int
	Close() error
}

// MemoryCache is a Cache that lives only as long as the process.
type MemoryCache struct {
	mu       sync.RWMutex
	statuses map[string]string
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{statuses: make(map[string]string)}
}

func (c *MemoryCache) Get(path string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.statuses[path]
	return s, ok
}

func (c *MemoryCache) Put(path, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[path] = status
	return nil
}

func (c *MemoryCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.statuses)
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.statuses)
}

func (c *MemoryCache) Close() error { return nil }

var statusBucket = []byte("status")

// BoltCache persists statuses in a bbolt database so badges survive a
// restart of the extension.
type BoltCache struct {
	db *bbolt.DB
}

// OpenBoltCache opens or creates the database at path.
func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open status cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(statusBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create status bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

func (c *BoltCache) Get(path string) (string, bool) {
	var status string
	var found bool
	_ = c.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(statusBucket).Get([]byte(path)); v != nil {
			status, found = string(v), true
		}
		return nil
	})
	return status, found
}

func (c *BoltCache) Put(path, status string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(statusBucket).Put([]byte(path), []byte(status))
	})
}

// Clear drops every entry by recreating the bucket.
func (c *BoltCache) Clear() error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(statusBucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(statusBucket)
		return err
	})
}

func (c *BoltCache) Len() int {
	var n int
	_ = c.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(statusBucket).Stats().KeyN
		return nil
	})
	return n
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}
