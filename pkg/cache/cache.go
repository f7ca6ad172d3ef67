// Package cache implements the node-local two-tier cache: a bounded
// in-memory LRU in front of a BoltDB disk tier. Every write lands in
// both tiers; reads that miss memory are re-hydrated from disk.
// Expiry is lazy, an expired entry is dropped from both tiers on the
// read that discovers it.
package cache

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xgpxg/conreg/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// memoryCapacity bounds the in-memory tier.
const memoryCapacity = 100_000

// NoExpiry marks an entry that never expires.
const NoExpiry int64 = -1

// TTLAbsent is returned by TTL for a key that does not exist.
const TTLAbsent int64 = -2

var bucketCache = []byte("cache")

// Cache is the two-tier local cache. Safe for concurrent use.
type Cache struct {
	mem *lru.Cache[string, *types.CacheEntry]
	db  *bolt.DB

	// mu serializes read-modify-write operations (Increment, RateLimit,
	// Lock) so they are atomic on this node.
	mu sync.Mutex
}

// New opens the cache with its disk tier under dataDir.
func New(dataDir string) (*Cache, error) {
	mem, err := lru.New[string, *types.CacheEntry](memoryCapacity)
	if err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dataDir, "cache.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCache)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{mem: mem, db: db}, nil
}

// Close closes the disk tier.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Set stores value under key with a ttl in seconds (NoExpiry for none).
func (c *Cache) Set(key string, value any, ttl int64) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.SetRaw(key, data, ttl)
}

// SetRaw stores already-encoded JSON under key.
func (c *Cache) SetRaw(key string, value json.RawMessage, ttl int64) error {
	entry := &types.CacheEntry{
		K:   key,
		V:   value,
		CT:  time.Now().Unix(),
		TTL: ttl,
	}
	if err := c.persist(entry); err != nil {
		return err
	}
	c.mem.Add(key, entry)
	return nil
}

// Get reads the raw value for key, reporting whether it exists (and has
// not expired).
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	entry := c.lookup(key)
	if entry == nil {
		return nil, false
	}
	return entry.V, true
}

// GetJSON reads the value for key into out.
func (c *Cache) GetJSON(key string, out any) bool {
	raw, ok := c.Get(key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// Remove deletes key from both tiers.
func (c *Cache) Remove(key string) error {
	c.mem.Remove(key)
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Delete([]byte(key))
	})
}

// Exists reports whether key is present and live.
func (c *Cache) Exists(key string) bool {
	return c.lookup(key) != nil
}

// TTL returns the remaining seconds for key: NoExpiry for a key without
// expiry, TTLAbsent for a missing key.
func (c *Cache) TTL(key string) int64 {
	entry := c.lookup(key)
	if entry == nil {
		return TTLAbsent
	}
	if entry.TTL == NoExpiry {
		return NoExpiry
	}
	remaining := entry.CT + entry.TTL - time.Now().Unix()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expire resets the ttl of an existing key, restarting its clock.
func (c *Cache) Expire(key string, ttl int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.lookup(key)
	if entry == nil {
		return fmt.Errorf("key %s not found", key)
	}
	entry.CT = time.Now().Unix()
	entry.TTL = ttl
	if err := c.persist(entry); err != nil {
		return err
	}
	c.mem.Add(key, entry)
	return nil
}

// Increment adds delta to the integer value at key, creating it at
// delta with no expiry when absent. Returns the new value.
func (c *Cache) Increment(key string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incrementLocked(key, delta, NoExpiry)
}

func (c *Cache) incrementLocked(key string, delta, ttlIfNew int64) (int64, error) {
	entry := c.lookup(key)
	if entry == nil {
		if err := c.setLocked(key, delta, ttlIfNew); err != nil {
			return 0, err
		}
		return delta, nil
	}
	current, err := strconv.ParseInt(string(entry.V), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not an integer", key)
	}
	next := current + delta
	entry.V = json.RawMessage(strconv.FormatInt(next, 10))
	if err := c.persist(entry); err != nil {
		return 0, err
	}
	c.mem.Add(key, entry)
	return next, nil
}

// RateLimit counts an event against key within a rolling window of
// windowSecs, allowing at most limit events. The first event in a
// window starts its clock. Returns false when the limit is exceeded.
func (c *Cache) RateLimit(key string, limit int64, windowSecs int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	count, err := c.incrementLocked(key, 1, windowSecs)
	if err != nil {
		return false, err
	}
	return count <= limit, nil
}

// Lock acquires a node-local lock on key for ttl seconds. Returns false
// when someone else holds it.
func (c *Cache) Lock(key string, ttl int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lookup(key) != nil {
		return false, nil
	}
	if err := c.setLocked(key, 1, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Unlock releases a lock taken with Lock.
func (c *Cache) Unlock(key string) error {
	return c.Remove(key)
}

func (c *Cache) setLocked(key string, value any, ttl int64) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	entry := &types.CacheEntry{K: key, V: data, CT: time.Now().Unix(), TTL: ttl}
	if err := c.persist(entry); err != nil {
		return err
	}
	c.mem.Add(key, entry)
	return nil
}

// lookup finds a live entry in memory or disk, evicting it from both
// tiers when expired.
func (c *Cache) lookup(key string) *types.CacheEntry {
	now := time.Now().Unix()

	if entry, ok := c.mem.Get(key); ok {
		if entry.Expired(now) {
			c.drop(key)
			return nil
		}
		return entry
	}

	var entry *types.CacheEntry
	c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCache).Get([]byte(key))
		if data == nil {
			return nil
		}
		var e types.CacheEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		entry = &e
		return nil
	})
	if entry == nil {
		return nil
	}
	if entry.Expired(now) {
		c.drop(key)
		return nil
	}
	c.mem.Add(key, entry)
	return entry
}

func (c *Cache) persist(entry *types.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Put([]byte(entry.K), data)
	})
}

func (c *Cache) drop(key string) {
	c.mem.Remove(key)
	c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCache).Delete([]byte(key))
	})
}
