// SPDX-License-Identifier: MIT

package media

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/vidgrep/vidgrep/internal/metrics"
)

// cacheTTL bounds how long a hash/probe entry survives. Files that have
// not been rediscovered in a month get hashed again.
const cacheTTL = 30 * 24 * time.Hour

// CacheEntry is the cached outcome of hashing and probing one file
// identity (path + size + mtime).
type CacheEntry struct {
	ContentHash string      `json:"content_hash"`
	SizeBytes   int64       `json:"size_bytes"`
	Probe       ProbeResult `json:"probe"`
}

// Cache stores hash/probe results in badger so rediscovering an
// unchanged file never re-reads its contents.
type Cache struct {
	db *badger.DB
}

// OpenCache opens (or creates) the cache database at path.
func OpenCache(path string) (*Cache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open media cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

// CacheKey identifies a file revision. A rename, rewrite or touch
// produces a different key and therefore a fresh hash.
func CacheKey(path string, sizeBytes, mtimeMS int64) string {
	return path + "|" + strconv.FormatInt(sizeBytes, 10) + "|" + strconv.FormatInt(mtimeMS, 10)
}

// Get returns the cached entry for the key, or (nil, nil) on a miss.
func (c *Cache) Get(key string) (*CacheEntry, error) {
	var entry CacheEntry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("hash:" + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err == badger.ErrKeyNotFound {
		metrics.IncHashCache(false)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("media cache get: %w", err)
	}
	metrics.IncHashCache(true)
	return &entry, nil
}

// Put stores the entry under the key with the cache TTL.
func (c *Cache) Put(key string, entry *CacheEntry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("media cache marshal: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte("hash:"+key), buf).WithTTL(cacheTTL)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("media cache put: %w", err)
	}
	return nil
}
