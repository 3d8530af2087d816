// Package utils holds the small persistence and HTTP helpers shared by the
// render worker and the viewer.
package utils

import (
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// DiskCache is a badger-backed byte cache with an in-memory front for hot
// keys. It stores fetched image payloads so repeated views of the same area do
// not hit remote map services again.
type DiskCache struct {
	db    *badger.DB
	ttl   time.Duration
	cache sync.Map
}

// OpenDiskCache opens (or creates) a cache at path. An empty path opens an
// in-memory store. Entries expire after ttl; zero keeps them forever.
func OpenDiskCache(path string, ttl time.Duration) (*DiskCache, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	// Decrease logging verbosity
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DiskCache{db: db, ttl: ttl}, nil
}

func (c *DiskCache) Close() error {
	return c.db.Close()
}

func (c *DiskCache) Put(key string, value []byte) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
	if err == nil && c.ttl == 0 {
		c.cache.Store(key, value)
	}
	return err
}

// Get returns the cached value, or nil without error when the key is absent.
func (c *DiskCache) Get(key string) ([]byte, error) {
	if v, ok := c.cache.Load(key); ok {
		return v.([]byte), nil
	}
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return val, err
}

func (c *DiskCache) Delete(key string) error {
	c.cache.Delete(key)
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// ForEach walks every stored entry in key order.
func (c *DiskCache) ForEach(fn func(k []byte, v []byte) error) error {
	return c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := item.Key()
			err := item.Value(func(v []byte) error {
				return fn(k, v)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
