package replay

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/blake2b"
)

// CacheOptions configures the content-addressed output cache.
type CacheOptions struct {
	Dir      string // Required unless InMemory is set
	InMemory bool
}

// Cache stores executor outputs keyed by policy signature, seed and input hash,
// so identical inputs replay to identical outputs without calling a model again.
type Cache struct {
	db *badger.DB
}

// OpenCache opens the cache on disk, or in memory when opts.InMemory is set.
func OpenCache(opts CacheOptions) (*Cache, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("cache dir is required for a persistent cache")
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", opts.Dir, err)
		}
		bopts = badger.DefaultOptions(opts.Dir).WithSyncWrites(true)
	}
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open replay cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// CacheKey is the content address of one executor call.
func CacheKey(signature string, seed int64, inputHash string) string {
	h, _ := blake2b.New256(nil) //nolint:errcheck // unkeyed New256 cannot fail
	h.Write([]byte(signature))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(seed, 10)))
	h.Write([]byte{0})
	h.Write([]byte(inputHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached output for key, if any.
func (c *Cache) Get(key string) (*Output, bool, error) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache key %s: %w", key, err)
	}

	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return &out, true, nil
}

// Put stores out under key.
func (c *Cache) Put(key string, out *Output) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("write cache key %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close replay cache: %w", err)
	}
	return nil
}
