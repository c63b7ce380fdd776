package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"zenchat/models"
)

// ErrNoCache is returned by Load when nothing was saved for the user
var ErrNoCache = errors.New("no cached state")

// BadgerCache keeps one snapshot per user in a badger database
type BadgerCache struct {
	db *badger.DB
}

// OpenBadgerCache opens the cache at path, or in memory when path is empty
func OpenBadgerCache(path string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

func cacheKey(userID string) []byte {
	return []byte("state:" + userID)
}

func (c *BadgerCache) Load(_ context.Context, userID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoCache
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *BadgerCache) Save(_ context.Context, userID string, snap *models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheKey(userID), data)
	})
}

func (c *BadgerCache) Clear(_ context.Context, userID string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(userID))
	})
}

func (c *BadgerCache) Close() error {
	return c.db.Close()
}
