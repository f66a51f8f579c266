package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const defaultBoltBucket = "downloads"

// BoltStore implements Store on top of a single bbolt bucket
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
}

// NewBoltStore opens (or creates) the bbolt database at config.Path
func NewBoltStore(config *BoltConfig) (*BoltStore, error) {
	if config == nil {
		return nil, ErrMissingBoltConfig
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bbolt.Open(config.Path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	bucket := config.Bucket
	if bucket == "" {
		bucket = defaultBoltBucket
	}

	store := &BoltStore{db: db, bucket: []byte(bucket)}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(store.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	return store, nil
}

// Put stores value under key
func (s *BoltStore) Put(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if err := b.Put([]byte(key), value); err != nil {
			return fmt.Errorf("failed to put %s: %w", key, err)
		}
		return nil
	})
}

// Get retrieves the value stored under key
func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		// bbolt values are only valid inside the transaction
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes key
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// Keys lists keys with the given prefix using a cursor seek
func (s *BoltStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	p := []byte(prefix)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}
