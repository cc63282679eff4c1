// Package boltstore implements store.Store and store.Appender over a bbolt
// database file. A bbolt file may be opened by only one process at a time,
// so Store suits single-host deployments where every replica shares one
// process, and development.
package boltstore

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
	"go.gazette.dev/topiclog/store"
)

var bucketName = []byte("topiclog")

// Store is a store.Store backed by bbolt.
type Store struct {
	path string
	db   *bolt.DB
}

// Open the bbolt database at |path|, creating it if required.
func Open(path string) (*Store, error) {
	// Ensure the required directory structure exists.
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.WithMessagef(err, "creating directory of %s", path)
	}
	var db, err = bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.WithMessagef(err, "opening bolt database %s", path)
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		var _, err = tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "creating bucket")
	}

	log.WithField("path", path).Info("opened bolt store")
	return &Store{path: path, db: db}, nil
}

// Close the database.
func (s *Store) Close() error { return s.db.Close() }

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) (out int64, err error) {
	if err = ctx.Err(); err != nil {
		return 0, store.Unavailable(err)
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		var b = tx.Bucket(bucketName).Get([]byte(key))
		if b == nil {
			return store.ErrNotFound
		}
		out = decode(b)
		return nil
	})
	return
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, key string, value int64) error {
	if err := ctx.Err(); err != nil {
		return store.Unavailable(err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), encode(value))
	})
}

// CompareAndSwap implements store.Store.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, next int64, createIfMissing bool) error {
	if err := ctx.Err(); err != nil {
		return store.Unavailable(err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return cas(tx.Bucket(bucketName), key, expected, next, createIfMissing)
	})
}

// CompareAndSwapAndPut implements store.Appender. Both writes are applied
// within a single bolt transaction.
func (s *Store) CompareAndSwapAndPut(ctx context.Context,
	counterKey string, expected, next int64, createIfMissing bool,
	entryKey string, value int64) error {

	if err := ctx.Err(); err != nil {
		return store.Unavailable(err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		var bucket = tx.Bucket(bucketName)
		if err := cas(bucket, counterKey, expected, next, createIfMissing); err != nil {
			return err
		}
		return bucket.Put([]byte(entryKey), encode(value))
	})
}

func cas(bucket *bolt.Bucket, key string, expected, next int64, createIfMissing bool) error {
	if cur := bucket.Get([]byte(key)); cur == nil && !createIfMissing {
		return store.ErrNotFound
	} else if cur != nil && decode(cur) != expected {
		return store.ErrPreconditionFailed
	}
	return bucket.Put([]byte(key), encode(next))
}

func encode(v int64) []byte {
	var b = make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decode(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) }
