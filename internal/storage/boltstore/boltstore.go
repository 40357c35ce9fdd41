// Package boltstore implements storage.Store on a single bbolt database.
//
// Each document is a JSON value under its name in the "documents" bucket.
// bbolt gives ACID single-file storage in pure Go, so a Save either commits
// fully or not at all.
package boltstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/leadflow/internal/storage"
)

var bucketDocuments = []byte("documents")

// Store is a bbolt-backed document store.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the bbolt database at path.
// It fails after one second if another process holds the file lock.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("boltstore: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("boltstore: create dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Load decodes the named document into v.
func (s *Store) Load(name string, v any) error {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketDocuments).Get([]byte(name))
		if val == nil {
			return storage.ErrNotFound
		}
		// val is only valid inside the transaction.
		data = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return storage.ErrClosed
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("boltstore: parse %s: %w", name, err)
	}
	return nil
}

// Save replaces the named document.
func (s *Store) Save(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("boltstore: marshal %s: %w", name, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(name), data)
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
