package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fabricd/fabricd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketLogPages = []byte("log_pages")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fabricd.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLogPages); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketLogPages, err)
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Save persists the log page cache for one discovery controller
func (s *BoltStore) Save(key string, tid types.TID, entries []types.DLPE) error {
	rec := Record{
		Version: recordVersion,
		SavedAt: time.Now().UTC(),
		TID:     tid,
		Entries: entries,
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogPages)
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Load returns the record for key, or ErrNotFound when absent or unusable
func (s *BoltStore) Load(key string) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogPages)
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			// Corrupt record, same as absent
			return ErrNotFound
		}
		if rec.Version != recordVersion {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes the record for key
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogPages)
		return b.Delete([]byte(key))
	})
}

// Keys lists the keys of all usable records
func (s *BoltStore) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogPages)
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.Version != recordVersion {
				return nil
			}
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
