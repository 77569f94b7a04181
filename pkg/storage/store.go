package storage

import (
	"errors"
	"time"

	"github.com/fabricd/fabricd/pkg/types"
)

// ErrNotFound is returned by Load when no cache record exists for the
// requested discovery controller.
var ErrNotFound = errors.New("cache record not found")

// recordVersion is the on-disk format version. Records carrying any other
// version are treated as absent so a downgrade never crashes startup.
const recordVersion = 1

// Record is the persisted form of one discovery controller's log page cache.
type Record struct {
	Version int          `json:"version"`
	SavedAt time.Time    `json:"saved_at"`
	TID     types.TID    `json:"tid"`
	Entries []types.DLPE `json:"entries"`
}

// Store defines the interface for the last-known-config cache
type Store interface {
	// Save persists the log page cache for the discovery controller
	// identified by key, replacing any previous record.
	Save(key string, tid types.TID, entries []types.DLPE) error

	// Load returns the persisted record for key, or ErrNotFound when no
	// usable record exists. Corrupt or unknown-version records load as
	// ErrNotFound, never as a failure.
	Load(key string) (*Record, error)

	// Delete removes the record for key. Deleting an absent key is not
	// an error.
	Delete(key string) error

	// Keys lists the keys of all usable records.
	Keys() ([]string, error)

	// Utility
	Close() error
}
