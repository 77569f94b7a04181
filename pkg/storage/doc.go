// Package storage provides persistent caching of discovery log pages using
// an embedded BoltDB database.
//
// # Architecture
//
// The store keeps one record per discovery controller, keyed by the
// controller's TID key, so a warm restart of the daemon can present the
// last known discovered set to the reconciler before the first live
// Get-Log-Page completes:
//
//	┌─────────────────────────────────────────────────┐
//	│                 BoltStore                       │
//	│                                                 │
//	│  fabricd.db                                     │
//	│  └── log_pages bucket                           │
//	│      ├── <dc key> → {version, saved_at,         │
//	│      │               tid, entries}              │
//	│      └── <dc key> → ...                         │
//	└─────────────────────────────────────────────────┘
//
// Records are JSON encoded and carry a format version. A record whose
// version is unknown, or whose payload fails to unmarshal, is reported as
// not found rather than as an error. Stale cache is recoverable state, so
// nothing read from disk may abort startup.
//
// # Usage
//
//	store, err := storage.NewBoltStore("/var/lib/fabricd")
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	// Persist a freshly fetched log page cache.
//	err = store.Save(dc.TID().Key(), dc.TID(), entries)
//
//	// Restore on startup; ErrNotFound means start with an empty cache.
//	rec, err := store.Load(dc.TID().Key())
//	if errors.Is(err, storage.ErrNotFound) {
//		// no usable record
//	}
//
// # Integration Points
//
// The service layer saves after every cache update and loads during
// startup to mark caches provisional. Records restored this way are fully
// replaced, never merged, by the first successful Get-Log-Page. The
// fabricd-cache utility reads the same database offline for inspection
// and pruning.
//
// # Thread Safety
//
// All methods are safe for concurrent use. BoltDB serializes writers
// internally and allows concurrent readers.
package storage
