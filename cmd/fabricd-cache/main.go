package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fabricd/fabricd/pkg/storage"
)

var (
	dataDir = flag.String("data-dir", "/var/lib/fabricd", "fabricd data directory")
	show    = flag.String("show", "", "Print one record as JSON, selected by a unique TID substring")
	remove  = flag.String("delete", "", "Delete one record, selected by a unique TID substring")
	prune   = flag.Duration("prune", 0, "Delete records older than this (e.g. 72h)")
	dryRun  = flag.Bool("dry-run", false, "Show what would be deleted without making changes")
)

// fabricd-cache inspects and maintains the persisted discovery log page
// caches. Run it while the daemon is stopped; bolt allows one writer.
func main() {
	flag.Parse()

	log.SetFlags(0)

	dbPath := filepath.Join(*dataDir, "fabricd.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("No cache database at %s", dbPath)
	}

	store, err := storage.NewBoltStore(*dataDir)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", dbPath, err)
	}
	defer store.Close()

	switch {
	case *show != "":
		if err := showRecord(store, *show); err != nil {
			log.Fatal(err)
		}
	case *remove != "":
		if err := deleteRecord(store, *remove); err != nil {
			log.Fatal(err)
		}
	case *prune > 0:
		if err := pruneRecords(store, *prune, *dryRun); err != nil {
			log.Fatal(err)
		}
	default:
		if err := listRecords(store); err != nil {
			log.Fatal(err)
		}
	}
}

func listRecords(store storage.Store) error {
	keys, err := store.Keys()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		log.Println("No cached log pages.")
		return nil
	}

	for _, key := range keys {
		rec, err := store.Load(key)
		if err != nil {
			log.Printf("%-60s  (unreadable: %v)", key, err)
			continue
		}
		log.Printf("%-60s  %3d entries  saved %s",
			rec.TID, len(rec.Entries), rec.SavedAt.Format(time.RFC3339))
	}
	return nil
}

// resolveKey finds the store key whose TID rendering contains the query.
// The raw keys carry NUL separators, so they cannot be typed on a command
// line; the human-readable TID is the lookup handle instead.
func resolveKey(store storage.Store, query string) (string, *storage.Record, error) {
	keys, err := store.Keys()
	if err != nil {
		return "", nil, err
	}

	var matchKey string
	var matchRec *storage.Record
	for _, key := range keys {
		rec, err := store.Load(key)
		if err != nil {
			continue
		}
		if !strings.Contains(rec.TID.String(), query) {
			continue
		}
		if matchKey != "" {
			return "", nil, fmt.Errorf("%q matches both %s and %s, be more specific",
				query, matchRec.TID, rec.TID)
		}
		matchKey, matchRec = key, rec
	}
	if matchKey == "" {
		return "", nil, fmt.Errorf("no record matches %q", query)
	}
	return matchKey, matchRec, nil
}

func showRecord(store storage.Store, query string) error {
	_, rec, err := resolveKey(store, query)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func deleteRecord(store storage.Store, query string) error {
	key, rec, err := resolveKey(store, query)
	if err != nil {
		return err
	}
	if err := store.Delete(key); err != nil {
		return err
	}
	log.Printf("Deleted %s", rec.TID)
	return nil
}

func pruneRecords(store storage.Store, age time.Duration, dryRun bool) error {
	keys, err := store.Keys()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-age)
	pruned := 0
	for _, key := range keys {
		rec, err := store.Load(key)
		if err != nil {
			continue
		}
		if rec.SavedAt.After(cutoff) {
			continue
		}
		if dryRun {
			log.Printf("Would delete %s (saved %s)", rec.TID, rec.SavedAt.Format(time.RFC3339))
		} else {
			if err := store.Delete(key); err != nil {
				return err
			}
			log.Printf("Deleted %s (saved %s)", rec.TID, rec.SavedAt.Format(time.RFC3339))
		}
		pruned++
	}

	if dryRun {
		log.Printf("%d record(s) would be pruned. Run without -dry-run to delete.", pruned)
	} else {
		log.Printf("%d record(s) pruned.", pruned)
	}
	return nil
}
