// Package snapshot is the persisted-state surface spec §6 describes:
// "Model snapshots are opaque binary blobs named by event tag and
// NodeId; no other persistent state." Blobs live as plain files under a
// base directory; an embedded buntdb index maps (tag, NodeId) to the
// blob's relative path so lookups don't require a directory scan, and
// godirwalk rebuilds that index from disk (cmd/coordinator and cmd/worker
// call RebuildIndex at every startup) -- both are direct teacher dependencies (SPEC_FULL §11).
package snapshot

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/tidwall/buntdb"

	"github.com/fraunhofer-iais/dlsync/nodeid"
)

// Store owns one buntdb index and the directory tree its blobs live in.
type Store struct {
	db      *buntdb.DB
	baseDir string
}

// Open opens (creating if absent) the index at dbPath, rooted at baseDir
// for blob storage.
func Open(dbPath, baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	db, err := buntdb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, baseDir: baseDir}, nil
}

// Close releases the index.
func (s *Store) Close() error { return s.db.Close() }

func indexKey(tag string, id nodeid.NodeId) string { return tag + ":" + string(id) }

// Put writes a snapshot blob tagged by (tag, id) and indexes its path.
// tag is one of the LearningLogger event kinds (dlog.EventKind) that
// produces a snapshot -- e.g. "aggregatedSnapshot", "modelSnapshot".
func (s *Store) Put(tag string, id nodeid.NodeId, blob []byte) error {
	rel := filepath.Join(tag, string(id)+".bin")
	full := filepath.Join(s.baseDir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(full, blob, 0o644); err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(indexKey(tag, id), rel, nil)
		return err
	})
}

// Get reads back the most recently Put blob for (tag, id).
func (s *Store) Get(tag string, id nodeid.NodeId) ([]byte, error) {
	var rel string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(indexKey(tag, id))
		if err != nil {
			return err
		}
		rel = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(s.baseDir, rel))
}

// RebuildIndex walks baseDir and re-populates the buntdb index from
// whatever blob files are on disk, so a fresh or corrupted index file
// never loses visibility into snapshots a prior run already wrote.
func (s *Store) RebuildIndex() error {
	return godirwalk.Walk(s.baseDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() || filepath.Ext(osPathname) != ".bin" {
				return nil
			}
			rel, err := filepath.Rel(s.baseDir, osPathname)
			if err != nil {
				return err
			}
			tag := filepath.Dir(rel)
			id := nodeid.NodeId(strings.TrimSuffix(filepath.Base(rel), ".bin"))
			return s.db.Update(func(tx *buntdb.Tx) error {
				_, _, err := tx.Set(indexKey(tag, id), rel, nil)
				return err
			})
		},
	})
}
