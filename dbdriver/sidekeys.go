// Package dbdriver holds the small embedded key-value side stores used
// alongside the core mmap'd store: the key-id-to-repo-key-string mapping
// that the daemon records as keys are interned and that the repair tool
// rewrites after a replay (spec.md §3.4). Both are genuinely small, rarely-written
// collections, distinct in access pattern from the core prefix tree, so
// they ride on an embedded KV store rather than a second typed arena.
package dbdriver

import (
	"strconv"

	"github.com/tidwall/buntdb"
)

const (
	autoShrinkSize       = 1 << 20 // 1MiB
	autoShrinkPercentage = 50
)

// SideKeys is a buntdb-backed collection keyed by "%d" % key_id, storing
// the literal repo-key string a key-id was interned from: the inverse of
// the core prefix tree's string → id map. Run-directory names carry the
// repo-key string itself, so repair rewrites this file but does not read
// it back.
type SideKeys struct {
	db *buntdb.DB
}

// OpenSideKeys opens (or creates) the side file at path.
func OpenSideKeys(path string) (*SideKeys, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.SetConfig(buntdb.Config{
		SyncPolicy:           buntdb.EverySecond,
		AutoShrinkMinSize:    autoShrinkSize,
		AutoShrinkPercentage: autoShrinkPercentage,
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &SideKeys{db: db}, nil
}

func (sk *SideKeys) Close() error { return sk.db.Close() }

// Put records that keyID was interned from repoKey.
func (sk *SideKeys) Put(keyID uint32, repoKey string) error {
	return sk.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(strconv.FormatUint(uint64(keyID), 10), repoKey, nil)
		return err
	})
}

// Get recovers the repo-key string keyID was interned from. ok is false
// if keyID has no recorded mapping (the side file may predate some keys,
// or an id may never have been committed).
func (sk *SideKeys) Get(keyID uint32) (repoKey string, ok bool) {
	err := sk.db.View(func(tx *buntdb.Tx) error {
		var err error
		repoKey, err = tx.Get(strconv.FormatUint(uint64(keyID), 10))
		return err
	})
	return repoKey, err == nil
}

// Delete removes keyID's recorded mapping, called when a key is
// destroyed on refcount reaching zero so the side file doesn't grow
// without bound across the cache's lifetime.
func (sk *SideKeys) Delete(keyID uint32) error {
	err := sk.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(strconv.FormatUint(uint64(keyID), 10))
		return err
	})
	if err == buntdb.ErrNotFound {
		return nil
	}
	return err
}

// All iterates every recorded (key-id, repo-key) pair in the string
// order of the decimal key-ids (so "10" comes before "2").
func (sk *SideKeys) All(fn func(keyID uint32, repoKey string)) error {
	return sk.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(k, v string) bool {
			id, err := strconv.ParseUint(k, 10, 32)
			if err != nil {
				return true
			}
			fn(uint32(id), v)
			return true
		})
	})
}
