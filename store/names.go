package store

import cuckoofilter "github.com/seiflotfy/cuckoofilter"

// NameTable interns strings into 32-bit ids backed by a PrefixTree, with
// a cuckoo-filter prefilter in front of it: most Lookup calls on a large
// cache are for deps the cache has never heard of (a cold or partially
// warm cache sees mostly-new paths), so a definite-negative answer from
// the filter skips an O(key length) trie walk entirely. The filter is an
// accelerator only — the tree remains the source of truth, so a false
// positive from the filter just costs an extra trie miss, never a wrong
// answer. Used for the Key, job-name, and node-name tables of spec.md
// §3.2.
type NameTable struct {
	tree   *PrefixTree
	filter *cuckoofilter.ScalableCuckooFilter
}

// NewNameTable wraps tree with a fresh filter and loads every live entry
// of the tree into it, since the filter itself is not persisted.
func NewNameTable(tree *PrefixTree) *NameTable {
	nt := &NameTable{tree: tree, filter: cuckoofilter.NewScalableCuckooFilter()}
	tree.Walk(func(key []byte, _ uint32) { nt.filter.InsertUnique(key) })
	return nt
}

// Lookup resolves name to its id without creating it.
func (nt *NameTable) Lookup(name string) (uint32, bool) {
	key := []byte(name)
	if !nt.filter.Lookup(key) {
		return 0, false
	}
	idx := nt.tree.Search(key)
	return idx, idx != 0
}

// Intern resolves name to its id, creating an entry (refcount 0) if
// absent.
func (nt *NameTable) Intern(name string) (uint32, error) {
	key := []byte(name)
	idx, created, err := nt.tree.Insert(key, 0)
	if err != nil {
		return 0, err
	}
	if created {
		nt.filter.InsertUnique(key)
	}
	return idx, nil
}

// IncRef bumps the refcount of an already-interned id.
func (nt *NameTable) IncRef(idx uint32) uint32 {
	return nt.tree.IncValue(idx)
}

// DecRef drops the refcount of idx by one; if it reaches zero the caller
// is responsible for deciding whether to destroy it immediately or defer
// to the trash set (spec.md §4.3.5). Returns the new refcount.
func (nt *NameTable) DecRef(idx uint32) uint32 {
	return nt.tree.DecValue(idx)
}

// RefCount returns the current refcount of idx.
func (nt *NameTable) RefCount(idx uint32) uint32 {
	return nt.tree.Value(idx)
}

// Destroy removes name from the table entirely: callers must only call
// this once RefCount(idx) == 0.
func (nt *NameTable) Destroy(name string) error {
	key := []byte(name)
	_, err := nt.tree.Erase(key)
	// The filter never un-learns a false membership claim except via an
	// explicit Delete; removing here keeps its false-positive rate from
	// drifting upward as keys churn.
	nt.filter.Delete(key)
	return err
}

// Walk visits every interned (name, value) pair, in the underlying
// trie's traversal order. Used by read-only tools (cmd/cachedump) that
// need to enumerate every job/key/node without reaching into the
// package-private tree field directly.
func (nt *NameTable) Walk(fn func(name []byte, value uint32)) {
	nt.tree.Walk(func(key []byte, trieIdx uint32) {
		fn(key, nt.tree.Value(trieIdx))
	})
}
