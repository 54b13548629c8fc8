package store

import "testing"

// newAnonArena wires a fresh in-memory (unnamed) Arena[T], for tests that
// don't need a real backing file on disk.
func newAnonArena[T any](t *testing.T) *Arena[T] {
	t.Helper()
	rf, err := OpenRawFile("", 1<<20, true)
	if err != nil {
		t.Fatalf("OpenRawFile: %v", err)
	}
	a, err := NewArena[T](rf)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	return a
}

func newAnonAllocator[T any](t *testing.T) *Allocator[T] {
	t.Helper()
	return NewAllocator[T](newAnonArena[T](t))
}

// newAnonNameTable wires a fresh in-memory NameTable with a dedicated
// log file, mirroring the (nodes, log) pair OpenStore wires for each of
// the key/job_name/node_name trees.
func newAnonNameTable(t *testing.T) *NameTable {
	t.Helper()
	arena := newAnonArena[trieNode](t)
	logRF, err := OpenRawFile("", 1<<16, true)
	if err != nil {
		t.Fatalf("OpenRawFile: %v", err)
	}
	log, err := NewTxLog[trieNode](logRF, 8)
	if err != nil {
		t.Fatalf("NewTxLog[trieNode]: %v", err)
	}
	tree, err := NewPrefixTree(arena, log)
	if err != nil {
		t.Fatalf("NewPrefixTree: %v", err)
	}
	return NewNameTable(tree)
}
