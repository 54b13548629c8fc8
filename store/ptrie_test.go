package store

import "testing"

func TestPrefixTreeInsertSearchRoundTrip(t *testing.T) {
	nt := newAnonNameTable(t)

	idx, err := nt.Intern("hello")
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	got, ok := nt.Lookup("hello")
	if !ok || got != idx {
		t.Fatalf("Lookup(hello) = (%d, %v), want (%d, true)", got, ok, idx)
	}
}

func TestPrefixTreeInsertIdempotent(t *testing.T) {
	nt := newAnonNameTable(t)

	idx1, err := nt.Intern("alpha")
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	idx2, err := nt.Intern("alpha")
	if err != nil {
		t.Fatalf("Intern (again): %v", err)
	}
	if idx1 != idx2 {
		t.Fatalf("interning the same string twice should return the same id: %d != %d", idx1, idx2)
	}
}

func TestPrefixTreeEraseRemovesSearchability(t *testing.T) {
	nt := newAnonNameTable(t)
	if _, err := nt.Intern("gone"); err != nil {
		t.Fatalf("Intern: %v", err)
	}
	if err := nt.Destroy("gone"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, ok := nt.Lookup("gone"); ok {
		t.Fatalf("Lookup should fail after Destroy")
	}
}

func TestPrefixTreeDistinguishesPrefixKeys(t *testing.T) {
	nt := newAnonNameTable(t)
	idShort, err := nt.Intern("car")
	if err != nil {
		t.Fatalf("Intern(car): %v", err)
	}
	idLong, err := nt.Intern("carpet")
	if err != nil {
		t.Fatalf("Intern(carpet): %v", err)
	}
	if idShort == idLong {
		t.Fatalf("a key that is a strict prefix of another must get a distinct id")
	}
	got, ok := nt.Lookup("car")
	if !ok || got != idShort {
		t.Fatalf("Lookup(car) = (%d, %v), want (%d, true)", got, ok, idShort)
	}
	got, ok = nt.Lookup("carpet")
	if !ok || got != idLong {
		t.Fatalf("Lookup(carpet) = (%d, %v), want (%d, true)", got, ok, idLong)
	}
	// "ca" was never inserted and must not resolve to either.
	if _, ok := nt.Lookup("ca"); ok {
		t.Fatalf("Lookup(ca) should miss: it was never interned")
	}
}

func TestPrefixTreeManyKeysRoundTrip(t *testing.T) {
	nt := newAnonNameTable(t)
	keys := []string{
		"a", "ab", "abc", "abd", "b", "ba", "bb",
		"src/main.go", "src/main_test.go", "src/util/helpers.go",
		"", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz",
	}
	ids := make(map[string]uint32, len(keys))
	for _, k := range keys {
		idx, err := nt.Intern(k)
		if err != nil {
			t.Fatalf("Intern(%q): %v", k, err)
		}
		ids[k] = idx
	}
	for _, k := range keys {
		got, ok := nt.Lookup(k)
		if !ok {
			t.Fatalf("Lookup(%q) missed after Intern", k)
		}
		if got != ids[k] {
			t.Fatalf("Lookup(%q) = %d, want %d", k, got, ids[k])
		}
	}
}

func TestPrefixTreeLongestPrefix(t *testing.T) {
	tree := newTreeForLongestPrefix(t)

	idx, matched := tree.LongestPrefix([]byte("foobarbaz"))
	if matched != len("foobar") {
		t.Fatalf("LongestPrefix(foobarbaz) matched %d bytes, want %d", matched, len("foobar"))
	}
	if tree.Value(idx) != 2 {
		t.Fatalf("LongestPrefix(foobarbaz) resolved to value %d, want 2 (the 'foobar' entry)", tree.Value(idx))
	}
}

// newTreeForLongestPrefix builds a raw PrefixTree (not via NameTable, so
// we can assign specific payload values to distinguish entries).
func newTreeForLongestPrefix(t *testing.T) *PrefixTree {
	t.Helper()
	arena := newAnonArena[trieNode](t)
	logRF, err := OpenRawFile("", 1<<16, true)
	if err != nil {
		t.Fatalf("OpenRawFile: %v", err)
	}
	log, err := NewTxLog[trieNode](logRF, 8)
	if err != nil {
		t.Fatalf("NewTxLog: %v", err)
	}
	tree, err := NewPrefixTree(arena, log)
	if err != nil {
		t.Fatalf("NewPrefixTree: %v", err)
	}
	for i, key := range []string{"foo", "foobar"} {
		idx, _, err := tree.Insert([]byte(key), 0)
		if err != nil {
			t.Fatalf("Insert(%q): %v", key, err)
		}
		tree.SetValue(idx, uint32(i+1))
	}
	return tree
}

func TestPrefixTreeValidateCleanAfterOps(t *testing.T) {
	nt := newAnonNameTable(t)
	for _, k := range []string{"one", "two", "three", "onetwothree"} {
		if _, err := nt.Intern(k); err != nil {
			t.Fatalf("Intern(%q): %v", k, err)
		}
	}
	if err := nt.Destroy("two"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if violations := nt.tree.Validate(); len(violations) != 0 {
		t.Fatalf("tree.Validate() after insert/erase churn = %v, want none", violations)
	}
}
