package store

import "testing"

type point struct{ X, Y int32 }

func TestArenaEmplaceAndAt(t *testing.T) {
	a := newAnonArena[point](t)

	i1, err := a.EmplaceBack()
	if err != nil {
		t.Fatalf("EmplaceBack: %v", err)
	}
	if i1 != 1 {
		t.Fatalf("first record should be index 1 (0 is reserved null), got %d", i1)
	}
	a.At(i1).X, a.At(i1).Y = 3, 4

	i2, err := a.EmplaceBack()
	if err != nil {
		t.Fatalf("EmplaceBack: %v", err)
	}
	if i2 != 2 {
		t.Fatalf("second record should be index 2, got %d", i2)
	}
	if a.At(i1).X != 3 || a.At(i1).Y != 4 {
		t.Fatalf("first record clobbered by second emplace: %+v", *a.At(i1))
	}
	if a.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", a.Len())
	}
}

func TestArenaAtZeroPanics(t *testing.T) {
	a := newAnonArena[point](t)
	defer func() {
		if recover() == nil {
			t.Fatal("At(0) should panic: index 0 is the reserved null reference")
		}
	}()
	a.At(0)
}

func TestArenaPopZeroes(t *testing.T) {
	a := newAnonArena[point](t)
	idx, _ := a.EmplaceBack()
	a.At(idx).X = 42
	a.Pop(idx)
	if a.At(idx).X != 0 {
		t.Fatalf("Pop should zero the record, got X=%d", a.At(idx).X)
	}
	if a.Len() != 1 {
		t.Fatalf("Pop must not shrink the logical count (that's the allocator's job), got Len()=%d", a.Len())
	}
}

func TestArenaEmplaceBackNContiguous(t *testing.T) {
	a := newAnonArena[point](t)
	first, err := a.EmplaceBackN(5)
	if err != nil {
		t.Fatalf("EmplaceBackN: %v", err)
	}
	if first != 1 {
		t.Fatalf("first index of a fresh arena should be 1, got %d", first)
	}
	if a.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", a.Len())
	}
	for i := uint32(0); i < 5; i++ {
		a.At(first + i).X = int32(i)
	}
	for i := uint32(0); i < 5; i++ {
		if a.At(first+i).X != int32(i) {
			t.Fatalf("record %d: X=%d, want %d", i, a.At(first+i).X, i)
		}
	}
}
