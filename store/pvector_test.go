package store

import (
	"reflect"
	"testing"
)

func TestPackedVectorEmplaceView(t *testing.T) {
	pv := NewPackedVector[uint32](newAnonAllocator[uint32](t))

	idx, err := pv.Emplace([]uint32{10, 20, 30})
	if err != nil {
		t.Fatalf("Emplace: %v", err)
	}
	got := pv.View(idx)
	want := []uint32{10, 20, 30}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("View = %v, want %v", got, want)
	}
}

func TestPackedVectorViewOfNullIsEmpty(t *testing.T) {
	pv := NewPackedVector[uint32](newAnonAllocator[uint32](t))
	if v := pv.View(0); v != nil {
		t.Fatalf("View(0) = %v, want nil (null reference is the empty vector)", v)
	}
}

func TestPackedVectorShortenBy(t *testing.T) {
	pv := NewPackedVector[uint32](newAnonAllocator[uint32](t))
	idx, err := pv.Emplace([]uint32{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatalf("Emplace: %v", err)
	}
	pv.ShortenBy(idx, 2)
	got := pv.View(idx)
	want := []uint32{1, 2, 3}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("View after ShortenBy(2) = %v, want %v", got, want)
	}
}

func TestPackedVectorAppendAssign(t *testing.T) {
	pv := NewPackedVector[uint32](newAnonAllocator[uint32](t))
	idx, err := pv.Emplace([]uint32{1, 2})
	if err != nil {
		t.Fatalf("Emplace: %v", err)
	}
	idx, err = pv.Append(idx, []uint32{3, 4})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got, want := pv.View(idx), []uint32{1, 2, 3, 4}; !reflect.DeepEqual(got, want) {
		t.Fatalf("View after Append = %v, want %v", got, want)
	}

	idx, err = pv.Assign(idx, []uint32{9})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got, want := pv.View(idx), []uint32{9}; !reflect.DeepEqual(got, want) {
		t.Fatalf("View after Assign = %v, want %v", got, want)
	}
}

func TestPackedVectorEmptySpanStillAllocates(t *testing.T) {
	pv := NewPackedVector[uint32](newAnonAllocator[uint32](t))
	idx, err := pv.Emplace(nil)
	if err != nil {
		t.Fatalf("Emplace(nil): %v", err)
	}
	if idx == 0 {
		t.Fatalf("Emplace(nil) should still allocate a (zero-length) chunk, got idx=0")
	}
	if v := pv.View(idx); len(v) != 0 {
		t.Fatalf("View of an empty chunk = %v, want empty", v)
	}
}
