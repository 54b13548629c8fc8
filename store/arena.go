package store

import (
	"unsafe"
)

// Arena is a struct arena: a RawFile holding a header followed by a flat
// array of fixed-size records of type T, indexed 1..N (index 0 is the
// reserved null reference, per spec.md §3.1). T must be a plain-old-data
// type — fixed-size arrays and integers only, no slices/pointers/strings
// — because its memory lives in an mmap'd region the Go garbage collector
// does not scan.
type Arena[T any] struct {
	rf    *RawFile
	count uint32 // logical record count, mirrored into the header
}

const arenaHeaderSize = 64 // room for a count + future version/flags fields

// NewArena wraps rf as an Arena[T]. rf must already be open; NewArena
// reads (or, if the file is empty, initializes) the header.
func NewArena[T any](rf *RawFile) (*Arena[T], error) {
	a := &Arena[T]{rf: rf}
	if rf.Size() < arenaHeaderSize {
		if err := rf.Expand(arenaHeaderSize); err != nil {
			return nil, err
		}
	}
	a.count = a.readCount()
	return a, nil
}

func (a *Arena[T]) recordSize() int64 {
	var zero T
	return int64(unsafe.Sizeof(zero))
}

func (a *Arena[T]) readCount() uint32 {
	b := a.rf.Bytes()
	if len(b) < 4 {
		return 0
	}
	return *(*uint32)(unsafe.Pointer(&b[0]))
}

func (a *Arena[T]) writeCount() {
	b := a.rf.Bytes()
	*(*uint32)(unsafe.Pointer(&b[0])) = a.count
}

// Len returns the logical record count (not counting the reserved index 0).
func (a *Arena[T]) Len() uint32 { return a.count }

func (a *Arena[T]) offset(idx uint32) int64 {
	return arenaHeaderSize + int64(idx-1)*a.recordSize()
}

// At returns a pointer into the mapped record at idx. idx must be in
// [1, Len()]; At(0) is a programming error (the reserved null index).
func (a *Arena[T]) At(idx uint32) *T {
	if idx == 0 {
		panic("store: Arena.At(0): null reference")
	}
	off := a.offset(idx)
	b := a.rf.Bytes()
	return (*T)(unsafe.Pointer(&b[off]))
}

// EmplaceBack grows the arena by one record (zero-valued) and returns its
// index. Freed/reused indices are the allocator layer's responsibility,
// not the raw arena's — this mirrors the teacher's layering of a dumb
// append-only arena underneath the free-list allocator.
func (a *Arena[T]) EmplaceBack() (uint32, error) {
	needed := a.offset(a.count+2) // +1 for 1-based, +1 for the new record
	if err := a.rf.Expand(needed); err != nil {
		return 0, err
	}
	a.count++
	a.writeCount()
	return a.count, nil
}

// Pop placement-destructs (zeroes) the record at idx. It does not shrink
// the logical count: reclaiming dead slots is the free-list allocator's
// job (see alloc.go), exactly as spec.md §4.1.2 splits "struct arena" from
// "free-list allocator" concerns.
func (a *Arena[T]) Pop(idx uint32) {
	var zero T
	*a.At(idx) = zero
}

// EmplaceBackN grows the arena by n contiguous records, returning the
// index of the first one (used by the free-list allocator to grow a
// bucket by more than one quantum at a time).
func (a *Arena[T]) EmplaceBackN(n uint32) (uint32, error) {
	if n == 0 {
		panic("store: EmplaceBackN(0)")
	}
	needed := a.offset(a.count + n + 1)
	if err := a.rf.Expand(needed); err != nil {
		return 0, err
	}
	first := a.count + 1
	a.count += n
	a.writeCount()
	return first, nil
}
