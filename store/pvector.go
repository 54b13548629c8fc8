package store

// PackedVector is a packed vector heap (spec.md §3.1/§4.1.4): a typed
// allocator whose records are variable-length chunks, each a length
// header quantum followed by `length` inline elements of type E. E must
// be POD, like every other Arena-backed type in this package. NodesVector
// (node-ids) and CrcsVector (crcs) are both instances of this type.
type PackedVector[E any] struct {
	alloc *Allocator[E]
}

func NewPackedVector[E any](alloc *Allocator[E]) *PackedVector[E] {
	return &PackedVector[E]{alloc: alloc}
}

func (pv *PackedVector[E]) length(idx uint32) uint32 {
	return *quantumNext(pv.alloc.arena.At(idx))
}

func (pv *PackedVector[E]) setLength(idx uint32, n uint32) {
	*quantumNext(pv.alloc.arena.At(idx)) = n
}

// Emplace allocates a new chunk holding a copy of span and returns its
// index. An empty span still allocates a (zero-length) chunk so callers
// always have an idx to store.
func (pv *PackedVector[E]) Emplace(span []E) (uint32, error) {
	idx, err := pv.alloc.Alloc(len(span) + 1)
	if err != nil {
		return 0, err
	}
	pv.setLength(idx, uint32(len(span)))
	for i, e := range span {
		*pv.alloc.arena.At(idx + 1 + uint32(i)) = e
	}
	return idx, nil
}

// View returns a copy of the elements stored at idx. idx == 0 (the null
// reference) is treated as an empty vector, so callers need not special-
// case never-allocated fields.
func (pv *PackedVector[E]) View(idx uint32) []E {
	if idx == 0 {
		return nil
	}
	n := pv.length(idx)
	out := make([]E, n)
	for i := uint32(0); i < n; i++ {
		out[i] = *pv.alloc.arena.At(idx + 1 + i)
	}
	return out
}

// ShortenBy drops the last n elements in place, releasing their quanta
// back to the allocator (spec.md §4.1's `shorten_by`).
func (pv *PackedVector[E]) ShortenBy(idx uint32, n int) {
	if idx == 0 || n == 0 {
		return
	}
	cur := int(pv.length(idx))
	newLen := cur - n
	if newLen < 0 {
		newLen = 0
	}
	pv.alloc.Shorten(idx, cur+1, newLen+1)
	pv.setLength(idx, uint32(newLen))
}

// Append copies span onto the end of the vector at idx, reallocating as
// needed, and returns the (possibly new) index.
func (pv *PackedVector[E]) Append(idx uint32, span []E) (uint32, error) {
	merged := append(pv.View(idx), span...)
	newIdx, err := pv.Emplace(merged)
	if err != nil {
		return 0, err
	}
	pv.Pop(idx)
	return newIdx, nil
}

// Assign replaces the contents at idx with span, reallocating.
func (pv *PackedVector[E]) Assign(idx uint32, span []E) (uint32, error) {
	newIdx, err := pv.Emplace(span)
	if err != nil {
		return 0, err
	}
	pv.Pop(idx)
	return newIdx, nil
}

// Pop frees the chunk at idx entirely.
func (pv *PackedVector[E]) Pop(idx uint32) {
	if idx == 0 {
		return
	}
	n := pv.length(idx)
	pv.alloc.Free(idx, int(n)+1)
}
