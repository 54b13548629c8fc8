package store

import "unsafe"

// TxLog is the prefix tree's transactional update log (spec.md §3.1): a
// small ring of "saved items" — (index, original record contents) pairs —
// written before a mutating step touches a node, and cleared ("commit")
// once the mutation completes. If the ring is non-empty at Open time, the
// saved items are restored, undoing whatever mutation was interrupted.
// NewPrefixTree restores a non-empty log when the tree is opened;
// PrefixTree's Insert and Erase do not write saved items into it. It is
// deliberately simple (fixed small capacity) since a single insert/erase
// touches only a handful of nodes.
type TxLog[T any] struct {
	rf  *RawFile
	cap int
}

type savedItem[T any] struct {
	Idx  uint32
	Node T
}

func savedItemSize[T any]() int64 {
	var z savedItem[T]
	return int64(unsafe.Sizeof(z))
}

const txLogHeaderSize = 16 // count, generation, padding

// NewTxLog wraps rf (a dedicated small RawFile) as a ring of `capacity`
// saved items.
func NewTxLog[T any](rf *RawFile, capacity int) (*TxLog[T], error) {
	l := &TxLog[T]{rf: rf, cap: capacity}
	need := txLogHeaderSize + int64(capacity)*savedItemSize[T]()
	if rf.Size() < need {
		if err := rf.Expand(need); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *TxLog[T]) countPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&l.rf.Bytes()[0]))
}

func (l *TxLog[T]) slot(i int) *savedItem[T] {
	off := txLogHeaderSize + int64(i)*savedItemSize[T]()
	return (*savedItem[T])(unsafe.Pointer(&l.rf.Bytes()[off]))
}

// Count returns how many saved items are currently pending commit.
func (l *TxLog[T]) Count() int { return int(*l.countPtr()) }

// Save records node's current contents under idx before it is mutated.
// Panics if the ring is full: callers bracket each mutation with at most
// a handful of Save calls, well under typical ring capacities.
func (l *TxLog[T]) Save(idx uint32, node T) {
	n := int(*l.countPtr())
	if n >= l.cap {
		panic("store: transaction log ring full")
	}
	*l.slot(n) = savedItem[T]{Idx: idx, Node: node}
	*l.countPtr() = uint32(n + 1)
}

// Commit clears the ring: the in-flight mutation completed successfully.
func (l *TxLog[T]) Commit() {
	*l.countPtr() = 0
}

// Restore reverts every saved item back into dst (the live node arena),
// then clears the ring. Call once at startup if Count() > 0.
func (l *TxLog[T]) Restore(dst *Arena[T]) {
	n := int(*l.countPtr())
	for i := 0; i < n; i++ {
		item := l.slot(i)
		*dst.At(item.Idx) = item.Node
	}
	*l.countPtr() = 0
}
