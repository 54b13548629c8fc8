// Package store implements the memory-mapped, append-only typed-file
// kernel of the build-artifact cache: growable raw files, a generic
// struct arena, a size-classed free-list allocator, a packed-vector heap,
// and the prefix tree used by every interned name table. It is grounded
// on aistore's memsys/mmsa.go (size-classed slab rings, grow-on-demand)
// and lru/lru.go (intrusive doubly-linked chains over integer indices).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RawFile is a file mapped into memory, whose logical size grows
// monotonically. Growth unmaps and remaps a larger region rather than
// mremap(MAP_FIXED)-ing in place: Go cannot safely keep old []byte slices
// alive across a real MAP_FIXED remap the way the C++ original does, so
// every RawFile method that can observe growth re-derives its slice from
// Bytes() instead of caching one across a mutation. Capacity is a
// configuration ceiling, not a hint: exceeding it is a fatal parameter
// error exactly as spec.md §4.1.1 describes.
type RawFile struct {
	path     string
	f        *os.File
	capacity int64 // virtual ceiling; never remapped past this
	size     int64 // logical size, <= capacity; the mapping is rounded up to whole pages
	data     []byte
	writable bool
	anon     bool // true for in-memory (unnamed) files, used by tests
}

const pageSize = 4096

func roundUpPage(sz int64) int64 {
	return (sz + pageSize - 1) &^ (pageSize - 1)
}

// OpenRawFile maps `path` (or an anonymous region if path == "") with the
// given capacity ceiling. writable controls PROT_WRITE and whether growth
// is permitted at all (read-only stores, used by `repair`/`cachedump`,
// never grow their mapping).
func OpenRawFile(path string, capacity int64, writable bool) (*RawFile, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("store: capacity must be positive (got %d); recompile/reconfigure with a larger ceiling", capacity)
	}
	rf := &RawFile{path: path, capacity: capacity, writable: writable, anon: path == ""}
	if rf.anon {
		rf.size = 0
		return rf, nil
	}
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", path)
	}
	rf.f = f
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "store: stat %s", path)
	}
	rf.size = fi.Size()
	if rf.size > 0 {
		if err := rf.mapPrefix(rf.size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return rf, nil
}

// Size returns the current logical size in bytes.
func (rf *RawFile) Size() int64 { return rf.size }

// Bytes returns the live mapping, valid until the next Expand/Clear/Close.
func (rf *RawFile) Bytes() []byte { return rf.data }

func (rf *RawFile) mapPrefix(sz int64) error {
	mapped := roundUpPage(sz)
	if mapped > rf.capacity {
		return fmt.Errorf("store: %s exceeds configured capacity %d bytes; recompile/reconfigure with a larger ceiling", rf.path, rf.capacity)
	}
	prot := unix.PROT_READ
	if rf.writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(rf.f.Fd()), 0, int(mapped), prot, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(err, "store: mmap %s", rf.path)
	}
	rf.data = data
	return nil
}

// Expand grows the logical size to at least sz, in geometric steps,
// appending zero bytes (never ftruncate, to avoid racing the kernel's
// page write-back of a still-mapped tail, per spec.md §4.1.1) and
// remapping. A no-op if sz <= current size.
func (rf *RawFile) Expand(sz int64) error {
	if sz <= rf.size {
		return nil
	}
	if !rf.writable {
		return fmt.Errorf("store: cannot grow read-only file %s", rf.path)
	}
	newSize := rf.size
	if newSize == 0 {
		newSize = pageSize
	}
	for newSize < sz {
		newSize *= 2
	}
	if newSize > rf.capacity {
		return fmt.Errorf("store: growing %s to %d bytes exceeds configured capacity %d; recompile/reconfigure with a larger ceiling", rf.path, newSize, rf.capacity)
	}
	if rf.anon {
		grown := make([]byte, newSize)
		copy(grown, rf.data)
		rf.data = grown
		rf.size = sz
		return nil
	}
	if rf.data != nil {
		if err := unix.Munmap(rf.data); err != nil {
			return errors.Wrap(err, "store: munmap for grow")
		}
		rf.data = nil
	}
	if cur := fileLen(rf.f); newSize > cur {
		if _, err := rf.f.WriteAt(make([]byte, newSize-cur), cur); err != nil {
			return errors.Wrap(err, "store: extend backing file")
		}
	}
	if err := rf.mapPrefix(newSize); err != nil {
		return err
	}
	rf.size = sz
	glog.V(4).Infof("store: %s grown to %s", rf.path, humanSize(newSize))
	return nil
}

func fileLen(f *os.File) int64 {
	fi, err := f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

func humanSize(n int64) string { return fmt.Sprintf("%dB", n) }

// Clear unmaps the region and truncates the file back to empty, leaving
// it unmapped with size 0 until the next Expand: used by `repair` when
// rebuilding the index from scratch.
func (rf *RawFile) Clear() error {
	if rf.data != nil {
		if err := unix.Munmap(rf.data); err != nil {
			return errors.Wrap(err, "store: munmap for clear")
		}
		rf.data = nil
	}
	rf.size = 0
	if rf.anon {
		return nil
	}
	return errors.Wrap(rf.f.Truncate(0), "store: truncate for clear")
}

// Close unmaps without truncating.
func (rf *RawFile) Close() error {
	if rf.data != nil {
		if err := unix.Munmap(rf.data); err != nil {
			return errors.Wrap(err, "store: munmap on close")
		}
		rf.data = nil
	}
	if rf.f != nil {
		return rf.f.Close()
	}
	return nil
}
