package store

import (
	"os"
	"path/filepath"
	"unsafe"

	"github.com/open-lmake/buildcache/digest"
)

// JobRecord is the fixed-size payload of the job arena (spec.md §6.1):
// a back-link to its interned name, the head/tail of its own run LRU
// chain, its run count, and its immutable static-dep count.
type JobRecord struct {
	NameID   uint32
	LRUHead  uint32 // MRU end
	LRUTail  uint32 // LRU end
	NRuns    uint32
	NStatics uint32
}

// NodeRecord is the fixed-size payload of the node arena.
type NodeRecord struct {
	NameID uint32
	RefCnt uint32
}

// RunRecord is the central entity of spec.md §3.2. deps/depCrcs live in
// the shared NodesVector/CrcsVector heaps; DepsVec/CrcsVec are indices
// into them.
type RunRecord struct {
	LastAccess int64
	Sz         int64
	GlbPrev    uint32
	GlbNext    uint32
	JobPrev    uint32
	JobNext    uint32
	Job        uint32
	Key        uint32
	DepsVec    uint32
	CrcsVec    uint32
	NStatics   uint32
	Rate       uint8
	KeyIsLast  uint8
	_pad       [2]byte
}

const numRates = 255

// stringToU32/u32ToString round-trip a name through the one-byte-per-
// element encoding PackedVector[uint32] stores it under. This wastes 3
// bytes per character versus a PackedVector[byte], but a byte-element
// packed vector would make Allocator's free-list link (which overwrites
// the first 4 bytes of a freed record) alias into neighboring name
// records whenever a short name is freed and reused; uint32 elements are
// exactly the free-list link's width, so the hazard doesn't arise. Name
// tables are a small fraction of total store volume, so the 4x waste is
// an acceptable tradeoff for this.
func stringToU32(s string) []uint32 {
	out := make([]uint32, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = uint32(s[i])
	}
	return out
}

func u32ToString(u []uint32) string {
	b := make([]byte, len(u))
	for i, v := range u {
		b[i] = byte(v)
	}
	return string(b)
}

// globalHeader is the run file's extra header described by spec.md
// §3.2/§6.1: a per-rate LRU head/tail array and the cached total_sz. It
// lives in its own small mmap'd region, mirroring how TxLog keeps a
// small fixed header of its own rather than overloading Arena's generic
// 64-byte count header.
type globalHeader struct {
	LRUHeads [numRates]uint32
	LRUTails [numRates]uint32
	TotalSz  int64
}

// GlobalHeader wraps the run allocator's shared header: per-rate LRU
// chain anchors and the cache's total committed size (spec.md §3.2's
// "single source of truth for cache occupancy").
type GlobalHeader struct {
	rf *RawFile
}

func newGlobalHeader(rf *RawFile) (*GlobalHeader, error) {
	need := int64(unsafe.Sizeof(globalHeader{}))
	if rf.Size() < need {
		if err := rf.Expand(need); err != nil {
			return nil, err
		}
	}
	return &GlobalHeader{rf: rf}, nil
}

func (h *GlobalHeader) hdr() *globalHeader {
	return (*globalHeader)(unsafe.Pointer(&h.rf.Bytes()[0]))
}

// RateHead returns the MRU end of rate r's global LRU chain.
func (h *GlobalHeader) RateHead(r uint8) uint32 { return h.hdr().LRUHeads[r] }

// RateTail returns the LRU end of rate r's global LRU chain.
func (h *GlobalHeader) RateTail(r uint8) uint32 { return h.hdr().LRUTails[r] }

func (h *GlobalHeader) setRateHead(r uint8, idx uint32) { h.hdr().LRUHeads[r] = idx }
func (h *GlobalHeader) setRateTail(r uint8, idx uint32) { h.hdr().LRUTails[r] = idx }

// TotalSz returns the cached sum of all live runs' Sz.
func (h *GlobalHeader) TotalSz() int64 { return h.hdr().TotalSz }

func (h *GlobalHeader) addTotalSz(delta int64) { h.hdr().TotalSz += delta }

// KeyRecord is the fixed-size payload of the key arena: a refcount of
// citing runs plus a link back to the repo-key string, the same
// NameID-indirection JobRecord/NodeRecord use.
//
// spec.md §6.1 describes the on-disk key file as a bare "prefix tree:
// string -> {ref_cnt}", with no separate record arena. We add one here
// (documented in DESIGN.md) so key destruction can reverse-map a key-id
// back to its string the same way job/node destruction already does,
// rather than inventing an erase-by-trie-index primitive with no parent
// pointers to splice on.
type KeyRecord struct {
	RefCnt uint32
	NameID uint32
}

// KeyTable pairs the key-string intern table with the key record arena.
type KeyTable struct {
	Names     *NameTable
	Keys      *Arena[KeyRecord]
	NameBytes *PackedVector[uint32]
}

func (kt *KeyTable) Lookup(name string) (uint32, bool) {
	idx, ok := kt.Names.Lookup(name)
	if !ok {
		return 0, false
	}
	return kt.Names.tree.Value(idx), true
}

// Intern resolves a repo-key string to its key-id, creating a fresh
// KeyRecord (refcount 0) the first time it is seen.
func (kt *KeyTable) Intern(name string) (uint32, error) {
	nodeIdx, created, err := kt.Names.tree.Insert([]byte(name), 0)
	if err != nil {
		return 0, err
	}
	if !created {
		return kt.Names.tree.Value(nodeIdx), nil
	}
	keyID, err := kt.Keys.EmplaceBack()
	if err != nil {
		return 0, err
	}
	nameVecIdx, err := kt.NameBytes.Emplace(stringToU32(name))
	if err != nil {
		return 0, err
	}
	kt.Keys.At(keyID).NameID = nameVecIdx
	kt.Names.tree.SetValue(nodeIdx, keyID)
	kt.Names.filter.InsertUnique([]byte(name))
	return keyID, nil
}

// IncRef/DecRef/RefCount operate directly on the KeyRecord, not the trie
// payload (which now holds the key-id, per the NameID-indirection above).

func (kt *KeyTable) IncRef(keyID uint32) uint32 {
	kt.Keys.At(keyID).RefCnt++
	return kt.Keys.At(keyID).RefCnt
}

func (kt *KeyTable) DecRef(keyID uint32) uint32 {
	kt.Keys.At(keyID).RefCnt--
	return kt.Keys.At(keyID).RefCnt
}

func (kt *KeyTable) RefCount(keyID uint32) uint32 { return kt.Keys.At(keyID).RefCnt }

// Name reverse-looks-up keyID's repo-key string via the NameBytes heap.
func (kt *KeyTable) Name(keyID uint32) string {
	return u32ToString(kt.NameBytes.View(kt.Keys.At(keyID).NameID))
}

// Destroy removes the KeyRecord at keyID and its trie entry entirely.
// Callers must only call this once RefCount(keyID) == 0.
func (kt *KeyTable) Destroy(keyID uint32) error {
	kr := kt.Keys.At(keyID)
	name := u32ToString(kt.NameBytes.View(kr.NameID))
	kt.NameBytes.Pop(kr.NameID)
	if _, err := kt.Names.tree.Erase([]byte(name)); err != nil {
		return err
	}
	kt.Names.filter.Delete([]byte(name))
	kt.Keys.Pop(keyID)
	return nil
}

// JobTable pairs the job-name intern table with the job record arena:
// a name's trie payload holds the job-id allocated in Jobs. NameBytes is
// a packed-vector heap storing the raw name string per job-id, indexed by
// JobRecord.NameID, so a job can be unwound back to its trie key purely
// from its id when its n_runs reaches zero (spec.md §3.2: "a link to its
// name") without requiring a parent-pointer-capable trie erase-by-index.
type JobTable struct {
	Names     *NameTable
	Jobs      *Arena[JobRecord]
	NameBytes *PackedVector[uint32]
}

func (jt *JobTable) Lookup(name string) (uint32, bool) {
	idx, ok := jt.Names.Lookup(name)
	if !ok {
		return 0, false
	}
	return jt.Names.tree.Value(idx), true
}

// Intern resolves name to a job-id, creating both the trie entry and a
// fresh JobRecord (with the given n_statics) the first time it is seen.
func (jt *JobTable) Intern(name string, nStatics uint32) (uint32, error) {
	nodeIdx, created, err := jt.Names.tree.Insert([]byte(name), 0)
	if err != nil {
		return 0, err
	}
	if !created {
		return jt.Names.tree.Value(nodeIdx), nil
	}
	jobID, err := jt.Jobs.EmplaceBack()
	if err != nil {
		return 0, err
	}
	nameVecIdx, err := jt.NameBytes.Emplace(stringToU32(name))
	if err != nil {
		return 0, err
	}
	jr := jt.Jobs.At(jobID)
	jr.NStatics = nStatics
	jr.NameID = nameVecIdx
	jt.Names.tree.SetValue(nodeIdx, jobID)
	jt.Names.filter.InsertUnique([]byte(name))
	return jobID, nil
}

// Name reverse-looks-up jobID's interned name via the NameBytes heap.
func (jt *JobTable) Name(jobID uint32) string {
	return u32ToString(jt.NameBytes.View(jt.Jobs.At(jobID).NameID))
}

// Destroy removes the JobRecord at jobID and its trie entry entirely.
// Callers must only call this once the job's n_runs has reached zero.
func (jt *JobTable) Destroy(jobID uint32) error {
	jr := jt.Jobs.At(jobID)
	name := u32ToString(jt.NameBytes.View(jr.NameID))
	jt.NameBytes.Pop(jr.NameID)
	if _, err := jt.Names.tree.Erase([]byte(name)); err != nil {
		return err
	}
	jt.Names.filter.Delete([]byte(name))
	jt.Jobs.Pop(jobID)
	return nil
}

// NodeTable pairs the node-name intern table with the node record arena.
// NameBytes mirrors JobTable's: a packed-vector heap of the raw name per
// node-id, keyed by NodeRecord.NameID, enabling Destroy-by-id.
type NodeTable struct {
	Names     *NameTable
	Nodes     *Arena[NodeRecord]
	NameBytes *PackedVector[uint32]
}

func (nt *NodeTable) Lookup(name string) (uint32, bool) {
	idx, ok := nt.Names.Lookup(name)
	if !ok {
		return 0, false
	}
	return nt.Names.tree.Value(idx), true
}

func (nt *NodeTable) Intern(name string) (uint32, error) {
	nodeIdx, created, err := nt.Names.tree.Insert([]byte(name), 0)
	if err != nil {
		return 0, err
	}
	if !created {
		return nt.Names.tree.Value(nodeIdx), nil
	}
	nodeID, err := nt.Nodes.EmplaceBack()
	if err != nil {
		return 0, err
	}
	nameVecIdx, err := nt.NameBytes.Emplace(stringToU32(name))
	if err != nil {
		return 0, err
	}
	nr := nt.Nodes.At(nodeID)
	nr.NameID = nameVecIdx
	nt.Names.tree.SetValue(nodeIdx, nodeID)
	nt.Names.filter.InsertUnique([]byte(name))
	return nodeID, nil
}

func (nt *NodeTable) IncRef(nodeID uint32) uint32 {
	nt.Nodes.At(nodeID).RefCnt++
	return nt.Nodes.At(nodeID).RefCnt
}

func (nt *NodeTable) DecRef(nodeID uint32) uint32 {
	nt.Nodes.At(nodeID).RefCnt--
	return nt.Nodes.At(nodeID).RefCnt
}

func (nt *NodeTable) RefCount(nodeID uint32) uint32 { return nt.Nodes.At(nodeID).RefCnt }

// Name reverse-looks-up nodeID's interned name via the NameBytes heap.
func (nt *NodeTable) Name(nodeID uint32) string {
	return u32ToString(nt.NameBytes.View(nt.Nodes.At(nodeID).NameID))
}

// Destroy removes the NodeRecord at nodeID and its trie entry entirely.
// Callers must only call this once the node's RefCnt has reached zero.
func (nt *NodeTable) Destroy(nodeID uint32) error {
	nr := nt.Nodes.At(nodeID)
	name := u32ToString(nt.NameBytes.View(nr.NameID))
	nt.NameBytes.Pop(nr.NameID)
	if _, err := nt.Names.tree.Erase([]byte(name)); err != nil {
		return err
	}
	nt.Names.filter.Delete([]byte(name))
	nt.Nodes.Pop(nodeID)
	return nil
}

// Store is the cache's complete on-disk state: the three prefix-tree
// intern tables, the job/node/run arenas, the shared nodes/crcs packed
// vector heaps, and the run allocator's global LRU header (spec.md
// §6.1's on-disk layout, one RawFile per listed file).
type Store struct {
	Dir string

	Keys  *KeyTable
	Jobs  *JobTable
	Nodes *NodeTable

	Runs   *Allocator[RunRecord]
	Header *GlobalHeader

	NodesVec *PackedVector[uint32]
	CrcsVec  *PackedVector[digest.Crc]

	files []*RawFile // for Close
}

// storeFileCapacity is the per-file virtual-range ceiling; spec.md
// §4.1.1 treats this as a compile-time constant, but a Go build has no
// equivalent of recompiling the ceiling in, so it is a generous runtime
// default instead (documented departure, see DESIGN.md).
const storeFileCapacity = 64 << 30 // 64 GiB virtual reservation per file

// OpenStore opens (or creates) every file of the on-disk store under
// dir, in the dependency order of spec.md §2: raw files, arenas,
// allocators, prefix trees, then the domain tables built on top.
func OpenStore(dir string, writable bool) (*Store, error) {
	s := &Store{Dir: dir}

	open := func(name string) (*RawFile, error) {
		rf, err := OpenRawFile(filepath.Join(dir, name), storeFileCapacity, writable)
		if err != nil {
			return nil, err
		}
		s.files = append(s.files, rf)
		return rf, nil
	}

	keyTree, err := openNameTable(open, "key")
	if err != nil {
		return nil, err
	}
	keyRF, err := open("key.rec")
	if err != nil {
		return nil, err
	}
	keyArena, err := NewArena[KeyRecord](keyRF)
	if err != nil {
		return nil, err
	}
	keyNamesRF, err := open("key.bytes")
	if err != nil {
		return nil, err
	}
	keyNamesArena, err := NewArena[uint32](keyNamesRF)
	if err != nil {
		return nil, err
	}
	s.Keys = &KeyTable{
		Names:     keyTree,
		Keys:      keyArena,
		NameBytes: NewPackedVector[uint32](NewAllocator[uint32](keyNamesArena)),
	}

	jobNameTree, err := openNameTable(open, "job_name")
	if err != nil {
		return nil, err
	}
	jobRF, err := open("job")
	if err != nil {
		return nil, err
	}
	jobArena, err := NewArena[JobRecord](jobRF)
	if err != nil {
		return nil, err
	}
	jobNamesRF, err := open("job_name.bytes")
	if err != nil {
		return nil, err
	}
	jobNamesArena, err := NewArena[uint32](jobNamesRF)
	if err != nil {
		return nil, err
	}
	s.Jobs = &JobTable{
		Names:     jobNameTree,
		Jobs:      jobArena,
		NameBytes: NewPackedVector[uint32](NewAllocator[uint32](jobNamesArena)),
	}

	nodeNameTree, err := openNameTable(open, "node_name")
	if err != nil {
		return nil, err
	}
	nodeRF, err := open("node")
	if err != nil {
		return nil, err
	}
	nodeArena, err := NewArena[NodeRecord](nodeRF)
	if err != nil {
		return nil, err
	}
	nodeNamesRF, err := open("node_name.bytes")
	if err != nil {
		return nil, err
	}
	nodeNamesArena, err := NewArena[uint32](nodeNamesRF)
	if err != nil {
		return nil, err
	}
	s.Nodes = &NodeTable{
		Names:     nodeNameTree,
		Nodes:     nodeArena,
		NameBytes: NewPackedVector[uint32](NewAllocator[uint32](nodeNamesArena)),
	}

	runRF, err := open("run")
	if err != nil {
		return nil, err
	}
	runArena, err := NewArena[RunRecord](runRF)
	if err != nil {
		return nil, err
	}
	s.Runs = NewAllocator[RunRecord](runArena)

	hdrRF, err := open("run.hdr")
	if err != nil {
		return nil, err
	}
	s.Header, err = newGlobalHeader(hdrRF)
	if err != nil {
		return nil, err
	}

	nodesRF, err := open("nodes")
	if err != nil {
		return nil, err
	}
	nodesArena, err := NewArena[uint32](nodesRF)
	if err != nil {
		return nil, err
	}
	s.NodesVec = NewPackedVector[uint32](NewAllocator[uint32](nodesArena))

	crcsRF, err := open("crcs")
	if err != nil {
		return nil, err
	}
	crcsArena, err := NewArena[digest.Crc](crcsRF)
	if err != nil {
		return nil, err
	}
	s.CrcsVec = NewPackedVector[digest.Crc](NewAllocator[digest.Crc](crcsArena))

	return s, nil
}

func openNameTable(open func(string) (*RawFile, error), name string) (*NameTable, error) {
	nodesRF, err := open(name + ".nodes")
	if err != nil {
		return nil, err
	}
	logRF, err := open(name + ".log")
	if err != nil {
		return nil, err
	}
	arena, err := NewArena[trieNode](nodesRF)
	if err != nil {
		return nil, err
	}
	log, err := NewTxLog[trieNode](logRF, 8)
	if err != nil {
		return nil, err
	}
	tree, err := NewPrefixTree(arena, log)
	if err != nil {
		return nil, err
	}
	return NewNameTable(tree), nil
}

// storeFileNames enumerates every file OpenStore creates under dir, for
// ResetStore's use; kept next to OpenStore's `open(...)` call sequence so
// the two can't silently drift apart.
var storeFileNames = []string{
	"key.nodes", "key.log", "key.rec", "key.bytes",
	"job_name.nodes", "job_name.log", "job", "job_name.bytes",
	"node_name.nodes", "node_name.log", "node", "node_name.bytes",
	"run", "run.hdr",
	"nodes", "crcs",
}

// ResetStore deletes every on-disk store file under dir, so a subsequent
// OpenStore starts from empty (spec.md §4.6 step 5: "reset the on-disk
// store to empty" before a repair replay). The caller must not hold an
// open Store over dir when calling this.
func ResetStore(dir string) error {
	for _, name := range storeFileNames {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Close unmaps every open file.
func (s *Store) Close() error {
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// The global per-rate chain and each job's own chain are both
// intrusive doubly-linked lists over run indices (spec.md §9: nullability
// is the reserved zero index, not language-native optionality). Unlink*
// splices idx out; PushMRU* splices it in at the MRU (head) end. These
// are exported so package lru — which owns eviction policy — can
// maintain both chains without reaching into RunRecord's layout itself.

// UnlinkGlobal removes run idx from its rate's global LRU chain.
func (s *Store) UnlinkGlobal(idx uint32) {
	r := s.Runs.arena.At(idx)
	prev, next, rate := r.GlbPrev, r.GlbNext, r.Rate
	if prev != 0 {
		s.Runs.arena.At(prev).GlbNext = next
	} else {
		s.Header.setRateHead(rate, next)
	}
	if next != 0 {
		s.Runs.arena.At(next).GlbPrev = prev
	} else {
		s.Header.setRateTail(rate, prev)
	}
}

// PushMRUGlobal inserts idx at the MRU end of its rate's global chain.
func (s *Store) PushMRUGlobal(idx uint32) {
	r := s.Runs.arena.At(idx)
	rate := r.Rate
	oldHead := s.Header.RateHead(rate)
	r.GlbPrev = 0
	r.GlbNext = oldHead
	if oldHead != 0 {
		s.Runs.arena.At(oldHead).GlbPrev = idx
	} else {
		s.Header.setRateTail(rate, idx)
	}
	s.Header.setRateHead(rate, idx)
}

// UnlinkJob removes run idx from its job's LRU chain.
func (s *Store) UnlinkJob(idx uint32) {
	r := s.Runs.arena.At(idx)
	prev, next, job := r.JobPrev, r.JobNext, r.Job
	jr := s.Jobs.Jobs.At(job)
	if prev != 0 {
		s.Runs.arena.At(prev).JobNext = next
	} else {
		jr.LRUHead = next
	}
	if next != 0 {
		s.Runs.arena.At(next).JobPrev = prev
	} else {
		jr.LRUTail = prev
	}
}

// PushMRUJob inserts idx at the MRU end of its job's chain.
func (s *Store) PushMRUJob(idx uint32) {
	r := s.Runs.arena.At(idx)
	jr := s.Jobs.Jobs.At(r.Job)
	oldHead := jr.LRUHead
	r.JobPrev = 0
	r.JobNext = oldHead
	if oldHead != 0 {
		s.Runs.arena.At(oldHead).JobPrev = idx
	} else {
		jr.LRUTail = idx
	}
	jr.LRUHead = idx
}

// AddTotalSz adjusts the cached occupancy counter by delta.
func (s *Store) AddTotalSz(delta int64) { s.Header.addTotalSz(delta) }

// TotalSz returns the cached sum of all live runs' Sz.
func (s *Store) TotalSz() int64 { return s.Header.TotalSz() }
