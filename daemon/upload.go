package daemon

import (
	"sync"

	"github.com/teris-io/shortid"
	"go.uber.org/atomic"
)

// UploadTickets tracks in-flight upload reservations (spec.md §4.5.3): a
// monotonic small-id allocator indexes a dense reserved-size vector,
// while the wire-visible ticket string (used in the reserved filenames)
// is a human-debuggable id from shortid rather than the raw integer —
// so a reserved-files directory listing is legible during debugging.
// reservedTotal mirrors spec.md §5's `reserved_sz` counter: an
// atomic.Int64 kept in lockstep with reserve[] so MkRoom's admission
// check (`total_sz + reserved_sz ≤ max_sz`) can read it without taking
// ut.mu, the way the store's own `total_sz` is a plain running counter
// rather than a recomputed sum.
type UploadTickets struct {
	mu            sync.Mutex
	sid           *shortid.Shortid
	reserve       []int64           // dense vector indexed by internal ticket id; slot 0 unused
	byName        map[string]uint32 // wire ticket string -> internal id
	reservedTotal atomic.Int64
}

func NewUploadTickets() (*UploadTickets, error) {
	sid, err := shortid.New(1, shortid.DefaultABC, 0x5eed)
	if err != nil {
		return nil, err
	}
	return &UploadTickets{
		sid:     sid,
		reserve: make([]int64, 1), // reserve[0] is the null slot
		byName:  make(map[string]uint32),
	}, nil
}

// Reserve allocates a fresh ticket reserving sz bytes, returning the
// wire-visible ticket string used to build the reserved filenames.
func (ut *UploadTickets) Reserve(sz int64) (string, error) {
	name, err := ut.sid.Generate()
	if err != nil {
		return "", err
	}
	ut.mu.Lock()
	defer ut.mu.Unlock()
	id := uint32(len(ut.reserve))
	ut.reserve = append(ut.reserve, sz)
	ut.byName[name] = id
	ut.reservedTotal.Add(sz)
	return name, nil
}

// Release drops ticket's reservation (on commit or dismiss), returning
// the size it had reserved. ok is false if ticket is unknown.
func (ut *UploadTickets) Release(ticket string) (int64, bool) {
	ut.mu.Lock()
	defer ut.mu.Unlock()
	id, ok := ut.byName[ticket]
	if !ok {
		return 0, false
	}
	sz := ut.reserve[id]
	ut.reserve[id] = 0
	delete(ut.byName, ticket)
	ut.reservedTotal.Sub(sz)
	return sz, true
}

// TotalReserved returns the `reserved_sz` counter of spec.md §5.
func (ut *UploadTickets) TotalReserved() int64 {
	return ut.reservedTotal.Load()
}
