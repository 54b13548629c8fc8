// Package lru implements the rate-bucketed eviction engine of spec.md
// §4.3: each run sits on exactly one of NumRates per-bucket LRU chains,
// victims are chosen to minimize expected re-execution cost rather than
// strict recency, and MkRoom reclaims space on demand for an upload.
//
// The package keeps the teacher's naming (an Engine's eviction pass plays
// the same role as aistore's `lru.Run` jogger) but the policy is the
// rate-weighted one of §4.3, not a watermark sweep.
package lru

import (
	"context"
	"math"
	"time"

	"github.com/golang/glog"
	"golang.org/x/time/rate"

	"github.com/open-lmake/buildcache/cmn"
	"github.com/open-lmake/buildcache/cmn/hk"
	"github.com/open-lmake/buildcache/cmn/mono"
	"github.com/open-lmake/buildcache/store"
)

// evictionRateLimit and evictionBurst bound how fast MkRoom may victimize
// runs back to back: the Go-idiomatic replacement for the teacher's ad
// hoc `_throttle`/`time.Sleep(cmn.ThrottleMin/Max)` pair
// (_examples/eef808a24ff-aistore/lru/lru.go), which sleeps a fixed
// interval once disk utilization crosses a watermark. A token-bucket
// limiter gives the same self-throttling effect — a burst of evictions
// making room for one big upload doesn't starve the single store-mutating
// goroutine from servicing other requests — without a watermark or a
// blocking sleep tied to usedPct.
const (
	evictionRateLimit = 2000 // evictions/sec sustained
	evictionBurst     = 64   // evictions admitted instantly before throttling kicks in
)

// Engine drives the rate-ordered victim set over a store's run allocator
// and global header. It is the sole mutator of eviction-related state
// outside of store itself; callers invoke MkRoom before materializing a
// new run and Access on every cache hit.
type Engine struct {
	s        *store.Store
	rates    *RateSet
	maxSize  int64
	numRates int
	throttle *rate.Limiter
}

// NewEngine wires a fresh Engine over s. maxSize is the cache's configured
// capacity ceiling (spec.md §3.3's max_sz); numRates is normally 255
// (spec.md §4.3.1) but is configurable for small test stores.
func NewEngine(s *store.Store, maxSize int64, numRates int) *Engine {
	e := &Engine{s: s, maxSize: maxSize, numRates: numRates}
	e.rates = newRateSet(e)
	e.throttle = rate.NewLimiter(rate.Limit(evictionRateLimit), evictionBurst)
	return e
}

// Rebuild repopulates the rate-ordered set from the store's per-rate LRU
// chains. Called once after OpenStore, since the set itself (unlike the
// chains) is not persisted.
func (e *Engine) Rebuild() {
	now := mono.NanoTime()
	for r := 0; r < e.numRates; r++ {
		rate := uint8(r)
		if e.s.Header.RateTail(rate) != 0 {
			e.rates.insert(rate, now)
		}
	}
}

// RegisterHousekeeping schedules the rate-set's periodic refresh (spec.md
// §4.3.2: "refreshed at most once per second") via the shared hk registry,
// matching the teacher's `hk.Reg(r.Name+".gc", ...)` cadence convention.
func (e *Engine) RegisterHousekeeping(name string, interval time.Duration) {
	hk.Reg(name, func() { e.rates.maybeRefresh(mono.NanoTime()) }, interval)
}

// realRate converts a bucket index into the approximate bytes/sec it
// represents (spec.md §4.3.1: "bucket r+1 is ~6% lower than bucket r").
// maxRate is the throughput (bytes/sec) of bucket 0. It scales every
// score alike, so it does not change the eviction ordering, but ToRate
// clamps any throughput at or above it to bucket 0, so it sits above any
// realistic rate (1 GiB/s).
const maxRate = 1 << 30

func realRate(bucket uint8) float64 {
	return maxRate * math.Exp(-float64(bucket)/16.0)
}

// ToRate is realRate's inverse: it converts a measured throughput
// (bytes produced per second of execution) into the nearest rate
// bucket, per spec.md §3.4's `to_rate(sz, exe_time)`. exeTime <= 0 maps
// to the slowest bucket (nothing is known about how fast this run was
// to reproduce, so treat it as maximally worth keeping).
func ToRate(sz int64, exeTime float64) uint8 {
	if exeTime <= 0 {
		return 254
	}
	bytesPerSec := float64(sz) / exeTime
	if bytesPerSec <= 0 {
		return 254
	}
	b := -16.0 * math.Log(bytesPerSec/maxRate)
	switch {
	case b < 0:
		return 0
	case b > 254:
		return 254
	default:
		return uint8(b + 0.5)
	}
}

// Access moves run idx to the MRU end of both its rate's global chain and
// its job's chain, stamps last_access, and refreshes the rate-ordered
// set's membership for idx's bucket — CrunData::access of spec.md
// §4.3.1/§4.4.
func (e *Engine) Access(idx uint32, now int64) {
	rate := e.s.Runs.At(idx).Rate
	e.s.UnlinkGlobal(idx)
	e.s.UnlinkJob(idx)
	e.s.Runs.At(idx).LastAccess = now
	e.s.PushMRUGlobal(idx)
	e.s.PushMRUJob(idx)
	e.rates.insert(rate, now)
}

// RefreshRate re-inserts rate's score into the victim-ordered set as of
// now. Exposed for callers (the job-level insert orchestration) that
// splice a new run directly onto the global chain without going through
// Access.
func (e *Engine) RefreshRate(rate uint8, now int64) {
	e.rates.insert(rate, now)
}

// MkRoom implements spec.md §4.3.3: ensure total_sz+reserved+sz <= max_sz,
// evicting victims until it fits. keepJob is the job currently being
// inserted into: its runs can still be chosen as victims, but evicting
// one never destroys the job itself. Returns ErrCapacityExceeded if sz alone can
// never fit even in an empty cache.
func (e *Engine) MkRoom(sz, reserved int64, keepJob uint32, now int64) error {
	if reserved+sz > e.maxSize {
		return cmn.ErrCapacityExceeded
	}
	e.rates.maybeRefresh(now)
	for e.s.TotalSz()+reserved+sz > e.maxSize {
		victim, vrate, ok := e.rates.best(now)
		if !ok {
			return cmn.ErrCapacityExceeded
		}
		if err := e.throttle.Wait(context.Background()); err != nil {
			return err
		}
		allowJobDestroy := e.s.Runs.At(victim).Job != keepJob
		if err := e.victimizeAt(victim, vrate, now, allowJobDestroy); err != nil {
			return err
		}
	}
	return nil
}

// Victimize removes run idx from the cache outright (spec.md §4.3.4).
// allowJobDestroy permits destroying idx's job if this was its last run;
// callers reclaiming space for a different job normally pass true, while
// the job-level insert/cardinality logic (spec.md §4.4) passes false when
// it is itself about to reuse the job.
func (e *Engine) Victimize(idx uint32, allowJobDestroy bool) error {
	return e.victimizeAt(idx, e.s.Runs.At(idx).Rate, mono.NanoTime(), allowJobDestroy)
}

func (e *Engine) victimizeAt(idx uint32, rate uint8, now int64, allowJobDestroy bool) error {
	r := e.s.Runs.At(idx)
	sz := r.Sz
	job := r.Job
	key := r.Key
	depsVec := r.DepsVec
	crcsVec := r.CrcsVec

	e.s.UnlinkGlobal(idx)
	e.s.UnlinkJob(idx)
	if e.s.Header.RateTail(rate) == 0 {
		e.rates.shrinkIota(rate)
	} else {
		e.rates.insert(rate, now)
	}

	glog.V(4).Infof("lru: victimizing run %d (rate=%d sz=%d)", idx, rate, sz)

	if e.s.Keys.DecRef(key) == 0 {
		if err := e.s.Keys.Destroy(key); err != nil {
			return err
		}
	}

	for _, nodeID := range e.s.NodesVec.View(depsVec) {
		if e.s.Nodes.DecRef(nodeID) == 0 {
			if err := e.s.Nodes.Destroy(nodeID); err != nil {
				return err
			}
		}
	}

	jr := e.s.Jobs.Jobs.At(job)
	jr.NRuns--
	if allowJobDestroy && jr.NRuns == 0 {
		if err := e.s.Jobs.Destroy(job); err != nil {
			return err
		}
	}

	e.s.AddTotalSz(-sz)
	e.s.NodesVec.Pop(depsVec)
	e.s.CrcsVec.Pop(crcsVec)
	e.s.Runs.Free(idx, 1)
	return nil
}
