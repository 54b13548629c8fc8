package lru

import (
	"time"

	"github.com/tidwall/btree"
)

// refreshInterval bounds how often maybeRefresh actually recomputes scores
// (spec.md §4.3.2: "refreshed at most once per second"). Between
// refreshes, insert/shrinkIota keep the set's membership exact even
// though every entry's score is computed as of the last refresh's `now`.
const refreshInterval = time.Second

// scoreEntry is one occupied rate bucket's position in the victim-ordering
// set: the linear score s(r) = (now - oldest_in_r.last_access) * rate(r)
// of spec.md §4.3.2, paired with the bucket index to break ties and to
// let best() recover which bucket won.
type scoreEntry struct {
	score float64
	rate  uint8
}

// scoreLess orders by score; on equal scores the lower bucket (higher
// throughput, cheaper to rebuild) sorts last, so best() picks it first.
func scoreLess(a, b scoreEntry) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.rate > b.rate
}

// RateSet is the lazily-refreshed sorted set of occupied rate buckets
// ordered by eviction score (spec.md §4.3.2). It never touches the run
// chains directly; Engine supplies the oldest-access timestamp per bucket
// via the global chain tail already maintained by store.Store.
type RateSet struct {
	e           *Engine
	tree        *btree.BTreeG[scoreEntry]
	byRate      map[uint8]scoreEntry
	lastRefresh int64
}

func newRateSet(e *Engine) *RateSet {
	return &RateSet{
		e:      e,
		tree:   btree.NewBTreeG(scoreLess),
		byRate: make(map[uint8]scoreEntry),
	}
}

// scoreFor computes rate r's current score from the oldest (LRU-end) run
// in its global chain, as of now. The bucket must be non-empty.
func (rs *RateSet) scoreFor(r uint8, now int64) float64 {
	tail := rs.e.s.Header.RateTail(r)
	oldest := rs.e.s.Runs.At(tail).LastAccess
	age := float64(now - oldest)
	if age < 0 {
		age = 0
	}
	return age * realRate(r)
}

// insert (re)computes rate r's score as of now and places it in the tree,
// replacing any prior entry for r. Called whenever r's membership or
// oldest-run changes: on Access (new run may have joined r) and after a
// victim is evicted from r (the new oldest changes r's score).
func (rs *RateSet) insert(r uint8, now int64) {
	if old, ok := rs.byRate[r]; ok {
		rs.tree.Delete(old)
	}
	e := scoreEntry{score: rs.scoreFor(r, now), rate: r}
	rs.byRate[r] = e
	rs.tree.Set(e)
}

// shrinkIota removes rate r from the set entirely: its global chain just
// went empty, so it no longer contributes a victim candidate.
func (rs *RateSet) shrinkIota(r uint8) {
	if old, ok := rs.byRate[r]; ok {
		rs.tree.Delete(old)
		delete(rs.byRate, r)
	}
}

// maybeRefresh recomputes every occupied bucket's score against now, but
// only if at least refreshInterval has elapsed since the last refresh
// (spec.md §4.3.2). Scores grow monotonically with elapsed time for a
// fixed oldest-access, so skipping a refresh only ever makes best()'s
// choice conservative, never wrong in a way that starves eviction.
func (rs *RateSet) maybeRefresh(now int64) {
	if rs.lastRefresh != 0 && time.Duration(now-rs.lastRefresh) < refreshInterval {
		return
	}
	rs.lastRefresh = now
	for r := range rs.byRate {
		rs.insert(r, now)
	}
}

// best returns the run at the LRU end of the highest-scoring occupied
// rate bucket: the victim MkRoom should evict next (spec.md §4.3.3). ok
// is false if every bucket is empty (the cache holds nothing evictable).
func (rs *RateSet) best(now int64) (victim uint32, rate uint8, ok bool) {
	rs.maybeRefresh(now)
	top, found := rs.tree.Max()
	if !found {
		return 0, 0, false
	}
	tail := rs.e.s.Header.RateTail(top.rate)
	if tail == 0 {
		// Stale membership (shouldn't happen: shrinkIota keeps this in
		// sync), but fail safe rather than return a null victim.
		rs.shrinkIota(top.rate)
		return rs.best(now)
	}
	return tail, top.rate, true
}
