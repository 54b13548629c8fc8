package store

import "fmt"

// Violation describes one failed invariant found by Check (spec.md §8's
// `chk` walk). It is a plain string payload rather than a richer type:
// Check is a diagnostic tool, not a control-flow signal, and every
// caller (cmd/cachedump, tests) just wants to print or count these.
type Violation string

// Check walks the entire store read-only and reports every invariant
// violation from spec.md §8. It never mutates the store, so it is safe
// to run against a store opened read-only (the repair and dump tools'
// use case).
func Check(s *Store) []Violation {
	var v []Violation

	liveRuns, sumSz := walkGlobalChains(s, &v)

	if sumSz != s.TotalSz() {
		v = append(v, Violation(fmt.Sprintf("total_sz mismatch: sum(run.sz)=%d header.total_sz=%d", sumSz, s.TotalSz())))
	}

	jobRunCount := map[uint32]int{}
	keyRunCount := map[uint32]int{}
	nodeRunCount := map[uint32]int{}

	for runID := range liveRuns {
		r := s.Runs.arena.At(runID)
		jobRunCount[r.Job]++
		keyRunCount[r.Key]++

		deps := s.NodesVec.View(r.DepsVec)
		crcs := s.CrcsVec.View(r.CrcsVec)
		if uint32(len(crcs)) != r.NStatics && len(crcs) < int(r.NStatics) {
			v = append(v, Violation(fmt.Sprintf("run %d: dep_crcs shorter than n_statics", runID)))
		}
		if !sortedAscending(deps[:min32(r.NStatics, uint32(len(deps)))]) {
			v = append(v, Violation(fmt.Sprintf("run %d: static deps not sorted", runID)))
		}
		if !sortedAscending(deps[min32(r.NStatics, uint32(len(deps))):min32(uint32(len(crcs)), uint32(len(deps)))]) {
			v = append(v, Violation(fmt.Sprintf("run %d: existing deps not sorted", runID)))
		}
		if !sortedAscending(deps[min32(uint32(len(crcs)), uint32(len(deps))):]) {
			v = append(v, Violation(fmt.Sprintf("run %d: non-existing deps not sorted", runID)))
		}
		for _, nodeID := range deps {
			nodeRunCount[nodeID]++
		}
	}

	s.Jobs.Names.tree.Walk(func(key []byte, trieIdx uint32) {
		jobID := s.Jobs.Names.tree.Value(trieIdx)
		jr := s.Jobs.Jobs.At(jobID)
		if jr.NRuns != uint32(jobRunCount[jobID]) {
			v = append(v, Violation(fmt.Sprintf("job %q: n_runs=%d but %d live runs found", key, jr.NRuns, jobRunCount[jobID])))
		}
		if uint32(chainLen(s, jr.LRUHead)) != jr.NRuns {
			v = append(v, Violation(fmt.Sprintf("job %q: LRU chain length != n_runs", key)))
		}
	})

	s.Keys.Names.tree.Walk(func(key []byte, trieIdx uint32) {
		keyID := s.Keys.Names.tree.Value(trieIdx)
		refcnt := s.Keys.RefCount(keyID)
		if refcnt != uint32(keyRunCount[keyID]) {
			v = append(v, Violation(fmt.Sprintf("key %q: ref_cnt=%d but %d citing runs found", key, refcnt, keyRunCount[keyID])))
		}
	})

	s.Nodes.Names.tree.Walk(func(key []byte, trieIdx uint32) {
		nodeID := s.Nodes.Names.tree.Value(trieIdx)
		nr := s.Nodes.Nodes.At(nodeID)
		if nr.RefCnt != uint32(nodeRunCount[nodeID]) {
			v = append(v, Violation(fmt.Sprintf("node %q: ref_cnt=%d but %d citing (run,dep) pairs found", key, nr.RefCnt, nodeRunCount[nodeID])))
		}
	})

	for _, tv := range s.Keys.Names.tree.Validate() {
		v = append(v, Violation("key tree: "+tv))
	}
	for _, tv := range s.Jobs.Names.tree.Validate() {
		v = append(v, Violation("job_name tree: "+tv))
	}
	for _, tv := range s.Nodes.Names.tree.Validate() {
		v = append(v, Violation("node_name tree: "+tv))
	}

	return v
}

// walkGlobalChains follows every populated rate bucket's chain, returning
// the set of run ids found live and the sum of their Sz.
func walkGlobalChains(s *Store, v *[]Violation) (map[uint32]bool, int64) {
	live := map[uint32]bool{}
	var sum int64
	for r := 0; r < numRates; r++ {
		rate := uint8(r)
		prev := uint32(0)
		for cur := s.Header.RateHead(rate); cur != 0; {
			rr := s.Runs.arena.At(cur)
			if rr.Rate != rate {
				*v = append(*v, Violation(fmt.Sprintf("run %d: found in rate-%d chain but Rate=%d", cur, rate, rr.Rate)))
			}
			if rr.GlbPrev != prev {
				*v = append(*v, Violation(fmt.Sprintf("run %d: GlbPrev inconsistent with chain walk", cur)))
			}
			live[cur] = true
			sum += rr.Sz
			prev = cur
			cur = rr.GlbNext
		}
		if s.Header.RateTail(rate) != prev {
			*v = append(*v, Violation(fmt.Sprintf("rate %d: tail pointer inconsistent with chain walk", rate)))
		}
	}
	return live, sum
}

func chainLen(s *Store, head uint32) int {
	n := 0
	for cur := head; cur != 0; cur = s.Runs.arena.At(cur).JobNext {
		n++
	}
	return n
}

func sortedAscending(xs []uint32) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i-1] >= xs[i] {
			return false
		}
	}
	return true
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
