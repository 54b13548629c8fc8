// Package cache wires the on-disk store, the dep-digest matcher, and the
// rate-bucketed LRU engine into the job-level match/insert operations of
// spec.md §4.4: CjobData::match and CjobData::insert.
package cache

import (
	"github.com/open-lmake/buildcache/cmn"
	"github.com/open-lmake/buildcache/digest"
	"github.com/open-lmake/buildcache/lru"
	"github.com/open-lmake/buildcache/store"
)

// Cache is the top-level handle a daemon connection (or repair replay)
// drives: one store, one eviction engine, and the job cardinality rule.
type Cache struct {
	S             *store.Store
	E             *lru.Engine
	MaxRunsPerJob uint32
}

func New(s *store.Store, e *lru.Engine, maxRunsPerJob uint32) *Cache {
	return &Cache{S: s, E: e, MaxRunsPerJob: maxRunsPerJob}
}

// MatchResult carries the fields a Download reply needs out of a Hit or
// Match outcome (spec.md §4.5.2's "fill reply with (hit-kind, key,
// key_is_last)").
type MatchResult struct {
	RunID     uint32
	Key       string
	KeyIsLast bool
}

// Match implements CjobData::match: walk jobName's runs from newest to
// oldest, canonicalizing deps in download mode and returning on the first
// Hit (after bumping the run's LRU position) or Match.
func (c *Cache) Match(jobName string, deps map[string]digest.DepDigest, now int64) (digest.Outcome, MatchResult, error) {
	jobID, ok := c.S.Jobs.Lookup(jobName)
	if !ok {
		return digest.Miss, MatchResult{}, nil
	}

	compiled, err := digest.Compile(deps, c.S.Nodes, false)
	if err != nil {
		return digest.Miss, MatchResult{}, err
	}

	jr := c.S.Jobs.Jobs.At(jobID)
	for runID := jr.LRUHead; runID != 0; {
		r := c.S.Runs.At(runID)
		next := r.JobNext
		cached := digest.CachedRun{
			NStatics: int(r.NStatics),
			Deps:     c.S.NodesVec.View(r.DepsVec),
			DepCrcs:  c.S.CrcsVec.View(r.CrcsVec),
		}
		switch digest.MatchRun(cached, compiled) {
		case digest.Hit:
			c.E.Access(runID, now)
			return digest.Hit, MatchResult{RunID: runID, Key: c.S.Keys.Name(r.Key), KeyIsLast: r.KeyIsLast != 0}, nil
		case digest.Match:
			return digest.Match, MatchResult{RunID: runID, Key: c.S.Keys.Name(r.Key), KeyIsLast: r.KeyIsLast != 0}, nil
		}
		runID = next
	}
	return digest.Miss, MatchResult{}, nil
}

// Insert implements CjobData::insert: repeat the match walk (no insert on
// Hit/Match), then enforce the per-(job, key) first/last cardinality rule,
// evict down to max_runs_per_job, make room, and construct the new run.
func (c *Cache) Insert(jobName string, nStatics uint32, deps map[string]digest.DepDigest, keyName string, keyIsLast bool, sz int64, rate uint8, now int64) (digest.Outcome, error) {
	jobID, err := c.S.Jobs.Intern(jobName, nStatics)
	if err != nil {
		return digest.Miss, err
	}

	compiled, err := digest.Compile(deps, c.S.Nodes, true)
	if err != nil {
		return digest.Miss, err
	}

	jr := c.S.Jobs.Jobs.At(jobID)
	for runID := jr.LRUHead; runID != 0; {
		r := c.S.Runs.At(runID)
		next := r.JobNext
		cached := digest.CachedRun{
			NStatics: int(r.NStatics),
			Deps:     c.S.NodesVec.View(r.DepsVec),
			DepCrcs:  c.S.CrcsVec.View(r.CrcsVec),
		}
		switch digest.MatchRun(cached, compiled) {
		case digest.Hit:
			c.E.Access(runID, now)
			return digest.Hit, nil
		case digest.Match:
			return digest.Match, nil
		}
		runID = next
	}

	keyID, err := c.S.Keys.Intern(keyName)
	if err != nil {
		return digest.Miss, err
	}

	// Cardinality rule (spec.md §3.2/§4.4): at most one run per (job, key,
	// key_is_last) triple. Find the existing first/last runs sharing this
	// key — not any key — then, if a last already exists, either demote
	// it to first (making room for the new run to take the last slot) or,
	// when a first exists too, victimize the stale last outright
	// (_examples/original_source/src/caches/daemon_cache/engine.cc
	// CjobData::insert).
	wantLast := uint8(0)
	if keyIsLast {
		wantLast = 1
	}
	var foundFirst, foundLast uint32
	jr = c.S.Jobs.Jobs.At(jobID) // re-fetch: Intern above may have resized the arena
	for runID := jr.LRUHead; runID != 0; {
		r := c.S.Runs.At(runID)
		next := r.JobNext
		if r.Key == keyID {
			if r.KeyIsLast != 0 {
				foundLast = runID
			} else {
				foundFirst = runID
			}
		}
		runID = next
	}
	if foundLast != 0 {
		if foundFirst != 0 {
			if err := c.E.Victimize(foundLast, false); err != nil {
				return digest.Miss, err
			}
		} else {
			c.S.Runs.At(foundLast).KeyIsLast = 0
		}
	}

	jr = c.S.Jobs.Jobs.At(jobID)
	for jr.NRuns >= c.MaxRunsPerJob && jr.LRUTail != 0 {
		if err := c.E.Victimize(jr.LRUTail, false); err != nil {
			return digest.Miss, err
		}
		jr = c.S.Jobs.Jobs.At(jobID)
	}

	if err := c.E.MkRoom(sz, 0, jobID, now); err != nil {
		return digest.Miss, err
	}

	depsVec, err := c.S.NodesVec.Emplace(compiled.Deps)
	if err != nil {
		return digest.Miss, err
	}
	crcsVec, err := c.S.CrcsVec.Emplace(compiled.DepCrcs)
	if err != nil {
		return digest.Miss, err
	}

	runID, err := c.S.Runs.Alloc(1)
	if err != nil {
		return digest.Miss, err
	}
	c.S.Keys.IncRef(keyID)
	r := c.S.Runs.At(runID)
	r.LastAccess = now
	r.Sz = sz
	r.Job = jobID
	r.Key = keyID
	r.DepsVec = depsVec
	r.CrcsVec = crcsVec
	r.NStatics = uint32(compiled.NStatics)
	r.Rate = rate
	r.KeyIsLast = wantLast

	for _, nodeID := range compiled.Deps {
		c.S.Nodes.IncRef(nodeID)
	}

	c.S.PushMRUGlobal(runID)
	c.S.PushMRUJob(runID)
	jr = c.S.Jobs.Jobs.At(jobID)
	jr.NRuns++
	c.S.AddTotalSz(sz)
	c.E.RefreshRate(rate, now)

	cmn.AssertMsg(jr.NRuns <= c.MaxRunsPerJob, "job run count exceeds max_runs_per_job after insert")
	return digest.Miss, nil
}
