package cache

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/open-lmake/buildcache/digest"
	"github.com/open-lmake/buildcache/lru"
	"github.com/open-lmake/buildcache/store"
)

func newTestCache(t *testing.T, maxSize int64, maxRunsPerJob uint32) (*Cache, *store.Store) {
	t.Helper()
	s, err := store.OpenStore(t.TempDir(), true)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	e := lru.NewEngine(s, maxSize, 255)
	return New(s, e, maxRunsPerJob), s
}

// assertNoViolations diffs store.Check's output against the empty-slice
// baseline with godebug/pretty, so a broken invariant is reported as a
// structural diff rather than a hand-rolled field-by-field assertion
// (SPEC_FULL.md §4.7).
func assertNoViolations(t *testing.T, s *store.Store) {
	t.Helper()
	if diff := pretty.Compare(store.Check(s), []store.Violation{}); diff != "" {
		t.Fatalf("store invariants violated:\n%s", diff)
	}
}

func existingDep(name string, hash uint64) (string, digest.DepDigest) {
	return name, digest.DepDigest{
		Accesses: digest.AccessReg,
		DFlags:   digest.DFlags{Full: true},
		Crc:      digest.Crc{Kind: digest.KindReg, Hash: hash},
	}
}

func TestInsertThenMatchIsHit(t *testing.T) {
	c, s := newTestCache(t, 1<<30, 2)
	deps := map[string]digest.DepDigest{}
	n, d := existingDep("dep.c", 42)
	deps[n] = d

	outcome, err := c.Insert("job1", 0, deps, "keyA", true, 100, 10, 1000)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if outcome != digest.Miss {
		t.Fatalf("first insert outcome = %v, want Miss", outcome)
	}
	assertNoViolations(t, s)

	outcome, match, err := c.Match("job1", deps, 2000)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if outcome != digest.Hit {
		t.Fatalf("Match after matching insert = %v, want Hit", outcome)
	}
	if match.Key != "keyA" || !match.KeyIsLast {
		t.Fatalf("Match result = %+v, want key=keyA key_is_last=true", match)
	}
}

// TestCardinalityDoesNotCrossEvictDistinctKeys is the regression test for
// the reviewer-identified bug: two distinct keys occupying the same
// key_is_last slot in one job must coexist, not victimize one another.
func TestCardinalityDoesNotCrossEvictDistinctKeys(t *testing.T) {
	c, s := newTestCache(t, 1<<30, 8) // high max_runs_per_job: isolate the cardinality rule from the run-count eviction

	depsA := map[string]digest.DepDigest{}
	n, d := existingDep("a.c", 1)
	depsA[n] = d
	depsB := map[string]digest.DepDigest{}
	n, d = existingDep("b.c", 2)
	depsB[n] = d

	if _, err := c.Insert("job1", 0, depsA, "keyA", true, 10, 10, 1000); err != nil {
		t.Fatalf("insert keyA: %v", err)
	}
	assertNoViolations(t, s)

	if _, err := c.Insert("job1", 0, depsB, "keyB", true, 10, 10, 1001); err != nil {
		t.Fatalf("insert keyB: %v", err)
	}
	assertNoViolations(t, s)

	jobID, ok := s.Jobs.Lookup("job1")
	if !ok {
		t.Fatal("job1 not found")
	}
	if n := s.Jobs.Jobs.At(jobID).NRuns; n != 2 {
		t.Fatalf("job1.NRuns = %d, want 2: inserting keyB's last-slot run wrongly victimized keyA's", n)
	}

	outcome, match, err := c.Match("job1", depsA, 2000)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if outcome != digest.Hit {
		t.Fatalf("keyA's run should still be live after keyB's insert, got outcome=%v", outcome)
	}
	if match.Key != "keyA" {
		t.Fatalf("match.Key = %q, want keyA", match.Key)
	}
}

// TestCardinalityDemotesStaleLastOfSameKey covers the demote branch: a
// second "last" run for the SAME key demotes the first one to
// key_is_last=false rather than victimizing it, matching
// CjobData::insert.
func TestCardinalityDemotesStaleLastOfSameKey(t *testing.T) {
	c, s := newTestCache(t, 1<<30, 8)

	depsV1 := map[string]digest.DepDigest{}
	n, d := existingDep("v1.c", 1)
	depsV1[n] = d
	depsV2 := map[string]digest.DepDigest{}
	n, d = existingDep("v2.c", 2)
	depsV2[n] = d

	if _, err := c.Insert("job1", 0, depsV1, "keyA", true, 10, 10, 1000); err != nil {
		t.Fatalf("insert v1: %v", err)
	}
	if _, err := c.Insert("job1", 0, depsV2, "keyA", true, 10, 10, 1001); err != nil {
		t.Fatalf("insert v2: %v", err)
	}
	assertNoViolations(t, s)

	jobID, _ := s.Jobs.Lookup("job1")
	jr := s.Jobs.Jobs.At(jobID)
	if jr.NRuns != 2 {
		t.Fatalf("job1.NRuns = %d, want 2 (v1 demoted to first, v2 holds last)", jr.NRuns)
	}

	keyAID, _ := s.Keys.Lookup("keyA")
	var sawFirst, sawLast bool
	for runID := jr.LRUHead; runID != 0; runID = s.Runs.At(runID).JobNext {
		r := s.Runs.At(runID)
		if r.Key != keyAID {
			continue
		}
		if r.KeyIsLast != 0 {
			sawLast = true
		} else {
			sawFirst = true
		}
	}
	if !sawFirst || !sawLast {
		t.Fatalf("expected one demoted first run and one last run for keyA, sawFirst=%v sawLast=%v", sawFirst, sawLast)
	}
}

func TestInsertEvictsOldestWhenMaxRunsPerJobExceeded(t *testing.T) {
	c, s := newTestCache(t, 1<<30, 2)

	depsA := map[string]digest.DepDigest{}
	n, d := existingDep("a.c", 1)
	depsA[n] = d
	depsB := map[string]digest.DepDigest{}
	n, d = existingDep("b.c", 2)
	depsB[n] = d
	depsC := map[string]digest.DepDigest{}
	n, d = existingDep("c.c", 3)
	depsC[n] = d

	if _, err := c.Insert("job1", 0, depsA, "keyA", false, 10, 10, 1000); err != nil {
		t.Fatalf("insert A: %v", err)
	}
	if _, err := c.Insert("job1", 0, depsB, "keyB", false, 10, 10, 1001); err != nil {
		t.Fatalf("insert B: %v", err)
	}
	if _, err := c.Insert("job1", 0, depsC, "keyC", false, 10, 10, 1002); err != nil {
		t.Fatalf("insert C: %v", err)
	}
	assertNoViolations(t, s)

	jobID, _ := s.Jobs.Lookup("job1")
	if n := s.Jobs.Jobs.At(jobID).NRuns; n != 2 {
		t.Fatalf("job1.NRuns = %d, want 2 (max_runs_per_job)", n)
	}

	if outcome, _, _ := c.Match("job1", depsA, 2000); outcome != digest.Miss {
		t.Fatalf("oldest run (key A) should have been evicted, got outcome=%v", outcome)
	}
}

func TestMatchUnknownJobIsMiss(t *testing.T) {
	c, _ := newTestCache(t, 1<<30, 2)
	outcome, _, err := c.Match("never-seen", map[string]digest.DepDigest{}, 0)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if outcome != digest.Miss {
		t.Fatalf("Match on unknown job = %v, want Miss", outcome)
	}
}
