package repair

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/open-lmake/buildcache/cache"
	"github.com/open-lmake/buildcache/digest"
	"github.com/open-lmake/buildcache/lru"
	"github.com/open-lmake/buildcache/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		base     string
		wantKey  string
		wantLast bool
		wantKind string
		wantOK   bool
	}{
		{"keyA-first-data", "keyA", false, "data", true},
		{"keyA-last-info", "keyA", true, "info", true},
		{"key-with-dashes-last-data", "key-with-dashes", true, "data", true},
		{"garbage.tmp", "", false, "", false},
		{"key-sideways-data", "", false, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			key, last, kind, ok := classify(tt.base)
			if ok != tt.wantOK {
				t.Fatalf("classify(%q) ok = %v, want %v", tt.base, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if key != tt.wantKey || last != tt.wantLast || kind != tt.wantKind {
				t.Fatalf("classify(%q) = (%q, %v, %q), want (%q, %v, %q)", tt.base, key, last, kind, tt.wantKey, tt.wantLast, tt.wantKind)
			}
		})
	}
}

const goodInfoJSON = `{"status":"Ok","exe_time":1.5,"n_statics":0,"deps":[` +
	`{"name":"a.c","accesses":2,"full":true,"static":false,"crc_kind":3,"crc_or_none":false,"crc_err":false,"crc_hash":1,"err":false}` +
	`]}`

const badStatusInfoJSON = `{"status":"Err","exe_time":1.5,"n_statics":0,"deps":[]}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestWalkKeepsCompleteGroupsAndSchedulesTheRestForDeletion(t *testing.T) {
	dir := t.TempDir()

	// Complete, well-formed group: kept.
	writeFile(t, filepath.Join(dir, "job1", "keyA-first-data"), "payload")
	writeFile(t, filepath.Join(dir, "job1", "keyA-first-info"), goodInfoJSON)

	// Data with no matching info: incomplete, deleted.
	writeFile(t, filepath.Join(dir, "job1", "keyB-last-data"), "payload")

	// Complete group but status != Ok: deleted.
	writeFile(t, filepath.Join(dir, "job1", "keyC-last-data"), "payload")
	writeFile(t, filepath.Join(dir, "job1", "keyC-last-info"), badStatusInfoJSON)

	// A file that doesn't fit the {job}/{key}-{first|last}-{data|info} shape.
	writeFile(t, filepath.Join(dir, "job1", "nested", "stray.txt"), "x")

	plan, err := Walk(dir)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(plan.Keep) != 1 {
		t.Fatalf("plan.Keep = %d groups, want 1", len(plan.Keep))
	}
	g := plan.Keep[0]
	if g.JobName != "job1" || g.KeyName != "keyA" || g.KeyIsLast {
		t.Fatalf("kept group = %+v, want job1/keyA/first", g)
	}

	wantDeleted := map[string]bool{
		filepath.Join(dir, "job1", "keyB-last-data"):      true,
		filepath.Join(dir, "job1", "keyC-last-data"):      true,
		filepath.Join(dir, "job1", "keyC-last-info"):      true,
		filepath.Join(dir, "job1", "nested", "stray.txt"): true,
	}
	if len(plan.Delete) != len(wantDeleted) {
		t.Fatalf("plan.Delete = %v, want exactly %v", plan.Delete, wantDeleted)
	}
	for _, p := range plan.Delete {
		if !wantDeleted[p] {
			t.Fatalf("plan.Delete contains unexpected path %q", p)
		}
	}
}

func TestApplyRemovesEveryPlannedFile(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a")
	p2 := filepath.Join(dir, "b")
	writeFile(t, p1, "x")
	writeFile(t, p2, "y")

	if err := Apply(&Plan{Delete: []string{p1, p2}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := os.Stat(p1); !os.IsNotExist(err) {
		t.Fatalf("%s should have been deleted", p1)
	}
	if _, err := os.Stat(p2); !os.IsNotExist(err) {
		t.Fatalf("%s should have been deleted", p2)
	}
}

func TestApplyToleratesAlreadyMissingFiles(t *testing.T) {
	dir := t.TempDir()
	if err := Apply(&Plan{Delete: []string{filepath.Join(dir, "never-existed")}}); err != nil {
		t.Fatalf("Apply should tolerate an already-missing path, got: %v", err)
	}
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	s, err := store.OpenStore(t.TempDir(), true)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	e := lru.NewEngine(s, 1<<30, 255)
	return cache.New(s, e, 2)
}

func TestReplayInsertsSurvivingGroupsAndIsRetrievable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "job1", "keyA-first-data"), "payload")
	writeFile(t, filepath.Join(dir, "job1", "keyA-first-info"), goodInfoJSON)

	plan, err := Walk(dir)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(plan.Keep) != 1 {
		t.Fatalf("plan.Keep = %d, want 1", len(plan.Keep))
	}

	c := newTestCache(t)
	if err := Replay(c, plan); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	deps := map[string]digest.DepDigest{
		"a.c": {Accesses: digest.AccessReg, DFlags: digest.DFlags{Full: true}, Crc: digest.Crc{Kind: digest.KindReg, Hash: 1}},
	}
	outcome, match, err := c.Match("job1", deps, 0)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if outcome != digest.Hit {
		t.Fatalf("Match after Replay = %v, want Hit", outcome)
	}
	if match.Key != "keyA" || match.KeyIsLast {
		t.Fatalf("match = %+v, want key=keyA key_is_last=false", match)
	}
}

func TestReplayAbortsOnUntrustedNameConflict(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "job1", "keyA-first-data"), "payload")
	writeFile(t, filepath.Join(dir, "job1", "keyA-first-info"), goodInfoJSON)

	plan, err := Walk(dir)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	// Duplicate the single group so Replay sees the same digest twice: the
	// second insert matches the first instead of reporting Miss.
	plan.Keep = append(plan.Keep, plan.Keep[0])

	c := newTestCache(t)
	if err := Replay(c, plan); err == nil {
		t.Fatal("Replay should abort when two groups collide on the same digest")
	}
}
