// Package repair implements the offline repair tool of spec.md §4.6: scan
// the untrusted on-disk tree under the cache's admin directory, classify
// every reserved/committed file, schedule unclassifiable or incomplete
// groups for deletion, and replay the survivors into a freshly emptied
// store.
package repair

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/tidwall/gjson"

	"github.com/open-lmake/buildcache/cache"
	"github.com/open-lmake/buildcache/digest"
	"github.com/open-lmake/buildcache/lru"
)

// Entry is one classified run-directory file: a {job, key, first|last,
// data|info} quadruple plus its filesystem path.
type Entry struct {
	JobName   string
	KeyName   string
	KeyIsLast bool
	Kind      string // "data" or "info"
	Path      string
}

// Group is every file belonging to one (job, key, key_is_last) run slot.
type Group struct {
	JobName   string
	KeyName   string
	KeyIsLast bool
	Data      *Entry
	Info      *Entry
}

func (g *Group) key() string {
	last := "0"
	if g.KeyIsLast {
		last = "1"
	}
	return g.JobName + "\x00" + g.KeyName + "\x00" + last
}

// Plan is the outcome of the classify pass: groups worth replaying, and
// every file (classified-but-incomplete, or outright unclassifiable)
// scheduled for deletion.
type Plan struct {
	Keep   []*Group
	Delete []string
}

// classify splits base's filename into its (key, first|last, data|info)
// parts, per the `{key}-{first|last}-{data|info}` naming the daemon's
// commit path writes, where {key} is the repo-key string itself, not its
// numeric key-id. ok is false for any name that doesn't fit the pattern.
func classify(base string) (key string, isLast bool, kind string, ok bool) {
	parts := strings.Split(base, "-")
	if len(parts) < 3 {
		return "", false, "", false
	}
	kind = parts[len(parts)-1]
	firstOrLast := parts[len(parts)-2]
	key = strings.Join(parts[:len(parts)-2], "-")
	if kind != "data" && kind != "info" {
		return "", false, "", false
	}
	switch firstOrLast {
	case "last":
		return key, true, kind, true
	case "first":
		return key, false, kind, true
	default:
		return "", false, "", false
	}
}

// Walk scans storeDir (the `{admin}/store/` run-directory tree) and
// produces the classification Plan of spec.md §4.6 steps 2-3. Each
// immediate subdirectory of storeDir is treated as a job name.
func Walk(storeDir string) (*Plan, error) {
	groups := map[string]*Group{}
	var toDelete []string

	err := godirwalk.Walk(storeDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(storeDir, path)
			if err != nil {
				return err
			}
			segs := strings.Split(rel, string(filepath.Separator))
			if len(segs) != 2 {
				toDelete = append(toDelete, path)
				return nil
			}
			jobName, base := segs[0], segs[1]
			key, isLast, kind, ok := classify(base)
			if !ok {
				toDelete = append(toDelete, path)
				return nil
			}
			g := &Group{JobName: jobName, KeyName: key, KeyIsLast: isLast}
			existing, found := groups[g.key()]
			if !found {
				existing = g
				groups[g.key()] = existing
			}
			entry := &Entry{JobName: jobName, KeyName: key, KeyIsLast: isLast, Kind: kind, Path: path}
			if kind == "data" {
				existing.Data = entry
			} else {
				existing.Info = entry
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	for _, g := range groups {
		if g.Data == nil || g.Info == nil {
			if g.Data != nil {
				toDelete = append(toDelete, g.Data.Path)
			}
			if g.Info != nil {
				toDelete = append(toDelete, g.Info.Path)
			}
			continue
		}
		raw, err := os.ReadFile(g.Info.Path)
		if err != nil || gjson.GetBytes(raw, "status").String() != "Ok" {
			toDelete = append(toDelete, g.Data.Path, g.Info.Path)
			continue
		}
		plan.Keep = append(plan.Keep, g)
	}
	plan.Delete = toDelete
	return plan, nil
}

// Apply deletes every file in plan.Delete. Called only after a non-dry
// run confirms the plan.
func Apply(plan *Plan) error {
	for _, path := range plan.Delete {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Replay reinserts every surviving group into c via CjobData::insert,
// deriving last_access from the data file's modification time and rate from
// to_rate(sz, exe_time) read out of the info blob (spec.md §4.6 step 5).
// A fresh replay into a freshly reset store should always insert cleanly
// (outcome Miss, meaning no prior run matched). If insert instead reports
// a Hit or Match, two untrusted run-directory names collided on a digest
// that the trusted commit path would never have let coexist; Replay
// aborts in that case.
func Replay(c *cache.Cache, plan *Plan) error {
	for _, g := range plan.Keep {
		fi, err := os.Stat(g.Data.Path)
		if err != nil {
			return err
		}
		sz := fi.Size()
		lastAccess := atime(fi)

		raw, err := os.ReadFile(g.Info.Path)
		if err != nil {
			return err
		}
		exeTime := gjson.GetBytes(raw, "exe_time").Float()
		rate := lru.ToRate(sz, exeTime)
		nStatics := uint32(gjson.GetBytes(raw, "n_statics").Uint())

		deps := depsFromInfo(raw)

		outcome, err := c.Insert(g.JobName, nStatics, deps, g.KeyName, g.KeyIsLast, sz, rate, lastAccess)
		if err != nil {
			return err
		}
		if outcome != digest.Miss {
			return errAbortedReplay(g.JobName, g.KeyName)
		}
	}
	return nil
}

// depsFromInfo reads the "deps" array out of an -info blob with gjson,
// the fast-scan library spec.md §1.2's domain stack calls for, rather
// than a full json.Unmarshal into a typed struct.
func depsFromInfo(raw []byte) map[string]digest.DepDigest {
	out := map[string]digest.DepDigest{}
	gjson.GetBytes(raw, "deps").ForEach(func(_, dep gjson.Result) bool {
		name := dep.Get("name").String()
		out[name] = digest.DepDigest{
			Accesses: digest.Access(dep.Get("accesses").Uint()),
			DFlags: digest.DFlags{
				Full:   dep.Get("full").Bool(),
				Static: dep.Get("static").Bool(),
			},
			Crc: digest.Crc{
				Kind:   digest.Kind(dep.Get("crc_kind").Uint()),
				OrNone: dep.Get("crc_or_none").Bool(),
				Err:    dep.Get("crc_err").Bool(),
				Hash:   dep.Get("crc_hash").Uint(),
			},
			Err: dep.Get("err").Bool(),
		}
		return true
	})
	return out
}

type abortedReplayError struct{ job, key string }

func (e abortedReplayError) Error() string {
	return "repair: replay aborted: job " + e.job + " key " + e.key + " matched an existing run (untrusted name conflict)"
}

func errAbortedReplay(job, key string) error { return abortedReplayError{job, key} }

// atime approximates the reserved file's access time with its mtime:
// Go's os.FileInfo has no portable atime accessor, and mtime is set once
// at commit time and never touched again by this engine, so it serves as
// a stable proxy for "last accessed" across a repair replay.
func atime(fi os.FileInfo) int64 {
	return fi.ModTime().UnixNano()
}
