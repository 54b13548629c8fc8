package digest

import "sort"

// Access bits record which kind of access(es) the engine performed on a
// dep while executing a job.
type Access uint8

const (
	AccessLnk  Access = 1 << iota // read a symlink's target
	AccessReg                     // read a regular file's content
	AccessStat                    // stat'd only, content not read
)

// DFlags are the engine-supplied classification bits for a dep.
type DFlags struct {
	Full   bool // false: dep recorded for resource accounting only, ignore accesses
	Static bool // known at job creation time, independent of content sensed during execution
}

// DepDigest is what the engine reports per dep (glossary: "dep digest").
type DepDigest struct {
	Accesses   Access
	DFlags     DFlags
	Crc        Crc
	Err        bool // the run sensed an access error on this dep
	NeverMatch bool // the engine flags this observation as unmatchable against any content
}

// CompileDigest is compile's canonical output: deps sorted by (bucket,
// node-id), with dep_crcs covering the statics+existing prefix (spec.md
// §4.2.1).
type CompileDigest struct {
	NStatics int
	Deps     []uint32
	DepCrcs  []Crc
}

// NodeLookup interns or resolves node names into the domain node table.
// Download-mode compilation only resolves names already known to the
// cache (Lookup); upload-mode compilation creates new nodes as needed
// (Intern). A single interface lets this package stay independent of the
// concrete store package that implements it.
type NodeLookup interface {
	Lookup(name string) (id uint32, ok bool)
	Intern(name string) (id uint32, err error)
}

type compiledEntry struct {
	nodeID uint32
	bucket int // 0 static, 1 existing, 2 non-existing
	crc    Crc
}

// Compile canonicalizes an engine-supplied digest into a CompileDigest,
// per the rule sequence of spec.md §4.2.1. forUpload selects upload-mode
// node interning (and enables the NeverMatch assertion); false selects
// download-mode lookup-only resolution.
func Compile(deps map[string]DepDigest, nodes NodeLookup, forUpload bool) (CompileDigest, error) {
	entries := make([]compiledEntry, 0, len(deps))

	for name, dd := range deps {
		accesses := dd.Accesses
		if !dd.DFlags.Full {
			accesses = 0
		}

		if forUpload && dd.NeverMatch {
			return CompileDigest{}, errNeverMatch(name)
		}

		if !dd.DFlags.Static && accesses == 0 {
			continue
		}

		var nodeID uint32
		if dd.DFlags.Static {
			// statics are identified independent of node interning state;
			// still need an id to sort/dedup by.
			if forUpload {
				id, err := nodes.Intern(name)
				if err != nil {
					return CompileDigest{}, err
				}
				nodeID = id
			} else {
				id, ok := nodes.Lookup(name)
				if !ok {
					continue
				}
				nodeID = id
			}
			entries = append(entries, compiledEntry{nodeID: nodeID, bucket: 0, crc: generalize(dd)})
			continue
		}

		if forUpload {
			id, err := nodes.Intern(name)
			if err != nil {
				return CompileDigest{}, err
			}
			nodeID = id
		} else {
			id, ok := nodes.Lookup(name)
			if !ok {
				continue
			}
			nodeID = id
		}

		crc := generalize(dd)
		bucket := 2
		if crc.Kind != KindNone {
			bucket = 1
		}
		entries = append(entries, compiledEntry{nodeID: nodeID, bucket: bucket, crc: crc})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].bucket != entries[j].bucket {
			return entries[i].bucket < entries[j].bucket
		}
		return entries[i].nodeID < entries[j].nodeID
	})

	out := CompileDigest{
		Deps:    make([]uint32, len(entries)),
		DepCrcs: make([]Crc, 0, len(entries)),
	}
	for i, e := range entries {
		out.Deps[i] = e.nodeID
		if e.bucket == 0 {
			out.NStatics++
		}
		if e.bucket <= 1 {
			out.DepCrcs = append(out.DepCrcs, e.crc)
		}
	}
	return out, nil
}

// generalize applies the crc-by-access-kind table of spec.md §4.2.1 and
// folds the sensed error into the crc's Err bit.
func generalize(dd DepDigest) Crc {
	crc := dd.Crc
	switch dd.Accesses {
	case 0:
		crc = Crc{Kind: KindUnknown, OrNone: true}
	case AccessLnk:
		if crc.Kind != KindLnk {
			crc = Crc{Kind: KindReg, OrNone: true}
		}
	case AccessReg:
		if crc.Kind != KindReg {
			crc = Crc{Kind: KindLnk, OrNone: true}
		}
	case AccessStat:
		if crc.Kind != KindNone {
			crc = Crc{Kind: KindUnknown}
		}
	case AccessLnk | AccessStat:
		if crc.Kind == KindReg {
			crc.OrNone = false
		}
	case AccessReg | AccessStat:
		if crc.Kind == KindLnk {
			crc.OrNone = false
		}
	}
	crc.Err = crc.Err || dd.Err
	return crc
}

type neverMatchError struct{ name string }

func (e neverMatchError) Error() string {
	return "digest: dep " + e.name + " is flagged never-match; refusing to compile for upload"
}

func errNeverMatch(name string) error { return neverMatchError{name} }
