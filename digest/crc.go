// Package digest implements dependency-digest canonicalization and
// matching (spec.md §4.2): reducing a build engine's view of a job's
// dependencies into a canonical, sortable form, and deciding whether a
// previously cached run still satisfies a candidate run's dependencies.
package digest

import "github.com/OneOfOne/xxhash"

// crcSeed seeds the content hash the same way the teacher seeds its own
// 64-bit digests (cluster/map.go), so the choice of hash function and
// seeding convention is carried over rather than invented fresh.
const crcSeed = 0x811c9dc5

// Kind is the concrete existence/content class a Crc fingerprints.
type Kind uint8

const (
	// KindNone means the dep does not exist (no content to fingerprint).
	KindNone Kind = iota
	// KindUnknown means the dep exists but its kind was not sensed.
	KindUnknown
	// KindLnk means the dep is a symlink; Hash fingerprints its target.
	KindLnk
	// KindReg means the dep is a regular file; Hash fingerprints its bytes.
	KindReg
)

// Crc is a fixed-width content fingerprint plus the two reserved bits the
// glossary describes: OrNone (the fingerprint is compatible with either
// the given content or absence) and Err (the run sensed an error
// accessing this dep). Hash is meaningful only for KindLnk/KindReg.
type Crc struct {
	Kind   Kind
	OrNone bool
	Err    bool
	Hash   uint64
}

// HashBytes fingerprints content the way every cache-side crc is
// produced: a seeded 64-bit xxhash, matching the teacher's choice of
// hash family for its own digests.
func HashBytes(content []byte) uint64 {
	h := xxhash.NewS64(crcSeed)
	h.Write(content)
	return h.Sum64()
}

// HashString is the string-keyed equivalent of HashBytes, used when
// fingerprinting a symlink target.
func HashString(s string) uint64 {
	return xxhash.ChecksumString64S(s, crcSeed)
}

// crcOk implements spec.md §4.2.2's compatibility table between a
// cache-side crc cc and a repo-side crc rc.
func crcOk(cc, rc Crc) bool {
	if cc.Err != rc.Err {
		return false
	}
	switch {
	case cc.Kind == KindNone && rc.Kind == KindNone:
		return true
	case cc.Kind == KindLnk && rc.Kind == KindLnk, cc.Kind == KindReg && rc.Kind == KindReg:
		return cc.Hash == rc.Hash
	case cc.OrNone && rc.Kind == KindNone:
		return true
	case rc.OrNone && cc.Kind == KindNone:
		return true
	case cc.Kind == KindUnknown:
		return rc.Kind != KindNone
	case rc.Kind == KindUnknown:
		return cc.Kind != KindNone
	case cc.Kind == KindLnk:
		return rc.Kind == KindLnk
	case cc.Kind == KindReg:
		return rc.Kind == KindReg
	case rc.Kind == KindLnk:
		return cc.Kind == KindLnk
	case rc.Kind == KindReg:
		return cc.Kind == KindReg
	default:
		return false
	}
}
