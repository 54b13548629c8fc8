package digest

// Outcome is the three-way result of matching a cached run's deps
// against a candidate run's provided deps (spec.md §4.2.3).
type Outcome int

const (
	// Hit means the cached run fully satisfies the candidate: it can be
	// reused without re-execution.
	Hit Outcome = iota
	// Match means some cache-side deps were not present on the repo side;
	// the repo must re-evaluate (sense) them before a Hit is possible.
	Match
	// Miss means a conflicting crc or a genuinely incompatible dep was found.
	Miss
)

// CachedRun is the subset of a stored run's fields the matcher needs:
// its canonicalized deps and the crc prefix covering statics+existing.
type CachedRun struct {
	NStatics int
	Deps     []uint32 // sorted: statics, then existing, then non-existing
	DepCrcs  []Crc    // covers Deps[:len(DepCrcs)]
}

// MatchRun implements CrunData::match: a three-way merge between a
// cached run's deps and a candidate's freshly compiled digest.
func MatchRun(cached CachedRun, provided CompileDigest) Outcome {
	if cached.NStatics != provided.NStatics {
		return Miss
	}

	// 1. Statics: identical node-id set by construction; test crc_ok pairwise.
	for i := 0; i < cached.NStatics; i++ {
		if i >= len(provided.Deps) || cached.Deps[i] != provided.Deps[i] {
			return Miss
		}
		if !crcOk(cached.DepCrcs[i], provided.DepCrcs[i]) {
			return Miss
		}
	}

	providedWithCrc := provided.Deps[provided.NStatics:len(provided.DepCrcs)]
	providedWithCrcVals := provided.DepCrcs[provided.NStatics:]
	providedNoCrc := provided.Deps[len(provided.DepCrcs):]

	outcome := Hit
	j1, j2 := 0, 0

	// 2. Existing deps: cache index range [NStatics, len(DepCrcs)).
	for i := cached.NStatics; i < len(cached.DepCrcs); i++ {
		id := cached.Deps[i]
		cc := cached.DepCrcs[i]

		for j1 < len(providedWithCrc) && providedWithCrc[j1] < id {
			j1++
		}
		if j1 < len(providedWithCrc) && providedWithCrc[j1] == id {
			if !crcOk(cc, providedWithCrcVals[j1]) {
				return Miss
			}
			j1++
			continue
		}

		for j2 < len(providedNoCrc) && providedNoCrc[j2] < id {
			j2++
		}
		if j2 < len(providedNoCrc) && providedNoCrc[j2] == id {
			if !crcOk(cc, Crc{Kind: KindNone}) {
				return Miss
			}
			j2++
			continue
		}

		// Not present on the repo side at all: the cache knows something
		// the repo hasn't sensed yet. Downgrade but keep scanning for an
		// outright Miss elsewhere.
		outcome = Match
	}

	fastPath := outcome == Hit && j1 >= len(providedWithCrc)

	// 3. Non-existing cache deps: index range [len(DepCrcs), len(Deps)).
	for i := len(cached.DepCrcs); i < len(cached.Deps); i++ {
		id := cached.Deps[i]

		for j2 < len(providedNoCrc) && providedNoCrc[j2] < id {
			j2++
		}
		if j2 < len(providedNoCrc) && providedNoCrc[j2] == id {
			j2++
			continue
		}

		if fastPath {
			// every provided with-crc entry was already consumed in pass 2,
			// so none remain that could conflict with a non-existing dep.
			continue
		}

		for ; j1 < len(providedWithCrc) && providedWithCrc[j1] < id; j1++ {
		}
		if j1 < len(providedWithCrc) && providedWithCrc[j1] == id {
			if !crcOk(Crc{Kind: KindNone}, providedWithCrcVals[j1]) {
				return Miss
			}
		}
	}

	return outcome
}
