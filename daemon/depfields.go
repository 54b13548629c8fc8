package daemon

import (
	"github.com/open-lmake/buildcache/digest"
	"github.com/open-lmake/buildcache/rpcwire"
)

// depsToFields flattens a dep-digest map into the wire array-of-maps
// shape rpcwire understands: one Fields per dep, keyed by name.
func depsToFields(deps map[string]digest.DepDigest) []rpcwire.Fields {
	out := make([]rpcwire.Fields, 0, len(deps))
	for name, dd := range deps {
		out = append(out, rpcwire.Fields{
			"name":        name,
			"accesses":    uint32(dd.Accesses),
			"full":        dd.DFlags.Full,
			"static":      dd.DFlags.Static,
			"crc_kind":    uint32(dd.Crc.Kind),
			"crc_or_none": dd.Crc.OrNone,
			"crc_err":     dd.Crc.Err,
			"crc_hash":    dd.Crc.Hash,
			"err":         dd.Err,
			"never_match": dd.NeverMatch,
		})
	}
	return out
}

// fieldsToDeps is depsToFields's inverse, used server-side to decode a
// Download/Upload/Commit request's "deps" field.
func fieldsToDeps(raw interface{}) map[string]digest.DepDigest {
	entries, _ := raw.([]rpcwire.Fields)
	out := make(map[string]digest.DepDigest, len(entries))
	for _, f := range entries {
		name, _ := f["name"].(string)
		dd := digest.DepDigest{
			Accesses: digest.Access(asUint32(f["accesses"])),
			DFlags: digest.DFlags{
				Full:   asBool(f["full"]),
				Static: asBool(f["static"]),
			},
			Crc: digest.Crc{
				Kind:   digest.Kind(asUint32(f["crc_kind"])),
				OrNone: asBool(f["crc_or_none"]),
				Err:    asBool(f["crc_err"]),
				Hash:   asUint64(f["crc_hash"]),
			},
			Err:        asBool(f["err"]),
			NeverMatch: asBool(f["never_match"]),
		}
		out[name] = dd
	}
	return out
}

func asUint32(v interface{}) uint32 {
	if u, ok := v.(uint64); ok {
		return uint32(u)
	}
	return 0
}

func asUint64(v interface{}) uint64 {
	if u, ok := v.(uint64); ok {
		return u
	}
	return 0
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}
