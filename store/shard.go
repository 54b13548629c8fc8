package store

import (
	"encoding/binary"

	"github.com/dgryski/go-metro"
)

// shardSeed is independent of digest.crcSeed: the shard hash is a work
// distribution helper and must never collide in purpose with the content
// fingerprint used for cache matching.
const shardSeed = 0x5eed5eed

// ShardFor deterministically assigns a run-id (or any uint32 id) to one
// of numShards buckets. Check (check.go) walks the store on a single
// goroutine and does not call it.
func ShardFor(id uint32, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], id)
	h := metro.Hash64(buf[:], shardSeed)
	return int(h % uint64(numShards))
}
