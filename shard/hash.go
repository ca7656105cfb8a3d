package shard

import "github.com/cespare/xxhash/v2"

// KeyHash hashes the ordered shard-key column values of a series. Each value
// is framed with a separator byte so adjacent values cannot collide by
// concatenation.
func KeyHash(values []string) uint64 {
	d := xxhash.New()
	var sep = [1]byte{0xff}
	for _, v := range values {
		_, _ = d.WriteString(v)
		_, _ = d.Write(sep[:])
	}
	return d.Sum64()
}

// shardsForHash expands a shard-key hash into the shard set it maps to.
//
// The base shard is hash mod numShards with the low spreadBits cleared; the
// set enumerates every value of those low bits, yielding 2^spreadBits shards.
// numShards must be a power of two (validated at table creation) so the
// expansion stays inside [0, numShards).
func shardsForHash(hash uint64, numShards, spreadBits int) []int {
	if spreadBits < 0 {
		spreadBits = 0
	}
	mask := (1 << spreadBits) - 1
	if mask >= numShards {
		mask = numShards - 1
	}
	base := int(hash&uint64(numShards-1)) &^ mask
	shards := make([]int, 0, mask+1)
	for i := 0; i <= mask; i++ {
		shards = append(shards, base|i)
	}
	return shards
}
