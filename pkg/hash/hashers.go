package hash

import (
	"github.com/cespare/xxhash"
	"github.com/spaolacci/murmur3"
)

// KeyHasher computes the 32-bit hash code of a key. The index stores only
// hash codes; keys never appear on its pages.
type KeyHasher func(key []byte) uint32

// Identifiers of the supported hash procedures, persisted in the metapage's
// proc_oid field so a reopened index keeps hashing keys the same way.
const (
	ProcMurmur3 uint32 = 1
	ProcXxhash  uint32 = 2
)

// MurmurHasher hashes a key with MurmurHash3.
func MurmurHasher(key []byte) uint32 {
	return murmur3.Sum32(key)
}

// XxHasher hashes a key with xxHash, folded to 32 bits.
func XxHasher(key []byte) uint32 {
	sum := xxhash.Sum64(key)
	return uint32(sum) ^ uint32(sum>>32)
}

// hasherByProc resolves a persisted procedure id to its hasher.
func hasherByProc(proc uint32) (KeyHasher, bool) {
	switch proc {
	case ProcMurmur3:
		return MurmurHasher, true
	case ProcXxhash:
		return XxHasher, true
	default:
		return nil, false
	}
}
