package hash

import (
	"errors"

	"hashdb/pkg/page"
)

// Metapage format identifiers.
const (
	Magic   uint32 = 0x6440640
	Version uint32 = 4
)

// Overflow bitmap geometry. The bitmap payload is the largest power of two
// that fits between the page header and the special area, so bit addresses
// can be split with shifts.
const (
	// BitmapBytes is the bitmap payload size in bytes (metapage bmsize).
	BitmapBytes = 4096
	// BitmapShift is log2 of the number of bits per bitmap page (bmshift).
	BitmapShift = 15
	// BitsPerBitmapPage is the number of overflow pages one bitmap page covers.
	BitsPerBitmapPage = BitmapBytes * 8
)

// Capacity of the metapage directories.
const (
	MaxSplitPoints = 32  // spares[] entries
	MaxBitmaps     = 128 // mapp[] entries
)

// Error classes surfaced by the index.
var (
	// ErrCorruptPage is returned on a checksum mismatch, a wrong page
	// sentinel, a bucket id mismatch, or a chain link out of range.
	ErrCorruptPage = errors.New("hash: corrupt page")

	// ErrItemTooLarge is returned before any page lock is taken when an
	// item cannot fit on an empty page.
	ErrItemTooLarge = errors.New("hash: item too large for page")

	// ErrOutOfSpace is returned when the relation cannot be extended or a
	// metapage directory is exhausted.
	ErrOutOfSpace = errors.New("hash: out of overflow space")

	// ErrKeyNotFound is returned by lookups that match nothing.
	ErrKeyNotFound = errors.New("hash: key not found")

	// ErrInterrupted is returned when a chain walk observes the index's
	// interrupt flag between page acquisitions.
	ErrInterrupted = errors.New("hash: operation interrupted")
)

// maxItemSize is the largest item a bucket page can hold. Items are fixed
// width, so this is a compile-time property rather than a per-page one.
const maxItemSize = int(page.Size) - page.HeaderSize - page.SpecialSize - page.LpSize

// log2Ceil returns the smallest i such that 1<<i >= x.
func log2Ceil(x uint32) uint32 {
	i := uint32(0)
	for (uint64(1) << i) < uint64(x) {
		i++
	}
	return i
}

// nextPow2 rounds x up to a power of two.
func nextPow2(x uint32) uint32 {
	return 1 << log2Ceil(x)
}

// splitPointOf returns the splitpoint a bucket's primary page was allocated
// in: the smallest s with 1<<s >= bucket+2. Splitpoint s covers buckets
// [2^(s-1)-1, 2^s-2].
func splitPointOf(bucket uint32) uint32 {
	return log2Ceil(bucket + 2)
}
