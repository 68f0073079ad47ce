package hash

import (
	"encoding/binary"

	"hashdb/pkg/page"

	"github.com/bits-and-blooms/bitset"
)

// Bitmap pages track which global overflow numbers are in use. The payload
// sits right after the page header: BitmapBytes of little-endian uint64
// words, bit i of page j covering overflow number j*BitsPerBitmapPage + i.
// A set bit means allocated. Bit 0 of every bitmap page is set at birth,
// because the bitmap page itself occupies that overflow slot.

func bitmapPayload(pg page.Page) []byte {
	return pg.Data()[page.HeaderSize : page.HeaderSize+BitmapBytes]
}

// loadBitmap copies the page's payload into a bitset for querying.
func loadBitmap(pg page.Page) *bitset.BitSet {
	payload := bitmapPayload(pg)
	words := make([]uint64, BitmapBytes/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(payload[i*8:])
	}
	return bitset.From(words)
}

// storeBitmap writes a bitset back into the page's payload.
func storeBitmap(pg page.Page, bs *bitset.BitSet) {
	payload := bitmapPayload(pg)
	for i, w := range bs.Bytes() {
		binary.LittleEndian.PutUint64(payload[i*8:], w)
	}
}

func bitmapTestBit(pg page.Page, bit uint32) bool {
	return loadBitmap(pg).Test(uint(bit))
}

func bitmapSetBit(pg page.Page, bit uint32) {
	bs := loadBitmap(pg)
	bs.Set(uint(bit))
	storeBitmap(pg, bs)
}

func bitmapClearBit(pg page.Page, bit uint32) {
	bs := loadBitmap(pg)
	bs.Clear(uint(bit))
	storeBitmap(pg, bs)
}

// firstClearBit finds the first clear bit at or after from, or ok=false if
// the page is full.
func firstClearBit(pg page.Page, from uint32) (uint32, bool) {
	bit, ok := loadBitmap(pg).NextClear(uint(from))
	if !ok || bit >= BitsPerBitmapPage {
		return 0, false
	}
	return uint32(bit), true
}
