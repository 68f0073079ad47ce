package page

import (
	"encoding/binary"
)

// SpecialSize is the size of the hash index special area:
//
//	prev_blk  u32 @ 0
//	next_blk  u32 @ 4
//	bucket_id u32 @ 8
//	flags     u16 @ 12
//	page_id   u16 @ 14
const SpecialSize = 16

// PageID is the sentinel stored in the last two bytes of every hash index
// page, used to tell a hash page from a page of some other access method.
const PageID uint16 = 0xFF7F

// InvalidBucket marks meta, bitmap and unused pages, which belong to no bucket.
const InvalidBucket uint32 = 0xFFFFFFFF

// Special-area flag bits. A freed overflow page carries no type bit at all.
const (
	FlagOverflow       uint16 = 1 << 0 // overflow page in some bucket chain
	FlagBucket         uint16 = 1 << 1 // primary page of a bucket
	FlagBitmap         uint16 = 1 << 2 // overflow-allocation bitmap page
	FlagMeta           uint16 = 1 << 3 // the block-zero metapage
	FlagBeingSplitFrom uint16 = 1 << 4 // bucket is the source of an in-progress split
	FlagBeingSplitTo   uint16 = 1 << 5 // bucket is the destination of an in-progress split
	FlagHasDeadItems   uint16 = 1 << 6 // hint: some line pointer on this page is dead
	FlagHalfDead       uint16 = 1 << 7 // overflow page emptied but not yet returned to the bitmap
)

// BucketState is the split state of a primary bucket page, decoded from its
// flag word. The three states form the state machine of a split: expand-table
// moves both participants out of Stable, and the split-finish protocol is the
// only agent that moves them back.
type BucketState int

const (
	StateStable BucketState = iota
	StateBeingSplitFrom
	StateBeingSplitTo
)

func (s BucketState) String() string {
	switch s {
	case StateBeingSplitFrom:
		return "being-split-from"
	case StateBeingSplitTo:
		return "being-split-to"
	default:
		return "stable"
	}
}

// Byte offsets within the special area.
const (
	prevOff   = 0
	nextOff   = 4
	bucketOff = 8
	spFlagOff = 12
	pageIDOff = 14
)

func (p Page) special() []byte {
	return p.data[p.Special():]
}

// InitHash formats the buffer as an empty hash page of the given kind.
func (p Page) InitHash(flags uint16, bucket uint32) {
	p.Init(SpecialSize)
	sp := p.special()
	binary.LittleEndian.PutUint32(sp[prevOff:], InvalidBlock)
	binary.LittleEndian.PutUint32(sp[nextOff:], InvalidBlock)
	binary.LittleEndian.PutUint32(sp[bucketOff:], bucket)
	binary.LittleEndian.PutUint16(sp[spFlagOff:], flags)
	binary.LittleEndian.PutUint16(sp[pageIDOff:], PageID)
}

// PrevBlock returns the previous page in the overflow chain
// (InvalidBlock on a primary page).
func (p Page) PrevBlock() uint32 {
	return binary.LittleEndian.Uint32(p.special()[prevOff:])
}

// NextBlock returns the next page in the overflow chain, or InvalidBlock.
func (p Page) NextBlock() uint32 {
	return binary.LittleEndian.Uint32(p.special()[nextOff:])
}

// SetPrevBlock updates the back link of the overflow chain.
func (p Page) SetPrevBlock(blk uint32) {
	binary.LittleEndian.PutUint32(p.special()[prevOff:], blk)
}

// SetNextBlock updates the forward link of the overflow chain.
func (p Page) SetNextBlock(blk uint32) {
	binary.LittleEndian.PutUint32(p.special()[nextOff:], blk)
}

// BucketID returns the bucket this page belongs to, or InvalidBucket.
func (p Page) BucketID() uint32 {
	return binary.LittleEndian.Uint32(p.special()[bucketOff:])
}

// SetBucketID reassigns the page to a bucket.
func (p Page) SetBucketID(bucket uint32) {
	binary.LittleEndian.PutUint32(p.special()[bucketOff:], bucket)
}

// HashFlags returns the special-area flag word.
func (p Page) HashFlags() uint16 {
	return binary.LittleEndian.Uint16(p.special()[spFlagOff:])
}

// SetHashFlag sets the given flag bits.
func (p Page) SetHashFlag(flag uint16) {
	sp := p.special()
	binary.LittleEndian.PutUint16(sp[spFlagOff:], binary.LittleEndian.Uint16(sp[spFlagOff:])|flag)
}

// ClearHashFlag clears the given flag bits.
func (p Page) ClearHashFlag(flag uint16) {
	sp := p.special()
	binary.LittleEndian.PutUint16(sp[spFlagOff:], binary.LittleEndian.Uint16(sp[spFlagOff:])&^flag)
}

// IsHashPage reports whether the page carries the hash page sentinel.
func (p Page) IsHashPage() bool {
	return binary.LittleEndian.Uint16(p.special()[pageIDOff:]) == PageID
}

// IsOverflow reports whether this is an overflow page.
func (p Page) IsOverflow() bool {
	return p.HashFlags()&FlagOverflow != 0
}

// IsBucket reports whether this is a primary bucket page.
func (p Page) IsBucket() bool {
	return p.HashFlags()&FlagBucket != 0
}

// IsBitmap reports whether this is a bitmap page.
func (p Page) IsBitmap() bool {
	return p.HashFlags()&FlagBitmap != 0
}

// IsMeta reports whether this is the metapage.
func (p Page) IsMeta() bool {
	return p.HashFlags()&FlagMeta != 0
}

// IsUnused reports whether this is a freed overflow page awaiting reuse.
func (p Page) IsUnused() bool {
	return p.HashFlags()&(FlagOverflow|FlagBucket|FlagBitmap|FlagMeta) == 0
}

// State decodes the split state machine of a primary page.
func (p Page) State() BucketState {
	flags := p.HashFlags()
	switch {
	case flags&FlagBeingSplitFrom != 0:
		return StateBeingSplitFrom
	case flags&FlagBeingSplitTo != 0:
		return StateBeingSplitTo
	default:
		return StateStable
	}
}

// ItemHash returns the hash code of the item at the given offset. Every hash
// index item begins with its 32-bit hash code, little-endian.
func (p Page) ItemHash(off Offset) uint32 {
	lp := p.Lp(off)
	return binary.LittleEndian.Uint32(p.data[lp.Off:])
}

// SearchHash returns the smallest 1-based offset whose item hash is >= h, or
// MaxOffset()+1 if every item hashes below h. Scans start here and walk the
// equal run forward.
func (p Page) SearchHash(h uint32) Offset {
	lo, hi := Offset(1), p.MaxOffset()+1
	for lo < hi {
		mid := (lo + hi) / 2
		if p.ItemHash(mid) < h {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// InsertOffset returns the offset at which an item with hash h should be
// installed: just past the run of equal hashes, so repeated inserts with the
// same hash keep insertion order and the page stays sorted.
func (p Page) InsertOffset(h uint32) Offset {
	lo, hi := Offset(1), p.MaxOffset()+1
	for lo < hi {
		mid := (lo + hi) / 2
		if p.ItemHash(mid) <= h {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
