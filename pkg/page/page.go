// Package page implements the slotted page codec shared by every block of a
// hash index file: a fixed header, an array of line pointers growing up from
// the low end, an item heap growing down from the high end, and a fixed-size
// special area at the very end of the page.
package page

import (
	"encoding/binary"
	"errors"

	"hashdb/pkg/pager"

	"github.com/cespare/xxhash"
)

// Size is the fixed page size. Mirrors the pager's frame size.
const Size = uint16(pager.Pagesize)

// Version is the slotted page layout version, stored in the low byte of the
// pd_pagesize_version field. The page size occupies the high bits (it is a
// multiple of 256, so the two never collide).
const Version = 5

// HeaderSize is the size of the fixed page header.
//
//	lsn       u64  @ 0
//	checksum  u16  @ 8
//	flags     u16  @ 10
//	lower     u16  @ 12
//	upper     u16  @ 14
//	special   u16  @ 16
//	pagesize_version u16 @ 18
//	prune_xid u32  @ 20
const HeaderSize = 24

// Byte offsets of the header fields.
const (
	lsnOff      = 0
	checksumOff = 8
	flagsOff    = 10
	lowerOff    = 12
	upperOff    = 14
	specialOff  = 16
	versionOff  = 18
	pruneXidOff = 20
)

// LpSize is the size of one encoded line pointer.
const LpSize = 4

// Offset is a 1-based line pointer number within a page.
type Offset = uint16

// InvalidOffset is returned when no line pointer matches or an item did not fit.
const InvalidOffset Offset = 0

// InvalidBlock is the sentinel block number used to terminate overflow chains.
const InvalidBlock uint32 = 0xFFFFFFFF

// Line pointer states.
const (
	LpUnused   uint8 = 0 // slot is free
	LpNormal   uint8 = 1 // points at a live item
	LpRedirect uint8 = 2 // points at another line pointer
	LpDead     uint8 = 3 // item found dead by a scan; space reclaimable
)

// ErrCorruptPage is returned when a page fails validation.
var ErrCorruptPage = errors.New("corrupt page")

// LinePointer describes the position and state of one item on a page.
// Encoded on disk as a u32: offset in bits 0-14, flags in bits 15-16,
// length in bits 17-31.
type LinePointer struct {
	Off   uint16 // byte offset of the item on the page
	Flags uint8  // one of LpUnused/LpNormal/LpRedirect/LpDead
	Len   uint16 // item length in bytes
}

func (lp LinePointer) encode() uint32 {
	return uint32(lp.Off)&0x7FFF | (uint32(lp.Flags)&0x3)<<15 | (uint32(lp.Len)&0x7FFF)<<17
}

func decodeLp(v uint32) LinePointer {
	return LinePointer{
		Off:   uint16(v & 0x7FFF),
		Flags: uint8((v >> 15) & 0x3),
		Len:   uint16((v >> 17) & 0x7FFF),
	}
}

// Page is the slotted page codec over one page-sized byte buffer. Codec
// methods mutate the buffer in place and never mark the owning frame dirty;
// callers do that inside their critical sections.
type Page struct {
	data []byte
}

// From wraps a pager frame in the codec.
func From(frame *pager.Page) Page {
	return Page{data: frame.GetData()}
}

// FromBytes wraps a raw page image (tests, WAL replay).
func FromBytes(data []byte) Page {
	return Page{data: data}
}

// Data returns the underlying page buffer.
func (p Page) Data() []byte {
	return p.data
}

// Init formats the buffer as an empty page with the given special area size.
func (p Page) Init(specialSize uint16) {
	clear(p.data)
	special := Size - specialSize
	p.setLower(HeaderSize)
	p.setUpper(special)
	binary.LittleEndian.PutUint16(p.data[specialOff:], special)
	binary.LittleEndian.PutUint16(p.data[versionOff:], Size|Version)
}

// Lsn returns the page's log sequence number.
func (p Page) Lsn() uint64 {
	return binary.LittleEndian.Uint64(p.data[lsnOff:])
}

// SetLsn stamps the page with the position of the last WAL record touching it.
func (p Page) SetLsn(lsn uint64) {
	binary.LittleEndian.PutUint64(p.data[lsnOff:], lsn)
}

// Lower returns the first byte past the line pointer array.
func (p Page) Lower() uint16 {
	return binary.LittleEndian.Uint16(p.data[lowerOff:])
}

// Upper returns the first byte of the item heap.
func (p Page) Upper() uint16 {
	return binary.LittleEndian.Uint16(p.data[upperOff:])
}

// Special returns the byte offset of the special area.
func (p Page) Special() uint16 {
	return binary.LittleEndian.Uint16(p.data[specialOff:])
}

func (p Page) setLower(v uint16) {
	binary.LittleEndian.PutUint16(p.data[lowerOff:], v)
}

func (p Page) setUpper(v uint16) {
	binary.LittleEndian.PutUint16(p.data[upperOff:], v)
}

// IsNew reports whether the buffer holds an all-zero (never initialized) page.
func (p Page) IsNew() bool {
	return p.Upper() == 0
}

// Validate checks the structural header invariants of an initialized page.
func (p Page) Validate() error {
	lower, upper, special := p.Lower(), p.Upper(), p.Special()
	if lower < HeaderSize || lower > upper || upper > special || special > Size {
		return ErrCorruptPage
	}
	if binary.LittleEndian.Uint16(p.data[versionOff:])&0xFF != Version {
		return ErrCorruptPage
	}
	return nil
}

// MaxOffset returns the highest line pointer number in use (0 when empty).
func (p Page) MaxOffset() Offset {
	return (p.Lower() - HeaderSize) / LpSize
}

// Lp returns the line pointer at the given 1-based offset.
func (p Page) Lp(off Offset) LinePointer {
	pos := HeaderSize + (int(off)-1)*LpSize
	return decodeLp(binary.LittleEndian.Uint32(p.data[pos:]))
}

// SetLp overwrites the line pointer at the given 1-based offset.
func (p Page) SetLp(off Offset, lp LinePointer) {
	pos := HeaderSize + (int(off)-1)*LpSize
	binary.LittleEndian.PutUint32(p.data[pos:], lp.encode())
}

// Item returns the raw bytes of the item at the given offset.
func (p Page) Item(off Offset) []byte {
	lp := p.Lp(off)
	return p.data[lp.Off : lp.Off+lp.Len]
}

// FreeSpace returns the space available to one more insertion, accounting for
// the line pointer the insertion will need. Returns 0 if the page is full.
func (p Page) FreeSpace() uint16 {
	lower, upper := p.Lower(), p.Upper()
	space := int(upper) - int(lower)
	if space <= LpSize {
		return 0
	}
	return uint16(space - LpSize)
}

// MaxItemSize returns the largest item an empty page of this layout can hold.
func (p Page) MaxItemSize() uint16 {
	return p.Special() - HeaderSize - LpSize
}

// AddItem installs an item at the given 1-based offset, shifting later line
// pointers up. If at is InvalidOffset the item is appended after the last
// offset. With overwrite set, the line pointer at that offset is replaced in
// place instead of shifted (redo paths). Returns the installed offset, or
// InvalidOffset if the page has insufficient room.
func (p Page) AddItem(item []byte, at Offset, overwrite bool) Offset {
	n := p.MaxOffset()
	if at == InvalidOffset {
		at = n + 1
	}
	if at > n+1 {
		panic("page: AddItem offset past end of line pointer array")
	}
	lower, upper := p.Lower(), p.Upper()
	needLp := !(overwrite && at <= n)
	need := len(item)
	if needLp {
		need += LpSize
	}
	if int(upper)-int(lower) < need {
		return InvalidOffset
	}
	if needLp && at <= n {
		// Shift line pointers at..n up by one slot.
		start := HeaderSize + (int(at)-1)*LpSize
		end := HeaderSize + int(n)*LpSize
		copy(p.data[start+LpSize:end+LpSize], p.data[start:end])
	}
	upper -= uint16(len(item))
	copy(p.data[upper:], item)
	p.SetLp(at, LinePointer{Off: upper, Flags: LpNormal, Len: uint16(len(item))})
	if needLp {
		p.setLower(lower + LpSize)
	}
	p.setUpper(upper)
	return at
}

// MultiDelete removes a batch of line pointers and compacts the item heap so
// all remaining items stay contiguous. Offsets may be passed in any order.
// Line pointers after the deleted ones shift down, so remaining items keep
// their relative (hash-sorted) order.
func (p Page) MultiDelete(offsets []Offset) {
	if len(offsets) == 0 {
		return
	}
	doomed := make(map[Offset]bool, len(offsets))
	for _, off := range offsets {
		doomed[off] = true
	}
	n := p.MaxOffset()
	type kept struct {
		item  []byte
		flags uint8
	}
	survivors := make([]kept, 0, int(n)-len(doomed))
	for off := Offset(1); off <= n; off++ {
		if doomed[off] {
			continue
		}
		lp := p.Lp(off)
		// Copy out: the heap is about to be rewritten in place.
		item := make([]byte, lp.Len)
		copy(item, p.data[lp.Off:lp.Off+lp.Len])
		survivors = append(survivors, kept{item: item, flags: lp.Flags})
	}
	// Rebuild the page from the survivors.
	special := p.Special()
	upper := special
	p.setLower(HeaderSize + uint16(len(survivors))*LpSize)
	for i, s := range survivors {
		upper -= uint16(len(s.item))
		copy(p.data[upper:], s.item)
		p.SetLp(Offset(i+1), LinePointer{Off: upper, Flags: s.flags, Len: uint16(len(s.item))})
	}
	p.setUpper(upper)
}

// SetChecksum computes and stores the page checksum. The checksum covers the
// whole page with the checksum field itself zeroed, mixed with the block
// number so identical pages at different blocks differ.
func (p Page) SetChecksum(blkno uint32) {
	binary.LittleEndian.PutUint16(p.data[checksumOff:], p.computeChecksum(blkno))
}

// VerifyChecksum recomputes the checksum and compares it against the stored
// one. A stored checksum of zero means "never checksummed" and passes.
// Read-only, so share-locked readers can verify concurrently.
func (p Page) VerifyChecksum(blkno uint32) bool {
	stored := binary.LittleEndian.Uint16(p.data[checksumOff:])
	if stored == 0 {
		return true
	}
	return p.computeChecksum(blkno) == stored
}

// computeChecksum hashes the block number and the page bytes with the
// checksum field treated as zero.
func (p Page) computeChecksum(blkno uint32) uint16 {
	h := xxhash.New()
	var blk [4]byte
	binary.LittleEndian.PutUint32(blk[:], blkno)
	h.Write(blk[:])
	var zero [2]byte
	h.Write(p.data[:checksumOff])
	h.Write(zero[:]) // in place of the stored checksum
	h.Write(p.data[checksumOff+2:])
	sum := h.Sum64()
	// Fold to 16 bits, avoiding zero so it stays distinguishable from
	// "never checksummed".
	folded := uint16(sum) ^ uint16(sum>>16) ^ uint16(sum>>32) ^ uint16(sum>>48)
	if folded == 0 {
		folded = 1
	}
	return folded
}
