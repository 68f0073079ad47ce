package hash

import (
	"encoding/binary"
	"fmt"
	"math"

	"hashdb/pkg/page"
	"hashdb/pkg/pager"
)

// The metapage lives at block zero.
const metaBlock = 0

// Byte offsets of the metapage fields, all relative to the start of the page
// (the fields begin right after the standard page header; little-endian).
const (
	metaMagicOff     = page.HeaderSize + 0  // u32
	metaVersionOff   = page.HeaderSize + 4  // u32
	metaNTuplesOff   = page.HeaderSize + 8  // f64, double for legacy reasons
	metaFFactorOff   = page.HeaderSize + 16 // u16
	metaBsizeOff     = page.HeaderSize + 18 // u16
	metaBmsizeOff    = page.HeaderSize + 20 // u16
	metaBmshiftOff   = page.HeaderSize + 22 // u16
	metaMaxBucketOff = page.HeaderSize + 24 // u32
	metaHighMaskOff  = page.HeaderSize + 28 // u32
	metaLowMaskOff   = page.HeaderSize + 32 // u32
	metaOvflPointOff = page.HeaderSize + 36 // u32
	metaFirstFreeOff = page.HeaderSize + 40 // u32
	metaNMapsOff     = page.HeaderSize + 44 // u32
	metaProcOff      = page.HeaderSize + 48 // u32
	metaSparesOff    = page.HeaderSize + 52 // u32[MaxSplitPoints]
	metaMappOff      = metaSparesOff + 4*MaxSplitPoints
)

// meta is a handle on the pinned metapage. Readers take the frame's read
// lock; every field mutation happens under its write lock inside a critical
// section and is WAL-logged by the mutating operation.
type meta struct {
	frame *pager.Page
	pg    page.Page
}

// readMeta pins the metapage. The caller locks it in the mode it needs and
// must PutPage the frame when done.
func (idx *HashIndex) readMeta() (meta, error) {
	frame, err := idx.pager.GetPage(metaBlock)
	if err != nil {
		return meta{}, err
	}
	m := meta{frame: frame, pg: page.From(frame)}
	if !m.pg.IsMeta() || m.magic() != Magic {
		idx.pager.PutPage(frame)
		return meta{}, fmt.Errorf("%w: bad metapage", ErrCorruptPage)
	}
	return m, nil
}

func (m meta) data() []byte { return m.frame.GetData() }

func (m meta) u32(off int) uint32     { return binary.LittleEndian.Uint32(m.data()[off:]) }
func (m meta) put32(off int, v uint32) { binary.LittleEndian.PutUint32(m.data()[off:], v) }
func (m meta) u16(off int) uint16     { return binary.LittleEndian.Uint16(m.data()[off:]) }

func (m meta) magic() uint32   { return m.u32(metaMagicOff) }
func (m meta) version() uint32 { return m.u32(metaVersionOff) }

// nTuples returns the total live item count, stored as a double.
func (m meta) nTuples() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(m.data()[metaNTuplesOff:]))
}

func (m meta) setNTuples(n float64) {
	binary.LittleEndian.PutUint64(m.data()[metaNTuplesOff:], math.Float64bits(n))
}

func (m meta) fFactor() uint16   { return m.u16(metaFFactorOff) }
func (m meta) maxBucket() uint32 { return m.u32(metaMaxBucketOff) }
func (m meta) highMask() uint32  { return m.u32(metaHighMaskOff) }
func (m meta) lowMask() uint32   { return m.u32(metaLowMaskOff) }
func (m meta) ovflPoint() uint32 { return m.u32(metaOvflPointOff) }
func (m meta) firstFree() uint32 { return m.u32(metaFirstFreeOff) }
func (m meta) nMaps() uint32     { return m.u32(metaNMapsOff) }
func (m meta) procID() uint32    { return m.u32(metaProcOff) }

func (m meta) setMaxBucket(v uint32) { m.put32(metaMaxBucketOff, v) }
func (m meta) setHighMask(v uint32)  { m.put32(metaHighMaskOff, v) }
func (m meta) setLowMask(v uint32)   { m.put32(metaLowMaskOff, v) }
func (m meta) setOvflPoint(v uint32) { m.put32(metaOvflPointOff, v) }
func (m meta) setFirstFree(v uint32) { m.put32(metaFirstFreeOff, v) }
func (m meta) setNMaps(v uint32)     { m.put32(metaNMapsOff, v) }

func (m meta) spare(i uint32) uint32 {
	if i >= MaxSplitPoints {
		panic("hash: splitpoint out of range")
	}
	return m.u32(metaSparesOff + 4*int(i))
}

func (m meta) setSpare(i uint32, v uint32) {
	if i >= MaxSplitPoints {
		panic("hash: splitpoint out of range")
	}
	m.put32(metaSparesOff+4*int(i), v)
}

func (m meta) mapp(i uint32) uint32 {
	if i >= MaxBitmaps {
		panic("hash: bitmap index out of range")
	}
	return m.u32(metaMappOff + 4*int(i))
}

func (m meta) setMapp(i uint32, v uint32) {
	if i >= MaxBitmaps {
		panic("hash: bitmap index out of range")
	}
	m.put32(metaMappOff+4*int(i), v)
}

// metaSnapshot captures the fields an operation needs after it has released
// the metapage lock. The spares entries of completed splitpoints never change
// once the splitpoint has advanced, so block addressing computed from a
// snapshot stays valid.
type metaSnapshot struct {
	maxBucket uint32
	highMask  uint32
	lowMask   uint32
	ovflPoint uint32
	spares    [MaxSplitPoints]uint32
}

func (m meta) snapshot() metaSnapshot {
	snap := metaSnapshot{
		maxBucket: m.maxBucket(),
		highMask:  m.highMask(),
		lowMask:   m.lowMask(),
		ovflPoint: m.ovflPoint(),
	}
	for i := uint32(0); i < MaxSplitPoints; i++ {
		snap.spares[i] = m.u32(metaSparesOff + 4*int(i))
	}
	return snap
}

// bucketForHash maps a hash code to its bucket. During a split the high mask
// can produce a bucket that does not exist yet; such hashes still belong to
// the not-yet-split source bucket selected by the low mask.
func (snap metaSnapshot) bucketForHash(h uint32) uint32 {
	bucket := h & snap.highMask
	if bucket > snap.maxBucket {
		bucket = h & snap.lowMask
	}
	return bucket
}

// bucketToBlock computes the block number of a bucket's primary page.
func (snap metaSnapshot) bucketToBlock(bucket uint32) uint32 {
	if bucket == 0 {
		return 1
	}
	return bucket + 1 + snap.spares[splitPointOf(bucket)-1]
}

// ovflBlock translates an overflow page's global overflow number into its
// block: the primary pages of its splitpoint sit below it, and the spares
// entry counts the overflow pages of earlier splitpoints.
func (snap metaSnapshot) ovflBlock(ovflNum uint32) uint32 {
	s := snap.splitPointForOvfl(ovflNum)
	return (1 << s) + ovflNum
}

// splitPointForOvfl finds the splitpoint an overflow number was allocated in:
// the s with spares[s-1] <= ovflNum < spares[s].
func (snap metaSnapshot) splitPointForOvfl(ovflNum uint32) uint32 {
	for s := uint32(1); s <= snap.ovflPoint; s++ {
		if ovflNum < snap.spares[s] {
			return s
		}
	}
	return snap.ovflPoint
}

// blockToOvflNum is the inverse of ovflBlock, used when freeing a page.
func (snap metaSnapshot) blockToOvflNum(blk uint32) (uint32, bool) {
	for s := uint32(1); s <= snap.ovflPoint; s++ {
		lo := (uint32(1) << s) + snap.spares[s-1]
		hi := (uint32(1) << s) + snap.spares[s]
		if blk >= lo && blk < hi {
			return blk - (uint32(1) << s), true
		}
	}
	return 0, false
}
