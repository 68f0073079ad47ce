package hash

import (
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"

	"hashdb/pkg/config"
	"hashdb/pkg/entry"
	"hashdb/pkg/page"
	"hashdb/pkg/pager"
	"hashdb/pkg/wal"
)

// Visibility is the transaction visibility collaborator. The index never
// decides liveness itself; scanners mark items dead and page vacuum asks for
// the horizon below which every marked row is gone.
type Visibility interface {
	// LatestRemovedXid returns the newest transaction id among the rows the
	// given pointers reference, so a replica replaying the vacuum record can
	// resolve conflicts against its own scans.
	LatestRemovedXid(ptrs []entry.ItemPointer) uint32
}

// Options configures index creation. Opening an existing index reads all of
// this from its metapage instead.
type Options struct {
	FillFactor uint16      // target live items per bucket; 0 means config.DefaultFillFactor
	NumBuckets uint32      // initial bucket count, rounded up to a power of two; 0 means 1
	Proc       uint32      // hash procedure id; 0 means ProcMurmur3
	Log        *wal.Writer // write-ahead log; nil makes the index unlogged
	Visibility Visibility  // visibility collaborator; nil reports a zero horizon
}

// HashIndex is an on-disk linear hashing index mapping 32-bit hash codes to
// heap row pointers.
type HashIndex struct {
	name   string
	pager  *pager.Pager
	log    *wal.Writer
	hasher KeyHasher
	vis    Visibility

	// Process-wide interrupt flag, checked between page acquisitions on
	// every chain walk. Never checked inside a critical section.
	interrupted atomic.Bool
}

// OpenIndex opens the hash index backed by the given file, creating and
// initializing it if the file is empty.
func OpenIndex(filename string, opts Options) (*HashIndex, error) {
	p, err := pager.New(filename)
	if err != nil {
		return nil, err
	}
	idx := &HashIndex{
		name:  filepath.Base(filename),
		pager: p,
		log:   opts.Log,
		vis:   opts.Visibility,
	}
	if p.GetNumPages() == 0 {
		if err := idx.create(opts); err != nil {
			return nil, err
		}
		return idx, nil
	}
	// Existing index: read the hash procedure off the metapage.
	m, err := idx.readMeta()
	if err != nil {
		return nil, err
	}
	m.frame.RLock()
	proc := m.procID()
	version := m.version()
	m.frame.RUnlock()
	idx.pager.PutPage(m.frame)
	if version != Version {
		return nil, fmt.Errorf("%w: metapage version %d, want %d", ErrCorruptPage, version, Version)
	}
	hasher, ok := hasherByProc(proc)
	if !ok {
		return nil, fmt.Errorf("%w: unknown hash procedure %d", ErrCorruptPage, proc)
	}
	idx.hasher = hasher
	return idx, nil
}

// OpenForRecovery opens an existing index file for log replay: no log (redo
// must not re-log), no creation, and no metapage validation, since the file
// may be mid-recovery and not yet consistent. The hash procedure is left
// unset; redo works on pre-hashed items only.
func OpenForRecovery(filename string) (*HashIndex, error) {
	p, err := pager.New(filename)
	if err != nil {
		return nil, err
	}
	return &HashIndex{
		name:  filepath.Base(filename),
		pager: p,
	}, nil
}

// create lays out a fresh index: the metapage, the primary pages of every
// splitpoint up to the initial one, and the first bitmap page. The bitmap
// page occupies overflow number zero, with its own bit set.
func (idx *HashIndex) create(opts Options) error {
	ffactor := opts.FillFactor
	if ffactor == 0 {
		ffactor = config.DefaultFillFactor
	}
	if ffactor < config.MinFillFactor || ffactor > config.MaxFillFactor {
		return fmt.Errorf("hash: fill factor %d outside [%d, %d]",
			ffactor, config.MinFillFactor, config.MaxFillFactor)
	}
	proc := opts.Proc
	if proc == 0 {
		proc = ProcMurmur3
	}
	hasher, ok := hasherByProc(proc)
	if !ok {
		return fmt.Errorf("hash: unknown hash procedure %d", proc)
	}
	idx.hasher = hasher

	nbuckets := opts.NumBuckets
	if nbuckets == 0 {
		nbuckets = 1
	}
	nbuckets = nextPow2(nbuckets)
	splitPoint := splitPointOf(nbuckets - 1)

	idx.pager.LockExtension()
	defer idx.pager.UnlockExtension()

	// Block 0: the metapage.
	mframe, err := idx.pager.GetNewPage()
	if err != nil {
		return err
	}
	mpg := page.From(mframe)
	mpg.InitHash(page.FlagMeta, page.InvalidBucket)
	m := meta{frame: mframe, pg: mpg}
	m.put32(metaMagicOff, Magic)
	m.put32(metaVersionOff, Version)
	m.setNTuples(0)
	binary.LittleEndian.PutUint16(m.data()[metaFFactorOff:], ffactor)
	binary.LittleEndian.PutUint16(m.data()[metaBsizeOff:], page.Size)
	binary.LittleEndian.PutUint16(m.data()[metaBmsizeOff:], BitmapBytes)
	binary.LittleEndian.PutUint16(m.data()[metaBmshiftOff:], BitmapShift)
	m.setMaxBucket(nbuckets - 1)
	m.setHighMask(2*nbuckets - 1)
	m.setLowMask(nbuckets - 1)
	m.setOvflPoint(splitPoint)
	m.put32(metaProcOff, proc)

	// Blocks 1 .. 2^splitPoint - 1: the primary pages of every bucket the
	// addressing scheme places before the first overflow page. Buckets past
	// the initial count stay zeroed until a split reaches them.
	for blk := uint32(1); blk < (uint32(1) << splitPoint); blk++ {
		frame, err := idx.pager.GetNewPage()
		if err != nil {
			return err
		}
		if blk <= nbuckets {
			page.From(frame).InitHash(page.FlagBucket, blk-1)
		}
		frame.SetDirty(true)
		idx.pager.PutPage(frame)
	}

	// The first bitmap page, at the first overflow slot of the initial
	// splitpoint.
	bmBlock := uint32(1) << splitPoint
	bmFrame, err := idx.pager.GetNewPage()
	if err != nil {
		return err
	}
	bmpg := page.From(bmFrame)
	bmpg.InitHash(page.FlagBitmap, page.InvalidBucket)
	bitmapSetBit(bmpg, 0) // the bitmap page's own overflow slot
	m.setSpare(splitPoint, 1)
	m.setFirstFree(1)
	m.setMapp(0, bmBlock)
	m.setNMaps(1)

	image := make([]byte, pager.Pagesize)
	copy(image, mframe.GetData())
	mu := idx.beginMutation(wal.InitMetaRecord{Relation: idx.name, Buckets: nbuckets, Image: image}, mframe)
	mu.commit()
	mu = idx.beginMutation(wal.InitBitmapRecord{Relation: idx.name, BitmapBlock: bmBlock, NumMaps: 1}, bmFrame)
	mu.commit()

	idx.pager.PutPage(bmFrame)
	idx.pager.PutPage(mframe)
	return nil
}

// GetName returns the base file name of the file backing this index.
func (idx *HashIndex) GetName() string {
	return idx.name
}

// GetPager returns the pager backing this index.
func (idx *HashIndex) GetPager() *pager.Pager {
	return idx.pager
}

// Close flushes the index and closes its backing file.
func (idx *HashIndex) Close() error {
	return idx.pager.Close()
}

// Interrupt requests cancellation of in-flight chain walks. They observe the
// flag between page acquisitions and unwind with ErrInterrupted.
func (idx *HashIndex) Interrupt() {
	idx.interrupted.Store(true)
}

// ClearInterrupt re-arms the index after a cancelled operation.
func (idx *HashIndex) ClearInterrupt() {
	idx.interrupted.Store(false)
}

func (idx *HashIndex) checkInterrupt() error {
	if idx.interrupted.Load() {
		return ErrInterrupted
	}
	return nil
}

// Hash computes the hash code of a key with the index's persisted procedure.
func (idx *HashIndex) Hash(key []byte) uint32 {
	return idx.hasher(key)
}

// InsertKey hashes the key and inserts an item for it.
func (idx *HashIndex) InsertKey(key []byte, ptr entry.ItemPointer) error {
	return idx.Insert(idx.hasher(key), ptr)
}

// LookupKey hashes the key and returns the row pointers indexed under it.
// Callers must verify the rows actually carry the key; distinct keys can
// share a hash code.
func (idx *HashIndex) LookupKey(key []byte) ([]entry.ItemPointer, error) {
	return idx.Lookup(idx.hasher(key))
}

// MetaStats is a point-in-time copy of the metapage counters, for tests and
// the REPL.
type MetaStats struct {
	NTuples   float64
	FFactor   uint16
	MaxBucket uint32
	HighMask  uint32
	LowMask   uint32
	OvflPoint uint32
	FirstFree uint32
	NMaps     uint32
	Spares    [MaxSplitPoints]uint32
}

// Stats reads the metapage counters under a share lock.
func (idx *HashIndex) Stats() (MetaStats, error) {
	m, err := idx.readMeta()
	if err != nil {
		return MetaStats{}, err
	}
	m.frame.RLock()
	stats := MetaStats{
		NTuples:   m.nTuples(),
		FFactor:   m.fFactor(),
		MaxBucket: m.maxBucket(),
		HighMask:  m.highMask(),
		LowMask:   m.lowMask(),
		OvflPoint: m.ovflPoint(),
		FirstFree: m.firstFree(),
		NMaps:     m.nMaps(),
	}
	stats.Spares = m.snapshot().spares
	m.frame.RUnlock()
	idx.pager.PutPage(m.frame)
	return stats, nil
}

// Print writes a human-readable dump of the whole index to w.
func (idx *HashIndex) Print(w io.Writer) {
	stats, err := idx.Stats()
	if err != nil {
		fmt.Fprintf(w, "error reading metapage: %v\n", err)
		return
	}
	fmt.Fprintf(w, "====\nindex %s: ntuples=%.0f maxbucket=%d highmask=%#x lowmask=%#x ovflpoint=%d\n",
		idx.name, stats.NTuples, stats.MaxBucket, stats.HighMask, stats.LowMask, stats.OvflPoint)
	for b := uint32(0); b <= stats.MaxBucket; b++ {
		fmt.Fprintf(w, "==== bucket %d\n", b)
		idx.printBucket(b, w)
	}
	io.WriteString(w, "====\n")
}

// PrintPN writes a dump of a single page to w.
func (idx *HashIndex) PrintPN(pn int, w io.Writer) {
	if int64(pn) >= idx.pager.GetNumPages() {
		io.WriteString(w, "out of bounds\n")
		return
	}
	frame, err := idx.pager.GetPage(int64(pn))
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	frame.RLock()
	printHashPage(page.From(frame), uint32(pn), w)
	frame.RUnlock()
	idx.pager.PutPage(frame)
}

func printHashPage(pg page.Page, blk uint32, w io.Writer) {
	if pg.IsNew() {
		fmt.Fprintf(w, "block %d: uninitialized\n", blk)
		return
	}
	fmt.Fprintf(w, "block %d: bucket=%d flags=%#x prev=%d next=%d items=%d\n",
		blk, pg.BucketID(), pg.HashFlags(), pg.PrevBlock(), pg.NextBlock(), pg.MaxOffset())
	for off := page.Offset(1); off <= pg.MaxOffset(); off++ {
		if pg.Lp(off).Flags != page.LpNormal {
			continue
		}
		entry.Unmarshal(pg.Item(off)).Print(w)
	}
	io.WriteString(w, "\n")
}

func (idx *HashIndex) printBucket(bucket uint32, w io.Writer) {
	m, err := idx.readMeta()
	if err != nil {
		return
	}
	m.frame.RLock()
	snap := m.snapshot()
	m.frame.RUnlock()
	idx.pager.PutPage(m.frame)

	blk := snap.bucketToBlock(bucket)
	for blk != page.InvalidBlock {
		frame, err := idx.pager.GetPage(int64(blk))
		if err != nil {
			fmt.Fprintf(w, "error reading block %d: %v\n", blk, err)
			return
		}
		frame.RLock()
		pg := page.From(frame)
		printHashPage(pg, blk, w)
		next := pg.NextBlock()
		frame.RUnlock()
		idx.pager.PutPage(frame)
		blk = next
	}
}
