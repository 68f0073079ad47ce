package hash

import (
	"fmt"
	"path/filepath"

	"hashdb/pkg/config"
	"hashdb/pkg/entry"
	"hashdb/pkg/page"
	"hashdb/pkg/pager"
	"hashdb/pkg/wal"
)

// buildRunItems is the in-memory run size of the build sorter. At 14 bytes
// per record a full run is about 14MB before it spills.
const buildRunItems = 1 << 20

// Builder constructs an index in bulk: the bucket count is sized up front
// from the expected row count so the build never splits, items are sorted
// by (bucket, hash) with disk-spilled runs, and pages are written once,
// append-only, in bucket order.
//
// The fill itself is not WAL-logged; Finish flushes every page and only
// then arms the log, so callers should checkpoint after a build before
// logged traffic resumes.
type Builder struct {
	idx    *HashIndex
	log    *wal.Writer
	sorter *runSorter
	snap   metaSnapshot
	count  float64
	done   bool
}

// NewBuilder creates the index file sized for the expected number of rows
// and returns a builder to fill it. The target file must be empty.
func NewBuilder(filename string, expectedRows uint64, opts Options) (*Builder, error) {
	ffactor := opts.FillFactor
	if ffactor == 0 {
		ffactor = config.DefaultFillFactor
	}
	target := expectedRows / uint64(ffactor)
	if expectedRows%uint64(ffactor) != 0 {
		target++
	}
	if target < 1 {
		target = 1
	}
	if target > 1<<(MaxSplitPoints-2) {
		return nil, fmt.Errorf("%w: %d rows need too many buckets", ErrOutOfSpace, expectedRows)
	}
	opts.NumBuckets = nextPow2(uint32(target))

	log := opts.Log
	opts.Log = nil
	idx, err := OpenIndex(filename, opts)
	if err != nil {
		return nil, err
	}
	stats, err := idx.Stats()
	if err != nil {
		idx.Close()
		return nil, err
	}
	if stats.NTuples != 0 || stats.MaxBucket != opts.NumBuckets-1 {
		idx.Close()
		return nil, fmt.Errorf("hash: bulk build target %s is not a fresh index", filename)
	}

	m, err := idx.readMeta()
	if err != nil {
		idx.Close()
		return nil, err
	}
	m.frame.RLock()
	snap := m.snapshot()
	m.frame.RUnlock()
	idx.pager.PutPage(m.frame)

	return &Builder{
		idx:    idx,
		log:    log,
		sorter: newRunSorter(filepath.Dir(filename), buildRunItems),
		snap:   snap,
	}, nil
}

// Add queues one item. The bucket assignment is final; the build never
// splits.
func (b *Builder) Add(h uint32, ptr entry.ItemPointer) error {
	if b.done {
		return fmt.Errorf("hash: builder already finished")
	}
	return b.sorter.add(buildItem{bucket: b.snap.bucketForHash(h), item: entry.New(h, ptr)})
}

// AddKey hashes the key and queues an item for it.
func (b *Builder) AddKey(key []byte, ptr entry.ItemPointer) error {
	return b.Add(b.idx.hasher(key), ptr)
}

// Abort discards the build, removing spilled runs and closing the
// half-built index.
func (b *Builder) Abort() {
	if b.done {
		return
	}
	b.done = true
	b.sorter.cleanup()
	b.idx.Close()
}

// Finish merges the sorted runs, streams them into the bucket pages, and
// returns the finished index with the WAL attached.
func (b *Builder) Finish() (*HashIndex, error) {
	if b.done {
		return nil, fmt.Errorf("hash: builder already finished")
	}
	b.done = true
	defer b.sorter.cleanup()

	it, err := b.sorter.merge()
	if err != nil {
		b.idx.Close()
		return nil, err
	}

	var curBucket uint32
	var tailFrame *pager.Page
	var tailPg page.Page
	releaseTail := func() {
		if tailFrame != nil {
			b.idx.release(tailFrame, true)
			tailFrame = nil
		}
	}
	openBucket := func(bucket uint32) error {
		releaseTail()
		blk := b.snap.bucketToBlock(bucket)
		frame, pg, err := b.idx.pinPage(blk)
		if err != nil {
			return err
		}
		frame.WLock()
		if err := checkHashPage(pg, blk, page.FlagBucket); err != nil {
			b.idx.release(frame, true)
			return err
		}
		tailFrame, tailPg = frame, pg
		curBucket = bucket
		return nil
	}

	since := 0
	for {
		bit, ok, err := it.next()
		if err != nil {
			releaseTail()
			b.idx.Close()
			return nil, err
		}
		if !ok {
			break
		}
		if since++; since >= 4096 {
			since = 0
			if err := b.idx.checkInterrupt(); err != nil {
				releaseTail()
				b.idx.Close()
				return nil, err
			}
		}
		if tailFrame == nil || bit.bucket != curBucket {
			// The merge hands buckets back in order; going backwards
			// would scatter writes and means the sorter misbehaved.
			if tailFrame != nil && bit.bucket < curBucket {
				releaseTail()
				b.idx.Close()
				return nil, fmt.Errorf("%w: build stream left bucket order", ErrCorruptPage)
			}
			if err := openBucket(bit.bucket); err != nil {
				b.idx.Close()
				return nil, err
			}
		}
		// Sorted input appends; within one page that keeps hash order.
		if tailPg.AddItem(bit.item.Marshal(), page.InvalidOffset, false) == page.InvalidOffset {
			newFrame, newPg, err := b.idx.addOvflPage(tailFrame, tailPg, curBucket)
			if err != nil {
				releaseTail()
				b.idx.Close()
				return nil, err
			}
			releaseTail()
			tailFrame, tailPg = newFrame, newPg
			if tailPg.AddItem(bit.item.Marshal(), page.InvalidOffset, false) == page.InvalidOffset {
				releaseTail()
				b.idx.Close()
				return nil, fmt.Errorf("%w: item did not fit on a fresh overflow page", ErrCorruptPage)
			}
		}
		tailPg.SetChecksum(uint32(tailFrame.GetPageNum()))
		tailFrame.SetDirty(true)
		b.count++
	}
	releaseTail()

	m, err := b.idx.readMeta()
	if err != nil {
		b.idx.Close()
		return nil, err
	}
	m.frame.WLock()
	m.setNTuples(b.count)
	m.pg.SetChecksum(metaBlock)
	m.frame.SetDirty(true)
	m.frame.WUnlock()
	b.idx.pager.PutPage(m.frame)

	// Everything reaches disk before the index goes logged.
	b.idx.pager.LockAllPages()
	b.idx.pager.FlushAllPages()
	b.idx.pager.UnlockAllPages()
	b.idx.log = b.log
	return b.idx, nil
}
