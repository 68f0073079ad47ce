package hash

import (
	"fmt"

	"hashdb/pkg/page"
	"hashdb/pkg/pager"
	"hashdb/pkg/wal"
)

// mutation couples the WAL record describing a set of page changes with the
// locked, pinned frames the changes were applied to. The caller mutates the
// page bytes first, then commits; commit logs the record and stamps every
// frame with the record's LSN.
type mutation struct {
	idx    *HashIndex
	rec    wal.Record
	frames []*pager.Page
}

func (idx *HashIndex) beginMutation(rec wal.Record, frames ...*pager.Page) mutation {
	return mutation{idx: idx, rec: rec, frames: frames}
}

// commit makes the mutation durable. By this point the frames already carry
// the new bytes, so a failed append would leave memory ahead of the log with
// no way back; that is fatal, not an error the caller could handle.
func (mu mutation) commit() {
	var lsn uint64
	if mu.idx.log != nil {
		var err error
		lsn, err = mu.idx.log.Append(mu.rec)
		if err != nil {
			panic(fmt.Sprintf("hash: failed to log a %s record: %v", mu.rec.Kind(), err))
		}
	}
	for _, frame := range mu.frames {
		pg := page.From(frame)
		if mu.idx.log != nil {
			pg.SetLsn(lsn)
		}
		pg.SetChecksum(uint32(frame.GetPageNum()))
		frame.SetDirty(true)
	}
}

// pinPage pins a block without locking or validating it. The caller locks
// the frame and then runs checkHashPage under that lock.
func (idx *HashIndex) pinPage(blk uint32) (*pager.Page, page.Page, error) {
	frame, err := idx.pager.GetPage(int64(blk))
	if err != nil {
		return nil, page.Page{}, err
	}
	return frame, page.From(frame), nil
}

// checkHashPage validates a page's structure under the caller's page lock:
// checksum, header sanity, the hash page sentinel, and (when typeFlags is
// nonzero) that the page is one of the expected kinds.
func checkHashPage(pg page.Page, blk uint32, typeFlags uint16) error {
	if pg.IsNew() {
		return fmt.Errorf("%w: block %d is uninitialized", ErrCorruptPage, blk)
	}
	if !pg.VerifyChecksum(blk) {
		return fmt.Errorf("%w: checksum mismatch on block %d", ErrCorruptPage, blk)
	}
	if err := pg.Validate(); err != nil {
		return fmt.Errorf("%w: bad header on block %d", ErrCorruptPage, blk)
	}
	if !pg.IsHashPage() {
		return fmt.Errorf("%w: block %d is not a hash page", ErrCorruptPage, blk)
	}
	if typeFlags != 0 && pg.HashFlags()&typeFlags == 0 {
		return fmt.Errorf("%w: block %d has flags %#x, want one of %#x",
			ErrCorruptPage, blk, pg.HashFlags(), typeFlags)
	}
	return nil
}

// release unlocks (write mode if write) and unpins a frame.
func (idx *HashIndex) release(frame *pager.Page, write bool) {
	if write {
		frame.WUnlock()
	} else {
		frame.RUnlock()
	}
	idx.pager.PutPage(frame)
}

// bucketPage locates and locks the primary page of the bucket a hash code
// belongs to. The metapage lock is dropped before the bucket page lock is
// taken, so after locking the primary the hash-to-bucket mapping is
// recomputed from a fresh metapage read; if a concurrent split moved the
// boundary, the walk starts over. Holding the primary's lock then freezes
// the mapping: expand-table cannot select this bucket as a split source
// while we hold it.
//
// Returns the locked, pinned primary frame, the bucket number, and the meta
// snapshot the mapping was validated against.
func (idx *HashIndex) bucketPage(h uint32, write bool) (*pager.Page, page.Page, uint32, metaSnapshot, error) {
	for {
		if err := idx.checkInterrupt(); err != nil {
			return nil, page.Page{}, 0, metaSnapshot{}, err
		}
		m, err := idx.readMeta()
		if err != nil {
			return nil, page.Page{}, 0, metaSnapshot{}, err
		}
		m.frame.RLock()
		snap := m.snapshot()
		m.frame.RUnlock()
		idx.pager.PutPage(m.frame)

		bucket := snap.bucketForHash(h)
		blk := snap.bucketToBlock(bucket)
		frame, pg, err := idx.pinPage(blk)
		if err != nil {
			return nil, page.Page{}, 0, metaSnapshot{}, err
		}
		if write {
			frame.WLock()
		} else {
			frame.RLock()
		}

		// Revalidate the mapping now that the primary is locked.
		m, err = idx.readMeta()
		if err != nil {
			idx.release(frame, write)
			return nil, page.Page{}, 0, metaSnapshot{}, err
		}
		m.frame.RLock()
		snap = m.snapshot()
		m.frame.RUnlock()
		idx.pager.PutPage(m.frame)
		if snap.bucketForHash(h) != bucket {
			idx.release(frame, write)
			continue
		}
		if err := checkHashPage(pg, blk, page.FlagBucket); err != nil {
			idx.release(frame, write)
			return nil, page.Page{}, 0, metaSnapshot{}, err
		}
		if pg.BucketID() != bucket {
			idx.release(frame, write)
			return nil, page.Page{}, 0, metaSnapshot{},
				fmt.Errorf("%w: block %d claims bucket %d, want %d", ErrCorruptPage, blk, pg.BucketID(), bucket)
		}
		// A crash or an abandoned expansion can leave the bucket flagged
		// mid-split with the metapage already routing to the new partner;
		// part of this bucket's items then sit in the other chain. Whoever
		// lands here first drives the split to completion and retries.
		if st := pg.State(); st != page.StateStable {
			srcBucket := bucket
			if st == page.StateBeingSplitTo {
				srcBucket = pg.PrevBlock() // partner bucket stored at split start
			}
			idx.release(frame, write)
			if err := idx.finishSplit(srcBucket); err != nil {
				return nil, page.Page{}, 0, metaSnapshot{}, err
			}
			continue
		}
		return frame, pg, bucket, snap, nil
	}
}

// nextChainPage hands the walk over lock-coupled from one chain page to the
// next: the next page is pinned and locked before the current one is
// released. Returns nil frames at the end of the chain.
func (idx *HashIndex) nextChainPage(frame *pager.Page, pg page.Page, write bool) (*pager.Page, page.Page, error) {
	next := pg.NextBlock()
	if next == page.InvalidBlock {
		idx.release(frame, write)
		return nil, page.Page{}, nil
	}
	nextFrame, nextPg, err := idx.pinPage(next)
	if err != nil {
		idx.release(frame, write)
		return nil, page.Page{}, err
	}
	if write {
		nextFrame.WLock()
	} else {
		nextFrame.RLock()
	}
	idx.release(frame, write)
	if err := checkHashPage(nextPg, next, page.FlagOverflow); err != nil {
		idx.release(nextFrame, write)
		return nil, page.Page{}, err
	}
	return nextFrame, nextPg, nil
}
