package hash

import (
	"fmt"

	"hashdb/pkg/entry"
	"hashdb/pkg/page"
	"hashdb/pkg/pager"
	"hashdb/pkg/wal"
)

// expandTable attempts one bucket split: bucket maxBucket+1 comes into
// existence and takes over half the hash space of its partner, the bucket
// that maxBucket+1's codes currently map to. Contention is never waited
// out: if the partner's page lock cannot be taken immediately the split is
// abandoned, to be retriggered by a later insert.
//
// Lock order everywhere else is page before metapage, so while holding the
// metapage lock the partner may only be TryLocked.
func (idx *HashIndex) expandTable() error {
	m, err := idx.readMeta()
	if err != nil {
		return err
	}
	m.frame.WLock()
	releaseMeta := func() {
		m.frame.WUnlock()
		idx.pager.PutPage(m.frame)
	}

	// Revalidate under the lock; a concurrent split may have beaten us.
	if m.nTuples() <= float64(m.fFactor())*float64(m.maxBucket()+1) {
		releaseMeta()
		return nil
	}
	if m.maxBucket() == m.highMask() && m.ovflPoint()+1 >= MaxSplitPoints {
		releaseMeta()
		return fmt.Errorf("%w: split directory full", ErrOutOfSpace)
	}

	newBucket := m.maxBucket() + 1
	oldBucket := newBucket & m.lowMask()
	snap := m.snapshot()
	oldBlk := snap.bucketToBlock(oldBucket)

	oldFrame, oldPg, err := idx.pinPage(oldBlk)
	if err != nil {
		releaseMeta()
		return err
	}
	if !oldFrame.TryWLock() {
		idx.pager.PutPage(oldFrame)
		releaseMeta()
		return nil
	}
	if err := checkHashPage(oldPg, oldBlk, page.FlagBucket); err != nil {
		idx.release(oldFrame, true)
		releaseMeta()
		return err
	}

	// A crashed or abandoned split leaves its participants flagged; it has
	// to be driven to completion before the partner can split again.
	if oldPg.State() != page.StateStable {
		srcBucket := oldBucket
		if oldPg.State() == page.StateBeingSplitTo {
			srcBucket = oldPg.PrevBlock() // partner bucket stored at split start
		}
		idx.release(oldFrame, true)
		releaseMeta()
		if err := idx.finishSplit(srcBucket); err != nil {
			return err
		}
		return idx.expandTable()
	}

	// Advance the splitpoint first if the new bucket's primary page falls
	// past the pages allocated so far: the whole next batch of primary
	// pages is materialized at once, so block addressing stays closed-form.
	newSp := splitPointOf(newBucket)
	if newSp > m.ovflPoint() {
		idx.pager.LockExtension()
		for i := uint32(0); i < (uint32(1) << m.ovflPoint()); i++ {
			frame, err := idx.pager.GetNewPage()
			if err != nil {
				idx.pager.UnlockExtension()
				idx.release(oldFrame, true)
				releaseMeta()
				return err
			}
			idx.pager.PutPage(frame)
		}
		idx.pager.UnlockExtension()
		m.setSpare(newSp, m.spare(m.ovflPoint()))
		m.setOvflPoint(newSp)
	}
	if newBucket > m.highMask() {
		m.setLowMask(m.highMask())
		m.setHighMask(newBucket | m.lowMask())
	}
	m.setMaxBucket(newBucket)
	snap = m.snapshot()

	newBlk := snap.bucketToBlock(newBucket)
	newFrame, newPg, err := idx.pinPage(newBlk)
	if err != nil {
		idx.release(oldFrame, true)
		releaseMeta()
		return err
	}
	newFrame.WLock()
	if !newPg.IsNew() {
		idx.release(newFrame, true)
		idx.release(oldFrame, true)
		releaseMeta()
		return fmt.Errorf("%w: new bucket block %d already initialized", ErrCorruptPage, newBlk)
	}
	newPg.InitHash(page.FlagBucket|page.FlagBeingSplitTo, newBucket)
	newPg.SetPrevBlock(oldBucket)
	oldPg.SetHashFlag(page.FlagBeingSplitFrom)
	oldPg.SetPrevBlock(newBucket)

	mu := idx.beginMutation(wal.SplitAllocateRecord{
		Relation: idx.name, OldBucket: oldBucket, NewBucket: newBucket,
		OldBlock: oldBlk, NewBlock: newBlk,
		MaxBucket: m.maxBucket(), HighMask: m.highMask(), LowMask: m.lowMask(),
		OvflPoint: m.ovflPoint(),
	}, oldFrame, newFrame, m.frame)
	mu.commit()

	// The migration re-locks the metapage page-first, so it goes first.
	releaseMeta()
	return idx.migrateAndComplete(oldFrame, oldPg, oldBucket, newFrame, newPg, newBucket, snap)
}

// finishSplit drives an interrupted split of srcBucket to completion. Safe
// to call when the split has already finished; it simply returns.
func (idx *HashIndex) finishSplit(srcBucket uint32) error {
	m, err := idx.readMeta()
	if err != nil {
		return err
	}
	m.frame.RLock()
	snap := m.snapshot()
	m.frame.RUnlock()
	idx.pager.PutPage(m.frame)

	srcBlk := snap.bucketToBlock(srcBucket)
	srcFrame, srcPg, err := idx.pinPage(srcBlk)
	if err != nil {
		return err
	}
	srcFrame.WLock()
	if err := checkHashPage(srcPg, srcBlk, page.FlagBucket); err != nil {
		idx.release(srcFrame, true)
		return err
	}
	if srcPg.State() != page.StateBeingSplitFrom {
		idx.release(srcFrame, true)
		return nil
	}
	dstBucket := srcPg.PrevBlock()
	dstBlk := snap.bucketToBlock(dstBucket)
	dstFrame, dstPg, err := idx.pinPage(dstBlk)
	if err != nil {
		idx.release(srcFrame, true)
		return err
	}
	dstFrame.WLock()
	if err := checkHashPage(dstPg, dstBlk, page.FlagBucket); err != nil {
		idx.release(dstFrame, true)
		idx.release(srcFrame, true)
		return err
	}
	if dstPg.State() != page.StateBeingSplitTo || dstPg.PrevBlock() != srcBucket {
		idx.release(dstFrame, true)
		idx.release(srcFrame, true)
		return fmt.Errorf("%w: buckets %d and %d disagree about their split",
			ErrCorruptPage, srcBucket, dstBucket)
	}
	return idx.migrateAndComplete(srcFrame, srcPg, srcBucket, dstFrame, dstPg, dstBucket, snap)
}

// migrateAndComplete moves every live item that rehashes to the destination
// bucket out of the source chain, then clears the being-split flags. Both
// primary pages arrive write-locked and pinned and are released before
// returning; holding them throughout keeps scans of either bucket waiting
// until the item set is whole again.
//
// Each batch of moves is one WAL record covering one source page and one
// destination page, so replay after a crash resumes mid-chain. Items
// already moved by an earlier attempt are gone from the source and are
// never re-evaluated, which is what makes the whole protocol restartable.
func (idx *HashIndex) migrateAndComplete(
	srcFrame *pager.Page, srcPg page.Page, srcBucket uint32,
	dstFrame *pager.Page, dstPg page.Page, dstBucket uint32,
	snap metaSnapshot,
) error {
	// Destination write position, advancing down dst's chain as pages fill.
	dstTailFrame, dstTailPg := dstFrame, dstPg

	releaseAll := func() {
		if dstTailFrame != dstFrame {
			idx.release(dstTailFrame, true)
		}
		idx.release(dstFrame, true)
		idx.release(srcFrame, true)
	}

	// Walk the source chain. The primary stays locked for the whole split;
	// each overflow page is locked only while its batch is built.
	curFrame, curPg := srcFrame, srcPg
	for {
		srcBlk := uint32(curFrame.GetPageNum())
		var offsets []page.Offset
		var moved []entry.Item
		for off := page.Offset(1); off <= curPg.MaxOffset(); off++ {
			if curPg.Lp(off).Flags != page.LpNormal {
				continue
			}
			item := entry.Unmarshal(curPg.Item(off))
			if snap.bucketForHash(item.Hash) != dstBucket {
				continue
			}
			offsets = append(offsets, off)
			moved = append(moved, item)
		}

		// Install the batch, growing dst's chain as needed; each dst page
		// consumed emits its own record so no record spans two pages.
		for len(moved) > 0 {
			var batch []entry.Item
			var batchOffs []page.Offset
			var batchBytes []byte
			for len(moved) > 0 && dstTailPg.FreeSpace() >= entry.Size {
				item := moved[0]
				if dstTailPg.AddItem(item.Marshal(), dstTailPg.InsertOffset(item.Hash), false) == page.InvalidOffset {
					break
				}
				batch = append(batch, item)
				batchOffs = append(batchOffs, offsets[0])
				batchBytes = append(batchBytes, item.Marshal()...)
				moved, offsets = moved[1:], offsets[1:]
			}
			if len(batch) > 0 {
				curPg.MultiDelete(batchOffs)
				// Offsets of the items still to move shifted down.
				for i := range offsets {
					offsets[i] -= page.Offset(len(batchOffs))
				}
				mu := idx.beginMutation(wal.SplitPageRecord{
					Relation: idx.name, SrcBlock: srcBlk,
					DstBlock: uint32(dstTailFrame.GetPageNum()),
					Offsets:  batchOffs, Items: batchBytes,
				}, curFrame, dstTailFrame)
				mu.commit()
			}
			if len(moved) > 0 {
				nextTail, nextTailPg, err := idx.addOvflPage(dstTailFrame, dstTailPg, dstBucket)
				if err != nil {
					if curFrame != srcFrame {
						idx.release(curFrame, true)
					}
					releaseAll()
					return err
				}
				if dstTailFrame != dstFrame {
					idx.release(dstTailFrame, true)
				}
				dstTailFrame, dstTailPg = nextTail, nextTailPg
			}
		}

		next := curPg.NextBlock()
		if curFrame != srcFrame {
			idx.release(curFrame, true)
		}
		if next == page.InvalidBlock {
			break
		}
		nextFrame, nextPg, err := idx.pinPage(next)
		if err != nil {
			releaseAll()
			return err
		}
		nextFrame.WLock()
		if err := checkHashPage(nextPg, next, page.FlagOverflow); err != nil {
			idx.release(nextFrame, true)
			releaseAll()
			return err
		}
		curFrame, curPg = nextFrame, nextPg
	}

	// Both chains hold their final item sets; flip the pair back to stable.
	srcPg.ClearHashFlag(page.FlagBeingSplitFrom)
	srcPg.SetPrevBlock(page.InvalidBlock)
	dstPg.ClearHashFlag(page.FlagBeingSplitTo)
	dstPg.SetPrevBlock(page.InvalidBlock)
	mu := idx.beginMutation(wal.SplitCompleteRecord{
		Relation: idx.name, SrcBlock: uint32(srcFrame.GetPageNum()),
		DstBlock: uint32(dstFrame.GetPageNum()),
	}, srcFrame, dstFrame)
	mu.commit()
	releaseAll()

	// The source chain may have gone sparse; give its tail pages back.
	return idx.squeezeBucket(srcBucket)
}
