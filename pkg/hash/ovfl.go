package hash

import (
	"fmt"

	"hashdb/pkg/entry"
	"hashdb/pkg/page"
	"hashdb/pkg/pager"
	"hashdb/pkg/wal"
)

// addOvflPage allocates an overflow page and links it after the given chain
// tail. The caller holds the tail's write lock and keeps holding it; the new
// page is returned write-locked and pinned, ready for the caller's insert.
//
// Allocation prefers recycling a freed page found through the bitmaps
// (starting at the metapage's first-free hint) and falls back to growing the
// relation by one page at the end of the current splitpoint's overflow
// region. Lock order is chain page, then metapage, then bitmap page.
func (idx *HashIndex) addOvflPage(tailFrame *pager.Page, tailPg page.Page, bucket uint32) (*pager.Page, page.Page, error) {
	m, err := idx.readMeta()
	if err != nil {
		return nil, page.Page{}, err
	}
	m.frame.WLock()
	defer func() {
		m.frame.WUnlock()
		idx.pager.PutPage(m.frame)
	}()

	tailBlk := uint32(tailFrame.GetPageNum())
	allocated := m.spare(m.ovflPoint()) // overflow slots handed out so far

	// Hunt the bitmaps for a recyclable slot.
	hint := m.firstFree()
	for j := hint >> BitmapShift; j < m.nMaps(); j++ {
		bmBlk := m.mapp(j)
		bmFrame, bmPg, err := idx.pinPage(bmBlk)
		if err != nil {
			return nil, page.Page{}, err
		}
		bmFrame.WLock()
		if err := checkHashPage(bmPg, bmBlk, page.FlagBitmap); err != nil {
			idx.release(bmFrame, true)
			return nil, page.Page{}, err
		}
		from := uint32(0)
		if j == hint>>BitmapShift {
			from = hint & (BitsPerBitmapPage - 1)
		}
		bit, ok := firstClearBit(bmPg, from)
		g := j<<BitmapShift + bit
		if !ok || g >= allocated {
			idx.release(bmFrame, true)
			continue
		}

		// Recycle: the page exists on disk as an unused page.
		snap := m.snapshot()
		newBlk := snap.ovflBlock(g)
		newFrame, newPg, err := idx.pinPage(newBlk)
		if err != nil {
			idx.release(bmFrame, true)
			return nil, page.Page{}, err
		}
		newFrame.WLock()
		if err := checkHashPage(newPg, newBlk, 0); err != nil {
			idx.release(newFrame, true)
			idx.release(bmFrame, true)
			return nil, page.Page{}, err
		}
		if !newPg.IsUnused() {
			idx.release(newFrame, true)
			idx.release(bmFrame, true)
			return nil, page.Page{}, fmt.Errorf("%w: block %d marked free but in use", ErrCorruptPage, newBlk)
		}

		newPg.InitHash(page.FlagOverflow, bucket)
		newPg.SetPrevBlock(tailBlk)
		tailPg.SetNextBlock(newBlk)
		bitmapSetBit(bmPg, bit)
		m.setFirstFree(g + 1)

		mu := idx.beginMutation(wal.AddOvflRecord{
			Relation: idx.name, NewBlock: newBlk, PrevBlock: tailBlk, Bucket: bucket,
			BitmapBlock: bmBlk, Bit: bit, FirstFree: g + 1,
			SpareIndex: m.ovflPoint(), SpareValue: allocated,
			NewBitmapBlock: page.InvalidBlock,
		}, tailFrame, newFrame, bmFrame, m.frame)
		mu.commit()
		idx.release(bmFrame, true)
		return newFrame, newPg, nil
	}

	// Nothing to recycle: extend the relation. The next overflow number is
	// the allocation count itself, and with every earlier slot materialized
	// its block is exactly the current end of the file.
	ovflPoint := m.ovflPoint()
	g := allocated
	newBitmapBlock := page.InvalidBlock

	idx.pager.LockExtension()
	defer idx.pager.UnlockExtension()

	var bmFrame *pager.Page
	var bmPg page.Page
	if g>>BitmapShift >= m.nMaps() {
		// The new slot falls past the last bitmap page's coverage, so a
		// bitmap page is allocated first and takes this slot itself.
		if m.nMaps() >= MaxBitmaps {
			return nil, page.Page{}, fmt.Errorf("%w: out of bitmap pages", ErrOutOfSpace)
		}
		bmBlk := (uint32(1) << ovflPoint) + g
		if int64(bmBlk) != idx.pager.GetNumPages() {
			return nil, page.Page{}, fmt.Errorf("%w: bitmap block %d, file has %d pages",
				ErrCorruptPage, bmBlk, idx.pager.GetNumPages())
		}
		bmFrame, err = idx.pager.GetNewPage()
		if err != nil {
			return nil, page.Page{}, err
		}
		bmFrame.WLock()
		bmPg = page.From(bmFrame)
		bmPg.InitHash(page.FlagBitmap, page.InvalidBucket)
		bitmapSetBit(bmPg, 0)
		m.setMapp(m.nMaps(), bmBlk)
		m.setNMaps(m.nMaps() + 1)
		m.setSpare(ovflPoint, g+1)
		newBitmapBlock = bmBlk
		g++
	} else {
		bmBlk := m.mapp(g >> BitmapShift)
		bmFrame, bmPg, err = idx.pinPage(bmBlk)
		if err != nil {
			return nil, page.Page{}, err
		}
		bmFrame.WLock()
		if err := checkHashPage(bmPg, bmBlk, page.FlagBitmap); err != nil {
			idx.release(bmFrame, true)
			return nil, page.Page{}, err
		}
	}

	newBlk := (uint32(1) << ovflPoint) + g
	if int64(newBlk) != idx.pager.GetNumPages() {
		idx.release(bmFrame, true)
		return nil, page.Page{}, fmt.Errorf("%w: overflow block %d, file has %d pages",
			ErrCorruptPage, newBlk, idx.pager.GetNumPages())
	}
	newFrame, err := idx.pager.GetNewPage()
	if err != nil {
		idx.release(bmFrame, true)
		return nil, page.Page{}, err
	}
	newFrame.WLock()
	newPg := page.From(newFrame)
	newPg.InitHash(page.FlagOverflow, bucket)
	newPg.SetPrevBlock(tailBlk)
	tailPg.SetNextBlock(newBlk)
	bitmapSetBit(bmPg, g&(BitsPerBitmapPage-1))
	m.setSpare(ovflPoint, g+1)
	m.setFirstFree(g + 1)

	frames := []*pager.Page{tailFrame, newFrame, bmFrame, m.frame}
	mu := idx.beginMutation(wal.AddOvflRecord{
		Relation: idx.name, NewBlock: newBlk, PrevBlock: tailBlk, Bucket: bucket,
		BitmapBlock: uint32(bmFrame.GetPageNum()), Bit: g & (BitsPerBitmapPage - 1),
		FirstFree: g + 1, SpareIndex: ovflPoint, SpareValue: g + 1,
		NewBitmapBlock: newBitmapBlock,
	}, frames...)
	mu.commit()
	idx.release(bmFrame, true)
	return newFrame, newPg, nil
}

// squeezeBucket compacts a bucket chain from the tail: as long as the items
// of the last page fit in the free space spread across the earlier pages of
// the chain, they move there and the tail is unlinked, its slot returned to
// the bitmap. A tail the rest of the chain cannot absorb is left alone,
// which also ends the walk.
func (idx *HashIndex) squeezeBucket(bucket uint32) error {
	for {
		if err := idx.checkInterrupt(); err != nil {
			return err
		}
		moved, err := idx.squeezeOnce(bucket)
		if err != nil || !moved {
			return err
		}
	}
}

// chainPages is a bucket chain with every page pinned and write-locked, in
// chain order.
type chainPages struct {
	frames []*pager.Page
	pages  []page.Page
}

func (c *chainPages) releaseAll(idx *HashIndex) {
	for _, frame := range c.frames {
		idx.release(frame, true)
	}
}

// lockChain pins and write-locks every page of a bucket's chain, front to
// back. Lock order along the chain matches every other walker, so this
// cannot deadlock with inserts or scans.
func (idx *HashIndex) lockChain(bucket uint32, snap metaSnapshot) (*chainPages, error) {
	blk := snap.bucketToBlock(bucket)
	chain := &chainPages{}
	wantFlags := page.FlagBucket
	for blk != page.InvalidBlock {
		frame, pg, err := idx.pinPage(blk)
		if err != nil {
			chain.releaseAll(idx)
			return nil, err
		}
		frame.WLock()
		if err := checkHashPage(pg, blk, wantFlags); err != nil {
			idx.release(frame, true)
			chain.releaseAll(idx)
			return nil, err
		}
		chain.frames = append(chain.frames, frame)
		chain.pages = append(chain.pages, pg)
		blk = pg.NextBlock()
		wantFlags = page.FlagOverflow
	}
	return chain, nil
}

// squeezeOnce frees at most one overflow page, moving the tail's items onto
// however many earlier pages it takes. Returns whether it freed one; batches
// already moved stay moved even when the tail could not be emptied.
// Addressing comes from a snapshot taken here, so it covers overflow pages
// allocated after the caller last looked at the metapage.
func (idx *HashIndex) squeezeOnce(bucket uint32) (bool, error) {
	m, err := idx.readMeta()
	if err != nil {
		return false, err
	}
	m.frame.RLock()
	snap := m.snapshot()
	m.frame.RUnlock()
	idx.pager.PutPage(m.frame)

	chain, err := idx.lockChain(bucket, snap)
	if err != nil {
		return false, err
	}
	defer chain.releaseAll(idx)
	if len(chain.frames) < 2 {
		return false, nil
	}

	last := len(chain.frames) - 1
	tailFrame, tailPg := chain.frames[last], chain.pages[last]
	// A scan may still be positioned on the tail; its pin blocks the free.
	if !tailFrame.SolePinner() {
		return false, nil
	}
	// Reclaim dead line pointers first so the move never loses the
	// tuple-count bookkeeping they still carry.
	if tailPg.HashFlags()&page.FlagHasDeadItems != 0 {
		if err := idx.vacuumPageLocked(tailFrame, tailPg); err != nil {
			return false, err
		}
	}

	// Collect the tail's live items and their offsets, in page order.
	var items []entry.Item
	var offsets []page.Offset
	for off := page.Offset(1); off <= tailPg.MaxOffset(); off++ {
		if tailPg.Lp(off).Flags != page.LpNormal {
			continue
		}
		items = append(items, entry.Unmarshal(tailPg.Item(off)))
		offsets = append(offsets, off)
	}

	// Drain the tail forward across the earlier pages, filling each as far
	// as it goes. Every batch that leaves the tail non-empty is its own
	// record; the batch that empties it rides on the squeeze record below,
	// where the tail's wipe covers the deletions.
	tailBlk := uint32(tailFrame.GetPageNum())
	writeAt := last - 1
	var finalBytes []byte
	for i := 0; i < last && len(items) > 0; i++ {
		writePg := chain.pages[i]
		var batchOffs []page.Offset
		var batchBytes []byte
		for len(items) > 0 && writePg.FreeSpace() >= entry.Size {
			item := items[0]
			if writePg.AddItem(item.Marshal(), writePg.InsertOffset(item.Hash), false) == page.InvalidOffset {
				break
			}
			batchOffs = append(batchOffs, offsets[0])
			batchBytes = append(batchBytes, item.Marshal()...)
			items, offsets = items[1:], offsets[1:]
		}
		if len(batchOffs) == 0 {
			continue
		}
		writeAt = i
		if len(items) == 0 {
			finalBytes = batchBytes
			break
		}
		tailPg.MultiDelete(batchOffs)
		// Offsets of the items still to move shifted down.
		for j := range offsets {
			offsets[j] -= page.Offset(len(batchOffs))
		}
		mu := idx.beginMutation(wal.MovePageRecord{
			Relation: idx.name, FromBlock: tailBlk,
			ToBlock: uint32(chain.frames[i].GetPageNum()),
			Offsets: batchOffs, Items: batchBytes,
		}, tailFrame, chain.frames[i])
		mu.commit()
	}
	if len(items) > 0 {
		return false, nil
	}

	// Unlink the tail and hand its slot back to the allocator.
	prevFrame, prevPg := chain.frames[last-1], chain.pages[last-1]
	g, ok := snap.blockToOvflNum(tailBlk)
	if !ok {
		return false, fmt.Errorf("%w: block %d is not an overflow page", ErrCorruptPage, tailBlk)
	}
	prevPg.SetNextBlock(page.InvalidBlock)
	tailPg.InitHash(0, page.InvalidBucket) // now an unused page

	m, err = idx.readMeta()
	if err != nil {
		return false, err
	}
	m.frame.WLock()
	if g < m.firstFree() {
		m.setFirstFree(g)
	}
	bmIdx := g >> BitmapShift
	bmBlk := m.mapp(bmIdx)
	bmFrame, bmPg, err := idx.pinPage(bmBlk)
	if err != nil {
		m.frame.WUnlock()
		idx.pager.PutPage(m.frame)
		return false, err
	}
	bmFrame.WLock()
	if err := checkHashPage(bmPg, bmBlk, page.FlagBitmap); err != nil {
		idx.release(bmFrame, true)
		m.frame.WUnlock()
		idx.pager.PutPage(m.frame)
		return false, err
	}
	bit := g & (BitsPerBitmapPage - 1)
	bitmapClearBit(bmPg, bit)

	mu := idx.beginMutation(wal.SqueezePageRecord{
		Relation: idx.name, FreedBlock: tailBlk, WriteBlock: uint32(chain.frames[writeAt].GetPageNum()),
		PrevBlock: uint32(prevFrame.GetPageNum()), NextBlock: page.InvalidBlock,
		Items: finalBytes, BitmapBlock: bmBlk, Bit: bit, FirstFree: m.firstFree(),
	}, chain.frames[writeAt], prevFrame, tailFrame, bmFrame, m.frame)
	mu.commit()

	idx.release(bmFrame, true)
	m.frame.WUnlock()
	idx.pager.PutPage(m.frame)
	return true, nil
}
