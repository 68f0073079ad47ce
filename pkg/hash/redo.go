package hash

import (
	"fmt"

	"hashdb/pkg/entry"
	"hashdb/pkg/page"
	"hashdb/pkg/pager"
	"hashdb/pkg/wal"
)

// Redo re-applies one WAL record during recovery. Replay is single-threaded
// and runs before the index takes traffic, so no page locks are taken. Each
// page a record touches is applied independently, gated on the page's LSN:
// a page that already made it to disk with the record's effects is skipped.
func (idx *HashIndex) Redo(rec wal.Record, lsn uint64) error {
	switch r := rec.(type) {
	case wal.InitMetaRecord:
		return idx.redoInitMeta(r, lsn)
	case wal.InitBitmapRecord:
		return idx.redoInitBitmap(r, lsn)
	case wal.InsertRecord:
		return idx.redoInsert(r, lsn)
	case wal.AddOvflRecord:
		return idx.redoAddOvfl(r, lsn)
	case wal.SplitAllocateRecord:
		return idx.redoSplitAllocate(r, lsn)
	case wal.SplitPageRecord:
		return idx.redoSplitPage(r, lsn)
	case wal.SplitCompleteRecord:
		return idx.redoSplitComplete(r, lsn)
	case wal.VacuumOnePageRecord:
		return idx.redoVacuumOnePage(r, lsn)
	case wal.MovePageRecord:
		return idx.redoMovePage(r, lsn)
	case wal.SqueezePageRecord:
		return idx.redoSqueezePage(r, lsn)
	default:
		return fmt.Errorf("hash: cannot redo a %s record", rec.Kind())
	}
}

// redoPage pins a block for replay, growing the file first when the crash
// happened before an extension reached disk. The intermediate pages created
// by the growth are exactly the zeroed pre-extension pages the original run
// made.
func (idx *HashIndex) redoPage(blk uint32) (*pager.Page, page.Page, error) {
	for idx.pager.GetNumPages() <= int64(blk) {
		frame, err := idx.pager.GetNewPage()
		if err != nil {
			return nil, page.Page{}, err
		}
		idx.pager.PutPage(frame)
	}
	return idx.pinPage(blk)
}

// stamp finishes the replayed change on a page, mirroring mutation.commit.
func redoStamp(frame *pager.Page, pg page.Page, lsn uint64) {
	pg.SetLsn(lsn)
	pg.SetChecksum(uint32(frame.GetPageNum()))
	frame.SetDirty(true)
}

// needed reports whether the page still predates the record.
func needed(pg page.Page, lsn uint64) bool {
	return pg.IsNew() || pg.Lsn() < lsn
}

func (idx *HashIndex) redoInitMeta(r wal.InitMetaRecord, lsn uint64) error {
	if len(r.Image) != int(pager.Pagesize) {
		return fmt.Errorf("%w: metapage image is %d bytes", wal.ErrBadRecord, len(r.Image))
	}
	if r.Buckets == 0 {
		return fmt.Errorf("%w: metapage record without a bucket count", wal.ErrBadRecord)
	}
	frame, pg, err := idx.redoPage(metaBlock)
	if err != nil {
		return err
	}
	if needed(pg, lsn) {
		copy(frame.GetData(), r.Image)
		redoStamp(frame, pg, lsn)
	}
	idx.pager.PutPage(frame)

	// The creation also materialized every primary page of the initial
	// splitpoint; pages past the bucket count stay zeroed until a split
	// reaches them, exactly as they did the first time.
	splitPoint := splitPointOf(r.Buckets - 1)
	for blk := uint32(1); blk < (uint32(1) << splitPoint); blk++ {
		bframe, bpg, err := idx.redoPage(blk)
		if err != nil {
			return err
		}
		if blk <= r.Buckets && needed(bpg, lsn) {
			bpg.InitHash(page.FlagBucket, blk-1)
			redoStamp(bframe, bpg, lsn)
		}
		idx.pager.PutPage(bframe)
	}
	return nil
}

func (idx *HashIndex) redoInitBitmap(r wal.InitBitmapRecord, lsn uint64) error {
	frame, pg, err := idx.redoPage(r.BitmapBlock)
	if err != nil {
		return err
	}
	if needed(pg, lsn) {
		pg.InitHash(page.FlagBitmap, page.InvalidBucket)
		bitmapSetBit(pg, 0)
		redoStamp(frame, pg, lsn)
	}
	idx.pager.PutPage(frame)
	return nil
}

// withMeta runs fn against the metapage iff it still predates the record.
func (idx *HashIndex) withMeta(lsn uint64, fn func(m meta)) error {
	m, err := idx.readMeta()
	if err != nil {
		return err
	}
	if needed(m.pg, lsn) {
		fn(m)
		redoStamp(m.frame, m.pg, lsn)
	}
	idx.pager.PutPage(m.frame)
	return nil
}

func (idx *HashIndex) redoInsert(r wal.InsertRecord, lsn uint64) error {
	frame, pg, err := idx.redoPage(r.Block)
	if err != nil {
		return err
	}
	if needed(pg, lsn) {
		if pg.AddItem(r.Item, r.Offset, false) == page.InvalidOffset {
			idx.pager.PutPage(frame)
			return fmt.Errorf("%w: replayed insert did not fit on block %d", ErrCorruptPage, r.Block)
		}
		redoStamp(frame, pg, lsn)
	}
	idx.pager.PutPage(frame)
	return idx.withMeta(lsn, func(m meta) {
		m.setNTuples(m.nTuples() + 1)
	})
}

func (idx *HashIndex) redoAddOvfl(r wal.AddOvflRecord, lsn uint64) error {
	newFrame, newPg, err := idx.redoPage(r.NewBlock)
	if err != nil {
		return err
	}
	if needed(newPg, lsn) {
		newPg.InitHash(page.FlagOverflow, r.Bucket)
		newPg.SetPrevBlock(r.PrevBlock)
		redoStamp(newFrame, newPg, lsn)
	}
	idx.pager.PutPage(newFrame)

	prevFrame, prevPg, err := idx.redoPage(r.PrevBlock)
	if err != nil {
		return err
	}
	if needed(prevPg, lsn) {
		prevPg.SetNextBlock(r.NewBlock)
		redoStamp(prevFrame, prevPg, lsn)
	}
	idx.pager.PutPage(prevFrame)

	bmFrame, bmPg, err := idx.redoPage(r.BitmapBlock)
	if err != nil {
		return err
	}
	if needed(bmPg, lsn) {
		if r.NewBitmapBlock == r.BitmapBlock {
			// The bitmap page itself was born in this record.
			bmPg.InitHash(page.FlagBitmap, page.InvalidBucket)
			bitmapSetBit(bmPg, 0)
		}
		bitmapSetBit(bmPg, r.Bit)
		redoStamp(bmFrame, bmPg, lsn)
	}
	idx.pager.PutPage(bmFrame)

	return idx.withMeta(lsn, func(m meta) {
		m.setFirstFree(r.FirstFree)
		m.setSpare(r.SpareIndex, r.SpareValue)
		if r.NewBitmapBlock != page.InvalidBlock {
			m.setMapp(m.nMaps(), r.NewBitmapBlock)
			m.setNMaps(m.nMaps() + 1)
		}
	})
}

func (idx *HashIndex) redoSplitAllocate(r wal.SplitAllocateRecord, lsn uint64) error {
	oldFrame, oldPg, err := idx.redoPage(r.OldBlock)
	if err != nil {
		return err
	}
	if needed(oldPg, lsn) {
		oldPg.SetHashFlag(page.FlagBeingSplitFrom)
		oldPg.SetPrevBlock(r.NewBucket)
		redoStamp(oldFrame, oldPg, lsn)
	}
	idx.pager.PutPage(oldFrame)

	// redoPage regrows any pre-extension pages lost with the crash.
	newFrame, newPg, err := idx.redoPage(r.NewBlock)
	if err != nil {
		return err
	}
	if needed(newPg, lsn) {
		newPg.InitHash(page.FlagBucket|page.FlagBeingSplitTo, r.NewBucket)
		newPg.SetPrevBlock(r.OldBucket)
		redoStamp(newFrame, newPg, lsn)
	}
	idx.pager.PutPage(newFrame)

	return idx.withMeta(lsn, func(m meta) {
		if r.OvflPoint > m.ovflPoint() {
			m.setSpare(r.OvflPoint, m.spare(m.ovflPoint()))
		}
		m.setMaxBucket(r.MaxBucket)
		m.setHighMask(r.HighMask)
		m.setLowMask(r.LowMask)
		m.setOvflPoint(r.OvflPoint)
	})
}

func (idx *HashIndex) redoSplitPage(r wal.SplitPageRecord, lsn uint64) error {
	items, err := splitItems(r.Items)
	if err != nil {
		return err
	}
	srcFrame, srcPg, err := idx.redoPage(r.SrcBlock)
	if err != nil {
		return err
	}
	if needed(srcPg, lsn) {
		srcPg.MultiDelete(r.Offsets)
		redoStamp(srcFrame, srcPg, lsn)
	}
	idx.pager.PutPage(srcFrame)

	dstFrame, dstPg, err := idx.redoPage(r.DstBlock)
	if err != nil {
		return err
	}
	if needed(dstPg, lsn) {
		for _, raw := range items {
			it := entry.Unmarshal(raw)
			if dstPg.AddItem(raw, dstPg.InsertOffset(it.Hash), false) == page.InvalidOffset {
				idx.pager.PutPage(dstFrame)
				return fmt.Errorf("%w: replayed split batch did not fit on block %d", ErrCorruptPage, r.DstBlock)
			}
		}
		redoStamp(dstFrame, dstPg, lsn)
	}
	idx.pager.PutPage(dstFrame)
	return nil
}

func (idx *HashIndex) redoSplitComplete(r wal.SplitCompleteRecord, lsn uint64) error {
	for _, blk := range []uint32{r.SrcBlock, r.DstBlock} {
		frame, pg, err := idx.redoPage(blk)
		if err != nil {
			return err
		}
		if needed(pg, lsn) {
			pg.ClearHashFlag(page.FlagBeingSplitFrom | page.FlagBeingSplitTo)
			pg.SetPrevBlock(page.InvalidBlock)
			redoStamp(frame, pg, lsn)
		}
		idx.pager.PutPage(frame)
	}
	return nil
}

func (idx *HashIndex) redoVacuumOnePage(r wal.VacuumOnePageRecord, lsn uint64) error {
	frame, pg, err := idx.redoPage(r.Block)
	if err != nil {
		return err
	}
	if needed(pg, lsn) {
		pg.MultiDelete(r.Offsets)
		pg.ClearHashFlag(page.FlagHasDeadItems)
		redoStamp(frame, pg, lsn)
	}
	idx.pager.PutPage(frame)
	return idx.withMeta(lsn, func(m meta) {
		n := m.nTuples() - float64(len(r.Offsets))
		if n < 0 {
			n = 0
		}
		m.setNTuples(n)
	})
}

func (idx *HashIndex) redoMovePage(r wal.MovePageRecord, lsn uint64) error {
	items, err := splitItems(r.Items)
	if err != nil {
		return err
	}
	toFrame, toPg, err := idx.redoPage(r.ToBlock)
	if err != nil {
		return err
	}
	if needed(toPg, lsn) {
		for _, raw := range items {
			it := entry.Unmarshal(raw)
			if toPg.AddItem(raw, toPg.InsertOffset(it.Hash), false) == page.InvalidOffset {
				idx.pager.PutPage(toFrame)
				return fmt.Errorf("%w: replayed move did not fit on block %d", ErrCorruptPage, r.ToBlock)
			}
		}
		redoStamp(toFrame, toPg, lsn)
	}
	idx.pager.PutPage(toFrame)

	fromFrame, fromPg, err := idx.redoPage(r.FromBlock)
	if err != nil {
		return err
	}
	if needed(fromPg, lsn) {
		fromPg.MultiDelete(r.Offsets)
		redoStamp(fromFrame, fromPg, lsn)
	}
	idx.pager.PutPage(fromFrame)
	return nil
}

func (idx *HashIndex) redoSqueezePage(r wal.SqueezePageRecord, lsn uint64) error {
	items, err := splitItems(r.Items)
	if err != nil {
		return err
	}
	writeFrame, writePg, err := idx.redoPage(r.WriteBlock)
	if err != nil {
		return err
	}
	if needed(writePg, lsn) {
		for _, raw := range items {
			it := entry.Unmarshal(raw)
			if writePg.AddItem(raw, writePg.InsertOffset(it.Hash), false) == page.InvalidOffset {
				idx.pager.PutPage(writeFrame)
				return fmt.Errorf("%w: replayed squeeze did not fit on block %d", ErrCorruptPage, r.WriteBlock)
			}
		}
		redoStamp(writeFrame, writePg, lsn)
	}
	idx.pager.PutPage(writeFrame)

	prevFrame, prevPg, err := idx.redoPage(r.PrevBlock)
	if err != nil {
		return err
	}
	if needed(prevPg, lsn) {
		prevPg.SetNextBlock(r.NextBlock)
		redoStamp(prevFrame, prevPg, lsn)
	}
	idx.pager.PutPage(prevFrame)

	freedFrame, freedPg, err := idx.redoPage(r.FreedBlock)
	if err != nil {
		return err
	}
	if needed(freedPg, lsn) {
		freedPg.InitHash(0, page.InvalidBucket)
		redoStamp(freedFrame, freedPg, lsn)
	}
	idx.pager.PutPage(freedFrame)

	bmFrame, bmPg, err := idx.redoPage(r.BitmapBlock)
	if err != nil {
		return err
	}
	if needed(bmPg, lsn) {
		bitmapClearBit(bmPg, r.Bit)
		redoStamp(bmFrame, bmPg, lsn)
	}
	idx.pager.PutPage(bmFrame)

	return idx.withMeta(lsn, func(m meta) {
		m.setFirstFree(r.FirstFree)
	})
}

// splitItems slices a record's item payload into fixed-width items.
func splitItems(b []byte) ([][]byte, error) {
	if len(b)%entry.Size != 0 {
		return nil, fmt.Errorf("%w: item payload of %d bytes", wal.ErrBadRecord, len(b))
	}
	items := make([][]byte, 0, len(b)/entry.Size)
	for i := 0; i < len(b); i += entry.Size {
		items = append(items, b[i:i+entry.Size])
	}
	return items, nil
}
