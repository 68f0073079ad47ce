package hash

import (
	"hashdb/pkg/entry"
	"hashdb/pkg/page"
	"hashdb/pkg/pager"
	"hashdb/pkg/wal"
)

// MarkDead flags every index item matching the hash and row pointer as dead.
// Scanners call this once the heap shows the row is gone for all transactions;
// the space comes back the next time the page is vacuumed. Returns how many
// items were marked.
//
// The flip is deliberately not WAL-logged: a lost hint costs a little space
// until some future scan re-marks it, never correctness.
func (idx *HashIndex) MarkDead(h uint32, ptr entry.ItemPointer) (int, error) {
	frame, pg, _, _, err := idx.bucketPage(h, true)
	if err != nil {
		return 0, err
	}
	marked := 0
	for frame != nil {
		changed := false
		for off := pg.SearchHash(h); off <= pg.MaxOffset(); off++ {
			if pg.ItemHash(off) != h {
				break
			}
			lp := pg.Lp(off)
			if lp.Flags != page.LpNormal {
				continue
			}
			if entry.Unmarshal(pg.Item(off)).Ptr != ptr {
				continue
			}
			lp.Flags = page.LpDead
			pg.SetLp(off, lp)
			changed = true
			marked++
		}
		if changed {
			pg.SetHashFlag(page.FlagHasDeadItems)
			pg.SetChecksum(uint32(frame.GetPageNum()))
			frame.SetDirty(true)
		}
		frame, pg, err = idx.nextChainPage(frame, pg, true)
		if err != nil {
			return marked, err
		}
	}
	return marked, nil
}

// Compact reclaims dead items across the whole index and squeezes every
// bucket chain, returning emptied overflow pages to the bitmap. Meant for
// maintenance after a batch of MarkDead calls; inserts do the same work
// opportunistically, one page at a time.
func (idx *HashIndex) Compact() error {
	m, err := idx.readMeta()
	if err != nil {
		return err
	}
	m.frame.RLock()
	snap := m.snapshot()
	m.frame.RUnlock()
	idx.pager.PutPage(m.frame)

	for bucket := uint32(0); bucket <= snap.maxBucket; bucket++ {
		if err := idx.checkInterrupt(); err != nil {
			return err
		}
		if err := idx.vacuumBucket(bucket, snap); err != nil {
			return err
		}
		if err := idx.squeezeBucket(bucket); err != nil {
			return err
		}
	}
	return nil
}

// vacuumBucket walks one bucket chain reclaiming every page whose dead-items
// hint is set. Pages a concurrent scan still pins are skipped; the hint
// keeps their space reclaimable later.
func (idx *HashIndex) vacuumBucket(bucket uint32, snap metaSnapshot) error {
	blk := snap.bucketToBlock(bucket)
	frame, pg, err := idx.pinPage(blk)
	if err != nil {
		return err
	}
	frame.WLock()
	if err := checkHashPage(pg, blk, page.FlagBucket); err != nil {
		idx.release(frame, true)
		return err
	}
	for frame != nil {
		if pg.HashFlags()&page.FlagHasDeadItems != 0 && frame.SolePinner() {
			if err := idx.vacuumPageLocked(frame, pg); err != nil {
				idx.release(frame, true)
				return err
			}
		}
		frame, pg, err = idx.nextChainPage(frame, pg, true)
		if err != nil {
			return err
		}
	}
	return nil
}

// vacuumPageLocked reclaims the dead line pointers of one page. The caller
// holds the page's write lock and the only pin on it, so no scan can be
// positioned between the offsets about to shift.
func (idx *HashIndex) vacuumPageLocked(frame *pager.Page, pg page.Page) error {
	var offsets []page.Offset
	var ptrs []entry.ItemPointer
	for off := page.Offset(1); off <= pg.MaxOffset(); off++ {
		if pg.Lp(off).Flags != page.LpDead {
			continue
		}
		offsets = append(offsets, off)
		ptrs = append(ptrs, entry.Unmarshal(pg.Item(off)).Ptr)
	}
	if len(offsets) == 0 {
		// Stale hint.
		pg.ClearHashFlag(page.FlagHasDeadItems)
		pg.SetChecksum(uint32(frame.GetPageNum()))
		frame.SetDirty(true)
		return nil
	}

	// The horizon a standby needs before it may replay this reclamation.
	var horizon uint32
	if idx.vis != nil {
		horizon = idx.vis.LatestRemovedXid(ptrs)
	}

	pg.MultiDelete(offsets)
	pg.ClearHashFlag(page.FlagHasDeadItems)

	m, err := idx.readMeta()
	if err != nil {
		return err
	}
	m.frame.WLock()
	n := m.nTuples() - float64(len(offsets))
	if n < 0 {
		n = 0
	}
	m.setNTuples(n)

	mu := idx.beginMutation(wal.VacuumOnePageRecord{
		Relation: idx.name, Block: uint32(frame.GetPageNum()),
		Offsets: offsets, LatestRemovedXid: horizon,
	}, frame, m.frame)
	mu.commit()
	m.frame.WUnlock()
	idx.pager.PutPage(m.frame)
	return nil
}
