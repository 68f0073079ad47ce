package hash

import (
	"fmt"

	"hashdb/pkg/page"
)

// Verify walks the whole index and checks its structural invariants: header
// and mask consistency on the metapage, chain linkage and per-page hash
// ordering in every bucket, agreement between the bitmaps and the pages they
// cover, and the metapage tuple count against the items actually present.
// Returns the first violation found. Meant to run on a quiescent index.
func (idx *HashIndex) Verify() error {
	m, err := idx.readMeta()
	if err != nil {
		return err
	}
	m.frame.RLock()
	snap := m.snapshot()
	stats := MetaStats{
		NTuples:   m.nTuples(),
		FFactor:   m.fFactor(),
		FirstFree: m.firstFree(),
		NMaps:     m.nMaps(),
	}
	var mapp [MaxBitmaps]uint32
	for i := uint32(0); i < stats.NMaps; i++ {
		mapp[i] = m.mapp(i)
	}
	m.frame.RUnlock()
	idx.pager.PutPage(m.frame)

	if snap.highMask != 2*snap.lowMask+1 {
		return fmt.Errorf("%w: masks %#x/%#x out of step", ErrCorruptPage, snap.highMask, snap.lowMask)
	}
	if snap.ovflPoint != splitPointOf(snap.maxBucket) {
		return fmt.Errorf("%w: ovflpoint %d, want %d for max bucket %d",
			ErrCorruptPage, snap.ovflPoint, splitPointOf(snap.maxBucket), snap.maxBucket)
	}
	for s := uint32(1); s <= snap.ovflPoint; s++ {
		if snap.spares[s] < snap.spares[s-1] {
			return fmt.Errorf("%w: spares[%d]=%d below spares[%d]=%d",
				ErrCorruptPage, s, snap.spares[s], s-1, snap.spares[s-1])
		}
	}
	allocated := snap.spares[snap.ovflPoint]
	if stats.FirstFree > allocated {
		return fmt.Errorf("%w: first-free hint %d past %d allocated slots",
			ErrCorruptPage, stats.FirstFree, allocated)
	}

	// Walk every bucket chain, counting items and noting which overflow
	// slots are occupied.
	inUse := make(map[uint32]bool) // overflow number -> occupied
	var itemCount float64
	for bucket := uint32(0); bucket <= snap.maxBucket; bucket++ {
		blk := snap.bucketToBlock(bucket)
		prev := page.InvalidBlock
		wantFlags := page.FlagBucket
		midSplit := false
		for blk != page.InvalidBlock {
			frame, pg, err := idx.pinPage(blk)
			if err != nil {
				return err
			}
			frame.RLock()
			if wantFlags == page.FlagBucket {
				midSplit = pg.IsBucket() && pg.State() != page.StateStable
			}
			err = idx.verifyChainPage(pg, blk, bucket, prev, wantFlags, midSplit, snap, &itemCount)
			next := pg.NextBlock()
			frame.RUnlock()
			idx.pager.PutPage(frame)
			if err != nil {
				return err
			}
			if wantFlags == page.FlagOverflow {
				g, ok := snap.blockToOvflNum(blk)
				if !ok {
					return fmt.Errorf("%w: chain block %d outside every overflow region", ErrCorruptPage, blk)
				}
				inUse[g] = true
			}
			prev, blk = blk, next
			wantFlags = page.FlagOverflow
		}
	}

	// Bitmap pages occupy overflow slots of their own.
	for i := uint32(0); i < stats.NMaps; i++ {
		g, ok := snap.blockToOvflNum(mapp[i])
		if !ok {
			return fmt.Errorf("%w: bitmap block %d outside every overflow region", ErrCorruptPage, mapp[i])
		}
		inUse[g] = true
	}

	if itemCount != stats.NTuples {
		return fmt.Errorf("%w: metapage counts %.0f tuples, pages hold %.0f",
			ErrCorruptPage, stats.NTuples, itemCount)
	}

	return idx.verifyBitmaps(snap, stats, mapp, inUse)
}

// verifyChainPage checks one page of a bucket chain under its read lock.
func (idx *HashIndex) verifyChainPage(
	pg page.Page, blk, bucket, prev uint32, wantFlags uint16, midSplit bool,
	snap metaSnapshot, itemCount *float64,
) error {
	if err := checkHashPage(pg, blk, wantFlags); err != nil {
		return err
	}
	if pg.BucketID() != bucket {
		return fmt.Errorf("%w: block %d claims bucket %d, in chain of %d",
			ErrCorruptPage, blk, pg.BucketID(), bucket)
	}
	// A primary's prev link doubles as the split partner marker, so it is
	// only checked on overflow pages.
	if wantFlags == page.FlagOverflow && pg.PrevBlock() != prev {
		return fmt.Errorf("%w: block %d back-links %d, reached from %d",
			ErrCorruptPage, blk, pg.PrevBlock(), prev)
	}
	var lastHash uint32
	for off := page.Offset(1); off <= pg.MaxOffset(); off++ {
		lp := pg.Lp(off)
		if lp.Flags != page.LpNormal && lp.Flags != page.LpDead {
			return fmt.Errorf("%w: block %d offset %d has line pointer state %d",
				ErrCorruptPage, blk, off, lp.Flags)
		}
		h := pg.ItemHash(off)
		if off > 1 && h < lastHash {
			return fmt.Errorf("%w: block %d unsorted at offset %d", ErrCorruptPage, blk, off)
		}
		lastHash = h
		// Routing: live items must map here. During an unfinished split the
		// source still holds items bound for the destination, and dead
		// items may be stranded from one.
		if lp.Flags == page.LpNormal && !midSplit && snap.bucketForHash(h) != bucket {
			return fmt.Errorf("%w: block %d holds hash %#x belonging to bucket %d, not %d",
				ErrCorruptPage, blk, h, snap.bucketForHash(h), bucket)
		}
		*itemCount++
	}
	return nil
}

// verifyBitmaps cross-checks every allocated overflow slot against its bit.
func (idx *HashIndex) verifyBitmaps(
	snap metaSnapshot, stats MetaStats, mapp [MaxBitmaps]uint32, inUse map[uint32]bool,
) error {
	allocated := snap.spares[snap.ovflPoint]
	for g := uint32(0); g < allocated; g++ {
		j := g >> BitmapShift
		if j >= stats.NMaps {
			return fmt.Errorf("%w: overflow slot %d beyond bitmap coverage", ErrCorruptPage, g)
		}
		bmFrame, bmPg, err := idx.pinPage(mapp[j])
		if err != nil {
			return err
		}
		bmFrame.RLock()
		if err := checkHashPage(bmPg, mapp[j], page.FlagBitmap); err != nil {
			bmFrame.RUnlock()
			idx.pager.PutPage(bmFrame)
			return err
		}
		set := bitmapTestBit(bmPg, g&(BitsPerBitmapPage-1))
		bmFrame.RUnlock()
		idx.pager.PutPage(bmFrame)

		if set != inUse[g] {
			return fmt.Errorf("%w: overflow slot %d bit=%v but occupied=%v",
				ErrCorruptPage, g, set, inUse[g])
		}
		if !set && g < stats.FirstFree {
			return fmt.Errorf("%w: free slot %d below first-free hint %d",
				ErrCorruptPage, g, stats.FirstFree)
		}
		if !set {
			// A freed slot must hold a recognizably unused page.
			blk := snap.ovflBlock(g)
			frame, pg, err := idx.pinPage(blk)
			if err != nil {
				return err
			}
			frame.RLock()
			unused := pg.IsHashPage() && pg.IsUnused()
			frame.RUnlock()
			idx.pager.PutPage(frame)
			if !unused {
				return fmt.Errorf("%w: slot %d is free but block %d is not an unused page",
					ErrCorruptPage, g, blk)
			}
		}
	}
	return nil
}
