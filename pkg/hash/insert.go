package hash

import (
	"fmt"

	"hashdb/pkg/entry"
	"hashdb/pkg/page"
	"hashdb/pkg/wal"
)

// Insert adds one item mapping the hash code to a heap row. The item lands
// on the first page of the target bucket's chain with room for it, after an
// opportunistic vacuum of any page whose dead-items hint is set; a chain
// with no room anywhere grows a new overflow page. If the insert tips the
// index over its fill target, a bucket split runs before returning.
func (idx *HashIndex) Insert(h uint32, ptr entry.ItemPointer) error {
	item := entry.New(h, ptr).Marshal()
	if len(item) > maxItemSize {
		return ErrItemTooLarge
	}

	frame, pg, bucket, _, err := idx.bucketPage(h, true)
	if err != nil {
		return err
	}
	for pg.FreeSpace() < entry.Size {
		// Try reclaiming dead items in place before giving up on the page.
		if pg.HashFlags()&page.FlagHasDeadItems != 0 && frame.SolePinner() {
			if err := idx.vacuumPageLocked(frame, pg); err != nil {
				idx.release(frame, true)
				return err
			}
			if pg.FreeSpace() >= entry.Size {
				break
			}
		}
		if pg.NextBlock() == page.InvalidBlock {
			newFrame, newPg, err := idx.addOvflPage(frame, pg, bucket)
			if err != nil {
				idx.release(frame, true)
				return err
			}
			idx.release(frame, true)
			frame, pg = newFrame, newPg
			break
		}
		if err := idx.checkInterrupt(); err != nil {
			idx.release(frame, true)
			return err
		}
		frame, pg, err = idx.nextChainPage(frame, pg, true)
		if err != nil {
			return err
		}
	}

	off := pg.AddItem(item, pg.InsertOffset(h), false)
	if off == page.InvalidOffset {
		idx.release(frame, true)
		return fmt.Errorf("%w: page %d would not take an item it had room for",
			ErrCorruptPage, frame.GetPageNum())
	}

	m, err := idx.readMeta()
	if err != nil {
		idx.release(frame, true)
		return err
	}
	m.frame.WLock()
	m.setNTuples(m.nTuples() + 1)
	needSplit := m.nTuples() > float64(m.fFactor())*float64(m.maxBucket()+1)

	mu := idx.beginMutation(wal.InsertRecord{
		Relation: idx.name, Block: uint32(frame.GetPageNum()), Offset: off, Item: item,
	}, frame, m.frame)
	mu.commit()
	m.frame.WUnlock()
	idx.pager.PutPage(m.frame)
	idx.release(frame, true)

	if needSplit {
		// Best effort: the insert itself already succeeded, and a split
		// abandoned under contention will be retried by a later insert.
		idx.expandTable()
	}
	return nil
}
