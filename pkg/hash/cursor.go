package hash

import (
	"errors"

	"hashdb/pkg/entry"
	"hashdb/pkg/page"
	"hashdb/pkg/pager"
)

// errNoItems reports a cursor opened on an index with no live items.
var errNoItems = errors.New("all buckets are empty")

// HashCursor points to one live item in the index. It holds a share lock and
// a pin on the page under it, released by stepping off the page or by Close.
//
// A cursor is not a consistent snapshot: it walks buckets in number order
// using the bucket layout read when it was opened, and concurrent splits may
// move items between buckets while it runs.
type HashCursor struct {
	idx    *HashIndex
	snap   metaSnapshot
	bucket uint32
	frame  *pager.Page
	pg     page.Page
	off    page.Offset
}

// CursorAtStart returns a cursor on the first live item of the index.
// Errors if the index holds no live items at all.
func (idx *HashIndex) CursorAtStart() (*HashCursor, error) {
	m, err := idx.readMeta()
	if err != nil {
		return nil, err
	}
	m.frame.RLock()
	snap := m.snapshot()
	m.frame.RUnlock()
	idx.pager.PutPage(m.frame)

	cursor := &HashCursor{idx: idx, snap: snap, off: 0}
	if err := cursor.openBucket(0); err != nil {
		return nil, err
	}
	// Position on the first live item, which may be buckets away.
	if cursor.Next() {
		return nil, errNoItems
	}
	return cursor, nil
}

// openBucket parks the cursor at offset 0 of a bucket's primary page.
func (cursor *HashCursor) openBucket(bucket uint32) error {
	blk := cursor.snap.bucketToBlock(bucket)
	frame, pg, err := cursor.idx.pinPage(blk)
	if err != nil {
		return err
	}
	frame.RLock()
	if err := checkHashPage(pg, blk, page.FlagBucket); err != nil {
		cursor.idx.release(frame, false)
		return err
	}
	cursor.bucket = bucket
	cursor.frame, cursor.pg = frame, pg
	cursor.off = 0
	return nil
}

// Next moves the cursor ahead by one live item.
// Returns true if we reach the end of the index.
func (cursor *HashCursor) Next() bool {
	idx := cursor.idx
	for cursor.frame != nil {
		// Scan forward on the current page first.
		for cursor.off < cursor.pg.MaxOffset() {
			cursor.off++
			if cursor.pg.Lp(cursor.off).Flags == page.LpNormal {
				return false
			}
		}
		// Off the end of the page: follow the chain, then the bucket order.
		frame, pg, err := idx.nextChainPage(cursor.frame, cursor.pg, false)
		if err != nil {
			cursor.frame, cursor.pg = nil, page.Page{}
			return true
		}
		if frame != nil {
			cursor.frame, cursor.pg = frame, pg
			cursor.off = 0
			continue
		}
		cursor.frame, cursor.pg = nil, page.Page{}
		if cursor.bucket >= cursor.snap.maxBucket {
			return true
		}
		if err := cursor.openBucket(cursor.bucket + 1); err != nil {
			return true
		}
	}
	return true
}

// GetItem returns the item currently pointed to by the cursor.
func (cursor *HashCursor) GetItem() (entry.Item, error) {
	if cursor.frame == nil {
		return entry.Item{}, errors.New("getItem: cursor is not pointing at a valid item")
	}
	return entry.Unmarshal(cursor.pg.Item(cursor.off)), nil
}

// Close releases the page the cursor is parked on.
func (cursor *HashCursor) Close() {
	if cursor.frame != nil {
		cursor.idx.release(cursor.frame, false)
		cursor.frame, cursor.pg = nil, page.Page{}
	}
}
