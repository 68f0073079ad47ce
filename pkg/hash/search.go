package hash

import (
	"errors"

	"hashdb/pkg/entry"
	"hashdb/pkg/page"
)

// Lookup returns the row pointers of every live item carrying the given
// hash code, walking the whole chain of the code's bucket. Returns
// ErrKeyNotFound when nothing matches.
func (idx *HashIndex) Lookup(h uint32) ([]entry.ItemPointer, error) {
	frame, pg, _, _, err := idx.bucketPage(h, false)
	if err != nil {
		return nil, err
	}
	var ptrs []entry.ItemPointer
	for frame != nil {
		for off := pg.SearchHash(h); off <= pg.MaxOffset(); off++ {
			if pg.ItemHash(off) != h {
				break
			}
			if pg.Lp(off).Flags != page.LpNormal {
				continue
			}
			ptrs = append(ptrs, entry.Unmarshal(pg.Item(off)).Ptr)
		}
		if err := idx.checkInterrupt(); err != nil {
			idx.release(frame, false)
			return nil, err
		}
		frame, pg, err = idx.nextChainPage(frame, pg, false)
		if err != nil {
			return nil, err
		}
	}
	if len(ptrs) == 0 {
		return nil, ErrKeyNotFound
	}
	return ptrs, nil
}

// Select returns every live item in the index, bucket by bucket. The scan
// is not a consistent snapshot: concurrent splits may move items between
// buckets while it runs.
func (idx *HashIndex) Select() ([]entry.Item, error) {
	cursor, err := idx.CursorAtStart()
	if err != nil {
		if errors.Is(err, errNoItems) {
			return nil, nil
		}
		return nil, err
	}
	defer cursor.Close()

	var items []entry.Item
	for {
		item, err := cursor.GetItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if err := idx.checkInterrupt(); err != nil {
			return nil, err
		}
		if cursor.Next() {
			return items, nil
		}
	}
}
