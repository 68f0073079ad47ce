package page_test

import (
	"testing"

	"hashdb/pkg/entry"
	"hashdb/pkg/page"
	"hashdb/pkg/pager"
)

// newHashPage returns an initialized in-memory bucket page.
func newHashPage() page.Page {
	pg := page.FromBytes(make([]byte, pager.Pagesize))
	pg.InitHash(page.FlagBucket, 0)
	return pg
}

func addItem(t *testing.T, pg page.Page, h uint32, block uint32) page.Offset {
	t.Helper()
	item := entry.New(h, entry.ItemPointer{Block: block}).Marshal()
	off := pg.AddItem(item, pg.InsertOffset(h), false)
	if off == page.InvalidOffset {
		t.Fatalf("Failed to add item with hash %#x", h)
	}
	return off
}

func TestPageInit(t *testing.T) {
	pg := newHashPage()
	if err := pg.Validate(); err != nil {
		t.Fatal("Fresh page failed validation:", err)
	}
	if !pg.IsBucket() || pg.IsOverflow() || pg.IsMeta() || pg.IsBitmap() {
		t.Error("Fresh bucket page reports the wrong type")
	}
	if pg.MaxOffset() != 0 {
		t.Errorf("Fresh page reports %d items", pg.MaxOffset())
	}
	if pg.PrevBlock() != page.InvalidBlock || pg.NextBlock() != page.InvalidBlock {
		t.Error("Fresh page has chain links set")
	}
	if pg.BucketID() != 0 {
		t.Errorf("Expected bucket id 0, found %d", pg.BucketID())
	}
}

// Items inserted out of order end up sorted by hash code, and SearchHash
// finds the first of an equal run.
func TestPageItemOrdering(t *testing.T) {
	pg := newHashPage()
	hashes := []uint32{40, 10, 30, 10, 20, 10}
	for i, h := range hashes {
		addItem(t, pg, h, uint32(i))
	}
	if got := pg.MaxOffset(); got != page.Offset(len(hashes)) {
		t.Fatalf("Expected %d items, found %d", len(hashes), got)
	}
	var prev uint32
	for off := page.Offset(1); off <= pg.MaxOffset(); off++ {
		h := pg.ItemHash(off)
		if h < prev {
			t.Fatalf("Items out of order: %#x after %#x", h, prev)
		}
		prev = h
	}
	first := pg.SearchHash(10)
	if pg.ItemHash(first) != 10 {
		t.Fatalf("SearchHash(10) landed on hash %#x", pg.ItemHash(first))
	}
	if first > 1 && pg.ItemHash(first-1) == 10 {
		t.Error("SearchHash did not return the first of the equal run")
	}
	// The equal run under hash 10 has all three items.
	count := 0
	for off := first; off <= pg.MaxOffset() && pg.ItemHash(off) == 10; off++ {
		count++
	}
	if count != 3 {
		t.Errorf("Expected 3 items under hash 10, found %d", count)
	}
}

// MultiDelete compacts the page and preserves the survivors' order.
func TestPageMultiDelete(t *testing.T) {
	pg := newHashPage()
	for i := uint32(1); i <= 10; i++ {
		addItem(t, pg, i, i)
	}
	// Remove the odd hashes.
	pg.MultiDelete([]page.Offset{1, 3, 5, 7, 9})
	if got := pg.MaxOffset(); got != 5 {
		t.Fatalf("Expected 5 items after deletion, found %d", got)
	}
	for off := page.Offset(1); off <= pg.MaxOffset(); off++ {
		if h := pg.ItemHash(off); h != uint32(off)*2 {
			t.Errorf("Survivor at offset %d has hash %#x, want %#x", off, h, uint32(off)*2)
		}
	}
	if err := pg.Validate(); err != nil {
		t.Error("Page failed validation after MultiDelete:", err)
	}
}

// FreeSpace shrinks by one item plus one line pointer per insert, and a full
// page rejects further items.
func TestPageFreeSpace(t *testing.T) {
	pg := newHashPage()
	before := pg.FreeSpace()
	addItem(t, pg, 1, 1)
	after := pg.FreeSpace()
	if before-after != entry.Size+page.LpSize {
		t.Errorf("One insert consumed %d bytes, want %d", before-after, entry.Size+page.LpSize)
	}
	for i := uint32(2); pg.FreeSpace() >= entry.Size; i++ {
		addItem(t, pg, i, i)
	}
	item := entry.New(0, entry.ItemPointer{}).Marshal()
	if off := pg.AddItem(item, pg.InsertOffset(0), false); off != page.InvalidOffset {
		t.Error("A full page accepted an item")
	}
}

// A page's checksum covers its contents and its block number.
func TestPageChecksum(t *testing.T) {
	pg := newHashPage()
	addItem(t, pg, 123, 7)
	pg.SetChecksum(42)
	if !pg.VerifyChecksum(42) {
		t.Fatal("Checksum did not verify against the stamped block number")
	}
	if pg.VerifyChecksum(43) {
		t.Error("Checksum verified against the wrong block number")
	}
	pg.Data()[page.HeaderSize] ^= 0xFF
	if pg.VerifyChecksum(42) {
		t.Error("Checksum verified after the page was corrupted")
	}
	pg.Data()[page.HeaderSize] ^= 0xFF

	// A never-checksummed page passes: zero means not yet stamped.
	fresh := newHashPage()
	if !fresh.VerifyChecksum(1) {
		t.Error("A never-checksummed page failed verification")
	}
}

// Chain links and hash flags round-trip through the special space.
func TestPageSpecial(t *testing.T) {
	pg := page.FromBytes(make([]byte, pager.Pagesize))
	pg.InitHash(page.FlagOverflow, 9)
	pg.SetPrevBlock(3)
	pg.SetNextBlock(4)
	if pg.PrevBlock() != 3 || pg.NextBlock() != 4 {
		t.Error("Chain links did not round-trip")
	}
	if pg.BucketID() != 9 {
		t.Errorf("Expected bucket id 9, found %d", pg.BucketID())
	}
	pg.SetHashFlag(page.FlagHasDeadItems)
	if pg.HashFlags()&page.FlagHasDeadItems == 0 {
		t.Error("Setting a hash flag did not stick")
	}
	pg.ClearHashFlag(page.FlagHasDeadItems)
	if pg.HashFlags()&page.FlagHasDeadItems != 0 {
		t.Error("Clearing a hash flag did not stick")
	}
	if pg.State() != page.StateStable {
		t.Errorf("Expected a stable page, found state %v", pg.State())
	}
	pg.SetHashFlag(page.FlagBeingSplitFrom)
	if pg.State() == page.StateStable {
		t.Error("A flagged page still reports stable")
	}
}
