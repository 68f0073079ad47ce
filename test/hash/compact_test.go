package hash_test

import (
	"testing"

	"hashdb/pkg/config"
	"hashdb/pkg/entry"
	"hashdb/pkg/hash"
	"hashdb/pkg/page"
	"hashdb/test/utils"
)

// pageCapacity is how many items fit on one fresh hash page.
const pageCapacity = (int(page.Size) - page.HeaderSize - page.SpecialSize - page.LpSize) / (entry.Size + page.LpSize)

func TestHashCompact(t *testing.T) {
	t.Run("ChainShrinks", testCompactChainShrinks)
	t.Run("NothingToDo", testCompactNothingToDo)
}

// Killing items spread over the front of a chain and compacting must drain
// the tail across the resulting holes, even though no single page could
// absorb it, and hand the emptied tail page back to the allocator.
func testCompactChainShrinks(t *testing.T) {
	index := setupHash(t, hash.Options{FillFactor: config.MaxFillFactor})

	// One hash code keeps every item in a single chain: the first two pages
	// full, the tail half full.
	h := hashSalt
	total := 2*pageCapacity + pageCapacity/2
	for i := 0; i < total; i++ {
		utils.InsertItem(t, index, h, utils.Ptr(uint32(i)))
	}

	// Punch a hole of a third of a page into each of the two full pages.
	// The tail's half page fits in neither hole alone, only across both.
	hole := pageCapacity / 3
	dead := make(map[uint32]bool)
	for _, start := range []int{0, pageCapacity} {
		for i := start; i < start+hole; i++ {
			n, err := index.MarkDead(h, utils.Ptr(uint32(i)))
			if err != nil {
				t.Fatal("Failed to mark item dead:", err)
			}
			if n != 1 {
				t.Fatalf("Expected to mark 1 item dead, marked %d", n)
			}
			dead[uint32(i)] = true
		}
	}

	before, err := index.Stats()
	if err != nil {
		t.Fatal("Failed to read stats:", err)
	}
	if err := index.Compact(); err != nil {
		t.Fatal("Failed to compact:", err)
	}
	after, err := index.Stats()
	if err != nil {
		t.Fatal("Failed to read stats:", err)
	}
	if got, want := after.NTuples, float64(total-2*hole); got != want {
		t.Errorf("Expected %v live items after compaction, have %v", want, got)
	}
	if after.FirstFree >= before.FirstFree {
		t.Errorf("Expected the emptied tail page back in the allocator (firstfree %d, was %d)",
			after.FirstFree, before.FirstFree)
	}

	var live []entry.ItemPointer
	for i := 0; i < total; i++ {
		if !dead[uint32(i)] {
			live = append(live, utils.Ptr(uint32(i)))
		}
	}
	utils.CheckLookup(t, index, h, live...)
	utils.CheckVerify(t, index)

	// A second pass finds nothing left to reclaim.
	if err := index.Compact(); err != nil {
		t.Fatal("Failed to re-compact:", err)
	}
	again, err := index.Stats()
	if err != nil {
		t.Fatal("Failed to read stats:", err)
	}
	if again != after {
		t.Errorf("Expected a second compaction to change nothing, stats went %+v -> %+v", after, again)
	}
	utils.CheckLookup(t, index, h, live...)
	utils.CheckVerify(t, index)
}

// Compacting an index with nothing marked dead is a no-op.
func testCompactNothingToDo(t *testing.T) {
	index := setupHash(t, hash.Options{})

	for i := uint32(0); i < 10; i++ {
		utils.InsertItem(t, index, i*hashSalt, utils.Ptr(i))
	}
	before, err := index.Stats()
	if err != nil {
		t.Fatal("Failed to read stats:", err)
	}
	if err := index.Compact(); err != nil {
		t.Fatal("Failed to compact:", err)
	}
	after, err := index.Stats()
	if err != nil {
		t.Fatal("Failed to read stats:", err)
	}
	if after != before {
		t.Errorf("Expected compaction to change nothing, stats went %+v -> %+v", before, after)
	}
	for i := uint32(0); i < 10; i++ {
		utils.CheckLookup(t, index, i*hashSalt, utils.Ptr(i))
	}
	utils.CheckVerify(t, index)
}
