package hash_test

import (
	"testing"

	"hashdb/pkg/entry"
	"hashdb/pkg/hash"
	"hashdb/test/utils"
)

// horizonRecorder is a Visibility stub that remembers the pointers it was
// asked about and reports a fixed horizon.
type horizonRecorder struct {
	horizon uint32
	asked   int
}

func (v *horizonRecorder) LatestRemovedXid(ptrs []entry.ItemPointer) uint32 {
	v.asked += len(ptrs)
	return v.horizon
}

func TestHashVacuum(t *testing.T) {
	t.Run("MarkDead", testMarkDead)
	t.Run("SpaceReuse", testVacuumSpaceReuse)
	t.Run("Horizon", testVacuumHorizon)
}

// Marked items vanish from lookups; unmarked neighbors sharing the hash
// code survive.
func testMarkDead(t *testing.T) {
	index := setupHash(t, hash.Options{})

	h := hashSalt
	keep := utils.Ptr(1)
	drop := utils.Ptr(2)
	utils.InsertItem(t, index, h, keep)
	utils.InsertItem(t, index, h, drop)

	n, err := index.MarkDead(h, drop)
	if err != nil {
		t.Fatal("Failed to mark item dead:", err)
	}
	if n != 1 {
		t.Errorf("Expected to mark 1 item dead, marked %d", n)
	}
	utils.CheckLookup(t, index, h, keep)

	// Marking an absent pointer is a no-op.
	n, err = index.MarkDead(h, utils.Ptr(99))
	if err != nil {
		t.Fatal("Failed to run a no-op mark:", err)
	}
	if n != 0 {
		t.Errorf("Expected a no-op mark, marked %d", n)
	}
	utils.CheckVerify(t, index)
}

// Filling one bucket, killing everything in it, and filling it again must
// reuse the dead items' space instead of growing the chain without bound.
func testVacuumSpaceReuse(t *testing.T) {
	index := setupHash(t, hash.Options{NumBuckets: 1, FillFactor: 1000})

	// All hash codes land in bucket 0 while the index has a single bucket
	// and the fill factor keeps it from splitting.
	rounds := 5
	perRound := uint32(700)
	for r := 0; r < rounds; r++ {
		for i := uint32(0); i < perRound; i++ {
			utils.InsertItem(t, index, i, utils.Ptr(i))
		}
		for i := uint32(0); i < perRound; i++ {
			if _, err := index.MarkDead(i, utils.Ptr(i)); err != nil {
				t.Fatal("Failed to mark item dead:", err)
			}
		}
	}
	stats, err := index.Stats()
	if err != nil {
		t.Fatal("Failed to read index stats:", err)
	}
	// A single round's items fit in a handful of pages. Were dead space
	// never reclaimed, five rounds would need five times that.
	if stats.FirstFree > 8 {
		t.Errorf("Expected dead item space to be reused, but %d overflow pages were allocated", stats.FirstFree)
	}
	utils.CheckVerify(t, index)
}

// Page vacuum consults the visibility collaborator for the horizon of the
// pointers it reclaims.
func testVacuumHorizon(t *testing.T) {
	vis := &horizonRecorder{horizon: 42}
	index := setupHash(t, hash.Options{NumBuckets: 1, FillFactor: 1000, Visibility: vis})

	// Fill the primary page, kill everything, then insert until the dead
	// items must be vacuumed to make room.
	numInserts := uint32(1500)
	for i := uint32(0); i < numInserts; i++ {
		utils.InsertItem(t, index, i, utils.Ptr(i))
	}
	for i := uint32(0); i < numInserts; i++ {
		if _, err := index.MarkDead(i, utils.Ptr(i)); err != nil {
			t.Fatal("Failed to mark item dead:", err)
		}
	}
	for i := uint32(0); i < numInserts; i++ {
		utils.InsertItem(t, index, numInserts+i, utils.Ptr(i))
	}
	if vis.asked == 0 {
		t.Error("Expected page vacuum to ask the visibility collaborator for a horizon")
	}
	utils.CheckVerify(t, index)
}
