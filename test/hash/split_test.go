package hash_test

import (
	"testing"

	"hashdb/pkg/hash"
	"hashdb/test/utils"
)

func TestHashSplit(t *testing.T) {
	t.Run("Growth", testSplitGrowth)
	t.Run("Routing", testSplitRouting)
	t.Run("MaskAdvance", testSplitMaskAdvance)
	t.Run("InitialBuckets", testInitialBuckets)
}

// A low fill factor forces splits early; the bucket count must grow and
// every item must stay findable.
func testSplitGrowth(t *testing.T) {
	index := setupHash(t, hash.Options{FillFactor: 2})

	numInserts := uint32(500)
	for i := uint32(0); i < numInserts; i++ {
		utils.InsertItem(t, index, i, utils.Ptr(i))
	}
	stats, err := index.Stats()
	if err != nil {
		t.Fatal("Failed to read index stats:", err)
	}
	if stats.MaxBucket == 0 {
		t.Error("Expected the index to have split at least once")
	}
	if stats.NTuples != float64(numInserts) {
		t.Errorf("Expected %d live tuples, found %.0f", numInserts, stats.NTuples)
	}
	for i := uint32(0); i < numInserts; i++ {
		utils.CheckLookup(t, index, i, utils.Ptr(i))
	}
	utils.CheckVerify(t, index)
}

// An adversarial workload that lands every item in bucket zero until the
// first split moves half of them to the new bucket. All items stay findable
// from both sides of the split pair.
func testSplitRouting(t *testing.T) {
	index := setupHash(t, hash.Options{FillFactor: 2})

	// Hash codes whose low bits alternate between 0 and 1 split cleanly
	// into buckets 0 and 1 once maxBucket reaches 1.
	numInserts := uint32(200)
	for i := uint32(0); i < numInserts; i++ {
		utils.InsertItem(t, index, i<<16|(i&1), utils.Ptr(i))
	}
	for i := uint32(0); i < numInserts; i++ {
		utils.CheckLookup(t, index, i<<16|(i&1), utils.Ptr(i))
	}
	utils.CheckVerify(t, index)
}

// Enough inserts to advance the splitpoint several times, exercising the
// mask doubling and the pre-extension of each new splitpoint's pages.
func testSplitMaskAdvance(t *testing.T) {
	index := setupHash(t, hash.Options{FillFactor: 2})

	numInserts := uint32(2000)
	for i := uint32(0); i < numInserts; i++ {
		utils.InsertItem(t, index, i*2654435761, utils.Ptr(i))
	}
	stats, err := index.Stats()
	if err != nil {
		t.Fatal("Failed to read index stats:", err)
	}
	if stats.OvflPoint < 4 {
		t.Errorf("Expected the splitpoint to advance past 4, found %d", stats.OvflPoint)
	}
	if stats.HighMask != 2*stats.LowMask+1 {
		t.Errorf("Mask invariant broken: highmask %#x, lowmask %#x", stats.HighMask, stats.LowMask)
	}
	for i := uint32(0); i < numInserts; i++ {
		utils.CheckLookup(t, index, i*2654435761, utils.Ptr(i))
	}
	utils.CheckVerify(t, index)
}

// An index created with a bucket count starts with that many buckets and
// never needs a split to absorb a matching load.
func testInitialBuckets(t *testing.T) {
	index := setupHash(t, hash.Options{NumBuckets: 64})

	stats, err := index.Stats()
	if err != nil {
		t.Fatal("Failed to read index stats:", err)
	}
	if stats.MaxBucket != 63 {
		t.Fatalf("Expected 64 initial buckets, found maxbucket %d", stats.MaxBucket)
	}
	numInserts := uint32(3000)
	for i := uint32(0); i < numInserts; i++ {
		utils.InsertItem(t, index, i, utils.Ptr(i))
	}
	after, err := index.Stats()
	if err != nil {
		t.Fatal("Failed to read index stats:", err)
	}
	if after.MaxBucket != 63 {
		t.Errorf("Expected no splits under the fill target, found maxbucket %d", after.MaxBucket)
	}
	utils.CheckVerify(t, index)
}
