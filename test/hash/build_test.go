package hash_test

import (
	"math/rand"
	"testing"

	"hashdb/pkg/entry"
	"hashdb/pkg/hash"
	"hashdb/test/utils"
)

func TestHashBuild(t *testing.T) {
	t.Run("Small", testBuildSmall)
	t.Run("Presized", testBuildPresized)
	t.Run("Duplicates", testBuildDuplicates)
	t.Run("Abort", testBuildAbort)
}

// buildIndex bulk-loads numRows random items and returns the finished index
// plus the loaded mapping.
func buildIndex(t *testing.T, numRows int) (*hash.HashIndex, map[uint32]entry.ItemPointer) {
	t.Parallel()
	dbName := utils.GetTempDbFile(t)
	builder, err := hash.NewBuilder(dbName, uint64(numRows), hash.Options{})
	if err != nil {
		t.Fatal("Failed to create builder:", err)
	}

	toFind := make(map[uint32]entry.ItemPointer)
	for i := 0; len(toFind) < numRows; i++ {
		h := rand.Uint32()
		if _, taken := toFind[h]; taken {
			continue
		}
		toFind[h] = utils.Ptr(uint32(i))
		if err := builder.Add(h, toFind[h]); err != nil {
			t.Fatal("Failed to add a row to the builder:", err)
		}
	}
	index, err := builder.Finish()
	if err != nil {
		t.Fatal("Failed to finish the build:", err)
	}
	return index, toFind
}

// A small bulk build produces a searchable, structurally sound index.
func testBuildSmall(t *testing.T) {
	index, toFind := buildIndex(t, 1000)
	for h, ptr := range toFind {
		utils.CheckLookup(t, index, h, ptr)
	}
	utils.CheckVerify(t, index)
}

// A build sized for its row count never splits while loading: the bucket
// count is fixed up front from the estimate.
func testBuildPresized(t *testing.T) {
	numRows := 50000
	index, toFind := buildIndex(t, numRows)

	stats, err := index.Stats()
	if err != nil {
		t.Fatal("Failed to read index stats:", err)
	}
	if stats.NTuples != float64(numRows) {
		t.Errorf("Expected %d tuples after the build, found %.0f", numRows, stats.NTuples)
	}
	// The bucket count is the next power of two covering rows / ffactor.
	want := uint32(1)
	for want*uint32(stats.FFactor) < uint32(numRows) {
		want *= 2
	}
	if stats.MaxBucket != want-1 {
		t.Errorf("Expected %d buckets from the estimate, found %d", want, stats.MaxBucket+1)
	}
	for h, ptr := range toFind {
		utils.CheckLookup(t, index, h, ptr)
	}
	utils.CheckVerify(t, index)
}

// Duplicate hash codes survive a bulk build, in insertion-compatible order.
func testBuildDuplicates(t *testing.T) {
	t.Parallel()
	dbName := utils.GetTempDbFile(t)
	builder, err := hash.NewBuilder(dbName, 100, hash.Options{})
	if err != nil {
		t.Fatal("Failed to create builder:", err)
	}
	h := hashSalt
	expected := make([]entry.ItemPointer, 0, 50)
	for i := uint32(0); i < 50; i++ {
		ptr := utils.Ptr(i)
		expected = append(expected, ptr)
		if err := builder.Add(h, ptr); err != nil {
			t.Fatal("Failed to add a row to the builder:", err)
		}
	}
	index, err := builder.Finish()
	if err != nil {
		t.Fatal("Failed to finish the build:", err)
	}
	utils.CheckLookup(t, index, h, expected...)
	utils.CheckVerify(t, index)
}

// Aborting a build releases its resources; the file can be built again.
func testBuildAbort(t *testing.T) {
	t.Parallel()
	dbName := utils.GetTempDbFile(t)
	builder, err := hash.NewBuilder(dbName, 1000, hash.Options{})
	if err != nil {
		t.Fatal("Failed to create builder:", err)
	}
	for i := uint32(0); i < 500; i++ {
		if err := builder.Add(i, utils.Ptr(i)); err != nil {
			t.Fatal("Failed to add a row to the builder:", err)
		}
	}
	builder.Abort()
}
