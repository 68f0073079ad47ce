package hash_test

import (
	"errors"
	"math/rand"
	"testing"

	"hashdb/pkg/entry"
	"hashdb/pkg/hash"
	"hashdb/test/utils"
)

// =====================================================================
// HELPERS
// =====================================================================

// Mod vals by this value to prevent hardcoding tests
var hashSalt = utils.Salt

// setupHash creates and opens an empty HashIndex with the given options.
func setupHash(t *testing.T, opts hash.Options) *hash.HashIndex {
	t.Parallel()
	dbName := utils.GetTempDbFile(t)
	index, err := hash.OpenIndex(dbName, opts)
	if err != nil {
		t.Fatal("Failed to create hash index:", err)
	}
	return index
}

// closeAndReopen closes and reopens the specified HashIndex,
// which should trigger writing/reading its data from disk.
func closeAndReopen(t *testing.T, index *hash.HashIndex) *hash.HashIndex {
	err := index.Close()
	if err != nil {
		t.Fatal("Failed to close hash index:", err)
	}

	reopenedIndex, err := hash.OpenIndex(index.GetPager().GetFileName(), hash.Options{})
	if err != nil {
		t.Fatal("Failed to reopen hash index:", err)
	}
	return reopenedIndex
}

// =====================================================================
// TESTS
// =====================================================================

func TestHashInsert(t *testing.T) {
	t.Run("Ascending", testInsertAscending)
	t.Run("Random", testInsertRandom)
	t.Run("Duplicates", testInsertDuplicates)
	t.Run("Persistence", testInsertPersistence)
	t.Run("Missing", testLookupMissing)
	t.Run("SentinelHashes", testSentinelHashes)
	t.Run("Select", testSelect)
}

// Inserts ascending hash codes and finds them all again.
func testInsertAscending(t *testing.T) {
	index := setupHash(t, hash.Options{})

	numInserts := uint32(5000)
	for i := uint32(0); i < numInserts; i++ {
		utils.InsertItem(t, index, i*hashSalt, utils.Ptr(i))
	}
	for i := uint32(0); i < numInserts; i++ {
		utils.CheckLookup(t, index, i*hashSalt, utils.Ptr(i))
	}
	utils.CheckVerify(t, index)
}

// Inserts random hash codes and finds them all again.
func testInsertRandom(t *testing.T) {
	index := setupHash(t, hash.Options{})

	numInserts := 5000
	toFind := make(map[uint32]entry.ItemPointer)
	for i := 0; len(toFind) < numInserts; i++ {
		h := rand.Uint32()
		if _, taken := toFind[h]; taken {
			continue
		}
		toFind[h] = utils.Ptr(uint32(i))
		utils.InsertItem(t, index, h, toFind[h])
	}
	for h, ptr := range toFind {
		utils.CheckLookup(t, index, h, ptr)
	}
	utils.CheckVerify(t, index)
}

// Inserts several rows under one hash code; a lookup returns all of them.
func testInsertDuplicates(t *testing.T) {
	index := setupHash(t, hash.Options{})

	h := hashSalt
	expected := make([]entry.ItemPointer, 0, 20)
	for i := uint32(0); i < 20; i++ {
		ptr := utils.Ptr(i)
		expected = append(expected, ptr)
		utils.InsertItem(t, index, h, ptr)
	}
	utils.CheckLookup(t, index, h, expected...)
	utils.CheckVerify(t, index)
}

// Inserted items survive a close and reopen.
func testInsertPersistence(t *testing.T) {
	index := setupHash(t, hash.Options{})

	numInserts := uint32(2000)
	for i := uint32(0); i < numInserts; i++ {
		utils.InsertItem(t, index, i, utils.Ptr(i))
	}
	index = closeAndReopen(t, index)
	for i := uint32(0); i < numInserts; i++ {
		utils.CheckLookup(t, index, i, utils.Ptr(i))
	}
	utils.CheckVerify(t, index)
}

// Select walks every bucket and returns exactly the live items.
func testSelect(t *testing.T) {
	index := setupHash(t, hash.Options{FillFactor: 8})

	// Empty index: no items, no error.
	items, err := index.Select()
	if err != nil {
		t.Fatal("Select on an empty index errored:", err)
	}
	if len(items) != 0 {
		t.Fatalf("Select on an empty index returned %d items", len(items))
	}

	numInserts := uint32(1000)
	for i := uint32(0); i < numInserts; i++ {
		utils.InsertItem(t, index, i, utils.Ptr(i))
	}
	items, err = index.Select()
	if err != nil {
		t.Fatal("Select failed:", err)
	}
	if len(items) != int(numInserts) {
		t.Fatalf("Select returned %d items, want %d", len(items), numInserts)
	}
	seen := make(map[uint32]bool)
	for _, item := range items {
		if seen[item.Hash] {
			t.Fatalf("Select returned hash %#x twice", item.Hash)
		}
		seen[item.Hash] = true
		if item.Ptr != utils.Ptr(item.Hash) {
			t.Fatalf("Select returned wrong row for hash %#x", item.Hash)
		}
	}
	utils.CheckVerify(t, index)
}

// Hash codes are data, not addresses: values that happen to collide with
// on-disk sentinels (0, 0xFFFFFFFF) index and look up like any other.
func testSentinelHashes(t *testing.T) {
	index := setupHash(t, hash.Options{})

	sentinels := []uint32{0, 0xFFFFFFFF, 0xFFFF, 0x7FFFFFFF}
	for i, h := range sentinels {
		utils.InsertItem(t, index, h, utils.Ptr(uint32(i)))
	}
	for i, h := range sentinels {
		utils.CheckLookup(t, index, h, utils.Ptr(uint32(i)))
	}
	utils.CheckVerify(t, index)
}

// Looking up a hash code that was never inserted errors with ErrKeyNotFound.
func testLookupMissing(t *testing.T) {
	index := setupHash(t, hash.Options{})

	for i := uint32(0); i < 100; i++ {
		utils.InsertItem(t, index, 2*i, utils.Ptr(i))
	}
	_, err := index.Lookup(1)
	if !errors.Is(err, hash.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound for a missing hash, got %v", err)
	}
}
