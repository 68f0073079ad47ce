package utils

import (
	"errors"
	"math/rand"
	"os"
	"testing"

	"hashdb/pkg/entry"
	"hashdb/pkg/hash"
)

// Mod vals by this value to prevent hardcoding tests
// + 1 is necessary because rand.Int63n(_) can return 0
var Salt = uint32(rand.Int63n(1000) + 1)

// GetTempDbFile creates a random file in the OS's temporary directory to be
// used for testing, returning the file's name. Once the test is done running,
// the file is deleted.
func GetTempDbFile(t *testing.T) string {
	tmpfile, err := os.CreateTemp("", "*.db")
	if err != nil {
		t.Fatal(err)
	}

	// Since os.CreateTemp automatically opens the file, we need to close it
	_ = tmpfile.Close()
	// The pager only accepts files whose size is a multiple of the pagesize;
	// an empty file triggers index creation.
	_ = os.Remove(tmpfile.Name())

	EnsureCleanup(t, func() {
		_ = os.Remove(tmpfile.Name())
	})
	return tmpfile.Name()
}

// Ptr builds the row pointer tests index under key i.
func Ptr(i uint32) entry.ItemPointer {
	return entry.ItemPointer{Block: i, Slot: uint16(i % 7)}
}

// InsertItem tries to insert an item under the given hash code into the
// specified index, erroring the test if the operation fails.
func InsertItem(t *testing.T, index *hash.HashIndex, h uint32, ptr entry.ItemPointer) {
	t.Helper()
	err := index.Insert(h, ptr)
	if err != nil {
		t.Errorf("Failed to insert (%#x -> %d/%d) into the index: %s", h, ptr.Block, ptr.Slot, err)
	}
}

// CheckLookup verifies that exactly the expected row pointers are indexed
// under the given hash code, erroring the test otherwise.
func CheckLookup(t *testing.T, index *hash.HashIndex, h uint32, expected ...entry.ItemPointer) {
	t.Helper()
	ptrs, err := index.Lookup(h)
	if err != nil {
		if len(expected) == 0 && errors.Is(err, hash.ErrKeyNotFound) {
			return
		}
		t.Errorf("Failed to look up hash %#x: %s", h, err)
		return
	}
	if len(ptrs) != len(expected) {
		t.Errorf("Expected %d row(s) under hash %#x, but found %d", len(expected), h, len(ptrs))
		return
	}
	found := make(map[entry.ItemPointer]int)
	for _, ptr := range ptrs {
		found[ptr]++
	}
	for _, ptr := range expected {
		if found[ptr] == 0 {
			t.Errorf("Expected row %d/%d under hash %#x, but didn't find it", ptr.Block, ptr.Slot, h)
			return
		}
		found[ptr]--
	}
}

// CheckVerify runs the index's structural invariant checks, erroring the
// test if any fail.
func CheckVerify(t *testing.T, index *hash.HashIndex) {
	t.Helper()
	if err := index.Verify(); err != nil {
		t.Errorf("Index verification failed: %s", err)
	}
}

// EnsureCleanup guarantees that the specified cleanup function runs
// after the test finishes, even if the test panics or calls t.Fatal.
func EnsureCleanup(t *testing.T, cleanupFunc func()) {
	t.Cleanup(cleanupFunc)
}
