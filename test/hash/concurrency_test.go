package hash_test

import (
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"hashdb/pkg/hash"
	"hashdb/test/utils"
)

func TestHashConcurrency(t *testing.T) {
	t.Run("Inserts", testConcurrentInserts)
	t.Run("InsertsAndLookups", testConcurrentInsertsAndLookups)
	t.Run("InsertsAndDeletes", testConcurrentInsertsAndDeletes)
}

// Concurrent writers hammering a small fill factor force overlapping splits;
// every item must land and the structure must verify.
func testConcurrentInserts(t *testing.T) {
	index := setupHash(t, hash.Options{FillFactor: 4})

	numWorkers := 8
	perWorker := uint32(1000)
	var g errgroup.Group
	for w := 0; w < numWorkers; w++ {
		base := uint32(w) * perWorker
		g.Go(func() error {
			for i := uint32(0); i < perWorker; i++ {
				if err := index.Insert(base+i, utils.Ptr(base+i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal("Concurrent insert failed:", err)
	}
	total := uint32(numWorkers) * perWorker
	for i := uint32(0); i < total; i++ {
		utils.CheckLookup(t, index, i, utils.Ptr(i))
	}
	utils.CheckVerify(t, index)
}

// Readers run against writers; a reader must always see either nothing or
// the fully inserted item, never a torn page.
func testConcurrentInsertsAndLookups(t *testing.T) {
	index := setupHash(t, hash.Options{FillFactor: 4})

	numInserts := uint32(4000)
	var inserted sync.Map
	var g errgroup.Group
	g.Go(func() error {
		for i := uint32(0); i < numInserts; i++ {
			if err := index.Insert(i, utils.Ptr(i)); err != nil {
				return err
			}
			inserted.Store(i, true)
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for i := uint32(0); i < numInserts; i++ {
				ptrs, err := index.Lookup(i)
				if err != nil {
					// Not inserted yet is fine; anything else is not.
					if _, ok := inserted.Load(i); !ok {
						continue
					}
					return err
				}
				for _, ptr := range ptrs {
					if ptr != utils.Ptr(i) {
						t.Errorf("Lookup of %d returned foreign row %d/%d", i, ptr.Block, ptr.Slot)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal("Concurrent workload failed:", err)
	}
	utils.CheckVerify(t, index)
}

// Writers and deleters interleave; afterwards exactly the undeleted items
// remain.
func testConcurrentInsertsAndDeletes(t *testing.T) {
	index := setupHash(t, hash.Options{FillFactor: 8})

	numInserts := uint32(2000)
	for i := uint32(0); i < numInserts; i++ {
		utils.InsertItem(t, index, i, utils.Ptr(i))
	}
	var g errgroup.Group
	// Delete the even half while inserting a second generation.
	g.Go(func() error {
		for i := uint32(0); i < numInserts; i += 2 {
			if _, err := index.MarkDead(i, utils.Ptr(i)); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := numInserts; i < 2*numInserts; i++ {
			if err := index.Insert(i, utils.Ptr(i)); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal("Concurrent workload failed:", err)
	}
	for i := uint32(0); i < numInserts; i++ {
		if i%2 == 0 {
			utils.CheckLookup(t, index, i)
		} else {
			utils.CheckLookup(t, index, i, utils.Ptr(i))
		}
	}
	for i := numInserts; i < 2*numInserts; i++ {
		utils.CheckLookup(t, index, i, utils.Ptr(i))
	}
	utils.CheckVerify(t, index)
}
