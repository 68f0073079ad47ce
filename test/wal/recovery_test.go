package wal_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hashdb/pkg/database"
	"hashdb/pkg/entry"
	"hashdb/pkg/hash"
	"hashdb/pkg/wal"
	"hashdb/test/utils"
)

// =====================================================================
// HELPERS
// =====================================================================

// testDirs returns a fresh data folder and log path, with the log outside
// the data folder so checkpoint snapshots never capture it.
func testDirs(t *testing.T) (dataDir string, logPath string) {
	t.Parallel()
	dir := t.TempDir()
	return filepath.Join(dir, "data"), filepath.Join(dir, "db.log")
}

// openLogged opens a recovery manager and a database logging through it,
// running Prime and Replay first as the server does.
func openLogged(t *testing.T, dataDir, logPath string) (*wal.RecoveryManager, *database.Database) {
	t.Helper()
	rm, err := wal.NewRecoveryManager(dataDir, logPath)
	if err != nil {
		t.Fatal("Failed to open recovery manager:", err)
	}
	replayFrom, err := rm.Prime()
	if err != nil {
		t.Fatal("Failed to prime the data folder:", err)
	}
	db, err := database.Open(dataDir, rm.Writer())
	if err != nil {
		t.Fatal("Failed to open database:", err)
	}
	if err := rm.Replay(replayFrom, db); err != nil {
		t.Fatal("Failed to replay the log:", err)
	}
	if err := db.FinishRecovery(); err != nil {
		t.Fatal("Failed to finish recovery:", err)
	}
	return rm, db
}

// crash simulates losing everything but the log: the database is abandoned
// without a clean close and the data folder is deleted.
func crash(t *testing.T, rm *wal.RecoveryManager, dataDir string) {
	t.Helper()
	if err := rm.Close(); err != nil {
		t.Fatal("Failed to close the log:", err)
	}
	if err := os.RemoveAll(dataDir); err != nil {
		t.Fatal("Failed to remove the data folder:", err)
	}
}

// =====================================================================
// TESTS
// =====================================================================

func TestRecovery(t *testing.T) {
	t.Run("ReplayFromEmpty", testReplayFromEmpty)
	t.Run("ReplayPresized", testReplayPresized)
	t.Run("Checkpoint", testCheckpointAndReplay)
	t.Run("TruncatedSplit", testTruncatedSplit)
	t.Run("TornTail", testTornTail)
}

// With no checkpoint, a full replay from the start of the log rebuilds the
// index files from nothing.
func testReplayFromEmpty(t *testing.T) {
	dataDir, logPath := testDirs(t)
	rm, db := openLogged(t, dataDir, logPath)

	index, err := db.CreateIndex("t", hash.Options{FillFactor: 4})
	if err != nil {
		t.Fatal("Failed to create index:", err)
	}
	numInserts := uint32(500)
	for i := uint32(0); i < numInserts; i++ {
		utils.InsertItem(t, index, i, utils.Ptr(i))
	}

	crash(t, rm, dataDir)

	_, db = openLogged(t, dataDir, logPath)
	index, err = db.GetIndex("t")
	if err != nil {
		t.Fatal("Failed to open recovered index:", err)
	}
	for i := uint32(0); i < numInserts; i++ {
		utils.CheckLookup(t, index, i, utils.Ptr(i))
	}
	utils.CheckVerify(t, index)
}

// An index created with several initial buckets replays the same way: the
// metapage record covers the whole initial page layout, pre-extended pages
// included.
func testReplayPresized(t *testing.T) {
	dataDir, logPath := testDirs(t)
	rm, db := openLogged(t, dataDir, logPath)

	index, err := db.CreateIndex("t", hash.Options{FillFactor: 4, NumBuckets: 8})
	if err != nil {
		t.Fatal("Failed to create index:", err)
	}
	numInserts := uint32(200)
	for i := uint32(0); i < numInserts; i++ {
		utils.InsertItem(t, index, i, utils.Ptr(i))
	}

	crash(t, rm, dataDir)

	_, db = openLogged(t, dataDir, logPath)
	index, err = db.GetIndex("t")
	if err != nil {
		t.Fatal("Failed to open recovered index:", err)
	}
	for i := uint32(0); i < numInserts; i++ {
		utils.CheckLookup(t, index, i, utils.Ptr(i))
	}
	utils.CheckVerify(t, index)
}

// A checkpoint snapshot plus the log tail recovers everything written both
// before and after the checkpoint.
func testCheckpointAndReplay(t *testing.T) {
	dataDir, logPath := testDirs(t)
	rm, db := openLogged(t, dataDir, logPath)

	index, err := db.CreateIndex("t", hash.Options{FillFactor: 4})
	if err != nil {
		t.Fatal("Failed to create index:", err)
	}
	before := uint32(300)
	for i := uint32(0); i < before; i++ {
		utils.InsertItem(t, index, i, utils.Ptr(i))
	}
	if err := rm.Checkpoint(db); err != nil {
		t.Fatal("Failed to checkpoint:", err)
	}
	after := uint32(300)
	for i := uint32(0); i < after; i++ {
		utils.InsertItem(t, index, before+i, utils.Ptr(before+i))
	}

	crash(t, rm, dataDir)

	_, db = openLogged(t, dataDir, logPath)
	index, err = db.GetIndex("t")
	if err != nil {
		t.Fatal("Failed to open recovered index:", err)
	}
	for i := uint32(0); i < before+after; i++ {
		utils.CheckLookup(t, index, i, utils.Ptr(i))
	}
	utils.CheckVerify(t, index)
}

// A crash right after a split's allocation record leaves the split pair
// flagged mid-split. Replay reconstructs that state, the index still opens
// and verifies, and later inserts drive the split to completion.
func testTruncatedSplit(t *testing.T) {
	dataDir, logPath := testDirs(t)
	rm, db := openLogged(t, dataDir, logPath)

	index, err := db.CreateIndex("t", hash.Options{FillFactor: 2})
	if err != nil {
		t.Fatal("Failed to create index:", err)
	}
	for i := uint32(0); i < 200; i++ {
		utils.InsertItem(t, index, i, utils.Ptr(i))
	}

	crash(t, rm, dataDir)

	// Cut the log immediately after the last split allocation record, as if
	// the crash hit mid-migration.
	logBytes, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal("Failed to read the log:", err)
	}
	at := bytes.LastIndex(logBytes, []byte(wal.KindSplitAllocate))
	if at == -1 {
		t.Fatal("Expected the workload to have logged a split")
	}
	end := bytes.IndexByte(logBytes[at:], '\n')
	if end == -1 {
		t.Fatal("Malformed log: unterminated record")
	}
	if err := os.Truncate(logPath, int64(at+end+1)); err != nil {
		t.Fatal("Failed to truncate the log:", err)
	}

	// Every item whose insert record survived the cut must be reachable the
	// moment the index reopens, even though the last split never finished:
	// the first operation touching the flagged pair drives it to completion.
	replayed := make(map[uint32]bool)
	logBytes, err = os.ReadFile(logPath)
	if err != nil {
		t.Fatal("Failed to re-read the log:", err)
	}
	for _, line := range strings.Split(string(logBytes), "\n") {
		if line == "" {
			continue
		}
		rec, err := wal.ParseRecord(line)
		if err != nil {
			t.Fatal("Failed to parse a log record:", err)
		}
		if ins, ok := rec.(wal.InsertRecord); ok {
			replayed[entry.Unmarshal(ins.Item).Hash] = true
		}
	}

	_, db = openLogged(t, dataDir, logPath)
	index, err = db.GetIndex("t")
	if err != nil {
		t.Fatal("Failed to open recovered index:", err)
	}
	utils.CheckVerify(t, index)
	for i := uint32(0); i < 200; i++ {
		if replayed[i] {
			utils.CheckLookup(t, index, i, utils.Ptr(i))
		} else {
			utils.CheckLookup(t, index, i)
		}
	}
	utils.CheckVerify(t, index)

	// New traffic keeps the index consistent after the helped completion.
	for i := uint32(1000); i < 1400; i++ {
		utils.InsertItem(t, index, i, utils.Ptr(i))
	}
	utils.CheckVerify(t, index)
}

// A crash can tear the final append mid-line. Replay ends at the torn tail
// and cuts it off, so the index opens with everything the complete records
// cover and the log stays appendable.
func testTornTail(t *testing.T) {
	dataDir, logPath := testDirs(t)
	rm, db := openLogged(t, dataDir, logPath)

	// The default fill factor keeps this workload split-free, so the log's
	// final record is exactly the last insert.
	index, err := db.CreateIndex("t", hash.Options{})
	if err != nil {
		t.Fatal("Failed to create index:", err)
	}
	numInserts := uint32(50)
	for i := uint32(0); i < numInserts; i++ {
		utils.InsertItem(t, index, i, utils.Ptr(i))
	}

	crash(t, rm, dataDir)

	// Tear the last record: cut a few bytes off the log, newline included.
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal("Failed to stat the log:", err)
	}
	if err := os.Truncate(logPath, info.Size()-7); err != nil {
		t.Fatal("Failed to tear the log:", err)
	}

	rm, db = openLogged(t, dataDir, logPath)
	index, err = db.GetIndex("t")
	if err != nil {
		t.Fatal("Failed to open recovered index:", err)
	}
	// The torn record was the last insert; everything before it survives.
	for i := uint32(0); i < numInserts-1; i++ {
		utils.CheckLookup(t, index, i, utils.Ptr(i))
	}
	utils.CheckLookup(t, index, numInserts-1)
	utils.CheckVerify(t, index)

	// The cut log takes new appends and replays cleanly once more.
	utils.InsertItem(t, index, 1000, utils.Ptr(1000))
	crash(t, rm, dataDir)
	_, db = openLogged(t, dataDir, logPath)
	index, err = db.GetIndex("t")
	if err != nil {
		t.Fatal("Failed to open recovered index:", err)
	}
	utils.CheckLookup(t, index, 1000, utils.Ptr(1000))
	utils.CheckVerify(t, index)
}
