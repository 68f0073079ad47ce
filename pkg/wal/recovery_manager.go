package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/icza/backscanner"
	"github.com/otiai10/copy"
)

// Target is the database surface the recovery manager drives: flushing pages
// for a checkpoint and re-applying records during replay.
type Target interface {
	// FlushAll write-locks every pager and flushes all dirty pages.
	FlushAll()
	// Redo re-applies one record. Must be idempotent: implementations skip
	// pages whose LSN is already at or past the record's.
	Redo(rec Record, lsn uint64) error
}

// RecoveryManager owns the write-ahead log for a database folder: appending
// records during normal operation, snapshotting at checkpoints, and restoring
// plus replaying after a crash.
type RecoveryManager struct {
	baseDir string  // database folder holding the index files
	writer  *Writer // the append side of the log
	mtx     sync.Mutex
}

// recoveryDir returns the folder checkpoint snapshots live under.
func (rm *RecoveryManager) recoveryDir() string {
	return strings.TrimSuffix(filepath.Clean(rm.baseDir), "/") + "-recovery"
}

// NewRecoveryManager opens the log at logPath for the database folder at
// baseDir. The log must live outside baseDir so snapshots never capture it.
func NewRecoveryManager(baseDir string, logPath string) (*RecoveryManager, error) {
	if err := os.MkdirAll(baseDir, 0775); err != nil {
		return nil, err
	}
	writer, err := OpenWriter(logPath)
	if err != nil {
		return nil, err
	}
	return &RecoveryManager{baseDir: baseDir, writer: writer}, nil
}

// Writer returns the append side of the log, handed to each index.
func (rm *RecoveryManager) Writer() *Writer {
	return rm.writer
}

// Close closes the underlying log file.
func (rm *RecoveryManager) Close() error {
	return rm.writer.Close()
}

// Checkpoint flushes every page to disk, copies the database folder into a
// fresh snapshot named by a new uuid, and logs a checkpoint record carrying
// that id. Replay after a crash starts from the record.
func (rm *RecoveryManager) Checkpoint(target Target) error {
	rm.mtx.Lock()
	defer rm.mtx.Unlock()
	target.FlushAll()
	id := uuid.New()
	dst := filepath.Join(rm.recoveryDir(), id.String())
	if err := copy.Copy(rm.baseDir, dst); err != nil {
		return fmt.Errorf("error copying checkpoint snapshot: %w", err)
	}
	if _, err := rm.writer.Append(CheckpointRecord{ID: id}); err != nil {
		return err
	}
	// Snapshots before this one can no longer be recovered to.
	rm.pruneSnapshots(id)
	return nil
}

// pruneSnapshots removes every snapshot other than the one just taken.
func (rm *RecoveryManager) pruneSnapshots(keep uuid.UUID) {
	entries, err := os.ReadDir(rm.recoveryDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Name() != keep.String() {
			os.RemoveAll(filepath.Join(rm.recoveryDir(), e.Name()))
		}
	}
}

// lastCheckpoint scans the log backwards for the most recent checkpoint
// record. Returns the snapshot id and the byte offset replay should start
// from (just past the checkpoint line), or found=false if the log holds no
// checkpoint.
func (rm *RecoveryManager) lastCheckpoint() (id uuid.UUID, replayFrom int64, found bool, err error) {
	info, err := rm.writer.File().Stat()
	if err != nil {
		return uuid.Nil, 0, false, err
	}
	scanner := backscanner.New(rm.writer.File(), int(info.Size()))
	for {
		line, pos, err := scanner.Line()
		if err != nil {
			if err == io.EOF {
				return uuid.Nil, 0, false, nil
			}
			return uuid.Nil, 0, false, err
		}
		if !strings.Contains(line, KindCheckpoint) {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			// A checkpoint record torn by a crash mid-append never took
			// effect; keep scanning for the one before it.
			continue
		}
		ckpt, ok := rec.(CheckpointRecord)
		if !ok {
			continue
		}
		return ckpt.ID, int64(pos) + int64(len(line)) + 1, true, nil
	}
}

// Prime prepares the database folder for opening after a crash: if the log
// holds a checkpoint, the matching snapshot replaces the folder's contents.
// Returns the offset Replay should start from. Must be called before the
// database (and its pagers) is opened.
func (rm *RecoveryManager) Prime() (replayFrom int64, err error) {
	id, replayFrom, found, err := rm.lastCheckpoint()
	if err != nil {
		return 0, err
	}
	if !found {
		// No checkpoint: whatever is on disk plus a full replay from the
		// start of the log reconstructs the database.
		return 0, nil
	}
	snapshot := filepath.Join(rm.recoveryDir(), id.String())
	if _, err := os.Stat(snapshot); err != nil {
		return 0, fmt.Errorf("checkpoint snapshot %s missing: %w", id, err)
	}
	if err := os.RemoveAll(rm.baseDir); err != nil {
		return 0, err
	}
	if err := copy.Copy(snapshot, rm.baseDir); err != nil {
		return 0, fmt.Errorf("error restoring checkpoint snapshot: %w", err)
	}
	return replayFrom, nil
}

// Replay re-applies every record at or after the given log offset.
func (rm *RecoveryManager) Replay(from int64, target Target) error {
	if _, err := rm.writer.File().Seek(from, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(rm.writer.File())
	lsn := from
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			rec, perr := ParseRecord(line)
			if perr != nil {
				if err == io.EOF {
					// A crash mid-append leaves a torn final line. Nothing
					// it covered ever hit the index files, so replay ends
					// here and the tail is cut off before new appends.
					return rm.writer.TruncateAt(lsn)
				}
				return fmt.Errorf("error at log offset %d: %w", lsn, perr)
			}
			if _, isCkpt := rec.(CheckpointRecord); !isCkpt {
				if rerr := target.Redo(rec, uint64(lsn)); rerr != nil {
					return fmt.Errorf("error redoing a %s record: %w", rec.Kind(), rerr)
				}
			}
			lsn += int64(len(line))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
