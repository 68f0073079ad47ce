package wal

import (
	"fmt"
	"os"
	"sync"
)

// Writer appends records to the log file. Every append is synced before it
// returns, so a record's LSN is durable before any page it covers can be
// flushed in dirty state.
type Writer struct {
	file *os.File
	pos  int64      // byte offset where the next record will land
	mtx  sync.Mutex // serializes appends so LSNs are assigned in file order
}

// OpenWriter opens (creating if needed) the log file for appending.
func OpenWriter(logPath string) (*Writer, error) {
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Writer{file: file, pos: info.Size()}, nil
}

// Append serializes the record, appends it to the log and syncs. Returns the
// record's LSN: the byte offset its line starts at.
func (w *Writer) Append(rec Record) (lsn uint64, err error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	lsn = uint64(w.pos)
	n, err := w.file.WriteString(rec.String())
	if err != nil {
		return 0, fmt.Errorf("error appending a %s record: %w", rec.Kind(), err)
	}
	w.pos += int64(n)
	if err = w.file.Sync(); err != nil {
		return 0, fmt.Errorf("error syncing the log: %w", err)
	}
	return lsn, nil
}

// TruncateAt cuts the log at the given offset, discarding a record torn by
// a crash mid-append. Later appends land at the new end.
func (w *Writer) TruncateAt(pos int64) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if err := w.file.Truncate(pos); err != nil {
		return err
	}
	w.pos = pos
	return nil
}

// Pos returns the offset the next record would be appended at.
func (w *Writer) Pos() int64 {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.pos
}

// File exposes the underlying log file for recovery-time scans.
func (w *Writer) File() *os.File {
	return w.file
}

// Close closes the log file.
func (w *Writer) Close() error {
	return w.file.Close()
}
