// Package database manages a folder of hash index files sharing one
// write-ahead log, and implements the recovery surface the log's replay
// machinery drives.
package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"hashdb/pkg/hash"
	"hashdb/pkg/wal"
)

// Database is a folder of hash indexes sharing one write-ahead log.
type Database struct {
	basepath string
	log      *wal.Writer
	vis      hash.Visibility
	mtx      sync.Mutex
	indexes  map[string]*hash.HashIndex
	// Unlogged replay handles, keyed by index name. Populated by Redo and
	// torn down by FinishRecovery before normal opens are allowed.
	recovering map[string]*hash.HashIndex
}

// Open opens a database backed by the given data folder, creating the folder
// if needed. All indexes created or opened through the database log to log;
// a nil log makes every index unlogged.
func Open(folder string, log *wal.Writer) (*Database, error) {
	if !strings.HasSuffix(folder, "/") {
		folder += "/"
	}
	err := os.MkdirAll(folder, 0775)
	if err != nil {
		return nil, err
	}
	return &Database{
		basepath:   folder,
		log:        log,
		indexes:    make(map[string]*hash.HashIndex),
		recovering: make(map[string]*hash.HashIndex),
	}, nil
}

// SetVisibility installs the transaction visibility collaborator handed to
// every index opened after the call.
func (db *Database) SetVisibility(vis hash.Visibility) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	db.vis = vis
}

// Close closes each open index, then the database.
func (db *Database) Close() (err error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	for _, idx := range db.indexes {
		curErr := idx.Close()
		if err == nil {
			err = curErr
		}
	}
	db.indexes = make(map[string]*hash.HashIndex)
	return err
}

// CreateIndex creates a new hash index with the given options. The options'
// log and visibility fields are overridden with the database's own.
func (db *Database) CreateIndex(name string, opts hash.Options) (*hash.HashIndex, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if len(db.recovering) > 0 {
		return nil, errors.New("database is still recovering")
	}
	// Ensure the index name is alphanumeric.
	alphanumeric, _ := regexp.Compile(`\W`)
	if alphanumeric.MatchString(name) {
		return nil, errors.New("index name must be alphanumeric")
	}
	path := filepath.Join(db.basepath, name)
	if _, err := os.Stat(path); err == nil {
		return nil, errors.New("index already exists")
	}
	opts.Log = db.log
	opts.Visibility = db.vis
	idx, err := hash.OpenIndex(path, opts)
	if err != nil {
		return nil, err
	}
	db.indexes[name] = idx
	return idx, nil
}

// GetIndex returns an index by name, either from the already-open set, or by
// opening its file from disk.
func (db *Database) GetIndex(name string) (*hash.HashIndex, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if len(db.recovering) > 0 {
		return nil, errors.New("database is still recovering")
	}
	if idx, ok := db.indexes[name]; ok {
		return idx, nil
	}
	path := filepath.Join(db.basepath, name)
	if _, err := os.Stat(path); err != nil {
		return nil, errors.New("index not found")
	}
	idx, err := hash.OpenIndex(path, hash.Options{Log: db.log, Visibility: db.vis})
	if err != nil {
		return nil, err
	}
	db.indexes[name] = idx
	return idx, nil
}

// IndexNames returns the names of every index in the data folder, open or
// not, in sorted order.
func (db *Database) IndexNames() ([]string, error) {
	entries, err := os.ReadDir(db.basepath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// FlushAll write-locks every open index's pager and flushes all dirty pages.
// Part of the [wal.Target] interface; called while checkpointing.
func (db *Database) FlushAll() {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	for _, idx := range db.indexes {
		p := idx.GetPager()
		p.LockAllPages()
		p.FlushAllPages()
		p.UnlockAllPages()
	}
	for _, idx := range db.recovering {
		p := idx.GetPager()
		p.LockAllPages()
		p.FlushAllPages()
		p.UnlockAllPages()
	}
}

// Redo re-applies one log record to the index it names, opening the index's
// file in recovery mode on first touch. Part of the [wal.Target] interface.
func (db *Database) Redo(rec wal.Record, lsn uint64) error {
	relation, ok := wal.RelationOf(rec)
	if !ok {
		return nil
	}
	idx, err := db.recoveryIndex(relation)
	if err != nil {
		return err
	}
	return idx.Redo(rec, lsn)
}

func (db *Database) recoveryIndex(name string) (*hash.HashIndex, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if len(db.indexes) > 0 {
		return nil, errors.New("cannot replay into a database already in use")
	}
	if idx, ok := db.recovering[name]; ok {
		return idx, nil
	}
	idx, err := hash.OpenForRecovery(filepath.Join(db.basepath, name))
	if err != nil {
		return nil, fmt.Errorf("error opening %s for recovery: %w", name, err)
	}
	db.recovering[name] = idx
	return idx, nil
}

// FinishRecovery flushes and closes every replay handle. Must be called
// after Replay and before the database serves requests, so that normal
// logged opens see the recovered files.
func (db *Database) FinishRecovery() (err error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	for _, idx := range db.recovering {
		idx.GetPager().FlushAllPages()
		curErr := idx.Close()
		if err == nil {
			err = curErr
		}
	}
	db.recovering = make(map[string]*hash.HashIndex)
	return err
}
