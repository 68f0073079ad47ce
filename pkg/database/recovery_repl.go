package database

import (
	"fmt"
	"strings"

	"hashdb/pkg/repl"
	"hashdb/pkg/wal"
)

// RecoveryRepl creates a REPL exposing the recovery manager's checkpoint
// command. Meant to be combined with the database REPL.
func RecoveryRepl(db *Database, rm *wal.RecoveryManager) *repl.REPL {
	r := repl.NewRepl()
	r.AddCommand("checkpoint", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleCheckpoint(db, rm, payload)
	}, "Flush all pages and snapshot the database. usage: checkpoint")
	return r
}

// HandleCheckpoint handles the checkpoint command.
func HandleCheckpoint(db *Database, rm *wal.RecoveryManager, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	if len(fields) != 1 {
		return "", fmt.Errorf("usage: checkpoint")
	}
	if err = rm.Checkpoint(db); err != nil {
		return "", err
	}
	return "checkpoint taken.\n", nil
}
