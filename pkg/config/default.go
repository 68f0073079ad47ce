// Global database config.
package config

// Name of the database.
const DBName = "hashdb"

// Prompt printed by REPL.
const Prompt = DBName + "> "

// The maximum number of pages that can be in the pager's buffer at once.
const MaxPagesInBuffer = 64

// Name of log file.
const LogFileName = "db.log"

// Name of the directory that checkpoint snapshots are copied into.
const SnapshotDirName = "snapshots"

// DefaultFillFactor is the target number of live items per bucket.
// An insert that pushes the per-bucket average above it triggers a split.
const DefaultFillFactor = 300

// Bounds accepted for a fill factor supplied at index creation.
const (
	MinFillFactor = 1
	MaxFillFactor = 1000
)

// Return prompt if requested, else "".
func GetPrompt(flag bool) string {
	if flag {
		return Prompt
	}
	return ""
}
