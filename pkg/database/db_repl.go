package database

import (
	"fmt"
	"strconv"
	"strings"

	"hashdb/pkg/entry"
	"hashdb/pkg/hash"
	"hashdb/pkg/repl"
)

// DatabaseRepl creates a REPL exposing the database's indexes.
func DatabaseRepl(db *Database) *repl.REPL {
	r := repl.NewRepl()
	r.AddCommand("create", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleCreateIndex(db, payload)
	}, "Create a hash index. usage: create index <index>")

	r.AddCommand("find", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleFind(db, payload)
	}, "Find the rows indexed under a key. usage: find <key> from <index>")

	r.AddCommand("insert", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandleInsert(db, payload)
	}, "Index a key's row. usage: insert <key> <block> <slot> into <index>")

	r.AddCommand("delete", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleDelete(db, payload)
	}, "Mark a key's row dead. usage: delete <key> <block> <slot> from <index>")

	r.AddCommand("select", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleSelect(db, payload)
	}, "Select all items from an index. usage: select from <index>")

	r.AddCommand("stats", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleStats(db, payload)
	}, "Print an index's metapage counters. usage: stats <index>")

	r.AddCommand("verify", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleVerify(db, payload)
	}, "Check an index's structural invariants. usage: verify <index>")

	r.AddCommand("compact", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleCompact(db, payload)
	}, "Reclaim dead items and squeeze overflow chains. usage: compact <index>")

	r.AddCommand("pretty", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandlePretty(db, payload)
	}, "Print out the internal data representation. usage: pretty <optional pagenumber> from <index>")

	return r
}

// HandleCreateIndex handles the create command.
func HandleCreateIndex(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: create index <index>
	if len(fields) != 3 || fields[1] != "index" {
		return "", fmt.Errorf("usage: create index <index>")
	}
	indexName := fields[2]
	_, err = d.CreateIndex(indexName, hash.Options{})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("index %s created.\n", indexName), nil
}

// HandleFind handles the find command.
func HandleFind(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: find <key> from <index>
	if len(fields) != 4 || fields[2] != "from" {
		return "", fmt.Errorf("usage: find <key> from <index>")
	}
	indexName := fields[3]
	idx, err := d.GetIndex(indexName)
	if err != nil {
		return "", fmt.Errorf("find error: %v", err)
	}
	ptrs, err := idx.LookupKey([]byte(fields[1]))
	if err != nil {
		return "", fmt.Errorf("find error: %v", err)
	}
	w := new(strings.Builder)
	for _, ptr := range ptrs {
		fmt.Fprintf(w, "found row: (%d, %d)\n", ptr.Block, ptr.Slot)
	}
	return w.String(), nil
}

// HandleInsert handles the insert command.
func HandleInsert(d *Database, payload string) (err error) {
	fields := strings.Fields(payload)
	// Usage: insert <key> <block> <slot> into <index>
	var block, slot int
	if len(fields) != 6 || fields[4] != "into" {
		return fmt.Errorf("usage: insert <key> <block> <slot> into <index>")
	}
	if block, err = strconv.Atoi(fields[2]); err != nil {
		return fmt.Errorf("insert error: %v", err)
	}
	if slot, err = strconv.Atoi(fields[3]); err != nil {
		return fmt.Errorf("insert error: %v", err)
	}
	indexName := fields[5]
	idx, err := d.GetIndex(indexName)
	if err != nil {
		return fmt.Errorf("insert error: %v", err)
	}
	ptr := entry.ItemPointer{Block: uint32(block), Slot: uint16(slot)}
	if err = idx.InsertKey([]byte(fields[1]), ptr); err != nil {
		return fmt.Errorf("insert error: %v", err)
	}
	return nil
}

// HandleDelete handles the delete command.
func HandleDelete(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: delete <key> <block> <slot> from <index>
	var block, slot int
	if len(fields) != 6 || fields[4] != "from" {
		return "", fmt.Errorf("usage: delete <key> <block> <slot> from <index>")
	}
	if block, err = strconv.Atoi(fields[2]); err != nil {
		return "", fmt.Errorf("delete error: %v", err)
	}
	if slot, err = strconv.Atoi(fields[3]); err != nil {
		return "", fmt.Errorf("delete error: %v", err)
	}
	indexName := fields[5]
	idx, err := d.GetIndex(indexName)
	if err != nil {
		return "", fmt.Errorf("delete error: %v", err)
	}
	ptr := entry.ItemPointer{Block: uint32(block), Slot: uint16(slot)}
	n, err := idx.MarkDead(idx.Hash([]byte(fields[1])), ptr)
	if err != nil {
		return "", fmt.Errorf("delete error: %v", err)
	}
	return fmt.Sprintf("marked %d item(s) dead.\n", n), nil
}

// HandleSelect handles the select command.
func HandleSelect(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: select from <index>
	if len(fields) != 3 || fields[1] != "from" {
		return "", fmt.Errorf("usage: select from <index>")
	}
	indexName := fields[2]
	idx, err := d.GetIndex(indexName)
	if err != nil {
		return "", fmt.Errorf("select error: %v", err)
	}
	items, err := idx.Select()
	if err != nil {
		return "", fmt.Errorf("select error: %v", err)
	}
	w := new(strings.Builder)
	for _, item := range items {
		fmt.Fprintf(w, "(%#08x, %d/%d)\n", item.Hash, item.Ptr.Block, item.Ptr.Slot)
	}
	return w.String(), nil
}

// HandleStats handles the stats command.
func HandleStats(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: stats <index>
	if len(fields) != 2 {
		return "", fmt.Errorf("usage: stats <index>")
	}
	idx, err := d.GetIndex(fields[1])
	if err != nil {
		return "", fmt.Errorf("stats error: %v", err)
	}
	stats, err := idx.Stats()
	if err != nil {
		return "", fmt.Errorf("stats error: %v", err)
	}
	w := new(strings.Builder)
	fmt.Fprintf(w, "ntuples: %.0f\n", stats.NTuples)
	fmt.Fprintf(w, "ffactor: %d\n", stats.FFactor)
	fmt.Fprintf(w, "maxbucket: %d\n", stats.MaxBucket)
	fmt.Fprintf(w, "highmask: %#x\n", stats.HighMask)
	fmt.Fprintf(w, "lowmask: %#x\n", stats.LowMask)
	fmt.Fprintf(w, "ovflpoint: %d\n", stats.OvflPoint)
	fmt.Fprintf(w, "firstfree: %d\n", stats.FirstFree)
	fmt.Fprintf(w, "nmaps: %d\n", stats.NMaps)
	return w.String(), nil
}

// HandleVerify handles the verify command.
func HandleVerify(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: verify <index>
	if len(fields) != 2 {
		return "", fmt.Errorf("usage: verify <index>")
	}
	idx, err := d.GetIndex(fields[1])
	if err != nil {
		return "", fmt.Errorf("verify error: %v", err)
	}
	if err = idx.Verify(); err != nil {
		return "", fmt.Errorf("verify error: %v", err)
	}
	return "ok\n", nil
}

// HandleCompact handles the compact command.
func HandleCompact(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: compact <index>
	if len(fields) != 2 {
		return "", fmt.Errorf("usage: compact <index>")
	}
	idx, err := d.GetIndex(fields[1])
	if err != nil {
		return "", fmt.Errorf("compact error: %v", err)
	}
	if err = idx.Compact(); err != nil {
		return "", fmt.Errorf("compact error: %v", err)
	}
	return "ok\n", nil
}

// HandlePretty handles the pretty command.
func HandlePretty(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	w := new(strings.Builder)
	// Usage: pretty <optional pagenumber> from <index>
	if len(fields) == 3 && fields[1] == "from" {
		idx, err := d.GetIndex(fields[2])
		if err != nil {
			return "", fmt.Errorf("pretty error: %v", err)
		}
		idx.Print(w)
	} else if len(fields) == 4 && fields[2] == "from" {
		var pn int
		if pn, err = strconv.Atoi(fields[1]); err != nil {
			return "", fmt.Errorf("pretty error: %v", err)
		}
		idx, err := d.GetIndex(fields[3])
		if err != nil {
			return "", fmt.Errorf("pretty error: %v", err)
		}
		idx.PrintPN(pn, w)
	} else {
		return "", fmt.Errorf("usage: pretty <optional pagenumber> from <index>")
	}
	return w.String(), nil
}
