// Package wal implements the write-ahead log for the hash index: an
// append-only, line-oriented log of page mutations, fsynced on every append,
// plus checkpointing and crash recovery on top of it.
package wal

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

/*
   Records are single lines of the form

     < KIND field value field value ... >

   one per page mutation, written before the mutated pages are unlocked.
   Array fields are colon-separated ("3:7:9", "-" when empty); item bytes
   are hex encoded. The byte offset of a record's line in the log file is
   its LSN; every page a record touches gets stamped with it.
*/

// Record kinds.
const (
	KindInitMeta      = "INIT_META"
	KindInitBitmap    = "INIT_BITMAP"
	KindInsert        = "INSERT"
	KindAddOvflPage   = "ADD_OVFL_PAGE"
	KindSplitAllocate = "SPLIT_ALLOCATE_PAGE"
	KindSplitPage     = "SPLIT_PAGE"
	KindSplitComplete = "SPLIT_COMPLETE"
	KindVacuumOnePage = "VACUUM_ONE_PAGE"
	KindMovePage      = "MOVE_PAGE_CONTENTS"
	KindSqueezePage   = "SQUEEZE_PAGE"
	KindCheckpoint    = "CHECKPOINT"
)

// ErrBadRecord is returned when a log line cannot be parsed.
var ErrBadRecord = errors.New("could not parse log record")

// Record is one write-ahead log record.
type Record interface {
	Kind() string
	String() string // Serializes the record to its log line (newline terminated)
}

// InitMetaRecord carries the full image of a freshly initialized metapage,
// plus the initial bucket count so replay can rebuild the primary pages the
// creation laid out alongside it.
type InitMetaRecord struct {
	Relation string // index the record belongs to
	Buckets  uint32 // initial bucket count
	Image    []byte // complete page image
}

func (r InitMetaRecord) Kind() string { return KindInitMeta }

func (r InitMetaRecord) String() string {
	return fmt.Sprintf("< %s rel %s buckets %d image %s >\n",
		KindInitMeta, r.Relation, r.Buckets, hex.EncodeToString(r.Image))
}

// InitBitmapRecord records the allocation of a new bitmap page.
type InitBitmapRecord struct {
	Relation    string
	BitmapBlock uint32 // block of the new bitmap page
	NumMaps     uint32 // metapage nmaps after the append
}

func (r InitBitmapRecord) Kind() string { return KindInitBitmap }

func (r InitBitmapRecord) String() string {
	return fmt.Sprintf("< %s rel %s blk %d nmaps %d >\n", KindInitBitmap, r.Relation, r.BitmapBlock, r.NumMaps)
}

// InsertRecord records the installation of one item on a bucket page,
// together with the metapage tuple-count bump.
type InsertRecord struct {
	Relation string
	Block    uint32 // page the item went to
	Offset   uint16 // line pointer it was installed at
	Item     []byte // the item bytes
}

func (r InsertRecord) Kind() string { return KindInsert }

func (r InsertRecord) String() string {
	return fmt.Sprintf("< %s rel %s blk %d off %d item %s >\n",
		KindInsert, r.Relation, r.Block, r.Offset, hex.EncodeToString(r.Item))
}

// AddOvflRecord records the allocation of an overflow page and its linking
// at the tail of a bucket chain: the bitmap bit flip, the prior tail's next
// link, the new page's initialization, and the metapage deltas.
type AddOvflRecord struct {
	Relation       string
	NewBlock       uint32 // the allocated overflow page
	PrevBlock      uint32 // prior chain tail it was linked after
	Bucket         uint32 // owning bucket
	BitmapBlock    uint32 // bitmap page holding the flipped bit
	Bit            uint32 // bit index within that bitmap page
	FirstFree      uint32 // metapage first_free_ovflpage after
	SpareIndex     uint32 // splitpoint whose spares slot changed
	SpareValue     uint32 // its value after
	NewBitmapBlock uint32 // freshly allocated bitmap page, or InvalidBlock
}

func (r AddOvflRecord) Kind() string { return KindAddOvflPage }

func (r AddOvflRecord) String() string {
	return fmt.Sprintf("< %s rel %s new %d prev %d bucket %d bmblk %d bit %d firstfree %d spidx %d spval %d newbm %d >\n",
		KindAddOvflPage, r.Relation, r.NewBlock, r.PrevBlock, r.Bucket, r.BitmapBlock, r.Bit,
		r.FirstFree, r.SpareIndex, r.SpareValue, r.NewBitmapBlock)
}

// SplitAllocateRecord records the start of a bucket split: the new primary
// page, both buckets' flag changes, and the metapage snapshot after the bump.
type SplitAllocateRecord struct {
	Relation  string
	OldBucket uint32
	NewBucket uint32
	OldBlock  uint32 // source primary page
	NewBlock  uint32 // destination primary page
	MaxBucket uint32 // metapage max_bucket after
	HighMask  uint32
	LowMask   uint32
	OvflPoint uint32
}

func (r SplitAllocateRecord) Kind() string { return KindSplitAllocate }

func (r SplitAllocateRecord) String() string {
	return fmt.Sprintf("< %s rel %s obucket %d nbucket %d oblk %d nblk %d maxbucket %d highmask %d lowmask %d ovflpoint %d >\n",
		KindSplitAllocate, r.Relation, r.OldBucket, r.NewBucket, r.OldBlock, r.NewBlock,
		r.MaxBucket, r.HighMask, r.LowMask, r.OvflPoint)
}

// SplitPageRecord records one batch of items migrated from a source page to
// a destination page during a split: the offsets cleared on the source and
// the item bytes installed on the destination.
type SplitPageRecord struct {
	Relation string
	SrcBlock uint32
	DstBlock uint32
	Offsets  []uint16 // source offsets removed
	Items    []byte   // moved items, concatenated fixed-width
}

func (r SplitPageRecord) Kind() string { return KindSplitPage }

func (r SplitPageRecord) String() string {
	return fmt.Sprintf("< %s rel %s src %d dst %d offs %s items %s >\n",
		KindSplitPage, r.Relation, r.SrcBlock, r.DstBlock, encodeOffsets(r.Offsets), hex.EncodeToString(r.Items))
}

// SplitCompleteRecord records the atomic clearing of the being-split flags
// on both primary pages.
type SplitCompleteRecord struct {
	Relation string
	SrcBlock uint32
	DstBlock uint32
}

func (r SplitCompleteRecord) Kind() string { return KindSplitComplete }

func (r SplitCompleteRecord) String() string {
	return fmt.Sprintf("< %s rel %s src %d dst %d >\n", KindSplitComplete, r.Relation, r.SrcBlock, r.DstBlock)
}

// VacuumOnePageRecord records the reclamation of dead line pointers on one
// page, with the visibility horizon a replica needs to resolve conflicts.
type VacuumOnePageRecord struct {
	Relation         string
	Block            uint32
	Offsets          []uint16 // dead offsets removed
	LatestRemovedXid uint32
}

func (r VacuumOnePageRecord) Kind() string { return KindVacuumOnePage }

func (r VacuumOnePageRecord) String() string {
	return fmt.Sprintf("< %s rel %s blk %d offs %s xid %d >\n",
		KindVacuumOnePage, r.Relation, r.Block, encodeOffsets(r.Offsets), r.LatestRemovedXid)
}

// MovePageRecord records one batch of a chain compaction that drains the
// tail onto an earlier page without emptying it yet: the offsets cleared on
// the tail and the item bytes installed on the earlier page. The batch that
// finally empties the tail rides on the squeeze record instead.
type MovePageRecord struct {
	Relation  string
	FromBlock uint32   // chain tail the items left
	ToBlock   uint32   // earlier chain page they moved to
	Offsets   []uint16 // tail offsets removed
	Items     []byte   // moved items, concatenated fixed-width
}

func (r MovePageRecord) Kind() string { return KindMovePage }

func (r MovePageRecord) String() string {
	return fmt.Sprintf("< %s rel %s from %d to %d offs %s items %s >\n",
		KindMovePage, r.Relation, r.FromBlock, r.ToBlock, encodeOffsets(r.Offsets), hex.EncodeToString(r.Items))
}

// SqueezePageRecord records the compaction step that empties the chain tail:
// the items moved onto an earlier page, the freed page's unlinking, and the
// bitmap bit flip returning it to the allocator.
type SqueezePageRecord struct {
	Relation    string
	FreedBlock  uint32 // the emptied and unlinked overflow page
	WriteBlock  uint32 // earlier chain page the items moved to
	PrevBlock   uint32 // freed page's prev, whose next link was rewritten
	NextBlock   uint32 // freed page's next, or InvalidBlock at the tail
	Items       []byte // moved items, concatenated fixed-width
	BitmapBlock uint32
	Bit         uint32
	FirstFree   uint32 // metapage first_free_ovflpage after
}

func (r SqueezePageRecord) Kind() string { return KindSqueezePage }

func (r SqueezePageRecord) String() string {
	return fmt.Sprintf("< %s rel %s freed %d write %d prev %d next %d items %s bmblk %d bit %d firstfree %d >\n",
		KindSqueezePage, r.Relation, r.FreedBlock, r.WriteBlock, r.PrevBlock, r.NextBlock,
		hex.EncodeToString(r.Items), r.BitmapBlock, r.Bit, r.FirstFree)
}

// CheckpointRecord marks a consistent snapshot of all database files. The id
// names the snapshot directory the files were copied into.
type CheckpointRecord struct {
	ID uuid.UUID
}

func (r CheckpointRecord) Kind() string { return KindCheckpoint }

func (r CheckpointRecord) String() string {
	return fmt.Sprintf("< %s id %s >\n", KindCheckpoint, r.ID.String())
}

// RelationOf returns the name of the index a record mutates. Checkpoint
// records touch no index and report ok == false.
func RelationOf(rec Record) (relation string, ok bool) {
	switch r := rec.(type) {
	case InitMetaRecord:
		return r.Relation, true
	case InitBitmapRecord:
		return r.Relation, true
	case InsertRecord:
		return r.Relation, true
	case AddOvflRecord:
		return r.Relation, true
	case SplitAllocateRecord:
		return r.Relation, true
	case SplitPageRecord:
		return r.Relation, true
	case SplitCompleteRecord:
		return r.Relation, true
	case VacuumOnePageRecord:
		return r.Relation, true
	case MovePageRecord:
		return r.Relation, true
	case SqueezePageRecord:
		return r.Relation, true
	default:
		return "", false
	}
}

func encodeOffsets(offs []uint16) string {
	if len(offs) == 0 {
		return "-"
	}
	parts := make([]string, len(offs))
	for i, o := range offs {
		parts[i] = strconv.FormatUint(uint64(o), 10)
	}
	return strings.Join(parts, ":")
}

// fieldReader steps through the "field value" pairs of a record line.
type fieldReader struct {
	fields []string
	pos    int
	err    error
}

// next returns the value of the named field, enforcing field order.
func (fr *fieldReader) next(name string) string {
	if fr.err != nil {
		return ""
	}
	if fr.pos+1 >= len(fr.fields) || fr.fields[fr.pos] != name {
		fr.err = fmt.Errorf("%w: expected field %q", ErrBadRecord, name)
		return ""
	}
	v := fr.fields[fr.pos+1]
	fr.pos += 2
	return v
}

func (fr *fieldReader) u32(name string) uint32 {
	v, err := strconv.ParseUint(fr.next(name), 10, 32)
	if err != nil && fr.err == nil {
		fr.err = fmt.Errorf("%w: field %q: %v", ErrBadRecord, name, err)
	}
	return uint32(v)
}

func (fr *fieldReader) u16(name string) uint16 {
	v, err := strconv.ParseUint(fr.next(name), 10, 16)
	if err != nil && fr.err == nil {
		fr.err = fmt.Errorf("%w: field %q: %v", ErrBadRecord, name, err)
	}
	return uint16(v)
}

func (fr *fieldReader) hex(name string) []byte {
	b, err := hex.DecodeString(fr.next(name))
	if err != nil && fr.err == nil {
		fr.err = fmt.Errorf("%w: field %q: %v", ErrBadRecord, name, err)
	}
	return b
}

func (fr *fieldReader) offsets(name string) []uint16 {
	raw := fr.next(name)
	if fr.err != nil || raw == "-" {
		return nil
	}
	parts := strings.Split(raw, ":")
	offs := make([]uint16, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			fr.err = fmt.Errorf("%w: field %q: %v", ErrBadRecord, name, err)
			return nil
		}
		offs[i] = uint16(v)
	}
	return offs
}

// ParseRecord converts the textual representation of a record back to its struct.
func ParseRecord(s string) (Record, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "< ") || !strings.HasSuffix(s, " >") {
		return nil, ErrBadRecord
	}
	fields := strings.Fields(s[2 : len(s)-2])
	if len(fields) == 0 {
		return nil, ErrBadRecord
	}
	kind := fields[0]
	fr := &fieldReader{fields: fields[1:]}

	var rec Record
	switch kind {
	case KindInitMeta:
		rec = InitMetaRecord{Relation: fr.next("rel"), Buckets: fr.u32("buckets"), Image: fr.hex("image")}
	case KindInitBitmap:
		rec = InitBitmapRecord{Relation: fr.next("rel"), BitmapBlock: fr.u32("blk"), NumMaps: fr.u32("nmaps")}
	case KindInsert:
		rec = InsertRecord{Relation: fr.next("rel"), Block: fr.u32("blk"), Offset: fr.u16("off"), Item: fr.hex("item")}
	case KindAddOvflPage:
		rec = AddOvflRecord{
			Relation: fr.next("rel"), NewBlock: fr.u32("new"), PrevBlock: fr.u32("prev"),
			Bucket: fr.u32("bucket"), BitmapBlock: fr.u32("bmblk"), Bit: fr.u32("bit"),
			FirstFree: fr.u32("firstfree"), SpareIndex: fr.u32("spidx"), SpareValue: fr.u32("spval"),
			NewBitmapBlock: fr.u32("newbm"),
		}
	case KindSplitAllocate:
		rec = SplitAllocateRecord{
			Relation: fr.next("rel"), OldBucket: fr.u32("obucket"), NewBucket: fr.u32("nbucket"),
			OldBlock: fr.u32("oblk"), NewBlock: fr.u32("nblk"), MaxBucket: fr.u32("maxbucket"),
			HighMask: fr.u32("highmask"), LowMask: fr.u32("lowmask"), OvflPoint: fr.u32("ovflpoint"),
		}
	case KindSplitPage:
		rec = SplitPageRecord{
			Relation: fr.next("rel"), SrcBlock: fr.u32("src"), DstBlock: fr.u32("dst"),
			Offsets: fr.offsets("offs"), Items: fr.hex("items"),
		}
	case KindSplitComplete:
		rec = SplitCompleteRecord{Relation: fr.next("rel"), SrcBlock: fr.u32("src"), DstBlock: fr.u32("dst")}
	case KindVacuumOnePage:
		rec = VacuumOnePageRecord{
			Relation: fr.next("rel"), Block: fr.u32("blk"), Offsets: fr.offsets("offs"),
			LatestRemovedXid: fr.u32("xid"),
		}
	case KindMovePage:
		rec = MovePageRecord{
			Relation: fr.next("rel"), FromBlock: fr.u32("from"), ToBlock: fr.u32("to"),
			Offsets: fr.offsets("offs"), Items: fr.hex("items"),
		}
	case KindSqueezePage:
		rec = SqueezePageRecord{
			Relation: fr.next("rel"), FreedBlock: fr.u32("freed"), WriteBlock: fr.u32("write"),
			PrevBlock: fr.u32("prev"), NextBlock: fr.u32("next"), Items: fr.hex("items"),
			BitmapBlock: fr.u32("bmblk"), Bit: fr.u32("bit"), FirstFree: fr.u32("firstfree"),
		}
	case KindCheckpoint:
		id, err := uuid.Parse(fr.next("id"))
		if err != nil && fr.err == nil {
			fr.err = fmt.Errorf("%w: checkpoint id: %v", ErrBadRecord, err)
		}
		rec = CheckpointRecord{ID: id}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadRecord, kind)
	}
	if fr.err != nil {
		return nil, fr.err
	}
	return rec, nil
}
