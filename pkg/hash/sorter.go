package hash

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"hashdb/pkg/entry"
)

// buildItem is an index item tagged with the bucket it will land in, fixed
// for the whole build because a bulk build never splits.
type buildItem struct {
	bucket uint32
	item   entry.Item
}

func buildItemLess(a, b buildItem) bool {
	if a.bucket != b.bucket {
		return a.bucket < b.bucket
	}
	if a.item.Hash != b.item.Hash {
		return a.item.Hash < b.item.Hash
	}
	if a.item.Ptr.Block != b.item.Ptr.Block {
		return a.item.Ptr.Block < b.item.Ptr.Block
	}
	return a.item.Ptr.Slot < b.item.Ptr.Slot
}

const runRecordSize = 4 + entry.Size

func encodeBuildItem(buf []byte, it buildItem) {
	binary.LittleEndian.PutUint32(buf[0:4], it.bucket)
	copy(buf[4:], it.item.Marshal())
}

func decodeBuildItem(buf []byte) buildItem {
	return buildItem{
		bucket: binary.LittleEndian.Uint32(buf[0:4]),
		item:   entry.Unmarshal(buf[4:]),
	}
}

// runSorter sorts build items by (bucket, hash, pointer), spilling full
// in-memory runs to temporary files and merging all runs at the end.
type runSorter struct {
	dir   string // directory the run files spill into
	limit int    // items held in memory before a spill
	buf   []buildItem
	runs  []*os.File
}

func newRunSorter(dir string, limit int) *runSorter {
	return &runSorter{dir: dir, limit: limit}
}

func (s *runSorter) add(it buildItem) error {
	s.buf = append(s.buf, it)
	if len(s.buf) >= s.limit {
		return s.spill()
	}
	return nil
}

// spill sorts the in-memory run and writes it to a fresh temporary file.
func (s *runSorter) spill() error {
	sort.Slice(s.buf, func(i, j int) bool { return buildItemLess(s.buf[i], s.buf[j]) })
	f, err := os.CreateTemp(s.dir, "hashsort-*.run")
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	var rec [runRecordSize]byte
	for _, it := range s.buf {
		encodeBuildItem(rec[:], it)
		if _, err := w.Write(rec[:]); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	s.runs = append(s.runs, f)
	s.buf = s.buf[:0]
	return nil
}

// cleanup removes every spilled run file.
func (s *runSorter) cleanup() {
	for _, f := range s.runs {
		name := f.Name()
		f.Close()
		os.Remove(name)
	}
	s.runs = nil
	s.buf = nil
}

// runSource yields the items of one sorted run, from memory or from a file.
type runSource struct {
	mem []buildItem
	r   *bufio.Reader

	cur buildItem
	ok  bool
}

func (src *runSource) advance() error {
	if src.mem != nil {
		if len(src.mem) == 0 {
			src.ok = false
			return nil
		}
		src.cur, src.mem = src.mem[0], src.mem[1:]
		src.ok = true
		return nil
	}
	var rec [runRecordSize]byte
	if _, err := io.ReadFull(src.r, rec[:]); err != nil {
		if err == io.EOF {
			src.ok = false
			return nil
		}
		return err
	}
	src.cur = decodeBuildItem(rec[:])
	src.ok = true
	return nil
}

// runHeap is a min-heap of run sources keyed by their current item.
type runHeap []*runSource

func (h runHeap) Len() int            { return len(h) }
func (h runHeap) Less(i, j int) bool  { return buildItemLess(h[i].cur, h[j].cur) }
func (h runHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x any)         { *h = append(*h, x.(*runSource)) }
func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	src := old[n-1]
	*h = old[:n-1]
	return src
}

// mergeIter streams the globally sorted item sequence out of all runs.
type mergeIter struct {
	h runHeap
}

// merge seals the sorter and returns the merged iterator. The in-memory
// remainder becomes one more run without spilling.
func (s *runSorter) merge() (*mergeIter, error) {
	sort.Slice(s.buf, func(i, j int) bool { return buildItemLess(s.buf[i], s.buf[j]) })
	sources := make([]*runSource, 0, len(s.runs)+1)
	if len(s.buf) > 0 {
		sources = append(sources, &runSource{mem: s.buf})
	}
	for _, f := range s.runs {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		sources = append(sources, &runSource{r: bufio.NewReader(f)})
	}
	it := &mergeIter{}
	for _, src := range sources {
		if err := src.advance(); err != nil {
			return nil, err
		}
		if src.ok {
			it.h = append(it.h, src)
		}
	}
	heap.Init(&it.h)
	return it, nil
}

// next returns the smallest remaining item, or ok=false when drained.
func (it *mergeIter) next() (buildItem, bool, error) {
	if len(it.h) == 0 {
		return buildItem{}, false, nil
	}
	src := it.h[0]
	out := src.cur
	if err := src.advance(); err != nil {
		return buildItem{}, false, err
	}
	if src.ok {
		heap.Fix(&it.h, 0)
	} else {
		heap.Pop(&it.h)
	}
	return out, true, nil
}
