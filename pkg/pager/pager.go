// Package pager implements the page and pager abstractions used for efficient io operations in our database
package pager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"hashdb/pkg/config"
	"hashdb/pkg/list"

	"github.com/ncw/directio"
)

// Pagesize is the size of an individual page (ie the maximum number of bytes
// that the page can hold). Two direct-io blocks, 8kb on every supported
// platform, so frames stay aligned for O_DIRECT reads and writes.
const Pagesize int64 = 2 * directio.BlockSize

// Error for when there are no free/unpinned pages to be used
var ErrRanOutOfPages = errors.New("no available pages")

// Pager is a data structure that manages pages of data stored in a file.
type Pager struct {
	file         *os.File          // File descriptor for the file that backs this pager on disk.
	numPages     int64             // The number of pages that this pager has access to (both on disk and in memory).
	freeList     *list.List[*Page] // A list of pre-allocated (but unused) pages.
	unpinnedList *list.List[*Page] // The list of pages in memory that have yet to be evicted, but are not currently in use.
	pinnedList   *list.List[*Page] // The list of in-memory pages currently being used by the database.
	// The page table, which maps pagenums to their corresponding pages (stored in a link belonging to the list the page is in).
	pageTable map[int64]*list.Link[*Page]
	ptMtx     sync.Mutex // Mutex for protecting the page table for concurrent use.

	// Serializes physical extension of the backing file. Held for the
	// duration of each new-page allocation so that concurrent writers never
	// hand out the same block twice; this is the relation extension lock.
	extensionMtx sync.Mutex
}

// New constructs a new Pager, backing it with a database file at the specified filePath.
// See [*Pager.Open] for more details on backing the Pager with database files.
func New(filePath string) (pager *Pager, err error) {
	pager = &Pager{}
	pager.pageTable = make(map[int64]*list.Link[*Page])
	pager.freeList = list.NewList[*Page]()
	pager.unpinnedList = list.NewList[*Page]()
	pager.pinnedList = list.NewList[*Page]()
	frames := directio.AlignedBlock(int(Pagesize * config.MaxPagesInBuffer))
	for i := 0; i < config.MaxPagesInBuffer; i++ {
		frame := frames[i*int(Pagesize) : (i+1)*int(Pagesize)]
		page := Page{
			pager:   pager,
			pagenum: NoPage,
			dirty:   false,
			data:    frame,
		}
		pager.freeList.PushTail(&page)
	}

	err = pager.Open(filePath)
	if err != nil {
		pager = nil
	}
	return
}

// GetFileName returns the file name/path used to open the pager's backing file.
func (pager *Pager) GetFileName() (filename string) {
	return pager.file.Name()
}

// GetNumPages returns the number of pages.
func (pager *Pager) GetNumPages() (numPages int64) {
	return pager.numPages
}

// LockExtension acquires the relation extension lock. Callers that are about
// to grow the backing file take it before GetNewPage and release it once the
// new page has been initialized and linked into the index structure.
func (pager *Pager) LockExtension() {
	pager.extensionMtx.Lock()
}

// UnlockExtension releases the relation extension lock.
func (pager *Pager) UnlockExtension() {
	pager.extensionMtx.Unlock()
}

// Open (re-)initializes our pager with a database file at the specified filePath.
//
// If the database file didn't exist previously, it is created.
// If the database file does exist but it can't be opened or
// its contents are not properly aligned to Pagesize, returns an error.
// The Pager should not be used if an error is returned.
func (pager *Pager) Open(filePath string) (err error) {
	// Create the necessary prerequisite directories.
	if idx := strings.LastIndex(filePath, "/"); idx != -1 {
		err = os.MkdirAll(filePath[:idx], 0775)
		if err != nil {
			return err
		}
	}
	// Open or create the db file.
	pager.file, err = directio.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return err
	}
	// Get info about the size of the pager.
	var info os.FileInfo
	var len int64
	if info, err = pager.file.Stat(); err == nil {
		len = info.Size()
		if len%Pagesize != 0 {
			return errors.New("DB file has been corrupted")
		}
	}
	// Set the number of pages and hand off initialization to someone else.
	pager.numPages = len / Pagesize
	return nil
}

// Close signals our pager to flush all dirty pages to disk
// and close its backing file.
func (pager *Pager) Close() error {
	// Prevent new data from being paged in.
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	// Check that no pages are in the pinned list
	if pager.pinnedList.PeekHead() != nil {
		return errors.New("pages are still pinned on close")
	}
	// Cleanup.
	pager.FlushAllPages()
	return pager.file.Close()
}

// fillPageFromDisk populates a page's data field from the data currently on disk.
// Returns an error if there was an io problem reading from disk.
func (pager *Pager) fillPageFromDisk(page *Page) error {
	if _, err := pager.file.Seek(page.pagenum*Pagesize, 0); err != nil {
		return err
	}
	if _, err := pager.file.Read(page.data); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// newPage returns a currently unused Page from the free or unpinned list,
// or an ErrRanOutOfPages if there are no unused pages available.
// The ptMtx should be locked on entry.
func (pager *Pager) newPage(pagenum int64) (newPage *Page, err error) {
	if freeLink := pager.freeList.PeekHead(); freeLink != nil {
		// Check the free list first.
		freeLink.PopSelf()
		newPage = freeLink.GetValue()
	} else if unpinLink := pager.unpinnedList.PeekHead(); unpinLink != nil {
		// If no page was found, evict a page from the unpinned list.
		unpinLink.PopSelf()
		newPage = unpinLink.GetValue()
		pager.FlushPage(newPage)
		delete(pager.pageTable, newPage.pagenum)
	} else {
		// If still no page is found, error.
		return nil, ErrRanOutOfPages
	}
	newPage.pagenum = pagenum
	newPage.dirty = false
	newPage.pinCount.Store(1)
	return newPage, nil
}

// GetNewPage returns a new Page with the next available pagenum, extending
// the backing file by one page. Callers racing to extend should hold the
// extension lock around the call.
func (pager *Pager) GetNewPage() (page *Page, err error) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	// Create a buffer to hold the new page in.
	page, err = pager.newPage(pager.numPages)
	if err != nil {
		return nil, err
	}
	// A recycled frame still holds the previous page's bytes.
	clear(page.data)

	// Mark dirty so new page is eventually flushed to disk.
	page.dirty = true
	// Insert new page into the pinned list and page table.
	newLink := pager.pinnedList.PushTail(page)
	pager.pageTable[pager.numPages] = newLink
	// Increment the total number of pages.
	pager.numPages++
	return page, nil
}

// GetPage returns an existing Page corresponding to the given pagenum.
func (pager *Pager) GetPage(pagenum int64) (page *Page, err error) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	// Input checking.
	if pagenum < 0 || pagenum > pager.numPages-1 {
		return nil, fmt.Errorf("invalid pagenum %d", pagenum)
	}
	// Try to get from page table.
	if link, ok := pager.pageTable[pagenum]; ok {
		page = link.GetValue()
		// Move the page to the pinned list if needed.
		if link.GetList() == pager.unpinnedList {
			link.PopSelf()
			pager.pageTable[pagenum] = pager.pinnedList.PushTail(page)
		}
		page.Get()
		return page, nil
	}

	// Else, create a buffer to hold the new page in.
	page, err = pager.newPage(pagenum)
	if err != nil {
		return nil, err
	}

	// Read the page in from disk.
	page.dirty = false
	err = pager.fillPageFromDisk(page)
	if err != nil {
		pager.freeList.PushTail(page)
		return nil, err
	}

	// Insert the page into our list of pages.
	pager.pageTable[pagenum] = pager.pinnedList.PushTail(page)
	return page, nil
}

// PutPage releases a reference to a page.
func (pager *Pager) PutPage(page *Page) (err error) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	// Decrement pinCount
	ret := page.Put()
	// Check if we can unpin this page; if so, move from pinned to unpinned list.
	if ret == 0 {
		link := pager.pageTable[page.pagenum]
		link.PopSelf()
		pager.pageTable[page.pagenum] = pager.unpinnedList.PushTail(page)
	}
	if ret < 0 {
		return errors.New("pinCount for page is < 0")
	}
	return nil
}

// FlushPage flushes a particular page's data to disk if it is dirty.
// Concurrency note: the page should at least be read-locked upon entry.
func (pager *Pager) FlushPage(page *Page) {
	if page.IsDirty() {
		pager.file.WriteAt(
			page.data,
			page.pagenum*Pagesize,
		)
		page.SetDirty(false)
	}
}

// FlushAllPages flushes all dirty pages to disk.
// Concurrency note: the pager's mutex and all its pages should be read-locked upon entry.
func (pager *Pager) FlushAllPages() {
	writer := func(link *list.Link[*Page]) {
		pager.FlushPage(link.GetValue())
	}
	pager.pinnedList.Map(writer)
	pager.unpinnedList.Map(writer)
}

// [RECOVERY] Read locks the pager and all of the pager's pages.
func (pager *Pager) LockAllPages() {
	pager.ptMtx.Lock()
	for _, pageLink := range pager.pageTable {
		pageLink.GetValue().RLock()
	}
}

// [RECOVERY] Read unlocks the pager and all of the pager's pages.
func (pager *Pager) UnlockAllPages() {
	for _, pageLink := range pager.pageTable {
		pageLink.GetValue().RUnlock()
	}
	pager.ptMtx.Unlock()
}
