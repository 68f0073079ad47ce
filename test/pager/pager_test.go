package pager_test

import (
	"bytes"
	"testing"

	"hashdb/pkg/config"
	"hashdb/pkg/pager"
	"hashdb/test/utils"
)

// setupPager creates a pager backed by a fresh temp file.
func setupPager(t *testing.T) *pager.Pager {
	t.Parallel()
	dbName := utils.GetTempDbFile(t)
	p, err := pager.New(dbName)
	if err != nil {
		t.Fatal("Failed to create pager:", err)
	}
	return p
}

func TestPagerNew(t *testing.T) {
	p := setupPager(t)
	if p.GetNumPages() != 0 {
		t.Errorf("Fresh pager reports %d pages", p.GetNumPages())
	}
	page, err := p.GetNewPage()
	if err != nil {
		t.Fatal("Failed to allocate a page:", err)
	}
	if page.GetPageNum() != 0 {
		t.Errorf("First page got pagenum %d", page.GetPageNum())
	}
	if p.GetNumPages() != 1 {
		t.Errorf("Pager reports %d pages after one allocation", p.GetNumPages())
	}
	if int64(len(page.GetData())) != pager.Pagesize {
		t.Errorf("Page frame is %d bytes, want %d", len(page.GetData()), pager.Pagesize)
	}
	p.PutPage(page)
}

// A new page's frame is zeroed even when it recycles an evicted frame.
func TestPagerNewPageZeroed(t *testing.T) {
	p := setupPager(t)
	// Dirty more pages than the buffer holds so frames get recycled.
	for i := 0; i < 2*config.MaxPagesInBuffer; i++ {
		page, err := p.GetNewPage()
		if err != nil {
			t.Fatal("Failed to allocate a page:", err)
		}
		page.Update(bytes.Repeat([]byte{0xAB}, int(pager.Pagesize)), 0, pager.Pagesize)
		p.PutPage(page)
	}
	page, err := p.GetNewPage()
	if err != nil {
		t.Fatal("Failed to allocate a page:", err)
	}
	for _, b := range page.GetData() {
		if b != 0 {
			t.Fatal("A fresh page's frame held stale bytes")
		}
	}
	p.PutPage(page)
}

// Written data survives eviction and a pager restart.
func TestPagerPersistence(t *testing.T) {
	p := setupPager(t)
	payload := []byte("squeak")
	numPages := 2 * config.MaxPagesInBuffer
	for i := 0; i < numPages; i++ {
		page, err := p.GetNewPage()
		if err != nil {
			t.Fatal("Failed to allocate a page:", err)
		}
		page.Update(payload, 0, int64(len(payload)))
		p.PutPage(page)
	}
	// Every page is readable again, including evicted ones.
	for i := 0; i < numPages; i++ {
		page, err := p.GetPage(int64(i))
		if err != nil {
			t.Fatal("Failed to get a page back:", err)
		}
		if !bytes.Equal(page.GetData()[:len(payload)], payload) {
			t.Fatalf("Page %d lost its data across eviction", i)
		}
		p.PutPage(page)
	}
	// And across a close and reopen.
	filename := p.GetFileName()
	if err := p.Close(); err != nil {
		t.Fatal("Failed to close pager:", err)
	}
	p, err := pager.New(filename)
	if err != nil {
		t.Fatal("Failed to reopen pager:", err)
	}
	if p.GetNumPages() != int64(numPages) {
		t.Errorf("Reopened pager reports %d pages, want %d", p.GetNumPages(), numPages)
	}
	for i := 0; i < numPages; i++ {
		page, err := p.GetPage(int64(i))
		if err != nil {
			t.Fatal("Failed to get a page back:", err)
		}
		if !bytes.Equal(page.GetData()[:len(payload)], payload) {
			t.Fatalf("Page %d lost its data across a restart", i)
		}
		p.PutPage(page)
	}
}

// Pinned pages are never evicted; the pager errors once every frame is
// pinned.
func TestPagerRunsOutOfPages(t *testing.T) {
	p := setupPager(t)
	pinned := make([]*pager.Page, 0, config.MaxPagesInBuffer)
	for i := 0; i < config.MaxPagesInBuffer; i++ {
		page, err := p.GetNewPage()
		if err != nil {
			t.Fatal("Failed to allocate a page:", err)
		}
		pinned = append(pinned, page)
	}
	if _, err := p.GetNewPage(); err == nil {
		t.Error("Expected an error with every frame pinned")
	}
	for _, page := range pinned {
		p.PutPage(page)
	}
	if _, err := p.GetNewPage(); err != nil {
		t.Error("Failed to allocate after unpinning:", err)
	}
}
