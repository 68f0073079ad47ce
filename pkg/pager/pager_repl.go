package pager

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"hashdb/pkg/list"
	"hashdb/pkg/repl"
)

// PagerRepl creates a REPL for poking at a throwaway pager directly.
func PagerRepl() (*repl.REPL, error) {
	p, err := New("data/pager.tmp")
	if err != nil {
		return nil, err
	}
	r := repl.NewRepl()

	r.AddCommand("pager_print", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandlePagerPrint(p, payload)
	}, "Print out the state of the pager. usage: pager_print")

	r.AddCommand("pager_get", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandlePagerGet(p, payload)
	}, "Get a page into the pager. usage: pager_get <page_num>")

	r.AddCommand("pager_new", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandlePagerNew(p, payload)
	}, "Allocate a new page. usage: pager_new")

	r.AddCommand("pager_write", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandlePagerWrite(p, payload)
	}, "Write data to a page. usage: pager_write <page_num> <payload>")

	r.AddCommand("pager_read", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandlePagerRead(p, payload)
	}, "Read data from a page. usage: pager_read <page_num>")

	r.AddCommand("pager_pin", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandlePagerPin(p, payload)
	}, "Pin a page. usage: pager_pin <page_num>")

	r.AddCommand("pager_unpin", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandlePagerUnpin(p, payload)
	}, "Unpin a page. usage: pager_unpin <page_num>")

	r.AddCommand("pager_flush", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandlePagerFlush(p, payload)
	}, "Flush a page. usage: pager_flush <page_num>")

	r.AddCommand("pager_flushall", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandlePagerFlushAll(p, payload)
	}, "Flush all pages. usage: pager_flushall")

	return r, nil
}

// HandlePagerPrint prints out the state of the pager.
func HandlePagerPrint(p *Pager, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	if len(fields) != 1 {
		return "", errors.New("usage: pager_print")
	}

	w := new(strings.Builder)
	fmt.Fprintf(w, "numPages: %v\n", p.numPages)
	io.WriteString(w, "freeList: ")
	p.freeList.Map(func(l *list.Link[*Page]) {
		fmt.Fprintf(w, "(pagenum: %v), ", l.GetValue().GetPageNum())
	})
	io.WriteString(w, "\nunpinnedList: ")
	p.unpinnedList.Map(func(l *list.Link[*Page]) {
		page := l.GetValue()
		fmt.Fprintf(w, "(pagenum: %v, pincount: %v), ", page.GetPageNum(), page.pinCount.Load())
	})
	io.WriteString(w, "\npinnedList: ")
	p.pinnedList.Map(func(l *list.Link[*Page]) {
		page := l.GetValue()
		fmt.Fprintf(w, "(pagenum: %v, pincount: %v), ", page.GetPageNum(), page.pinCount.Load())
	})
	io.WriteString(w, "\npageTable: ")
	for pNum := range p.pageTable {
		fmt.Fprintf(w, "%v, ", pNum)
	}
	io.WriteString(w, "\n")
	return w.String(), nil
}

// HandlePagerGet pulls an already-allocated page into the pager.
func HandlePagerGet(p *Pager, payload string) (err error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return fmt.Errorf("usage: pager_get <page_num>")
	}
	var pNum int
	if pNum, err = strconv.Atoi(fields[1]); err != nil {
		return err
	}
	if int64(pNum) >= p.numPages {
		return errors.New("error: haven't allocated that page number yet")
	}
	p.GetPage(int64(pNum))
	return nil
}

// HandlePagerNew allocates a new page.
func HandlePagerNew(p *Pager, payload string) (err error) {
	fields := strings.Fields(payload)
	if len(fields) != 1 {
		return fmt.Errorf("usage: pager_new")
	}
	p.GetNewPage()
	return nil
}

// HandlePagerWrite writes data to a page.
func HandlePagerWrite(p *Pager, payload string) (err error) {
	fields := strings.Fields(payload)
	if len(fields) != 3 {
		return fmt.Errorf("usage: pager_write <page_num> <payload>")
	}
	var pNum int
	if pNum, err = strconv.Atoi(fields[1]); err != nil {
		return err
	}
	link, found := p.pageTable[int64(pNum)]
	if !found {
		return errors.New("page not found; did you pager_get it first?")
	}
	page := link.GetValue()
	page.Get()
	data := []byte(fields[2])
	page.Update(data, 0, int64(len(data)))
	p.PutPage(page)
	return nil
}

// HandlePagerRead prints out the contents of a page.
func HandlePagerRead(p *Pager, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return "", fmt.Errorf("usage: pager_read <page_num>")
	}
	var pNum int
	if pNum, err = strconv.Atoi(fields[1]); err != nil {
		return "", err
	}
	link, found := p.pageTable[int64(pNum)]
	if !found {
		return "", errors.New("page not found; did you pager_get it first?")
	}
	page := link.GetValue()
	page.Get()
	w := new(strings.Builder)
	io.WriteString(w, string(page.GetData()))
	io.WriteString(w, "\n")
	p.PutPage(page)
	return w.String(), nil
}

// HandlePagerPin pins a page.
func HandlePagerPin(p *Pager, payload string) (err error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return fmt.Errorf("usage: pager_pin <page_num>")
	}
	var pNum int
	if pNum, err = strconv.Atoi(fields[1]); err != nil {
		return err
	}
	link, found := p.pageTable[int64(pNum)]
	if !found {
		return errors.New("page not found; did you pager_get it first?")
	}
	if link.GetList() == p.unpinnedList {
		link.PopSelf()
		newLink := p.pinnedList.PushHead(link.GetValue())
		p.pageTable[int64(pNum)] = newLink
	}
	link.GetValue().Get()
	return nil
}

// HandlePagerUnpin unpins a page.
func HandlePagerUnpin(p *Pager, payload string) (err error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return fmt.Errorf("usage: pager_unpin <page_num>")
	}
	var pNum int
	if pNum, err = strconv.Atoi(fields[1]); err != nil {
		return err
	}
	link, found := p.pageTable[int64(pNum)]
	if !found {
		return errors.New("page not found; did you pager_get it first?")
	}
	p.PutPage(link.GetValue())
	return nil
}

// HandlePagerFlush flushes one page to disk.
func HandlePagerFlush(p *Pager, payload string) (err error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return fmt.Errorf("usage: pager_flush <page_num>")
	}
	var pNum int
	if pNum, err = strconv.Atoi(fields[1]); err != nil {
		return err
	}
	link, found := p.pageTable[int64(pNum)]
	if !found {
		return errors.New("page not found; did you pager_get it first?")
	}
	p.FlushPage(link.GetValue())
	return nil
}

// HandlePagerFlushAll flushes every page to disk.
func HandlePagerFlushAll(p *Pager, payload string) (err error) {
	fields := strings.Fields(payload)
	if len(fields) != 1 {
		return fmt.Errorf("usage: pager_flushall")
	}
	p.FlushAllPages()
	return nil
}
