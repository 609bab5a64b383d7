package extsort

import (
	"container/heap"

	"github.com/relkit/coredb/internal/kernelerr"
	"github.com/relkit/coredb/internal/storage/buffer"
	"github.com/relkit/coredb/internal/storage/fileman"
	"github.com/relkit/coredb/internal/storage/page"
)

// run is a contiguous sub-chain of a temp file's page list: every page
// from start to end (inclusive), following Header.Next, holds items
// belonging to this run and no other.
type run struct {
	start page.ID
	end   page.ID
}

// runWriter appends items to a temp file's page chain one at a time,
// holding at most one page pinned, allocating a fresh page whenever the
// current one is full.
type runWriter struct {
	f   *fileman.File
	pin *buffer.ScopedPin
	buf []byte
	r   run
}

func newRunWriter(f *fileman.File) *runWriter {
	return &runWriter{f: f, r: run{start: page.InvalidID, end: page.InvalidID}}
}

func (w *runWriter) flushPage() {
	if w.pin != nil {
		w.pin.MarkDirty()
		w.pin.Release()
		w.pin, w.buf = nil, nil
	}
}

func (w *runWriter) allocPage() error {
	w.flushPage()
	pid, err := w.f.AllocatePage()
	if err != nil {
		return err
	}
	sp, buf, err := w.f.Pool().Pin(pid)
	if err != nil {
		return err
	}
	page.Init(buf, page.Header{Flags: page.FlagVFile, FileID: w.f.ID()})
	w.pin, w.buf = sp, buf
	if !w.r.start.Valid() {
		w.r.start = pid
	}
	w.r.end = pid
	return nil
}

// Write appends item, spilling to a new page first if it no longer fits.
func (w *runWriter) Write(item []byte) error {
	if w.buf == nil {
		if err := w.allocPage(); err != nil {
			return err
		}
	}
	if page.Wrap(w.buf).InsertRecord(item) != page.InvalidSlotID {
		return nil
	}
	if err := w.allocPage(); err != nil {
		return err
	}
	if page.Wrap(w.buf).InsertRecord(item) == page.InvalidSlotID {
		kernelerr.Panic("extsort: item of %d bytes exceeds page capacity %d", len(item), page.Capacity())
	}
	return nil
}

// Close flushes the final page and returns the completed run.
func (w *runWriter) Close() run {
	w.flushPage()
	return w.r
}

// writeRun sorts nothing itself; it spills an already-ordered slice of
// items as one run (spec §4.6: "write as consecutive pages to temp
// file").
func writeRun(f *fileman.File, items [][]byte) (run, error) {
	w := newRunWriter(f)
	for _, it := range items {
		if err := w.Write(it); err != nil {
			return run{}, err
		}
	}
	return w.Close(), nil
}

// runCursor reads one run forward, page by page, never holding more
// than one page pinned (spec §4.6 step 2: "one page resident per run").
// Run pages are write-once, so every slot from MinSlotID up is occupied
// and slot order is insertion order.
type runCursor struct {
	f       *fileman.File
	r       run
	pin     *buffer.ScopedPin
	buf     []byte
	pid     page.ID
	slotIdx int
	done    bool
	curItem []byte
}

func newRunCursor(f *fileman.File, r run) *runCursor {
	return &runCursor{f: f, r: r, pid: r.start, done: !r.start.Valid()}
}

// next advances to the run's next item; false once exhausted.
func (c *runCursor) next() (bool, error) {
	if c.done {
		return false, nil
	}
	for {
		if c.pin == nil {
			sp, buf, err := c.f.Pool().Pin(c.pid)
			if err != nil {
				return false, err
			}
			c.pin, c.buf = sp, buf
			c.slotIdx = 0
		}
		sl := page.Wrap(c.buf)
		if c.slotIdx >= sl.SlotCount() {
			atEnd := c.pid == c.r.end
			next := sl.Header().Next
			c.pin.Release()
			c.pin, c.buf = nil, nil
			if atEnd || !next.Valid() {
				c.done = true
				return false, nil
			}
			c.pid = next
			continue
		}
		rec := sl.GetRecord(page.SlotID(c.slotIdx + 1))
		c.slotIdx++
		c.curItem = append([]byte(nil), rec...)
		return true, nil
	}
}

func (c *runCursor) item() []byte { return c.curItem }

func (c *runCursor) close() {
	if c.pin != nil {
		c.pin.Release()
		c.pin, c.buf = nil, nil
	}
}

// cursorHeap is a container/heap min-heap over each run's current item,
// implementing the N-way merge's priority queue (spec §4.6 step 2:
// "merging by smallest-first with a loser-tree or priority queue").
type cursorHeap struct {
	items []*runCursor
	cmp   CompareFunc
}

func (h *cursorHeap) Len() int { return len(h.items) }
func (h *cursorHeap) Less(i, j int) bool {
	return h.cmp(h.items[i].item(), h.items[j].item()) < 0
}
func (h *cursorHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *cursorHeap) Push(x any)    { h.items = append(h.items, x.(*runCursor)) }
func (h *cursorHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// mergeGroup merges batch (at most mergeWays runs) from src into a
// single run written to dst.
func (s *Sorter) mergeGroup(src, dst *fileman.File, batch []run) (run, error) {
	h := &cursorHeap{cmp: s.cmp}
	for _, r := range batch {
		c := newRunCursor(src, r)
		ok, err := c.next()
		if err != nil {
			return run{}, err
		}
		if ok {
			h.items = append(h.items, c)
		}
	}
	heap.Init(h)

	w := newRunWriter(dst)
	for h.Len() > 0 {
		c := h.items[0]
		if err := w.Write(c.item()); err != nil {
			return run{}, err
		}
		ok, err := c.next()
		if err != nil {
			return run{}, err
		}
		if ok {
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
			c.close()
		}
	}
	return w.Close(), nil
}
