package heap

import (
	"github.com/relkit/coredb/internal/storage/buffer"
	"github.com/relkit/coredb/internal/storage/page"
)

// Iterator walks a table's page list in order, then each page's occupied
// slots in ascending slot-id order. It holds a pin on the current page;
// advancing releases it and pins the next one (spec §4.3).
//
// The last-page page number is captured at start, so records appended to
// the table after the scan begins are not observed — exactly the
// snapshot semantics spec §4.3 and §8 invariant 3 require.
type Iterator struct {
	t        *Table
	snapshot page.ID // last page as of scan start; iteration stops after this one
	pin      *buffer.ScopedPin
	buf      []byte
	curPage  page.ID
	curSlot  page.SlotID
	done     bool
	started  bool
}

// StartScan begins a fresh forward scan of the whole table.
func (t *Table) StartScan() (*Iterator, error) {
	first, err := t.firstPage()
	if err != nil {
		return nil, err
	}
	last, err := t.file.LastPageNumber()
	if err != nil {
		return nil, err
	}
	it := &Iterator{t: t, snapshot: last, curPage: first}
	if !first.Valid() {
		it.done = true
	}
	return it, nil
}

// StartScanFrom begins a scan positioned so the first Next() call yields
// the first occupied slot at or after rid.
func (t *Table) StartScanFrom(rid page.RecordID) (*Iterator, error) {
	last, err := t.file.LastPageNumber()
	if err != nil {
		return nil, err
	}
	it := &Iterator{t: t, snapshot: last, curPage: rid.Page, curSlot: rid.Slot - 1}
	return it, nil
}

func (it *Iterator) releasePin() {
	if it.pin != nil {
		it.pin.Release()
		it.pin = nil
		it.buf = nil
	}
}

// Next advances to the next occupied slot, returning false once the
// snapshot's pages are exhausted.
func (it *Iterator) Next() (bool, error) {
	if it.done {
		return false, nil
	}
	for {
		if it.pin == nil {
			if !it.curPage.Valid() {
				it.done = true
				return false, nil
			}
			sp, buf, err := it.t.file.Pool().Pin(it.curPage)
			if err != nil {
				return false, err
			}
			it.pin = sp
			it.buf = buf
			if !it.started {
				it.started = true
			} else {
				it.curSlot = 0
			}
		}
		sl := page.Wrap(it.buf)
		max := sl.MaxSlotID()
		for it.curSlot < max {
			it.curSlot++
			if sl.IsOccupied(it.curSlot) {
				return true, nil
			}
		}
		// exhausted this page
		wasSnapshotPage := it.curPage == it.snapshot
		next := sl.Header().Next
		it.releasePin()
		if wasSnapshotPage || !next.Valid() {
			it.done = true
			return false, nil
		}
		it.curPage = next
		it.curSlot = 0
	}
}

// Record returns the current tuple's raw payload.
func (it *Iterator) Record() []byte { return page.Wrap(it.buf).GetRecord(it.curSlot) }

// RecordID returns the current tuple's record id.
func (it *Iterator) RecordID() page.RecordID {
	return page.RecordID{Page: it.curPage, Slot: it.curSlot}
}

// Close releases the held pin, if any.
func (it *Iterator) Close() {
	it.releasePin()
	it.done = true
}
