// Package heap implements the heap table: a wrapper over one virtual
// file whose pages are slotted, with insert/update/erase and
// snapshot-based forward iteration (spec §4.3).
package heap

import (
	"fmt"

	"github.com/relkit/coredb/internal/kernelerr"
	"github.com/relkit/coredb/internal/storage/fileman"
	"github.com/relkit/coredb/internal/storage/page"
)

// Table is a heap file: an append-mostly sequence of slotted pages
// belonging to one virtual file (spec §4.3).
type Table struct {
	file     *fileman.File
	lastPage page.ID // cache to avoid walking the chain on every insert
}

// Open wraps an already-created virtual file as a heap table.
func Open(f *fileman.File) *Table {
	return &Table{file: f}
}

// Initialize must be called exactly once on a fresh file: it gives the
// table a single empty slotted data page (spec §4.3).
func Initialize(f *fileman.File) (*Table, error) {
	t := &Table{file: f}
	pid, err := f.AllocatePage()
	if err != nil {
		return nil, err
	}
	sp, buf, err := f.Pool().Pin(pid)
	if err != nil {
		return nil, err
	}
	page.Init(buf, page.Header{Flags: page.FlagVFile, FileID: f.ID()})
	sp.MarkDirty()
	sp.Release()
	t.lastPage = pid
	return t, nil
}

func (t *Table) firstPage() (page.ID, error) { return t.file.FirstPageNumber() }

// InsertRecord writes rec into the table, starting from the cached last
// page and walking forward (allocating a new page if none fits). Fatal
// if rec does not fit on an empty page (spec §4.3).
func (t *Table) InsertRecord(rec []byte) (page.RecordID, error) {
	if len(rec) > page.Capacity() {
		kernelerr.Panic("heap: record of %d bytes exceeds page capacity %d", len(rec), page.Capacity())
	}

	pid := t.lastPage
	if !pid.Valid() {
		fp, err := t.firstPage()
		if err != nil {
			return page.RecordID{}, err
		}
		pid = fp
	}

	for pid.Valid() {
		sp, buf, err := t.file.Pool().Pin(pid)
		if err != nil {
			return page.RecordID{}, err
		}
		sl := page.Wrap(buf)
		sid := sl.InsertRecord(rec)
		if sid != page.InvalidSlotID {
			sp.MarkDirty()
			sp.Release()
			t.lastPage = pid
			return page.RecordID{Page: pid, Slot: sid}, nil
		}
		next := sl.Header().Next
		sp.Release()
		if !next.Valid() {
			newPID, err := t.file.AllocatePage()
			if err != nil {
				return page.RecordID{}, err
			}
			nsp, nbuf, err := t.file.Pool().Pin(newPID)
			if err != nil {
				return page.RecordID{}, err
			}
			page.Init(nbuf, page.Header{Flags: page.FlagVFile, FileID: t.file.ID(), Prev: pid})
			nsid := page.Wrap(nbuf).InsertRecord(rec)
			if nsid == page.InvalidSlotID {
				nsp.Release()
				kernelerr.Panic("heap: empty page cannot fit record of %d bytes", len(rec))
			}
			nsp.MarkDirty()
			nsp.Release()

			osp, obuf, err := t.file.Pool().Pin(pid)
			if err != nil {
				return page.RecordID{}, err
			}
			oh := page.UnmarshalHeader(obuf)
			oh.Next = newPID
			oh.Marshal(obuf)
			osp.MarkDirty()
			osp.Release()

			t.lastPage = newPID
			return page.RecordID{Page: newPID, Slot: nsid}, nil
		}
		pid = next
	}
	return page.RecordID{}, fmt.Errorf("heap: table has no pages")
}

// EraseRecord removes rid's slot. If the page becomes empty, it is
// returned to the file manager's free list (spec §4.3).
func (t *Table) EraseRecord(rid page.RecordID) error {
	sp, buf, err := t.file.Pool().Pin(rid.Page)
	if err != nil {
		return err
	}
	sl := page.Wrap(buf)
	ok := sl.Erase(rid.Slot)
	empty := sl.RecordCount() == 0
	sp.MarkDirty()
	sp.Release()
	if !ok {
		return fmt.Errorf("heap: erase of unoccupied slot %v", rid)
	}
	if empty {
		if err := t.file.FreePage(rid.Page); err != nil {
			return err
		}
		if t.lastPage == rid.Page {
			t.lastPage = page.InvalidID
		}
	}
	return nil
}

// UpdateRecord replaces rid's payload in place when it still fits;
// otherwise inserts the new payload as a new record, then erases the old
// slot, updating rid. The old slot is left occupied unless the new one
// was successfully installed (spec §4.3).
func (t *Table) UpdateRecord(rid page.RecordID, newRec []byte) (page.RecordID, error) {
	sp, buf, err := t.file.Pool().Pin(rid.Page)
	if err != nil {
		return page.RecordID{}, err
	}
	sl := page.Wrap(buf)
	if old := sl.GetRecord(rid.Slot); old != nil && len(newRec) > len(old) {
		sp.Release()
		newRID, err := t.InsertRecord(newRec)
		if err != nil {
			return page.RecordID{}, err
		}
		return newRID, t.EraseRecord(rid)
	}
	ok, fits := sl.Update(rid.Slot, newRec)
	sp.MarkDirty()
	sp.Release()
	if ok {
		return rid, nil
	}
	if fits {
		return page.RecordID{}, fmt.Errorf("heap: update of unoccupied slot %v", rid)
	}
	newRID, err := t.InsertRecord(newRec)
	if err != nil {
		return page.RecordID{}, err
	}
	return newRID, nil
}

// GetRecord returns a copy of rid's payload.
func (t *Table) GetRecord(rid page.RecordID) ([]byte, error) {
	sp, buf, err := t.file.Pool().Pin(rid.Page)
	if err != nil {
		return nil, err
	}
	defer sp.Release()
	rec := page.Wrap(buf).GetRecord(rid.Slot)
	if rec == nil {
		return nil, fmt.Errorf("heap: no such record %v", rid)
	}
	out := make([]byte, len(rec))
	copy(out, rec)
	return out, nil
}

// File exposes the backing virtual file, for callers (index maintenance,
// catalog glue) that need its id.
func (t *Table) File() *fileman.File { return t.file }
