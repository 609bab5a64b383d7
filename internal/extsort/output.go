package extsort

import (
	"github.com/relkit/coredb/internal/storage/buffer"
	"github.com/relkit/coredb/internal/storage/fileman"
	"github.com/relkit/coredb/internal/storage/page"
)

// Output is the rewindable iterator over a completed sort's final run
// (spec §4.6 step 3). It holds at most one page pinned and serves
// get_current_item via a read-ahead buffer valid until the next Next.
type Output struct {
	f   *fileman.File
	r   run
	pin *buffer.ScopedPin
	buf []byte

	pid     page.ID
	slotIdx int // 1-based slot id of the current item once one has been read
	started bool
	done    bool
	curItem []byte
}

func newOutput(f *fileman.File, r run) *Output {
	return &Output{f: f, r: r, pid: r.start, done: !r.start.Valid()}
}

func (o *Output) releasePin() {
	if o.pin != nil {
		o.pin.Release()
		o.pin, o.buf = nil, nil
	}
}

// Next advances to the next item in sort order.
func (o *Output) Next() (bool, error) {
	if o.done {
		return false, nil
	}
	for {
		if o.pin == nil {
			if !o.pid.Valid() {
				o.done = true
				return false, nil
			}
			sp, buf, err := o.f.Pool().Pin(o.pid)
			if err != nil {
				return false, err
			}
			o.pin, o.buf = sp, buf
			if o.started {
				o.slotIdx = 0
			}
			o.started = true
		}
		sl := page.Wrap(o.buf)
		if o.slotIdx >= sl.SlotCount() {
			atEnd := o.pid == o.r.end
			next := sl.Header().Next
			o.releasePin()
			if atEnd || !next.Valid() {
				o.done = true
				return false, nil
			}
			o.pid = next
			continue
		}
		rec := sl.GetRecord(page.SlotID(o.slotIdx + 1))
		o.slotIdx++
		o.curItem = append([]byte(nil), rec...)
		return true, nil
	}
}

// Item returns the current item, valid until the next Next or Rewind.
func (o *Output) Item() []byte { return o.curItem }

// SavePosition encodes the current item's location as an opaque value
// (page number, slot id), so later rewind lands on the exact same item.
// Before the first item the slot id is 0; once the output is exhausted
// the page number is page.ReservedID.
func (o *Output) SavePosition() uint64 {
	if o.done && o.started {
		return encodePos(page.ReservedID, 0)
	}
	return encodePos(o.pid, page.SlotID(o.slotIdx))
}

// Rewind repositions the iterator so Item immediately returns the item
// saved at pos, and a following Next resumes just after it. A
// before-first position rewinds to the start and an after-last position
// to the end; both report false.
func (o *Output) Rewind(pos uint64) (bool, error) {
	o.releasePin()
	pid, sid := decodePos(pos)
	if pid == page.ReservedID {
		o.started, o.done, o.curItem = true, true, nil
		return false, nil
	}
	if !pid.Valid() || sid == page.InvalidSlotID {
		o.pid, o.slotIdx, o.started, o.curItem = o.r.start, 0, false, nil
		o.done = !o.r.start.Valid()
		return false, nil
	}
	sp, buf, err := o.f.Pool().Pin(pid)
	if err != nil {
		return false, err
	}
	rec := page.Wrap(buf).GetRecord(sid)
	if rec == nil {
		sp.Release()
		return false, nil
	}
	o.pin, o.buf = sp, buf
	o.pid = pid
	o.slotIdx = int(sid)
	o.started, o.done = true, false
	o.curItem = append([]byte(nil), rec...)
	return true, nil
}

// Close releases any held pin.
func (o *Output) Close() {
	o.releasePin()
	o.done = true
}

func encodePos(pid page.ID, sid page.SlotID) uint64 { return uint64(pid)<<16 | uint64(sid) }

func decodePos(pos uint64) (page.ID, page.SlotID) {
	return page.ID(pos >> 16), page.SlotID(pos & 0xFFFF)
}
