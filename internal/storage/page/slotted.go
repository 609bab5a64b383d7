package page

import "encoding/binary"

// ─────────────────────────────────────────────────────────────────────────
// Slotted variable-length data page (spec §3, §4.3)
//
// Layout, following the common 16-byte header:
//
//	[16:18]  SlotCount    (uint16 LE)
//	[18:20]  FreeSpaceEnd (uint16 LE) — offset where the next record is placed
//	[20..]   Slot directory: SlotCount entries of 4 bytes each
//	  [0:2]  Offset  (uint16 LE)
//	  [2:4]  Length  (uint16 LE) — 0 marks an unoccupied slot (tombstone)
//	...      free space ...
//	         Record payloads, growing downward from FreeSpaceEnd
//
// Slot ids are 1-based (MinSlotID); slot index i in the directory holds
// slot id i+1. An empty page has SlotCount=0 and FreeSpaceEnd=Size (minus
// the trailing CRC slot reserved by the page package).
// ─────────────────────────────────────────────────────────────────────────

const (
	slotDirBase   = HeaderSize     // 16
	slotCountOff  = slotDirBase    // 16
	freeSpaceOff  = slotDirBase + 2 // 18
	slotDirOffset = slotDirBase + 4 // 20
	slotEntrySize = 4
	// usableEnd leaves room for the trailing CRC word the page package
	// writes into the very last 4 bytes of the page.
	usableEnd = Size - 4
)

// Slot describes one entry in the slot directory.
type Slot struct {
	Offset uint16
	Length uint16
}

// Occupied reports whether the slot holds a live record.
func (s Slot) Occupied() bool { return s.Length > 0 }

// Slotted wraps a raw page buffer with slotted-page accessors. It does not
// own the buffer; callers obtain the buffer from a pinned buffer-manager
// frame and must hold that pin for as long as the Slotted view is used.
type Slotted struct {
	buf []byte
}

// Wrap adapts an existing page buffer (already initialized) as a Slotted
// view.
func Wrap(buf []byte) *Slotted { return &Slotted{buf: buf} }

// Init initializes buf as an empty slotted page, writing the given common
// header first.
func Init(buf []byte, h Header) *Slotted {
	h.Marshal(buf)
	binary.LittleEndian.PutUint16(buf[slotCountOff:], 0)
	binary.LittleEndian.PutUint16(buf[freeSpaceOff:], uint16(usableEnd))
	return &Slotted{buf: buf}
}

// Bytes returns the underlying page buffer.
func (sp *Slotted) Bytes() []byte { return sp.buf }

// Header reads the common page header.
func (sp *Slotted) Header() Header { return UnmarshalHeader(sp.buf) }

// SetHeader rewrites the common page header in place.
func (sp *Slotted) SetHeader(h Header) { h.Marshal(sp.buf) }

func (sp *Slotted) slotCount() int {
	return int(binary.LittleEndian.Uint16(sp.buf[slotCountOff:]))
}

func (sp *Slotted) setSlotCount(n int) {
	binary.LittleEndian.PutUint16(sp.buf[slotCountOff:], uint16(n))
}

// FreeSpaceEnd is the offset at which the next record payload is placed.
func (sp *Slotted) FreeSpaceEnd() int {
	return int(binary.LittleEndian.Uint16(sp.buf[freeSpaceOff:]))
}

func (sp *Slotted) setFreeSpaceEnd(off int) {
	binary.LittleEndian.PutUint16(sp.buf[freeSpaceOff:], uint16(off))
}

func (sp *Slotted) slotOffset(i int) int { return slotDirOffset + i*slotEntrySize }

func (sp *Slotted) getSlotAt(i int) Slot {
	off := sp.slotOffset(i)
	return Slot{
		Offset: binary.LittleEndian.Uint16(sp.buf[off:]),
		Length: binary.LittleEndian.Uint16(sp.buf[off+2:]),
	}
}

func (sp *Slotted) setSlotAt(i int, s Slot) {
	off := sp.slotOffset(i)
	binary.LittleEndian.PutUint16(sp.buf[off:], s.Offset)
	binary.LittleEndian.PutUint16(sp.buf[off+2:], s.Length)
}

// MinSlotID / MaxSlotID describe the occupied range of slot ids ever handed
// out on this page (including tombstoned ones); the caller walks that range
// with IsOccupied to enumerate live records.
func (sp *Slotted) MinSlotID() SlotID {
	if sp.slotCount() == 0 {
		return InvalidSlotID
	}
	return MinSlotID
}

// MaxSlotID returns the highest slot id ever allocated on this page.
func (sp *Slotted) MaxSlotID() SlotID {
	return SlotID(sp.slotCount())
}

// RecordCount returns the number of occupied (non-tombstoned) slots.
func (sp *Slotted) RecordCount() int {
	n := 0
	for i := 0; i < sp.slotCount(); i++ {
		if sp.getSlotAt(i).Occupied() {
			n++
		}
	}
	return n
}

// IsOccupied reports whether id addresses a live record.
func (sp *Slotted) IsOccupied(id SlotID) bool {
	i := int(id) - 1
	if i < 0 || i >= sp.slotCount() {
		return false
	}
	return sp.getSlotAt(i).Occupied()
}

// dirEnd is the offset just past the last slot directory entry.
func (sp *Slotted) dirEnd() int { return slotDirOffset + sp.slotCount()*slotEntrySize }

func (sp *Slotted) freeBytes() int { return sp.FreeSpaceEnd() - sp.dirEnd() }

// fits reports whether a record of length n can be inserted, assuming a
// fresh slot entry is required.
func (sp *Slotted) fits(n int) bool { return sp.freeBytes() >= n+slotEntrySize }

// firstFreeSlotIndex returns the 0-based index of a reusable tombstone, or
// -1 if none exists.
func (sp *Slotted) firstFreeSlotIndex() int {
	for i := 0; i < sp.slotCount(); i++ {
		if !sp.getSlotAt(i).Occupied() {
			return i
		}
	}
	return -1
}

// InsertRecord stores rec in a fresh or reused slot. Returns InvalidSlotID
// if the record does not fit on this page.
func (sp *Slotted) InsertRecord(rec []byte) SlotID {
	n := len(rec)
	if i := sp.firstFreeSlotIndex(); i >= 0 {
		// A tombstone slot still costs no new directory entry, only the
		// free space for the payload itself.
		if sp.FreeSpaceEnd()-sp.dirEnd() < n {
			return InvalidSlotID
		}
		newEnd := sp.FreeSpaceEnd() - n
		copy(sp.buf[newEnd:newEnd+n], rec)
		sp.setFreeSpaceEnd(newEnd)
		sp.setSlotAt(i, Slot{Offset: uint16(newEnd), Length: uint16(n)})
		return SlotID(i + 1)
	}
	if !sp.fits(n) {
		return InvalidSlotID
	}
	newEnd := sp.FreeSpaceEnd() - n
	copy(sp.buf[newEnd:newEnd+n], rec)
	sp.setFreeSpaceEnd(newEnd)
	i := sp.slotCount()
	sp.setSlotAt(i, Slot{Offset: uint16(newEnd), Length: uint16(n)})
	sp.setSlotCount(i + 1)
	return SlotID(i + 1)
}

// InsertAt places rec at the specific slot id, extending the directory
// with tombstones as needed (used by bulk load to preserve slot identity).
// Returns false if rec does not fit.
func (sp *Slotted) InsertAt(id SlotID, rec []byte) bool {
	n := len(rec)
	if sp.FreeSpaceEnd()-sp.dirEnd() < n {
		// Conservative: growing the directory may also be required below.
	}
	i := int(id) - 1
	for sp.slotCount() <= i {
		// Extend with tombstones; directory growth also costs free space.
		if sp.freeBytes() < slotEntrySize {
			return false
		}
		sp.setSlotAt(sp.slotCount(), Slot{})
		sp.setSlotCount(sp.slotCount() + 1)
	}
	if sp.FreeSpaceEnd()-sp.dirEnd() < n {
		return false
	}
	newEnd := sp.FreeSpaceEnd() - n
	copy(sp.buf[newEnd:newEnd+n], rec)
	sp.setFreeSpaceEnd(newEnd)
	sp.setSlotAt(i, Slot{Offset: uint16(newEnd), Length: uint16(n)})
	return true
}

// Erase tombstones slot id, returning false if it was already empty or out
// of range.
func (sp *Slotted) Erase(id SlotID) bool {
	i := int(id) - 1
	if i < 0 || i >= sp.slotCount() {
		return false
	}
	if !sp.getSlotAt(i).Occupied() {
		return false
	}
	sp.setSlotAt(i, Slot{})
	return true
}

// Update rewrites the record at id. If the new payload is no longer than
// the slot's current length, it is rewritten in place; otherwise the slot
// is tombstoned and the caller is told to reinsert (fits==false), matching
// spec §4.3's "otherwise erases and reports does not fit".
func (sp *Slotted) Update(id SlotID, rec []byte) (ok bool, fits bool) {
	i := int(id) - 1
	if i < 0 || i >= sp.slotCount() {
		return false, false
	}
	old := sp.getSlotAt(i)
	if !old.Occupied() {
		return false, false
	}
	if len(rec) <= int(old.Length) {
		copy(sp.buf[old.Offset:int(old.Offset)+len(rec)], rec)
		sp.setSlotAt(i, Slot{Offset: old.Offset, Length: uint16(len(rec))})
		return true, true
	}
	sp.setSlotAt(i, Slot{})
	return false, false
}

// GetRecord returns the raw bytes stored at id, or nil if unoccupied.
func (sp *Slotted) GetRecord(id SlotID) []byte {
	i := int(id) - 1
	if i < 0 || i >= sp.slotCount() {
		return nil
	}
	s := sp.getSlotAt(i)
	if !s.Occupied() {
		return nil
	}
	return sp.buf[s.Offset : s.Offset+s.Length]
}

// GetSlot exposes the raw slot directory entry for id.
func (sp *Slotted) GetSlot(id SlotID) Slot { return sp.getSlotAt(int(id) - 1) }

// SlotCount is the public accessor mirroring the private counter.
func (sp *Slotted) SlotCount() int { return sp.slotCount() }

// FreeBytes is the public accessor for remaining capacity, used by callers
// deciding whether a page is below the min-usage threshold (spec §3).
func (sp *Slotted) FreeBytes() int { return sp.freeBytes() }

// UsedBytes returns how much of the page's user area is in use by live
// records and the slot directory (spec §3's min-page-usage threshold is
// expressed against this).
func (sp *Slotted) UsedBytes() int {
	return (usableEnd - sp.FreeSpaceEnd()) + (sp.dirEnd() - slotDirOffset)
}

// Capacity is the total user-area size available to a freshly initialized
// page (records + slot directory), used as the denominator of the
// min-page-usage fraction.
func Capacity() int { return usableEnd - slotDirOffset }
