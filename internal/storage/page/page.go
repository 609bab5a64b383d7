// Package page defines the fixed-size page format shared by the file
// manager, buffer manager, heap tables and B+Tree: a 16-byte PageHeader
// followed by a user area whose interpretation depends on the page's
// owner (plain slotted heap page, B+Tree node, file-directory page, ...).
package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Size is the page size in bytes. Fixed at build time; must be a power of
// two (spec §3). 4096 matches the spec's "typically 4096" default.
const Size = 4096

// PagesPerGroup is the number of pages in one fixed-size page group,
// mapping the flat page-number space onto bounded OS files (spec §4.1).
const PagesPerGroup = 64

// ID identifies a page within the global, flat page-number space.
type ID uint32

const (
	// InvalidID marks the absence of a page (spec §6).
	InvalidID ID = 0xFFFFFFFF
	// ReservedID is a sentinel distinct from InvalidID, used by
	// iterators for "position is after the last tuple" (spec §6).
	ReservedID ID = 0xFFFFFFFE
)

// Valid reports whether id refers to a real, allocatable page.
func (id ID) Valid() bool { return id != InvalidID && id != ReservedID }

// SlotID addresses a record within a page's slot directory. Slot ids are
// small positive integers; MinSlotID is the first valid id (spec §3/§6).
type SlotID uint16

const (
	// InvalidSlotID equals MinSlotID-1: "no such slot" (spec §6).
	InvalidSlotID SlotID = 0
	// MinSlotID is the first slot id a page will ever hand out.
	MinSlotID SlotID = 1
)

// RecordID identifies a record within a heap file (spec §6).
type RecordID struct {
	Page ID
	Slot SlotID
}

func (r RecordID) String() string { return fmt.Sprintf("(%d,%d)", r.Page, r.Slot) }

// Valid reports whether r plausibly addresses a real record.
func (r RecordID) Valid() bool { return r.Page.Valid() && r.Slot >= MinSlotID }

// Header flag bits (spec §6).
const (
	FlagMeta  uint16 = 1 << 0 // META_PAGE
	FlagVFile uint16 = 1 << 1 // VFILE_PAGE
)

// HeaderSize is the size in bytes of the common page header — exactly 16
// bytes per spec §6: flags(2) + reserved(2) + file_id(4) + prev_pid(4) +
// next_pid(4).
const HeaderSize = 16

// Header is the fixed 16-byte header present at the start of every page.
type Header struct {
	Flags    uint16
	Reserved uint16
	FileID   uint32
	Prev     ID
	Next     ID
}

// Marshal writes h into the first HeaderSize bytes of buf.
func (h Header) Marshal(buf []byte) {
	if len(buf) < HeaderSize {
		panic("page: buffer smaller than header")
	}
	binary.LittleEndian.PutUint16(buf[0:2], h.Flags)
	binary.LittleEndian.PutUint16(buf[2:4], h.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], h.FileID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Prev))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Next))
}

// UnmarshalHeader reads the common header from buf.
func UnmarshalHeader(buf []byte) Header {
	return Header{
		Flags:    binary.LittleEndian.Uint16(buf[0:2]),
		Reserved: binary.LittleEndian.Uint16(buf[2:4]),
		FileID:   binary.LittleEndian.Uint32(buf[4:8]),
		Prev:     ID(binary.LittleEndian.Uint32(buf[8:12])),
		Next:     ID(binary.LittleEndian.Uint32(buf[12:16])),
	}
}

// IsMeta reports whether the FlagMeta bit is set.
func (h Header) IsMeta() bool { return h.Flags&FlagMeta != 0 }

// IsVFileData reports whether the FlagVFile bit is set.
func (h Header) IsVFileData() bool { return h.Flags&FlagVFile != 0 }

// New allocates a zeroed page buffer with the common header written.
func New(h Header) []byte {
	buf := make([]byte, Size)
	h.Marshal(buf)
	return buf
}

// ─── supplemental CRC32 integrity check (SPEC_FULL.md §5) ──────────────────
//
// The checksum rides in the trailing 4 bytes of the page body (the last
// 4 bytes of the page), not in the fixed 16-byte header, since spec §6
// fixes that header's layout exactly. It is advisory: callers that don't
// care may ignore it, callers that do call Verify after every read.

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func crcOffset() int { return Size - 4 }

// SetCRC computes and stores the checksum of everything in buf except the
// trailing checksum slot itself.
func SetCRC(buf []byte) {
	c := crc32.Checksum(buf[:crcOffset()], crcTable)
	binary.LittleEndian.PutUint32(buf[crcOffset():], c)
}

// VerifyCRC recomputes the checksum and compares it against the stored
// value, returning an error (not a fatal panic — corruption is an IO-layer
// concern reported to the caller) on mismatch.
func VerifyCRC(buf []byte) error {
	stored := binary.LittleEndian.Uint32(buf[crcOffset():])
	got := crc32.Checksum(buf[:crcOffset()], crcTable)
	if stored != got {
		return fmt.Errorf("page: CRC mismatch: stored=%08x computed=%08x", stored, got)
	}
	return nil
}
