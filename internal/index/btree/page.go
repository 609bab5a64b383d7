package btree

import (
	"encoding/binary"

	"github.com/relkit/coredb/internal/storage/page"
	"github.com/relkit/coredb/internal/types"
)

// B+Tree pages are slotted pages with two extra flag bits folded into the
// common header's Flags field, on top of page.FlagVFile which every
// B+Tree data page also carries (spec §3).
//
// Sibling pointers (spec §3: "sibling pages on the same level are doubly
// linked") are NOT carried in the common header's Prev/Next fields: those
// belong to fileman, which reads and rewrites them as the virtual file's
// own allocation-order chain whenever a page is freed (FreePage unlinks a
// page by patching its file-chain neighbors' Prev/Next). Repurposing them
// here would have fileman's bookkeeping silently scramble tree-sibling
// links on unrelated pages the next time any page in the index's file is
// freed. Instead, slot 1 on every B+Tree page is reserved for an 8-byte
// (prev, next) sibling record, kept in sync by Update (always in place,
// since it never changes length); real records live at slot 2 and up.
const (
	flagLeaf uint16 = 1 << 2
	flagRoot uint16 = 1 << 3

	siblingSlot = page.MinSlotID // slot 1, reserved
)

// node is a thin view over a slotted page interpreted as a B+Tree node.
type node struct {
	sl *page.Slotted
}

func wrapNode(buf []byte) node { return node{sl: page.Wrap(buf)} }

// leafHeader/internalHeader build a fresh common header for a node page,
// to be passed to node.Rewrite (which does the actual page.Init).
func leafHeader(fileID uint32, root bool) page.Header {
	f := page.FlagVFile | flagLeaf
	if root {
		f |= flagRoot
	}
	return page.Header{Flags: f, FileID: fileID}
}

func internalHeader(fileID uint32, root bool) page.Header {
	f := page.FlagVFile
	if root {
		f |= flagRoot
	}
	return page.Header{Flags: f, FileID: fileID}
}

func (n node) IsLeaf() bool { return n.sl.Header().Flags&flagLeaf != 0 }
func (n node) IsRoot() bool { return n.sl.Header().Flags&flagRoot != 0 }

func (n node) setRoot(v bool) {
	h := n.sl.Header()
	if v {
		h.Flags |= flagRoot
	} else {
		h.Flags &^= flagRoot
	}
	n.sl.SetHeader(h)
}

func (n node) setLeaf(v bool) {
	h := n.sl.Header()
	if v {
		h.Flags |= flagLeaf
	} else {
		h.Flags &^= flagLeaf
	}
	n.sl.SetHeader(h)
}

func marshalSiblings(prev, next page.ID) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(prev))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(next))
	return buf
}

func (n node) siblings() (prev, next page.ID) {
	b := n.sl.GetRecord(siblingSlot)
	return page.ID(binary.LittleEndian.Uint32(b[0:4])), page.ID(binary.LittleEndian.Uint32(b[4:8]))
}

func (n node) Prev() page.ID { p, _ := n.siblings(); return p }
func (n node) Next() page.ID { _, nx := n.siblings(); return nx }

func (n node) SetPrev(id page.ID) {
	_, next := n.siblings()
	n.sl.Update(siblingSlot, marshalSiblings(id, next))
}

func (n node) SetNext(id page.ID) {
	prev, _ := n.siblings()
	n.sl.Update(siblingSlot, marshalSiblings(prev, id))
}

// ─── leaf records: (heap rid) ∥ (key payload) ───────────────────────────

type leafRec struct {
	RID page.RecordID
	Key []byte // schema-encoded key payload
}

func marshalLeaf(r leafRec) []byte {
	buf := make([]byte, 6+len(r.Key))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.RID.Page))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(r.RID.Slot))
	copy(buf[6:], r.Key)
	return buf
}

func unmarshalLeaf(b []byte) leafRec {
	return leafRec{
		RID: page.RecordID{Page: page.ID(binary.LittleEndian.Uint32(b[0:4])), Slot: page.SlotID(binary.LittleEndian.Uint16(b[4:6]))},
		Key: b[6:],
	}
}

// ─── internal records: (child pid, separator rid) ∥ (key payload) ──────
//
// The first data record on every internal page is a sentinel: it carries
// only the child pointer, no separator rid and no key, and is treated as
// negative infinity (spec §3, §4.5).

type internalRec struct {
	Child     page.ID
	Sentinel  bool
	Separator page.RecordID
	Key       []byte
}

func marshalInternal(r internalRec) []byte {
	if r.Sentinel {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(r.Child))
		return buf
	}
	buf := make([]byte, 10+len(r.Key))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Child))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Separator.Page))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(r.Separator.Slot))
	copy(buf[10:], r.Key)
	return buf
}

func unmarshalInternal(b []byte) internalRec {
	if len(b) == 4 {
		return internalRec{Child: page.ID(binary.LittleEndian.Uint32(b)), Sentinel: true}
	}
	return internalRec{
		Child:     page.ID(binary.LittleEndian.Uint32(b[0:4])),
		Separator: page.RecordID{Page: page.ID(binary.LittleEndian.Uint32(b[4:8])), Slot: page.SlotID(binary.LittleEndian.Uint16(b[8:10]))},
		Key:       b[10:],
	}
}

// AllRecords returns every occupied data record's raw bytes (excluding the
// reserved sibling-pointer slot) in ascending slot-id order. Combined with
// Rewrite, this lets callers treat a B+Tree page's logical record order as
// a plain sorted Go slice instead of manipulating the slot directory in
// place: the page is decoded, spliced, and rewritten from scratch on every
// mutation. After a Rewrite, data slot ids exactly match sorted order with
// no tombstones, so AllRecords index and slot id stay interchangeable
// until the next mutation.
func (n node) AllRecords() [][]byte {
	count := n.sl.SlotCount()
	out := make([][]byte, 0, count)
	for i := int(siblingSlot) + 1; i <= count; i++ {
		if rec := n.sl.GetRecord(page.SlotID(i)); rec != nil {
			cp := make([]byte, len(rec))
			copy(cp, rec)
			out = append(out, cp)
		}
	}
	return out
}

// Rewrite reinitializes the page with header h (flags as given, siblings
// preserved) and reinserts recs in order. Returns false if they
// collectively do not fit; on failure the page's prior content is gone, so
// callers must only call Rewrite once they've decided to commit the new
// record set (e.g. after confirming total size fits, or as the first half
// of a split that will write the remainder elsewhere).
func (n node) Rewrite(h page.Header, prev, next page.ID, recs [][]byte) bool {
	sl := page.Init(n.sl.Bytes(), h)
	n.sl = sl
	if n.sl.InsertRecord(marshalSiblings(prev, next)) == page.InvalidSlotID {
		return false
	}
	for _, r := range recs {
		if n.sl.InsertRecord(r) == page.InvalidSlotID {
			return false
		}
	}
	return true
}

// ByteSize estimates the on-page footprint of a set of records, including
// their slot directory entries, for split/merge/rebalance sizing
// decisions. The reserved sibling slot's own footprint is a fixed
// per-page constant and is added by callers that need an absolute
// capacity check (see fitsOnPage).
func ByteSize(recs [][]byte) int {
	n := 0
	for _, r := range recs {
		n += len(r) + slotEntryCost
	}
	return n
}

const slotEntryCost = 4
const siblingRecCost = 8 + slotEntryCost

// fitsOnPage reports whether recs (plus the mandatory sibling slot) fit in
// one page's user area.
func fitsOnPage(recs [][]byte) bool {
	return ByteSize(recs)+siblingRecCost <= page.Capacity()
}

// decodeKey decodes a schema-encoded key payload into comparable DatumRefs.
func decodeKey(sch *types.Schema, payload []byte) []types.DatumRef {
	data, err := sch.DissemblePayload(payload)
	if err != nil {
		panic("btree: corrupt key payload: " + err.Error())
	}
	refs := make([]types.DatumRef, len(data))
	for i, d := range data {
		refs[i] = d.Ref()
	}
	return refs
}

// encodeKey is the inverse of decodeKey, building a schema payload from
// comparable DatumRefs (e.g. a key extracted from a child record) for
// embedding in a new leaf/internal/separator record.
func encodeKey(sch *types.Schema, refs []types.DatumRef) []byte {
	data := make([]types.Datum, len(refs))
	for i, r := range refs {
		data[i] = r.Deref()
	}
	return sch.WritePayload(nil, data)
}
