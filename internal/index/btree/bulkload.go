package btree

import (
	"encoding/binary"

	"github.com/relkit/coredb/internal/storage/fileman"
	"github.com/relkit/coredb/internal/storage/page"
	"github.com/relkit/coredb/internal/types"
)

// BulkSource supplies (key, rid) pairs in ascending key order, ok=false
// once exhausted (spec §4.5's bulk_load).
type BulkSource func() (keyRefs []types.DatumRef, rid page.RecordID, ok bool, err error)

// childInfo tracks one just-built page and the key/rid that should
// introduce it on its parent's page (spec §4.5: the pulled-up separator
// for a non-first child, or just the bare pointer for the first).
type childInfo struct {
	PID page.ID
	Key []types.DatumRef
	RID page.RecordID
}

// Bulkload builds a B+Tree bottom-up from a pre-sorted source, packing
// each level's pages greedily instead of growing the tree one record at
// a time (spec §4.5, §8's round-trip: a lookup against the result must
// find exactly what went in). src must already be sorted by (key, rid);
// Bulkload does not sort it.
func Bulkload(f *fileman.File, keySchema *types.Schema, unique bool, src BulkSource) (*BTree, error) {
	metaPID, err := f.AllocatePage()
	if err != nil {
		return nil, err
	}

	leaves, err := buildLeafLevel(f, keySchema, src)
	if err != nil {
		return nil, err
	}

	level := leaves
	for len(level) > 1 {
		level, err = buildInternalLevel(f, keySchema, level)
		if err != nil {
			return nil, err
		}
	}

	rootPID := level[0].PID
	if err := withFileNode(f, rootPID, func(nn node) { nn.setRoot(true) }); err != nil {
		return nil, err
	}

	msp, mbuf, err := f.Pool().Pin(metaPID)
	if err != nil {
		return nil, err
	}
	page.Header{Flags: page.FlagMeta, FileID: f.ID()}.Marshal(mbuf)
	binary.LittleEndian.PutUint32(mbuf[metaRootOff:], uint32(rootPID))
	msp.MarkDirty()
	msp.Release()

	return &BTree{file: f, keySchema: keySchema, unique: unique, metaPID: metaPID}, nil
}

func withFileNode(f *fileman.File, pid page.ID, fn func(node)) error {
	sp, buf, err := f.Pool().Pin(pid)
	if err != nil {
		return err
	}
	fn(wrapNode(buf))
	sp.MarkDirty()
	sp.Release()
	return nil
}

// buildLeafLevel drains src into a run of leaf pages, linking each one to
// the last as soon as the next is allocated (the previous page's final
// Next pointer is never revisited again, so one forward pass suffices).
func buildLeafLevel(f *fileman.File, keySchema *types.Schema, src BulkSource) ([]childInfo, error) {
	var level []childInfo
	var prevPID page.ID = page.InvalidID
	var buf [][]byte
	var firstKey []types.DatumRef
	var firstRID page.RecordID

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		pid, err := f.AllocatePage()
		if err != nil {
			return err
		}
		if err := withFileNode(f, pid, func(nn node) {
			nn.Rewrite(leafHeader(f.ID(), false), prevPID, page.InvalidID, buf)
		}); err != nil {
			return err
		}
		if prevPID.Valid() {
			if err := withFileNode(f, prevPID, func(nn node) { nn.SetNext(pid) }); err != nil {
				return err
			}
		}
		level = append(level, childInfo{PID: pid, Key: firstKey, RID: firstRID})
		prevPID = pid
		buf = nil
		return nil
	}

	for {
		keyRefs, rid, ok, err := src()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rec := marshalLeaf(leafRec{RID: rid, Key: encodeKey(keySchema, keyRefs)})
		if len(buf) == 0 {
			firstKey, firstRID = keyRefs, rid
		}
		candidate := append(append([][]byte{}, buf...), rec)
		if !fitsOnPage(candidate) && len(buf) > 0 {
			if err := flush(); err != nil {
				return nil, err
			}
			firstKey, firstRID = keyRefs, rid
			buf = [][]byte{rec}
			continue
		}
		buf = candidate
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if len(level) == 0 {
		pid, err := f.AllocatePage()
		if err != nil {
			return nil, err
		}
		if err := withFileNode(f, pid, func(nn node) {
			nn.Rewrite(leafHeader(f.ID(), false), page.InvalidID, page.InvalidID, nil)
		}); err != nil {
			return nil, err
		}
		level = append(level, childInfo{PID: pid})
	}
	return level, nil
}

// buildInternalLevel packs children into parent pages, one level up:
// each page's first child becomes that page's sentinel (no key), every
// subsequent child on the page carries its own minimum key as the
// separator (spec §4.5).
func buildInternalLevel(f *fileman.File, keySchema *types.Schema, children []childInfo) ([]childInfo, error) {
	var level []childInfo
	var prevPID page.ID = page.InvalidID
	var buf [][]byte
	var firstChild childInfo
	haveFirst := false

	flushPage := func() error {
		if len(buf) == 0 {
			return nil
		}
		pid, err := f.AllocatePage()
		if err != nil {
			return err
		}
		if err := withFileNode(f, pid, func(nn node) {
			nn.Rewrite(internalHeader(f.ID(), false), prevPID, page.InvalidID, buf)
		}); err != nil {
			return err
		}
		if prevPID.Valid() {
			if err := withFileNode(f, prevPID, func(nn node) { nn.SetNext(pid) }); err != nil {
				return err
			}
		}
		level = append(level, childInfo{PID: pid, Key: firstChild.Key, RID: firstChild.RID})
		prevPID = pid
		buf = nil
		haveFirst = false
		return nil
	}

	for _, c := range children {
		var rec []byte
		if !haveFirst {
			rec = marshalInternal(internalRec{Child: c.PID, Sentinel: true})
			firstChild = c
			haveFirst = true
		} else {
			rec = marshalInternal(internalRec{Child: c.PID, Separator: c.RID, Key: encodeKey(keySchema, c.Key)})
		}
		candidate := append(append([][]byte{}, buf...), rec)
		if !fitsOnPage(candidate) && len(buf) > 0 {
			if err := flushPage(); err != nil {
				return nil, err
			}
			rec = marshalInternal(internalRec{Child: c.PID, Sentinel: true})
			firstChild = c
			haveFirst = true
			buf = [][]byte{rec}
			continue
		}
		buf = candidate
	}
	if err := flushPage(); err != nil {
		return nil, err
	}
	return level, nil
}
