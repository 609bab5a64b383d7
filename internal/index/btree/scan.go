package btree

import (
	"github.com/relkit/coredb/internal/index/key"
	"github.com/relkit/coredb/internal/storage/buffer"
	"github.com/relkit/coredb/internal/storage/page"
	"github.com/relkit/coredb/internal/types"
)

// Bound describes one side of a range scan: an optional key (nil means
// unbounded) and whether equal keys at that boundary are included
// (spec §4.5's inclusive/exclusive range scan).
type Bound struct {
	Key       []types.DatumRef
	Exclusive bool
}

// Scanner walks leaf records in ascending key order between a lower and
// upper bound, following sibling links rather than re-descending from the
// root for each record (spec §4.5, §8).
type Scanner struct {
	bt       *BTree
	upper    Bound
	hasUpper bool
	upperKey []types.DatumRef // refs into an owned copy, outliving any one pinned page
	upperOwn []types.Datum

	pin      *buffer.ScopedPin
	buf      []byte
	pid      page.ID
	slotIdx  int // 0-based index into the current page's data records
	done     bool
	started  bool

	curRID page.RecordID
	curKey []byte

	lowerKey       []types.DatumRef
	lowerOwn       []types.Datum
	lowerExclusive bool
	hasLower       bool
}

// NewScan opens a range scan. lower.Key == nil scans from the first leaf
// record; upper.Key == nil scans to the last.
func (bt *BTree) NewScan(lower, upper Bound) (*Scanner, error) {
	s := &Scanner{bt: bt, upper: upper, hasUpper: upper.Key != nil, hasLower: lower.Key != nil, lowerExclusive: lower.Exclusive}
	if s.hasUpper {
		for _, r := range upper.Key {
			d := r.Deref()
			s.upperOwn = append(s.upperOwn, d)
			s.upperKey = append(s.upperKey, d.Ref())
		}
	}
	if s.hasLower {
		for _, r := range lower.Key {
			d := r.Deref()
			s.lowerOwn = append(s.lowerOwn, d)
			s.lowerKey = append(s.lowerKey, d.Ref())
		}
	}

	var pid page.ID
	var err error
	if lower.Key == nil {
		pid, err = s.bt.leftmostLeaf()
	} else {
		_, pid, err = s.bt.findLeafPath(lower.Key, page.RecordID{}, true)
	}
	if err != nil {
		return nil, err
	}
	s.pid = pid

	if lower.Key != nil {
		sp, buf, err := s.bt.file.Pool().Pin(pid)
		if err != nil {
			return nil, err
		}
		n := wrapNode(buf)
		slot := searchPage(n, s.bt.keySchema, lower.Key, page.RecordID{}, true)
		idx := 0
		if slot != page.InvalidSlotID {
			idx = int(slot) - 1 // convert absolute data slot id to 0-based index
		}
		// idx currently points at the last record < lower.Key (prefix
		// semantics); the scan's first candidate is the one after it,
		// unless lower itself is Exclusive and happens to match exactly
		// (handled generically by the normal < / <= comparison below).
		sp.Release()
		s.slotIdx = idx
	}

	return s, nil
}

func (bt *BTree) leftmostLeaf() (page.ID, error) {
	cur, err := bt.root()
	if err != nil {
		return page.InvalidID, err
	}
	for {
		sp, buf, err := bt.file.Pool().Pin(cur)
		if err != nil {
			return page.InvalidID, err
		}
		n := wrapNode(buf)
		if n.IsLeaf() {
			sp.Release()
			return cur, nil
		}
		ir := unmarshalInternal(n.sl.GetRecord(dataSlotID(0)))
		sp.Release()
		cur = ir.Child
	}
}

func (s *Scanner) releasePin() {
	if s.pin != nil {
		s.pin.Release()
		s.pin = nil
		s.buf = nil
	}
}

// Next advances to the next in-range record.
func (s *Scanner) Next() (bool, error) {
	if s.done {
		return false, nil
	}
	for {
		if s.pin == nil {
			if !s.pid.Valid() {
				s.done = true
				return false, nil
			}
			sp, buf, err := s.bt.file.Pool().Pin(s.pid)
			if err != nil {
				return false, err
			}
			s.pin = sp
			s.buf = buf
			if s.started {
				s.slotIdx = 0
			}
			s.started = true
		}
		n := wrapNode(s.buf)
		count := dataSlotCount(n)
		if s.slotIdx >= count {
			next := n.Next()
			s.releasePin()
			if !next.Valid() {
				s.done = true
				return false, nil
			}
			s.pid = next
			continue
		}
		rec := n.sl.GetRecord(dataSlotID(s.slotIdx))
		s.slotIdx++
		lr := unmarshalLeaf(rec)
		recKey := decodeKey(s.bt.keySchema, lr.Key)
		if s.hasLower && s.lowerExclusive && key.Equal(recKey, s.lowerKey) {
			continue
		}
		if s.hasUpper {
			c := key.Compare(s.upperKey, recKey)
			if c < 0 || (c == 0 && s.upper.Exclusive) {
				s.done = true
				s.releasePin()
				return false, nil
			}
		}
		s.curRID = lr.RID
		s.curKey = append([]byte(nil), lr.Key...)
		return true, nil
	}
}

// RecordID returns the current record's heap rid.
func (s *Scanner) RecordID() page.RecordID { return s.curRID }

// Key returns the current record's schema-encoded key payload.
func (s *Scanner) Key() []byte { return s.curKey }

// Close releases any held pin.
func (s *Scanner) Close() {
	s.releasePin()
	s.done = true
}
