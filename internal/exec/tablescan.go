package exec

import (
	"github.com/relkit/coredb/internal/storage/heap"
	"github.com/relkit/coredb/internal/storage/page"
	"github.com/relkit/coredb/internal/types"
)

func refsOf(data []types.Datum) []types.NullableDatumRef {
	out := make([]types.NullableDatumRef, len(data))
	for i, d := range data {
		out[i] = d.Ref()
	}
	return out
}

// TableScan outputs a table's full schema in heap order, a snapshot
// taken at Init (spec §4.8). save_position encodes the (page, slot) of
// the current tuple, with sentinel encodings for before-first and
// after-last.
type TableScan struct {
	table  *heap.Table
	schema *types.Schema

	it      *heap.Iterator
	rec     []types.NullableDatumRef
	cur     page.RecordID
	started bool
	ended   bool
}

func NewTableScan(table *heap.Table, schema *types.Schema) *TableScan {
	return &TableScan{table: table, schema: schema}
}

func (s *TableScan) Init() error {
	it, err := s.table.StartScan()
	if err != nil {
		return err
	}
	s.it, s.rec, s.cur, s.started, s.ended = it, nil, page.RecordID{}, false, false
	return nil
}

func (s *TableScan) NextTuple() (bool, error) {
	ok, err := s.it.Next()
	if err != nil {
		return false, err
	}
	if !ok {
		s.ended = true
		s.rec = nil
		return false, nil
	}
	s.started = true
	s.cur = s.it.RecordID()
	data, err := s.schema.DissemblePayload(s.it.Record())
	if err != nil {
		return false, err
	}
	s.rec = refsOf(data)
	return true, nil
}

func (s *TableScan) GetRecord() []types.NullableDatumRef { return s.rec }

func (s *TableScan) Close() error {
	if s.it != nil {
		s.it.Close()
		s.it = nil
	}
	return nil
}

func (s *TableScan) Rewind() error {
	if err := s.Close(); err != nil {
		return err
	}
	return s.Init()
}

func (s *TableScan) SavePosition() (types.Datum, error) {
	if s.ended {
		return packParts([]byte{2}), nil // after-last sentinel
	}
	if !s.started {
		return packParts([]byte{0}), nil // before-first sentinel
	}
	return packParts([]byte{1}, ridPos(s.cur)), nil
}

func (s *TableScan) RewindTo(pos types.Datum) (bool, error) {
	parts, err := parseParts(pos)
	if err != nil {
		return false, err
	}
	if len(parts) == 0 {
		return false, errTruncatedPosition
	}
	tag := parts[0][0]
	if err := s.Close(); err != nil {
		return false, err
	}
	switch tag {
	case 0:
		return false, s.Init()
	case 2:
		if err := s.Init(); err != nil {
			return false, err
		}
		for {
			ok, err := s.NextTuple()
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
	case 1:
		rid := readRIDPos(parts[1])
		it, err := s.table.StartScanFrom(rid)
		if err != nil {
			return false, err
		}
		s.it, s.rec, s.cur, s.started, s.ended = it, nil, page.RecordID{}, false, false
		ok, err := s.NextTuple()
		if err != nil {
			return false, err
		}
		return ok, nil
	default:
		return false, errTruncatedPosition
	}
}
