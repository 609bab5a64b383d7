package exec

import (
	"github.com/relkit/coredb/internal/index/btree"
	"github.com/relkit/coredb/internal/storage/heap"
	"github.com/relkit/coredb/internal/storage/page"
	"github.com/relkit/coredb/internal/types"
)

// IndexScan outputs the table's full schema (not the index's key) by
// fetching each heap record after locating it through the index
// iterator (spec §4.8). The plan owns Lower/Upper's key buffers; this
// state only reads them.
type IndexScan struct {
	idx    *btree.BTree
	table  *heap.Table
	schema *types.Schema
	lower  btree.Bound
	upper  btree.Bound

	sc      *btree.Scanner
	rec     []types.NullableDatumRef
	curRID  page.RecordID
	curKey  []byte
	started bool
	ended   bool
}

func NewIndexScan(idx *btree.BTree, table *heap.Table, schema *types.Schema, lower, upper btree.Bound) *IndexScan {
	return &IndexScan{idx: idx, table: table, schema: schema, lower: lower, upper: upper}
}

func (s *IndexScan) Init() error {
	sc, err := s.idx.NewScan(s.lower, s.upper)
	if err != nil {
		return err
	}
	s.sc, s.rec, s.curRID, s.curKey, s.started, s.ended = sc, nil, page.RecordID{}, nil, false, false
	return nil
}

func (s *IndexScan) NextTuple() (bool, error) {
	ok, err := s.sc.Next()
	if err != nil {
		return false, err
	}
	if !ok {
		s.ended = true
		s.rec = nil
		return false, nil
	}
	s.started = true
	s.curRID = s.sc.RecordID()
	s.curKey = append([]byte(nil), s.sc.Key()...)
	buf, err := s.table.GetRecord(s.curRID)
	if err != nil {
		return false, err
	}
	data, err := s.schema.DissemblePayload(buf)
	if err != nil {
		return false, err
	}
	s.rec = refsOf(data)
	return true, nil
}

func (s *IndexScan) GetRecord() []types.NullableDatumRef { return s.rec }

func (s *IndexScan) Close() error {
	if s.sc != nil {
		s.sc.Close()
		s.sc = nil
	}
	return nil
}

func (s *IndexScan) Rewind() error {
	if err := s.Close(); err != nil {
		return err
	}
	return s.Init()
}

func (s *IndexScan) SavePosition() (types.Datum, error) {
	if s.ended {
		return packParts([]byte{2}), nil
	}
	if !s.started {
		return packParts([]byte{0}), nil
	}
	return packParts([]byte{1}, ridPos(s.curRID), s.curKey), nil
}

// RewindTo re-opens a scan bounded below by the saved key (ties broken
// ascending by RID, per the index's record ordering) and skips forward
// to the exact saved record id.
func (s *IndexScan) RewindTo(pos types.Datum) (bool, error) {
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
		targetRID := readRIDPos(parts[1])
		keyRefs := s.idx.DecodeKey(parts[2])
		sc, err := s.idx.NewScan(btree.Bound{Key: keyRefs}, s.upper)
		if err != nil {
			return false, err
		}
		s.sc, s.rec, s.curRID, s.curKey, s.started, s.ended = sc, nil, page.RecordID{}, nil, false, false
		for {
			ok, err := s.NextTuple()
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
			if s.curRID == targetRID {
				return true, nil
			}
		}
	default:
		return false, errTruncatedPosition
	}
}
