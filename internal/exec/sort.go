package exec

import (
	"github.com/relkit/coredb/internal/expr"
	"github.com/relkit/coredb/internal/extsort"
	"github.com/relkit/coredb/internal/kernelerr"
	"github.com/relkit/coredb/internal/storage/fileman"
	"github.com/relkit/coredb/internal/types"
)

// SortKey is one (expression, ascending/descending) pair a Sort orders
// by, evaluated against each buffered tuple (spec §4.8).
type SortKey struct {
	Expr expr.Expr
	Desc bool
}

// Sort buffers all of its child's tuples into an external sort keyed
// by Keys, then serves the sorted result from the external sort's
// rewindable output iterator (spec §4.8, backed by §4.6's algorithm).
type Sort struct {
	child     Operator
	schema    *types.Schema
	keys      []SortKey
	mgr       *fileman.Manager
	mergeWays int

	out *extsort.Output
	rec []types.NullableDatumRef
}

func NewSort(child Operator, schema *types.Schema, keys []SortKey, mgr *fileman.Manager, mergeWays int) *Sort {
	return &Sort{child: child, schema: schema, keys: keys, mgr: mgr, mergeWays: mergeWays}
}

func cmpDatum(a, b types.Datum) int {
	an, bn := a.IsNull(), b.IsNull()
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	default:
		return types.Compare(a.Ref(), b.Ref())
	}
}

func (s *Sort) compare(a, b []byte) int {
	ra, err := s.schema.DissemblePayload(a)
	if err != nil {
		kernelerr.Panic("exec: sort: %v", err)
	}
	rb, err := s.schema.DissemblePayload(b)
	if err != nil {
		kernelerr.Panic("exec: sort: %v", err)
	}
	arefs, brefs := refsOf(ra), refsOf(rb)
	for _, k := range s.keys {
		va, vb := k.Expr.EvalTuple(arefs), k.Expr.EvalTuple(brefs)
		c := cmpDatum(va, vb)
		if k.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// childInput adapts the child operator to extsort.InputIterator,
// serializing each tuple as a schema payload.
type childInput struct {
	child  Operator
	schema *types.Schema
}

func (ci *childInput) Next() ([]byte, bool, error) {
	ok, err := ci.child.NextTuple()
	if err != nil || !ok {
		return nil, false, err
	}
	rec := ci.child.GetRecord()
	data := make([]types.Datum, len(rec))
	for i, r := range rec {
		data[i] = r.Deref()
	}
	return ci.schema.WritePayload(nil, data), true, nil
}

func (s *Sort) Init() error {
	if err := s.child.Init(); err != nil {
		return err
	}
	sorter := extsort.New(s.mgr, s.mergeWays, s.compare)
	out, err := sorter.Sort(&childInput{child: s.child, schema: s.schema})
	if err != nil {
		s.child.Close()
		return err
	}
	if err := s.child.Close(); err != nil {
		return err
	}
	s.out, s.rec = out, nil
	return nil
}

func (s *Sort) NextTuple() (bool, error) {
	ok, err := s.out.Next()
	if err != nil || !ok {
		s.rec = nil
		return ok, err
	}
	data, err := s.schema.DissemblePayload(s.out.Item())
	if err != nil {
		return false, err
	}
	s.rec = refsOf(data)
	return true, nil
}

func (s *Sort) GetRecord() []types.NullableDatumRef { return s.rec }

func (s *Sort) Close() error {
	if s.out != nil {
		s.out.Close()
		s.out = nil
	}
	return nil
}

func (s *Sort) Rewind() error {
	if err := s.Close(); err != nil {
		return err
	}
	return s.Init()
}

func (s *Sort) SavePosition() (types.Datum, error) {
	return packParts(u64Bytes(s.out.SavePosition())), nil
}

func (s *Sort) RewindTo(pos types.Datum) (bool, error) {
	parts, err := parseParts(pos)
	if err != nil {
		return false, err
	}
	if len(parts) != 1 {
		return false, errTruncatedPosition
	}
	ok, err := s.out.Rewind(readU64(parts[0]))
	if err != nil || !ok {
		s.rec = nil
		return ok, err
	}
	data, err := s.schema.DissemblePayload(s.out.Item())
	if err != nil {
		return false, err
	}
	s.rec = refsOf(data)
	return true, nil
}
