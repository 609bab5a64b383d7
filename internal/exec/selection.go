package exec

import (
	"github.com/relkit/coredb/internal/expr"
	"github.com/relkit/coredb/internal/types"
)

// Selection wraps a child operator and returns only tuples for which a
// predicate evaluates to a non-null true, preserving child ordering
// (spec §4.8). Position save/restore delegates entirely to the child,
// since a position it hands out is always one where the child already
// sits on a matching tuple.
type Selection struct {
	child Operator
	pred  expr.Expr
	rec   []types.NullableDatumRef
}

func NewSelection(child Operator, pred expr.Expr) *Selection {
	return &Selection{child: child, pred: pred}
}

func (s *Selection) Init() error {
	s.rec = nil
	return s.child.Init()
}

func (s *Selection) NextTuple() (bool, error) {
	for {
		ok, err := s.child.NextTuple()
		if err != nil {
			return false, err
		}
		if !ok {
			s.rec = nil
			return false, nil
		}
		rec := s.child.GetRecord()
		v := s.pred.EvalTuple(rec)
		if !v.IsNull() && v.Bool() {
			s.rec = rec
			return true, nil
		}
	}
}

func (s *Selection) GetRecord() []types.NullableDatumRef { return s.rec }

func (s *Selection) Close() error { return s.child.Close() }

func (s *Selection) Rewind() error {
	s.rec = nil
	return s.child.Rewind()
}

func (s *Selection) SavePosition() (types.Datum, error) { return s.child.SavePosition() }

func (s *Selection) RewindTo(pos types.Datum) (bool, error) {
	ok, err := s.child.RewindTo(pos)
	if err != nil || !ok {
		s.rec = nil
		return ok, err
	}
	s.rec = s.child.GetRecord()
	return true, nil
}
