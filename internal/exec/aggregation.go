package exec

import (
	"github.com/relkit/coredb/internal/catalog"
	"github.com/relkit/coredb/internal/expr"
	"github.com/relkit/coredb/internal/types"
)

// AggSpec is one output column of an Aggregation: an optional argument
// expression (nil for count(*)) and the resolved aggregate function.
type AggSpec struct {
	Arg expr.Expr
	Agg *catalog.AggFuncInfo
}

// Aggregation consumes its child to exhaustion exactly once and emits a
// single row of finalized aggregate values (spec §4.8, no grouping).
// After that single row is served, it behaves as an exhausted operator.
type Aggregation struct {
	child Operator
	specs []AggSpec

	// state: 0 before-first, 1 positioned at the one row, 2 after-last.
	state int
	rec   []types.NullableDatumRef
}

func NewAggregation(child Operator, specs []AggSpec) *Aggregation {
	return &Aggregation{child: child, specs: specs}
}

func (a *Aggregation) Init() error {
	a.state, a.rec = 0, nil
	return a.child.Init()
}

func (a *Aggregation) compute() error {
	states := make([]types.Datum, len(a.specs))
	for i, sp := range a.specs {
		states[i] = sp.Agg.Init()
	}
	for {
		ok, err := a.child.NextTuple()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		rec := a.child.GetRecord()
		for i, sp := range a.specs {
			var val types.Datum
			if sp.Arg == nil {
				val = types.FromBool(true) // count(*): any non-null value
			} else {
				val = sp.Arg.EvalTuple(rec)
			}
			states[i] = sp.Agg.Accumulate(states[i], val)
		}
	}
	if err := a.child.Close(); err != nil {
		return err
	}
	out := make([]types.Datum, len(a.specs))
	for i, sp := range a.specs {
		out[i] = sp.Agg.Finalize(states[i])
	}
	a.rec = refsOf(out)
	return nil
}

func (a *Aggregation) NextTuple() (bool, error) {
	if a.state != 0 {
		a.state = 2
		a.rec = nil
		return false, nil
	}
	if err := a.compute(); err != nil {
		return false, err
	}
	a.state = 1
	return true, nil
}

func (a *Aggregation) GetRecord() []types.NullableDatumRef { return a.rec }

func (a *Aggregation) Close() error { return nil }

func (a *Aggregation) Rewind() error {
	a.state, a.rec = 0, nil
	return a.child.Rewind()
}

func (a *Aggregation) SavePosition() (types.Datum, error) {
	switch a.state {
	case 0:
		return packParts([]byte{0}), nil
	case 2:
		return packParts([]byte{2}), nil
	default:
		parts := make([][]byte, 1, len(a.rec)+1)
		parts[0] = []byte{1}
		for _, r := range a.rec {
			parts = append(parts, encodeDatumGeneric(r.Deref()))
		}
		return packParts(parts...), nil
	}
}

func (a *Aggregation) RewindTo(pos types.Datum) (bool, error) {
	parts, err := parseParts(pos)
	if err != nil {
		return false, err
	}
	if len(parts) == 0 {
		return false, errTruncatedPosition
	}
	switch parts[0][0] {
	case 0:
		a.state, a.rec = 0, nil
		return false, a.child.Rewind()
	case 2:
		a.state, a.rec = 2, nil
		return false, nil
	case 1:
		rec := make([]types.NullableDatumRef, 0, len(parts)-1)
		for _, p := range parts[1:] {
			d, _ := decodeDatumGeneric(p)
			rec = append(rec, d.Ref())
		}
		a.state, a.rec = 1, rec
		return true, nil
	default:
		return false, errTruncatedPosition
	}
}
