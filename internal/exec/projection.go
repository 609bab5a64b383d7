package exec

import (
	"github.com/relkit/coredb/internal/expr"
	"github.com/relkit/coredb/internal/types"
)

// Projection is a one-to-one output-schema-shaping wrapper over a child
// operator and an expression list (spec §4.8). Position save/restore
// delegates to the child and re-evaluates the expression list on
// restore, since the projected row is a pure function of the child's
// current tuple.
type Projection struct {
	child Operator
	exprs []expr.Expr
	rec   []types.NullableDatumRef
}

func NewProjection(child Operator, exprs []expr.Expr) *Projection {
	return &Projection{child: child, exprs: exprs}
}

func (p *Projection) project() {
	rec := p.child.GetRecord()
	out := make([]types.NullableDatumRef, len(p.exprs))
	for i, e := range p.exprs {
		out[i] = e.EvalTuple(rec).Ref()
	}
	p.rec = out
}

func (p *Projection) Init() error {
	p.rec = nil
	return p.child.Init()
}

func (p *Projection) NextTuple() (bool, error) {
	ok, err := p.child.NextTuple()
	if err != nil || !ok {
		p.rec = nil
		return ok, err
	}
	p.project()
	return true, nil
}

func (p *Projection) GetRecord() []types.NullableDatumRef { return p.rec }

func (p *Projection) Close() error { return p.child.Close() }

func (p *Projection) Rewind() error {
	p.rec = nil
	return p.child.Rewind()
}

func (p *Projection) SavePosition() (types.Datum, error) { return p.child.SavePosition() }

func (p *Projection) RewindTo(pos types.Datum) (bool, error) {
	ok, err := p.child.RewindTo(pos)
	if err != nil || !ok {
		p.rec = nil
		return ok, err
	}
	p.project()
	return true, nil
}
