package exec

import (
	"github.com/relkit/coredb/internal/expr"
	"github.com/relkit/coredb/internal/index/btree"
	"github.com/relkit/coredb/internal/storage/heap"
	"github.com/relkit/coredb/internal/storage/page"
	"github.com/relkit/coredb/internal/types"
)

// IndexNestedLoop probes an index on the inner relation once per outer
// tuple (spec §4.8). LowerExprs builds the scan's lower bound;
// UpperExprs, if non-nil, builds a separate upper bound, otherwise the
// scan is unbounded above. LowerExclusive/UpperExclusive select strict
// vs inclusive comparison at each bound.
type IndexNestedLoop struct {
	outer      Operator
	innerIdx   *btree.BTree
	innerTable *heap.Table
	innerSch   *types.Schema

	lowerExprs     []expr.Expr
	lowerExclusive bool
	upperExprs     []expr.Expr
	upperExclusive bool

	outerOK  bool
	outerRec []types.NullableDatumRef

	sc       *btree.Scanner
	haveRID  bool
	curRID   page.RecordID
	innerRec []types.NullableDatumRef

	rec []types.NullableDatumRef
}

func NewIndexNestedLoop(outer Operator, innerIdx *btree.BTree, innerTable *heap.Table, innerSch *types.Schema,
	lowerExprs []expr.Expr, lowerExclusive bool, upperExprs []expr.Expr, upperExclusive bool) *IndexNestedLoop {
	return &IndexNestedLoop{
		outer: outer, innerIdx: innerIdx, innerTable: innerTable, innerSch: innerSch,
		lowerExprs: lowerExprs, lowerExclusive: lowerExclusive,
		upperExprs: upperExprs, upperExclusive: upperExclusive,
	}
}

func (j *IndexNestedLoop) bounds(outerRec []types.NullableDatumRef) (btree.Bound, btree.Bound) {
	lower := btree.Bound{Exclusive: j.lowerExclusive}
	if len(j.lowerExprs) > 0 {
		keys := make([]types.DatumRef, len(j.lowerExprs))
		for i, e := range j.lowerExprs {
			keys[i] = e.EvalTuple(outerRec).Ref()
		}
		lower.Key = keys
	}
	upper := btree.Bound{Exclusive: j.upperExclusive}
	if len(j.upperExprs) > 0 {
		keys := make([]types.DatumRef, len(j.upperExprs))
		for i, e := range j.upperExprs {
			keys[i] = e.EvalTuple(outerRec).Ref()
		}
		upper.Key = keys
	}
	return lower, upper
}

func (j *IndexNestedLoop) closeScan() {
	if j.sc != nil {
		j.sc.Close()
		j.sc = nil
	}
	j.haveRID = false
}

func (j *IndexNestedLoop) fetchInner(rid page.RecordID) error {
	data, err := j.innerTable.GetRecord(rid)
	if err != nil {
		return err
	}
	fields, err := j.innerSch.DissemblePayload(data)
	if err != nil {
		return err
	}
	j.innerRec = refsOf(fields)
	j.curRID, j.haveRID = rid, true
	return nil
}

func (j *IndexNestedLoop) Init() error {
	j.closeScan()
	j.outerOK, j.outerRec, j.rec = false, nil, nil
	return j.outer.Init()
}

func (j *IndexNestedLoop) NextTuple() (bool, error) {
	for {
		if j.sc != nil {
			ok, err := j.sc.Next()
			if err != nil {
				return false, err
			}
			if ok {
				if err := j.fetchInner(j.sc.RecordID()); err != nil {
					return false, err
				}
				j.rec = combineRecs(j.outerRec, j.innerRec)
				return true, nil
			}
			j.closeScan()
		}

		ok, err := j.outer.NextTuple()
		if err != nil {
			return false, err
		}
		if !ok {
			j.outerOK, j.rec = false, nil
			return false, nil
		}
		j.outerOK = true
		j.outerRec = j.outer.GetRecord()
		lower, upper := j.bounds(j.outerRec)
		sc, err := j.innerIdx.NewScan(lower, upper)
		if err != nil {
			return false, err
		}
		j.sc = sc
	}
}

func (j *IndexNestedLoop) GetRecord() []types.NullableDatumRef { return j.rec }

func (j *IndexNestedLoop) Close() error {
	j.closeScan()
	return j.outer.Close()
}

func (j *IndexNestedLoop) Rewind() error {
	j.closeScan()
	j.outerOK, j.outerRec, j.rec = false, nil, nil
	return j.outer.Rewind()
}

func (j *IndexNestedLoop) SavePosition() (types.Datum, error) {
	outerPos, err := j.outer.SavePosition()
	if err != nil {
		return types.Datum{}, err
	}
	var ridBytes []byte
	if j.haveRID {
		ridBytes = ridPos(j.curRID)
	}
	return packParts([]byte(outerPos.String()), boolByte(j.haveRID), ridBytes), nil
}

func (j *IndexNestedLoop) RewindTo(pos types.Datum) (bool, error) {
	parts, err := unpackParts(pos, 3)
	if err != nil {
		return false, err
	}
	outerPos := types.FromVarchar(string(parts[0]))
	haveRID := readBool(parts[1])

	j.closeScan()
	ok, err := j.outer.RewindTo(outerPos)
	if err != nil {
		return false, err
	}
	j.outerOK = ok
	if !ok {
		j.outerRec, j.rec = nil, nil
		return false, nil
	}
	j.outerRec = j.outer.GetRecord()
	if !haveRID {
		j.rec = nil
		return false, nil
	}
	target := readRIDPos(parts[2])

	lower, upper := j.bounds(j.outerRec)
	sc, err := j.innerIdx.NewScan(lower, upper)
	if err != nil {
		return false, err
	}
	j.sc = sc
	for {
		ok, err := sc.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			j.rec = nil
			return false, nil
		}
		if sc.RecordID() == target {
			if err := j.fetchInner(target); err != nil {
				return false, err
			}
			j.rec = combineRecs(j.outerRec, j.innerRec)
			return true, nil
		}
	}
}
